package element

import "fmt"

// GeometricTransform maps reference space [-1,1]^2 to axis-aligned physical
// rectangles. All data is stored per element.
type GeometricTransform struct {
	// Inverse Jacobian terms ∂r/∂x and ∂s/∂y; the cross terms vanish
	// Length K
	Rx, Sy []float64

	// Jacobian determinant |∂(x,y)/∂(r,s)|
	// Used for integration: ∫_Ω f dA = ∫_Ω̂ f |J| dr ds
	J []float64

	// Hx, Hy are the physical element widths
	Hx, Hy []float64
}

// NewRectTransform builds the transform of K rectangles with widths hx, hy.
func NewRectTransform(hx, hy []float64) (*GeometricTransform, error) {
	if len(hx) != len(hy) {
		return nil, fmt.Errorf("width arrays differ in length: %d and %d", len(hx), len(hy))
	}
	K := len(hx)
	gt := &GeometricTransform{
		Rx: make([]float64, K),
		Sy: make([]float64, K),
		J:  make([]float64, K),
		Hx: hx,
		Hy: hy,
	}
	for k := 0; k < K; k++ {
		if !(hx[k] > 0) || !(hy[k] > 0) {
			return nil, fmt.Errorf("element %d has degenerate size %g x %g", k, hx[k], hy[k])
		}
		gt.Rx[k] = 2 / hx[k]
		gt.Sy[k] = 2 / hy[k]
		gt.J[k] = 0.25 * hx[k] * hy[k]
	}
	return gt, nil
}

// AspectRatio returns hx/hy of element k.
func (gt *GeometricTransform) AspectRatio(k int) float64 { return gt.Hx[k] / gt.Hy[k] }
