package element

import (
	"fmt"

	"github.com/notargets/gocfd/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/freqtopo/element/library/gonudg"
)

// QuadLagrange is the tensor-product Lagrange quadrilateral on [-1,1]^2
// with Gauss-Lobatto nodes, which are equispaced for the supported orders.
// Nodes are numbered r fastest.
type QuadLagrange struct {
	props ElementProperties
	geom  ReferenceGeometry
	ops   ReferenceOperators
	quad  Quadrature
	r1d   []float64
}

var _ Element = (*QuadLagrange)(nil)
var _ ReferenceElement = (*QuadLagrange)(nil)

// NewQuadLagrange builds the element of polynomial order 1 or 2.
func NewQuadLagrange(order int) (*QuadLagrange, error) {
	if order < 1 || order > 2 {
		return nil, fmt.Errorf("unsupported quadrilateral order %d", order)
	}
	n1 := order + 1
	Np := n1 * n1
	el := &QuadLagrange{r1d: gonudg.JacobiGL(0, 0, order)}
	el.props = ElementProperties{
		Name:       fmt.Sprintf("Lagrange Quadrilateral Order %d", order),
		ShortName:  fmt.Sprintf("Quad%d", order),
		Type:       Rectangle,
		Order:      order,
		Np:         Np,
		NEp:        n1,
		NVp:        4,
		NIp:        (n1 - 2) * (n1 - 2),
		NEdges:     4,
		Dimensions: D2,
	}
	el.buildGeometry()
	el.buildQuadrature()
	el.buildOperators()
	return el, nil
}

func (el *QuadLagrange) buildGeometry() {
	n1 := el.props.NEp
	Np := el.props.Np
	g := ReferenceGeometry{R: make([]float64, Np), S: make([]float64, Np)}
	for j := 0; j < n1; j++ {
		for i := 0; i < n1; i++ {
			k := j*n1 + i
			g.R[k], g.S[k] = el.r1d[i], el.r1d[j]
		}
	}
	g.VertexPoints = []int{0, n1 - 1, Np - 1, Np - n1}
	g.EdgePoints = make([][]int, 4)
	for i := 0; i < n1; i++ {
		g.EdgePoints[0] = append(g.EdgePoints[0], i)               // s = -1
		g.EdgePoints[1] = append(g.EdgePoints[1], i*n1+n1-1)       // r = +1
		g.EdgePoints[2] = append(g.EdgePoints[2], (n1-1)*n1+n1-1-i) // s = +1
		g.EdgePoints[3] = append(g.EdgePoints[3], (n1-1-i)*n1)      // r = -1
	}
	for j := 1; j < n1-1; j++ {
		for i := 1; i < n1-1; i++ {
			g.InteriorPoints = append(g.InteriorPoints, j*n1+i)
		}
	}
	el.geom = g
}

// basis evaluates the Np shape functions and their reference derivatives.
func (el *QuadLagrange) basis(r, s float64) (n, nr, ns []float64) {
	lr, dlr := gonudg.Lagrange1D(el.r1d, r)
	ls, dls := gonudg.Lagrange1D(el.r1d, s)
	n1 := len(el.r1d)
	n = make([]float64, n1*n1)
	nr = make([]float64, n1*n1)
	ns = make([]float64, n1*n1)
	for j := 0; j < n1; j++ {
		for i := 0; i < n1; i++ {
			k := j*n1 + i
			n[k] = lr[i] * ls[j]
			nr[k] = dlr[i] * ls[j]
			ns[k] = lr[i] * dls[j]
		}
	}
	return
}

func (el *QuadLagrange) buildQuadrature() {
	n1 := el.props.NEp
	Np := el.props.Np
	x, w := gonudg.GaussLegendre(n1)
	Nq := n1 * n1
	q := Quadrature{R: make([]float64, Nq), S: make([]float64, Nq), W: make([]float64, Nq)}
	N := mat.NewDense(Nq, Np, nil)
	Nr := mat.NewDense(Nq, Np, nil)
	Ns := mat.NewDense(Nq, Np, nil)
	for j := 0; j < n1; j++ {
		for i := 0; i < n1; i++ {
			k := j*n1 + i
			q.R[k], q.S[k], q.W[k] = x[i], x[j], w[i]*w[j]
			n, nr, ns := el.basis(x[i], x[j])
			N.SetRow(k, n)
			Nr.SetRow(k, nr)
			Ns.SetRow(k, ns)
		}
	}
	q.N, q.Nr, q.Ns = N, Nr, Ns
	el.quad = q
}

func (el *QuadLagrange) buildOperators() {
	Np := el.props.Np
	q := el.quad
	M := mat.NewSymDense(Np, nil)
	for a := 0; a < Np; a++ {
		for b := a; b < Np; b++ {
			v := 0.0
			for k := range q.W {
				v += q.W[k] * q.N.At(k, a) * q.N.At(k, b)
			}
			M.SetSym(a, b, v)
		}
	}
	Dr := mat.NewDense(Np, Np, nil)
	Ds := mat.NewDense(Np, Np, nil)
	for a := 0; a < Np; a++ {
		_, nr, ns := el.basis(el.geom.R[a], el.geom.S[a])
		Dr.SetRow(a, nr)
		Ds.SetRow(a, ns)
	}
	el.ops = ReferenceOperators{M: M, Dr: Dr, Ds: Ds}
}

func (el *QuadLagrange) Name() string                  { return el.props.Name }
func (el *QuadLagrange) ShortName() string             { return el.props.ShortName }
func (el *QuadLagrange) GeometryType() ElementGeometry { return el.props.Type }
func (el *QuadLagrange) Order() int                    { return el.props.Order }
func (el *QuadLagrange) Np() int                       { return el.props.Np }
func (el *QuadLagrange) NEp() int                      { return el.props.NEp }
func (el *QuadLagrange) NVp() int                      { return el.props.NVp }
func (el *QuadLagrange) NIp() int                      { return el.props.NIp }
func (el *QuadLagrange) Dimensions() Dimensionality    { return el.props.Dimensions }
func (el *QuadLagrange) R() []float64                  { return el.geom.R }
func (el *QuadLagrange) S() []float64                  { return el.geom.S }
func (el *QuadLagrange) VertexPoints() []int           { return el.geom.VertexPoints }
func (el *QuadLagrange) EdgePoints() [][]int           { return el.geom.EdgePoints }
func (el *QuadLagrange) InteriorPoints() []int         { return el.geom.InteriorPoints }
func (el *QuadLagrange) M() mat.Matrix                 { return el.ops.M }
func (el *QuadLagrange) Dr() mat.Matrix                { return el.ops.Dr }
func (el *QuadLagrange) Ds() mat.Matrix                { return el.ops.Ds }

func (el *QuadLagrange) GetProperties() ElementProperties          { return el.props }
func (el *QuadLagrange) GetReferenceGeometry() ReferenceGeometry   { return el.geom }
func (el *QuadLagrange) GetReferenceOperators() ReferenceOperators { return el.ops }
func (el *QuadLagrange) GetQuadrature() Quadrature                 { return el.quad }

// NumQuadPoints returns the number of quadrature points.
func (el *QuadLagrange) NumQuadPoints() int { return len(el.quad.W) }

// Interpolate returns the shape function values at (r, s).
func (el *QuadLagrange) Interpolate(r, s float64) []float64 {
	n, _, _ := el.basis(r, s)
	return n
}

// PlaneStress returns the plane-stress constitutive matrix for unit modulus.
func PlaneStress(nu float64) utils.Matrix {
	D := utils.NewMatrix(3, 3)
	c := 1 / (1 - nu*nu)
	D.Set(0, 0, c)
	D.Set(0, 1, c*nu)
	D.Set(1, 0, c*nu)
	D.Set(1, 1, c)
	D.Set(2, 2, 0.5*c*(1-nu))
	return D
}

// StiffnessBlocks returns for every quadrature point the 2Np × 2Np matrix
// w|J| BᵀDB of a unit-modulus hx × hy element, with (u, v) interleaved per
// node. The blocks depend on the aspect ratio hx/hy only.
func (el *QuadLagrange) StiffnessBlocks(hx, hy, nu float64) []utils.Matrix {
	Np := el.props.Np
	D := PlaneStress(nu)
	rx, sy := 2/hx, 2/hy
	detJ := 0.25 * hx * hy
	q := el.quad
	blocks := make([]utils.Matrix, len(q.W))
	for k := range q.W {
		B := utils.NewMatrix(3, 2*Np)
		for a := 0; a < Np; a++ {
			dx := q.Nr.At(k, a) * rx
			dy := q.Ns.At(k, a) * sy
			B.Set(0, 2*a, dx)
			B.Set(1, 2*a+1, dy)
			B.Set(2, 2*a, dy)
			B.Set(2, 2*a+1, dx)
		}
		G := B.Transpose().Mul(D.Mul(B))
		scale := q.W[k] * detJ
		for i := 0; i < 2*Np; i++ {
			for j := 0; j < 2*Np; j++ {
				G.Set(i, j, scale*G.At(i, j))
			}
		}
		blocks[k] = G
	}
	return blocks
}

// MassBlocks returns for every quadrature point the Np × Np matrix
// w|J| N Nᵀ of an hx × hy element.
func (el *QuadLagrange) MassBlocks(hx, hy float64) []utils.Matrix {
	Np := el.props.Np
	detJ := 0.25 * hx * hy
	q := el.quad
	blocks := make([]utils.Matrix, len(q.W))
	for k := range q.W {
		H := utils.NewMatrix(Np, Np)
		for a := 0; a < Np; a++ {
			for b := 0; b < Np; b++ {
				H.Set(a, b, q.W[k]*detJ*q.N.At(k, a)*q.N.At(k, b))
			}
		}
		blocks[k] = H
	}
	return blocks
}

// DiffusionMatrix returns the Np × Np scalar matrix ∫ ∇Nᵀ∇N of an hx × hy
// element.
func (el *QuadLagrange) DiffusionMatrix(hx, hy float64) utils.Matrix {
	Np := el.props.Np
	rx, sy := 2/hx, 2/hy
	detJ := 0.25 * hx * hy
	q := el.quad
	L := utils.NewMatrix(Np, Np)
	for k := range q.W {
		w := q.W[k] * detJ
		for a := 0; a < Np; a++ {
			for b := 0; b < Np; b++ {
				v := q.Nr.At(k, a)*q.Nr.At(k, b)*rx*rx + q.Ns.At(k, a)*q.Ns.At(k, b)*sy*sy
				L.Set(a, b, L.At(a, b)+w*v)
			}
		}
	}
	return L
}
