package gonudg

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// JacobiGL computes the Gauss-Lobatto quadrature points for Jacobi polynomials
// These are the zeros of (1-X^2)*P'_N^{alpha,beta}(X)
func JacobiGL(alpha, beta float64, N int) []float64 {
	if N == 0 {
		return []float64{0.0}
	}

	if N == 1 {
		return []float64{-1.0, 1.0}
	}

	// N-1 interior Gauss-Jacobi points plus the two endpoints
	xint, _ := JacobiGQ(alpha+1, beta+1, N-2)

	x := make([]float64, N+1)
	x[0] = -1.0
	copy(x[1:N], xint)
	x[N] = 1.0

	return x
}

// JacobiGQ computes the N+1 point Gauss quadrature for the Jacobi weight
// (1-x)^alpha (1+x)^beta using the Golub-Welsch eigenvalue method.
func JacobiGQ(alpha, beta float64, N int) (X, W []float64) {
	var (
		x, w       []float64
		fac        float64
		h1, d0, d1 []float64
		VVr        *mat.Dense
	)
	if N == 0 {
		x = []float64{-(alpha - beta) / (alpha + beta + 2.)}
		w = []float64{2.}
		return x, w
	}

	h1 = make([]float64, N+1)
	for i := 0; i < N+1; i++ {
		h1[i] = 2*float64(i) + alpha + beta
	}

	// main diagonal: d0[i] = -(β²-α²)/((2i+α+β)*(2i+α+β+2))
	d0 = make([]float64, N+1)
	fac = (beta*beta - alpha*alpha)
	for i := 0; i < N+1; i++ {
		val := h1[i]
		d0[i] = fac / (val * (val + 2.))
	}

	// Handle division by zero
	eps := 1.e-16
	if alpha+beta < 10*eps {
		d0[0] = 0.
	}

	// 1st upper diagonal
	d1 = make([]float64, N)
	for i := 0; i < N; i++ {
		ip1 := float64(i + 1)
		val := h1[i]
		d1[i] = 2.0 / (val + 2.0) * math.Sqrt(
			ip1*(ip1+alpha+beta)*(ip1+alpha)*(ip1+beta)/(val+1)/(val+3),
		)
	}

	JJ := NewSymTriDiagonal(d0, d1)

	var eig mat.EigenSym
	ok := eig.Factorize(JJ, true)
	if !ok {
		panic("eigenvalue decomposition failed")
	}
	x = eig.Values(x)

	VVr = mat.NewDense(len(x), len(x), nil)
	eig.VectorsTo(VVr)
	W = VVr.RawRowView(0)
	for i := range W {
		W[i] *= W[i] * Gamma0(alpha, beta)
	}
	return x, W
}

// GaussLegendre returns n Gauss-Legendre points on [-1,1] in ascending
// order with their weights; exact for polynomials of degree 2n-1.
func GaussLegendre(n int) (x, w []float64) {
	x, w = JacobiGQ(0, 0, n-1)
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	xs, ws := make([]float64, n), make([]float64, n)
	for i, k := range idx {
		xs[i], ws[i] = x[k], w[k]
	}
	return xs, ws
}

func Gamma0(alpha, beta float64) float64 {
	ab1 := alpha + beta + 1.
	a1 := alpha + 1.
	b1 := beta + 1.
	return math.Gamma(a1) * math.Gamma(b1) * math.Pow(2, ab1) / ab1 / math.Gamma(ab1)
}

func NewSymTriDiagonal(d0, d1 []float64) (Tri *mat.SymDense) {
	n := len(d0)
	dd := make([]float64, n*n)
	for i := 0; i < n; i++ {
		dd[i+i*n] = d0[i]
		if i != n-1 {
			dd[i+1+i*n] = d1[i]
			dd[i+(i+1)*n] = d1[i]
		}
	}
	Tri = mat.NewSymDense(n, dd)
	return
}

// Lagrange1D evaluates the Lagrange basis on the given nodes and its
// derivative at t.
func Lagrange1D(nodes []float64, t float64) (l, dl []float64) {
	n := len(nodes)
	l = make([]float64, n)
	dl = make([]float64, n)
	for i := 0; i < n; i++ {
		v := 1.0
		for j := 0; j < n; j++ {
			if j != i {
				v *= (t - nodes[j]) / (nodes[i] - nodes[j])
			}
		}
		l[i] = v

		d := 0.0
		for k := 0; k < n; k++ {
			if k == i {
				continue
			}
			p := 1 / (nodes[i] - nodes[k])
			for j := 0; j < n; j++ {
				if j != i && j != k {
					p *= (t - nodes[j]) / (nodes[i] - nodes[j])
				}
			}
			d += p
		}
		dl[i] = d
	}
	return l, dl
}
