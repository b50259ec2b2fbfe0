package linalg

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Operator applies a linear map y = A x.
type Operator interface {
	Mult(x, y []float64)
}

// Preconditioner applies an approximate inverse z = M⁻¹ r.
type Preconditioner interface {
	Apply(r, z []float64)
}

// OperatorFunc adapts a function to the Operator interface.
type OperatorFunc func(x, y []float64)

// Mult calls f(x, y).
func (f OperatorFunc) Mult(x, y []float64) { f(x, y) }

// PreconditionerFunc adapts a function to the Preconditioner interface.
type PreconditionerFunc func(r, z []float64)

// Apply calls f(r, z).
func (f PreconditionerFunc) Apply(r, z []float64) { f(r, z) }

// SolveStats reports the outcome of an iterative solve.
type SolveStats struct {
	Iterations int
	Residual   float64
	Converged  bool
}

// FGMRES performs a single cycle of at most m iterations of right-preconditioned
// flexible GMRES on op x = b, updating x in place. The cycle stops when the
// residual drops below max(rtol·‖r0‖, atol).
func FGMRES(op Operator, pc Preconditioner, b, x []float64, m int, rtol, atol float64) SolveStats {
	n := len(b)
	r := make([]float64, n)
	op.Mult(x, r)
	floats.SubTo(r, b, r)
	beta := floats.Norm(r, 2)
	if beta <= atol || m <= 0 {
		return SolveStats{Residual: beta, Converged: beta <= atol}
	}
	tol := math.Max(rtol*beta, atol)

	V := make([][]float64, m+1)
	Z := make([][]float64, m)
	H := make([][]float64, m+1)
	for i := range H {
		H[i] = make([]float64, m)
	}
	cs := make([]float64, m)
	sn := make([]float64, m)
	g := make([]float64, m+1)

	V[0] = make([]float64, n)
	floats.ScaleTo(V[0], 1/beta, r)
	g[0] = beta

	res := beta
	k := 0
	for k < m {
		Z[k] = make([]float64, n)
		if pc != nil {
			pc.Apply(V[k], Z[k])
		} else {
			copy(Z[k], V[k])
		}
		w := make([]float64, n)
		op.Mult(Z[k], w)
		for i := 0; i <= k; i++ {
			H[i][k] = floats.Dot(w, V[i])
			floats.AddScaled(w, -H[i][k], V[i])
		}
		H[k+1][k] = floats.Norm(w, 2)
		breakdown := H[k+1][k] <= 1e-300
		if !breakdown {
			V[k+1] = w
			floats.Scale(1/H[k+1][k], V[k+1])
		}

		for i := 0; i < k; i++ {
			t := cs[i]*H[i][k] + sn[i]*H[i+1][k]
			H[i+1][k] = -sn[i]*H[i][k] + cs[i]*H[i+1][k]
			H[i][k] = t
		}
		den := math.Hypot(H[k][k], H[k+1][k])
		if den == 0 {
			cs[k], sn[k] = 1, 0
		} else {
			cs[k], sn[k] = H[k][k]/den, H[k+1][k]/den
		}
		H[k][k] = cs[k]*H[k][k] + sn[k]*H[k+1][k]
		H[k+1][k] = 0
		g[k+1] = -sn[k] * g[k]
		g[k] = cs[k] * g[k]
		res = math.Abs(g[k+1])
		k++
		if res < tol || breakdown {
			break
		}
	}

	y := make([]float64, k)
	for i := k - 1; i >= 0; i-- {
		s := g[i]
		for j := i + 1; j < k; j++ {
			s -= H[i][j] * y[j]
		}
		if H[i][i] != 0 {
			y[i] = s / H[i][i]
		}
	}
	for i := 0; i < k; i++ {
		floats.AddScaled(x, y[i], Z[i])
	}
	return SolveStats{Iterations: k, Residual: res, Converged: res < tol}
}

// CG solves the symmetric positive definite system op x = b with preconditioned
// conjugate gradients, starting from x.
func CG(op Operator, pc Preconditioner, b, x []float64, maxIter int, rtol, atol float64) SolveStats {
	n := len(b)
	r := make([]float64, n)
	op.Mult(x, r)
	floats.SubTo(r, b, r)
	r0 := floats.Norm(r, 2)
	tol := math.Max(rtol*r0, atol)
	if r0 <= tol {
		return SolveStats{Residual: r0, Converged: true}
	}
	z := make([]float64, n)
	p := make([]float64, n)
	q := make([]float64, n)
	apply := func() {
		if pc != nil {
			pc.Apply(r, z)
		} else {
			copy(z, r)
		}
	}
	apply()
	copy(p, z)
	rz := floats.Dot(r, z)
	res := r0
	for it := 1; it <= maxIter; it++ {
		op.Mult(p, q)
		pq := floats.Dot(p, q)
		if pq == 0 {
			return SolveStats{Iterations: it, Residual: res}
		}
		alpha := rz / pq
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, q)
		res = floats.Norm(r, 2)
		if res <= tol {
			return SolveStats{Iterations: it, Residual: res, Converged: true}
		}
		apply()
		rzNew := floats.Dot(r, z)
		floats.AddScaledTo(p, z, rzNew/rz, p)
		rz = rzNew
	}
	return SolveStats{Iterations: maxIter, Residual: res}
}
