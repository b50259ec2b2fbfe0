// Package eigen computes the smallest eigenpairs of large sparse symmetric
// operators with a preconditioned Jacobi–Davidson method.
package eigen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/freqtopo/linalg"
	"github.com/notargets/freqtopo/logging"
)

// ErrNotConverged reports that fewer eigenpairs than requested converged.
var ErrNotConverged = errors.New("eigenpairs not converged")

// Status is the outcome of a Solve.
type Status int

const (
	Converged Status = iota
	Partial
	Failed
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case Partial:
		return "partial"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result reports how many of the requested eigenpairs converged.
type Result struct {
	Status       Status
	NumConverged int
	NumRequested int
	Iterations   int
	// Smallest is the lowest converged eigenvalue or pending Ritz value.
	Smallest float64
}

// Err returns nil for a converged result and an error wrapping
// ErrNotConverged otherwise.
func (r Result) Err() error {
	if r.Status == Converged {
		return nil
	}
	return fmt.Errorf("%w: %d of %d after %d iterations", ErrNotConverged, r.NumConverged, r.NumRequested, r.Iterations)
}

// Tolerances controls the outer eigenvalue convergence test and the inner
// correction-equation solve.
type Tolerances struct {
	EigRtol float64 // eigenpair accepted when ‖r‖ ≤ max(EigAtol, EigRtol·|λ|)
	EigAtol float64
	Rtol    float64 // FGMRES relative tolerance
	Atol    float64 // FGMRES absolute tolerance
}

// DefaultTolerances returns the tolerances used when none are set.
func DefaultTolerances() Tolerances {
	return Tolerances{EigRtol: 1e-6, EigAtol: 1e-6, Rtol: 1e-6, Atol: 1e-12}
}

// JacobiDavidson finds the numEigs smallest eigenpairs of A x = λ x, or of
// A x = λ B x when a mass operator is given. Both operators must be symmetric
// and B positive definite on the unconstrained dofs.
type JacobiDavidson struct {
	n        int
	a        linalg.Operator
	b        linalg.Operator
	pc       linalg.Preconditioner
	numEigs  int
	maxSize  int
	maxIter  int
	maxGMRES int
	tol      Tolerances
	fixed    []int
	log      *logging.Logger
	rng      *rand.Rand

	recycle   int
	eigvals   []float64
	eigvecs   [][]float64
	residuals []float64

	pending      []float64 // first unconverged Ritz vector of the last Solve
	pendingTheta float64
}

// Option configures a JacobiDavidson solver.
type Option func(*JacobiDavidson)

// WithMassOperator switches to the generalized problem A x = λ B x.
func WithMassOperator(b linalg.Operator) Option {
	return func(jd *JacobiDavidson) { jd.b = b }
}

// WithTolerances sets the convergence tolerances.
func WithTolerances(t Tolerances) Option {
	return func(jd *JacobiDavidson) { jd.tol = t }
}

// WithFixedDofs excludes the listed dofs from the search space. Constrained
// rows of an operator with a unit diagonal then produce no spurious pairs.
func WithFixedDofs(idx []int) Option {
	return func(jd *JacobiDavidson) { jd.fixed = append([]int(nil), idx...) }
}

// WithMaxIterations bounds the number of outer iterations. The default is
// the maximum subspace size.
func WithMaxIterations(n int) Option {
	return func(jd *JacobiDavidson) { jd.maxIter = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(jd *JacobiDavidson) { jd.log = l }
}

// New creates a solver for operators of dimension n. pc approximates A⁻¹ and
// may be nil. maxSize bounds the search subspace and maxGMRES the inner
// FGMRES iterations per correction.
func New(a linalg.Operator, pc linalg.Preconditioner, n, numEigs, maxSize, maxGMRES int, opts ...Option) (*JacobiDavidson, error) {
	if n <= 0 || numEigs <= 0 {
		return nil, fmt.Errorf("invalid eigenproblem: dimension %d, %d eigenvalues", n, numEigs)
	}
	if numEigs > n {
		return nil, fmt.Errorf("cannot compute %d eigenvalues of a %d-dimensional operator", numEigs, n)
	}
	if maxSize < numEigs+1 {
		return nil, fmt.Errorf("subspace size %d too small for %d eigenvalues", maxSize, numEigs)
	}
	jd := &JacobiDavidson{
		n:        n,
		a:        a,
		pc:       pc,
		numEigs:  numEigs,
		maxSize:  maxSize,
		maxIter:  maxSize,
		maxGMRES: maxGMRES,
		tol:      DefaultTolerances(),
		log:      logging.NoopLogger(),
		rng:      rand.New(rand.NewPCG(0x5eed, 0x1d)),
	}
	for _, opt := range opts {
		opt(jd)
	}
	for _, i := range jd.fixed {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("fixed dof %d out of range [0,%d)", i, n)
		}
	}
	return jd, nil
}

// NumEigs returns the number of requested eigenpairs.
func (jd *JacobiDavidson) NumEigs() int { return jd.numEigs }

// SetTolerances replaces the convergence tolerances.
func (jd *JacobiDavidson) SetTolerances(t Tolerances) { jd.tol = t }

// SetRecycle seeds the next Solve with the first n eigenvectors of the
// previous one.
func (jd *JacobiDavidson) SetRecycle(n int) {
	jd.recycle = max(0, n)
}

// NumConverged returns the number of eigenpairs converged by the last Solve.
func (jd *JacobiDavidson) NumConverged() int { return len(jd.eigvals) }

// ExtractEigenvector copies eigenvector i into out and returns its eigenvalue
// and residual norm. Eigenpairs are ordered by increasing eigenvalue.
func (jd *JacobiDavidson) ExtractEigenvector(i int, out []float64) (float64, float64, error) {
	if i < 0 || i >= len(jd.eigvals) {
		return 0, 0, fmt.Errorf("eigenvector %d not available, %d converged", i, len(jd.eigvals))
	}
	if out != nil {
		copy(out, jd.eigvecs[i])
	}
	return jd.eigvals[i], jd.residuals[i], nil
}

// ExtractUnconverged copies the Ritz vector that was being refined when the
// last Solve stopped into out and returns its Ritz value. It reports false
// when every requested pair converged.
func (jd *JacobiDavidson) ExtractUnconverged(out []float64) (float64, bool) {
	if jd.pending == nil {
		return 0, false
	}
	if out != nil {
		copy(out, jd.pending)
	}
	return jd.pendingTheta, true
}

// applyB computes y = B x, or copies x for the standard problem.
func (jd *JacobiDavidson) applyB(x, y []float64) {
	if jd.b == nil {
		copy(y, x)
		return
	}
	jd.b.Mult(x, y)
}

func (jd *JacobiDavidson) zeroFixed(x []float64) {
	for _, i := range jd.fixed {
		x[i] = 0
	}
}

// basis is a B-orthonormal set with cached A and B products.
type basis struct {
	v, av, bv [][]float64
}

func (s *basis) len() int { return len(s.v) }

// orthonormalize B-orthogonalizes x against q and s, normalizes it, and
// reports false when nothing independent remains.
func (jd *JacobiDavidson) orthonormalize(x []float64, q, s *basis) ([]float64, []float64, bool) {
	bx := make([]float64, jd.n)
	norm0 := 0.0
	for pass := 0; pass < 2; pass++ {
		jd.applyB(x, bx)
		if pass == 0 {
			norm0 = math.Sqrt(math.Abs(floats.Dot(x, bx)))
		}
		for _, set := range []*basis{q, s} {
			for k := range set.v {
				floats.AddScaled(x, -floats.Dot(set.bv[k], x), set.v[k])
			}
		}
	}
	jd.applyB(x, bx)
	nrm := math.Sqrt(math.Abs(floats.Dot(x, bx)))
	if nrm == 0 || nrm <= 1e-10*norm0 {
		return nil, nil, false
	}
	floats.Scale(1/nrm, x)
	floats.Scale(1/nrm, bx)
	return x, bx, true
}

func (jd *JacobiDavidson) push(s *basis, v, bv []float64) {
	av := make([]float64, jd.n)
	jd.a.Mult(v, av)
	s.v = append(s.v, v)
	s.av = append(s.av, av)
	s.bv = append(s.bv, bv)
}

// ritz solves the projected problem and returns ascending Ritz values and the
// coefficient matrix of the Ritz vectors.
func ritz(s *basis) ([]float64, *mat.Dense, error) {
	k := s.len()
	h := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			v := 0.5 * (floats.Dot(s.v[i], s.av[j]) + floats.Dot(s.v[j], s.av[i]))
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, fmt.Errorf("projected matrix entry (%d, %d) is %g", i, j, v)
			}
			h.SetSym(i, j, v)
		}
	}
	var es mat.EigenSym
	if !es.Factorize(h, true) {
		return nil, nil, errors.New("failed to factorize projected matrix")
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	return es.Values(nil), &vecs, nil
}

// combine returns Σ_j c[j] x[j].
func combine(x [][]float64, c *mat.Dense, col, n int) []float64 {
	out := make([]float64, n)
	for j := range x {
		if w := c.At(j, col); w != 0 {
			floats.AddScaled(out, w, x[j])
		}
	}
	return out
}

// compress replaces the basis by the Ritz vectors in cols.
func compress(s *basis, c *mat.Dense, cols []int, n int) {
	var next basis
	for _, col := range cols {
		next.v = append(next.v, combine(s.v, c, col, n))
		next.av = append(next.av, combine(s.av, c, col, n))
		next.bv = append(next.bv, combine(s.bv, c, col, n))
	}
	*s = next
}

// Solve computes the eigenpairs. It returns an error only for cancellation
// or a breakdown of the projected problem; an incomplete solve is reported
// through the Result status.
func (jd *JacobiDavidson) Solve(ctx context.Context) (Result, error) {
	n := jd.n
	var q, s basis
	var vals, res []float64

	// seed the search space with recycled vectors or a smooth start vector
	nrec := min(jd.recycle, len(jd.eigvecs))
	for i := 0; i < nrec; i++ {
		x := append([]float64(nil), jd.eigvecs[i]...)
		jd.zeroFixed(x)
		if v, bv, ok := jd.orthonormalize(x, &q, &s); ok {
			jd.push(&s, v, bv)
		}
	}
	if s.len() == 0 {
		x := make([]float64, n)
		for i := range x {
			x[i] = 1 + 0.1*math.Sin(float64(i))
		}
		jd.zeroFixed(x)
		v, bv, ok := jd.orthonormalize(x, &q, &s)
		if !ok {
			return Result{Status: Failed, NumRequested: jd.numEigs}, errors.New("start vector vanishes on the free dofs")
		}
		jd.push(&s, v, bv)
	}
	jd.recycle = 0

	r := make([]float64, n)
	bu := make([]float64, n)
	iter := 0
	jd.pending = nil
	var pending []float64
	pendingTheta := math.Inf(1)
	for ; iter < jd.maxIter && q.len() < jd.numEigs; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		theta, c, err := ritz(&s)
		if err != nil {
			return Result{}, fmt.Errorf("failed to solve projected problem: %w", err)
		}

		var u []float64
		var rnorm float64
		for {
			u = combine(s.v, c, 0, n)
			au := combine(s.av, c, 0, n)
			copy(bu, combine(s.bv, c, 0, n))
			floats.AddScaledTo(r, au, -theta[0], bu)
			rnorm = floats.Norm(r, 2)
			if rnorm > math.Max(jd.tol.EigAtol, jd.tol.EigRtol*math.Abs(theta[0])) {
				break
			}
			// lock the pair and continue with the rest of the subspace
			q.v = append(q.v, u)
			q.bv = append(q.bv, append([]float64(nil), bu...))
			q.av = append(q.av, au)
			vals = append(vals, theta[0])
			res = append(res, rnorm)
			jd.log.Debug("eigenpair converged", "index", q.len()-1, "eigval", theta[0], "residual", rnorm, "iteration", iter)
			rest := make([]int, 0, len(theta)-1)
			for j := 1; j < len(theta); j++ {
				rest = append(rest, j)
			}
			compress(&s, c, rest, n)
			if q.len() == jd.numEigs {
				break
			}
			if s.len() == 0 {
				x := jd.randomVector()
				v, bv, ok := jd.orthonormalize(x, &q, &s)
				if !ok {
					break
				}
				jd.push(&s, v, bv)
			}
			theta, c, err = ritz(&s)
			if err != nil {
				return Result{}, fmt.Errorf("failed to solve projected problem: %w", err)
			}
		}
		if q.len() == jd.numEigs || s.len() == 0 {
			iter++
			break
		}
		pending, pendingTheta = u, theta[0]

		if s.len() >= jd.maxSize {
			keep := make([]int, 0, jd.maxSize/2)
			for j := 0; j < max(1, jd.maxSize/2); j++ {
				keep = append(keep, j)
			}
			compress(&s, c, keep, n)
			if theta, c, err = ritz(&s); err != nil {
				return Result{}, fmt.Errorf("failed to solve compressed projected problem: %w", err)
			}
			u = combine(s.v, c, 0, n)
			copy(bu, combine(s.bv, c, 0, n))
		}

		t := jd.correction(q, u, bu, theta[0], r)
		jd.zeroFixed(t)
		v, bv, ok := jd.orthonormalize(t, &q, &s)
		if !ok {
			v, bv, ok = jd.orthonormalize(jd.randomVector(), &q, &s)
			if !ok {
				break
			}
		}
		jd.push(&s, v, bv)
	}

	jd.store(q.v, vals, res)
	result := Result{NumConverged: len(vals), NumRequested: jd.numEigs, Iterations: iter}
	switch {
	case len(vals) >= jd.numEigs:
		result.Status = Converged
		result.Smallest = jd.eigvals[0]
	case len(vals) > 0:
		result.Status = Partial
		result.Smallest = math.Min(pendingTheta, jd.eigvals[0])
	default:
		result.Status = Failed
		if pending != nil {
			result.Smallest = pendingTheta
		}
	}
	if result.Status != Converged && pending != nil {
		jd.pending, jd.pendingTheta = pending, pendingTheta
	}
	return result, nil
}

func (jd *JacobiDavidson) randomVector() []float64 {
	x := make([]float64, jd.n)
	for i := range x {
		x[i] = jd.rng.Float64() - 0.5
	}
	jd.zeroFixed(x)
	return x
}

// correction approximately solves the projected correction equation
//
//	(I - B Y Yᵀ)(A - θB)(I - Y Yᵀ B) t = -r,  t ⟂_B Y
//
// with Y = [Q u], using FGMRES with the projected preconditioner.
func (jd *JacobiDavidson) correction(q basis, u, bu []float64, theta float64, r []float64) []float64 {
	n := jd.n
	y := append(append([][]float64(nil), q.v...), u)
	by := append(append([][]float64(nil), q.bv...), bu)

	// right projection: x - Y (BYᵀ x)
	projR := func(x []float64) {
		for k := range y {
			floats.AddScaled(x, -floats.Dot(by[k], x), y[k])
		}
	}
	// left projection: x - BY (Yᵀ x)
	projL := func(x []float64) {
		for k := range y {
			floats.AddScaled(x, -floats.Dot(y[k], x), by[k])
		}
	}

	tmp := make([]float64, n)
	btmp := make([]float64, n)
	op := linalg.OperatorFunc(func(x, out []float64) {
		copy(tmp, x)
		projR(tmp)
		jd.a.Mult(tmp, out)
		jd.applyB(tmp, btmp)
		floats.AddScaled(out, -theta, btmp)
		projL(out)
		jd.zeroFixed(out)
	})
	pc := linalg.PreconditionerFunc(func(in, out []float64) {
		if jd.pc != nil {
			jd.pc.Apply(in, out)
		} else {
			copy(out, in)
		}
		jd.zeroFixed(out)
		projR(out)
	})

	rhs := make([]float64, n)
	floats.ScaleTo(rhs, -1, r)
	projL(rhs)
	jd.zeroFixed(rhs)
	t := make([]float64, n)
	linalg.FGMRES(op, pc, rhs, t, jd.maxGMRES, jd.tol.Rtol, jd.tol.Atol)
	projR(t)
	return t
}

func (jd *JacobiDavidson) store(vecs [][]float64, vals, res []float64) {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return vals[idx[a]] < vals[idx[b]] })
	jd.eigvals = make([]float64, len(idx))
	jd.eigvecs = make([][]float64, len(idx))
	jd.residuals = make([]float64, len(idx))
	for k, i := range idx {
		jd.eigvals[k] = vals[i]
		jd.eigvecs[k] = vecs[i]
		jd.residuals[k] = res[i]
	}
}
