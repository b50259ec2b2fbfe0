package optimize

import (
	"context"
	"fmt"
	"math"

	"github.com/notargets/freqtopo/logging"
)

const (
	mmaInitAsym   = 0.5
	mmaAsymInc    = 1.2
	mmaAsymDec    = 0.7
	mmaAsymMax    = 10
	mmaAsymMin    = 1e-5
	mmaAlbefa     = 0.1
	mmaRaa0       = 1e-5
	mmaBisections = 100
)

// mmaState holds the iterate history that places the asymptotes.
type mmaState struct {
	n         int
	lb, ub    []float64
	xold1     []float64
	xold2     []float64
	low, upp  []float64
	iter      int
	moveLimit float64
	alpha     []float64
	beta      []float64
	p0, q0    []float64
	p1, q1    []float64
}

func newMMAState(lb, ub []float64, move float64) *mmaState {
	n := len(lb)
	mk := func() []float64 { return make([]float64, n) }
	return &mmaState{
		n: n, lb: lb, ub: ub, moveLimit: move,
		low: mk(), upp: mk(), alpha: mk(), beta: mk(),
		p0: mk(), q0: mk(), p1: mk(), q1: mk(),
	}
}

// asymptotes moves the asymptotes away from x when the iterates progress
// monotonically and toward it when they oscillate. The gap may shrink to
// mmaAsymMin of the range, so an oscillating variable keeps contracting
// around its optimum instead of cycling at a fixed amplitude.
func (st *mmaState) asymptotes(x []float64) {
	for j := 0; j < st.n; j++ {
		rng := st.ub[j] - st.lb[j]
		if st.iter < 2 {
			st.low[j] = x[j] - mmaInitAsym*rng
			st.upp[j] = x[j] + mmaInitAsym*rng
			continue
		}
		gamma := 1.0
		switch sign := (x[j] - st.xold1[j]) * (st.xold1[j] - st.xold2[j]); {
		case sign > 0:
			gamma = mmaAsymInc
		case sign < 0:
			gamma = mmaAsymDec
		}
		st.low[j] = x[j] - gamma*(st.xold1[j]-st.low[j])
		st.upp[j] = x[j] + gamma*(st.upp[j]-st.xold1[j])
		st.low[j] = math.Max(st.low[j], x[j]-mmaAsymMax*rng)
		st.low[j] = math.Min(st.low[j], x[j]-mmaAsymMin*rng)
		st.upp[j] = math.Min(st.upp[j], x[j]+mmaAsymMax*rng)
		st.upp[j] = math.Max(st.upp[j], x[j]+mmaAsymMin*rng)
	}
}

// approximate builds the convex separable approximations of the objective
// gradient df and the constraint gradient dg at x.
func (st *mmaState) approximate(x, df, dg []float64) {
	for j := 0; j < st.n; j++ {
		rng := st.ub[j] - st.lb[j]
		st.alpha[j] = math.Max(st.lb[j], math.Max(st.low[j]+mmaAlbefa*(x[j]-st.low[j]), x[j]-st.moveLimit*rng))
		st.beta[j] = math.Min(st.ub[j], math.Min(st.upp[j]-mmaAlbefa*(st.upp[j]-x[j]), x[j]+st.moveLimit*rng))
		ux2 := (st.upp[j] - x[j]) * (st.upp[j] - x[j])
		xl2 := (x[j] - st.low[j]) * (x[j] - st.low[j])
		reg := mmaRaa0 / math.Max(rng, 1e-12)
		st.p0[j] = ux2 * (1.001*math.Max(df[j], 0) + 0.001*math.Max(-df[j], 0) + reg)
		st.q0[j] = xl2 * (0.001*math.Max(df[j], 0) + 1.001*math.Max(-df[j], 0) + reg)
		st.p1[j] = ux2 * math.Max(dg[j], 0)
		st.q1[j] = xl2 * math.Max(-dg[j], 0)
	}
}

// primal minimizes the Lagrangian of the approximations for multiplier lam.
func (st *mmaState) primal(lam float64, y []float64) {
	for j := 0; j < st.n; j++ {
		sp := math.Sqrt(st.p0[j] + lam*st.p1[j])
		sq := math.Sqrt(st.q0[j] + lam*st.q1[j])
		yj := (sp*st.low[j] + sq*st.upp[j]) / (sp + sq)
		y[j] = math.Min(st.beta[j], math.Max(st.alpha[j], yj))
	}
}

// conApprox evaluates the constraint approximation g̃(y) with g̃(x) = g.
func (st *mmaState) conApprox(g float64, x, y []float64) float64 {
	v := g
	for j := 0; j < st.n; j++ {
		v += st.p1[j]/(st.upp[j]-y[j]) + st.q1[j]/(y[j]-st.low[j]) -
			st.p1[j]/(st.upp[j]-x[j]) - st.q1[j]/(x[j]-st.low[j])
	}
	return v
}

// subproblem returns the MMA step for g(x) ≤ 0 by bisection on the dual.
func (st *mmaState) subproblem(g float64, x, y []float64) float64 {
	st.primal(0, y)
	if st.conApprox(g, x, y) <= 0 {
		return 0
	}
	hi := 1.0
	for k := 0; k < 60; k++ {
		st.primal(hi, y)
		if st.conApprox(g, x, y) <= 0 {
			break
		}
		hi *= 10
	}
	lo := 0.0
	for k := 0; k < mmaBisections && hi-lo > 1e-12*max(1, hi); k++ {
		mid := 0.5 * (lo + hi)
		st.primal(mid, y)
		if st.conApprox(g, x, y) > 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	st.primal(hi, y)
	return hi
}

// solveMMA runs the method of moving asymptotes on min f s.t. c(x) ≥ 0.
func solveMMA(ctx context.Context, p Problem, opts Options, log *logging.Logger) (*Result, error) {
	n := p.NumVars()
	x, lb, ub := make([]float64, n), make([]float64, n), make([]float64, n)
	p.VarsAndBounds(x, lb, ub)
	project(x, lb, ub)

	st := newMMAState(lb, ub, opts.MoveLimit)
	df := make([]float64, n)
	a := [][]float64{make([]float64, n)}
	dg := make([]float64, n)
	xnew := make([]float64, n)
	res := &Result{Multipliers: make([]float64, 1)}

	finish := func(f float64, c []float64, converged bool) *Result {
		res.X, res.Obj, res.Cons, res.Converged = x, f, c, converged
		return res
	}

	f, c, err := p.EvalObjCon(ctx, x)
	res.Evaluations++
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate starting point: %w", err)
	}
	for res.Iterations < opts.Stop.MaxIterations {
		if err := ctx.Err(); err != nil {
			return finish(f, c, false), fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		if err := p.EvalObjConGradient(ctx, x, df, a); err != nil {
			return finish(f, c, false), fmt.Errorf("failed to evaluate gradient: %w", err)
		}
		for j := range dg {
			dg[j] = -a[0][j]
		}

		st.asymptotes(x)
		st.approximate(x, df, dg)
		lam := st.subproblem(-c[0], x, xnew)
		res.Multipliers[0] = lam

		step := 0.0
		for j := range x {
			step = math.Max(step, math.Abs(xnew[j]-x[j]))
		}
		st.xold2 = st.xold1
		st.xold1 = append([]float64(nil), x...)
		copy(x, xnew)
		st.iter++
		res.Iterations++

		if f, c, err = p.EvalObjCon(ctx, x); err != nil {
			res.Evaluations++
			return finish(f, c, false), fmt.Errorf("failed to evaluate iterate: %w", err)
		}
		res.Evaluations++
		log.Debug("mma step", "iter", res.Iterations, "obj", f, "con", c[0], "step", step, "multiplier", lam)
		if step <= opts.Stop.StepTolerance && infeasibility(c) <= opts.Stop.ConTolerance {
			log.Info("mma converged", "iterations", res.Iterations, "obj", f, "con", c[0])
			return finish(f, c, true), nil
		}
	}
	log.Info("mma reached the iteration limit", "iterations", res.Iterations, "obj", f, "con", c[0])
	return finish(f, c, false), nil
}
