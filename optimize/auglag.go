package optimize

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/freqtopo/logging"
)

const (
	armijo       = 1e-4
	maxBacktrack = 20
	maxPenalty   = 1e8
)

// lbfgs stores the most recent quasi-Newton pairs.
type lbfgs struct {
	m    int
	s, y [][]float64
	rho  []float64
}

func newLBFGS(m int) *lbfgs { return &lbfgs{m: m} }

func (l *lbfgs) reset() { l.s, l.y, l.rho = nil, nil, nil }

func (l *lbfgs) len() int { return len(l.s) }

// push stores (s, y) unless sᵀy ≤ ε‖y‖², and reports whether it did.
func (l *lbfgs) push(s, y []float64) bool {
	sy := floats.Dot(s, y)
	yy := floats.Dot(y, y)
	if sy <= 2.2e-16*yy || sy <= 0 {
		return false
	}
	if len(l.s) == l.m {
		l.s, l.y, l.rho = l.s[1:], l.y[1:], l.rho[1:]
	}
	l.s = append(l.s, append([]float64(nil), s...))
	l.y = append(l.y, append([]float64(nil), y...))
	l.rho = append(l.rho, 1/sy)
	return true
}

// direction computes d = -H g by the two-loop recursion with the entries
// outside free held at zero.
func (l *lbfgs) direction(g []float64, free []bool, d []float64) {
	q := append([]float64(nil), g...)
	mask(q, free)
	k := len(l.s)
	alpha := make([]float64, k)
	for i := k - 1; i >= 0; i-- {
		alpha[i] = l.rho[i] * floats.Dot(l.s[i], q)
		floats.AddScaled(q, -alpha[i], l.y[i])
	}
	if k > 0 {
		floats.Scale(1/(l.rho[k-1]*floats.Dot(l.y[k-1], l.y[k-1])), q)
	}
	for i := 0; i < k; i++ {
		beta := l.rho[i] * floats.Dot(l.y[i], q)
		floats.AddScaled(q, alpha[i]-beta, l.s[i])
	}
	floats.ScaleTo(d, -1, q)
	mask(d, free)
}

func mask(v []float64, free []bool) {
	for i, ok := range free {
		if !ok {
			v[i] = 0
		}
	}
}

// freeSet marks the variables not held at a bound by the gradient.
func freeSet(x, g, lb, ub []float64, free []bool) {
	for i := range x {
		free[i] = !((x[i] <= lb[i] && g[i] > 0) || (x[i] >= ub[i] && g[i] < 0))
	}
}

// augLag is the augmented Lagrangian
//
//	L = f + Σ ψ(ci),  ψ = -zi ci + μ ci²/2 when μ ci < zi, else -zi²/(2μ)
//
// of the inequality constraints c ≥ 0 at one point.
type augLag struct {
	f    float64
	c    []float64
	g    []float64
	a    [][]float64
	z    []float64
	mu   float64
	val  float64
	grad []float64
}

func (al *augLag) combine() {
	al.val = al.f
	copy(al.grad, al.g)
	for i, c := range al.c {
		if al.mu*c < al.z[i] {
			al.val += -al.z[i]*c + 0.5*al.mu*c*c
			floats.AddScaled(al.grad, al.mu*c-al.z[i], al.a[i])
		} else {
			al.val -= al.z[i] * al.z[i] / (2 * al.mu)
		}
	}
}

// multipliers returns max(0, zi - μ ci).
func (al *augLag) multipliers() []float64 {
	z := make([]float64, len(al.z))
	for i, c := range al.c {
		z[i] = max(0, al.z[i]-al.mu*c)
	}
	return z
}

func newAugLag(n, m int, z []float64, mu float64) *augLag {
	al := &augLag{g: make([]float64, n), a: make([][]float64, m), z: z, mu: mu, grad: make([]float64, n)}
	for i := range al.a {
		al.a[i] = make([]float64, n)
	}
	return al
}

func solveAugLag(ctx context.Context, p Problem, opts Options, log *logging.Logger) (*Result, error) {
	n, m := p.NumVars(), p.NumConstraints()
	x, lb, ub := make([]float64, n), make([]float64, n), make([]float64, n)
	p.VarsAndBounds(x, lb, ub)
	project(x, lb, ub)
	corr, _ := p.(Corrector)
	useCorr := opts.UseCorrection && corr != nil

	res := &Result{}
	z := make([]float64, m)
	mu := opts.Penalty

	evalAt := func(x []float64) (*augLag, error) {
		f, c, err := p.EvalObjCon(ctx, x)
		res.Evaluations++
		if err != nil {
			return nil, err
		}
		al := newAugLag(n, m, z, mu)
		al.f, al.c = f, c
		return al, nil
	}
	gradAt := func(x []float64, al *augLag) error {
		if err := p.EvalObjConGradient(ctx, x, al.g, al.a); err != nil {
			return err
		}
		al.combine()
		return nil
	}

	cur, err := evalAt(x)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate starting point: %w", err)
	}
	if err := gradAt(x, cur); err != nil {
		return nil, fmt.Errorf("failed to evaluate starting gradient: %w", err)
	}

	mem := newLBFGS(opts.Memory)
	free := make([]bool, n)
	d := make([]float64, n)
	xt := make([]float64, n)
	s := make([]float64, n)
	y := make([]float64, n)
	prevInfeas := infeasibility(cur.c)
	inner := 0

	finish := func(converged bool) *Result {
		res.X = x
		res.Obj = cur.f
		res.Cons = cur.c
		res.Multipliers = append([]float64(nil), z...)
		res.Converged = converged
		return res
	}

	for res.Iterations < opts.Stop.MaxIterations {
		if err := ctx.Err(); err != nil {
			return finish(false), fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		pg := projGradNorm(x, cur.grad, lb, ub)
		infeas := infeasibility(cur.c)
		if pg <= opts.Stop.GradTolerance && infeas <= opts.Stop.ConTolerance {
			log.Info("optimizer converged", "iterations", res.Iterations, "obj", cur.f, "infeas", infeas, "proj_grad", pg)
			return finish(true), nil
		}

		freeSet(x, cur.grad, lb, ub, free)
		mem.direction(cur.grad, free, d)
		if floats.Dot(cur.grad, d) >= 0 {
			mem.reset()
			floats.ScaleTo(d, -1, cur.grad)
			mask(d, free)
		}

		var next *augLag
		step := 1.0
		for k := 0; k < maxBacktrack; k++ {
			floats.AddScaledTo(xt, x, step, d)
			project(xt, lb, ub)
			floats.SubTo(s, xt, x)
			trial, err := evalAt(xt)
			if err != nil {
				return finish(false), fmt.Errorf("failed to evaluate trial point: %w", err)
			}
			trial.combine()
			if trial.val <= cur.val+armijo*floats.Dot(cur.grad, s) {
				next = trial
				break
			}
			step *= 0.5
		}
		if next == nil {
			if mem.len() == 0 {
				log.Warn("line search failed along the steepest descent direction", "iterations", res.Iterations)
				return finish(false), nil
			}
			mem.reset()
			continue
		}
		if err := gradAt(xt, next); err != nil {
			return finish(false), fmt.Errorf("failed to evaluate gradient: %w", err)
		}

		floats.SubTo(y, next.grad, cur.grad)
		if useCorr {
			if err := corr.ComputeQNCorrection(ctx, xt, next.multipliers(), s, y); err != nil {
				return finish(false), fmt.Errorf("failed to correct quasi-Newton update: %w", err)
			}
		}
		if !mem.push(s, y) {
			res.Skipped++
		}
		copy(x, xt)
		cur = next
		res.Iterations++
		inner++
		smallStep := maxAbs(s) <= opts.Stop.StepTolerance
		log.Debug("optimizer step", "iter", res.Iterations, "obj", cur.f, "lagrangian", cur.val,
			"infeas", infeasibility(cur.c), "step", step)

		if inner >= opts.InnerIterations || smallStep || projGradNorm(x, cur.grad, lb, ub) <= opts.Stop.GradTolerance {
			z = cur.multipliers()
			infeas := infeasibility(cur.c)
			if infeas > 0.25*prevInfeas {
				mu = min(maxPenalty, 10*mu)
			}
			prevInfeas = infeas
			inner = 0
			cur.z, cur.mu = z, mu
			cur.combine()
			mem.reset()
			log.Info("multipliers updated", "iter", res.Iterations, "obj", cur.f, "infeas", infeas,
				"penalty", mu, "multipliers", z)
			if smallStep && infeas <= opts.Stop.ConTolerance {
				return finish(true), nil
			}
		}
	}
	log.Info("optimizer reached the iteration limit", "iterations", res.Iterations, "obj", cur.f,
		"infeas", infeasibility(cur.c))
	return finish(false), nil
}

func maxAbs(v []float64) float64 {
	m := 0.0
	for _, e := range v {
		m = max(m, abs(e))
	}
	return m
}
