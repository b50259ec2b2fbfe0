// Package topo binds an assembler, a density filter and a multigrid
// preconditioner into a topology optimization problem driven by callbacks.
package topo

import (
	"context"
	"fmt"

	"github.com/notargets/freqtopo/fem"
	"github.com/notargets/freqtopo/filter"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/multigrid"
)

// EvalFunc evaluates a scalar function of the filtered densities currently
// set in the assembler.
type EvalFunc func(ctx context.Context, f filter.Filter, mg *multigrid.MG) (float64, error)

// GradFunc writes the derivative of the matching EvalFunc with respect to the
// filtered densities into dfdrho.
type GradFunc func(ctx context.Context, f filter.Filter, mg *multigrid.MG, dfdrho []float64) error

// CorrectionFunc adds a curvature correction to the quasi-Newton update y
// for the step s. Entries listed in zeroIdx are held fixed. z holds the
// constraint multipliers.
type CorrectionFunc func(ctx context.Context, zeroIdx []int, z []float64, s, y []float64) error

type callback struct {
	eval EvalFunc
	grad GradFunc
}

// Problem evaluates objective and constraints of design variables x living
// on the filter nodes. Gradients are returned with respect to x.
type Problem struct {
	asm  *fem.Assembler
	fltr filter.Filter
	mg   *multigrid.MG
	log  *logging.Logger

	obj  *callback
	cons []callback
	qn   CorrectionFunc

	x, rho []float64
	dfdrho []float64
}

// New creates a problem. The filter must act on the assembler's design nodes.
func New(asm *fem.Assembler, f filter.Filter, mg *multigrid.MG, log *logging.Logger) (*Problem, error) {
	if f.NumDesignVars() != asm.NumDesignVars() {
		return nil, fmt.Errorf("filter has %d design variables, assembler %d", f.NumDesignVars(), asm.NumDesignVars())
	}
	n := asm.NumDesignVars()
	p := &Problem{
		asm:    asm,
		fltr:   f,
		mg:     mg,
		log:    logging.OrNoop(log),
		x:      make([]float64, n),
		rho:    make([]float64, n),
		dfdrho: make([]float64, n),
	}
	asm.GetDesignVars(p.rho)
	copy(p.x, p.rho)
	return p, nil
}

func (p *Problem) Assembler() *fem.Assembler { return p.asm }
func (p *Problem) Filter() filter.Filter     { return p.fltr }
func (p *Problem) MG() *multigrid.MG         { return p.mg }
func (p *Problem) NumDesignVars() int        { return len(p.x) }
func (p *Problem) NumConstraints() int       { return len(p.cons) }

// CreateDesignVec returns a zero design vector.
func (p *Problem) CreateDesignVec() []float64 { return make([]float64, len(p.x)) }

// SetObjective sets the objective callbacks.
func (p *Problem) SetObjective(eval EvalFunc, grad GradFunc) {
	p.obj = &callback{eval: eval, grad: grad}
}

// AddConstraint appends an inequality constraint c(x) ≥ 0.
func (p *Problem) AddConstraint(eval EvalFunc, grad GradFunc) {
	p.cons = append(p.cons, callback{eval: eval, grad: grad})
}

// SetQNCorrection sets the curvature correction hook.
func (p *Problem) SetQNCorrection(fn CorrectionFunc) { p.qn = fn }

// SetDesignVars filters x and passes the densities to the assembler.
func (p *Problem) SetDesignVars(x []float64) error {
	if len(x) != len(p.x) {
		return fmt.Errorf("%w: %d design variables, expected %d", fem.ErrDimensionMismatch, len(x), len(p.x))
	}
	copy(p.x, x)
	p.fltr.Apply(p.x, p.rho)
	return p.asm.SetDesignVars(p.rho)
}

// DesignVars returns the current design variables.
func (p *Problem) DesignVars() []float64 { return p.x }

// FilteredDesign returns the current filtered densities.
func (p *Problem) FilteredDesign() []float64 { return p.rho }

// EvalObjCon sets x and evaluates the objective and every constraint.
func (p *Problem) EvalObjCon(ctx context.Context, x []float64) (float64, []float64, error) {
	if p.obj == nil {
		return 0, nil, fmt.Errorf("failed to evaluate problem: no objective set")
	}
	if err := p.SetDesignVars(x); err != nil {
		return 0, nil, err
	}
	obj, err := p.obj.eval(ctx, p.fltr, p.mg)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to evaluate objective: %w", err)
	}
	cons := make([]float64, len(p.cons))
	for i, c := range p.cons {
		if cons[i], err = c.eval(ctx, p.fltr, p.mg); err != nil {
			return 0, nil, fmt.Errorf("failed to evaluate constraint %d: %w", i, err)
		}
	}
	p.log.Debug("evaluated problem", "objective", obj, "constraints", cons)
	return obj, cons, nil
}

// EvalObjConGradient evaluates gradients at x with respect to the design
// variables: g for the objective and a[i] for constraint i. The functions
// must have been evaluated at x.
func (p *Problem) EvalObjConGradient(ctx context.Context, x, g []float64, a [][]float64) error {
	if p.obj == nil {
		return fmt.Errorf("failed to evaluate gradient: no objective set")
	}
	if len(a) != len(p.cons) {
		return fmt.Errorf("%w: %d constraint gradients, expected %d", fem.ErrDimensionMismatch, len(a), len(p.cons))
	}
	if err := p.SetDesignVars(x); err != nil {
		return err
	}
	grad := func(cb callback, out []float64) error {
		clear(p.dfdrho)
		if err := cb.grad(ctx, p.fltr, p.mg, p.dfdrho); err != nil {
			return err
		}
		p.fltr.ApplyTranspose(p.dfdrho, out)
		return nil
	}
	if err := grad(*p.obj, g); err != nil {
		return fmt.Errorf("failed to evaluate objective gradient: %w", err)
	}
	for i, c := range p.cons {
		if err := grad(c, a[i]); err != nil {
			return fmt.Errorf("failed to evaluate constraint %d gradient: %w", i, err)
		}
	}
	return nil
}

// ComputeQNCorrection forwards to the correction hook, if any.
func (p *Problem) ComputeQNCorrection(ctx context.Context, zeroIdx []int, z []float64, s, y []float64) error {
	if p.qn == nil {
		return nil
	}
	return p.qn(ctx, zeroIdx, z, s, y)
}
