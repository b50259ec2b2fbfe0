// Package optimize solves bound-constrained problems with inequality
// constraints c(x) ≥ 0: an augmented-Lagrangian projected L-BFGS method
// that accepts a curvature correction of its quasi-Newton pairs, and MMA for
// a single constraint.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/notargets/freqtopo/logging"
)

// Problem is minimized by Solve.
type Problem interface {
	NumVars() int
	NumConstraints() int
	// VarsAndBounds fills the starting point and the bounds.
	VarsAndBounds(x, lb, ub []float64)
	EvalObjCon(ctx context.Context, x []float64) (float64, []float64, error)
	// EvalObjConGradient is called at the point of the last EvalObjCon.
	EvalObjConGradient(ctx context.Context, x, g []float64, a [][]float64) error
}

// Corrector adds curvature to a quasi-Newton pair: y ← y + correction(z, s)
// where z are the constraint multipliers.
type Corrector interface {
	ComputeQNCorrection(ctx context.Context, x, z []float64, s, y []float64) error
}

// Method names an algorithm.
type Method string

const (
	AugLag Method = "auglag"
	MMA    Method = "mma"
)

// ParseMethod converts a configuration string to a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(s)); m {
	case AugLag, MMA:
		return m, nil
	}
	return "", fmt.Errorf("unknown optimizer %q", s)
}

// ErrCanceled is returned when the context ends before convergence.
var ErrCanceled = errors.New("optimization canceled")

// Termination specifies the stopping criteria.
type Termination struct {
	// MaxIterations bounds the number of accepted steps.
	MaxIterations int `yaml:"max_iterations"`
	// The iteration stops when ‖proj ∇L‖∞ ≤ GradTolerance and the summed
	// constraint violation is at most ConTolerance.
	GradTolerance float64 `yaml:"grad_tolerance"`
	ConTolerance  float64 `yaml:"con_tolerance"`
	// The iteration also stops when the largest step component is below
	// StepTolerance.
	StepTolerance float64 `yaml:"step_tolerance"`
}

// Options controls Solve.
type Options struct {
	Method Method      `yaml:"method"`
	Stop   Termination `yaml:"stop"`
	// Memory is the number of stored L-BFGS pairs.
	Memory int `yaml:"memory"`
	// Penalty is the initial augmented-Lagrangian penalty.
	Penalty float64 `yaml:"penalty"`
	// InnerIterations bounds the steps between multiplier updates.
	InnerIterations int `yaml:"inner_iterations"`
	// UseCorrection enables the Corrector hook of the problem.
	UseCorrection bool `yaml:"qn_correction"`
	// MoveLimit bounds an MMA step as a fraction of the variable range.
	MoveLimit float64 `yaml:"move_limit"`

	Log *logging.Logger `yaml:"-"`
}

// DefaultOptions returns the augmented-Lagrangian method with correction.
func DefaultOptions() Options {
	return Options{
		Method: AugLag,
		Stop: Termination{
			MaxIterations: 100,
			GradTolerance: 1e-5,
			ConTolerance:  1e-4,
			StepTolerance: 1e-8,
		},
		Memory:          10,
		Penalty:         10,
		InnerIterations: 20,
		UseCorrection:   true,
		MoveLimit:       0.2,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if _, err := ParseMethod(string(o.Method)); err != nil {
		return err
	}
	switch {
	case o.Stop.MaxIterations <= 0:
		return fmt.Errorf("max iterations must be positive, got %d", o.Stop.MaxIterations)
	case o.Stop.GradTolerance < 0 || o.Stop.ConTolerance < 0 || o.Stop.StepTolerance < 0:
		return errors.New("tolerances must be non-negative")
	case o.Memory <= 0:
		return fmt.Errorf("memory must be positive, got %d", o.Memory)
	case !(o.Penalty > 0):
		return fmt.Errorf("penalty must be positive, got %g", o.Penalty)
	case o.InnerIterations <= 0:
		return fmt.Errorf("inner iterations must be positive, got %d", o.InnerIterations)
	case !(o.MoveLimit > 0 && o.MoveLimit <= 1):
		return fmt.Errorf("move limit must lie in (0, 1], got %g", o.MoveLimit)
	}
	return nil
}

// Result is the outcome of Solve.
type Result struct {
	X           []float64
	Obj         float64
	Cons        []float64
	Multipliers []float64
	Converged   bool
	Iterations  int
	Evaluations int
	// Skipped counts quasi-Newton pairs rejected by the curvature test.
	Skipped int
}

// Solve minimizes p from its starting point.
func Solve(ctx context.Context, p Problem, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid optimizer options: %w", err)
	}
	if p.NumVars() <= 0 {
		return nil, errors.New("problem has no variables")
	}
	log := logging.OrNoop(opts.Log).WithComponent("optimize")
	switch opts.Method {
	case MMA:
		if p.NumConstraints() != 1 {
			return nil, fmt.Errorf("mma needs exactly one constraint, got %d", p.NumConstraints())
		}
		return solveMMA(ctx, p, opts, log)
	default:
		return solveAugLag(ctx, p, opts, log)
	}
}

// project clips x into [lb, ub].
func project(x, lb, ub []float64) {
	for i := range x {
		x[i] = min(ub[i], max(lb[i], x[i]))
	}
}

// projGradNorm returns ‖proj g‖∞, the gradient with components pushing
// against an active bound removed.
func projGradNorm(x, g, lb, ub []float64) float64 {
	norm := 0.0
	for i, gi := range g {
		if gi < 0 {
			gi = max(x[i]-ub[i], gi)
		} else {
			gi = min(x[i]-lb[i], gi)
		}
		norm = max(norm, abs(gi))
	}
	return norm
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func infeasibility(cons []float64) float64 {
	s := 0.0
	for _, c := range cons {
		if c < 0 {
			s -= c
		}
	}
	return s
}
