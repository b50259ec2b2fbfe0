package constraint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/freqtopo/fem"
	"github.com/notargets/freqtopo/filter"
	"github.com/notargets/freqtopo/linalg"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/metrics"
	"github.com/notargets/freqtopo/multigrid"
	"github.com/notargets/freqtopo/partitions"
)

// MassTarget returns the reference mass volFrac·area·density.
func MassTarget(volFrac, area, density float64) float64 {
	return volFrac * area * density
}

func massGradient(ctx context.Context, asm *fem.Assembler, coeff float64, out []float64) error {
	if len(out) != asm.NumDesignVars() {
		return fmt.Errorf("%w: gradient of length %d, expected %d", fem.ErrDimensionMismatch, len(out), asm.NumDesignVars())
	}
	v := asm.CreateDesignVec()
	if err := asm.AddMassDVSens(ctx, coeff, v); err != nil {
		return fmt.Errorf("failed to evaluate mass gradient: %w", err)
	}
	v.BeginSetValues(partitions.AddValues)
	v.EndSetValues(partitions.AddValues)
	copy(out, v.Array())
	return nil
}

// MassObjective is mass/mFixed.
type MassObjective struct {
	asm    *fem.Assembler
	mFixed float64
}

// NewMassObjective creates the objective normalized by mFixed.
func NewMassObjective(asm *fem.Assembler, mFixed float64) (*MassObjective, error) {
	if !(mFixed > 0) {
		return nil, fmt.Errorf("reference mass must be positive, got %g", mFixed)
	}
	return &MassObjective{asm: asm, mFixed: mFixed}, nil
}

func (o *MassObjective) Evaluate(_ context.Context, _ filter.Filter, _ *multigrid.MG) (float64, error) {
	return o.asm.Mass() / o.mFixed, nil
}

func (o *MassObjective) Gradient(ctx context.Context, _ filter.Filter, _ *multigrid.MG, dfdrho []float64) error {
	return massGradient(ctx, o.asm, 1/o.mFixed, dfdrho)
}

// MassConstraint is 1 - mass/mFixed ≥ 0.
type MassConstraint struct {
	asm    *fem.Assembler
	mFixed float64
}

// NewMassConstraint creates the constraint with reference mass mFixed.
func NewMassConstraint(asm *fem.Assembler, mFixed float64) (*MassConstraint, error) {
	if !(mFixed > 0) {
		return nil, fmt.Errorf("reference mass must be positive, got %g", mFixed)
	}
	return &MassConstraint{asm: asm, mFixed: mFixed}, nil
}

func (m *MassConstraint) Evaluate(_ context.Context, _ filter.Filter, _ *multigrid.MG) (float64, error) {
	return 1 - m.asm.Mass()/m.mFixed, nil
}

func (m *MassConstraint) Gradient(ctx context.Context, _ filter.Filter, _ *multigrid.MG, dfdrho []float64) error {
	return massGradient(ctx, m.asm, -1/m.mFixed, dfdrho)
}

// ComplianceObjective is scale·fᵀu with K u = f solved by CG preconditioned
// with the multigrid hierarchy. It owns the preconditioner's finest matrix.
type ComplianceObjective struct {
	asm   *fem.Assembler
	load  []float64
	scale float64
	h     float64
	rtol  float64
	log   *logging.Logger
	obs   metrics.Observer

	f       filter.Filter
	u       []float64
	version uint64
	solved  bool

	curvs   []float64
	qnTimes []time.Duration
}

// ComplianceOptions parameterizes a ComplianceObjective.
type ComplianceOptions struct {
	Loads  []fem.PointLoad
	Scale  float64
	QNStep float64
	Rtol   float64
	Log    *logging.Logger
	Obs    metrics.Observer
}

// NewComplianceObjective creates the compliance objective for the point loads.
func NewComplianceObjective(asm *fem.Assembler, opts ComplianceOptions) (*ComplianceObjective, error) {
	if len(opts.Loads) == 0 {
		return nil, errors.New("compliance objective needs at least one load")
	}
	if opts.Scale == 0 {
		opts.Scale = 1
	}
	if opts.QNStep == 0 {
		opts.QNStep = 1e-8
	}
	if opts.Rtol == 0 {
		opts.Rtol = 1e-10
	}
	load := asm.AssembleLoad(opts.Loads)
	if floats.Norm(load, 2) == 0 {
		return nil, errors.New("compliance load vanishes on the free dofs")
	}
	return &ComplianceObjective{
		asm:   asm,
		load:  load,
		scale: opts.Scale,
		h:     opts.QNStep,
		rtol:  opts.Rtol,
		log:   logging.OrNoop(opts.Log).WithComponent("compliance"),
		obs:   metrics.OrNoop(opts.Obs),
		u:     asm.CreateVec(),
	}, nil
}

// Displacement returns the solution of the last evaluation.
func (o *ComplianceObjective) Displacement() []float64 { return o.u }

// factorAt assembles K(rho) with boundary conditions and factors mg with it.
func (o *ComplianceObjective) factorAt(ctx context.Context, mg *multigrid.MG, rho []float64) (*linalg.CSR, error) {
	K, err := o.asm.AssembleMatTypeAt(ctx, fem.Stiffness, rho)
	if err != nil {
		return nil, err
	}
	o.asm.ApplyMatBCs(K)
	if mgmat := mg.Mat(); mgmat != nil && mgmat.SamePattern(K) {
		if err := mgmat.CopyValues(K); err != nil {
			return nil, err
		}
	} else if err := mg.SetMat(K.Clone()); err != nil {
		return nil, err
	}
	if err := mg.Factor(); err != nil {
		return nil, fmt.Errorf("failed to factor preconditioner: %w", err)
	}
	return K, nil
}

// solveAt solves K(rho) u = load into u, refactoring mg.
func (o *ComplianceObjective) solveAt(ctx context.Context, mg *multigrid.MG, rho []float64, u []float64) error {
	K, err := o.factorAt(ctx, mg, rho)
	if err != nil {
		return err
	}
	stats := linalg.CG(K, mg, o.load, u, 10*len(u), o.rtol, 0)
	if !stats.Converged {
		return fmt.Errorf("displacement solve did not converge: residual %g after %d iterations",
			stats.Residual, stats.Iterations)
	}
	o.log.Debug("displacement solved", "iterations", stats.Iterations, "residual", stats.Residual)
	return nil
}

func (o *ComplianceObjective) Evaluate(ctx context.Context, f filter.Filter, mg *multigrid.MG) (float64, error) {
	o.f = f
	if !o.solved || o.version != o.asm.Version() {
		rho := make([]float64, o.asm.NumDesignVars())
		o.asm.GetDesignVars(rho)
		if err := o.solveAt(ctx, mg, rho, o.u); err != nil {
			return 0, fmt.Errorf("failed to evaluate compliance: %w", err)
		}
		o.solved = true
		o.version = o.asm.Version()
	}
	return o.scale * floats.Dot(o.load, o.u), nil
}

// Gradient writes -scale·uᵀ dK u into dfdrho.
func (o *ComplianceObjective) Gradient(ctx context.Context, _ filter.Filter, _ *multigrid.MG, dfdrho []float64) error {
	if !o.solved || o.version != o.asm.Version() {
		return errors.New("failed to evaluate compliance gradient: design changed since the last evaluation")
	}
	v := o.asm.CreateDesignVec()
	if err := o.asm.AddMatDVSensInnerProduct(ctx, -o.scale, fem.Stiffness, o.u, o.u, v); err != nil {
		return err
	}
	v.BeginSetValues(partitions.AddValues)
	v.EndSetValues(partitions.AddValues)
	copy(dfdrho, v.Array())
	return nil
}

// QNCorrection adds z·Fᵀ H F s to y, with H the compliance Hessian
// estimated by the central difference of the gradient along F s. Entries in
// zeroIdx are held fixed and non-positive curvature skips the update.
func (o *ComplianceObjective) QNCorrection(ctx context.Context, mg *multigrid.MG, zeroIdx []int, z float64, s, y []float64) (bool, error) {
	start := time.Now()
	if o.f == nil || !o.solved {
		return false, errors.New("failed to compute curvature correction: objective not evaluated")
	}
	n := o.asm.NumDesignVars()
	if len(s) != n || len(y) != n {
		return false, fmt.Errorf("%w: step and update of length %d and %d, expected %d",
			fem.ErrDimensionMismatch, len(s), len(y), n)
	}
	if err := checkIndices(zeroIdx, n); err != nil {
		return false, err
	}
	svec := make([]float64, n)
	o.f.Apply(s, svec)
	zeroEntries(svec, zeroIdx)

	rho := make([]float64, n)
	o.asm.GetDesignVars(rho)
	temp := o.asm.CreateDesignVec()
	u := o.asm.CreateVec()
	for _, sign := range []float64{1, -1} {
		rhoH := make([]float64, n)
		floats.AddScaledTo(rhoH, rho, sign*o.h, svec)
		copy(u, o.u)
		if err := o.solveAt(ctx, mg, rhoH, u); err != nil {
			return false, fmt.Errorf("failed to compute curvature correction: %w", err)
		}
		if err := o.asm.AddMatDVSensInnerProductAt(ctx, -sign*o.scale/(2*o.h), fem.Stiffness, rhoH, u, u, temp); err != nil {
			return false, err
		}
	}
	// leave the preconditioner factored at the current design
	if _, err := o.factorAt(ctx, mg, rho); err != nil {
		return false, err
	}
	temp.BeginSetValues(partitions.AddValues)
	temp.EndSetValues(partitions.AddValues)
	update := append([]float64(nil), temp.Array()...)
	zeroEntries(update, zeroIdx)

	curv := floats.Dot(svec, update)
	applied := curv > 0
	if applied {
		out := make([]float64, n)
		o.f.ApplyTranspose(update, out)
		zeroEntries(out, zeroIdx)
		floats.AddScaled(y, z, out)
	} else {
		o.log.LogCurvatureSkip(ctx, curv)
	}
	elapsed := time.Since(start)
	o.curvs = append(o.curvs, curv)
	o.qnTimes = append(o.qnTimes, elapsed)
	o.obs.OnQNCorrection(applied, curv, elapsed)
	return applied, nil
}

// QNCurvatures returns the curvature of every correction computed so far.
func (o *ComplianceObjective) QNCurvatures() []float64 { return append([]float64(nil), o.curvs...) }

// AverageQNTime returns the mean wall time of a curvature correction.
func (o *ComplianceObjective) AverageQNTime() time.Duration {
	if len(o.qnTimes) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range o.qnTimes {
		sum += d
	}
	return sum / time.Duration(len(o.qnTimes))
}
