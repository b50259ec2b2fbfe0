// Package constraint implements the objective and constraint callbacks of
// the topology optimization problems: the KS aggregate of the lowest
// natural frequencies, its quasi-Newton curvature correction, mass and
// compliance.
package constraint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/freqtopo/eigen"
	"github.com/notargets/freqtopo/fem"
	"github.com/notargets/freqtopo/filter"
	"github.com/notargets/freqtopo/linalg"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/metrics"
	"github.com/notargets/freqtopo/multigrid"
	"github.com/notargets/freqtopo/partitions"
)

// State is the lifecycle state of a FrequencyConstraint.
type State int

const (
	Uninitialized State = iota
	Ready
	Solving
	Converged
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Solving:
		return "solving"
	case Converged:
		return "converged"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options parameterizes a FrequencyConstraint.
type Options struct {
	NumEigs    int
	KSWeight   float64
	Lambda0    float64
	EigScale   float64
	MaxJDSize  int
	MaxGMRES   int
	Tolerances eigen.Tolerances
	// NumRecycle eigenvectors of the previous solve seed the next one.
	NumRecycle int

	// AddNonDesignMass adds M0 = M(ρ=1 on NonDesignIndices)·MScale and the
	// matching K0·KScale to every evaluation.
	AddNonDesignMass bool
	NonDesignIndices []int
	MScale           float64
	KScale           float64

	// QNStep is the finite-difference step of the curvature correction.
	QNStep float64
}

// DefaultOptions returns the defaults for ten eigenvalues.
func DefaultOptions() Options {
	return Options{
		NumEigs:          10,
		KSWeight:         50,
		EigScale:         1,
		MaxJDSize:        100,
		MaxGMRES:         30,
		Tolerances:       eigen.DefaultTolerances(),
		NumRecycle:       10,
		AddNonDesignMass: true,
		MScale:           10,
		KScale:           1,
		QNStep:           1e-8,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	switch {
	case o.NumEigs <= 0:
		return fmt.Errorf("num_eigs must be positive, got %d", o.NumEigs)
	case !(o.KSWeight > 0):
		return fmt.Errorf("ks_weight must be positive, got %g", o.KSWeight)
	case !(o.EigScale > 0):
		return fmt.Errorf("eig_scale must be positive, got %g", o.EigScale)
	case o.Lambda0 < 0:
		return fmt.Errorf("lambda0 must be non-negative, got %g", o.Lambda0)
	case o.MaxJDSize <= o.NumEigs:
		return fmt.Errorf("max_jd_size %d must exceed num_eigs %d", o.MaxJDSize, o.NumEigs)
	case o.MaxGMRES <= 0:
		return fmt.Errorf("max_gmres_size must be positive, got %d", o.MaxGMRES)
	case o.NumRecycle < 0:
		return fmt.Errorf("num_recycle must be non-negative, got %d", o.NumRecycle)
	case !(o.QNStep > 0):
		return fmt.Errorf("qn_step must be positive, got %g", o.QNStep)
	}
	return nil
}

// Diagnostics stores state dumped for post-mortem inspection and returns
// the name it was stored under.
type Diagnostics interface {
	WriteVector(ctx context.Context, name string, v []float64) (string, error)
}

// Option configures a FrequencyConstraint.
type Option func(*FrequencyConstraint)

func WithLogger(l *logging.Logger) Option {
	return func(c *FrequencyConstraint) { c.log = l }
}

func WithObserver(o metrics.Observer) Option {
	return func(c *FrequencyConstraint) { c.obs = o }
}

// WithDiagnostics sets where the unconverged eigenvector of a failed
// evaluation is written.
func WithDiagnostics(d Diagnostics) Option {
	return func(c *FrequencyConstraint) { c.diag = d }
}

// FrequencyConstraint evaluates c = KS(λ1..λN) ≥ 0, the soft minimum of the
// lowest eigenvalues of K - λ0 M. Its state between evaluations lives in a
// Session supplied by the caller.
type FrequencyConstraint struct {
	opts Options
	asm  *fem.Assembler
	log  *logging.Logger
	obs  metrics.Observer
	diag Diagnostics

	state State
	f     filter.Filter
	mg    *multigrid.MG
	jd    *eigen.JacobiDavidson

	a      *linalg.CSR // K - λ0 M + (1 - shift) I with boundary conditions
	m0, k0 *linalg.CSR

	shift   float64 // shift of a
	eigs    []float64
	res     []float64
	vecs    [][]float64
	version uint64
	sess    *Session

	curvs   []float64
	qnTimes []time.Duration
}

// NewFrequencyConstraint creates the constraint for the assembler.
func NewFrequencyConstraint(asm *fem.Assembler, opts Options, o ...Option) (*FrequencyConstraint, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frequency constraint: %w", err)
	}
	if opts.NumEigs > asm.NumDofs()-len(asm.BCDofs()) {
		return nil, fmt.Errorf("cannot compute %d eigenvalues with %d free dofs", opts.NumEigs, asm.NumDofs()-len(asm.BCDofs()))
	}
	for _, i := range opts.NonDesignIndices {
		if i < 0 || i >= asm.NumDesignVars() {
			return nil, fmt.Errorf("non-design index %d outside [0, %d)", i, asm.NumDesignVars())
		}
	}
	c := &FrequencyConstraint{opts: opts, asm: asm}
	for _, fn := range o {
		fn(c)
	}
	c.log = logging.OrNoop(c.log).WithComponent("frequency")
	c.obs = metrics.OrNoop(c.obs)
	return c, nil
}

// State returns the lifecycle state.
func (c *FrequencyConstraint) State() State { return c.state }

// Options returns the options.
func (c *FrequencyConstraint) Options() Options { return c.opts }

// Eigenvalues returns the unscaled eigenvalues of K - λ0 M of the last
// converged evaluation in ascending order.
func (c *FrequencyConstraint) Eigenvalues() []float64 { return append([]float64(nil), c.eigs...) }

// Residuals returns ‖(K - λ0 M) v - λ v‖ for each eigenpair.
func (c *FrequencyConstraint) Residuals() []float64 { return append([]float64(nil), c.res...) }

// Eigenvector returns eigenvector i of the last converged evaluation.
func (c *FrequencyConstraint) Eigenvector(i int) []float64 { return c.vecs[i] }

// QNCurvatures returns the curvature of every correction computed so far.
func (c *FrequencyConstraint) QNCurvatures() []float64 { return append([]float64(nil), c.curvs...) }

// AverageQNTime returns the mean wall time of a curvature correction.
func (c *FrequencyConstraint) AverageQNTime() time.Duration {
	if len(c.qnTimes) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range c.qnTimes {
		sum += d
	}
	return sum / time.Duration(len(c.qnTimes))
}

func (c *FrequencyConstraint) init(ctx context.Context, f filter.Filter, mg *multigrid.MG) error {
	if f.NumDesignVars() != c.asm.NumDesignVars() {
		return fmt.Errorf("%w: filter has %d design variables, assembler %d",
			fem.ErrDimensionMismatch, f.NumDesignVars(), c.asm.NumDesignVars())
	}
	c.f, c.mg = f, mg
	c.vecs = make([][]float64, c.opts.NumEigs)
	for i := range c.vecs {
		c.vecs[i] = c.asm.CreateVec()
	}
	if c.opts.AddNonDesignMass {
		if err := c.computeNonDesignMat(ctx); err != nil {
			return err
		}
	}
	c.state = Ready
	return nil
}

// computeNonDesignMat assembles the non-design blocks once.
func (c *FrequencyConstraint) computeNonDesignMat(ctx context.Context) error {
	m0, k0, err := nonDesignMats(ctx, c.asm, c.opts.NonDesignIndices, c.opts.MScale, c.opts.KScale)
	if err != nil {
		return err
	}
	c.m0, c.k0 = m0, k0
	c.log.Debug("non-design blocks assembled", "nodes", len(c.opts.NonDesignIndices),
		"mscale", c.opts.MScale, "kscale", c.opts.KScale)
	return nil
}

// nonDesignMats returns M0 = M(dv)·mscale and K0 = K(dv)·kscale, where dv
// is one on idx and zero elsewhere.
func nonDesignMats(ctx context.Context, asm *fem.Assembler, idx []int, mscale, kscale float64) (m0, k0 *linalg.CSR, err error) {
	dv := make([]float64, asm.NumDesignVars())
	for _, i := range idx {
		dv[i] = 1
	}
	if m0, err = asm.AssembleMatTypeAt(ctx, fem.Mass, dv); err != nil {
		return nil, nil, fmt.Errorf("failed to assemble non-design mass: %w", err)
	}
	if k0, err = asm.AssembleMatTypeAt(ctx, fem.Stiffness, dv); err != nil {
		return nil, nil, fmt.Errorf("failed to assemble non-design stiffness: %w", err)
	}
	m0.Scale(mscale)
	k0.Scale(kscale)
	return m0, k0, nil
}

// assemble forms K and M at the current densities with the non-design
// blocks and boundary conditions applied to each.
func (c *FrequencyConstraint) assemble(ctx context.Context) (k, m *linalg.CSR, err error) {
	if k, err = c.asm.AssembleMatType(ctx, fem.Stiffness); err != nil {
		return nil, nil, err
	}
	if m, err = c.asm.AssembleMatType(ctx, fem.Mass); err != nil {
		return nil, nil, err
	}
	if c.m0 != nil {
		if m, err = linalg.Add(1, m, 1, c.m0); err != nil {
			return nil, nil, err
		}
		if k, err = linalg.Add(1, k, 1, c.k0); err != nil {
			return nil, nil, err
		}
	}
	c.asm.ApplyMatBCs(m)
	c.asm.ApplyMatBCs(k)
	return k, m, nil
}

// Evaluate returns the KS aggregate of the lowest eigenvalues for the
// densities currently set in the assembler. A second call without a design
// change returns the cached value and leaves the session untouched.
func (c *FrequencyConstraint) Evaluate(ctx context.Context, sess *Session, f filter.Filter, mg *multigrid.MG) (float64, error) {
	if sess == nil {
		return 0, errors.New("failed to evaluate frequency constraint: nil session")
	}
	if c.state == Converged && c.sess == sess && c.version == c.asm.Version() {
		return sess.ks, nil
	}
	if c.state == Uninitialized {
		if err := c.init(ctx, f, mg); err != nil {
			return 0, fmt.Errorf("failed to initialize frequency constraint: %w", err)
		}
	} else if mg != c.mg {
		return 0, errors.New("failed to evaluate frequency constraint: preconditioner changed")
	}

	K, M, err := c.assemble(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to assemble frequency operators: %w", err)
	}
	A, err := linalg.Add(1, K, -c.opts.Lambda0, M)
	if err != nil {
		return 0, err
	}
	shift := sess.OldMinEigval
	A.AddDiag(1 - shift)
	c.asm.ApplyMatBCs(A)
	if c.a == nil {
		c.a = A
	} else if err := c.a.CopyValues(A); err != nil {
		return 0, fmt.Errorf("failed to update frequency operator: %w", err)
	}
	c.shift = shift

	if err := c.refactor(); err != nil {
		return 0, err
	}
	if c.jd == nil {
		c.jd, err = eigen.New(c.a, mg, c.asm.NumDofs(), c.opts.NumEigs, c.opts.MaxJDSize, c.opts.MaxGMRES,
			eigen.WithTolerances(c.opts.Tolerances),
			eigen.WithFixedDofs(c.asm.BCDofs()),
			eigen.WithLogger(c.log))
		if err != nil {
			return 0, fmt.Errorf("failed to create eigensolver: %w", err)
		}
	}

	c.state = Solving
	c.jd.SetRecycle(min(c.opts.NumRecycle, c.opts.NumEigs))
	res, err := c.solve(ctx)
	if err != nil {
		return 0, err
	}
	if res.Status != eigen.Converged {
		c.log.WarnContext(ctx, "eigensolve incomplete, retrying",
			"converged", res.NumConverged, "requested", res.NumRequested, "smallest", res.Smallest)
		c.obs.OnEigenRetry()
		c.jd.SetRecycle(min(c.opts.NumRecycle, res.NumConverged))
		if eig0 := res.Smallest; eig0 <= 0 {
			mgmat := mg.Mat()
			mgmat.AddDiag(-eig0)
			c.asm.ApplyMatBCs(mgmat)
			if err := mg.Factor(); err != nil {
				c.state = Failed
				return 0, fmt.Errorf("failed to refactor shifted preconditioner: %w", err)
			}
		}
		if res, err = c.solve(ctx); err != nil {
			return 0, err
		}
		if res.Status != eigen.Converged {
			return 0, c.fail(ctx, res)
		}
	}

	c.eigs = make([]float64, c.opts.NumEigs)
	c.res = make([]float64, c.opts.NumEigs)
	av := c.asm.CreateVec()
	for i := range c.eigs {
		theta, _, err := c.jd.ExtractEigenvector(i, c.vecs[i])
		if err != nil {
			c.state = Failed
			return 0, err
		}
		// undo the shift: A v = θ v with A = K - λ0 M + (1 - shift) I
		c.eigs[i] = theta + shift - 1
		c.a.Mult(c.vecs[i], av)
		floats.AddScaled(av, -theta, c.vecs[i])
		c.res[i] = floats.Norm(av, 2)
	}
	sess.OldMinEigval = c.eigs[0]

	scaled := make([]float64, len(c.eigs))
	floats.ScaleTo(scaled, c.opts.EigScale, c.eigs)
	ks, eta, err := ksAggregate(scaled, c.opts.KSWeight)
	if err != nil {
		c.state = Failed
		return 0, err
	}
	sess.ks, sess.eta = ks, eta
	c.sess = sess
	c.version = c.asm.Version()
	c.state = Converged
	c.log.InfoContext(ctx, "frequency constraint evaluated",
		"ks", ks, "min_eigval", scaled[0], "shift", shift, "max_residual", floats.Max(c.res))
	return ks, nil
}

// refactor copies the frequency operator into the preconditioner and
// factors it.
func (c *FrequencyConstraint) refactor() error {
	mgmat := c.mg.Mat()
	if mgmat == nil || !mgmat.SamePattern(c.a) {
		if err := c.mg.SetMat(c.a.Clone()); err != nil {
			return err
		}
	} else if err := mgmat.CopyValues(c.a); err != nil {
		return err
	}
	if err := c.mg.Factor(); err != nil {
		return fmt.Errorf("failed to factor preconditioner: %w", err)
	}
	return nil
}

func (c *FrequencyConstraint) solve(ctx context.Context) (eigen.Result, error) {
	start := time.Now()
	res, err := c.jd.Solve(ctx)
	elapsed := time.Since(start)
	c.log.LogEigenSolve(ctx, res.NumConverged, res.NumRequested, res.Iterations, elapsed, err)
	c.obs.OnEigenSolve(res.Status.String(), res.NumConverged, elapsed)
	if err != nil {
		c.state = Ready
		return res, fmt.Errorf("failed to solve eigenproblem: %w", err)
	}
	return res, nil
}

// fail dumps the first unconverged eigenvector and moves to Failed.
func (c *FrequencyConstraint) fail(ctx context.Context, res eigen.Result) error {
	c.state = Failed
	e := &EvalFailure{Result: res, Err: ErrNotEnoughEigenvalues}
	if c.diag != nil {
		v := c.asm.CreateVec()
		if _, ok := c.jd.ExtractUnconverged(v); ok {
			name, err := c.diag.WriteVector(ctx, "fail-eigenvector", v)
			if err != nil {
				c.log.WarnContext(ctx, "failed to write diagnostic eigenvector", "error", err)
			} else {
				e.Dump = name
			}
		}
	}
	c.log.ErrorContext(ctx, "frequency constraint evaluation failed", "error", e, "dump", e.Dump)
	return e
}

// Gradient writes dc/dρ = Σ ηi · eigScale · φiᵀ(dK - λ0 dM)φi into dcdrho.
// Evaluate must have converged at the current densities.
func (c *FrequencyConstraint) Gradient(ctx context.Context, sess *Session, f filter.Filter, mg *multigrid.MG, dcdrho []float64) error {
	if err := c.checkCurrent(sess); err != nil {
		return fmt.Errorf("failed to evaluate frequency gradient: %w", err)
	}
	if len(dcdrho) != c.asm.NumDesignVars() {
		return fmt.Errorf("%w: gradient of length %d, expected %d", fem.ErrDimensionMismatch, len(dcdrho), c.asm.NumDesignVars())
	}
	out := c.asm.CreateDesignVec()
	for i, eta := range sess.eta {
		coeff := eta * c.opts.EigScale
		if err := c.asm.AddMatDVSensInnerProduct(ctx, coeff, fem.Stiffness, c.vecs[i], c.vecs[i], out); err != nil {
			return err
		}
		if err := c.asm.AddMatDVSensInnerProduct(ctx, -coeff*c.opts.Lambda0, fem.Mass, c.vecs[i], c.vecs[i], out); err != nil {
			return err
		}
	}
	out.BeginSetValues(partitions.AddValues)
	out.EndSetValues(partitions.AddValues)
	copy(dcdrho, out.Array())
	c.log.Debug("frequency gradient evaluated", "norm", floats.Norm(dcdrho, 2))
	return nil
}

func (c *FrequencyConstraint) checkCurrent(sess *Session) error {
	switch {
	case c.state != Converged:
		return fmt.Errorf("constraint is %s", c.state)
	case sess != c.sess:
		return errors.New("session does not match the last evaluation")
	case c.version != c.asm.Version():
		return errors.New("design changed since the last evaluation")
	}
	return nil
}
