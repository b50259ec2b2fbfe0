// Package driver runs the adaptive refinement loop: optimize on the current
// forest, refine it where the filtered design has interfaces, rebuild the
// hierarchy and warm start from the interpolated optimum.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/notargets/freqtopo/artifacts"
	"github.com/notargets/freqtopo/config"
	"github.com/notargets/freqtopo/constraint"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/metrics"
	"github.com/notargets/freqtopo/optimize"
	"github.com/notargets/freqtopo/quadforest"
	"github.com/notargets/freqtopo/reduced"
	"github.com/notargets/freqtopo/refine"
)

// StepSummary records the optimum of one refinement step.
type StepSummary struct {
	RunID string `json:"run_id"`
	Step  int    `json:"step"`

	Obj             float64   `json:"obj"`
	Con             float64   `json:"con"`
	Cons            []float64 `json:"cons"`
	Infeas          float64   `json:"infeas"`
	Discreteness    float64   `json:"discreteness"`
	DiscretenessRho float64   `json:"discreteness_rho"`

	QNTime       float64   `json:"qn_time"` // mean seconds per correction
	QNCurvatures []float64 `json:"qn_curvatures,omitempty"`
	QNSkipped    int       `json:"qn_skipped"`
	PairsSkipped int       `json:"lbfgs_skipped"`

	NumElements   int  `json:"n_elements"`
	NumDesignVars int  `json:"n_design_vars"`
	NumEvals      int  `json:"n_evals"`
	Iterations    int  `json:"iterations"`
	Converged     bool `json:"converged"`

	Eigenvalues    []float64          `json:"eigenvalues,omitempty"`
	GEPEigenvalues []float64          `json:"gep_eigenvalues,omitempty"`
	GEPResiduals   []float64          `json:"gep_residuals,omitempty"`
	Snapshots      []reduced.Snapshot `json:"snapshots,omitempty"`

	Elapsed float64 `json:"elapsed"`
}

// Report is the outcome of Run.
type Report struct {
	RunID string        `json:"run_id"`
	Steps []StepSummary `json:"steps"`
	// Failure names the design snapshot of a failed step.
	Failure string `json:"failure,omitempty"`
}

// Last returns the summary of the final completed step.
func (r *Report) Last() (StepSummary, bool) {
	if len(r.Steps) == 0 {
		return StepSummary{}, false
	}
	return r.Steps[len(r.Steps)-1], true
}

// Option configures Run.
type Option func(*runner)

func WithLogger(l *logging.Logger) Option {
	return func(r *runner) { r.log = l }
}

func WithObserver(o metrics.Observer) Option {
	return func(r *runner) { r.obs = o }
}

// WithStore overrides the store selected by the artifacts section.
func WithStore(s artifacts.Store) Option {
	return func(r *runner) { r.store = s }
}

// WithRunID replaces the generated run identifier.
func WithRunID(id string) Option {
	return func(r *runner) { r.runID = id }
}

type runner struct {
	cfg   *config.Config
	log   *logging.Logger
	obs   metrics.Observer
	store artifacts.Store
	runID string
	w     *artifacts.Writer
}

// Run executes cfg.Mesh.Steps refinement steps. On failure the report holds
// the completed steps and the error is returned alongside it.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &runner{cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	r.log = logging.OrNoop(r.log).WithRun(r.runID)
	r.obs = metrics.OrNoop(r.obs)
	if r.store == nil {
		s, err := artifacts.Open(ctx, cfg.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact store: %w", err)
		}
		r.store = s
	}
	r.w = artifacts.NewWriter(r.store, r.runID, cfg.Artifacts.Compression, r.log)

	report := &Report{RunID: r.runID}
	err := r.run(ctx, report)
	if _, werr := r.w.WriteJSON(context.WithoutCancel(ctx), "report.json", report); werr != nil {
		r.log.Error("failed to write report", "error", werr)
		if err == nil {
			err = werr
		}
	}
	return report, err
}

func (r *runner) run(ctx context.Context, report *Report) error {
	cfg := r.cfg
	nx, ny := cfg.TreeGrid()
	lx, ly := cfg.Domain.Lengths()
	forest, err := quadforest.NewForest(nx, ny, lx, ly)
	if err != nil {
		return err
	}
	forest.CreateTrees(cfg.Mesh.Depth)
	if err := forest.SetOrder(cfg.Mesh.Order); err != nil {
		return err
	}
	ind, err := refine.New(cfg.Refine, refine.DomainLength(forest))
	if err != nil {
		return err
	}
	r.log.Info("starting run", "domain", cfg.Domain.Name, "objective", cfg.Objective.Kind,
		"steps", cfg.Mesh.Steps, "strategy", ind.Strategy())

	// optimum of the previous step on its design forest
	var prevDesign *quadforest.Forest
	var prevX []float64

	for step := 0; step < cfg.Mesh.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := r.log.WithStep(step)
		start := time.Now()

		st, err := buildStage(ctx, cfg, step, forest, r.w, log, r.obs)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		design := st.h.Finest().FilterForest
		if prevDesign != nil {
			init := st.prob.CreateDesignVec()
			if err := quadforest.InterpolateDesign(prevDesign, prevX, design, init, 1); err != nil {
				return fmt.Errorf("step %d: failed to interpolate design: %w", step, err)
			}
			if err := st.redu.SetInitDesignVars(init); err != nil {
				return err
			}
		}
		log.Info("step problem created", "elements", forest.NumElements(),
			"design_vars", st.prob.NumDesignVars(), "fixed", len(st.fixed), "constraints", st.prob.NumConstraints())
		log.Debug(st.h.String())

		sum, xfull, err := r.solveStep(ctx, log, step, st)
		if err != nil {
			report.Failure = r.dumpFailure(ctx, log, step, st, err)
			return fmt.Errorf("step %d: %w", step, err)
		}
		sum.NumElements = forest.NumElements()
		sum.Elapsed = time.Since(start).Seconds()
		report.Steps = append(report.Steps, sum)

		if _, err := r.w.WriteVector(ctx, stepName(step, "design.f64"), xfull); err != nil {
			return err
		}
		if _, err := r.w.WriteJSON(ctx, stepName(step, "summary.json"), sum); err != nil {
			return err
		}
		r.obs.OnStep(step, sum.NumElements, sum.Obj, sum.Infeas)
		log.LogStep(ctx, step, sum.Obj, sum.Infeas, sum.NumElements)

		if step == cfg.Mesh.Steps-1 {
			break
		}
		// filtered densities share the design forest with the variables
		rho := append([]float64(nil), st.prob.FilteredDesign()...)
		marks, err := ind.Mark(design, rho)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		next := forest.Duplicate()
		if err := refine.Apply(next, marks, cfg.Refine.MinLevel, cfg.Refine.MaxLevel); err != nil {
			return fmt.Errorf("step %d: failed to refine: %w", step, err)
		}
		if err := next.Repartition(cfg.Parallel.Ranks); err != nil {
			return err
		}
		log.Info("forest refined", "elements", next.NumElements(), "previous", forest.NumElements())
		forest = next
		prevDesign, prevX = design, xfull
	}
	return nil
}

// budget returns the iteration limit of step.
func (r *runner) budget(step int) int {
	cfg := r.cfg
	if cfg.Mesh.Steps > 1 && step == cfg.Mesh.Steps-1 && cfg.Optimizer.NiterFinest > 0 {
		return cfg.Optimizer.NiterFinest
	}
	return cfg.Optimizer.Stop.MaxIterations
}

func (r *runner) solveStep(ctx context.Context, log *logging.Logger, step int, st *stage) (StepSummary, []float64, error) {
	cfg := r.cfg
	opts := cfg.Optimizer.Options
	opts.Stop.MaxIterations = r.budget(step)
	opts.Log = log

	res, err := optimize.Solve(ctx, st.redu, opts)
	if err != nil {
		return StepSummary{}, nil, err
	}

	// re-evaluate at the optimum so the assembler, the filter and the
	// eigenpairs all describe res.X
	obj, cons, err := st.redu.EvalObjCon(ctx, res.X)
	if err != nil {
		return StepSummary{}, nil, err
	}
	xfull := st.redu.FullDesign(res.X)
	curvs, qnTime := st.curvatures()

	sum := StepSummary{
		RunID:           r.runID,
		Step:            step,
		Obj:             obj,
		Cons:            cons,
		Infeas:          reduced.Infeasibility(cons),
		Discreteness:    reduced.Discreteness(res.X),
		DiscretenessRho: reduced.Discreteness(st.prob.FilteredDesign()),
		QNTime:          qnTime.Seconds(),
		QNCurvatures:    curvs,
		QNSkipped:       st.qnSkipped,
		PairsSkipped:    res.Skipped,
		NumDesignVars:   st.redu.NumVars(),
		NumEvals:        st.redu.NumObjEvals(),
		Iterations:      res.Iterations,
		Converged:       res.Converged,
	}
	if len(cons) > 0 {
		sum.Con = cons[len(cons)-1]
	}
	sum.Snapshots = st.redu.Snapshots()
	if st.freq != nil {
		sum.Eigenvalues = st.freq.Eigenvalues()
	}
	if cfg.Frequency.CheckEigs > 0 {
		r.checkEigs(ctx, log, st, xfull, &sum)
	}
	return sum, xfull, nil
}

// checkEigs computes the generalized eigenpairs at the optimum. A failed
// check is logged and does not end the run.
func (r *runner) checkEigs(ctx context.Context, log *logging.Logger, st *stage, xfull []float64, sum *StepSummary) {
	fc := r.cfg.Frequency
	copts := constraint.EigenCheckOptions{
		NumEigs:          fc.CheckEigs,
		MaxJDSize:        max(fc.MaxJDSize, 2*fc.CheckEigs+5),
		MaxGMRES:         fc.MaxGMRES,
		AddNonDesignMass: fc.AddNonDesignMass,
		NonDesignIndices: st.fixed,
		MScale:           fc.MScale,
		KScale:           fc.KScale,
		Log:              log,
	}
	chk, err := constraint.GeneralEigenCheck(ctx, st.prob.Assembler(), st.h.Filter(), st.h.MG(), xfull, copts)
	if err != nil {
		log.Warn("generalized eigenvalue check failed", "error", err)
		return
	}
	sum.GEPEigenvalues = chk.Eigenvalues
	sum.GEPResiduals = chk.Residuals
}

// dumpFailure stores the current full design of a failed step and returns
// its key.
func (r *runner) dumpFailure(ctx context.Context, log *logging.Logger, step int, st *stage, cause error) string {
	var ef *constraint.EvalFailure
	if errors.As(cause, &ef) {
		log.Error("constraint evaluation failed", "error", ef, "dump", ef.Dump)
	}
	key, err := r.w.WriteVector(context.WithoutCancel(ctx), stepName(step, "fail-design.f64"), st.prob.DesignVars())
	if err != nil {
		log.Error("failed to write failure design", "error", err)
		return ""
	}
	return key
}
