package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/notargets/freqtopo/artifacts"
	"github.com/notargets/freqtopo/config"
	"github.com/notargets/freqtopo/constraint"
	"github.com/notargets/freqtopo/filter"
	"github.com/notargets/freqtopo/hierarchy"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/metrics"
	"github.com/notargets/freqtopo/multigrid"
	"github.com/notargets/freqtopo/quadforest"
	"github.com/notargets/freqtopo/reduced"
	"github.com/notargets/freqtopo/topo"
)

// correction adds curvature to y for one term of the Lagrangian and
// reports whether it did.
type correction func(ctx context.Context, zeroIdx []int, z []float64, s, y []float64) (bool, error)

// curvatureSource exposes the curvature diagnostics of a term.
type curvatureSource interface {
	QNCurvatures() []float64
	AverageQNTime() time.Duration
}

// stage is the problem of one refinement step.
type stage struct {
	prob  *topo.Problem
	h     *hierarchy.Hierarchy
	redu  *reduced.Problem
	fixed []int
	sess  *constraint.Session
	freq  *constraint.FrequencyConstraint

	curvSources []curvatureSource
	qnSkipped   int
}

// stepSink writes the diagnostics of a step below the step directory.
type stepSink struct {
	w    *artifacts.Writer
	step int
}

func (s stepSink) WriteVector(ctx context.Context, name string, v []float64) (string, error) {
	return s.w.WriteVector(ctx, stepName(s.step, name+".f64"), v)
}

func stepName(step int, name string) string {
	return fmt.Sprintf("step%d/%s", step, name)
}

// buildStage creates the hierarchy on forest with MGLevels+step levels and
// binds the objective, the constraints and the curvature corrections.
func buildStage(ctx context.Context, cfg *config.Config, step int, forest *quadforest.Forest,
	w *artifacts.Writer, log *logging.Logger, obs metrics.Observer) (*stage, error) {
	creator := hierarchy.ElasticCreator{
		Material: cfg.Material,
		BCs:      cfg.BoundaryConditions(),
		Log:      log,
	}
	prob, h, err := hierarchy.CreateTopoProblem(ctx, forest, creator, hierarchy.Options{
		NumLevels: cfg.Mesh.MGLevels + step,
		NumRanks:  cfg.Parallel.Ranks,
		Filter:    cfg.Filter,
		Log:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hierarchy: %w", err)
	}
	asm := prob.Assembler()
	fixed, err := constraint.FixedDVIndices(h.Finest().FilterForest.Points(), cfg.Domain.Name, cfg.Domain.Geometry)
	if err != nil {
		return nil, err
	}
	st := &stage{prob: prob, h: h, fixed: fixed, sess: constraint.NewSession()}
	mFixed := constraint.MassTarget(cfg.Objective.VolFrac, cfg.Domain.Area(cfg.Domain.Name), cfg.Material.Density)

	var corrections []correction
	switch cfg.Objective.Kind {
	case config.ComplianceObjective:
		comp, err := constraint.NewComplianceObjective(asm, constraint.ComplianceOptions{
			Loads:  cfg.Loads(),
			Scale:  cfg.Objective.Scale,
			QNStep: cfg.Frequency.QNStep,
			Log:    log,
			Obs:    obs,
		})
		if err != nil {
			return nil, err
		}
		prob.SetObjective(comp.Evaluate, comp.Gradient)
		mc, err := constraint.NewMassConstraint(asm, mFixed)
		if err != nil {
			return nil, err
		}
		prob.AddConstraint(mc.Evaluate, mc.Gradient)
		st.curvSources = append(st.curvSources, comp)
		corrections = append(corrections, func(ctx context.Context, zeroIdx []int, _ []float64, s, y []float64) (bool, error) {
			return comp.QNCorrection(ctx, h.MG(), zeroIdx, 1, s, y)
		})
	default:
		mass, err := constraint.NewMassObjective(asm, mFixed)
		if err != nil {
			return nil, err
		}
		prob.SetObjective(mass.Evaluate, mass.Gradient)
	}

	if cfg.Frequency.Enabled {
		opts := cfg.Frequency.Options()
		opts.NonDesignIndices = fixed
		freq, err := constraint.NewFrequencyConstraint(asm, opts,
			constraint.WithLogger(log),
			constraint.WithObserver(obs),
			constraint.WithDiagnostics(stepSink{w: w, step: step}))
		if err != nil {
			return nil, err
		}
		idx := prob.NumConstraints()
		sess := st.sess
		prob.AddConstraint(
			func(ctx context.Context, f filter.Filter, mg *multigrid.MG) (float64, error) {
				return freq.Evaluate(ctx, sess, f, mg)
			},
			func(ctx context.Context, f filter.Filter, mg *multigrid.MG, out []float64) error {
				return freq.Gradient(ctx, sess, f, mg, out)
			})
		st.freq = freq
		st.curvSources = append(st.curvSources, freq)
		corrections = append(corrections, func(ctx context.Context, zeroIdx []int, z []float64, s, y []float64) (bool, error) {
			return freq.QNCorrection(ctx, sess, zeroIdx, z[idx], s, y)
		})
	}

	prob.SetQNCorrection(func(ctx context.Context, zeroIdx []int, z []float64, s, y []float64) error {
		for _, corr := range corrections {
			applied, err := corr(ctx, zeroIdx, z, s, y)
			if err != nil {
				return err
			}
			if !applied {
				st.qnSkipped++
			}
		}
		return nil
	})

	st.redu, err = reduced.New(prob, fixed,
		reduced.WithFixedValue(cfg.Reduced.FixedValue),
		reduced.WithBounds(cfg.Reduced.Lower, cfg.Reduced.Upper),
		reduced.WithSnapshotEvery(cfg.Reduced.SnapshotEvery),
		reduced.WithLogger(log),
		reduced.WithObserver(obs))
	if err != nil {
		return nil, fmt.Errorf("failed to create reduced problem: %w", err)
	}
	init := prob.CreateDesignVec()
	for i := range init {
		init[i] = cfg.Reduced.InitValue
	}
	if err := st.redu.SetInitDesignVars(init); err != nil {
		return nil, err
	}
	return st, nil
}

// curvatures collects the recorded correction curvatures and the mean
// correction time of every term.
func (st *stage) curvatures() ([]float64, time.Duration) {
	var curvs []float64
	var total time.Duration
	var n int
	for _, src := range st.curvSources {
		c := src.QNCurvatures()
		curvs = append(curvs, c...)
		total += src.AverageQNTime() * time.Duration(len(c))
		n += len(c)
	}
	if n == 0 {
		return curvs, 0
	}
	return curvs, total / time.Duration(n)
}
