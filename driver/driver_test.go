package driver

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/notargets/freqtopo/artifacts"
	"github.com/notargets/freqtopo/config"
	"github.com/notargets/freqtopo/constraint"
	"github.com/notargets/freqtopo/metrics"
	"github.com/notargets/freqtopo/optimize"
)

type stepRecorder struct {
	metrics.NoopObserver
	steps    []int
	elements []int
}

func (r *stepRecorder) OnStep(step, elements int, _, _ float64) {
	r.steps = append(r.steps, step)
	r.elements = append(r.elements, elements)
}

type DriverSuite struct {
	suite.Suite
	ctx   context.Context
	store *artifacts.MemoryStore
	cfg   *config.Config
}

func (s *DriverSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = artifacts.NewMemoryStore()

	cfg := config.Default()
	cfg.Mesh = config.Mesh{TreesY: 1, Depth: 2, Order: 2, MGLevels: 2, Steps: 2}
	cfg.Frequency.NumEigs = 3
	cfg.Frequency.MaxJDSize = 40
	cfg.Frequency.NumRecycle = 3
	cfg.Optimizer.Stop.MaxIterations = 3
	cfg.Optimizer.NiterFinest = 2
	cfg.Refine.MinLevel = cfg.Mesh.Depth
	cfg.Artifacts = artifacts.Options{Backend: artifacts.Memory, Compression: artifacts.LZ4}
	s.cfg = cfg
}

func (s *DriverSuite) reader(runID string) *artifacts.Writer {
	return artifacts.NewWriter(s.store, runID, s.cfg.Artifacts.Compression, nil)
}

func (s *DriverSuite) TestRefinementLoop() {
	obs := &stepRecorder{}
	report, err := Run(s.ctx, s.cfg, WithStore(s.store), WithObserver(obs))
	require.NoError(s.T(), err)

	_, err = uuid.Parse(report.RunID)
	require.NoError(s.T(), err)
	require.Len(s.T(), report.Steps, 2)
	require.Equal(s.T(), []int{0, 1}, obs.steps)
	require.GreaterOrEqual(s.T(), obs.elements[1], obs.elements[0])

	for i, sum := range report.Steps {
		require.Equal(s.T(), i, sum.Step)
		require.Equal(s.T(), report.RunID, sum.RunID)
		require.Len(s.T(), sum.Cons, 1)
		require.Len(s.T(), sum.Eigenvalues, 3)
		require.False(s.T(), math.IsNaN(sum.Obj))
		require.Positive(s.T(), sum.NumDesignVars)
		require.Positive(s.T(), sum.NumEvals)
		require.GreaterOrEqual(s.T(), sum.DiscretenessRho, 0.0)
		require.Len(s.T(), sum.Snapshots, sum.NumEvals)
		for k, snap := range sum.Snapshots {
			require.Equal(s.T(), k, snap.Iter)
		}
	}
	require.LessOrEqual(s.T(), report.Steps[1].Iterations, 2)
	last, ok := report.Last()
	require.True(s.T(), ok)
	require.Equal(s.T(), 1, last.Step)

	names, err := s.store.List(s.ctx, report.RunID+"/")
	require.NoError(s.T(), err)
	for _, name := range []string{"report.json", "step0/summary.json", "step0/design.f64", "step1/summary.json"} {
		require.Contains(s.T(), names, report.RunID+"/"+name)
	}

	w := s.reader(report.RunID)
	var sum StepSummary
	require.NoError(s.T(), w.ReadJSON(s.ctx, w.Key("step1/summary.json"), &sum))
	require.Equal(s.T(), report.Steps[1].Obj, sum.Obj)
	require.Len(s.T(), sum.Snapshots, len(report.Steps[1].Snapshots))
	x, err := w.ReadVector(s.ctx, w.Key("step1/design.f64"))
	require.NoError(s.T(), err)
	for _, v := range x {
		require.GreaterOrEqual(s.T(), v, s.cfg.Reduced.Lower-1e-12)
		require.LessOrEqual(s.T(), v, s.cfg.Reduced.Upper+1e-12)
	}
}

func (s *DriverSuite) TestComplianceWithMMA() {
	s.cfg.Mesh.Steps = 1
	s.cfg.Objective.Kind = config.ComplianceObjective
	s.cfg.Frequency.Enabled = false
	s.cfg.Optimizer.Method = optimize.MMA
	report, err := Run(s.ctx, s.cfg, WithStore(s.store), WithRunID("compliance"))
	require.NoError(s.T(), err)
	require.Equal(s.T(), "compliance", report.RunID)
	require.Len(s.T(), report.Steps, 1)

	sum := report.Steps[0]
	require.Positive(s.T(), sum.Obj)
	require.Len(s.T(), sum.Cons, 1)
	require.Empty(s.T(), sum.Eigenvalues)
	require.LessOrEqual(s.T(), sum.Iterations, s.cfg.Optimizer.Stop.MaxIterations)
}

func (s *DriverSuite) TestEigenCheck() {
	s.cfg.Mesh.Steps = 1
	s.cfg.Frequency.CheckEigs = 2
	report, err := Run(s.ctx, s.cfg, WithStore(s.store))
	require.NoError(s.T(), err)
	sum := report.Steps[0]
	require.Len(s.T(), sum.GEPEigenvalues, 2)
	require.Len(s.T(), sum.GEPResiduals, 2)
	require.LessOrEqual(s.T(), sum.GEPEigenvalues[0], sum.GEPEigenvalues[1])
}

func (s *DriverSuite) TestEigensolveFailure() {
	s.cfg.Mesh.Steps = 1
	s.cfg.Frequency.EigRtol = 0
	s.cfg.Frequency.EigAtol = 0
	s.cfg.Frequency.MaxJDSize = 8
	report, err := Run(s.ctx, s.cfg, WithStore(s.store), WithRunID("failing"))
	require.Error(s.T(), err)
	require.True(s.T(), errors.Is(err, constraint.ErrNotEnoughEigenvalues), "got %v", err)
	var ef *constraint.EvalFailure
	require.True(s.T(), errors.As(err, &ef))

	require.NotNil(s.T(), report)
	require.Empty(s.T(), report.Steps)
	require.Equal(s.T(), "failing/step0/fail-design.f64", report.Failure)
	require.Equal(s.T(), "failing/step0/fail-eigenvector.f64", ef.Dump)

	w := s.reader("failing")
	x, err := w.ReadVector(s.ctx, report.Failure)
	require.NoError(s.T(), err)
	require.NotEmpty(s.T(), x)
	v, err := w.ReadVector(s.ctx, ef.Dump)
	require.NoError(s.T(), err)
	require.NotEmpty(s.T(), v)

	var stored Report
	require.NoError(s.T(), w.ReadJSON(s.ctx, w.Key("report.json"), &stored))
	require.Equal(s.T(), report.Failure, stored.Failure)
}

func (s *DriverSuite) TestCanceled() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	report, err := Run(ctx, s.cfg, WithStore(s.store), WithRunID("canceled"))
	require.ErrorIs(s.T(), err, context.Canceled)
	require.NotNil(s.T(), report)
	require.Empty(s.T(), report.Steps)

	_, err = s.store.Get(s.ctx, "canceled/report.json")
	require.NoError(s.T(), err)
}

func (s *DriverSuite) TestInvalidConfig() {
	s.cfg.Mesh.Steps = 0
	_, err := Run(s.ctx, s.cfg, WithStore(s.store))
	var cerr *config.Error
	require.True(s.T(), errors.As(err, &cerr))
	require.Equal(s.T(), "mesh", cerr.Section)
}

func (s *DriverSuite) TestBudget() {
	r := &runner{cfg: s.cfg}
	require.Equal(s.T(), 3, r.budget(0))
	require.Equal(s.T(), 2, r.budget(1))

	s.cfg.Mesh.Steps = 1
	require.Equal(s.T(), 3, r.budget(0))
}

func TestDriverSuite(t *testing.T) {
	suite.Run(t, new(DriverSuite))
}
