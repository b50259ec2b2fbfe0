package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/freqtopo/artifacts"
	"github.com/notargets/freqtopo/constraint"
	"github.com/notargets/freqtopo/fem"
	"github.com/notargets/freqtopo/filter"
	"github.com/notargets/freqtopo/optimize"
	"github.com/notargets/freqtopo/refine"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.NumConstraints())
	nx, ny := cfg.TreeGrid()
	assert.Equal(t, 2, nx)
	assert.Equal(t, 1, ny)
}

func TestLoad_Overrides(t *testing.T) {
	doc := `
domain:
  name: MBB
  aspect_ratio: 3
mesh:
  initial_depth: 2
  refine_steps: 2
frequency:
  omega: 0.5
  num_eigs: 4
optimizer:
  method: mma
  stop:
    max_iterations: 40
  niter_finest: 5
refine:
  strategy: distance
artifacts:
  backend: memory
  compression: lz4
`
	cfg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, constraint.MBB, cfg.Domain.Name)
	assert.Equal(t, 3.0, cfg.Domain.AR)
	assert.Equal(t, 1.0, cfg.Domain.Len0, "unset keys keep their default")
	assert.Equal(t, 2, cfg.Mesh.Depth)
	assert.Equal(t, 2, cfg.Mesh.MGLevels)
	assert.Equal(t, optimize.MMA, cfg.Optimizer.Method)
	assert.Equal(t, 40, cfg.Optimizer.Stop.MaxIterations)
	assert.Equal(t, 1e-5, cfg.Optimizer.Stop.GradTolerance)
	assert.Equal(t, 5, cfg.Optimizer.NiterFinest)
	assert.Equal(t, refine.DistanceStrategy, cfg.Refine.Strategy)
	assert.Equal(t, artifacts.Memory, cfg.Artifacts.Backend)
	assert.Equal(t, artifacts.LZ4, cfg.Artifacts.Compression)

	opts := cfg.Frequency.Options()
	assert.Equal(t, 4, opts.NumEigs)
	assert.InDelta(t, math.Pi*math.Pi, opts.Lambda0, 1e-12)
	assert.NoError(t, opts.Validate())

	nx, ny := cfg.TreeGrid()
	assert.Equal(t, 3, nx)
	assert.Equal(t, 1, ny)

	bcs := cfg.BoundaryConditions()
	require.Len(t, bcs, 2)
	assert.Equal(t, fem.XMin, bcs[0].Edge)
	loads := cfg.Loads()
	require.Len(t, loads, 1)
	assert.Zero(t, loads[0].X)
	assert.Equal(t, 1.0, loads[0].Y)
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_UnknownOption(t *testing.T) {
	_, err := Load(strings.NewReader("mesh:\n  depth: 3\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownOption)
	var cerr *Error
	assert.True(t, errors.As(err, &cerr))

	_, err = Load(strings.NewReader("solver: fast\n"))
	assert.ErrorIs(t, err, ErrUnknownOption)
}

func TestLoad_InvalidSections(t *testing.T) {
	cases := map[string]string{
		"domain":    "domain:\n  name: bridge\n",
		"material":  "material:\n  poisson_ratio: 0.7\n",
		"mesh":      "mesh:\n  order: 5\n",
		"filter":    "filter:\n  type: conic\n  r0: 0\n",
		"objective": "objective:\n  vol_frac: 0\n",
		"frequency": "frequency:\n  max_jd_size: 5\n",
		"optimizer": "objective:\n  kind: compliance\noptimizer:\n  method: mma\n",
		"refine":    "refine:\n  lower: 0.9\n",
		"reduced":   "reduced:\n  init_value: 2\n",
		"artifacts": "artifacts:\n  backend: minio\n",
		"metrics":   "metrics:\n  enabled: true\n  addr: \"\"\n",
		"parallel":  "parallel:\n  ranks: 0\n",
		"log":       "log:\n  format: xml\n",
	}
	for section, doc := range cases {
		_, err := Load(strings.NewReader(doc))
		var cerr *Error
		if assert.True(t, errors.As(err, &cerr), "section %s: %v", section, err) {
			assert.Equal(t, section, cerr.Section)
		}
	}
}

func TestComplianceConstraints(t *testing.T) {
	cfg := Default()
	cfg.Objective.Kind = ComplianceObjective
	assert.Equal(t, 2, cfg.NumConstraints())
	cfg.Frequency.Enabled = false
	assert.Equal(t, 1, cfg.NumConstraints())
	cfg.Optimizer.Method = optimize.MMA
	assert.NoError(t, cfg.Validate())

	cfg.Objective.Kind = MassObjective
	assert.Error(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filter:\n  type: lagrange\n  r0: 0\n"), 0o644))
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, filter.Lagrange, cfg.Filter.Type)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
