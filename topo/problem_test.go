package topo

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/notargets/freqtopo/fem"
	"github.com/notargets/freqtopo/filter"
	"github.com/notargets/freqtopo/multigrid"
	"github.com/notargets/freqtopo/quadforest"
)

func newProblem(t *testing.T, opts filter.Options) *Problem {
	t.Helper()
	f, err := quadforest.NewForest(2, 1, 2, 1)
	require.NoError(t, err)
	f.CreateTrees(2)
	require.NoError(t, f.Repartition(2))
	d := f.Duplicate()
	require.NoError(t, f.CreateNodes())
	require.NoError(t, d.CreateNodes())

	bcs := []fem.BoundaryCondition{{Edge: fem.XMin, Components: []int{0, 1}}}
	asm, err := fem.NewAssembler(f, d, fem.DefaultMaterial(), bcs)
	require.NoError(t, err)
	fltr, err := filter.New(d, opts, nil)
	require.NoError(t, err)
	p, err := New(asm, fltr, nil, nil)
	require.NoError(t, err)
	return p
}

func randomDesign(p *Problem, seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	x := p.CreateDesignVec()
	for i := range x {
		x[i] = 0.2 + 0.6*rng.Float64()
	}
	return x
}

func TestProblem_GradientThroughFilter(t *testing.T) {
	ctx := context.Background()
	for _, opts := range []filter.Options{
		{Type: filter.Lagrange},
		{Type: filter.Matrix, R0: 0.3, N: 2},
		{Type: filter.Conic, R0: 0.3},
		{Type: filter.Helmholtz, R0: 0.1},
	} {
		t.Run(string(opts.Type), func(t *testing.T) {
			p := newProblem(t, opts)
			n := p.NumDesignVars()
			weights := randomDesign(p, 3)

			// linear objective cᵀρ and quadratic constraint 1 - Σ ρ²
			p.SetObjective(
				func(context.Context, filter.Filter, *multigrid.MG) (float64, error) {
					return floats.Dot(weights, p.FilteredDesign()), nil
				},
				func(_ context.Context, _ filter.Filter, _ *multigrid.MG, out []float64) error {
					copy(out, weights)
					return nil
				})
			p.AddConstraint(
				func(context.Context, filter.Filter, *multigrid.MG) (float64, error) {
					return 1 - floats.Dot(p.FilteredDesign(), p.FilteredDesign()), nil
				},
				func(_ context.Context, _ filter.Filter, _ *multigrid.MG, out []float64) error {
					for i, r := range p.FilteredDesign() {
						out[i] = -2 * r
					}
					return nil
				})

			x := randomDesign(p, 11)
			_, _, err := p.EvalObjCon(ctx, x)
			require.NoError(t, err)
			g := make([]float64, n)
			a := [][]float64{make([]float64, n)}
			require.NoError(t, p.EvalObjConGradient(ctx, x, g, a))

			// Test 1: the objective gradient is Fᵀc
			want := make([]float64, n)
			p.Filter().ApplyTranspose(weights, want)
			assert.InDeltaSlice(t, want, g, 1e-12)

			// Test 2: central differences are exact for the linear and quadratic
			// functions up to the filter solve tolerance
			dir := randomDesign(p, 19)
			step := 1e-3
			xp, xm := make([]float64, n), make([]float64, n)
			floats.AddScaledTo(xp, x, step, dir)
			floats.AddScaledTo(xm, x, -step, dir)
			fp, cp, err := p.EvalObjCon(ctx, xp)
			require.NoError(t, err)
			fm, cm, err := p.EvalObjCon(ctx, xm)
			require.NoError(t, err)
			assert.InEpsilon(t, (fp-fm)/(2*step), floats.Dot(g, dir), 1e-6)
			assert.InEpsilon(t, (cp[0]-cm[0])/(2*step), floats.Dot(a[0], dir), 1e-6)
		})
	}
}

func TestProblem_Errors(t *testing.T) {
	ctx := context.Background()
	p := newProblem(t, filter.Options{Type: filter.Lagrange})
	n := p.NumDesignVars()
	x := randomDesign(p, 5)

	_, _, err := p.EvalObjCon(ctx, x)
	assert.Error(t, err)
	assert.Error(t, p.EvalObjConGradient(ctx, x, make([]float64, n), nil))

	boom := errors.New("boom")
	p.SetObjective(
		func(context.Context, filter.Filter, *multigrid.MG) (float64, error) { return 1, nil },
		func(context.Context, filter.Filter, *multigrid.MG, []float64) error { return nil })
	p.AddConstraint(
		func(context.Context, filter.Filter, *multigrid.MG) (float64, error) { return 0, boom },
		func(context.Context, filter.Filter, *multigrid.MG, []float64) error { return boom })

	_, _, err = p.EvalObjCon(ctx, x)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, p.EvalObjConGradient(ctx, x, make([]float64, n), [][]float64{make([]float64, n)}), boom)
	assert.ErrorIs(t, p.EvalObjConGradient(ctx, x, make([]float64, n), nil), fem.ErrDimensionMismatch)
	_, _, err = p.EvalObjCon(ctx, x[:1])
	assert.ErrorIs(t, err, fem.ErrDimensionMismatch)

	// without a hook the correction leaves y alone
	y := []float64{1, 2}
	require.NoError(t, p.ComputeQNCorrection(ctx, nil, []float64{1}, []float64{1, 1}, y))
	assert.Equal(t, []float64{1, 2}, y)
	p.SetQNCorrection(func(_ context.Context, _ []int, z []float64, s, y []float64) error {
		floats.AddScaled(y, z[0], s)
		return nil
	})
	require.NoError(t, p.ComputeQNCorrection(ctx, nil, []float64{2}, []float64{1, 1}, y))
	assert.Equal(t, []float64{3, 4}, y)
}
