package reduced

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadratic is f(x) = Σ xi², c(x) = 1 - Σ xi with a correction that adds
// z0·s to y outside zeroIdx.
type quadratic struct {
	n        int
	lastX    []float64
	lastZero []int
	fail     error
}

func (q *quadratic) NumDesignVars() int  { return q.n }
func (q *quadratic) NumConstraints() int { return 1 }

func (q *quadratic) EvalObjCon(_ context.Context, x []float64) (float64, []float64, error) {
	if q.fail != nil {
		return 0, nil, q.fail
	}
	q.lastX = append([]float64(nil), x...)
	obj, sum := 0.0, 0.0
	for _, v := range x {
		obj += v * v
		sum += v
	}
	return obj, []float64{1 - sum}, nil
}

func (q *quadratic) EvalObjConGradient(_ context.Context, x, g []float64, a [][]float64) error {
	for i, v := range x {
		g[i] = 2 * v
		a[0][i] = -1
	}
	return nil
}

func (q *quadratic) ComputeQNCorrection(_ context.Context, zeroIdx []int, z []float64, s, y []float64) error {
	q.lastZero = zeroIdx
	held := make(map[int]bool)
	for _, i := range zeroIdx {
		held[i] = true
	}
	for i := range y {
		if !held[i] {
			y[i] += z[0] * s[i]
		}
	}
	return nil
}

func TestNew_Partition(t *testing.T) {
	q := &quadratic{n: 8}
	p, err := New(q, []int{6, 1, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 6}, p.FixedIndices())
	assert.Equal(t, []int{0, 2, 4, 5, 7}, p.FreeIndices())
	assert.Equal(t, 5, p.NumVars())
	assert.True(t, p.IsFixed(3))
	assert.False(t, p.IsFixed(4))

	_, err = New(q, []int{8})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = New(q, []int{-1})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = New(q, nil, WithBounds(1, 1))
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	q := &quadratic{n: 50}
	rng := rand.New(rand.NewPCG(1, 2))
	var fixed []int
	for i := 0; i < q.n; i++ {
		if rng.IntN(3) == 0 {
			fixed = append(fixed, i)
		}
	}
	p, err := New(q, fixed)
	require.NoError(t, err)

	for _, val := range []float64{0, 1, -3.5} {
		r := make([]float64, p.NumVars())
		for i := range r {
			r[i] = rng.NormFloat64()
		}
		full := make([]float64, q.n)
		p.ReduToFull(r, full, val)
		for _, i := range fixed {
			assert.Equal(t, val, full[i])
		}
		back := make([]float64, p.NumVars())
		p.FullToRedu(full, back)
		assert.Equal(t, r, back)
	}
}

func TestVarsAndBounds(t *testing.T) {
	q := &quadratic{n: 4}
	p, err := New(q, []int{0})
	require.NoError(t, err)
	x, lb, ub := make([]float64, 3), make([]float64, 3), make([]float64, 3)

	p.VarsAndBounds(x, lb, ub)
	assert.Equal(t, []float64{0.95, 0.95, 0.95}, x)
	assert.Equal(t, []float64{1e-3, 1e-3, 1e-3}, lb)
	assert.Equal(t, []float64{1, 1, 1}, ub)

	// an interpolated start is clipped to the bounds
	require.NoError(t, p.SetInitDesignVars([]float64{1, 0.5, 2, -1}))
	p.VarsAndBounds(x, lb, ub)
	assert.Equal(t, []float64{0.5, 1, 1e-3}, x)
	assert.Error(t, p.SetInitDesignVars([]float64{1}))
}

func TestEvalForwarding(t *testing.T) {
	ctx := context.Background()
	q := &quadratic{n: 5}
	p, err := New(q, []int{1, 4}, WithFixedValue(1), WithSnapshotEvery(2))
	require.NoError(t, err)

	x := []float64{0.5, 0.25, 0}
	obj, cons, err := p.EvalObjCon(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1, 0.25, 0, 1}, q.lastX)
	assert.InDelta(t, 0.25+1+0.0625+1, obj, 1e-15)
	assert.InDelta(t, 1-2.75, cons[0], 1e-15)

	g := make([]float64, 3)
	a := [][]float64{make([]float64, 3)}
	require.NoError(t, p.EvalObjConGradient(ctx, x, g, a))
	assert.Equal(t, []float64{1, 0.5, 0}, g)
	assert.Equal(t, []float64{-1, -1, -1}, a[0])
	assert.Error(t, p.EvalObjConGradient(ctx, x, g, nil))

	// Test: the first evaluation is snapshotted, then every second one
	snap, ok := p.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 0, snap.Iter)
	assert.InDelta(t, 1.75, snap.Infeas, 1e-15)
	assert.InDelta(t, (0.25+0.1875)/3, snap.Discreteness, 1e-15)
	for i := 0; i < 3; i++ {
		_, _, err = p.EvalObjCon(ctx, x)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, p.NumObjEvals())
	snap, _ = p.Snapshot()
	assert.Equal(t, 2, snap.Iter)
	require.Len(t, p.Snapshots(), 2)
	assert.Equal(t, 0, p.Snapshots()[0].Iter)

	// failed evaluations are not counted
	q.fail = errors.New("boom")
	_, _, err = p.EvalObjCon(ctx, x)
	assert.Error(t, err)
	assert.Equal(t, 4, p.NumObjEvals())

	_, _, err = p.EvalObjCon(ctx, x[:2])
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestComputeQNCorrection(t *testing.T) {
	ctx := context.Background()
	q := &quadratic{n: 5}
	p, err := New(q, []int{0, 3})
	require.NoError(t, err)

	s := []float64{1, 2, 3}
	y := []float64{10, 10, 10}
	require.NoError(t, p.ComputeQNCorrection(ctx, nil, []float64{2}, s, y))
	assert.Equal(t, []int{0, 3}, q.lastZero)
	assert.Equal(t, []float64{12, 14, 16}, y)

	// a short update vector is rejected before it is expanded
	err = p.ComputeQNCorrection(ctx, nil, []float64{2}, s, y[:1])
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	err = p.ComputeQNCorrection(ctx, nil, []float64{2}, s[:2], y)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	// without snapshots nothing is recorded
	p2, err := New(q, nil, WithSnapshotEvery(0))
	require.NoError(t, err)
	_, _, err = p2.EvalObjCon(ctx, make([]float64, 5))
	require.NoError(t, err)
	_, ok := p2.Snapshot()
	assert.False(t, ok)
	assert.Empty(t, p2.Snapshots())
}

func TestSnapshotHistory(t *testing.T) {
	ctx := context.Background()
	q := &quadratic{n: 3}
	p, err := New(q, nil, WithSnapshotEvery(1))
	require.NoError(t, err)

	xs := [][]float64{{0.5, 0.5, 0.5}, {1, 0, 0}, {0.2, 0.2, 0.2}}
	for _, x := range xs {
		_, _, err := p.EvalObjCon(ctx, x)
		require.NoError(t, err)
	}
	hist := p.Snapshots()
	require.Len(t, hist, len(xs))
	for k, snap := range hist {
		assert.Equal(t, k, snap.Iter)
	}
	assert.InDelta(t, 0.75, hist[0].Obj, 1e-15)
	assert.InDelta(t, 0.5, hist[0].Infeas, 1e-15)
	assert.InDelta(t, 0.0, hist[1].Discreteness, 1e-15)
	assert.InDelta(t, 0.12, hist[2].Obj, 1e-15)
	assert.Zero(t, hist[2].Infeas)

	// the history is a copy
	hist[0].Obj = -1
	assert.InDelta(t, 0.75, p.Snapshots()[0].Obj, 1e-15)

	// the default records every evaluation
	d, err := New(q, nil)
	require.NoError(t, err)
	_, _, err = d.EvalObjCon(ctx, xs[0])
	require.NoError(t, err)
	_, _, err = d.EvalObjCon(ctx, xs[1])
	require.NoError(t, err)
	assert.Len(t, d.Snapshots(), 2)
}

func TestMetrics(t *testing.T) {
	assert.Equal(t, 0.0, Discreteness(nil))
	assert.Equal(t, 0.0, Discreteness([]float64{0, 1, 1}))
	assert.Equal(t, 0.25, Discreteness([]float64{0.5}))
	assert.Equal(t, 0.0, Infeasibility([]float64{0.1, 2}))
	assert.Equal(t, 0.5, Infeasibility([]float64{-0.2, -0.3, 1}))
}
