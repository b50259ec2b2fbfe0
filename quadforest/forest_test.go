package quadforest

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newForest(t *testing.T, nx, ny, depth int) *Forest {
	t.Helper()
	f, err := NewForest(nx, ny, float64(nx), float64(ny))
	require.NoError(t, err)
	f.CreateTrees(depth)
	return f
}

// refineAt refines the leaf containing the integer point (x, y).
func refineAt(t *testing.T, f *Forest, x, y int) {
	t.Helper()
	q, ok := f.leafAt(x, y)
	require.True(t, ok)
	marks := make([]int, f.NumElements())
	marks[f.ElementIndex(q)] = 1
	require.NoError(t, f.Refine(marks, 0, MaxLevel))
}

func TestMortonKey(t *testing.T) {
	assert.Equal(t, uint64(0), morton(0, 0))
	assert.Equal(t, uint64(1), morton(1, 0))
	assert.Equal(t, uint64(2), morton(0, 1))
	assert.Equal(t, uint64(3), morton(1, 1))
	assert.Equal(t, uint64(0xc), morton(2, 2))

	q := Quadrant{X: 3 << 17, Y: 1 << 17, Level: 3}
	assert.Equal(t, Quadrant{X: 1 << 18, Y: 0, Level: 2}, q.Parent())
	assert.Equal(t, 3, q.ChildID())
	assert.Equal(t, 1, Quadrant{X: 3 << 17, Y: 2 << 17, Level: 3}.ChildID())
	for i, c := range q.Parent().Children() {
		assert.Equal(t, i, c.ChildID())
		assert.Equal(t, q.Parent(), c.Parent())
	}
}

func TestCreateTreesAndUniformNodes(t *testing.T) {
	f := newForest(t, 2, 1, 2)
	assert.Equal(t, 32, f.NumElements())
	for i := 1; i < f.NumElements(); i++ {
		if !less(f.quads[i-1], f.quads[i]) {
			t.Fatalf("quadrants %d and %d are out of Morton order", i-1, i)
		}
	}

	require.NoError(t, f.CreateNodes())
	assert.Equal(t, 9*5, f.NumNodes())
	assert.Equal(t, 0, f.Nodes().NumDependent())

	require.NoError(t, f.SetOrder(3))
	require.NoError(t, f.CreateNodes())
	assert.Equal(t, 17*9, f.NumNodes())

	pts := f.Points()
	for _, p := range pts {
		assert.True(t, p[0] >= 0 && p[0] <= 2 && p[1] >= 0 && p[1] <= 1)
	}
	assert.Error(t, f.SetOrder(4))
}

func TestHangingNodes(t *testing.T) {
	// Test 1: order 2, one refined quadrant produces two midpoint constraints
	f := newForest(t, 1, 1, 1)
	refineAt(t, f, 0, 0)
	assert.Equal(t, 7, f.NumElements())
	require.NoError(t, f.CreateNodes())
	assert.Equal(t, 12, f.NumNodes())
	require.Equal(t, 2, f.Nodes().NumDependent())
	ptr, conn, w := f.DepNodeConn()
	for d := 0; d < 2; d++ {
		require.Equal(t, 2, ptr[d+1]-ptr[d])
		for j := ptr[d]; j < ptr[d+1]; j++ {
			assert.InDelta(t, 0.5, w[j], 1e-15)
			assert.GreaterOrEqual(t, conn[j], 0)
		}
	}

	// Test 2: order 3 yields quarter-point constraints with quadratic weights
	require.NoError(t, f.SetOrder(3))
	require.NoError(t, f.CreateNodes())
	require.Equal(t, 4, f.Nodes().NumDependent())
	ptr, _, w = f.DepNodeConn()
	for d := 0; d < 4; d++ {
		sum := 0.0
		for j := ptr[d]; j < ptr[d+1]; j++ {
			sum += w[j]
		}
		assert.InDelta(t, 1, sum, 1e-14)
	}
	assert.Contains(t, w, 0.375)
	assert.Contains(t, w, -0.125)

	// Test 3: every element reaches only independent nodes after expansion
	for e := 0; e < f.NumElements(); e++ {
		f.ForEachElementNode(e, func(_, node int, _ float64) {
			if node < 0 || node >= f.NumNodes() {
				t.Fatalf("element %d expands to invalid node %d", e, node)
			}
		})
	}
}

func TestBalanceCorners(t *testing.T) {
	f := newForest(t, 1, 1, 1)
	c := treeSize / 2
	refineAt(t, f, c-1, c-1)
	refineAt(t, f, c-1, c-1)
	refineAt(t, f, c-1, c-1)
	_, hi := f.LevelRange()
	assert.Equal(t, 4, hi)
	assert.False(t, f.IsBalanced(), "level 4 leaf touches level 1 leaves across the centre")

	f.Balance()
	assert.True(t, f.IsBalanced())
	q, _ := f.leafAt(c, c)
	assert.GreaterOrEqual(t, q.Level, 3, "corner neighbour must be refined")
	require.NoError(t, f.CreateNodes())
}

func TestRefineCoarsen(t *testing.T) {
	f := newForest(t, 1, 1, 2)
	marks := make([]int, f.NumElements())
	for i := range marks {
		marks[i] = -1
	}

	// Test 1: minLevel blocks coarsening
	require.NoError(t, f.Refine(marks, 2, 5))
	assert.Equal(t, 16, f.NumElements())

	// Test 2: an incomplete family is kept
	marks[0] = 0
	require.NoError(t, f.Refine(marks, 0, 5))
	assert.Equal(t, 4+3, f.NumElements())

	// Test 3: geometric coarsening merges complete families only
	c := f.Coarsen()
	assert.Equal(t, 4, c.NumElements())
	lo, hi := c.LevelRange()
	assert.Equal(t, 1, lo)
	assert.Equal(t, 1, hi)
	assert.Equal(t, 7, f.NumElements(), "Coarsen must not modify the receiver")

	top := newForest(t, 2, 2, 0).Coarsen()
	assert.Equal(t, 4, top.NumElements(), "level-0 trees cannot coarsen")

	assert.Error(t, f.Refine([]int{1}, 0, 5))
}

func TestRepartitionOwnership(t *testing.T) {
	f := newForest(t, 2, 2, 2)
	refineAt(t, f, 0, 0)
	f.Balance()
	require.NoError(t, f.Repartition(3))
	require.NoError(t, f.CreateNodes())

	rng := f.NodeRange()
	require.Len(t, rng, 4)
	assert.Equal(t, 0, rng[0])
	assert.Equal(t, f.NumNodes(), rng[3])

	// Every node is owned by the lowest rank of the elements touching it
	lowest := make([]int, f.NumNodes())
	for i := range lowest {
		lowest[i] = math.MaxInt
	}
	for e := 0; e < f.NumElements(); e++ {
		for _, c := range f.ElementNodes(e) {
			if c >= 0 {
				lowest[c] = min(lowest[c], f.Layout().EToP[e])
			}
		}
	}
	own := f.Ownership()
	for n, r := range lowest {
		if own.Halo.Owner(n) != r {
			t.Errorf("node %d owned by %d, lowest touching rank %d", n, own.Halo.Owner(n), r)
		}
	}
	require.NoError(t, own.Halo.Verify())
	t.Logf("%s", f)
}

func TestIdentityInterpolation(t *testing.T) {
	f := newForest(t, 2, 1, 1)
	refineAt(t, f, 0, 0)
	refineAt(t, f, 0, 0)
	f.Balance()
	require.NoError(t, f.SetOrder(3))
	require.NoError(t, f.CreateNodes())

	g := f.Duplicate()
	require.NoError(t, g.CreateNodes())

	ip, err := CreateInterpolation(f, g)
	require.NoError(t, err)
	require.Equal(t, f.NumNodes(), ip.P.NNZ())
	for i := 0; i < f.NumNodes(); i++ {
		if ip.P.At(i, i) != 1 {
			t.Fatalf("row %d: diagonal %g", i, ip.P.At(i, i))
		}
	}
}

func TestInterpolationReproducesLinearFields(t *testing.T) {
	coarse := newForest(t, 2, 1, 1)
	require.NoError(t, coarse.CreateNodes())

	fine := coarse.Duplicate()
	refineAt(t, fine, 0, 0)
	refineAt(t, fine, treeSize+1, treeSize/2+1)
	fine.Balance()
	require.NoError(t, fine.SetOrder(3))
	require.NoError(t, fine.CreateNodes())

	field := func(x, y float64) float64 { return 2*x - 3*y + 0.5 }
	xc := make([]float64, 2*coarse.NumNodes())
	for i, p := range coarse.Points() {
		xc[2*i] = field(p[0], p[1])
		xc[2*i+1] = 1
	}
	xf := make([]float64, 2*fine.NumNodes())
	require.NoError(t, InterpolateDesign(coarse, xc, fine, xf, 2))
	for i, p := range fine.Points() {
		assert.InDelta(t, field(p[0], p[1]), xf[2*i], 1e-12)
		assert.InDelta(t, 1, xf[2*i+1], 1e-12)
	}
}

func TestInterpolateDesign_VarsPerNodeMismatch(t *testing.T) {
	a := newForest(t, 1, 1, 1)
	require.NoError(t, a.CreateNodes())
	b := a.Duplicate()
	require.NoError(t, b.CreateNodes())

	err := InterpolateDesign(a, make([]float64, a.NumNodes()), b, make([]float64, 2*b.NumNodes()), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVarsPerNodeMismatch))
	assert.Contains(t, err.Error(), "Number of variables per node must be consistent")
}

func TestFindEnclosing(t *testing.T) {
	f := newForest(t, 2, 1, 1)
	e, xi, eta := f.FindEnclosing(1.75, 0.25)
	x0, y0, x1, y1 := f.ElementBounds(e)
	assert.True(t, x0 <= 1.75 && 1.75 <= x1 && y0 <= 0.25 && 0.25 <= y1)
	assert.InDelta(t, 0, xi, 1e-12)
	assert.InDelta(t, 0, eta, 1e-12)

	// Points outside are clamped
	e, xi, eta = f.FindEnclosing(3, -1)
	assert.Equal(t, 1.0, xi)
	assert.Equal(t, -1.0, eta)
	assert.GreaterOrEqual(t, e, 0)
}

func TestComputeInterpWeights(t *testing.T) {
	w := make([]float64, 3)
	for _, tt := range []float64{-1, -0.3, 0, 0.7, 1} {
		ComputeInterpWeights(3, tt, w)
		assert.InDelta(t, 1, w[0]+w[1]+w[2], 1e-15)
		assert.InDelta(t, tt, -w[0]+w[2], 1e-15)
	}
	ComputeInterpWeights(2, 0, w[:2])
	assert.Equal(t, []float64{0.5, 0.5}, w[:2])
}
