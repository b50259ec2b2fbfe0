package multigrid

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/notargets/freqtopo/fem"
	"github.com/notargets/freqtopo/linalg"
	"github.com/notargets/freqtopo/quadforest"
)

// cantileverHierarchy returns a clamped stiffness matrix on a 3-node-per-edge
// forest and the prolongations of a three-level hierarchy below it.
func cantileverHierarchy(t *testing.T) (*linalg.CSR, []*linalg.CSR) {
	t.Helper()
	fine, err := quadforest.NewForest(2, 1, 2, 1)
	require.NoError(t, err)
	fine.CreateTrees(3)
	require.NoError(t, fine.Repartition(2))

	mid := fine.Duplicate()
	require.NoError(t, fine.SetOrder(3))
	require.NoError(t, fine.CreateNodes())
	require.NoError(t, mid.CreateNodes())

	coarse := mid.Coarsen()
	require.NoError(t, coarse.Repartition(1))
	require.NoError(t, coarse.CreateNodes())

	asm, err := fem.NewAssembler(fine, mid, fem.DefaultMaterial(),
		[]fem.BoundaryCondition{{Edge: fem.XMin, Components: []int{0, 1}}})
	require.NoError(t, err)
	K, err := asm.AssembleMatType(context.Background(), fem.Stiffness)
	require.NoError(t, err)
	asm.ApplyMatBCs(K)

	var interps []*linalg.CSR
	for _, pair := range [][2]*quadforest.Forest{{mid, fine}, {coarse, mid}} {
		ip, err := quadforest.CreateInterpolation(pair[0], pair[1])
		require.NoError(t, err)
		interps = append(interps, linalg.ExpandBlock(ip.P, fem.VarsPerNode))
	}
	return K, interps
}

func TestVCyclePreconditionsCG(t *testing.T) {
	K, interps := cantileverHierarchy(t)
	n := K.Rows

	mg, err := New(interps)
	require.NoError(t, err)
	assert.Equal(t, 3, mg.NumLevels())

	// Test 1: applying before Factor is an error
	require.NoError(t, mg.SetMat(K))
	assert.ErrorIs(t, mg.ApplyErr(make([]float64, n), make([]float64, n)), ErrNotFactored)

	require.NoError(t, mg.Factor())
	assert.Equal(t, interps[1].Cols, mg.Level(2).A.Rows)

	b := make([]float64, n)
	for i := 1; i < n; i += 2 {
		b[i] = -1
	}
	for i := 0; i < n; i++ {
		if K.At(i, i) == 1 {
			b[i] = 0
		}
	}

	x0 := make([]float64, n)
	plain := linalg.CG(K, nil, b, x0, 5*n, 1e-8, 0)
	x1 := make([]float64, n)
	pre := linalg.CG(K, mg, b, x1, 5*n, 1e-8, 0)
	require.True(t, pre.Converged, "preconditioned CG did not converge: %+v", pre)
	t.Logf("CG iterations: plain %d, multigrid %d", plain.Iterations, pre.Iterations)
	if pre.Iterations*4 > plain.Iterations {
		t.Errorf("multigrid CG took %d iterations against %d unpreconditioned", pre.Iterations, plain.Iterations)
	}

	// Test 2: the V-cycle is a symmetric operator
	r1 := make([]float64, n)
	r2 := make([]float64, n)
	for i := range r1 {
		r1[i] = math.Sin(float64(i))
		r2[i] = math.Cos(float64(3 * i))
	}
	z1 := make([]float64, n)
	z2 := make([]float64, n)
	mg.Apply(r1, z1)
	mg.Apply(r2, z2)
	assert.InDelta(t, floats.Dot(z1, r2), floats.Dot(z2, r1), 1e-9*floats.Norm(z1, 2)*floats.Norm(r2, 2))
}

func TestJacobiSmootherAndShiftedOperator(t *testing.T) {
	K, interps := cantileverHierarchy(t)
	n := K.Rows

	mg, err := New(interps, WithSmoother(DampedJacobi, 2), WithJacobiWeight(0.6))
	require.NoError(t, err)
	require.NoError(t, mg.SetMat(K.Clone()))
	require.NoError(t, mg.Factor())

	// Adding to the diagonal in place is picked up by the next Factor
	mg.Mat().AddDiag(0.5)
	require.NoError(t, mg.Factor())
	assert.InDelta(t, K.At(5, 5)+0.5, mg.Mat().At(5, 5), 1e-14)

	shifted := mg.Mat()
	b := make([]float64, n)
	for i := range b {
		b[i] = 1
	}
	x := make([]float64, n)
	st := linalg.CG(shifted, mg, b, x, n, 1e-10, 0)
	require.True(t, st.Converged)
	r := make([]float64, n)
	shifted.Mult(x, r)
	floats.Sub(r, b)
	assert.Less(t, floats.Norm(r, 2), 1e-8*floats.Norm(b, 2))
}

func TestNewRejectsInconsistentInterpolations(t *testing.T) {
	a := linalg.NewIdentity(4)
	b := linalg.NewIdentity(3)
	_, err := New([]*linalg.CSR{a, b})
	require.Error(t, err)
	assert.Equal(t, "sgs", SymmetricGaussSeidel.String())
}
