package eigen

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/notargets/freqtopo/linalg"
)

func laplacian1D(n int) *linalg.CSR {
	b := linalg.NewBuilder(n, n)
	for i := 0; i < n; i++ {
		b.Add(i, i, 2)
		if i > 0 {
			b.Add(i, i-1, -1)
		}
		if i+1 < n {
			b.Add(i, i+1, -1)
		}
	}
	return b.Build()
}

func laplacianEig(n, k int) float64 {
	return 2 - 2*math.Cos(float64(k)*math.Pi/float64(n+1))
}

type jacobiPC []float64

func (d jacobiPC) Apply(r, z []float64) {
	for i := range r {
		z[i] = r[i] / d[i]
	}
}

func TestStandardSmallestEigenvalues(t *testing.T) {
	n := 60
	A := laplacian1D(n)
	jd, err := New(A, jacobiPC(A.Diagonal()), n, 4, 60, 20,
		WithTolerances(Tolerances{EigRtol: 1e-10, EigAtol: 1e-9, Rtol: 1e-3, Atol: 1e-14}))
	require.NoError(t, err)

	res, err := jd.Solve(context.Background())
	require.NoError(t, err)
	require.Equal(t, Converged, res.Status, "result %+v", res)
	require.NoError(t, res.Err())
	require.Equal(t, 4, jd.NumConverged())

	x := make([]float64, n)
	ax := make([]float64, n)
	for k := 0; k < 4; k++ {
		lam, rn, err := jd.ExtractEigenvector(k, x)
		require.NoError(t, err)
		assert.InDelta(t, laplacianEig(n, k+1), lam, 1e-8, "eigenvalue %d", k)
		A.Mult(x, ax)
		floats.AddScaled(ax, -lam, x)
		assert.LessOrEqual(t, floats.Norm(ax, 2), 1e-8)
		assert.LessOrEqual(t, rn, 1e-8)
		assert.InDelta(t, 1, floats.Norm(x, 2), 1e-10)
	}
	_, _, err = jd.ExtractEigenvector(4, x)
	assert.Error(t, err)
}

func TestRecycleReducesIterations(t *testing.T) {
	n := 80
	A := laplacian1D(n)
	tol := Tolerances{EigRtol: 1e-9, EigAtol: 1e-9, Rtol: 1e-2, Atol: 1e-14}
	jd, err := New(A, jacobiPC(A.Diagonal()), n, 3, 80, 10, WithTolerances(tol))
	require.NoError(t, err)
	first, err := jd.Solve(context.Background())
	require.NoError(t, err)
	require.Equal(t, Converged, first.Status)

	// Perturb the operator slightly and recycle the previous eigenvectors
	A.AddDiag(1e-4)
	jd.SetRecycle(3)
	second, err := jd.Solve(context.Background())
	require.NoError(t, err)
	require.Equal(t, Converged, second.Status)
	t.Logf("iterations: cold %d, recycled %d", first.Iterations, second.Iterations)
	assert.Less(t, second.Iterations, first.Iterations)

	lam, _, err := jd.ExtractEigenvector(0, nil)
	require.NoError(t, err)
	assert.InDelta(t, laplacianEig(n, 1)+1e-4, lam, 1e-8)
}

func TestGeneralizedMode(t *testing.T) {
	n := 40
	A := laplacian1D(n)
	// B = 2 I halves every eigenvalue
	B := linalg.NewIdentity(n)
	B.Scale(2)
	jd, err := New(A, jacobiPC(A.Diagonal()), n, 2, 40, 20, WithMassOperator(B),
		WithTolerances(Tolerances{EigRtol: 1e-10, EigAtol: 1e-10, Rtol: 1e-3, Atol: 1e-14}))
	require.NoError(t, err)
	res, err := jd.Solve(context.Background())
	require.NoError(t, err)
	require.Equal(t, Converged, res.Status)

	x := make([]float64, n)
	for k := 0; k < 2; k++ {
		lam, _, err := jd.ExtractEigenvector(k, x)
		require.NoError(t, err)
		assert.InDelta(t, laplacianEig(n, k+1)/2, lam, 1e-8)
		// B-normalized
		assert.InDelta(t, 0.5, floats.Dot(x, x), 1e-9)
	}
}

func TestFixedDofsAndPartialResult(t *testing.T) {
	n := 30
	A := laplacian1D(n)
	// Constrain the first dof with a unit row: 1 is not in the spectrum we want
	A.ZeroRowsCols([]int{0}, 1)

	jd, err := New(A, nil, n, 2, 30, 10, WithFixedDofs([]int{0}),
		WithTolerances(Tolerances{EigRtol: 1e-10, EigAtol: 1e-10, Rtol: 1e-3, Atol: 1e-14}))
	require.NoError(t, err)
	res, err := jd.Solve(context.Background())
	require.NoError(t, err)
	require.Equal(t, Converged, res.Status)
	x := make([]float64, n)
	lam, _, err := jd.ExtractEigenvector(0, x)
	require.NoError(t, err)
	assert.InDelta(t, laplacianEig(n-1, 1), lam, 1e-8)
	assert.Equal(t, 0.0, x[0])

	// Test 2: an iteration budget too small to converge reports the count
	jd, err = New(A, nil, n, 5, 30, 1, WithFixedDofs([]int{0}), WithMaxIterations(3),
		WithTolerances(Tolerances{EigRtol: 1e-12, EigAtol: 1e-12, Rtol: 1e-3, Atol: 1e-14}))
	require.NoError(t, err)
	res, err = jd.Solve(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, Converged, res.Status)
	assert.Less(t, res.NumConverged, 5)
	assert.ErrorIs(t, res.Err(), ErrNotConverged)
	theta, ok := jd.ExtractUnconverged(x)
	require.True(t, ok)
	assert.Equal(t, 0.0, x[0])
	assert.LessOrEqual(t, res.Smallest, theta)
	assert.Greater(t, res.Smallest, 0.0)
}

func TestSolveHonoursCancellation(t *testing.T) {
	A := laplacian1D(10)
	jd, err := New(A, nil, 10, 1, 10, 5)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = jd.Solve(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = New(A, nil, 10, 11, 20, 5)
	assert.Error(t, err)
	_, err = New(A, nil, 10, 3, 3, 5)
	assert.Error(t, err)
}

func TestRitzRejectsNonFiniteProjection(t *testing.T) {
	s := basis{
		v:  [][]float64{{1, 0}, {0, 1}},
		av: [][]float64{{2, 1}, {1, 2}},
	}
	theta, c, err := ritz(&s)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 3}, theta, 1e-14)
	r, k := c.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, k)

	s.av[1][1] = math.NaN()
	_, _, err = ritz(&s)
	assert.ErrorContains(t, err, "is NaN")
	s.av[1][1] = math.Inf(1)
	_, _, err = ritz(&s)
	assert.Error(t, err)
}
