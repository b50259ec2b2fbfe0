package linalg

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func laplacian1D(n int) *CSR {
	b := NewBuilder(n, n)
	for i := 0; i < n; i++ {
		b.Add(i, i, 2)
		if i > 0 {
			b.Add(i, i-1, -1)
		}
		if i < n-1 {
			b.Add(i, i+1, -1)
		}
	}
	return b.Build()
}

func TestBuilderAccumulates(t *testing.T) {
	b := NewBuilder(2, 2)
	b.Add(0, 0, 1)
	b.Add(0, 0, 2)
	b.Add(1, 0, -1)
	m := b.Build()
	assert.Equal(t, 3.0, m.At(0, 0))
	assert.Equal(t, -1.0, m.At(1, 0))
	assert.Equal(t, 0.0, m.At(0, 1))
	assert.Equal(t, 2, m.NNZ())
}

// randomSparse returns a rows x cols matrix with about density·rows·cols
// entries, each added in two parts.
func randomSparse(rng *rand.Rand, rows, cols int, density float64) *CSR {
	b := NewBuilder(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if rng.Float64() < density {
				v := rng.Float64() - 0.5
				b.Add(i, j, v)
				b.Add(i, j, 0.25*v)
			}
		}
	}
	return b.Build()
}

func assertDenseEqual(t *testing.T, want mat.Matrix, got *CSR, tol float64) {
	t.Helper()
	r, c := want.Dims()
	require.Equal(t, r, got.Rows)
	require.Equal(t, c, got.Cols)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			assert.InDelta(t, want.At(i, j), got.At(i, j), tol, "(%d, %d)", i, j)
		}
	}
}

func TestBuilderSortsAndSumsRepeatedEntries(t *testing.T) {
	b := NewBuilder(3, 4)
	// repeated entries in the leading position of each row
	for _, i := range []int{0, 1, 2} {
		b.Add(i, 3, 1)
		b.Add(i, 0, 2)
		b.Add(i, 3, 1)
		b.Add(i, 0, 2)
	}
	b.Add(1, 2, 5)
	b.Add(1, 2, -5)
	m := b.Build()
	assert.Equal(t, []int{0, 2, 5, 7}, m.RowPtr)
	assert.Equal(t, []int{0, 3, 0, 2, 3, 0, 3}, m.ColInd)
	assert.Equal(t, 4.0, m.At(2, 0))
	assert.Equal(t, 2.0, m.At(2, 3))
	// cancelled entries stay in the pattern
	assert.Equal(t, 0.0, m.At(1, 2))
	assert.Equal(t, 7, m.NNZ())

	empty := NewBuilder(2, 2).Build()
	assert.Zero(t, empty.NNZ())
	assert.Equal(t, []int{0, 0, 0}, empty.RowPtr)
}

func TestSparseAlgebraMatchesDense(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	a := randomSparse(rng, 7, 5, 0.4)
	b := randomSparse(rng, 5, 6, 0.4)
	p := randomSparse(rng, 7, 3, 0.5)
	sq := randomSparse(rng, 7, 7, 0.3)

	// Test 1: products and transposes
	ab, err := Mul(a, b)
	require.NoError(t, err)
	var want mat.Dense
	want.Mul(a.ToDense(), b.ToDense())
	assertDenseEqual(t, &want, ab, 1e-14)
	for i := 0; i < ab.Rows; i++ {
		cols := ab.ColInd[ab.RowPtr[i]:ab.RowPtr[i+1]]
		assert.IsIncreasing(t, cols)
	}
	assertDenseEqual(t, a.ToDense().T(), a.Transpose(), 0)
	_, err = Mul(a, a)
	assert.Error(t, err)

	// Test 2: the Galerkin operator is Pᵀ A P
	c, err := Galerkin(p, sq)
	require.NoError(t, err)
	var ap mat.Dense
	ap.Mul(sq.ToDense(), p.ToDense())
	want.Reset()
	want.Mul(p.ToDense().T(), &ap)
	assertDenseEqual(t, &want, c, 1e-14)

	// Test 3: vector products accept longer inputs
	x := make([]float64, 9)
	for i := range x {
		x[i] = rng.Float64()
	}
	y := []float64{1, 1, 1, 1, 1, 1, 1}
	a.Mult(x, y)
	var yd mat.VecDense
	yd.MulVec(a.ToDense(), mat.NewVecDense(5, x[:5]))
	assert.InDeltaSlice(t, yd.RawVector().Data, y, 1e-14)

	y2 := []float64{1, 1, 1, 1, 1, 1, 1}
	a.MultAdd(-2, x, y2)
	for i := range y2 {
		assert.InDelta(t, 1-2*y[i], y2[i], 1e-15)
	}

	z := []float64{3, 3, 3, 3, 3}
	a.MultTranspose(x, z)
	var zd mat.VecDense
	zd.MulVec(a.ToDense().T(), mat.NewVecDense(7, x[:7]))
	assert.InDeltaSlice(t, zd.RawVector().Data, z, 1e-14)

	// the operands are not modified
	assertDenseEqual(t, a.Transpose().Transpose().ToDense(), a, 0)
}

func TestMultAndTranspose(t *testing.T) {
	b := NewBuilder(2, 3)
	b.Add(0, 0, 1)
	b.Add(0, 2, 2)
	b.Add(1, 1, 3)
	m := b.Build()

	y := make([]float64, 2)
	m.Mult([]float64{1, 1, 1}, y)
	assert.Equal(t, []float64{3, 3}, y)

	z := make([]float64, 3)
	m.MultTranspose([]float64{1, 2}, z)
	assert.Equal(t, []float64{1, 6, 2}, z)

	mt := m.Transpose()
	assert.Equal(t, 2.0, mt.At(2, 0))
	assert.Equal(t, 3.0, mt.At(1, 1))
}

func TestZeroRowsColsInsertsDiagonal(t *testing.T) {
	b := NewBuilder(3, 3)
	b.Add(0, 1, 4)
	b.Add(1, 0, 4)
	b.Add(1, 1, 5)
	b.Add(2, 2, 6)
	m := b.Build()
	m.ZeroRowsCols([]int{0}, 1)
	assert.Equal(t, 1.0, m.At(0, 0))
	assert.Equal(t, 0.0, m.At(0, 1))
	assert.Equal(t, 0.0, m.At(1, 0))
	assert.Equal(t, 5.0, m.At(1, 1))
}

func TestAddUnionPattern(t *testing.T) {
	a := NewIdentity(3)
	l := laplacian1D(3)
	c, err := Add(2, a, -1, l)
	require.NoError(t, err)
	assert.Equal(t, 0.0, c.At(0, 0))
	assert.Equal(t, 1.0, c.At(0, 1))

	_, err = Add(1, a, 1, NewIdentity(4))
	assert.Error(t, err)
}

func TestGalerkinOfIdentityProlongation(t *testing.T) {
	l := laplacian1D(4)
	c, err := Galerkin(NewIdentity(4), l)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, l.At(i, j), c.At(i, j), 1e-15)
		}
	}
}

func TestExpandBlock(t *testing.T) {
	l := laplacian1D(2)
	e := ExpandBlock(l, 2)
	r, c := e.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)
	assert.Equal(t, 2.0, e.At(1, 1))
	assert.Equal(t, -1.0, e.At(1, 3))
	assert.Equal(t, 0.0, e.At(0, 1))
}

func TestCGAndFGMRESSolveLaplacian(t *testing.T) {
	n := 20
	l := laplacian1D(n)
	b := make([]float64, n)
	for i := range b {
		b[i] = 1
	}
	jacobi := PreconditionerFunc(func(r, z []float64) {
		for i := range r {
			z[i] = r[i] / 2
		}
	})

	x := make([]float64, n)
	st := CG(l, jacobi, b, x, 100, 1e-12, 0)
	require.True(t, st.Converged)

	y := make([]float64, n)
	st = FGMRES(l, jacobi, b, y, n, 1e-12, 0)
	require.True(t, st.Converged)
	for i := range x {
		assert.InDelta(t, x[i], y[i], 1e-8)
	}
	r := make([]float64, n)
	l.Mult(x, r)
	for i := range r {
		if math.Abs(r[i]-1) > 1e-8 {
			t.Fatalf("residual at %d: %g", i, r[i]-1)
		}
	}
}

func TestDenseLU(t *testing.T) {
	l := laplacian1D(5)
	lu, err := NewDenseLU(l)
	require.NoError(t, err)
	b := []float64{1, 0, 0, 0, 1}
	x := make([]float64, 5)
	require.NoError(t, lu.Solve(b, x))
	for i := range x {
		assert.InDelta(t, 1.0, x[i], 1e-12)
	}
}
