package fem

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/freqtopo/partitions"
	"github.com/notargets/freqtopo/quadforest"
)

// newTestAssembler builds a 2x1 cantilever with one refined corner so that
// hanging nodes are present.
func newTestAssembler(t *testing.T, order, ranks int) *Assembler {
	t.Helper()
	f, err := quadforest.NewForest(2, 1, 2, 1)
	require.NoError(t, err)
	f.CreateTrees(1)
	marks := make([]int, f.NumElements())
	marks[0] = 1
	require.NoError(t, f.Refine(marks, 0, 5))
	f.Balance()
	require.NoError(t, f.Repartition(ranks))

	d := f.Duplicate()
	require.NoError(t, f.SetOrder(order))
	require.NoError(t, f.CreateNodes())
	require.NoError(t, d.CreateNodes())

	bcs := []BoundaryCondition{{Edge: XMin, Components: []int{0, 1}}}
	a, err := NewAssembler(f, d, DefaultMaterial(), bcs)
	require.NoError(t, err)
	return a
}

func TestAssembler_MassAndRigidModes(t *testing.T) {
	ctx := context.Background()
	for _, order := range []int{2, 3} {
		a := newTestAssembler(t, order, 2)

		// Test 1: mass at unit density equals the area
		assert.InDelta(t, 2.0, a.Mass(), 1e-13)

		M, err := a.AssembleMatType(ctx, Mass)
		require.NoError(t, err)
		ones := make([]float64, a.NumDofs())
		for i := 0; i < len(ones); i += 2 {
			ones[i] = 1
		}
		Mu := make([]float64, a.NumDofs())
		M.Mult(ones, Mu)
		total := 0.0
		for i := 0; i < len(Mu); i += 2 {
			total += Mu[i]
		}
		assert.InDelta(t, 2.0, total, 1e-12, "order %d", order)

		// Test 2: translations are in the null space of K
		K, err := a.AssembleMatType(ctx, Stiffness)
		require.NoError(t, err)
		Ku := make([]float64, a.NumDofs())
		K.Mult(ones, Ku)
		for i, v := range Ku {
			if math.Abs(v) > 1e-11 {
				t.Fatalf("order %d: K·1 = %g at dof %d", order, v, i)
			}
		}

		// Test 3: symmetry
		Kd := K.ToDense()
		n, _ := Kd.Dims()
		for i := 0; i < n; i++ {
			for j := 0; j < i; j++ {
				if math.Abs(Kd.At(i, j)-Kd.At(j, i)) > 1e-12 {
					t.Fatalf("K not symmetric at (%d,%d)", i, j)
				}
			}
		}
	}
}

func TestAssembler_RankIndependence(t *testing.T) {
	ctx := context.Background()
	a1 := newTestAssembler(t, 3, 1)
	a3 := newTestAssembler(t, 3, 3)
	require.Equal(t, a1.NumDofs(), a3.NumDofs())

	// Numbering depends on ownership, so compare the quadratic forms
	x1 := make([]float64, a1.NumDofs())
	x3 := make([]float64, a3.NumDofs())
	p1 := a1.Forest().Points()
	p3 := a3.Forest().Points()
	field := func(p [2]float64) (float64, float64) { return math.Sin(p[0]), p[0] * p[1] }
	for i := range p1 {
		x1[2*i], x1[2*i+1] = field(p1[i])
	}
	for i := range p3 {
		x3[2*i], x3[2*i+1] = field(p3[i])
	}
	K1, err := a1.AssembleMatType(ctx, Stiffness)
	require.NoError(t, err)
	K3, err := a3.AssembleMatType(ctx, Stiffness)
	require.NoError(t, err)
	assert.InDelta(t, quad(K1.Mult, x1), quad(K3.Mult, x3), 1e-12)
}

func quad(mult func(x, y []float64), x []float64) float64 {
	y := make([]float64, len(x))
	mult(x, y)
	s := 0.0
	for i := range x {
		s += x[i] * y[i]
	}
	return s
}

func TestAssembler_DesignSensitivity(t *testing.T) {
	ctx := context.Background()
	a := newTestAssembler(t, 3, 2)
	rng := rand.New(rand.NewPCG(1, 2))

	rho := make([]float64, a.NumDesignVars())
	for i := range rho {
		rho[i] = 0.3 + 0.6*rng.Float64()
	}
	require.NoError(t, a.SetDesignVars(rho))
	u := a.CreateVec()
	for i := range u {
		u[i] = rng.Float64() - 0.5
	}

	for _, kind := range []MatrixKind{Stiffness, Mass} {
		sens := a.CreateDesignVec()
		require.NoError(t, a.AddMatDVSensInnerProduct(ctx, 1, kind, u, u, sens))
		sens.EndSetValues(partitions.AddValues)

		h := 1e-6
		for _, i := range []int{0, len(rho) / 2, len(rho) - 1} {
			rp := append([]float64(nil), rho...)
			rm := append([]float64(nil), rho...)
			rp[i] += h
			rm[i] -= h
			Ap, err := a.AssembleMatTypeAt(ctx, kind, rp)
			require.NoError(t, err)
			Am, err := a.AssembleMatTypeAt(ctx, kind, rm)
			require.NoError(t, err)
			fd := (quad(Ap.Mult, u) - quad(Am.Mult, u)) / (2 * h)
			if math.Abs(fd-sens.Array()[i]) > 1e-6*math.Max(1, math.Abs(fd)) {
				t.Errorf("%s: dv %d: adjoint %g, central difference %g", kind, i, sens.Array()[i], fd)
			}
		}
	}

	// Mass sensitivity sums to the element areas times density
	ms := a.CreateDesignVec()
	require.NoError(t, a.AddMassDVSens(ctx, 1, ms))
	ms.EndSetValues(partitions.AddValues)
	total := 0.0
	for _, v := range ms.Array() {
		total += v
	}
	assert.InDelta(t, 2.0, total, 1e-12)
}

func TestAssembler_BCsAndVersion(t *testing.T) {
	a := newTestAssembler(t, 2, 1)

	// Nodes on x = 0 of the refined mesh: 3 at level 1 spacing plus one midpoint
	assert.Len(t, a.BCDofs(), 2*4)

	K, err := a.AssembleMatType(context.Background(), Stiffness)
	require.NoError(t, err)
	a.ApplyMatBCs(K)
	for _, d := range a.BCDofs() {
		assert.Equal(t, 1.0, K.At(d, d))
		assert.Equal(t, 0.0, K.At(d, (d+2)%a.NumDofs()))
	}

	v0 := a.Version()
	rho := make([]float64, a.NumDesignVars())
	a.GetDesignVars(rho)
	require.NoError(t, a.SetDesignVars(rho))
	assert.Equal(t, v0, a.Version(), "unchanged densities keep the version")
	rho[0] = 0.5
	require.NoError(t, a.SetDesignVars(rho))
	assert.Equal(t, v0+1, a.Version())
	assert.ErrorIs(t, a.SetDesignVars(rho[:1]), ErrDimensionMismatch)

	f := a.AssembleLoad([]PointLoad{{X: 2, Y: 0.5, Fy: -1}})
	sum := 0.0
	for i := 1; i < len(f); i += 2 {
		sum += f[i]
	}
	assert.InDelta(t, -1, sum, 1e-14)
}

func TestMaterialRAMP(t *testing.T) {
	m := DefaultMaterial()
	assert.InDelta(t, m.E*(m.K0+1), m.Stiffness(1), 1e-15)
	assert.InDelta(t, m.E*m.K0, m.Stiffness(0), 1e-15)
	h := 1e-6
	for _, r := range []float64{0.1, 0.5, 0.9} {
		fd := (m.Stiffness(r+h) - m.Stiffness(r-h)) / (2 * h)
		assert.InDelta(t, fd, m.StiffnessDeriv(r), 1e-6)
	}
	assert.Error(t, Material{E: 1, Nu: 0.6, Density: 1}.Validate())
}
