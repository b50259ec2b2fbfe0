package refine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/freqtopo/quadforest"
)

// stepDesign returns a 2x1 design forest of eight elements with ρ = 1 for
// x ≤ 1 and ρ = 0.02 beyond.
func stepDesign(t *testing.T) (*quadforest.Forest, []float64) {
	t.Helper()
	f, err := quadforest.NewForest(2, 1, 2, 1)
	require.NoError(t, err)
	f.CreateTrees(1)
	require.NoError(t, f.Repartition(1))
	require.NoError(t, f.CreateNodes())
	rho := make([]float64, f.NumNodes())
	for i, p := range f.Points() {
		rho[i] = 0.02
		if p[0] <= 1+1e-12 {
			rho[i] = 1
		}
	}
	return f, rho
}

// columns returns the sorted centre abscissae of the marked elements.
func columns(f *quadforest.Forest, m Marks) (refine, coarsen map[float64]int) {
	c := f.ElementCenters()
	refine, coarsen = map[float64]int{}, map[float64]int{}
	for e, v := range m.Ints(f.NumElements()) {
		switch {
		case v > 0:
			refine[c[e][0]]++
		case v < 0:
			coarsen[c[e][0]]++
		}
	}
	return refine, coarsen
}

func TestDensity(t *testing.T) {
	f, rho := stepDesign(t)

	m, err := Density{Lower: 0.05, Upper: 0.5}.Mark(f, rho)
	require.NoError(t, err)
	refine, coarsen := columns(f, m)
	assert.Equal(t, map[float64]int{0.25: 2, 0.75: 2, 1.25: 2}, refine)
	assert.Equal(t, map[float64]int{1.75: 2}, coarsen)

	m, err = Density{Lower: 0.05, Upper: 0.5, Reverse: true}.Mark(f, rho)
	require.NoError(t, err)
	refine, coarsen = columns(f, m)
	assert.Equal(t, map[float64]int{1.25: 2, 1.75: 2}, refine)
	assert.Equal(t, map[float64]int{0.25: 2, 0.75: 2}, coarsen)

	_, err = Density{Lower: 0.05, Upper: 0.5}.Mark(f, rho[1:])
	assert.ErrorIs(t, err, quadforest.ErrVarsPerNodeMismatch)
}

func TestInterfaceDistance(t *testing.T) {
	f, rho := stepDesign(t)

	dist := InterfaceDistance(f, rho, 0.15)
	for e, c := range f.ElementCenters() {
		want := math.Abs(c[0] - 1.25)
		assert.InDelta(t, want, dist[e], 1e-12, "element at %v", c)
	}

	// a uniform design has no interface
	for i := range rho {
		rho[i] = 1
	}
	for _, d := range InterfaceDistance(f, rho, 0.15) {
		assert.True(t, math.IsInf(d, 1))
	}
}

func TestDistance(t *testing.T) {
	f, rho := stepDesign(t)

	m, err := Distance{Cutoff: 0.15, RefineDistance: 0.25}.Mark(f, rho)
	require.NoError(t, err)
	refine, coarsen := columns(f, m)
	assert.Equal(t, map[float64]int{1.25: 2}, refine)
	assert.Equal(t, map[float64]int{0.25: 2, 0.75: 2, 1.75: 2}, coarsen)

	m, err = Distance{Cutoff: 0.15, RefineDistance: 0.6}.Mark(f, rho)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), m.Refine.GetCardinality())
	assert.Equal(t, uint64(2), m.Coarsen.GetCardinality())
}

func TestTarget(t *testing.T) {
	f, rho := stepDesign(t)
	ind := Target{Cutoff: 0.15, RefineDistance: 0.25, InterfaceLevel: 2, InteriorLevel: 1}

	m, err := ind.Mark(f, rho)
	require.NoError(t, err)
	refine, coarsen := columns(f, m)
	assert.Equal(t, map[float64]int{1.25: 2}, refine)
	assert.Equal(t, map[float64]int{1.75: 2}, coarsen)
}

func TestApply(t *testing.T) {
	f, rho := stepDesign(t)
	before := f.NumElements()

	m, err := Density{Lower: 0.05, Upper: 0.5}.Mark(f, rho)
	require.NoError(t, err)
	require.NoError(t, Apply(f, m, 0, 3))
	// six leaves split, the partial family at x > 1.5 survives
	assert.GreaterOrEqual(t, f.NumElements(), before+18)
	assert.True(t, f.IsBalanced())

	// the level cap holds
	require.NoError(t, f.Repartition(1))
	require.NoError(t, f.CreateNodes())
	rho = make([]float64, f.NumNodes())
	for i := range rho {
		rho[i] = 1
	}
	m, err = Density{Lower: 0.05, Upper: 0.5}.Mark(f, rho)
	require.NoError(t, err)
	n := f.NumElements()
	require.NoError(t, Apply(f, m, 0, 2))
	_, hi := f.LevelRange()
	assert.LessOrEqual(t, hi, 2)
	assert.GreaterOrEqual(t, f.NumElements(), n)
}

func TestNewAndValidate(t *testing.T) {
	opts := DefaultOptions()
	ind, err := New(opts, 1)
	require.NoError(t, err)
	assert.Equal(t, DensityStrategy, ind.Strategy())

	opts.Strategy = DistanceStrategy
	ind, err = New(opts, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.05, ind.(Distance).RefineDistance)

	opts.Strategy = TargetStrategy
	ind, err = New(opts, 2)
	require.NoError(t, err)
	assert.Equal(t, TargetStrategy, ind.Strategy())

	bad := DefaultOptions()
	bad.Lower, bad.Upper = 0.6, 0.5
	assert.Error(t, bad.Validate())
	bad = DefaultOptions()
	bad.Strategy = "random"
	assert.Error(t, bad.Validate())
	bad = DefaultOptions()
	bad.MinLevel = 5
	bad.MaxLevel = 2
	assert.Error(t, bad.Validate())

	s, err := ParseStrategy("Distance")
	require.NoError(t, err)
	assert.Equal(t, DistanceStrategy, s)

	f, err := quadforest.NewForest(2, 1, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, 4.0, DomainLength(f))
}
