package partitions

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainNodes maps element e of a 1D chain to nodes e and e+1
func chainNodes(e int) []int { return []int{e, e + 1} }

func TestBuildPartitions_Strategies(t *testing.T) {
	mesh := &MeshConnectivity{
		NumElements: 10,
		SFCKeys:     []uint64{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
	}

	// Test 1: Block partitioning
	pb := &PartitionBuilder{Mesh: mesh, NumPartitions: 3, Strategy: BlockPartition}
	layout, err := pb.BuildPartitions()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 1, 1, 2, 2}, layout.EToP)
	assert.Equal(t, 4, layout.KpartMax)

	// Test 2: Round robin
	pb.Strategy = RoundRobin
	layout, err = pb.BuildPartitions()
	require.NoError(t, err)
	assert.Equal(t, 1, layout.EToP[4])

	// Test 3: Space-filling curve follows the key order
	pb.Strategy = SpaceFillingCurve
	layout, err = pb.BuildPartitions()
	require.NoError(t, err)
	assert.Equal(t, 2, layout.EToP[0])
	assert.Equal(t, 0, layout.EToP[9])
	assert.Equal(t, 9, layout.Partitions[0].Elements[0])

	stats := layout.PartitionStatistics()
	t.Logf("stats: %+v", stats)
	assert.LessOrEqual(t, stats.Imbalance, 1.25)
}

func TestBuildPartitions_Errors(t *testing.T) {
	pb := &PartitionBuilder{Mesh: &MeshConnectivity{NumElements: 4}, NumPartitions: 2,
		Strategy: SpaceFillingCurve}
	_, err := pb.BuildPartitions()
	assert.Error(t, err, "missing SFC keys")

	pb = &PartitionBuilder{Mesh: &MeshConnectivity{}, NumPartitions: 2}
	_, err = pb.BuildPartitions()
	assert.Error(t, err, "empty mesh")
}

func TestValidateLayout_DetectsInconsistency(t *testing.T) {
	layout := &PartitionLayout{
		Partitions: []Partition{
			{ID: 0, Elements: []int{0, 1}, NumElements: 2, MaxElements: 2},
			{ID: 1, Elements: []int{2}, NumElements: 1, MaxElements: 2},
		},
		KpartMax:      2,
		TotalElements: 3,
		NumPartitions: 2,
		EToP:          []int{0, 1, 1},
	}
	if err := layout.ValidateLayout(); err == nil {
		t.Fatalf("expected EToP mismatch to be reported")
	}
	layout.EToP[1] = 0
	if err := layout.ValidateLayout(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func buildChainOwnership(t *testing.T) *NodeOwnership {
	t.Helper()
	pb := &PartitionBuilder{Mesh: &MeshConnectivity{NumElements: 6}, NumPartitions: 3,
		Strategy: BlockPartition}
	layout, err := pb.BuildPartitions()
	require.NoError(t, err)
	// 7 nodes; rank r owns the left node of each of its elements, the last
	// rank also owns the final node.
	own, err := BuildNodeOwnership(layout, []int{0, 2, 4, 7}, chainNodes)
	require.NoError(t, err)
	return own
}

func TestDistVec_AdditiveMerge(t *testing.T) {
	own := buildChainOwnership(t)
	assert.Equal(t, 7, own.NumNodes())
	assert.Equal(t, []int{2}, own.Halo.Ghosts[0])
	assert.Equal(t, []int{4}, own.Halo.Ghosts[1])
	assert.Empty(t, own.Halo.Ghosts[2])

	v := NewDistVec(own, 1)
	v.BeginSetValues(AddValues)
	err := ForEachRank(context.Background(), own.Layout, func(_ context.Context, rank int, elems []int) error {
		for _, e := range elems {
			for _, n := range chainNodes(e) {
				v.AddValue(rank, n, 0, 1)
			}
		}
		return nil
	})
	require.NoError(t, err)
	v.EndSetValues(AddValues)

	// Interior nodes are shared by two elements
	assert.Equal(t, []float64{1, 2, 2, 2, 2, 2, 1}, v.Array())

	v.BeginDistributeValues()
	v.EndDistributeValues()
	assert.Equal(t, 2.0, v.GetValue(0, 2, 0))
	assert.Equal(t, 2.0, v.GetValue(1, 4, 0))

	m := own.Metrics()
	assert.Equal(t, 2, m.CommVolume)
	assert.Equal(t, []int{2, 2, 3}, m.OwnedNodes)
}

func TestDistVec_MergeHappensInEnd(t *testing.T) {
	own := buildChainOwnership(t)
	v := NewDistVec(own, 1)
	// node 2 is owned by rank 1 and a ghost on rank 0
	v.AddValue(0, 2, 0, 3)
	v.AddValue(1, 2, 0, 1)

	v.BeginSetValues(AddValues)
	assert.Equal(t, 1.0, v.Array()[2])
	assert.Equal(t, 3.0, v.GetValue(0, 2, 0))
	v.EndSetValues(AddValues)
	assert.Equal(t, 4.0, v.Array()[2])
	assert.Zero(t, v.GetValue(0, 2, 0))

	v.BeginDistributeValues()
	assert.Zero(t, v.GetValue(0, 2, 0))
	v.EndDistributeValues()
	assert.Equal(t, 4.0, v.GetValue(0, 2, 0))

	// inserted ghost values replace the owner's; the refreshed copy holds 4
	v.AddValue(0, 2, 0, 3)
	v.BeginSetValues(InsertValues)
	v.EndSetValues(InsertValues)
	assert.Equal(t, 7.0, v.Array()[2])
}

func TestDistVec_BlockSizeAndCopy(t *testing.T) {
	own := buildChainOwnership(t)
	v := NewDistVec(own, 2)
	x := make([]float64, 14)
	for i := range x {
		x[i] = float64(i)
	}
	require.NoError(t, v.CopyFrom(x))
	assert.Equal(t, 5.0, v.GetValue(0, 2, 1))
	assert.Equal(t, []float64{4, 5, 6, 7}, v.Local(1))
	assert.Error(t, v.CopyFrom(x[:3]))
}

func TestForEachRank_PropagatesErrors(t *testing.T) {
	own := buildChainOwnership(t)
	var calls atomic.Int32
	err := ForEachRank(context.Background(), own.Layout, func(_ context.Context, rank int, _ []int) error {
		calls.Add(1)
		if rank == 1 {
			return assert.AnError
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
