package partitions

import (
	"fmt"
	"math"
	"sort"
)

// PartitionBuilder constructs partitions from mesh connectivity
type PartitionBuilder struct {
	// Mesh connectivity
	Mesh *MeshConnectivity

	// Partitioning parameters
	NumPartitions int     // Number of ranks to distribute over
	MaxImbalance  float64 // Acceptable load imbalance, 0 disables the check
	Strategy      PartitionStrategy
}

// MeshConnectivity provides the mesh data needed for partitioning
type MeshConnectivity struct {
	NumElements int

	// SFCKeys orders the elements along a space-filling curve; required by
	// the SpaceFillingCurve strategy.
	SFCKeys []uint64

	// Weights optionally assigns a cost to every element.
	Weights []float64
}

// PartitionStrategy defines how elements are grouped
type PartitionStrategy int

const (
	// Simple strategies
	BlockPartition PartitionStrategy = iota // Consecutive elements
	RoundRobin                              // Distribute cyclically

	// Locality-preserving strategy
	SpaceFillingCurve // Contiguous, weight-balanced runs of the Morton order
)

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "round-robin"
	case SpaceFillingCurve:
		return "space-filling-curve"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// BuildPartitions creates a partition layout from mesh connectivity
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if pb.Mesh == nil || pb.Mesh.NumElements <= 0 {
		return nil, fmt.Errorf("failed to build partitions: empty mesh")
	}
	numPartitions := pb.NumPartitions
	if numPartitions < 1 {
		numPartitions = 1
	}
	if numPartitions > pb.Mesh.NumElements {
		numPartitions = pb.Mesh.NumElements
	}

	// Partition the elements
	eToP, order, err := pb.partitionElements(numPartitions)
	if err != nil {
		return nil, err
	}

	// Create partition structures
	partitions := pb.createPartitions(eToP, order, numPartitions)

	kpartMax := 0
	for _, p := range partitions {
		if p.NumElements > kpartMax {
			kpartMax = p.NumElements
		}
	}
	for i := range partitions {
		partitions[i].MaxElements = kpartMax
	}

	layout := &PartitionLayout{
		Partitions:    partitions,
		KpartMax:      kpartMax,
		TotalElements: pb.Mesh.NumElements,
		NumPartitions: numPartitions,
		EToP:          eToP,
	}

	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	if pb.MaxImbalance > 0 {
		if st := layout.PartitionStatistics(); st.Imbalance > pb.MaxImbalance {
			return nil, fmt.Errorf("partition imbalance %.3f exceeds %.3f", st.Imbalance, pb.MaxImbalance)
		}
	}

	return layout, nil
}

func (pb *PartitionBuilder) weight(e int) float64 {
	if pb.Mesh.Weights == nil {
		return 1
	}
	return pb.Mesh.Weights[e]
}

// partitionElements assigns elements to partitions and returns the traversal
// order in which each partition lists its elements.
func (pb *PartitionBuilder) partitionElements(numPartitions int) ([]int, []int, error) {
	n := pb.Mesh.NumElements
	eToP := make([]int, n)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	switch pb.Strategy {
	case BlockPartition:
		elementsPerPartition := int(math.Ceil(float64(n) / float64(numPartitions)))
		for i := 0; i < n; i++ {
			eToP[i] = min(i/elementsPerPartition, numPartitions-1)
		}

	case RoundRobin:
		for i := 0; i < n; i++ {
			eToP[i] = i % numPartitions
		}

	case SpaceFillingCurve:
		if len(pb.Mesh.SFCKeys) != n {
			return nil, nil, fmt.Errorf("space-filling-curve partition needs %d keys, got %d",
				n, len(pb.Mesh.SFCKeys))
		}
		keys := pb.Mesh.SFCKeys
		sort.SliceStable(order, func(a, b int) bool { return keys[order[a]] < keys[order[b]] })

		// Cut the curve into runs of equal weight
		total := 0.0
		for e := 0; e < n; e++ {
			total += pb.weight(e)
		}
		acc := 0.0
		for _, e := range order {
			p := int(acc / total * float64(numPartitions))
			eToP[e] = min(p, numPartitions-1)
			acc += pb.weight(e)
		}

	default:
		return nil, nil, fmt.Errorf("unknown partition strategy %v", pb.Strategy)
	}

	return eToP, order, nil
}

// createPartitions builds partition structures from element assignments
func (pb *PartitionBuilder) createPartitions(eToP, order []int, numPartitions int) []Partition {
	partitions := make([]Partition, numPartitions)
	for i := range partitions {
		partitions[i] = Partition{ID: i, Elements: make([]int, 0)}
	}
	for _, elem := range order {
		part := eToP[elem]
		partitions[part].Elements = append(partitions[part].Elements, elem)
		partitions[part].NumElements++
		partitions[part].Weight += pb.weight(elem)
	}
	return partitions
}

// PartitionStatistics computes load balance metrics
func (layout *PartitionLayout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: layout.NumPartitions,
		MinElements:   math.MaxInt32,
		MaxElements:   0,
		AvgElements:   float64(layout.TotalElements) / float64(layout.NumPartitions),
	}

	for _, p := range layout.Partitions {
		if p.NumElements < stats.MinElements {
			stats.MinElements = p.NumElements
		}
		if p.NumElements > stats.MaxElements {
			stats.MaxElements = p.NumElements
		}
	}

	stats.Imbalance = float64(stats.MaxElements) / stats.AvgElements

	return stats
}

type PartitionStats struct {
	NumPartitions int
	MinElements   int
	MaxElements   int
	AvgElements   float64
	Imbalance     float64 // MaxElements / AvgElements
}
