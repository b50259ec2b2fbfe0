package partitions

import (
	"fmt"
)

// Partition is the set of elements owned by one rank.
type Partition struct {
	// Unique identifier for this partition, equal to the owning rank
	ID int

	// Element membership
	Elements    []int // Global element indices in this partition, in traversal order
	NumElements int   // Actual number of active elements
	MaxElements int   // Largest element count over all partitions

	// Weight is the summed element cost (element count when unweighted)
	Weight float64
}

// PartitionLayout manages the complete mesh decomposition
type PartitionLayout struct {
	// All partitions in the mesh
	Partitions []Partition

	// Global sizing information
	KpartMax      int // max(NumElements) across all partitions
	TotalElements int // Sum of all actual elements across partitions
	NumPartitions int // Total number of partitions

	// Element to partition mapping
	EToP []int // Length TotalElements: element k belongs to partition EToP[k]
}

// PartitionMetrics tracks the communication cost of a node ownership
type PartitionMetrics struct {
	OwnedNodes  []int // Owned nodes per rank
	GhostNodes  []int // Ghost nodes per rank
	CommVolume  int   // Total ghost values exchanged per set/distribute
	MaxNeighbor int   // Largest number of ranks any rank exchanges with
}

// GetPartition returns the partition containing element k
func (pl *PartitionLayout) GetPartition(elementID int) int {
	if elementID < 0 || elementID >= len(pl.EToP) {
		return -1
	}
	return pl.EToP[elementID]
}

// ValidateLayout checks partition consistency
func (pl *PartitionLayout) ValidateLayout() error {
	if len(pl.Partitions) != pl.NumPartitions {
		return fmt.Errorf("layout has %d partitions, expected %d", len(pl.Partitions), pl.NumPartitions)
	}
	if len(pl.EToP) != pl.TotalElements {
		return fmt.Errorf("EToP length %d != TotalElements %d", len(pl.EToP), pl.TotalElements)
	}

	// Verify KpartMax
	actualMax := 0
	total := 0
	for _, p := range pl.Partitions {
		if p.NumElements > actualMax {
			actualMax = p.NumElements
		}
		if p.MaxElements != pl.KpartMax {
			return fmt.Errorf("partition %d: MaxElements %d != KpartMax %d",
				p.ID, p.MaxElements, pl.KpartMax)
		}
		if len(p.Elements) != p.NumElements {
			return fmt.Errorf("partition %d: %d elements listed, NumElements %d",
				p.ID, len(p.Elements), p.NumElements)
		}
		for _, e := range p.Elements {
			if e < 0 || e >= pl.TotalElements {
				return fmt.Errorf("partition %d: element %d out of range", p.ID, e)
			}
			if pl.EToP[e] != p.ID {
				return fmt.Errorf("partition %d lists element %d owned by %d", p.ID, e, pl.EToP[e])
			}
		}
		total += p.NumElements
	}
	if actualMax != pl.KpartMax {
		return fmt.Errorf("computed KpartMax %d != stored KpartMax %d",
			actualMax, pl.KpartMax)
	}
	if total != pl.TotalElements {
		return fmt.Errorf("partitions hold %d elements, expected %d", total, pl.TotalElements)
	}
	return nil
}
