package utils

import (
	"fmt"
	"sort"
)

// HaloConnector manages pick and place indices for node-partitioned vectors.
// Every rank owns a contiguous range of global nodes and keeps a ghost copy
// of the nodes its elements touch but another rank owns.
type HaloConnector struct {
	NumRanks int

	// OwnedRange[r] .. OwnedRange[r+1] is the global node range owned by rank r
	OwnedRange []int

	// Ghosts[r] lists, sorted, the global nodes rank r touches but does not own
	Ghosts [][]int

	// Pick/Place indices per rank pair
	PickIndices  [][]PickBuffer  // [sourceRank][ownerRank]
	PlaceIndices [][]PlaceBuffer // [ownerRank][sourceRank]
}

// PickBuffer contains ghost-buffer positions gathered for one owner
type PickBuffer struct {
	Indices    []int // Positions within the source rank's ghost buffer
	TargetRank int
}

// PlaceBuffer contains owned positions receiving values from one source
type PlaceBuffer struct {
	Indices    []int // Positions within the owner's owned range
	SourceRank int
}

// NewHaloConnector creates a connector from the ownership ranges and ghost lists
func NewHaloConnector(ownedRange []int, ghosts [][]int) (*HaloConnector, error) {
	numRanks := len(ownedRange) - 1
	if numRanks < 1 {
		return nil, fmt.Errorf("invalid owned range of length %d", len(ownedRange))
	}
	if len(ghosts) != numRanks {
		return nil, fmt.Errorf("ghost lists for %d ranks, expected %d", len(ghosts), numRanks)
	}
	for r := 0; r < numRanks; r++ {
		if ownedRange[r+1] < ownedRange[r] {
			return nil, fmt.Errorf("owned range of rank %d is decreasing", r)
		}
	}

	hc := &HaloConnector{
		NumRanks:   numRanks,
		OwnedRange: ownedRange,
		Ghosts:     ghosts,
	}
	hc.initializeBuffers()
	if err := hc.BuildIndices(); err != nil {
		return nil, err
	}
	return hc, nil
}

func (hc *HaloConnector) initializeBuffers() {
	hc.PickIndices = make([][]PickBuffer, hc.NumRanks)
	hc.PlaceIndices = make([][]PlaceBuffer, hc.NumRanks)
	for p := 0; p < hc.NumRanks; p++ {
		hc.PickIndices[p] = make([]PickBuffer, hc.NumRanks)
		hc.PlaceIndices[p] = make([]PlaceBuffer, hc.NumRanks)
		for q := 0; q < hc.NumRanks; q++ {
			hc.PickIndices[p][q] = PickBuffer{Indices: make([]int, 0), TargetRank: q}
			hc.PlaceIndices[p][q] = PlaceBuffer{Indices: make([]int, 0), SourceRank: q}
		}
	}
}

// Owner returns the rank owning a global node, or -1.
func (hc *HaloConnector) Owner(node int) int {
	if node < hc.OwnedRange[0] || node >= hc.OwnedRange[hc.NumRanks] {
		return -1
	}
	return sort.SearchInts(hc.OwnedRange, node+1) - 1
}

// BuildIndices constructs pick and place indices for all rank pairs
func (hc *HaloConnector) BuildIndices() error {
	for src := 0; src < hc.NumRanks; src++ {
		for pos, node := range hc.Ghosts[src] {
			owner := hc.Owner(node)
			if owner < 0 {
				return fmt.Errorf("rank %d ghost node %d has no owner", src, node)
			}
			if owner == src {
				return fmt.Errorf("rank %d lists owned node %d as ghost", src, node)
			}
			hc.PickIndices[src][owner].Indices = append(hc.PickIndices[src][owner].Indices, pos)
			hc.PlaceIndices[owner][src].Indices = append(hc.PlaceIndices[owner][src].Indices,
				node-hc.OwnedRange[owner])
		}
	}
	return nil
}

// GetPickIndices returns pick indices for sending from source to owner
func (hc *HaloConnector) GetPickIndices(sourceRank, ownerRank int) []int {
	if sourceRank < 0 || sourceRank >= hc.NumRanks || ownerRank < 0 || ownerRank >= hc.NumRanks {
		return nil
	}
	return hc.PickIndices[sourceRank][ownerRank].Indices
}

// GetPlaceIndices returns place indices for an owner receiving from source
func (hc *HaloConnector) GetPlaceIndices(ownerRank, sourceRank int) []int {
	if sourceRank < 0 || sourceRank >= hc.NumRanks || ownerRank < 0 || ownerRank >= hc.NumRanks {
		return nil
	}
	return hc.PlaceIndices[ownerRank][sourceRank].Indices
}

// Verify checks index validity and conservation properties
func (hc *HaloConnector) Verify() error {
	// Verify 1: Local validity - pick and place indices are within bounds
	for p := 0; p < hc.NumRanks; p++ {
		nGhost := len(hc.Ghosts[p])
		nOwned := hc.OwnedRange[p+1] - hc.OwnedRange[p]
		for q := 0; q < hc.NumRanks; q++ {
			for _, idx := range hc.PickIndices[p][q].Indices {
				if idx < 0 || idx >= nGhost {
					return fmt.Errorf("invalid pick index %d for rank %d (max %d)", idx, p, nGhost-1)
				}
			}
			for _, idx := range hc.PlaceIndices[p][q].Indices {
				if idx < 0 || idx >= nOwned {
					return fmt.Errorf("invalid place index %d for rank %d (max %d)", idx, p, nOwned-1)
				}
			}
		}
	}

	// Verify 2: Correspondence - pick and place agree on length and node
	for p := 0; p < hc.NumRanks; p++ {
		for q := 0; q < hc.NumRanks; q++ {
			pick := hc.PickIndices[p][q].Indices
			place := hc.PlaceIndices[q][p].Indices
			if len(pick) != len(place) {
				return fmt.Errorf("length mismatch: pick[%d][%d]=%d, place[%d][%d]=%d",
					p, q, len(pick), q, p, len(place))
			}
			for k := range pick {
				if hc.Ghosts[p][pick[k]] != hc.OwnedRange[q]+place[k] {
					return fmt.Errorf("pick[%d][%d][%d] node %d placed at node %d",
						p, q, k, hc.Ghosts[p][pick[k]], hc.OwnedRange[q]+place[k])
				}
			}
		}
	}

	// Verify 3: Conservation - total picks equals total ghost entries
	totalPicks := 0
	totalGhosts := 0
	for p := 0; p < hc.NumRanks; p++ {
		for q := 0; q < hc.NumRanks; q++ {
			totalPicks += len(hc.PickIndices[p][q].Indices)
		}
		totalGhosts += len(hc.Ghosts[p])
	}
	if totalPicks != totalGhosts {
		return fmt.Errorf("conservation error: total picks %d != total ghost nodes %d",
			totalPicks, totalGhosts)
	}

	return nil
}
