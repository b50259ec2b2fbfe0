package partitions

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/notargets/freqtopo/utils"
)

// InsertMode selects how ghost contributions are merged into owners.
type InsertMode int

const (
	AddValues InsertMode = iota
	InsertValues
)

// NodeOwnership couples an element partition with a contiguous node
// ownership and the halo connector derived from it.
type NodeOwnership struct {
	Layout *PartitionLayout
	Halo   *utils.HaloConnector

	ghostIndex []map[int]int // [rank] global node -> ghost position
}

// BuildNodeOwnership derives ghost lists from the nodes each rank's elements touch.
func BuildNodeOwnership(layout *PartitionLayout, ownedRange []int, elemNodes func(elem int) []int) (*NodeOwnership, error) {
	if len(ownedRange) != layout.NumPartitions+1 {
		return nil, fmt.Errorf("owned range has %d entries for %d partitions",
			len(ownedRange), layout.NumPartitions)
	}
	ghosts := make([][]int, layout.NumPartitions)
	for r, p := range layout.Partitions {
		seen := make(map[int]struct{})
		lo, hi := ownedRange[r], ownedRange[r+1]
		for _, e := range p.Elements {
			for _, n := range elemNodes(e) {
				if n < lo || n >= hi {
					seen[n] = struct{}{}
				}
			}
		}
		g := make([]int, 0, len(seen))
		for n := range seen {
			g = append(g, n)
		}
		sort.Ints(g)
		ghosts[r] = g
	}

	halo, err := utils.NewHaloConnector(ownedRange, ghosts)
	if err != nil {
		return nil, fmt.Errorf("failed to build halo connector: %w", err)
	}
	if err := halo.Verify(); err != nil {
		return nil, fmt.Errorf("halo connector verification failed: %w", err)
	}

	no := &NodeOwnership{Layout: layout, Halo: halo, ghostIndex: make([]map[int]int, len(ghosts))}
	for r, g := range ghosts {
		no.ghostIndex[r] = make(map[int]int, len(g))
		for pos, n := range g {
			no.ghostIndex[r][n] = pos
		}
	}
	return no, nil
}

// NumRanks returns the number of ranks.
func (no *NodeOwnership) NumRanks() int { return no.Halo.NumRanks }

// NumNodes returns the global node count.
func (no *NodeOwnership) NumNodes() int { return no.Halo.OwnedRange[no.Halo.NumRanks] }

// OwnedRange returns the global node range owned by rank.
func (no *NodeOwnership) OwnedRange(rank int) (lo, hi int) {
	return no.Halo.OwnedRange[rank], no.Halo.OwnedRange[rank+1]
}

// Metrics summarizes the halo traffic.
func (no *NodeOwnership) Metrics() PartitionMetrics {
	m := PartitionMetrics{
		OwnedNodes: make([]int, no.NumRanks()),
		GhostNodes: make([]int, no.NumRanks()),
	}
	for r := 0; r < no.NumRanks(); r++ {
		lo, hi := no.OwnedRange(r)
		m.OwnedNodes[r] = hi - lo
		m.GhostNodes[r] = len(no.Halo.Ghosts[r])
		m.CommVolume += len(no.Halo.Ghosts[r])
		neighbors := 0
		for q := 0; q < no.NumRanks(); q++ {
			if len(no.Halo.GetPickIndices(r, q)) > 0 || len(no.Halo.GetPickIndices(q, r)) > 0 {
				neighbors++
			}
		}
		m.MaxNeighbor = max(m.MaxNeighbor, neighbors)
	}
	return m
}

// ForEachRank runs fn for every partition concurrently, one goroutine per
// rank. fn must write only rank-private state.
func ForEachRank(ctx context.Context, layout *PartitionLayout, fn func(ctx context.Context, rank int, elems []int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for r := range layout.Partitions {
		rank := r
		elems := layout.Partitions[r].Elements
		g.Go(func() error {
			if err := fn(ctx, rank, elems); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// DistVec is a node-distributed vector with bs values per node. Owned values
// live in global numbering; each rank buffers contributions to nodes it
// touches but does not own until EndSetValues merges them.
type DistVec struct {
	own   *NodeOwnership
	bs    int
	data  []float64
	ghost [][]float64
}

// NewDistVec allocates a zero vector.
func NewDistVec(own *NodeOwnership, bs int) *DistVec {
	v := &DistVec{own: own, bs: bs, data: make([]float64, own.NumNodes()*bs)}
	v.ghost = make([][]float64, own.NumRanks())
	for r := range v.ghost {
		v.ghost[r] = make([]float64, len(own.Halo.Ghosts[r])*bs)
	}
	return v
}

// Ownership returns the node ownership the vector is distributed over.
func (v *DistVec) Ownership() *NodeOwnership { return v.own }

// BlockSize returns the number of values per node.
func (v *DistVec) BlockSize() int { return v.bs }

// Array returns the owned values in global numbering.
func (v *DistVec) Array() []float64 { return v.data }

// Local returns the slice of values owned by rank.
func (v *DistVec) Local(rank int) []float64 {
	lo, hi := v.own.OwnedRange(rank)
	return v.data[lo*v.bs : hi*v.bs]
}

// Zero clears owned and ghost values.
func (v *DistVec) Zero() {
	clear(v.data)
	for _, g := range v.ghost {
		clear(g)
	}
}

// CopyFrom sets the owned values and refreshes the ghost copies.
func (v *DistVec) CopyFrom(x []float64) error {
	if len(x) != len(v.data) {
		return fmt.Errorf("failed to copy vector: length %d, expected %d", len(x), len(v.data))
	}
	copy(v.data, x)
	v.BeginDistributeValues()
	v.EndDistributeValues()
	return nil
}

func (v *DistVec) slot(rank, node, comp int) *float64 {
	lo, hi := v.own.OwnedRange(rank)
	if node >= lo && node < hi {
		return &v.data[node*v.bs+comp]
	}
	pos, ok := v.own.ghostIndex[rank][node]
	if !ok {
		panic(fmt.Sprintf("rank %d does not touch node %d", rank, node))
	}
	return &v.ghost[rank][pos*v.bs+comp]
}

// AddValue buffers an additive contribution from rank.
func (v *DistVec) AddValue(rank, node, comp int, val float64) {
	*v.slot(rank, node, comp) += val
}

// GetValue reads the value rank sees for node: the owned value or its ghost copy.
func (v *DistVec) GetValue(rank, node, comp int) float64 {
	return *v.slot(rank, node, comp)
}

// BeginSetValues marks the start of the merge of buffered ghost
// contributions. All ranks share one address space, so there is nothing to
// post and the whole merge happens in EndSetValues. Owned values are
// unchanged until then.
func (v *DistVec) BeginSetValues(mode InsertMode) {}

// EndSetValues merges ghost buffers into their owners in rank order and
// clears them.
func (v *DistVec) EndSetValues(mode InsertMode) {
	h := v.own.Halo
	for src := 0; src < h.NumRanks; src++ {
		for dst := 0; dst < h.NumRanks; dst++ {
			pick := h.GetPickIndices(src, dst)
			place := h.GetPlaceIndices(dst, src)
			lo := h.OwnedRange[dst]
			for k := range pick {
				for c := 0; c < v.bs; c++ {
					val := v.ghost[src][pick[k]*v.bs+c]
					if mode == InsertValues {
						v.data[(lo+place[k])*v.bs+c] = val
					} else {
						v.data[(lo+place[k])*v.bs+c] += val
					}
				}
			}
		}
		clear(v.ghost[src])
	}
}

// BeginDistributeValues marks the start of a ghost refresh. As with
// BeginSetValues it sends nothing; ghost copies keep their old values until
// EndDistributeValues copies the owned values into them.
func (v *DistVec) BeginDistributeValues() {}

// EndDistributeValues performs the ghost refresh.
func (v *DistVec) EndDistributeValues() {
	h := v.own.Halo
	for r := 0; r < h.NumRanks; r++ {
		for pos, node := range h.Ghosts[r] {
			copy(v.ghost[r][pos*v.bs:(pos+1)*v.bs], v.data[node*v.bs:(node+1)*v.bs])
		}
	}
}
