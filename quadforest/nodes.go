package quadforest

import (
	"fmt"
	"sort"

	"github.com/notargets/freqtopo/partitions"
)

type point [2]int

// Nodes is the global node numbering of a forest. Independent nodes carry
// degrees of freedom and are numbered so that every rank owns a contiguous
// range. Dependent (hanging) nodes are constrained to a weighted sum of
// independent nodes on the coarse edge they lie on.
type Nodes struct {
	order int

	// Conn holds order*order entries per element, x fastest. Entries >= 0
	// are independent nodes; an entry c < 0 is dependent node -(c+1).
	Conn [][]int

	// Dependent node d is sum_j DepWeights[j]*node[DepConn[j]] over
	// j in [DepPtr[d], DepPtr[d+1]).
	DepPtr     []int
	DepConn    []int
	DepWeights []float64

	// Range[r] .. Range[r+1] are the nodes owned by rank r
	Range []int

	coords    []point
	depCoords []point
	ownership *partitions.NodeOwnership
}

// NumNodes returns the number of independent nodes.
func (n *Nodes) NumNodes() int { return len(n.coords) }

// NumDependent returns the number of dependent nodes.
func (n *Nodes) NumDependent() int { return len(n.depCoords) }

// ComputeInterpWeights evaluates the 1D Lagrange basis of the given number
// of equispaced nodes on [-1,1] at t and stores it in w.
func ComputeInterpWeights(order int, t float64, w []float64) {
	for i := 0; i < order; i++ {
		ti := knot(order, i)
		v := 1.0
		for j := 0; j < order; j++ {
			if j != i {
				tj := knot(order, j)
				v *= (t - tj) / (ti - tj)
			}
		}
		w[i] = v
	}
}

func knot(order, i int) float64 {
	return -1 + 2*float64(i)/float64(order-1)
}

// CreateNodes numbers the nodes of the forest and computes the dependent
// node constraints. The forest must be 2:1 balanced including corners. An
// unpartitioned forest is assigned to a single rank.
func (f *Forest) CreateNodes() error {
	if f.layout == nil {
		if err := f.Repartition(1); err != nil {
			return err
		}
	}
	np := f.order
	type depInfo struct {
		coarse []point
		w      []float64
	}
	owner := make(map[point]int)
	deps := make(map[point]depInfo)

	for e, q := range f.quads {
		rank := f.layout.EToP[e]
		s := q.Size() / (np - 1)
		for j := 0; j < np; j++ {
			for i := 0; i < np; i++ {
				p := point{q.X + i*s, q.Y + j*s}
				if r, ok := owner[p]; !ok || rank < r {
					owner[p] = rank
				}
			}
		}
		if q.Level == 0 {
			continue
		}

		// An edge hangs when q sits on that side of its parent and the
		// parent-sized neighbour across it is a leaf.
		P := q.Parent()
		h := q.Size()
		H := 2 * h
		S := H / (np - 1)
		for side := 0; side < 4; side++ {
			var onSide bool
			var nb Quadrant
			var start point
			var dir point
			var own point
			switch side {
			case 0: // -x
				onSide = q.X == P.X
				nb = Quadrant{X: P.X - H, Y: P.Y, Level: P.Level}
				start, dir, own = point{P.X, P.Y}, point{0, 1}, point{q.X, q.Y}
			case 1: // +x
				onSide = q.X+h == P.X+H
				nb = Quadrant{X: P.X + H, Y: P.Y, Level: P.Level}
				start, dir, own = point{P.X + H, P.Y}, point{0, 1}, point{q.X + h, q.Y}
			case 2: // -y
				onSide = q.Y == P.Y
				nb = Quadrant{X: P.X, Y: P.Y - H, Level: P.Level}
				start, dir, own = point{P.X, P.Y}, point{1, 0}, point{q.X, q.Y}
			case 3: // +y
				onSide = q.Y+h == P.Y+H
				nb = Quadrant{X: P.X, Y: P.Y + H, Level: P.Level}
				start, dir, own = point{P.X, P.Y + H}, point{1, 0}, point{q.X, q.Y + h}
			}
			if !onSide || !f.inside(nb.X, nb.Y) {
				continue
			}
			if _, ok := f.index[nb]; !ok {
				continue
			}
			coarse := make([]point, np)
			for k := range coarse {
				coarse[k] = point{start[0] + k*S*dir[0], start[1] + k*S*dir[1]}
			}
			for k := 0; k < np; k++ {
				p := point{own[0] + k*s*dir[0], own[1] + k*s*dir[1]}
				off := (p[0] - start[0]) + (p[1] - start[1])
				if off%S == 0 {
					continue
				}
				if _, ok := deps[p]; ok {
					continue
				}
				w := make([]float64, np)
				ComputeInterpWeights(np, -1+float64(2*off)/float64(H), w)
				deps[p] = depInfo{coarse: coarse, w: w}
			}
		}
	}

	indep := make([]point, 0, len(owner))
	for p := range owner {
		if _, ok := deps[p]; !ok {
			indep = append(indep, p)
		}
	}
	sort.Slice(indep, func(a, b int) bool {
		pa, pb := indep[a], indep[b]
		if owner[pa] != owner[pb] {
			return owner[pa] < owner[pb]
		}
		return morton(pa[0], pa[1]) < morton(pb[0], pb[1])
	})
	id := make(map[point]int, len(indep))
	nranks := f.layout.NumPartitions
	rng := make([]int, nranks+1)
	for i, p := range indep {
		id[p] = i
		rng[owner[p]+1]++
	}
	for r := 0; r < nranks; r++ {
		rng[r+1] += rng[r]
	}

	depPts := make([]point, 0, len(deps))
	for p := range deps {
		depPts = append(depPts, p)
	}
	sort.Slice(depPts, func(a, b int) bool {
		return morton(depPts[a][0], depPts[a][1]) < morton(depPts[b][0], depPts[b][1])
	})
	depID := make(map[point]int, len(depPts))
	nodes := &Nodes{
		order:     np,
		DepPtr:    make([]int, 1, len(depPts)+1),
		Range:     rng,
		coords:    indep,
		depCoords: depPts,
	}
	for d, p := range depPts {
		depID[p] = d
		info := deps[p]
		for k, c := range info.coarse {
			cid, ok := id[c]
			if !ok {
				return fmt.Errorf("dependent node (%d,%d) references a non-independent node (%d,%d); forest is not balanced",
					p[0], p[1], c[0], c[1])
			}
			if info.w[k] == 0 {
				continue
			}
			nodes.DepConn = append(nodes.DepConn, cid)
			nodes.DepWeights = append(nodes.DepWeights, info.w[k])
		}
		nodes.DepPtr = append(nodes.DepPtr, len(nodes.DepConn))
	}

	nodes.Conn = make([][]int, len(f.quads))
	for e, q := range f.quads {
		s := q.Size() / (np - 1)
		conn := make([]int, np*np)
		for j := 0; j < np; j++ {
			for i := 0; i < np; i++ {
				p := point{q.X + i*s, q.Y + j*s}
				if d, ok := depID[p]; ok {
					conn[j*np+i] = -(d + 1)
				} else {
					conn[j*np+i] = id[p]
				}
			}
		}
		nodes.Conn[e] = conn
	}
	f.nodes = nodes

	own, err := partitions.BuildNodeOwnership(f.layout, rng, f.ElementIndependentNodes)
	if err != nil {
		f.nodes = nil
		return fmt.Errorf("failed to build node ownership: %w", err)
	}
	nodes.ownership = own
	return nil
}

// Nodes returns the node numbering, or nil before CreateNodes.
func (f *Forest) Nodes() *Nodes { return f.nodes }

// NumNodes returns the number of independent nodes, zero before CreateNodes.
func (f *Forest) NumNodes() int {
	if f.nodes == nil {
		return 0
	}
	return f.nodes.NumNodes()
}

// NodeRange returns the owned node range per rank.
func (f *Forest) NodeRange() []int {
	if f.nodes == nil {
		return nil
	}
	return f.nodes.Range
}

// Ownership returns the node ownership and halo of the current numbering.
func (f *Forest) Ownership() *partitions.NodeOwnership {
	if f.nodes == nil {
		return nil
	}
	return f.nodes.ownership
}

// Points returns the physical coordinates of the independent nodes.
func (f *Forest) Points() [][2]float64 {
	if f.nodes == nil {
		return nil
	}
	pts := make([][2]float64, len(f.nodes.coords))
	for i, p := range f.nodes.coords {
		x, y := f.ToPhysical(p[0], p[1])
		pts[i] = [2]float64{x, y}
	}
	return pts
}

// DepNodeConn returns the dependent node constraint arrays.
func (f *Forest) DepNodeConn() (ptr, conn []int, weights []float64) {
	if f.nodes == nil {
		return nil, nil, nil
	}
	return f.nodes.DepPtr, f.nodes.DepConn, f.nodes.DepWeights
}

// ElementNodes returns the raw connectivity of element e.
func (f *Forest) ElementNodes(e int) []int { return f.nodes.Conn[e] }

// ForEachElementNode calls fn for every (local node, independent node, weight)
// triple of element e, expanding dependent nodes through their constraints.
func (f *Forest) ForEachElementNode(e int, fn func(local, node int, w float64)) {
	n := f.nodes
	for k, c := range n.Conn[e] {
		if c >= 0 {
			fn(k, c, 1)
			continue
		}
		d := -c - 1
		for j := n.DepPtr[d]; j < n.DepPtr[d+1]; j++ {
			fn(k, n.DepConn[j], n.DepWeights[j])
		}
	}
}

// ElementIndependentNodes returns the sorted independent nodes element e
// touches directly or through dependent nodes.
func (f *Forest) ElementIndependentNodes(e int) []int {
	seen := make(map[int]struct{})
	f.ForEachElementNode(e, func(_, node int, _ float64) { seen[node] = struct{}{} })
	out := make([]int, 0, len(seen))
	for node := range seen {
		out = append(out, node)
	}
	sort.Ints(out)
	return out
}

// NodeKey returns the Morton key of independent node i.
func (f *Forest) NodeKey(i int) uint64 {
	p := f.nodes.coords[i]
	return morton(p[0], p[1])
}
