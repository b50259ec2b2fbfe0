package quadforest

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/notargets/freqtopo/partitions"
)

// LowestOrder is the smallest supported number of nodes per element edge.
const LowestOrder = 2

// HighestOrder is the largest supported number of nodes per element edge.
const HighestOrder = 3

// Forest is a rectangular nx × ny array of quadtrees covering [0,lx]×[0,ly].
// Leaves are kept sorted along the Morton curve of their lower-left corners.
type Forest struct {
	nx, ny int
	lx, ly float64
	order  int

	quads []Quadrant
	index map[Quadrant]int

	layout *partitions.PartitionLayout
	nodes  *Nodes
}

// NewForest creates an nx × ny forest of level-0 trees with order 2 elements.
func NewForest(nx, ny int, lx, ly float64) (*Forest, error) {
	if nx < 1 || ny < 1 {
		return nil, fmt.Errorf("invalid tree grid %d x %d", nx, ny)
	}
	if nx >= 1<<(32-MaxLevel) || ny >= 1<<(32-MaxLevel) {
		return nil, fmt.Errorf("tree grid %d x %d exceeds the integer frame", nx, ny)
	}
	if !(lx > 0) || !(ly > 0) {
		return nil, fmt.Errorf("invalid domain size %g x %g", lx, ly)
	}
	f := &Forest{nx: nx, ny: ny, lx: lx, ly: ly, order: LowestOrder}
	f.CreateTrees(0)
	return f, nil
}

// CreateTrees replaces the leaves with a uniform refinement of every tree to depth.
func (f *Forest) CreateTrees(depth int) {
	depth = max(0, min(depth, MaxLevel-1))
	h := 1 << (MaxLevel - depth)
	per := 1 << depth
	quads := make([]Quadrant, 0, f.nx*f.ny*per*per)
	for ty := 0; ty < f.ny; ty++ {
		for tx := 0; tx < f.nx; tx++ {
			for j := 0; j < per; j++ {
				for i := 0; i < per; i++ {
					quads = append(quads, Quadrant{
						X: tx*treeSize + i*h, Y: ty*treeSize + j*h, Level: depth,
					})
				}
			}
		}
	}
	f.setQuadrants(quads)
}

func (f *Forest) setQuadrants(quads []Quadrant) {
	sort.Slice(quads, func(a, b int) bool { return less(quads[a], quads[b]) })
	f.quads = quads
	f.index = make(map[Quadrant]int, len(quads))
	for i, q := range quads {
		f.index[q] = i
	}
	f.layout = nil
	f.nodes = nil
}

// NumElements returns the number of leaves.
func (f *Forest) NumElements() int { return len(f.quads) }

// Quadrants returns the leaves in Morton order. The slice must not be modified.
func (f *Forest) Quadrants() []Quadrant { return f.quads }

// Order returns the number of nodes per element edge.
func (f *Forest) Order() int { return f.order }

// Grid returns the tree grid dimensions.
func (f *Forest) Grid() (nx, ny int) { return f.nx, f.ny }

// Domain returns the physical domain extents.
func (f *Forest) Domain() (lx, ly float64) { return f.lx, f.ly }

// Layout returns the element partition, or nil before Repartition.
func (f *Forest) Layout() *partitions.PartitionLayout { return f.layout }

// NumRanks returns the number of partitions, zero before Repartition.
func (f *Forest) NumRanks() int {
	if f.layout == nil {
		return 0
	}
	return f.layout.NumPartitions
}

// LevelRange returns the minimum and maximum leaf levels.
func (f *Forest) LevelRange() (lo, hi int) {
	lo = MaxLevel
	for _, q := range f.quads {
		lo = min(lo, q.Level)
		hi = max(hi, q.Level)
	}
	return lo, hi
}

// SetOrder changes the number of nodes per element edge and discards nodes.
func (f *Forest) SetOrder(order int) error {
	if order < LowestOrder || order > HighestOrder {
		return fmt.Errorf("%w: %d", ErrUnsupportedOrder, order)
	}
	if _, hi := f.LevelRange(); order > 2 && hi >= MaxLevel {
		return fmt.Errorf("%w: order %d at level %d", ErrUnsupportedOrder, order, hi)
	}
	f.order = order
	f.nodes = nil
	return nil
}

// Duplicate returns a copy of the leaves, order and partition without nodes.
func (f *Forest) Duplicate() *Forest {
	d := &Forest{nx: f.nx, ny: f.ny, lx: f.lx, ly: f.ly, order: f.order}
	d.setQuadrants(append([]Quadrant(nil), f.quads...))
	d.layout = f.layout
	return d
}

// Refine applies per-element marks: positive refines a leaf below maxLevel,
// negative coarsens a family above minLevel when all four siblings are
// leaves marked for coarsening, zero keeps the leaf.
func (f *Forest) Refine(marks []int, minLevel, maxLevel int) error {
	if len(marks) != len(f.quads) {
		return fmt.Errorf("failed to refine: %d marks for %d elements", len(marks), len(f.quads))
	}
	maxLevel = min(maxLevel, MaxLevel-1)

	coarsen := make(map[Quadrant]int)
	for i, q := range f.quads {
		if marks[i] < 0 && q.Level > minLevel {
			coarsen[q.Parent()]++
		}
	}

	quads := make([]Quadrant, 0, len(f.quads))
	for i, q := range f.quads {
		switch {
		case marks[i] > 0 && q.Level < maxLevel:
			c := q.Children()
			quads = append(quads, c[:]...)
		case marks[i] < 0 && coarsen[q.Parent()] == 4:
			if q.ChildID() == 0 {
				quads = append(quads, q.Parent())
			}
		default:
			quads = append(quads, q)
		}
	}
	f.setQuadrants(quads)
	return nil
}

// Coarsen returns a forest in which every complete family of leaves is
// replaced by its parent. Level-0 leaves and incomplete families are kept.
func (f *Forest) Coarsen() *Forest {
	count := make(map[Quadrant]int)
	for _, q := range f.quads {
		if q.Level > 0 {
			count[q.Parent()]++
		}
	}
	quads := make([]Quadrant, 0, len(f.quads))
	for _, q := range f.quads {
		if q.Level > 0 && count[q.Parent()] == 4 {
			if q.ChildID() == 0 {
				quads = append(quads, q.Parent())
			}
			continue
		}
		quads = append(quads, q)
	}
	c := &Forest{nx: f.nx, ny: f.ny, lx: f.lx, ly: f.ly, order: f.order}
	c.setQuadrants(quads)
	return c
}

// Balance enforces the 2:1 condition across edges and corners by splitting
// leaves until no neighbour differs by more than one level.
func (f *Forest) Balance() {
	for {
		split := make(map[Quadrant]struct{})
		for _, q := range f.quads {
			if q.Level < 2 {
				continue
			}
			h := q.Size()
			for _, d := range [8][2]int{
				{-1, 0}, {h, 0}, {0, -1}, {0, h},
				{-1, -1}, {h, -1}, {-1, h}, {h, h},
			} {
				x, y := q.X+d[0], q.Y+d[1]
				if !f.inside(x, y) {
					continue
				}
				if n, ok := f.leafAt(x, y); ok && n.Level < q.Level-1 {
					split[n] = struct{}{}
				}
			}
		}
		if len(split) == 0 {
			return
		}
		quads := make([]Quadrant, 0, len(f.quads)+3*len(split))
		for _, q := range f.quads {
			if _, ok := split[q]; ok {
				c := q.Children()
				quads = append(quads, c[:]...)
				continue
			}
			quads = append(quads, q)
		}
		f.setQuadrants(quads)
	}
}

// IsBalanced reports whether every pair of edge or corner neighbours differs
// by at most one level.
func (f *Forest) IsBalanced() bool {
	for _, q := range f.quads {
		h := q.Size()
		for _, d := range [8][2]int{
			{-1, 0}, {h, 0}, {0, -1}, {0, h},
			{-1, -1}, {h, -1}, {-1, h}, {h, h},
		} {
			x, y := q.X+d[0], q.Y+d[1]
			if !f.inside(x, y) {
				continue
			}
			if n, ok := f.leafAt(x, y); ok && n.Level < q.Level-1 {
				return false
			}
		}
	}
	return true
}

// Repartition distributes the leaves over nranks contiguous runs of the
// Morton curve.
func (f *Forest) Repartition(nranks int) error {
	keys := make([]uint64, len(f.quads))
	for i, q := range f.quads {
		keys[i] = q.Key()
	}
	pb := &partitions.PartitionBuilder{
		Mesh:          &partitions.MeshConnectivity{NumElements: len(f.quads), SFCKeys: keys},
		NumPartitions: nranks,
		Strategy:      partitions.SpaceFillingCurve,
	}
	layout, err := pb.BuildPartitions()
	if err != nil {
		return fmt.Errorf("failed to repartition forest: %w", err)
	}
	f.layout = layout
	f.nodes = nil
	return nil
}

func (f *Forest) inside(x, y int) bool {
	return x >= 0 && y >= 0 && x < f.nx*treeSize && y < f.ny*treeSize
}

// leafAt returns the leaf whose half-open box contains the integer point.
func (f *Forest) leafAt(x, y int) (Quadrant, bool) {
	for l := 0; l <= MaxLevel; l++ {
		h := 1 << (MaxLevel - l)
		c := Quadrant{X: x &^ (h - 1), Y: y &^ (h - 1), Level: l}
		if _, ok := f.index[c]; ok {
			return c, true
		}
	}
	return Quadrant{}, false
}

// ElementIndex returns the position of leaf q, or -1.
func (f *Forest) ElementIndex(q Quadrant) int {
	if i, ok := f.index[q]; ok {
		return i
	}
	return -1
}

// scale returns the physical length of one integer unit in each direction.
func (f *Forest) scale() (sx, sy float64) {
	return f.lx / float64(f.nx*treeSize), f.ly / float64(f.ny*treeSize)
}

// ToPhysical maps integer frame coordinates to physical coordinates.
func (f *Forest) ToPhysical(x, y int) (float64, float64) {
	sx, sy := f.scale()
	return float64(x) * sx, float64(y) * sy
}

// ElementBounds returns the physical box of element e.
func (f *Forest) ElementBounds(e int) (x0, y0, x1, y1 float64) {
	q := f.quads[e]
	h := q.Size()
	x0, y0 = f.ToPhysical(q.X, q.Y)
	x1, y1 = f.ToPhysical(q.X+h, q.Y+h)
	return
}

// ElementCenters returns the physical centre of every element.
func (f *Forest) ElementCenters() [][2]float64 {
	c := make([][2]float64, len(f.quads))
	for e := range f.quads {
		x0, y0, x1, y1 := f.ElementBounds(e)
		c[e] = [2]float64{0.5 * (x0 + x1), 0.5 * (y0 + y1)}
	}
	return c
}

// FindEnclosing returns the element containing the physical point and the
// point's reference coordinates in [-1,1]². Points outside the domain are
// clamped to its boundary.
func (f *Forest) FindEnclosing(x, y float64) (elem int, xi, eta float64) {
	sx, sy := f.scale()
	ix := int(math.Floor(x / sx))
	iy := int(math.Floor(y / sy))
	ix = max(0, min(ix, f.nx*treeSize-1))
	iy = max(0, min(iy, f.ny*treeSize-1))
	q, _ := f.leafAt(ix, iy)
	elem = f.index[q]
	x0, y0, x1, y1 := f.ElementBounds(elem)
	xi = math.Max(-1, math.Min(1, 2*(x-x0)/(x1-x0)-1))
	eta = math.Max(-1, math.Min(1, 2*(y-y0)/(y1-y0)-1))
	return elem, xi, eta
}

// String summarizes the forest.
func (f *Forest) String() string {
	var sb strings.Builder
	lo, hi := f.LevelRange()
	fmt.Fprintf(&sb, "forest %dx%d trees, %d elements, order %d, levels [%d,%d]",
		f.nx, f.ny, len(f.quads), f.order, lo, hi)
	if f.layout != nil {
		fmt.Fprintf(&sb, ", %d ranks", f.layout.NumPartitions)
	}
	if f.nodes != nil {
		fmt.Fprintf(&sb, ", %d nodes (%d dependent)", f.nodes.NumNodes(), f.nodes.NumDependent())
	}
	return sb.String()
}
