// Package refine marks the elements of a forest for refinement or
// coarsening from the optimized densities.
package refine

import (
	"container/heap"
	"fmt"
	"math"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/notargets/freqtopo/quadforest"
)

// Strategy names an indicator.
type Strategy string

const (
	DensityStrategy  Strategy = "density"
	DistanceStrategy Strategy = "distance"
	TargetStrategy   Strategy = "target"
)

// ParseStrategy converts a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(s)); st {
	case DensityStrategy, DistanceStrategy, TargetStrategy:
		return st, nil
	}
	return "", fmt.Errorf("unknown refinement strategy %q", s)
}

// Marks holds the elements to refine and to coarsen. The sets are disjoint.
type Marks struct {
	Refine  *roaring.Bitmap
	Coarsen *roaring.Bitmap
}

func newMarks() Marks {
	return Marks{Refine: roaring.New(), Coarsen: roaring.New()}
}

// Ints converts the marks to the per-element form of quadforest.Refine.
func (m Marks) Ints(n int) []int {
	out := make([]int, n)
	it := m.Refine.Iterator()
	for it.HasNext() {
		out[it.Next()] = 1
	}
	it = m.Coarsen.Iterator()
	for it.HasNext() {
		out[it.Next()] = -1
	}
	return out
}

// Indicator computes marks from the densities rho on the nodes of the
// design forest. Elements of the design forest coincide with those of the
// analysis forest.
type Indicator interface {
	Strategy() Strategy
	Mark(design *quadforest.Forest, rho []float64) (Marks, error)
}

// Options selects and parameterizes an indicator.
type Options struct {
	Strategy Strategy `yaml:"strategy"`
	Lower    float64  `yaml:"lower"`
	Upper    float64  `yaml:"upper"`
	Reverse  bool     `yaml:"reverse"`
	Cutoff   float64  `yaml:"cutoff"`
	// DistanceFactor times the domain length is the refinement distance.
	DistanceFactor float64 `yaml:"distance_factor"`
	InterfaceLevel int     `yaml:"interface_level"`
	InteriorLevel  int     `yaml:"interior_level"`
	MinLevel       int     `yaml:"min_level"`
	MaxLevel       int     `yaml:"max_level"`
}

// DefaultOptions returns density-based refinement with bounds 0.05 and 0.5.
func DefaultOptions() Options {
	return Options{
		Strategy:       DensityStrategy,
		Lower:          0.05,
		Upper:          0.5,
		Cutoff:         0.15,
		DistanceFactor: 0.025,
		InterfaceLevel: 2,
		InteriorLevel:  1,
		MaxLevel:       quadforest.MaxLevel - 1,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if _, err := ParseStrategy(string(o.Strategy)); err != nil {
		return err
	}
	switch {
	case !(0 <= o.Lower && o.Lower < o.Upper && o.Upper <= 1):
		return fmt.Errorf("refinement bounds must satisfy 0 <= lower < upper <= 1, got %g and %g", o.Lower, o.Upper)
	case !(0 < o.Cutoff && o.Cutoff < 0.5):
		return fmt.Errorf("cutoff must lie in (0, 0.5), got %g", o.Cutoff)
	case !(o.DistanceFactor > 0):
		return fmt.Errorf("distance factor must be positive, got %g", o.DistanceFactor)
	case o.MinLevel < 0 || o.MinLevel > o.MaxLevel:
		return fmt.Errorf("invalid level range [%d, %d]", o.MinLevel, o.MaxLevel)
	}
	return nil
}

// New returns the indicator selected by opts for a domain of the given
// characteristic length.
func New(opts Options, domainLength float64) (Indicator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch opts.Strategy {
	case DensityStrategy:
		return Density{Lower: opts.Lower, Upper: opts.Upper, Reverse: opts.Reverse}, nil
	case DistanceStrategy:
		return Distance{Cutoff: opts.Cutoff, RefineDistance: opts.DistanceFactor * domainLength}, nil
	default:
		return Target{
			Cutoff:         opts.Cutoff,
			RefineDistance: opts.DistanceFactor * domainLength,
			InterfaceLevel: opts.InterfaceLevel,
			InteriorLevel:  opts.InteriorLevel,
			Reverse:        opts.Reverse,
		}, nil
	}
}

// DomainLength returns the characteristic length sqrt(lx·ly) of a forest.
func DomainLength(f *quadforest.Forest) float64 {
	lx, ly := f.Domain()
	return math.Sqrt(lx * ly)
}

// Apply refines and coarsens f, then balances it.
func Apply(f *quadforest.Forest, m Marks, minLevel, maxLevel int) error {
	if err := f.Refine(m.Ints(f.NumElements()), minLevel, maxLevel); err != nil {
		return err
	}
	f.Balance()
	return nil
}

func checkDesign(design *quadforest.Forest, rho []float64) error {
	if design.Nodes() == nil {
		return quadforest.ErrNoNodes
	}
	if len(rho) != design.NumNodes() {
		return fmt.Errorf("%w: %d densities on %d nodes", quadforest.ErrVarsPerNodeMismatch, len(rho), design.NumNodes())
	}
	return nil
}

// elementRange returns the extreme densities at the nodes of element e.
func elementRange(design *quadforest.Forest, rho []float64, e int) (lo, hi float64) {
	vals := make([]float64, len(design.ElementNodes(e)))
	design.ForEachElementNode(e, func(k, node int, w float64) { vals[k] += w * rho[node] })
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	return lo, hi
}

// Density refines elements holding material and coarsens void ones:
// max ρ ≥ Upper refines and max ρ ≤ Lower coarsens. Reverse tests min ρ
// and swaps the actions.
type Density struct {
	Lower, Upper float64
	Reverse      bool
}

func (Density) Strategy() Strategy { return DensityStrategy }

func (d Density) Mark(design *quadforest.Forest, rho []float64) (Marks, error) {
	if err := checkDesign(design, rho); err != nil {
		return Marks{}, err
	}
	m := newMarks()
	for e := 0; e < design.NumElements(); e++ {
		lo, hi := elementRange(design, rho, e)
		if d.Reverse {
			switch {
			case lo >= d.Upper:
				m.Coarsen.Add(uint32(e))
			case lo <= d.Lower:
				m.Refine.Add(uint32(e))
			}
			continue
		}
		switch {
		case hi >= d.Upper:
			m.Refine.Add(uint32(e))
		case hi <= d.Lower:
			m.Coarsen.Add(uint32(e))
		}
	}
	return m, nil
}

// Distance refines the elements within RefineDistance of the material
// interface and coarsens the rest. Interface elements have a nodal density
// in [Cutoff, 1-Cutoff].
type Distance struct {
	Cutoff         float64
	RefineDistance float64
}

func (Distance) Strategy() Strategy { return DistanceStrategy }

func (d Distance) Mark(design *quadforest.Forest, rho []float64) (Marks, error) {
	if err := checkDesign(design, rho); err != nil {
		return Marks{}, err
	}
	dist := InterfaceDistance(design, rho, d.Cutoff)
	m := newMarks()
	for e, v := range dist {
		if v <= d.RefineDistance {
			m.Refine.Add(uint32(e))
		} else {
			m.Coarsen.Add(uint32(e))
		}
	}
	return m, nil
}

// Target drives interface elements toward InterfaceLevel and interior
// material toward InteriorLevel, one level per application, and coarsens
// void.
type Target struct {
	Cutoff         float64
	RefineDistance float64
	InterfaceLevel int
	InteriorLevel  int
	Reverse        bool
}

func (Target) Strategy() Strategy { return TargetStrategy }

func (t Target) Mark(design *quadforest.Forest, rho []float64) (Marks, error) {
	if err := checkDesign(design, rho); err != nil {
		return Marks{}, err
	}
	dist := InterfaceDistance(design, rho, t.Cutoff)
	quads := design.Quadrants()
	m := newMarks()
	toward := func(e, level int) {
		switch {
		case level > quads[e].Level:
			m.Refine.Add(uint32(e))
		case level < quads[e].Level:
			m.Coarsen.Add(uint32(e))
		}
	}
	for e := range quads {
		if dist[e] <= t.RefineDistance {
			toward(e, t.InterfaceLevel)
			continue
		}
		lo, hi := elementRange(design, rho, e)
		if t.Reverse {
			switch {
			case lo >= 1-t.Cutoff:
				m.Coarsen.Add(uint32(e))
			case lo <= t.Cutoff:
				toward(e, t.InteriorLevel)
			}
			continue
		}
		switch {
		case hi >= 1-t.Cutoff:
			toward(e, t.InteriorLevel)
		case hi <= t.Cutoff:
			m.Coarsen.Add(uint32(e))
		}
	}
	return m, nil
}

// InterfaceDistance returns, per element, the graph distance between
// element centres to the nearest interface element, or +Inf when the design
// has no interface. Elements sharing a node are adjacent.
func InterfaceDistance(design *quadforest.Forest, rho []float64, cutoff float64) []float64 {
	n := design.NumElements()
	centers := design.ElementCenters()
	dist := make([]float64, n)
	pq := &distQueue{}
	for e := 0; e < n; e++ {
		dist[e] = math.Inf(1)
		lo, hi := elementRange(design, rho, e)
		if touchesBand(lo, hi, cutoff) {
			dist[e] = 0
			heap.Push(pq, distItem{elem: e})
		}
	}
	if pq.Len() == 0 {
		return dist
	}

	byNode := make(map[int][]int)
	for e := 0; e < n; e++ {
		for _, node := range design.ElementIndependentNodes(e) {
			byNode[node] = append(byNode[node], e)
		}
	}
	for pq.Len() > 0 {
		it := heap.Pop(pq).(distItem)
		if it.dist > dist[it.elem] {
			continue
		}
		for _, node := range design.ElementIndependentNodes(it.elem) {
			for _, nb := range byNode[node] {
				dx := centers[nb][0] - centers[it.elem][0]
				dy := centers[nb][1] - centers[it.elem][1]
				if d := it.dist + math.Hypot(dx, dy); d < dist[nb] {
					dist[nb] = d
					heap.Push(pq, distItem{elem: nb, dist: d})
				}
			}
		}
	}
	return dist
}

// touchesBand reports whether [lo, hi] intersects [cutoff, 1-cutoff].
func touchesBand(lo, hi, cutoff float64) bool {
	return hi >= cutoff && lo <= 1-cutoff
}

type distItem struct {
	elem int
	dist float64
}

type distQueue []distItem

func (q distQueue) Len() int           { return len(q) }
func (q distQueue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q distQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *distQueue) Push(x any)        { *q = append(*q, x.(distItem)) }
func (q *distQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}
