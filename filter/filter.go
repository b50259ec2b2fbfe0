// Package filter maps design variables to filtered densities on the nodes of
// a design forest.
package filter

import (
	"fmt"
	"math"
	"strings"

	"github.com/notargets/freqtopo/linalg"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/quadforest"
)

// Type names a filter.
type Type string

const (
	Lagrange  Type = "lagrange"
	Matrix    Type = "matrix"
	Conic     Type = "conic"
	Helmholtz Type = "helmholtz"
)

// ParseType converts a configuration string to a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(s)); t {
	case Lagrange, Matrix, Conic, Helmholtz:
		return t, nil
	}
	return "", fmt.Errorf("unknown filter type %q", s)
}

// Filter is a linear map ρ = F x on the nodes of a forest.
type Filter interface {
	Type() Type
	Forest() *quadforest.Forest
	NumDesignVars() int
	// Apply computes rho = F x.
	Apply(x, rho []float64)
	// ApplyTranspose computes out = Fᵀ g.
	ApplyTranspose(g, out []float64)
}

// Options selects and parameterizes the filter.
type Options struct {
	Type Type    `yaml:"type"`
	R0   float64 `yaml:"r0"`
	N    int     `yaml:"n"` // neighbour depth of the matrix filter
}

// New builds the filter on the nodes of forest. Nodes are created when
// missing.
func New(forest *quadforest.Forest, opts Options, log *logging.Logger) (Filter, error) {
	log = logging.OrNoop(log)
	if forest.Nodes() == nil {
		if err := forest.CreateNodes(); err != nil {
			return nil, fmt.Errorf("failed to create filter nodes: %w", err)
		}
	}
	if opts.Type == "" {
		opts.Type = Lagrange
	}
	t, err := ParseType(string(opts.Type))
	if err != nil {
		return nil, err
	}
	opts.Type = t
	if opts.Type != Lagrange && !(opts.R0 > 0) {
		return nil, fmt.Errorf("%s filter needs a positive radius, got %g", opts.Type, opts.R0)
	}
	var f Filter
	switch opts.Type {
	case Lagrange:
		f = &identity{forest: forest}
	case Matrix:
		f, err = newMatrixFilter(forest, opts.R0, max(1, opts.N))
	case Conic:
		f, err = newConicFilter(forest, opts.R0)
	case Helmholtz:
		f, err = newHelmholtzFilter(forest, opts.R0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build %s filter: %w", opts.Type, err)
	}
	log.Debug("filter built", "type", string(f.Type()), "nodes", f.NumDesignVars(), "r0", opts.R0)
	return f, nil
}

type identity struct {
	forest *quadforest.Forest
}

func (f *identity) Type() Type                      { return Lagrange }
func (f *identity) Forest() *quadforest.Forest      { return f.forest }
func (f *identity) NumDesignVars() int              { return f.forest.NumNodes() }
func (f *identity) Apply(x, rho []float64)          { copy(rho, x) }
func (f *identity) ApplyTranspose(g, out []float64) { copy(out, g) }

// weighted is an explicit row-normalized filter matrix.
type weighted struct {
	typ    Type
	forest *quadforest.Forest
	w      *linalg.CSR
}

func (f *weighted) Type() Type                      { return f.typ }
func (f *weighted) Forest() *quadforest.Forest      { return f.forest }
func (f *weighted) NumDesignVars() int              { return f.forest.NumNodes() }
func (f *weighted) Apply(x, rho []float64)          { f.w.Mult(x, rho) }
func (f *weighted) ApplyTranspose(g, out []float64) { f.w.MultTranspose(g, out) }

// Weights returns the filter matrix.
func (f *weighted) Weights() *linalg.CSR { return f.w }

// hat returns the cone weight r0 - d, or zero outside the radius.
func hat(r0 float64, a, b [2]float64) float64 {
	return math.Max(0, r0-math.Hypot(a[0]-b[0], a[1]-b[1]))
}

func normalized(n int, rows [][]int, vals [][]float64) *linalg.CSR {
	b := linalg.NewBuilder(n, n)
	for i := range rows {
		sum := 0.0
		for _, v := range vals[i] {
			sum += v
		}
		for k, j := range rows[i] {
			b.Add(i, j, vals[i][k]/sum)
		}
	}
	return b.Build()
}

// newMatrixFilter averages over the nodes reachable through at most depth
// shared elements, weighted by the cone of radius r0.
func newMatrixFilter(forest *quadforest.Forest, r0 float64, depth int) (*weighted, error) {
	n := forest.NumNodes()
	pts := forest.Points()
	nodeElems := make([][]int, n)
	for e := 0; e < forest.NumElements(); e++ {
		for _, node := range forest.ElementIndependentNodes(e) {
			nodeElems[node] = append(nodeElems[node], e)
		}
	}
	rows := make([][]int, n)
	vals := make([][]float64, n)
	seen := make([]int, n)
	for i := range seen {
		seen[i] = -1
	}
	for i := 0; i < n; i++ {
		frontier := []int{i}
		seen[i] = i
		rows[i] = append(rows[i], i)
		vals[i] = append(vals[i], r0)
		for d := 0; d < depth; d++ {
			var next []int
			for _, p := range frontier {
				for _, e := range nodeElems[p] {
					for _, q := range forest.ElementIndependentNodes(e) {
						if seen[q] == i {
							continue
						}
						seen[q] = i
						next = append(next, q)
						if w := hat(r0, pts[i], pts[q]); w > 0 {
							rows[i] = append(rows[i], q)
							vals[i] = append(vals[i], w)
						}
					}
				}
			}
			frontier = next
		}
	}
	return &weighted{typ: Matrix, forest: forest, w: normalized(n, rows, vals)}, nil
}

// newConicFilter averages over all nodes within r0 using a bucket grid.
func newConicFilter(forest *quadforest.Forest, r0 float64) (*weighted, error) {
	n := forest.NumNodes()
	pts := forest.Points()
	lx, ly := forest.Domain()
	nbx := max(1, int(math.Ceil(lx/r0)))
	nby := max(1, int(math.Ceil(ly/r0)))
	cell := func(p [2]float64) (int, int) {
		return min(nbx-1, int(p[0]/r0)), min(nby-1, int(p[1]/r0))
	}
	buckets := make([][]int, nbx*nby)
	for i, p := range pts {
		cx, cy := cell(p)
		buckets[cy*nbx+cx] = append(buckets[cy*nbx+cx], i)
	}
	rows := make([][]int, n)
	vals := make([][]float64, n)
	for i, p := range pts {
		cx, cy := cell(p)
		for by := max(0, cy-1); by <= min(nby-1, cy+1); by++ {
			for bx := max(0, cx-1); bx <= min(nbx-1, cx+1); bx++ {
				for _, j := range buckets[by*nbx+bx] {
					if w := hat(r0, p, pts[j]); w > 0 {
						rows[i] = append(rows[i], j)
						vals[i] = append(vals[i], w)
					}
				}
			}
		}
	}
	return &weighted{typ: Conic, forest: forest, w: normalized(n, rows, vals)}, nil
}
