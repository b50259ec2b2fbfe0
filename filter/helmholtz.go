package filter

import (
	"fmt"
	"math"

	"github.com/notargets/freqtopo/element"
	"github.com/notargets/freqtopo/linalg"
	"github.com/notargets/freqtopo/quadforest"
)

// helmholtz solves (M + r²L) ρ = M x with r = r0/(2√3), where M and L are the
// scalar mass and diffusion matrices of the forest.
type helmholtz struct {
	forest *quadforest.Forest
	m, a   *linalg.CSR
	dinv   []float64
	tmp    []float64
}

const helmholtzTol = 1e-12

func newHelmholtzFilter(forest *quadforest.Forest, r0 float64) (*helmholtz, error) {
	el, err := element.NewQuadLagrange(forest.Order() - 1)
	if err != nil {
		return nil, err
	}
	r := r0 / (2 * math.Sqrt(3))
	n := forest.NumNodes()
	mb := linalg.NewBuilder(n, n)
	ab := linalg.NewBuilder(n, n)
	np := el.Np()
	type nw struct {
		node int
		w    float64
	}
	for e := 0; e < forest.NumElements(); e++ {
		x0, y0, x1, y1 := forest.ElementBounds(e)
		hx, hy := x1-x0, y1-y0
		var me [][]float64
		for _, H := range el.MassBlocks(hx, hy) {
			if me == nil {
				me = make([][]float64, np)
				for i := range me {
					me[i] = make([]float64, np)
				}
			}
			for i := 0; i < np; i++ {
				for j := 0; j < np; j++ {
					me[i][j] += H.At(i, j)
				}
			}
		}
		L := el.DiffusionMatrix(hx, hy)
		exp := make([][]nw, np)
		forest.ForEachElementNode(e, func(local, node int, w float64) {
			exp[local] = append(exp[local], nw{node, w})
		})
		for i := 0; i < np; i++ {
			for j := 0; j < np; j++ {
				mv := me[i][j]
				av := mv + r*r*L.At(i, j)
				for _, a := range exp[i] {
					for _, b := range exp[j] {
						mb.Add(a.node, b.node, a.w*b.w*mv)
						ab.Add(a.node, b.node, a.w*b.w*av)
					}
				}
			}
		}
	}
	f := &helmholtz{forest: forest, m: mb.Build(), a: ab.Build(), tmp: make([]float64, n)}
	d := f.a.Diagonal()
	f.dinv = make([]float64, n)
	for i, v := range d {
		if v <= 0 {
			return nil, fmt.Errorf("non-positive diagonal %g at node %d", v, i)
		}
		f.dinv[i] = 1 / v
	}
	return f, nil
}

func (f *helmholtz) Type() Type                 { return Helmholtz }
func (f *helmholtz) Forest() *quadforest.Forest { return f.forest }
func (f *helmholtz) NumDesignVars() int         { return f.forest.NumNodes() }

func (f *helmholtz) solve(b, x []float64) {
	pc := linalg.PreconditionerFunc(func(r, z []float64) {
		for i := range r {
			z[i] = r[i] * f.dinv[i]
		}
	})
	clear(x)
	linalg.CG(f.a, pc, b, x, 10*len(b), helmholtzTol, 0)
}

// Apply computes ρ = (M + r²L)⁻¹ M x.
func (f *helmholtz) Apply(x, rho []float64) {
	f.m.Mult(x, f.tmp)
	f.solve(f.tmp, rho)
}

// ApplyTranspose computes M (M + r²L)⁻¹ g.
func (f *helmholtz) ApplyTranspose(g, out []float64) {
	f.solve(g, f.tmp)
	f.m.Mult(f.tmp, out)
}
