package fem

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/notargets/freqtopo/element"
	"github.com/notargets/freqtopo/linalg"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/partitions"
	"github.com/notargets/freqtopo/quadforest"
)

// VarsPerNode is the number of displacement components per node.
const VarsPerNode = 2

type nodeWeight struct {
	node int
	w    float64
}

// Assembler builds plane-stress stiffness and mass operators on a forest.
// Design densities live on the nodes of a bilinear design forest with the
// same leaves and are interpolated to the analysis quadrature points.
type Assembler struct {
	forest *quadforest.Forest
	design *quadforest.Forest
	el     *element.QuadLagrange
	gt     *element.GeometricTransform
	mat    Material
	log    *logging.Logger

	np, nq  int
	kq      [][]float64 // unit-modulus stiffness blocks per quadrature point, (2np)²
	mq      [][]float64 // mass blocks per quadrature point for area refArea, np²
	refArea float64
	dvBasis [][]float64 // design basis at the quadrature points [nq][4]

	elemExp [][][]nodeWeight // [e][local] analysis node expansion
	dvExp   [][][]nodeWeight // [e][local] design node expansion

	rho     []float64
	version uint64

	bcs     []BoundaryCondition
	bcDofs  []int
	pattern *linalg.CSR
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Assembler) { a.log = l }
}

// NewAssembler creates an assembler for the analysis forest and its design
// forest. Missing node numberings are created. Densities start at one.
func NewAssembler(forest, design *quadforest.Forest, mat Material, bcs []BoundaryCondition, opts ...Option) (*Assembler, error) {
	if err := mat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid material: %w", err)
	}
	if forest.NumElements() != design.NumElements() {
		return nil, fmt.Errorf("analysis forest has %d elements, design forest %d",
			forest.NumElements(), design.NumElements())
	}
	if design.Order() != quadforest.LowestOrder {
		return nil, fmt.Errorf("design forest must have order %d, got %d", quadforest.LowestOrder, design.Order())
	}
	for e, q := range forest.Quadrants() {
		if design.Quadrants()[e] != q {
			return nil, fmt.Errorf("design forest leaf %d differs from the analysis forest", e)
		}
	}
	for _, f := range []*quadforest.Forest{forest, design} {
		if f.Nodes() == nil {
			if err := f.CreateNodes(); err != nil {
				return nil, fmt.Errorf("failed to create nodes: %w", err)
			}
		}
	}

	el, err := element.NewQuadLagrange(forest.Order() - 1)
	if err != nil {
		return nil, err
	}
	a := &Assembler{
		forest: forest,
		design: design,
		el:     el,
		mat:    mat,
		log:    logging.NoopLogger(),
		np:     el.Np(),
		nq:     el.NumQuadPoints(),
		bcs:    bcs,
	}
	for _, opt := range opts {
		opt(a)
	}

	K := forest.NumElements()
	hx := make([]float64, K)
	hy := make([]float64, K)
	for e := 0; e < K; e++ {
		x0, y0, x1, y1 := forest.ElementBounds(e)
		hx[e], hy[e] = x1-x0, y1-y0
	}
	if a.gt, err = element.NewRectTransform(hx, hy); err != nil {
		return nil, err
	}
	ar := a.gt.AspectRatio(0)
	for e := 1; e < K; e++ {
		if math.Abs(a.gt.AspectRatio(e)-ar) > 1e-10*ar {
			return nil, fmt.Errorf("element %d aspect ratio %g differs from %g", e, a.gt.AspectRatio(e), ar)
		}
	}

	for _, G := range el.StiffnessBlocks(hx[0], hy[0], mat.Nu) {
		a.kq = append(a.kq, flatten(G.At, 2*a.np))
	}
	for _, H := range el.MassBlocks(hx[0], hy[0]) {
		a.mq = append(a.mq, flatten(H.At, a.np))
	}
	a.refArea = hx[0] * hy[0]

	del, err := element.NewQuadLagrange(1)
	if err != nil {
		return nil, err
	}
	quad := el.GetQuadrature()
	a.dvBasis = make([][]float64, a.nq)
	for q := 0; q < a.nq; q++ {
		a.dvBasis[q] = del.Interpolate(quad.R[q], quad.S[q])
	}

	a.elemExp = expansions(forest)
	a.dvExp = expansions(design)

	lx, ly := forest.Domain()
	if a.bcDofs, err = bcDofs(forest.Points(), lx, ly, bcs); err != nil {
		return nil, err
	}

	a.rho = make([]float64, design.NumNodes())
	for i := range a.rho {
		a.rho[i] = 1
	}
	a.version = 1
	return a, nil
}

func flatten(at func(i, j int) float64, n int) []float64 {
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = at(i, j)
		}
	}
	return out
}

func expansions(f *quadforest.Forest) [][][]nodeWeight {
	out := make([][][]nodeWeight, f.NumElements())
	for e := range out {
		n := len(f.ElementNodes(e))
		out[e] = make([][]nodeWeight, n)
		f.ForEachElementNode(e, func(local, node int, w float64) {
			out[e][local] = append(out[e][local], nodeWeight{node, w})
		})
	}
	return out
}

// Forest returns the analysis forest.
func (a *Assembler) Forest() *quadforest.Forest { return a.forest }

// DesignForest returns the forest carrying the design variables.
func (a *Assembler) DesignForest() *quadforest.Forest { return a.design }

// Material returns the material.
func (a *Assembler) Material() Material { return a.mat }

// BoundaryConditions returns the boundary conditions.
func (a *Assembler) BoundaryConditions() []BoundaryCondition { return a.bcs }

// NumDofs returns the number of displacement unknowns.
func (a *Assembler) NumDofs() int { return VarsPerNode * a.forest.NumNodes() }

// NumDesignVars returns the number of design nodes.
func (a *Assembler) NumDesignVars() int { return a.design.NumNodes() }

// BCDofs returns the sorted clamped degrees of freedom.
func (a *Assembler) BCDofs() []int { return a.bcDofs }

// Version increases every time the design variables change.
func (a *Assembler) Version() uint64 { return a.version }

// CreateVec returns a zero displacement vector.
func (a *Assembler) CreateVec() []float64 { return make([]float64, a.NumDofs()) }

// CreateDesignVec returns a zero halo-aware design vector.
func (a *Assembler) CreateDesignVec() *partitions.DistVec {
	return partitions.NewDistVec(a.design.Ownership(), 1)
}

// SetDesignVars sets the nodal densities.
func (a *Assembler) SetDesignVars(rho []float64) error {
	if len(rho) != len(a.rho) {
		return fmt.Errorf("%w: %d design values, expected %d", ErrDimensionMismatch, len(rho), len(a.rho))
	}
	if slices.Equal(rho, a.rho) {
		return nil
	}
	copy(a.rho, rho)
	a.version++
	return nil
}

// GetDesignVars copies the nodal densities into rho.
func (a *Assembler) GetDesignVars(rho []float64) {
	copy(rho, a.rho)
}

// rhoAtQuad interpolates the nodal density rho to the quadrature points of e.
func (a *Assembler) rhoAtQuad(e int, rho []float64, out []float64) {
	exp := a.dvExp[e]
	var nodal [4]float64
	for k := range exp {
		v := 0.0
		for _, nw := range exp[k] {
			v += nw.w * rho[nw.node]
		}
		nodal[k] = v
	}
	for q := 0; q < a.nq; q++ {
		v := 0.0
		for k, b := range a.dvBasis[q] {
			v += b * nodal[k]
		}
		out[q] = v
	}
}

// elementMatrix forms the element matrix of the given kind for densities rhoQ.
func (a *Assembler) elementMatrix(kind MatrixKind, e int, rhoQ []float64, ke []float64) {
	clear(ke)
	nd := 2 * a.np
	switch kind {
	case Stiffness:
		for q := 0; q < a.nq; q++ {
			E := a.mat.Stiffness(rhoQ[q])
			for i, g := range a.kq[q] {
				ke[i] += E * g
			}
		}
	case Mass:
		scale := a.gt.Hx[e] * a.gt.Hy[e] / a.refArea
		for q := 0; q < a.nq; q++ {
			m := a.mat.MassDensity(rhoQ[q]) * scale
			for i := 0; i < a.np; i++ {
				for j := 0; j < a.np; j++ {
					v := m * a.mq[q][i*a.np+j]
					ke[(2*i)*nd+2*j] += v
					ke[(2*i+1)*nd+2*j+1] += v
				}
			}
		}
	}
}

// sparsity returns the shared pattern of all assembled matrices.
func (a *Assembler) sparsity() *linalg.CSR {
	if a.pattern != nil {
		return a.pattern
	}
	n := a.NumDofs()
	b := linalg.NewBuilder(n, n)
	for e := range a.elemExp {
		var dofs []int
		for _, exp := range a.elemExp[e] {
			for _, nw := range exp {
				dofs = append(dofs, 2*nw.node, 2*nw.node+1)
			}
		}
		sort.Ints(dofs)
		dofs = slices.Compact(dofs)
		for _, i := range dofs {
			for _, j := range dofs {
				b.Add(i, j, 1)
			}
		}
	}
	for i := 0; i < n; i++ {
		b.Add(i, i, 1)
	}
	p := b.Build()
	clear(p.Val)
	a.pattern = p
	a.log.Debug("sparsity pattern built", "dofs", n, "nnz", p.NNZ())
	return p
}

func position(m *linalg.CSR, i, j int) int {
	cols := m.ColInd[m.RowPtr[i]:m.RowPtr[i+1]]
	k := sort.SearchInts(cols, j)
	return m.RowPtr[i] + k
}

// AssembleMatType assembles the operator of the given kind at the current
// densities without boundary conditions.
func (a *Assembler) AssembleMatType(ctx context.Context, kind MatrixKind) (*linalg.CSR, error) {
	return a.AssembleMatTypeAt(ctx, kind, a.rho)
}

// AssembleMatTypeAt assembles the operator of the given kind at the nodal
// densities rho. Element loops run per rank; rank contributions are summed
// in rank order.
func (a *Assembler) AssembleMatTypeAt(ctx context.Context, kind MatrixKind, rho []float64) (*linalg.CSR, error) {
	if len(rho) != len(a.rho) {
		return nil, fmt.Errorf("%w: %d design values, expected %d", ErrDimensionMismatch, len(rho), len(a.rho))
	}
	out := a.sparsity().Clone()
	layout := a.forest.Layout()
	parts := make([][]float64, layout.NumPartitions)
	nd := 2 * a.np
	err := partitions.ForEachRank(ctx, layout, func(ctx context.Context, rank int, elems []int) error {
		val := make([]float64, len(out.Val))
		ke := make([]float64, nd*nd)
		rhoQ := make([]float64, a.nq)
		for _, e := range elems {
			if err := ctx.Err(); err != nil {
				return err
			}
			a.rhoAtQuad(e, rho, rhoQ)
			a.elementMatrix(kind, e, rhoQ, ke)
			exp := a.elemExp[e]
			for ka := range exp {
				for _, na := range exp[ka] {
					for kb := range exp {
						for _, nb := range exp[kb] {
							w := na.w * nb.w
							for ca := 0; ca < 2; ca++ {
								row := 2*na.node + ca
								for cb := 0; cb < 2; cb++ {
									v := ke[(2*ka+ca)*nd+2*kb+cb]
									if v != 0 {
										val[position(out, row, 2*nb.node+cb)] += w * v
									}
								}
							}
						}
					}
				}
			}
		}
		parts[rank] = val
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assemble %s matrix: %w", kind, err)
	}
	for _, val := range parts {
		for k, v := range val {
			out.Val[k] += v
		}
	}
	return out, nil
}

// gather extracts the element vector of e from a global displacement vector.
func (a *Assembler) gather(e int, u, ue []float64) {
	for k, exp := range a.elemExp[e] {
		ux, uy := 0.0, 0.0
		for _, nw := range exp {
			ux += nw.w * u[2*nw.node]
			uy += nw.w * u[2*nw.node+1]
		}
		ue[2*k], ue[2*k+1] = ux, uy
	}
}

// AddMatDVSensInnerProduct adds coeff · uᵀ (∂A/∂ρ) v to out, where A is the
// operator of the given kind and ρ the nodal densities. out is not merged;
// the caller completes it with BeginSetValues/EndSetValues.
func (a *Assembler) AddMatDVSensInnerProduct(ctx context.Context, coeff float64, kind MatrixKind, u, v []float64, out *partitions.DistVec) error {
	return a.AddMatDVSensInnerProductAt(ctx, coeff, kind, a.rho, u, v, out)
}

// AddMatDVSensInnerProductAt is AddMatDVSensInnerProduct with the derivative
// taken at the nodal densities rho instead of the current ones.
func (a *Assembler) AddMatDVSensInnerProductAt(ctx context.Context, coeff float64, kind MatrixKind, rho, u, v []float64, out *partitions.DistVec) error {
	if len(u) != a.NumDofs() || len(v) != a.NumDofs() {
		return fmt.Errorf("%w: vectors of length %d and %d, expected %d",
			ErrDimensionMismatch, len(u), len(v), a.NumDofs())
	}
	if len(rho) != len(a.rho) {
		return fmt.Errorf("%w: %d design values, expected %d", ErrDimensionMismatch, len(rho), len(a.rho))
	}
	nd := 2 * a.np
	err := partitions.ForEachRank(ctx, a.forest.Layout(), func(ctx context.Context, rank int, elems []int) error {
		ue := make([]float64, nd)
		ve := make([]float64, nd)
		rhoQ := make([]float64, a.nq)
		for _, e := range elems {
			if err := ctx.Err(); err != nil {
				return err
			}
			a.gather(e, u, ue)
			a.gather(e, v, ve)
			a.rhoAtQuad(e, rho, rhoQ)
			scale := a.gt.Hx[e] * a.gt.Hy[e] / a.refArea
			for q := 0; q < a.nq; q++ {
				var d float64
				switch kind {
				case Stiffness:
					g := a.kq[q]
					for i := 0; i < nd; i++ {
						s := 0.0
						for j := 0; j < nd; j++ {
							s += g[i*nd+j] * ve[j]
						}
						d += ue[i] * s
					}
					d *= a.mat.StiffnessDeriv(rhoQ[q])
				case Mass:
					h := a.mq[q]
					for i := 0; i < a.np; i++ {
						for j := 0; j < a.np; j++ {
							d += h[i*a.np+j] * (ue[2*i]*ve[2*j] + ue[2*i+1]*ve[2*j+1])
						}
					}
					d *= a.mat.Density * scale
				}
				d *= coeff
				for k, b := range a.dvBasis[q] {
					for _, nw := range a.dvExp[e][k] {
						out.AddValue(rank, nw.node, 0, d*b*nw.w)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add %s sensitivity: %w", kind, err)
	}
	return nil
}

// Mass returns the total mass at the current densities.
func (a *Assembler) Mass() float64 {
	quad := a.el.GetQuadrature()
	rhoQ := make([]float64, a.nq)
	m := 0.0
	for e := range a.elemExp {
		a.rhoAtQuad(e, a.rho, rhoQ)
		for q := 0; q < a.nq; q++ {
			m += quad.W[q] * a.gt.J[e] * a.mat.MassDensity(rhoQ[q])
		}
	}
	return m
}

// AddMassDVSens adds coeff · ∂mass/∂ρ to out.
func (a *Assembler) AddMassDVSens(ctx context.Context, coeff float64, out *partitions.DistVec) error {
	quad := a.el.GetQuadrature()
	return partitions.ForEachRank(ctx, a.forest.Layout(), func(_ context.Context, rank int, elems []int) error {
		for _, e := range elems {
			for q := 0; q < a.nq; q++ {
				d := coeff * quad.W[q] * a.gt.J[e] * a.mat.Density
				for k, b := range a.dvBasis[q] {
					for _, nw := range a.dvExp[e][k] {
						out.AddValue(rank, nw.node, 0, d*b*nw.w)
					}
				}
			}
		}
		return nil
	})
}

// Area returns the domain area.
func (a *Assembler) Area() float64 {
	lx, ly := a.forest.Domain()
	return lx * ly
}

// AssembleLoad returns the consistent nodal force vector of point loads.
func (a *Assembler) AssembleLoad(loads []PointLoad) []float64 {
	f := a.CreateVec()
	for _, l := range loads {
		e, r, s := a.forest.FindEnclosing(l.X, l.Y)
		n := a.el.Interpolate(r, s)
		for k, exp := range a.elemExp[e] {
			for _, nw := range exp {
				f[2*nw.node] += n[k] * nw.w * l.Fx
				f[2*nw.node+1] += n[k] * nw.w * l.Fy
			}
		}
	}
	a.ApplyBCs(f)
	return f
}

// ApplyBCs zeroes the clamped entries of a displacement-space vector.
func (a *Assembler) ApplyBCs(vec []float64) {
	for _, d := range a.bcDofs {
		vec[d] = 0
	}
}

// ApplyMatBCs zeroes the clamped rows and columns and places a unit diagonal.
func (a *Assembler) ApplyMatBCs(m *linalg.CSR) {
	m.ZeroRowsCols(a.bcDofs, 1)
}
