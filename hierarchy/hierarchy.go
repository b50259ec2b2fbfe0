// Package hierarchy builds the nested forests, assemblers, filter and
// multigrid preconditioner of a topology optimization problem.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/notargets/freqtopo/fem"
	"github.com/notargets/freqtopo/filter"
	"github.com/notargets/freqtopo/linalg"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/multigrid"
	"github.com/notargets/freqtopo/quadforest"
	"github.com/notargets/freqtopo/topo"
)

// ErrCreatorFailed wraps errors returned by a Creator.
var ErrCreatorFailed = errors.New("creator failed")

// Creator builds the discretization of one level.
type Creator interface {
	// CreateFilterForest returns the forest carrying the design variables of
	// the analysis forest.
	CreateFilterForest(forest *quadforest.Forest) (*quadforest.Forest, error)
	// CreateAssembler returns the assembler of the analysis forest with
	// densities on the nodes of filterForest.
	CreateAssembler(forest, filterForest *quadforest.Forest) (*fem.Assembler, error)
}

// ElasticCreator creates plane-stress assemblers with bilinear design forests.
type ElasticCreator struct {
	Material fem.Material
	BCs      []fem.BoundaryCondition
	Log      *logging.Logger
}

// CreateFilterForest duplicates the leaves at the lowest order.
func (c ElasticCreator) CreateFilterForest(forest *quadforest.Forest) (*quadforest.Forest, error) {
	d := forest.Duplicate()
	if err := d.SetOrder(quadforest.LowestOrder); err != nil {
		return nil, err
	}
	if err := d.CreateNodes(); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateAssembler builds an elasticity assembler.
func (c ElasticCreator) CreateAssembler(forest, filterForest *quadforest.Forest) (*fem.Assembler, error) {
	return fem.NewAssembler(forest, filterForest, c.Material, c.BCs, fem.WithLogger(logging.OrNoop(c.Log)))
}

// Options controls the hierarchy.
type Options struct {
	NumLevels int
	NumRanks  int
	Filter    filter.Options
	MG        []multigrid.Option
	Log       *logging.Logger
}

// Level is one discretization of the hierarchy.
type Level struct {
	Forest       *quadforest.Forest
	FilterForest *quadforest.Forest
	Assembler    *fem.Assembler
}

// Hierarchy holds the levels, finest first, and the preconditioner built on
// them.
type Hierarchy struct {
	levels  []Level
	interps []*quadforest.Interpolation
	mg      *multigrid.MG
	filter  filter.Filter
}

func (h *Hierarchy) Levels() []Level       { return h.levels }
func (h *Hierarchy) Finest() Level         { return h.levels[0] }
func (h *Hierarchy) MG() *multigrid.MG     { return h.mg }
func (h *Hierarchy) Filter() filter.Filter { return h.filter }

// Interpolations returns the operators from level i+1 to level i.
func (h *Hierarchy) Interpolations() []*quadforest.Interpolation { return h.interps }

func (h *Hierarchy) String() string {
	var b strings.Builder
	for i, l := range h.levels {
		lo, hi := l.Forest.LevelRange()
		fmt.Fprintf(&b, "level %d: order %d, %d elements (tree levels %d-%d), %d nodes, %d design nodes\n",
			i, l.Forest.Order(), l.Forest.NumElements(), lo, hi, l.Forest.NumNodes(), l.FilterForest.NumNodes())
	}
	return b.String()
}

// CreateTopoProblem balances and partitions forest, builds opts.NumLevels
// levels by first lowering the order and then coarsening, and returns the
// problem bound to the finest level.
func CreateTopoProblem(ctx context.Context, forest *quadforest.Forest, creator Creator, opts Options) (*topo.Problem, *Hierarchy, error) {
	log := logging.OrNoop(opts.Log)
	nlevels := max(1, opts.NumLevels)
	ranks := max(1, opts.NumRanks)

	forest.Balance()
	if err := repartition(ctx, log, forest, ranks); err != nil {
		return nil, nil, err
	}

	h := &Hierarchy{}
	for level := 0; level < nlevels; level++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if level > 0 {
			next, err := coarser(ctx, log, h.levels[level-1].Forest, ranks)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create level %d: %w", level, err)
			}
			forest = next
		}
		if err := forest.CreateNodes(); err != nil {
			return nil, nil, fmt.Errorf("failed to number level %d: %w", level, err)
		}
		ff, err := creator.CreateFilterForest(forest)
		if err != nil {
			return nil, nil, fmt.Errorf("%w at level %d: %w", ErrCreatorFailed, level, err)
		}
		asm, err := creator.CreateAssembler(forest, ff)
		if err != nil {
			return nil, nil, fmt.Errorf("%w at level %d: %w", ErrCreatorFailed, level, err)
		}
		h.levels = append(h.levels, Level{Forest: forest, FilterForest: ff, Assembler: asm})
	}

	var ps []*linalg.CSR
	for l := 0; l+1 < len(h.levels); l++ {
		ip, err := quadforest.CreateInterpolation(h.levels[l+1].Forest, h.levels[l].Forest)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to interpolate level %d to %d: %w", l+1, l, err)
		}
		h.interps = append(h.interps, ip)
		ps = append(ps, linalg.ExpandBlock(ip.P, fem.VarsPerNode))
	}
	mgOpts := append([]multigrid.Option{multigrid.WithLogger(log)}, opts.MG...)
	mg, err := multigrid.New(ps, mgOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create multigrid: %w", err)
	}
	finest := h.levels[0].Assembler
	K, err := finest.AssembleMatType(ctx, fem.Stiffness)
	if err != nil {
		return nil, nil, err
	}
	finest.ApplyMatBCs(K)
	if err := mg.SetMat(K); err != nil {
		return nil, nil, err
	}
	if err := mg.Factor(); err != nil {
		return nil, nil, fmt.Errorf("failed to factor multigrid: %w", err)
	}
	h.mg = mg

	f, err := filter.New(h.levels[0].FilterForest, opts.Filter, log)
	if err != nil {
		return nil, nil, err
	}
	h.filter = f
	prob, err := topo.New(finest, f, mg, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("hierarchy created", "levels", len(h.levels),
		"elements", h.levels[0].Forest.NumElements(), "fine_dofs", finest.NumDofs())
	return prob, h, nil
}

// coarser returns the next level below f: one order lower, or the
// geometric coarsening at the lowest order. A forest with only root
// quadrants is carried unchanged.
func coarser(ctx context.Context, log *logging.Logger, f *quadforest.Forest, ranks int) (*quadforest.Forest, error) {
	if f.Order() > quadforest.LowestOrder {
		d := f.Duplicate()
		if err := d.SetOrder(f.Order() - 1); err != nil {
			return nil, err
		}
		return d, nil
	}
	if _, hi := f.LevelRange(); hi == 0 {
		return f.Duplicate(), nil
	}
	c := f.Coarsen()
	c.Balance()
	if err := repartition(ctx, log, c, ranks); err != nil {
		return nil, err
	}
	return c, nil
}

func repartition(ctx context.Context, log *logging.Logger, f *quadforest.Forest, ranks int) error {
	if err := f.Repartition(ranks); err != nil {
		return fmt.Errorf("failed to repartition: %w", err)
	}
	stats := f.Layout().PartitionStatistics()
	log.LogRepartition(ctx, f.NumElements(), f.NumRanks(), stats.Imbalance)
	return nil
}
