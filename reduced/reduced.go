// Package reduced hides design variables pinned to a constant, such as
// non-design regions, from the optimizer.
package reduced

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/time/rate"

	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/metrics"
)

// ErrIndexOutOfRange reports a fixed index outside the design vector.
var ErrIndexOutOfRange = errors.New("index out of range")

const (
	DefaultFixedValue  = 1.0
	DefaultInitValue   = 0.95
	DefaultLowerBound  = 1e-3
	DefaultUpperBound  = 1.0
	DefaultSnapshotGap = 1
)

// FullProblem is the full-size problem the adapter forwards to.
type FullProblem interface {
	NumDesignVars() int
	NumConstraints() int
	EvalObjCon(ctx context.Context, x []float64) (float64, []float64, error)
	EvalObjConGradient(ctx context.Context, x, g []float64, a [][]float64) error
	ComputeQNCorrection(ctx context.Context, zeroIdx []int, z []float64, s, y []float64) error
}

// Snapshot is the diagnostic record taken every few evaluations. Iter is
// the zero-based index of the evaluation.
type Snapshot struct {
	Iter         int       `json:"iter"`
	Obj          float64   `json:"obj"`
	Infeas       float64   `json:"infeas"`
	Discreteness float64   `json:"discreteness"`
	Time         time.Time `json:"time"`
}

// Option configures a Problem.
type Option func(*Problem)

// WithFixedValue sets the value of the fixed entries.
func WithFixedValue(v float64) Option {
	return func(p *Problem) { p.fixedVal = v }
}

// WithBounds sets the bounds of the free entries.
func WithBounds(lb, ub float64) Option {
	return func(p *Problem) { p.lb, p.ub = lb, ub }
}

// WithSnapshotEvery takes a snapshot every n evaluations. Zero disables
// snapshots.
func WithSnapshotEvery(n int) Option {
	return func(p *Problem) { p.snapEvery = n }
}

func WithLogger(l *logging.Logger) Option {
	return func(p *Problem) { p.log = l }
}

func WithObserver(o metrics.Observer) Option {
	return func(p *Problem) { p.obs = o }
}

// Problem is the reduced view of a FullProblem.
type Problem struct {
	prob     FullProblem
	n        int
	fixed    *roaring.Bitmap
	fixedIdx []int
	freeIdx  []int
	fixedVal float64
	lb, ub   float64
	init     []float64
	log      *logging.Logger
	obs      metrics.Observer

	xfull, gfull []float64
	afull        [][]float64

	nevals    int
	snapEvery int
	sometimes *rate.Sometimes
	history   []Snapshot
}

// New creates the reduced problem in which the entries fixedIdx of prob are
// pinned.
func New(prob FullProblem, fixedIdx []int, opts ...Option) (*Problem, error) {
	n := prob.NumDesignVars()
	fixed := roaring.New()
	for _, i := range fixedIdx {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%w: fixed index %d outside [0, %d)", ErrIndexOutOfRange, i, n)
		}
		fixed.Add(uint32(i))
	}
	free := roaring.New()
	free.AddRange(0, uint64(n))
	free.AndNot(fixed)
	if roaring.And(fixed, free).GetCardinality() != 0 || fixed.GetCardinality()+free.GetCardinality() != uint64(n) {
		return nil, fmt.Errorf("fixed and free indices do not partition %d variables", n)
	}

	p := &Problem{
		prob:      prob,
		n:         n,
		fixed:     fixed,
		fixedIdx:  toInts(fixed),
		freeIdx:   toInts(free),
		fixedVal:  DefaultFixedValue,
		lb:        DefaultLowerBound,
		ub:        DefaultUpperBound,
		snapEvery: DefaultSnapshotGap,
		xfull:     make([]float64, n),
		gfull:     make([]float64, n),
		afull:     make([][]float64, prob.NumConstraints()),
	}
	for _, opt := range opts {
		opt(p)
	}
	if !(p.lb < p.ub) {
		return nil, fmt.Errorf("invalid bounds [%g, %g]", p.lb, p.ub)
	}
	if p.snapEvery < 0 {
		return nil, fmt.Errorf("snapshot interval must be non-negative, got %d", p.snapEvery)
	}
	if p.snapEvery > 0 {
		p.sometimes = &rate.Sometimes{Every: p.snapEvery}
	}
	for i := range p.afull {
		p.afull[i] = make([]float64, n)
	}
	p.log = logging.OrNoop(p.log).WithComponent("reduced")
	p.obs = metrics.OrNoop(p.obs)
	p.log.Debug("reduced problem created", "full", n, "fixed", len(p.fixedIdx), "free", len(p.freeIdx))
	return p, nil
}

func toInts(b *roaring.Bitmap) []int {
	out := make([]int, 0, b.GetCardinality())
	it := b.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// NumVars returns the number of free variables.
func (p *Problem) NumVars() int { return len(p.freeIdx) }

// NumConstraints returns the number of constraints of the full problem.
func (p *Problem) NumConstraints() int { return p.prob.NumConstraints() }

// NumFullVars returns the size of the full design vector.
func (p *Problem) NumFullVars() int { return p.n }

// FixedIndices returns the sorted fixed indices.
func (p *Problem) FixedIndices() []int { return p.fixedIdx }

// FreeIndices returns the sorted free indices.
func (p *Problem) FreeIndices() []int { return p.freeIdx }

// IsFixed reports whether full index i is pinned.
func (p *Problem) IsFixed(i int) bool { return p.fixed.Contains(uint32(i)) }

// FixedValue returns the value of the pinned entries.
func (p *Problem) FixedValue() float64 { return p.fixedVal }

// ReduToFull writes redu into the free entries of full and fixedVal into
// the fixed entries.
func (p *Problem) ReduToFull(redu, full []float64, fixedVal float64) {
	for k, i := range p.freeIdx {
		full[i] = redu[k]
	}
	for _, i := range p.fixedIdx {
		full[i] = fixedVal
	}
}

// FullToRedu copies the free entries of full into redu.
func (p *Problem) FullToRedu(full, redu []float64) {
	for k, i := range p.freeIdx {
		redu[k] = full[i]
	}
}

// SetInitDesignVars sets the starting point from a full design vector.
func (p *Problem) SetInitDesignVars(full []float64) error {
	if len(full) != p.n {
		return fmt.Errorf("%w: initial design of length %d, expected %d", ErrIndexOutOfRange, len(full), p.n)
	}
	p.init = make([]float64, len(p.freeIdx))
	p.FullToRedu(full, p.init)
	return nil
}

// VarsAndBounds fills the starting point and bounds.
func (p *Problem) VarsAndBounds(x, lb, ub []float64) {
	for k := range p.freeIdx {
		if p.init != nil {
			x[k] = math.Min(p.ub, math.Max(p.lb, p.init[k]))
		} else {
			x[k] = DefaultInitValue
		}
		lb[k] = p.lb
		ub[k] = p.ub
	}
}

// FullDesign expands the reduced x into a new full vector.
func (p *Problem) FullDesign(x []float64) []float64 {
	full := make([]float64, p.n)
	p.ReduToFull(x, full, p.fixedVal)
	return full
}

func (p *Problem) checkLen(name string, v []float64) error {
	if len(v) != len(p.freeIdx) {
		return fmt.Errorf("%w: %s of length %d, expected %d", ErrIndexOutOfRange, name, len(v), len(p.freeIdx))
	}
	return nil
}

// EvalObjCon evaluates the full problem at the expansion of x.
func (p *Problem) EvalObjCon(ctx context.Context, x []float64) (float64, []float64, error) {
	if err := p.checkLen("design", x); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	p.ReduToFull(x, p.xfull, p.fixedVal)
	obj, cons, err := p.prob.EvalObjCon(ctx, p.xfull)
	p.obs.OnEvaluation(time.Since(start), err)
	if err != nil {
		return 0, nil, err
	}
	iter := p.nevals
	p.nevals++
	if p.sometimes != nil {
		p.sometimes.Do(func() { p.takeSnapshot(iter, obj, cons, x) })
	}
	return obj, cons, nil
}

func (p *Problem) takeSnapshot(iter int, obj float64, cons, x []float64) {
	snap := Snapshot{
		Iter:         iter,
		Obj:          obj,
		Infeas:       Infeasibility(cons),
		Discreteness: Discreteness(x),
		Time:         time.Now(),
	}
	p.history = append(p.history, snap)
	p.log.Info("snapshot", "iter", iter, "obj", obj, "infeas", snap.Infeas,
		"discreteness", snap.Discreteness)
}

// EvalObjConGradient evaluates the gradients at x restricted to the free
// entries.
func (p *Problem) EvalObjConGradient(ctx context.Context, x, g []float64, a [][]float64) error {
	if err := p.checkLen("design", x); err != nil {
		return err
	}
	if len(a) != len(p.afull) {
		return fmt.Errorf("%w: %d constraint gradients, expected %d", ErrIndexOutOfRange, len(a), len(p.afull))
	}
	p.ReduToFull(x, p.xfull, p.fixedVal)
	if err := p.prob.EvalObjConGradient(ctx, p.xfull, p.gfull, p.afull); err != nil {
		return err
	}
	p.FullToRedu(p.gfull, g)
	for i := range a {
		p.FullToRedu(p.afull[i], a[i])
	}
	return nil
}

// ComputeQNCorrection expands s and y with zeros at the fixed entries,
// forwards them with the fixed index list and restricts y back.
func (p *Problem) ComputeQNCorrection(ctx context.Context, x, z []float64, s, y []float64) error {
	if err := p.checkLen("step", s); err != nil {
		return err
	}
	if err := p.checkLen("update", y); err != nil {
		return err
	}
	sfull := make([]float64, p.n)
	yfull := make([]float64, p.n)
	p.ReduToFull(s, sfull, 0)
	p.ReduToFull(y, yfull, 0)
	if err := p.prob.ComputeQNCorrection(ctx, p.fixedIdx, z, sfull, yfull); err != nil {
		return err
	}
	p.FullToRedu(yfull, y)
	return nil
}

// NumObjEvals returns the number of successful evaluations.
func (p *Problem) NumObjEvals() int { return p.nevals }

// Snapshot returns the last snapshot and whether one was taken.
func (p *Problem) Snapshot() (Snapshot, bool) {
	if len(p.history) == 0 {
		return Snapshot{}, false
	}
	return p.history[len(p.history)-1], true
}

// Snapshots returns a copy of every snapshot in evaluation order.
func (p *Problem) Snapshots() []Snapshot {
	return append([]Snapshot(nil), p.history...)
}

// Infeasibility returns Σ max(-ci, 0).
func Infeasibility(cons []float64) float64 {
	s := 0.0
	for _, c := range cons {
		s += math.Max(-c, 0)
	}
	return s
}

// Discreteness returns Σ xi(1 - xi)/n, zero for a 0-1 design.
func Discreteness(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range x {
		s += v * (1 - v)
	}
	return s / float64(len(x))
}
