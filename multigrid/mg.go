package multigrid

import (
	"errors"
	"fmt"

	"github.com/notargets/freqtopo/linalg"
	"github.com/notargets/freqtopo/logging"
)

// ErrNotFactored is returned when the preconditioner is applied before Factor.
var ErrNotFactored = errors.New("multigrid preconditioner not factored")

// Smoother selects the relaxation applied on every level but the coarsest.
type Smoother int

const (
	SymmetricGaussSeidel Smoother = iota
	DampedJacobi
)

func (s Smoother) String() string {
	switch s {
	case SymmetricGaussSeidel:
		return "sgs"
	case DampedJacobi:
		return "jacobi"
	}
	return fmt.Sprintf("smoother(%d)", int(s))
}

// Level holds the operator of one multigrid level and the prolongation from
// the next coarser level. Level 0 is the finest.
type Level struct {
	A    *linalg.CSR
	P    *linalg.CSR // nil on the coarsest level
	dinv []float64
}

// MG is a Galerkin V-cycle preconditioner.
type MG struct {
	levels   []*Level
	coarse   *linalg.DenseLU
	smoother Smoother
	sweeps   int
	omega    float64
	log      *logging.Logger

	// scratch per level
	r, x, b [][]float64
}

// Option configures an MG.
type Option func(*MG)

// WithSmoother selects the relaxation and the number of pre/post sweeps.
func WithSmoother(s Smoother, sweeps int) Option {
	return func(mg *MG) {
		mg.smoother = s
		mg.sweeps = max(1, sweeps)
	}
}

// WithJacobiWeight sets the damping of the Jacobi smoother.
func WithJacobiWeight(omega float64) Option {
	return func(mg *MG) { mg.omega = omega }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(mg *MG) { mg.log = l }
}

// New creates a preconditioner with len(interps)+1 levels. interps[i] maps
// level i+1 onto level i and must already carry the per-node block size of
// the operator.
func New(interps []*linalg.CSR, opts ...Option) (*MG, error) {
	mg := &MG{
		smoother: SymmetricGaussSeidel,
		sweeps:   1,
		omega:    2.0 / 3.0,
		log:      logging.NoopLogger(),
	}
	for _, opt := range opts {
		opt(mg)
	}
	for i, p := range interps {
		if i > 0 && interps[i-1].Cols != p.Rows {
			return nil, fmt.Errorf("interpolation %d is %dx%d but level %d has %d unknowns",
				i, p.Rows, p.Cols, i, interps[i-1].Cols)
		}
		mg.levels = append(mg.levels, &Level{P: p})
	}
	mg.levels = append(mg.levels, &Level{})
	return mg, nil
}

// NumLevels returns the number of levels.
func (mg *MG) NumLevels() int { return len(mg.levels) }

// Level returns level i, 0 being the finest.
func (mg *MG) Level(i int) *Level { return mg.levels[i] }

// SetMat sets the finest-level operator. The matrix is not copied.
func (mg *MG) SetMat(a *linalg.CSR) error {
	if p := mg.levels[0].P; p != nil && p.Rows != a.Rows {
		return fmt.Errorf("finest operator has %d rows, interpolation %d", a.Rows, p.Rows)
	}
	mg.levels[0].A = a
	mg.coarse = nil
	return nil
}

// Mat returns the finest-level operator. Callers may modify its values in
// place; Factor must be called afterwards.
func (mg *MG) Mat() *linalg.CSR { return mg.levels[0].A }

// AssembleGalerkinMat forms A_{l+1} = Pᵀ A_l P on every coarser level.
func (mg *MG) AssembleGalerkinMat() error {
	if mg.levels[0].A == nil {
		return errors.New("failed to assemble coarse operators: finest operator not set")
	}
	for l := 0; l+1 < len(mg.levels); l++ {
		c, err := linalg.Galerkin(mg.levels[l].P, mg.levels[l].A)
		if err != nil {
			return fmt.Errorf("failed to assemble level %d: %w", l+1, err)
		}
		mg.levels[l+1].A = c
	}
	return nil
}

// Factor rebuilds the coarse operators, the smoother diagonals and the
// coarsest-level factorization from the current finest operator.
func (mg *MG) Factor() error {
	if err := mg.AssembleGalerkinMat(); err != nil {
		return err
	}
	mg.r = make([][]float64, len(mg.levels))
	mg.x = make([][]float64, len(mg.levels))
	mg.b = make([][]float64, len(mg.levels))
	for l, lev := range mg.levels {
		n := lev.A.Rows
		mg.r[l] = make([]float64, n)
		mg.x[l] = make([]float64, n)
		mg.b[l] = make([]float64, n)
		d := lev.A.Diagonal()
		lev.dinv = make([]float64, n)
		for i, v := range d {
			if v == 0 {
				return fmt.Errorf("failed to factor level %d: zero diagonal in row %d", l, i)
			}
			lev.dinv[i] = 1 / v
		}
	}
	lu, err := linalg.NewDenseLU(mg.levels[len(mg.levels)-1].A)
	if err != nil {
		return fmt.Errorf("failed to factor coarsest level: %w", err)
	}
	mg.coarse = lu
	mg.log.Debug("multigrid factored", "levels", len(mg.levels),
		"fine_dofs", mg.levels[0].A.Rows, "coarse_dofs", mg.levels[len(mg.levels)-1].A.Rows)
	return nil
}

// Apply performs one V-cycle with zero initial guess: z ≈ A⁻¹ r. It panics
// when Factor has not been called; use ApplyErr to receive an error instead.
func (mg *MG) Apply(r, z []float64) {
	if err := mg.ApplyErr(r, z); err != nil {
		panic(err)
	}
}

// ApplyErr is Apply with an error return.
func (mg *MG) ApplyErr(r, z []float64) error {
	if mg.coarse == nil {
		return ErrNotFactored
	}
	copy(mg.b[0], r)
	if err := mg.cycle(0); err != nil {
		return err
	}
	copy(z, mg.x[0])
	return nil
}

func (mg *MG) cycle(l int) error {
	lev := mg.levels[l]
	x, b := mg.x[l], mg.b[l]
	if l == len(mg.levels)-1 {
		return mg.coarse.Solve(b, x)
	}
	clear(x)
	for s := 0; s < mg.sweeps; s++ {
		mg.smooth(lev, b, x)
	}
	// residual, restriction and coarse correction
	r := mg.r[l]
	lev.A.Mult(x, r)
	for i := range r {
		r[i] = b[i] - r[i]
	}
	lev.P.MultTranspose(r, mg.b[l+1])
	if err := mg.cycle(l + 1); err != nil {
		return err
	}
	lev.P.MultAdd(1, mg.x[l+1], x)
	for s := 0; s < mg.sweeps; s++ {
		mg.smooth(lev, b, x)
	}
	return nil
}

func (mg *MG) smooth(lev *Level, b, x []float64) {
	a := lev.A
	switch mg.smoother {
	case DampedJacobi:
		r := make([]float64, len(x))
		a.Mult(x, r)
		for i := range x {
			x[i] += mg.omega * lev.dinv[i] * (b[i] - r[i])
		}
	default:
		for i := 0; i < a.Rows; i++ {
			mg.relaxRow(a, lev.dinv, b, x, i)
		}
		for i := a.Rows - 1; i >= 0; i-- {
			mg.relaxRow(a, lev.dinv, b, x, i)
		}
	}
}

func (mg *MG) relaxRow(a *linalg.CSR, dinv, b, x []float64, i int) {
	s := b[i]
	for k := a.RowPtr[i]; k < a.RowPtr[i+1]; k++ {
		s -= a.Val[k] * x[a.ColInd[k]]
	}
	x[i] += dinv[i] * s
}
