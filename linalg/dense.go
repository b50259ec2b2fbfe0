package linalg

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a direct factorization meets a singular matrix.
var ErrSingular = errors.New("matrix is singular")

// DenseLU is a direct solver for small matrices, used on the coarsest
// multigrid level.
type DenseLU struct {
	n  int
	lu mat.LU
}

// NewDenseLU factors a.
func NewDenseLU(a *CSR) (*DenseLU, error) {
	if a.Rows != a.Cols {
		return nil, fmt.Errorf("failed to factor %dx%d matrix: not square", a.Rows, a.Cols)
	}
	d := &DenseLU{n: a.Rows}
	d.lu.Factorize(a.ToDense())
	if c := d.lu.Cond(); c > 1e15 {
		return nil, fmt.Errorf("failed to factor coarse matrix (cond %.3e): %w", c, ErrSingular)
	}
	return d, nil
}

// Solve computes x = A⁻¹ b.
func (d *DenseLU) Solve(b, x []float64) error {
	bv := mat.NewVecDense(d.n, append([]float64(nil), b...))
	xv := mat.NewVecDense(d.n, x)
	if err := d.lu.SolveVecTo(xv, false, bv); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return fmt.Errorf("failed to solve coarse system: %w", err)
		}
	}
	return nil
}
