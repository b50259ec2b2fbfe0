package constraint

import (
	"errors"
	"fmt"

	"github.com/notargets/freqtopo/eigen"
)

// ErrNotEnoughEigenvalues reports that the eigensolve failed after its retry.
var ErrNotEnoughEigenvalues = errors.New("no enough eigenvalues converged")

// EvalFailure is a fatal constraint evaluation failure. The optimization run
// that triggered it cannot continue.
type EvalFailure struct {
	Result eigen.Result
	// Dump names the diagnostic artifact written for the failure, if any.
	Dump string
	Err  error
}

func (e *EvalFailure) Error() string {
	return fmt.Sprintf("%v (%d/%d)", e.Err, e.Result.NumConverged, e.Result.NumRequested)
}

func (e *EvalFailure) Unwrap() error { return e.Err }
