// Package metrics records solver and driver events.
//
// Components report through the Observer interface; NoopObserver discards
// everything and Prometheus exports the events as collectors.
package metrics

import "time"

// Observer receives solver and driver events.
type Observer interface {
	// OnEigenSolve is called after every eigensolve attempt. status is the
	// eigen.Status string.
	OnEigenSolve(status string, converged int, d time.Duration)
	// OnEigenRetry is called when a constraint evaluation retries its solve.
	OnEigenRetry()
	// OnQNCorrection is called after every curvature correction.
	OnQNCorrection(applied bool, curvature float64, d time.Duration)
	// OnEvaluation is called after every objective/constraint evaluation.
	OnEvaluation(d time.Duration, err error)
	// OnStep is called when a refinement step completes.
	OnStep(step, elements int, obj, infeas float64)
}

// NoopObserver is an Observer that records nothing.
type NoopObserver struct{}

func (NoopObserver) OnEigenSolve(string, int, time.Duration)     {}
func (NoopObserver) OnEigenRetry()                               {}
func (NoopObserver) OnQNCorrection(bool, float64, time.Duration) {}
func (NoopObserver) OnEvaluation(time.Duration, error)           {}
func (NoopObserver) OnStep(int, int, float64, float64)           {}

// OrNoop returns o, or a NoopObserver when o is nil.
func OrNoop(o Observer) Observer {
	if o == nil {
		return NoopObserver{}
	}
	return o
}
