package constraint

import (
	"fmt"
	"math"
)

// Session carries the state one frequency constraint keeps between the
// evaluations of an optimization run. It is owned by the driver and is not
// safe for concurrent use.
type Session struct {
	// OldMinEigval is the smallest eigenvalue of the previous evaluation. It
	// shifts the constraint operator so that it stays positive definite.
	OldMinEigval float64

	ks  float64
	eta []float64
}

// NewSession returns a session with zero shift.
func NewSession() *Session { return &Session{} }

// KS returns the aggregate of the last evaluation.
func (s *Session) KS() float64 { return s.ks }

// Weights returns the normalized KS weights of the last evaluation.
func (s *Session) Weights() []float64 { return s.eta }

// ksAggregate computes the KS soft minimum
//
//	ks = λmin - ln(Σ exp(-ρ(λi - λmin)))/ρ
//
// and the weights ηi = exp(-ρ(λi - λmin))/Σ.
func ksAggregate(eigs []float64, rho float64) (float64, []float64, error) {
	if len(eigs) == 0 {
		return 0, nil, fmt.Errorf("failed to aggregate: no eigenvalues")
	}
	if !(rho > 0) {
		return 0, nil, fmt.Errorf("failed to aggregate: KS weight must be positive, got %g", rho)
	}
	lmin := math.Inf(1)
	for _, l := range eigs {
		lmin = math.Min(lmin, l)
	}
	eta := make([]float64, len(eigs))
	beta := 0.0
	for i, l := range eigs {
		eta[i] = math.Exp(-rho * (l - lmin))
		beta += eta[i]
	}
	for i := range eta {
		eta[i] /= beta
	}
	return lmin - math.Log(beta)/rho, eta, nil
}
