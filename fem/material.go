package fem

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the
	// assembler's degree-of-freedom or design space.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// MatrixKind selects the operator assembled by AssembleMatType.
type MatrixKind int

const (
	Stiffness MatrixKind = iota
	Mass
)

func (k MatrixKind) String() string {
	switch k {
	case Stiffness:
		return "stiffness"
	case Mass:
		return "mass"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Material is an isotropic plane-stress material with RAMP stiffness
// interpolation E(ρ) = E (k0 + ρ/(1 + q(1-ρ))) and linear mass density ρ·Density.
type Material struct {
	E       float64 `yaml:"youngs_modulus"`
	Nu      float64 `yaml:"poisson_ratio"`
	Density float64 `yaml:"density"`
	Q       float64 `yaml:"ramp_penalty"`
	K0      float64 `yaml:"stiffness_floor"`
}

// DefaultMaterial returns unit modulus and density with q = 5.
func DefaultMaterial() Material {
	return Material{E: 1, Nu: 0.3, Density: 1, Q: 5, K0: 1e-6}
}

// Validate checks the material parameters.
func (m Material) Validate() error {
	if !(m.E > 0) {
		return fmt.Errorf("youngs_modulus must be positive, got %g", m.E)
	}
	if m.Nu <= -1 || m.Nu >= 0.5 {
		return fmt.Errorf("poisson_ratio must lie in (-1, 0.5), got %g", m.Nu)
	}
	if !(m.Density > 0) {
		return fmt.Errorf("density must be positive, got %g", m.Density)
	}
	if m.Q < 0 || m.K0 < 0 {
		return fmt.Errorf("ramp_penalty and stiffness_floor must be non-negative")
	}
	return nil
}

// Stiffness returns E(ρ).
func (m Material) Stiffness(rho float64) float64 {
	return m.E * (m.K0 + rho/(1+m.Q*(1-rho)))
}

// StiffnessDeriv returns dE/dρ.
func (m Material) StiffnessDeriv(rho float64) float64 {
	d := 1 + m.Q*(1-rho)
	return m.E * (1 + m.Q) / (d * d)
}

// MassDensity returns the mass per unit area at density ρ.
func (m Material) MassDensity(rho float64) float64 { return m.Density * rho }
