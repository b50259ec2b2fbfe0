package constraint

import (
	"fmt"
	"strings"
)

// Domain names a benchmark design domain.
type Domain string

const (
	Cantilever Domain = "cantilever"
	Michell    Domain = "michell"
	MBB        Domain = "mbb"
	LBracket   Domain = "lbracket"
)

// ParseDomain converts a configuration string to a Domain.
func ParseDomain(s string) (Domain, error) {
	switch d := Domain(strings.ToLower(s)); d {
	case Cantilever, Michell, MBB, LBracket:
		return d, nil
	}
	return "", fmt.Errorf("unknown domain %q", s)
}

// Geometry sizes a domain: lx = Len0·AR, ly = Len0. Ratio is the arm
// width fraction of the L-bracket.
type Geometry struct {
	Len0  float64 `yaml:"len0"`
	AR    float64 `yaml:"aspect_ratio"`
	Ratio float64 `yaml:"ratio"`
}

// Lengths returns the extent of the bounding box.
func (g Geometry) Lengths() (lx, ly float64) {
	return g.Len0 * g.AR, g.Len0
}

// Area returns the area of the design region: the bounding box, or the box
// minus the cut-out corner of the L-bracket.
func (g Geometry) Area(d Domain) float64 {
	lx, ly := g.Lengths()
	if d == LBracket {
		r := 1 - g.Ratio
		return lx * ly * (1 - r*r)
	}
	return lx * ly
}

const (
	nonDesignDepth = 0.1
	nonDesignTol   = 1e-6
)

// nonDesignBox returns the open box holding the non-design mass of d.
func nonDesignBox(d Domain, g Geometry) (lo, hi [2]float64, err error) {
	lx, ly := g.Lengths()
	tol := nonDesignTol
	switch d {
	case Cantilever:
		lo = [2]float64{(1-nonDesignDepth)*lx - tol, -tol}
		hi = [2]float64{lx + tol, 0.2*ly + tol}
	case Michell:
		lo = [2]float64{(1-nonDesignDepth)*lx - tol, 0.4*ly - tol}
		hi = [2]float64{lx + tol, 0.6*ly + tol}
	case MBB:
		lo = [2]float64{-tol, (1-nonDesignDepth)*ly - tol}
		hi = [2]float64{0.2*lx + tol, ly + tol}
	case LBracket:
		lo = [2]float64{(1-nonDesignDepth)*lx - tol, 0.5*g.Ratio*ly - tol}
		hi = [2]float64{lx + tol, g.Ratio*ly + tol}
	default:
		return lo, hi, fmt.Errorf("unsupported domain %q for non-design mass", d)
	}
	return lo, hi, nil
}

// FixedDVIndices returns the design nodes carrying the non-design mass of
// the domain. The box bounds are widened by a small tolerance and tested
// strictly.
func FixedDVIndices(points [][2]float64, d Domain, g Geometry) ([]int, error) {
	lo, hi, err := nonDesignBox(d, g)
	if err != nil {
		return nil, err
	}
	var idx []int
	for i, p := range points {
		if lo[0] < p[0] && p[0] < hi[0] && lo[1] < p[1] && p[1] < hi[1] {
			idx = append(idx, i)
		}
	}
	return idx, nil
}

// FindIndices returns the points inside the closed box [lo, hi].
func FindIndices(points [][2]float64, lo, hi [2]float64) []int {
	var idx []int
	for i, p := range points {
		if lo[0] <= p[0] && p[0] <= hi[0] && lo[1] <= p[1] && p[1] <= hi[1] {
			idx = append(idx, i)
		}
	}
	return idx
}
