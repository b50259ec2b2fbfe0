package fem

import (
	"fmt"
	"math"
	"sort"
)

// Edge names a side of the rectangular domain.
type Edge string

const (
	XMin Edge = "xmin"
	XMax Edge = "xmax"
	YMin Edge = "ymin"
	YMax Edge = "ymax"
)

// BoundaryCondition clamps the listed displacement components (0 = x,
// 1 = y) of every node on an edge.
type BoundaryCondition struct {
	Edge       Edge  `yaml:"edge"`
	Components []int `yaml:"components"`
}

// PointLoad is a force applied at a physical point.
type PointLoad struct {
	X, Y   float64
	Fx, Fy float64
}

// bcDofs returns the sorted clamped dofs for nodes at the given points.
func bcDofs(points [][2]float64, lx, ly float64, bcs []BoundaryCondition) ([]int, error) {
	tol := 1e-10 * math.Max(lx, ly)
	set := make(map[int]struct{})
	for _, bc := range bcs {
		var on func(p [2]float64) bool
		switch bc.Edge {
		case XMin:
			on = func(p [2]float64) bool { return p[0] <= tol }
		case XMax:
			on = func(p [2]float64) bool { return p[0] >= lx-tol }
		case YMin:
			on = func(p [2]float64) bool { return p[1] <= tol }
		case YMax:
			on = func(p [2]float64) bool { return p[1] >= ly-tol }
		default:
			return nil, fmt.Errorf("unknown boundary edge %q", bc.Edge)
		}
		for _, c := range bc.Components {
			if c < 0 || c > 1 {
				return nil, fmt.Errorf("invalid displacement component %d", c)
			}
		}
		for i, p := range points {
			if on(p) {
				for _, c := range bc.Components {
					set[2*i+c] = struct{}{}
				}
			}
		}
	}
	dofs := make([]int, 0, len(set))
	for d := range set {
		dofs = append(dofs, d)
	}
	sort.Ints(dofs)
	return dofs, nil
}
