package element

import "gonum.org/v1/gonum/mat"

type ElementGeometry uint8

const (
	Rectangle ElementGeometry = iota
	Line
)

func (g ElementGeometry) String() string {
	switch g {
	case Rectangle:
		return "Rectangle"
	case Line:
		return "Line"
	}
	return "Unknown"
}

type Element interface {
	Name() string
	ShortName() string
	GeometryType() ElementGeometry
	Order() int
	Np() int  // Number of defining geometric points
	NEp() int // Number of edge points
	NVp() int // Number of vertex points
	NIp() int // Number of interior points
	Dimensions() Dimensionality

	// Reference Geometry Definition
	R() []float64
	S() []float64

	// Point classification by geometric location
	VertexPoints() []int   // Indices into the Np points that are at vertices
	EdgePoints() [][]int   // [edge_num][point_indices] - points on each edge
	InteriorPoints() []int // Points strictly inside the element

	// Reference mass matrix and nodal differentiation
	M() mat.Matrix
	Dr() mat.Matrix
	Ds() mat.Matrix
}
