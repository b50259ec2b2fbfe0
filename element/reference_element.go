package element

import (
	"gonum.org/v1/gonum/mat"
)

// Dimensionality represents the spatial dimension of an element
type Dimensionality uint8

const (
	D0 Dimensionality = iota // 0D elements (points)
	D1                       // 1D elements (lines, edges)
	D2                       // 2D elements (quadrilaterals)
)

// ElementProperties contains metadata describing an element type
type ElementProperties struct {
	Name       string          // Full descriptive name (e.g., "Lagrange Quadrilateral Order 2")
	ShortName  string          // Abbreviated name (e.g., "Quad2")
	Type       ElementGeometry // Element shape
	Order      int             // Polynomial order
	Np         int             // Total number of nodes/points in element
	NEp        int             // Number of nodes per edge
	NVp        int             // Number of vertex nodes (equals number of vertices)
	NIp        int             // Number of strictly interior nodes
	NEdges     int             // Number of edges in each element
	Dimensions Dimensionality  // Spatial dimension
}

// ReferenceGeometry defines the layout of nodes in reference space [-1,1]^2
type ReferenceGeometry struct {
	// Node coordinates in reference space, r fastest
	R, S []float64 // Length Np each

	// Node classification by topological entity
	VertexPoints   []int   // Indices of nodes located at vertices
	EdgePoints     [][]int // [edge_num][point_indices] - nodes on each edge
	InteriorPoints []int   // Indices of nodes strictly inside the element
}

// ReferenceOperators contains operators in reference space [-1,1]^2
type ReferenceOperators struct {
	M  mat.Matrix // Consistent mass matrix [Np × Np]
	Dr mat.Matrix // Derivative with respect to r at the nodes [Np × Np]
	Ds mat.Matrix // Derivative with respect to s at the nodes [Np × Np]
}

// Quadrature is a tensor Gauss rule on [-1,1]^2
type Quadrature struct {
	R, S, W []float64 // Length Nq each

	// Basis values and reference derivatives at the quadrature points [Nq × Np]
	N, Nr, Ns mat.Matrix
}

// ReferenceElement defines element properties and operators in reference space
// This interface is implemented once per element type (e.g., Quad2, Quad3)
type ReferenceElement interface {
	// Element metadata and properties
	GetProperties() ElementProperties

	// Node distribution in reference space
	GetReferenceGeometry() ReferenceGeometry

	// Operators in reference space
	GetReferenceOperators() ReferenceOperators

	// Integration rule with tabulated basis
	GetQuadrature() Quadrature
}
