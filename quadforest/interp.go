package quadforest

import (
	"fmt"

	"github.com/notargets/freqtopo/linalg"
)

// Interpolation maps nodal values on From to nodal values on To. P has one
// row per independent node of To and one column per independent node of From.
type Interpolation struct {
	From, To *Forest
	P        *linalg.CSR
}

// CreateInterpolation builds the operator that evaluates the From field at
// every independent node of To. Both forests must cover the same trees and
// have nodes.
func CreateInterpolation(from, to *Forest) (*Interpolation, error) {
	if from.nx != to.nx || from.ny != to.ny {
		return nil, fmt.Errorf("failed to create interpolation: tree grids %dx%d and %dx%d differ",
			from.nx, from.ny, to.nx, to.ny)
	}
	if from.nodes == nil || to.nodes == nil {
		return nil, fmt.Errorf("failed to create interpolation: %w", ErrNoNodes)
	}

	np := from.order
	wx := make([]float64, np)
	wy := make([]float64, np)
	b := linalg.NewBuilder(to.NumNodes(), from.NumNodes())
	xmax, ymax := from.nx*treeSize-1, from.ny*treeSize-1
	for row, p := range to.nodes.coords {
		q, ok := from.leafAt(min(p[0], xmax), min(p[1], ymax))
		if !ok {
			return nil, fmt.Errorf("failed to create interpolation: node (%d,%d) not covered", p[0], p[1])
		}
		h := float64(q.Size())
		ComputeInterpWeights(np, -1+2*float64(p[0]-q.X)/h, wx)
		ComputeInterpWeights(np, -1+2*float64(p[1]-q.Y)/h, wy)
		from.ForEachElementNode(from.index[q], func(local, col int, w float64) {
			v := wx[local%np] * wy[local/np] * w
			if v != 0 {
				b.Add(row, col, v)
			}
		})
	}
	return &Interpolation{From: from, To: to, P: b.Build()}, nil
}

// Apply computes y = P x for bs interleaved values per node.
func (ip *Interpolation) Apply(x, y []float64, bs int) {
	clear(y)
	P := ip.P
	for i := 0; i < P.Rows; i++ {
		for k := P.RowPtr[i]; k < P.RowPtr[i+1]; k++ {
			j, w := P.ColInd[k], P.Val[k]
			for c := 0; c < bs; c++ {
				y[i*bs+c] += w * x[j*bs+c]
			}
		}
	}
}

// ApplyTranspose computes y = Pᵀ x for bs interleaved values per node.
func (ip *Interpolation) ApplyTranspose(x, y []float64, bs int) {
	clear(y)
	P := ip.P
	for i := 0; i < P.Rows; i++ {
		for k := P.RowPtr[i]; k < P.RowPtr[i+1]; k++ {
			j, w := P.ColInd[k], P.Val[k]
			for c := 0; c < bs; c++ {
				y[j*bs+c] += w * x[i*bs+c]
			}
		}
	}
}

// InterpolateDesign transfers a nodal design vector with varsPerNode values
// per node from one forest to another.
func InterpolateDesign(from *Forest, xFrom []float64, to *Forest, xTo []float64, varsPerNode int) error {
	if varsPerNode < 1 ||
		len(xFrom) != varsPerNode*from.NumNodes() ||
		len(xTo) != varsPerNode*to.NumNodes() {
		return fmt.Errorf("%w: %d values on %d nodes, %d values on %d nodes, %d per node",
			ErrVarsPerNodeMismatch, len(xFrom), from.NumNodes(), len(xTo), to.NumNodes(), varsPerNode)
	}
	ip, err := CreateInterpolation(from, to)
	if err != nil {
		return err
	}
	ip.Apply(xFrom, xTo, varsPerNode)
	return nil
}
