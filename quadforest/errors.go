package quadforest

import "errors"

var (
	// ErrVarsPerNodeMismatch is returned when two design vectors disagree on
	// the number of variables stored per node.
	ErrVarsPerNodeMismatch = errors.New("Number of variables per node must be consistent")

	// ErrUnsupportedOrder is returned for mesh orders other than 2 and 3.
	ErrUnsupportedOrder = errors.New("unsupported mesh order")

	// ErrNoNodes is returned by node queries issued before CreateNodes.
	ErrNoNodes = errors.New("nodes have not been created")

	// ErrNotPartitioned is returned when an operation needs an element
	// partition and Repartition has not run.
	ErrNotPartitioned = errors.New("forest has not been partitioned")
)
