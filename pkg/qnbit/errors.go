package qnbit

import "errors"

var (
	ErrInvalidGeometry    = errors.New("qnbit: invalid geometry")
	ErrWorkspaceTooSmall  = errors.New("qnbit: workspace too small")
	ErrUnsupportedCompute = errors.New("qnbit: compute type not supported by dispatch")
)
