package prepacker

import "errors"

var (
	ErrPackFailed    = errors.New("prepacker: packing failed")
	ErrInvalidWeight = errors.New("prepacker: invalid quantized weight")
	ErrMissingTensor = errors.New("prepacker: missing companion tensor")
	ErrUnsafePath    = errors.New("prepacker: external data path escapes the model directory")
)
