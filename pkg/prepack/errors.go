package prepack

import "errors"

var (
	ErrUnsupportedDevice = errors.New("prepack: unsupported device allocator for prepacked weights")
	ErrMissingKey        = errors.New("prepack: prepacked weight not found")
	ErrDuplicateKey      = errors.New("prepack: duplicate prepacked weight from disk")
)
