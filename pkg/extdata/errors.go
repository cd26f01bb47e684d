package extdata

import "errors"

var (
	ErrFormat           = errors.New("extdata: model format error")
	ErrChecksumMismatch = errors.New("extdata: prepacked blob checksum mismatch")
	ErrShortRead        = errors.New("extdata: prepacked blob is outside the data file")
)
