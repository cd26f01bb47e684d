package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qpack/pkg/qnbit"
)

var (
	logLevel    string
	logFormat   string
	debug       bool
	computeType string
	workers     int64
	blkLen      int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func packFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "compute-type",
			Aliases:     []string{"compute", "ct"},
			Usage:       "kernel compute type (auto, fp32, fp16, int8)",
			Value:       "auto",
			Destination: &computeType,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "concurrent pack jobs (0 uses GOMAXPROCS)",
			Destination: &workers,
		},
	}
}

func blkLenFlag() cli.Flag {
	return &cli.Int64Flag{
		Name:        "blk-len",
		Usage:       "quantization block length (16, 32, 64, 128, 256)",
		Value:       32,
		Destination: &blkLen,
	}
}

// resolveComputeType maps a flag value to a compute type the host supports.
// "auto" prefers int8, then fp16, then fp32.
func resolveComputeType(d *qnbit.Dispatch, name string) (qnbit.ComputeType, error) {
	if name == "" || name == "auto" {
		ct, ok := d.Select(qnbit.CompInt8, qnbit.CompFp16, qnbit.CompFp32)
		if !ok {
			return qnbit.CompUndef, fmt.Errorf("%w: no compute type on %s", qnbit.ErrUnsupportedCompute, d.Backend)
		}
		return ct, nil
	}
	ct, ok := qnbit.ParseComputeType(name)
	if !ok {
		return qnbit.CompUndef, fmt.Errorf("unknown compute type %q", name)
	}
	if !d.Supports(ct) {
		return qnbit.CompUndef, fmt.Errorf("%w: %s on %s", qnbit.ErrUnsupportedCompute, ct, d.Backend)
	}
	return ct, nil
}
