package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qpack/internal/logger"
	"github.com/samcharles93/qpack/internal/prepacker"
	"github.com/samcharles93/qpack/pkg/prepack"
	"github.com/samcharles93/qpack/pkg/qnbit"
	"github.com/samcharles93/qpack/pkg/quant"
)

func packCmd() *cli.Command {
	var (
		outDir     string
		graphName  string
		count      int64
		n, k       int64
		seed       uint64
		zeroPoints bool
		tied       bool
		quantise   bool
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Prepack synthetic 4-bit weights and save them with their blobs",
		Flags: append(packFlags(),
			blkLenFlag(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output model directory",
				Destination: &outDir,
			},
			&cli.StringFlag{
				Name:        "graph",
				Usage:       "graph name",
				Value:       "main",
				Destination: &graphName,
			},
			&cli.Int64Flag{Name: "weights", Usage: "number of weights", Value: 4, Destination: &count},
			&cli.Int64Flag{Name: "n", Usage: "output columns per weight", Value: 256, Destination: &n},
			&cli.Int64Flag{Name: "k", Usage: "input rows per weight", Value: 1024, Destination: &k},
			&cli.Uint64Flag{Name: "seed", Usage: "random seed", Value: 1, Destination: &seed},
			&cli.BoolFlag{Name: "zero-points", Usage: "emit explicit zero points", Destination: &zeroPoints},
			&cli.BoolFlag{Name: "quantise", Usage: "quantise random float weights instead of drawing random codes", Destination: &quantise},
			&cli.BoolFlag{Name: "tied", Usage: "add a copy of the first weight under another name", Destination: &tied},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyPackConfig(cmd, LoadConfig())

			if outDir == "" {
				return cli.Exit("error: --out is required", 1)
			}
			if count <= 0 || n <= 0 || k <= 0 {
				return cli.Exit("error: --weights, --n and --k must be positive", 1)
			}
			if !prepacker.ValidBlkLen(int(blkLen)) {
				return cli.Exit(fmt.Sprintf("error: unsupported block length %d", blkLen), 1)
			}
			d := qnbit.Default()
			ct, err := resolveComputeType(d, computeType)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			r := rand.New(rand.NewPCG(seed, seed+1))
			weights := make([]prepacker.QuantWeight, 0, count+1)
			for i := range count {
				name := fmt.Sprintf("layers.%d.weight", i)
				if !quantise {
					weights = append(weights, prepacker.RandomQuantWeight(r, name, int(n), int(k), int(blkLen), zeroPoints))
					continue
				}
				src := make([]float32, n*k)
				for j := range src {
					src[j] = float32(r.NormFloat64())
				}
				q, err := quant.Quantise4Bit(src, int(n), int(k), int(blkLen), !zeroPoints)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: quantise %s: %v", name, err), 1)
				}
				weights = append(weights, prepacker.FromQuantTensor(name, q))
			}
			if tied {
				twin := weights[0]
				twin.Name = "tied.weight"
				weights = append(weights, twin)
			}

			ser := prepack.NewForSerialization()
			ser.SetSaveMode(true)
			p := prepacker.New(prepack.NewWeightsContainer(),
				prepacker.WithWorkers(int(workers)),
				prepacker.WithLogger(log),
			)
			defer p.Container().Close()

			start := time.Now()
			results, err := p.Run(ctx, matmulJobs(d, ct, ser.MainGraph(), weights, nil))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: pack: %v", err), 1)
			}
			packed := time.Since(start)

			stats, err := p.Save(ctx, outDir, graphName, weights, ser.MainGraph())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: save: %v", err), 1)
			}
			sources := countSources(results)
			log.Info("saved prepacked model",
				"dir", outDir,
				"compute", ct.String(),
				"backend", d.Backend,
				"weights", len(weights),
				"packed", sources[prepacker.SourcePacked],
				"shared", sources[prepacker.SourceShared],
				"tensors", stats.Tensors,
				"blobs", stats.Blobs,
				"bytes", stats.Bytes,
				"took", packed,
			)
			return nil
		},
	}
}
