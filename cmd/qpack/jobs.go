package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/qpack/internal/logger"
	"github.com/samcharles93/qpack/internal/prepacker"
	"github.com/samcharles93/qpack/pkg/prepack"
	"github.com/samcharles93/qpack/pkg/qnbit"
)

// matmulJobs builds one MatMulNBits job per weight. candidates may be nil.
func matmulJobs(d *qnbit.Dispatch, ct qnbit.ComputeType, scope *prepack.Subgraph, weights []prepacker.QuantWeight, candidates map[string][]string) []prepacker.Job {
	jobs := make([]prepacker.Job, len(weights))
	for i, w := range weights {
		jobs[i] = prepacker.Job{
			Scope:         scope,
			WeightName:    w.Name,
			OpType:        prepacker.OpMatMulNBits,
			CandidateKeys: candidates[w.Name],
			Accept:        prepacker.AcceptMatMulNBits(d, ct, w),
			Pack:          prepacker.PackMatMulNBits(d, ct, w),
		}
	}
	return jobs
}

// loadedCache is a model directory read back into a weight container.
type loadedCache struct {
	Prepacker *prepacker.Prepacker
	Model     *prepacker.LoadedModel
	Results   []prepacker.Result
	DiskBlobs int
	Compute   qnbit.ComputeType
}

// loadCache loads dir, then resolves every weight through the container,
// reusing disk blobs that match the selected compute type.
func loadCache(ctx context.Context, d *qnbit.Dispatch, dir string) (*loadedCache, error) {
	log := logger.FromContext(ctx)
	ct, err := resolveComputeType(d, computeType)
	if err != nil {
		return nil, err
	}

	ser := prepack.NewForSerialization()
	p := prepacker.New(prepack.NewWeightsContainer(),
		prepacker.WithWorkers(int(workers)),
		prepacker.WithLogger(log),
	)
	m, err := p.Load(ctx, dir, ser.MainGraph())
	if err != nil {
		p.Container().Close()
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}
	results, err := p.Run(ctx, matmulJobs(d, ct, ser.MainGraph(), m.Weights, m.CandidateKeys))
	if err != nil {
		p.Container().Close()
		return nil, err
	}
	return &loadedCache{
		Prepacker: p,
		Model:     m,
		Results:   results,
		DiskBlobs: ser.NumberOfKeyedBlobs(),
		Compute:   ct,
	}, nil
}

func countSources(results []prepacker.Result) map[prepacker.Source]int {
	out := make(map[prepacker.Source]int)
	for _, r := range results {
		out[r.Source]++
	}
	return out
}
