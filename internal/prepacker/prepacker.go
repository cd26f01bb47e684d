// Package prepacker runs weight packing for a set of kernels against a shared
// WeightsContainer, optionally reusing blobs loaded from disk or recording
// fresh ones for saving.
package prepacker

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/qpack/internal/logger"
	"github.com/samcharles93/qpack/pkg/prepack"
)

// PackFunc produces the prepacked form of one weight using buffers from alloc.
type PackFunc func(alloc prepack.Allocator) (prepack.PrePackedWeights, error)

// Job is one weight to pack for one kernel.
type Job struct {
	// Scope is the serialization scope of the weight's graph. Nil disables
	// both disk reuse and saving.
	Scope *prepack.Subgraph

	WeightName string
	OpType     string

	// CandidateKeys are keys recorded for this weight on disk. The first one
	// with OpType's prefix that Scope holds and Accept allows is used instead
	// of packing.
	CandidateKeys []string

	// Accept checks that a disk blob has the layout Pack would produce. Nil
	// accepts any blob.
	Accept func(prepack.PrePackedWeights) bool

	Pack PackFunc
}

// Source says where a result's blob came from.
type Source int

const (
	// SourcePacked means the job packed the blob and the container stored it.
	SourcePacked Source = iota
	// SourceShared means the job packed an identical blob that the container
	// already held; the packed copy was dropped.
	SourceShared
	// SourceDisk means the blob was loaded from disk and nothing was packed.
	SourceDisk
)

func (s Source) String() string {
	switch s {
	case SourcePacked:
		return "packed"
	case SourceShared:
		return "shared"
	case SourceDisk:
		return "disk"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// Result is the authoritative blob for a job.
type Result struct {
	WeightName string
	Key        string
	Weights    prepack.PrePackedWeights
	Source     Source
}

// Prepacker packs weights on a bounded pool of goroutines.
type Prepacker struct {
	container *prepack.WeightsContainer
	workers   int
	log       logger.Logger
}

type Option func(*Prepacker)

// WithWorkers bounds the number of concurrent pack functions. Values below
// one mean GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(p *Prepacker) {
		p.workers = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(p *Prepacker) {
		p.log = l
	}
}

func New(c *prepack.WeightsContainer, opts ...Option) *Prepacker {
	p := &Prepacker{container: c, log: logger.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = runtime.GOMAXPROCS(0)
	}
	return p
}

func (p *Prepacker) Container() *prepack.WeightsContainer {
	return p.container
}

// allocator returns the CPU allocator, logging its identity on first use.
func (p *Prepacker) allocator() (prepack.Allocator, error) {
	_, existed := p.container.Allocators()[prepack.CPU]
	alloc, err := p.container.GetOrCreateAllocator(prepack.CPU)
	if err != nil {
		return nil, err
	}
	if !existed {
		p.log.Debug("created allocator", "device", prepack.CPU, "id", alloc.Info().ID.String())
	}
	return alloc, nil
}

// Run resolves every job and returns results in job order.
//
// Jobs whose scope is in load mode first try their candidate keys. The rest
// are packed concurrently; each commit goes through the container, so two
// jobs (or two sessions) producing the same key end up sharing one blob.
// Scopes in save mode record every result once all packing is done.
//
// On error the container may already hold blobs committed by other jobs.
func (p *Prepacker) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	results := make([]Result, len(jobs))
	pending := make([]int, 0, len(jobs))
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r, ok := p.fromDisk(job); ok {
			results[i] = r
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		alloc, err := p.allocator()
		if err != nil {
			return nil, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.workers)
		for _, i := range pending {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				r, err := p.pack(jobs[i], alloc)
				if err != nil {
					return err
				}
				results[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// The serialization tree is not synchronized; record sequentially.
	for i, job := range jobs {
		if job.Scope != nil && job.Scope.IsSaveModeOn() {
			job.Scope.CreateOrOverWrite(job.WeightName, results[i].Key, results[i].Weights)
		}
	}
	return results, nil
}

func (p *Prepacker) fromDisk(job Job) (Result, bool) {
	if job.Scope == nil || job.Scope.IsSaveModeOn() {
		return Result{}, false
	}
	prefix := job.OpType + "+"
	for _, key := range job.CandidateKeys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		w, ok := job.Scope.GetPrepackedWeights(key)
		if !ok {
			continue
		}
		if job.Accept != nil && !job.Accept(*w) {
			p.log.Debug("rejected prepacked weight from disk", "weight", job.WeightName, "key", key)
			continue
		}
		// The scope keeps ownership of disk blobs.
		stored, _ := p.container.GetOrWrite(key, w.Borrow())
		p.log.Debug("reused prepacked weight from disk", "weight", job.WeightName, "key", key)
		return Result{WeightName: job.WeightName, Key: key, Weights: stored, Source: SourceDisk}, true
	}
	return Result{}, false
}

func (p *Prepacker) pack(job Job, alloc prepack.Allocator) (Result, error) {
	start := time.Now()
	w, err := job.Pack(alloc)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s (%s): %w", ErrPackFailed, job.WeightName, job.OpType, err)
	}
	key := prepack.Key(job.OpType, w)
	stored, fresh := p.container.GetOrWrite(key, w)

	src := SourcePacked
	if !fresh {
		src = SourceShared
	}
	p.log.Debug("prepacked weight",
		"weight", job.WeightName,
		"key", key,
		"source", src.String(),
		"bytes", stored.TotalSize(),
		"took", time.Since(start),
	)
	return Result{WeightName: job.WeightName, Key: key, Weights: stored, Source: src}, nil
}
