// Package prepack owns the lifecycle of prepacked weight blobs: a process-wide
// deduplicating cache shared between sessions, and a subgraph-scoped container
// used while saving prepacked blobs to disk or loading them back.
package prepack

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"slices"
)

// PrePackedWeights is the set of buffers one kernel produced for one weight.
// It must not be modified once stored in a container.
type PrePackedWeights struct {
	Buffers     [][]byte
	BufferSizes []int

	// Allocator released the buffers. Nil for buffers not owned by an
	// allocator, such as blobs read from disk.
	Allocator Allocator
}

// Append adds a buffer and records its size.
func (w *PrePackedWeights) Append(buf []byte) {
	w.Buffers = append(w.Buffers, buf)
	w.BufferSizes = append(w.BufferSizes, len(buf))
}

// TotalSize returns the sum of all buffer sizes.
func (w PrePackedWeights) TotalSize() int {
	total := 0
	for _, n := range w.BufferSizes {
		total += n
	}
	return total
}

// Hash returns a digest over every buffer and its size.
func (w PrePackedWeights) Hash() [sha256.Size]byte {
	h := sha256.New()
	var lenBuf [8]byte
	for i, buf := range w.Buffers {
		n := len(buf)
		if i < len(w.BufferSizes) {
			n = min(n, w.BufferSizes[i])
		}
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(n))
		h.Write(lenBuf[:])
		h.Write(buf[:n])
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Equal reports whether both hold the same bytes in the same buffer split.
func (w PrePackedWeights) Equal(o PrePackedWeights) bool {
	if !slices.Equal(w.BufferSizes, o.BufferSizes) || len(w.Buffers) != len(o.Buffers) {
		return false
	}
	for i := range w.Buffers {
		if !bytes.Equal(w.Buffers[i], o.Buffers[i]) {
			return false
		}
	}
	return true
}

// Release returns the buffers to their allocator. The value must not be used
// afterwards.
func (w *PrePackedWeights) Release() {
	if w.Allocator != nil {
		for _, buf := range w.Buffers {
			w.Allocator.Free(buf)
		}
	}
	w.Buffers = nil
	w.BufferSizes = nil
	w.Allocator = nil
}

// Borrow returns a view of the same buffers that does not own them.
// Releasing the view frees nothing.
func (w PrePackedWeights) Borrow() PrePackedWeights {
	w.Allocator = nil
	return w
}

// Key derives the cache key op_type+"+"+hash. Identical packs produced by
// different kernel instances of the same op type share a key.
func Key(opType string, w PrePackedWeights) string {
	sum := w.Hash()
	return opType + "+" + hex.EncodeToString(sum[:])
}
