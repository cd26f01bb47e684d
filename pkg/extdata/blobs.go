package extdata

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/samcharles93/qpack/pkg/prepack"
)

// BlobAlignment is the file alignment of every buffer written by BlobWriter.
const BlobAlignment = 64

var zeroPad [BlobAlignment]byte

// BlobWriter appends tensor data and prepacked buffers to an external data
// file. Offsets are relative to the start of the file.
type BlobWriter struct {
	w   io.Writer
	off int64
}

// NewBlobWriter writes to w, which is assumed to be positioned at offset.
func NewBlobWriter(w io.Writer, offset int64) *BlobWriter {
	return &BlobWriter{w: w, off: offset}
}

// Offset returns the current end of the file.
func (bw *BlobWriter) Offset() int64 {
	return bw.off
}

// WriteData pads to BlobAlignment and writes data, returning its offset.
func (bw *BlobWriter) WriteData(data []byte) (int64, error) {
	if err := bw.pad(); err != nil {
		return 0, err
	}
	start := bw.off
	n, err := bw.w.Write(data)
	bw.off += int64(n)
	if err != nil {
		return 0, fmt.Errorf("extdata: write data: %w", err)
	}
	return start, nil
}

// WritePrepacked writes every buffer of w and returns the records that locate
// them.
func (bw *BlobWriter) WritePrepacked(key string, w prepack.PrePackedWeights) (PrepackedEntry, error) {
	entry := PrepackedEntry{Key: key, Blobs: make([]PrepackedInfo, 0, len(w.Buffers))}
	for i, buf := range w.Buffers {
		if i < len(w.BufferSizes) {
			buf = buf[:min(len(buf), w.BufferSizes[i])]
		}
		off, err := bw.WriteData(buf)
		if err != nil {
			return PrepackedEntry{}, fmt.Errorf("extdata: prepacked %q buffer %d: %w", key, i, err)
		}
		entry.Blobs = append(entry.Blobs, PrepackedInfo{
			Offset:   off,
			Length:   len(buf),
			Checksum: checksum(buf),
		})
	}
	return entry, nil
}

func (bw *BlobWriter) pad() error {
	rem := bw.off % BlobAlignment
	if rem == 0 {
		return nil
	}
	n, err := bw.w.Write(zeroPad[:BlobAlignment-rem])
	bw.off += int64(n)
	if err != nil {
		return fmt.Errorf("extdata: pad: %w", err)
	}
	return nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ReadPrepacked reads the buffers named by infos from r and checks each one
// against its checksum. Buffers come from alloc when it is non-nil, so that
// layouts computed from the buffer address match the ones used when packing.
// On error nothing stays allocated.
func ReadPrepacked(r io.ReaderAt, infos []PrepackedInfo, alloc prepack.Allocator) (prepack.PrePackedWeights, error) {
	w := prepack.PrePackedWeights{Allocator: alloc}
	fail := func(err error) (prepack.PrePackedWeights, error) {
		w.Release()
		return prepack.PrePackedWeights{}, err
	}
	for i, info := range infos {
		if info.Offset < 0 || info.Length < 0 {
			return fail(fmt.Errorf("%w: buffer %d at %d+%d", ErrFormat, i, info.Offset, info.Length))
		}
		var buf []byte
		if alloc != nil && info.Length > 0 {
			buf = alloc.Alloc(info.Length)
		} else {
			buf = make([]byte, info.Length)
		}
		w.Append(buf)
		if n, err := r.ReadAt(buf, info.Offset); err != nil && (n < len(buf) || !errors.Is(err, io.EOF)) {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fail(fmt.Errorf("%w: buffer %d at %d+%d", ErrShortRead, i, info.Offset, info.Length))
			}
			return fail(fmt.Errorf("extdata: read buffer %d: %w", i, err))
		}
		if got := checksum(buf); got != info.Checksum {
			return fail(fmt.Errorf("%w: buffer %d got %s want %s", ErrChecksumMismatch, i, got, info.Checksum))
		}
	}
	return w, nil
}
