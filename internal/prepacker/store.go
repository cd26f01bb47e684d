package prepacker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/samcharles93/qpack/pkg/extdata"
	"github.com/samcharles93/qpack/pkg/prepack"
	"github.com/samcharles93/qpack/pkg/qnbit"
)

const (
	// GraphFile holds the initializer list of a saved model.
	GraphFile = "model.qpack"
	// DataFile holds tensor bytes and prepacked blobs.
	DataFile = "model.data"

	scalesSuffix    = ".scales"
	zeroPointSuffix = ".zero_points"
)

// SaveStats summarizes a save pass.
type SaveStats struct {
	Tensors int
	Blobs   int
	Bytes   int64
}

// Save writes weights and the prepacked blobs scope recorded for them into
// dir. Each key is written once; weights sharing a key reference the same
// records. A nil scope saves tensors only.
func (p *Prepacker) Save(ctx context.Context, dir, graphName string, weights []QuantWeight, scope *prepack.Subgraph) (SaveStats, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SaveStats{}, fmt.Errorf("prepacker: create %s: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, DataFile))
	if err != nil {
		return SaveStats{}, fmt.Errorf("prepacker: create data file: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = f.Close()
		}
	}()

	var stats SaveStats
	bw := extdata.NewBlobWriter(f, 0)
	written := make(map[string]extdata.PrepackedEntry)
	graph := &extdata.Graph{Name: graphName}

	external := func(name string, dims []int64, dataType int32, data []byte) (*extdata.TensorProto, error) {
		off, err := bw.WriteData(data)
		if err != nil {
			return nil, err
		}
		t := &extdata.TensorProto{Name: name, Dims: dims, DataType: dataType}
		extdata.SetExternalLocationToProto(DataFile, off, len(data), t)
		graph.Initializers = append(graph.Initializers, t)
		stats.Tensors++
		return t, nil
	}

	for _, w := range weights {
		if err := ctx.Err(); err != nil {
			return SaveStats{}, err
		}
		if err := w.Validate(); err != nil {
			return SaveStats{}, err
		}

		t, err := external(w.Name, []int64{int64(w.N), int64(w.K)}, extdata.DataTypeUint8, w.Data)
		if err != nil {
			return SaveStats{}, err
		}

		var keys []string
		if scope != nil {
			keys = uniqueKeys(scope.WeightPrepacks(w.Name))
		}
		var entries []extdata.PrepackedEntry
		for _, key := range keys {
			entry, ok := written[key]
			if !ok {
				pw, found := scope.GetPrepackedWeights(key)
				if !found {
					continue
				}
				entry, err = bw.WritePrepacked(key, *pw)
				if err != nil {
					return SaveStats{}, err
				}
				written[key] = entry
				stats.Blobs++
			}
			entries = append(entries, entry)
		}
		extdata.AddPrepackedEntriesToProto(entries, t)

		bck := int64(w.BlockCountK())
		scales, err := binary.Append(nil, binary.LittleEndian, w.Scales)
		if err != nil {
			return SaveStats{}, fmt.Errorf("prepacker: encode scales of %s: %w", w.Name, err)
		}
		if _, err := external(w.Name+scalesSuffix, []int64{int64(w.N), bck}, extdata.DataTypeFloat, scales); err != nil {
			return SaveStats{}, err
		}
		if w.ZeroPoint != nil {
			zpCols := int64(qnbit.ZeroPointsForBlksSizeInBytes(qnbit.BlkBitWidth, int(bck)))
			if _, err := external(w.Name+zeroPointSuffix, []int64{int64(w.N), zpCols}, extdata.DataTypeUint8, w.ZeroPoint); err != nil {
				return SaveStats{}, err
			}
		}
	}

	closed = true
	if err := f.Close(); err != nil {
		return SaveStats{}, fmt.Errorf("prepacker: close data file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, GraphFile), graph.Marshal(), 0o644); err != nil {
		return SaveStats{}, fmt.Errorf("prepacker: write graph: %w", err)
	}
	stats.Bytes = bw.Offset()

	p.log.Info("saved model", "dir", dir, "tensors", stats.Tensors, "blobs", stats.Blobs, "bytes", stats.Bytes)
	return stats, nil
}

func uniqueKeys(keys []string) []string {
	out := keys[:0:0]
	for _, k := range keys {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

// LoadedModel is the result of a load pass.
type LoadedModel struct {
	Graph   *extdata.Graph
	Weights []QuantWeight

	// CandidateKeys lists, per weight name, the prepacked keys inserted into
	// the scope for it.
	CandidateKeys map[string][]string

	// Skipped counts prepacked records that could not be read back. Their
	// weights are packed again.
	Skipped int
}

// Load reads a model saved by Save and inserts its prepacked blobs into scope.
// Damaged or truncated blobs are skipped; a key recorded twice with different
// records is a fatal error.
func (p *Prepacker) Load(ctx context.Context, dir string, scope *prepack.Subgraph) (*LoadedModel, error) {
	raw, err := os.ReadFile(filepath.Join(dir, GraphFile))
	if err != nil {
		return nil, fmt.Errorf("prepacker: read graph: %w", err)
	}
	graph, err := extdata.UnmarshalGraph(raw)
	if err != nil {
		return nil, err
	}
	alloc, err := p.allocator()
	if err != nil {
		return nil, err
	}

	files := newDataFiles(dir)
	defer files.Close()

	m := &LoadedModel{Graph: graph, CandidateKeys: make(map[string][]string)}
	seen := make(map[string][]extdata.PrepackedInfo)

	for _, t := range graph.Initializers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.HasSuffix(t.Name, scalesSuffix) || strings.HasSuffix(t.Name, zeroPointSuffix) {
			continue
		}

		info, err := extdata.Create(t.ExternalData)
		if err != nil {
			return nil, fmt.Errorf("prepacker: tensor %s: %w", t.Name, err)
		}
		w, err := p.readWeight(graph, t, info, files)
		if err != nil {
			return nil, err
		}
		m.Weights = append(m.Weights, w)

		infos := info.TakePrepackedInfos()
		keys := make([]string, 0, len(infos))
		for k := range infos {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		r, err := files.open(info.RelPath())
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			blobs := infos[key]
			if prev, ok := seen[key]; ok && slices.Equal(prev, blobs) {
				m.CandidateKeys[t.Name] = append(m.CandidateKeys[t.Name], key)
				continue
			}
			pw, err := extdata.ReadPrepacked(r, blobs, alloc)
			if errors.Is(err, extdata.ErrChecksumMismatch) || errors.Is(err, extdata.ErrShortRead) {
				p.log.Debug("skipping prepacked blob", "weight", t.Name, "key", key, "error", err.Error())
				m.Skipped++
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("prepacker: tensor %s: %w", t.Name, err)
			}
			if err := scope.InsertFromDisk(key, pw); err != nil {
				pw.Release()
				return nil, err
			}
			seen[key] = blobs
			m.CandidateKeys[t.Name] = append(m.CandidateKeys[t.Name], key)
		}
	}

	p.log.Info("loaded model", "dir", dir, "weights", len(m.Weights), "blobs", len(seen), "skipped", m.Skipped)
	return m, nil
}

func (p *Prepacker) readWeight(graph *extdata.Graph, t *extdata.TensorProto, info *extdata.ExternalDataInfo, files *dataFiles) (QuantWeight, error) {
	if len(t.Dims) != 2 {
		return QuantWeight{}, fmt.Errorf("%w: %s has dims %v", ErrInvalidWeight, t.Name, t.Dims)
	}
	w := QuantWeight{Name: t.Name, N: int(t.Dims[0]), K: int(t.Dims[1])}

	data, err := files.read(info)
	if err != nil {
		return QuantWeight{}, fmt.Errorf("prepacker: tensor %s: %w", t.Name, err)
	}
	w.Data = data

	st := graph.Initializer(t.Name + scalesSuffix)
	if st == nil {
		return QuantWeight{}, fmt.Errorf("%w: %s%s", ErrMissingTensor, t.Name, scalesSuffix)
	}
	if len(st.Dims) != 2 || st.Dims[0] != t.Dims[0] || st.Dims[1] <= 0 {
		return QuantWeight{}, fmt.Errorf("%w: %s has dims %v", ErrInvalidWeight, st.Name, st.Dims)
	}
	bck := int(st.Dims[1])
	// Bound both dims by the data size before multiplying them.
	nibbles := len(data) * 2
	if w.N <= 0 || w.K <= 0 || w.N > nibbles || bck > nibbles/w.N || nibbles%(w.N*bck) != 0 {
		return QuantWeight{}, fmt.Errorf("%w: %s data size %d does not match %d blocks", ErrInvalidWeight, t.Name, len(data), w.N*bck)
	}
	w.BlkLen = len(data) * 2 / (w.N * bck)

	scales, err := p.readSidecar(st, files)
	if err != nil {
		return QuantWeight{}, err
	}
	if len(scales)%4 != 0 {
		return QuantWeight{}, fmt.Errorf("%w: %s has %d bytes", ErrInvalidWeight, st.Name, len(scales))
	}
	w.Scales = make([]float32, len(scales)/4)
	if _, err := binary.Decode(scales, binary.LittleEndian, w.Scales); err != nil {
		return QuantWeight{}, fmt.Errorf("prepacker: decode %s: %w", st.Name, err)
	}

	if zt := graph.Initializer(t.Name + zeroPointSuffix); zt != nil {
		if w.ZeroPoint, err = p.readSidecar(zt, files); err != nil {
			return QuantWeight{}, err
		}
	}

	if err := w.Validate(); err != nil {
		return QuantWeight{}, err
	}
	return w, nil
}

func (p *Prepacker) readSidecar(t *extdata.TensorProto, files *dataFiles) ([]byte, error) {
	info, err := extdata.Create(t.ExternalData)
	if err != nil {
		return nil, fmt.Errorf("prepacker: tensor %s: %w", t.Name, err)
	}
	data, err := files.read(info)
	if err != nil {
		return nil, fmt.Errorf("prepacker: tensor %s: %w", t.Name, err)
	}
	return data, nil
}

// dataFiles opens each external data file once.
type dataFiles struct {
	dir   string
	files map[string]*os.File
}

func newDataFiles(dir string) *dataFiles {
	return &dataFiles{dir: dir, files: make(map[string]*os.File)}
}

func (d *dataFiles) open(rel string) (*os.File, error) {
	if f, ok := d.files[rel]; ok {
		return f, nil
	}
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	f, err := os.Open(filepath.Join(d.dir, rel))
	if err != nil {
		return nil, fmt.Errorf("prepacker: open data file: %w", err)
	}
	d.files[rel] = f
	return f, nil
}

func (d *dataFiles) read(info *extdata.ExternalDataInfo) ([]byte, error) {
	r, err := d.open(info.RelPath())
	if err != nil {
		return nil, err
	}
	off := info.Offset()
	if off < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", extdata.ErrFormat, off)
	}
	st, err := r.Stat()
	if err != nil {
		return nil, fmt.Errorf("prepacker: stat data file: %w", err)
	}
	if off > st.Size() {
		return nil, fmt.Errorf("%w: offset %d past end %d", extdata.ErrShortRead, off, st.Size())
	}
	// Length 0 means the rest of the file.
	n := int64(info.Length())
	if n == 0 {
		n = st.Size() - off
	}
	if n > st.Size()-off {
		return nil, fmt.Errorf("%w: %d+%d past end %d", extdata.ErrShortRead, off, n, st.Size())
	}
	buf := make([]byte, n)
	if got, err := r.ReadAt(buf, off); err != nil && !(errors.Is(err, io.EOF) && got == len(buf)) {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %d+%d", extdata.ErrShortRead, off, n)
		}
		return nil, err
	}
	return buf, nil
}

func (d *dataFiles) Close() {
	for _, f := range d.files {
		_ = f.Close()
	}
}
