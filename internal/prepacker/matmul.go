package prepacker

import (
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/qpack/pkg/prepack"
	"github.com/samcharles93/qpack/pkg/qnbit"
	"github.com/samcharles93/qpack/pkg/quant"
)

// OpMatMulNBits is the op type of 4-bit block-quantized matmul weights.
const OpMatMulNBits = "MatMulNBits"

// QuantWeight is a 4-bit block-quantized B matrix: N columns of K values,
// each column split into BlockCountK blocks of BlkLen values.
type QuantWeight struct {
	Name      string
	N, K      int
	BlkLen    int
	Data      []byte    // N*BlockCountK blocks, sequential nibbles
	Scales    []float32 // N*BlockCountK
	ZeroPoint []byte    // optional, ceil(BlockCountK/2) bytes per column
}

func (w QuantWeight) BlockCountK() int {
	return qnbit.BlockCountK(w.K, w.BlkLen)
}

// ValidBlkLen reports whether blkLen is one of the block lengths the kernels
// handle.
func ValidBlkLen(blkLen int) bool {
	switch blkLen {
	case 16, 32, 64, 128, 256:
		return true
	}
	return false
}

func (w QuantWeight) Validate() error {
	if w.N <= 0 || w.K <= 0 || !ValidBlkLen(w.BlkLen) {
		return fmt.Errorf("%w: %s n=%d k=%d blklen=%d", ErrInvalidWeight, w.Name, w.N, w.K, w.BlkLen)
	}
	bck := w.BlockCountK()
	if want := qnbit.PackedQuantBDataSize(w.N, bck, w.BlkLen); len(w.Data) != want {
		return fmt.Errorf("%w: %s has %d data bytes, want %d", ErrInvalidWeight, w.Name, len(w.Data), want)
	}
	if len(w.Scales) != w.N*bck {
		return fmt.Errorf("%w: %s has %d scales, want %d", ErrInvalidWeight, w.Name, len(w.Scales), w.N*bck)
	}
	if w.ZeroPoint != nil {
		if want := w.N * qnbit.ZeroPointsForBlksSizeInBytes(qnbit.BlkBitWidth, bck); len(w.ZeroPoint) != want {
			return fmt.Errorf("%w: %s has %d zero point bytes, want %d", ErrInvalidWeight, w.Name, len(w.ZeroPoint), want)
		}
	}
	return nil
}

// RandomQuantWeight generates a weight with uniform nibbles and scales in
// [0.001, 0.1).
func RandomQuantWeight(r *rand.Rand, name string, n, k, blkLen int, zeroPoints bool) QuantWeight {
	w := QuantWeight{Name: name, N: n, K: k, BlkLen: blkLen}
	bck := w.BlockCountK()
	w.Data = make([]byte, qnbit.PackedQuantBDataSize(n, bck, blkLen))
	for i := range w.Data {
		w.Data[i] = byte(r.UintN(256))
	}
	w.Scales = make([]float32, n*bck)
	for i := range w.Scales {
		w.Scales[i] = 0.001 + r.Float32()*0.099
	}
	if zeroPoints {
		w.ZeroPoint = make([]byte, n*qnbit.ZeroPointsForBlksSizeInBytes(qnbit.BlkBitWidth, bck))
		for i := range w.ZeroPoint {
			w.ZeroPoint[i] = byte(r.UintN(256))
		}
	}
	return w
}

// FromQuantTensor wraps a quantized matrix as a named weight.
func FromQuantTensor(name string, q quant.QuantTensor) QuantWeight {
	return QuantWeight{
		Name:      name,
		N:         q.N,
		K:         q.K,
		BlkLen:    q.BlkLen,
		Data:      q.Data,
		Scales:    q.Scales,
		ZeroPoint: q.ZeroPoints,
	}
}

// PackMatMulNBits returns the pack function for w on compute type ct. The
// result is a single buffer: packed data for CompFp32 and CompFp16, and the
// fused data, block sum and scale workspace for CompInt8.
func PackMatMulNBits(d *qnbit.Dispatch, ct qnbit.ComputeType, w QuantWeight) PackFunc {
	return func(alloc prepack.Allocator) (prepack.PrePackedWeights, error) {
		if err := w.Validate(); err != nil {
			return prepack.PrePackedWeights{}, err
		}
		if !d.Supports(ct) {
			return prepack.PrePackedWeights{}, fmt.Errorf("%w: %s on %s", qnbit.ErrUnsupportedCompute, ct, d.Backend)
		}

		size := d.PackQuantBDataSize(w.N, w.K, w.BlkLen, ct)
		buf := alloc.Alloc(size)
		out := prepack.PrePackedWeights{Allocator: alloc}
		out.Append(buf)

		switch ct {
		case qnbit.CompInt8:
			packed, err := qnbit.BindPackedQuantB[float32](buf, w.N, w.BlockCountK(), w.BlkLen)
			if err != nil {
				out.Release()
				return prepack.PrePackedWeights{}, err
			}
			d.PackQuantBDataAndBlkSum(w.N, w.K, w.BlkLen, ct, w.Data, w.Scales, w.ZeroPoint, packed)
		case qnbit.CompFp16:
			d.PackQuantBDataFp16(w.N, w.K, w.BlkLen, ct, w.Data, buf)
		default:
			d.PackQuantBData(w.N, w.K, w.BlkLen, ct, w.Data, buf)
		}
		return out, nil
	}
}

// AcceptMatMulNBits reports whether a blob has the shape PackMatMulNBits
// produces for w on compute type ct.
func AcceptMatMulNBits(d *qnbit.Dispatch, ct qnbit.ComputeType, w QuantWeight) func(prepack.PrePackedWeights) bool {
	return func(b prepack.PrePackedWeights) bool {
		if !d.Supports(ct) || len(b.Buffers) != 1 {
			return false
		}
		return len(b.Buffers[0]) == d.PackQuantBDataSize(w.N, w.K, w.BlkLen, ct)
	}
}
