// Package quant converts float matrices to the 4-bit block-quantized form
// consumed by the qnbit kernels.
package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/qpack/pkg/qnbit"
)

var ErrShape = errors.New("quant: invalid shape")

// QuantTensor is an N x K matrix quantized along K in blocks of BlkLen.
// Data holds N*BlockCountK*BlkLen/2 bytes, two values per byte with the
// even index in the low nibble. Values past K in the last block are zero
// codes. ZeroPoints is nil for symmetric quantization, where the kernels
// assume 8.
type QuantTensor struct {
	N, K       int
	BlkLen     int
	Data       []byte
	Scales     []float32
	ZeroPoints []byte
}

func (q QuantTensor) BlockCountK() int {
	return qnbit.BlockCountK(q.K, q.BlkLen)
}

// Quantise4Bit quantizes src, N rows of K values, block by block. Symmetric
// blocks use scale = max|x|/7 around the implicit zero point 8; asymmetric
// blocks map [min(x,0), max(x,0)] onto [0, 15] with a stored zero point.
func Quantise4Bit(src []float32, n, k, blkLen int, symmetric bool) (QuantTensor, error) {
	if n <= 0 || k <= 0 || blkLen <= 0 || blkLen%2 != 0 {
		return QuantTensor{}, fmt.Errorf("%w: n=%d k=%d blklen=%d", ErrShape, n, k, blkLen)
	}
	if len(src) != n*k {
		return QuantTensor{}, fmt.Errorf("%w: %d values for %dx%d", ErrShape, len(src), n, k)
	}

	bck := qnbit.BlockCountK(k, blkLen)
	q := QuantTensor{
		N:      n,
		K:      k,
		BlkLen: blkLen,
		Data:   make([]byte, qnbit.PackedQuantBDataSize(n, bck, blkLen)),
		Scales: make([]float32, n*bck),
	}
	zpStride := qnbit.ZeroPointsForBlksSizeInBytes(qnbit.BlkBitWidth, bck)
	if !symmetric {
		q.ZeroPoints = make([]byte, n*zpStride)
	}

	for col := range n {
		row := src[col*k : (col+1)*k]
		for blk := range bck {
			start := blk * blkLen
			block := row[start:min(start+blkLen, k)]

			var scale float32
			zp := 8
			if symmetric {
				scale = symmetricScale(block)
			} else {
				scale, zp = asymmetricScale(block)
				q.ZeroPoints[col*zpStride+blk/2] |= byte(zp) << (4 * uint(blk&1))
			}
			q.Scales[col*bck+blk] = scale

			base := (col*bck + blk) * blkLen
			for i, x := range block {
				v := zp
				if scale != 0 {
					v = int(math.RoundToEven(float64(x/scale))) + zp
				}
				v = max(0, min(15, v))
				idx := base + i
				q.Data[idx/2] |= byte(v) << (4 * uint(idx&1))
			}
		}
	}
	return q, nil
}

func symmetricScale(block []float32) float32 {
	var amax float32
	for _, x := range block {
		amax = max(amax, float32(math.Abs(float64(x))))
	}
	return amax / 7
}

func asymmetricScale(block []float32) (float32, int) {
	var lo, hi float32
	for _, x := range block {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	scale := (hi - lo) / 15
	if scale == 0 {
		return 0, 8
	}
	zp := int(math.RoundToEven(float64(-lo / scale)))
	return scale, max(0, min(15, zp))
}

// Dequantise expands q back to N rows of K floats.
func (q QuantTensor) Dequantise() []float32 {
	bck := q.BlockCountK()
	zpStride := qnbit.ZeroPointsForBlksSizeInBytes(qnbit.BlkBitWidth, bck)
	out := make([]float32, q.N*q.K)
	for col := range q.N {
		for i := range q.K {
			blk := i / q.BlkLen
			zp := 8
			if q.ZeroPoints != nil {
				zp = int(q.ZeroPoints[col*zpStride+blk/2]>>(4*uint(blk&1))) & 0x0f
			}
			idx := (col*bck+blk)*q.BlkLen + i%q.BlkLen
			v := int(q.Data[idx/2]>>(4*uint(idx&1))) & 0x0f
			out[col*q.K+i] = q.Scales[col*bck+blk] * float32(v-zp)
		}
	}
	return out
}
