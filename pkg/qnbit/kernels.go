package qnbit

import (
	"math"

	"github.com/x448/float16"
)

// Portable scalar kernels. They define the reference semantics of every
// dispatch slot; vectorized backends must produce the same results.

const (
	// defaultZeroPoint is used for blocks without an explicit zero point.
	defaultZeroPoint = 8

	// maxInt8RowsPerCall bounds the rows handled by one int8 kernel call.
	maxInt8RowsPerCall = 4

	int8WorkspaceAlignment = 64
)

func packQuantBDataSize(n, k, blkLen int, ct ComputeType) int {
	bck := BlockCountK(k, blkLen)
	if ct == CompInt8 {
		return PackedBufferSize[float32](n, bck, blkLen)
	}
	return PackedQuantBDataSize(n, bck, blkLen)
}

func perGemmWorkspaceSize(m, n, k, blkLen int, ct ComputeType) int {
	switch ct {
	case CompInt8:
		return int8WorkspaceSize(m, BlockCountK(k, blkLen), blkLen)
	case CompFp32:
		if m == 1 {
			return 0
		}
		return n * k * 4
	case CompFp16:
		return n * k * 2
	}
	return 0
}

func perGemmWorkspaceAlignment(blkLen int, ct ComputeType) int {
	switch ct {
	case CompInt8:
		return int8WorkspaceAlignment
	case CompFp16:
		return 2
	}
	return 4
}

// sequentialNibble reads value i from unpacked block data (2i low, 2i+1 high).
func sequentialNibble(b []byte, i int) byte {
	return (b[i/2] >> (4 * uint(i&1))) & 0x0F
}

// packedNibble reads value i from a packed block. Within every 32-value
// sub-block (16 for BlkLen 16), byte j holds value j low and value j+16 high.
func packedNibble(b []byte, i, blkLen int) byte {
	sub := min(blkLen, 32)
	half := sub / 2
	s := i / sub * sub
	r := i - s
	v := b[s/2+r%half]
	if r >= half {
		return v >> 4
	}
	return v & 0x0F
}

func zeroPointAt(zp []byte, col, blk, blockCountK int) byte {
	if zp == nil {
		return defaultZeroPoint
	}
	stride := ZeroPointsForBlksSizeInBytes(BlkBitWidth, blockCountK)
	return (zp[col*stride+blk/2] >> (4 * uint(blk&1))) & 0x0F
}

func packQuantBData(n, k, blkLen int, _ ComputeType, quantBData, packedQuantBData []byte) {
	if quantBData == nil {
		return
	}
	bck := BlockCountK(k, blkLen)
	blkBytes := BlkDataSizeInBytes(BlkBitWidth, blkLen)
	sub := min(blkLen, 32)
	half := sub / 2

	for blkIdx := 0; blkIdx < n*bck; blkIdx++ {
		src := quantBData[blkIdx*blkBytes : (blkIdx+1)*blkBytes]
		dst := packedQuantBData[blkIdx*blkBytes : (blkIdx+1)*blkBytes]
		for s := 0; s < blkLen; s += sub {
			for j := 0; j < half; j++ {
				lo := sequentialNibble(src, s+j)
				hi := sequentialNibble(src, s+j+half)
				dst[s/2+j] = lo | hi<<4
			}
		}
	}
}

func packQuantBDataAndBlkSum(n, k, blkLen int, ct ComputeType,
	quantBData []byte, quantBScale []float32, quantBZeroPoint []byte, packed PackedQuantB[float32],
) {
	packQuantBData(n, k, blkLen, ct, quantBData, packed.Data)
	if quantBScale == nil {
		return
	}

	bck := BlockCountK(k, blkLen)
	copy(packed.Scale, quantBScale[:n*bck])
	clear(packed.BlkSum)
	for col := 0; col < n; col++ {
		for blk := 0; blk < bck; blk++ {
			scale := quantBScale[col*bck+blk]
			zp := float32(zeroPointAt(quantBZeroPoint, col, blk, bck))
			packed.BlkSum[blkSumIndex(col, blk, bck)] = -scale * zp
		}
	}
}

func m1KernelCompFp32(blkLen int, a []float32, quantBData []byte, quantBScale []float32,
	quantBZeroPoint []byte, c []float32, countN, countK, blockStrideQuantB int, bias []float32,
) {
	blkBytes := BlkDataSizeInBytes(BlkBitWidth, blkLen)
	for col := 0; col < countN; col++ {
		var acc float32
		for blk := 0; blk < blockStrideQuantB; blk++ {
			base := blk * blkLen
			if base >= countK {
				break
			}
			idx := col*blockStrideQuantB + blk
			scale := quantBScale[idx]
			zp := float32(zeroPointAt(quantBZeroPoint, col, blk, blockStrideQuantB))
			data := quantBData[idx*blkBytes : (idx+1)*blkBytes]
			end := min(blkLen, countK-base)
			for i := 0; i < end; i++ {
				acc += a[base+i] * scale * (float32(packedNibble(data, i, blkLen)) - zp)
			}
		}
		if bias != nil {
			acc += bias[col]
		}
		c[col] = acc
	}
}

func blkDequantB[T Float](blkLen int, fpData []T, quantBData []byte, quantBScale []T,
	quantBZeroPoint []byte, countN, countK, blockStrideQuantB int,
) {
	blkBytes := BlkDataSizeInBytes(BlkBitWidth, blkLen)
	for col := 0; col < countN; col++ {
		out := fpData[col*countK : (col+1)*countK]
		for blk := 0; blk < blockStrideQuantB; blk++ {
			base := blk * blkLen
			if base >= countK {
				break
			}
			idx := col*blockStrideQuantB + blk
			scale := toFloat32(quantBScale[idx])
			zp := float32(zeroPointAt(quantBZeroPoint, col, blk, blockStrideQuantB))
			data := quantBData[idx*blkBytes : (idx+1)*blkBytes]
			end := min(blkLen, countK-base)
			for i := 0; i < end; i++ {
				out[base+i] = fromFloat32[T](scale * (float32(packedNibble(data, i, blkLen)) - zp))
			}
		}
	}
}

func quantizeARowComputeBlkSum(blkLen int, a []float32, countK int,
	quantA []byte, quantAScale []float32, aScaledBlkSum []float32,
) {
	bck := BlockCountK(countK, blkLen)
	for blk := 0; blk < bck; blk++ {
		base := blk * blkLen
		end := min(blkLen, countK-base)

		var amax float32
		for i := 0; i < end; i++ {
			amax = max(amax, float32(math.Abs(float64(a[base+i]))))
		}
		scale := amax / 127
		var inv float32
		if scale != 0 {
			inv = 1 / scale
		}

		var sum int32
		for i := 0; i < blkLen; i++ {
			var q int32
			if i < end {
				q = int32(math.Round(float64(a[base+i] * inv)))
				q = min(max(q, -127), 127)
			}
			quantA[base+i] = byte(int8(q))
			sum += q
		}
		quantAScale[blk] = scale
		aScaledBlkSum[blk] = scale * float32(sum)
	}
}

func kernelBlkSumCompInt8(blkLen int, quantA []byte, quantAScale []float32,
	quantBData []byte, quantBScale []float32, _ []byte, c []float32,
	countM, countN, _, blockCountK int, bias []float32, ldc int,
	aBlkSum, quantBBlkSum []float32,
) int {
	rows := min(countM, maxInt8RowsPerCall)
	lda := blockCountK * blkLen
	blkBytes := BlkDataSizeInBytes(BlkBitWidth, blkLen)

	for m := 0; m < rows; m++ {
		qa := quantA[m*lda : (m+1)*lda]
		for col := 0; col < countN; col++ {
			var acc float32
			for blk := 0; blk < blockCountK; blk++ {
				idx := col*blockCountK + blk
				data := quantBData[idx*blkBytes : (idx+1)*blkBytes]
				var dot int32
				for i := 0; i < blkLen; i++ {
					dot += int32(int8(qa[blk*blkLen+i])) * int32(packedNibble(data, i, blkLen))
				}
				aIdx := m*blockCountK + blk
				acc += quantAScale[aIdx]*quantBScale[idx]*float32(dot) +
					aBlkSum[aIdx]*quantBBlkSum[blkSumIndex(col, blk, blockCountK)]
			}
			if bias != nil {
				acc += bias[col]
			}
			c[m*ldc+col] = acc
		}
	}
	return rows
}

func kernelCompFp16(a, b, bias, c []float16.Float16, countM, countN, k, lda, ldb, ldc int) {
	for m := 0; m < countM; m++ {
		for n := 0; n < countN; n++ {
			var acc float32
			for i := 0; i < k; i++ {
				acc += a[m*lda+i].Float32() * b[n*ldb+i].Float32()
			}
			if bias != nil {
				acc += bias[n].Float32()
			}
			c[m*ldc+n] = float16.Fromfloat32(acc)
		}
	}
}

func toFloat32[T Float](v T) float32 {
	switch x := any(v).(type) {
	case float32:
		return x
	case float16.Float16:
		return x.Float32()
	}
	return 0
}

func fromFloat32[T Float](f float32) T {
	var z T
	switch any(z).(type) {
	case float32:
		return any(f).(T)
	case float16.Float16:
		return any(float16.Fromfloat32(f)).(T)
	}
	return z
}
