package qnbit

import "github.com/x448/float16"

// ComputeType selects the numeric path of a quantized GEMM.
type ComputeType int

const (
	CompUndef ComputeType = iota
	CompFp32              // fp32 activations, dequantized or M=1 kernel
	CompFp16              // fp16 activations against dequantized B
	CompInt8              // int8 quantized activations with block-sum correction
)

func (c ComputeType) String() string {
	switch c {
	case CompFp32:
		return "fp32"
	case CompFp16:
		return "fp16"
	case CompInt8:
		return "int8"
	default:
		return "undef"
	}
}

// ParseComputeType maps a name as printed by String back to a ComputeType.
func ParseComputeType(s string) (ComputeType, bool) {
	switch s {
	case "fp32":
		return CompFp32, true
	case "fp16":
		return CompFp16, true
	case "int8":
		return CompInt8, true
	}
	return CompUndef, false
}

// Sizing.

// PackQuantBDataSizeFunc returns the packed B size for an N x K matrix.
type PackQuantBDataSizeFunc func(n, k, blkLen int, ct ComputeType) int

// PerGemmWorkspaceSizeFunc returns the intermediate workspace of one GEMM, or
// zero if none is needed.
type PerGemmWorkspaceSizeFunc func(m, n, k, blkLen int, ct ComputeType) int

// PerGemmWorkspaceAlignmentFunc returns the byte alignment of that workspace.
type PerGemmWorkspaceAlignmentFunc func(blkLen int, ct ComputeType) int

// Packing.

// PackQuantBDataFunc rearranges quantized B data (N columns of BlockCountK
// blocks, sequential nibbles) into the packed kernel order.
type PackQuantBDataFunc func(n, k, blkLen int, ct ComputeType, quantBData, packedQuantBData []byte)

// PackQuantBDataAndBlkSumFunc packs data, copies scales and computes block sums
// into one workspace. Any of quantBData, quantBScale may be nil to skip that
// section; a nil quantBZeroPoint means the implicit zero point 8.
type PackQuantBDataAndBlkSumFunc func(n, k, blkLen int, ct ComputeType,
	quantBData []byte, quantBScale []float32, quantBZeroPoint []byte, packed PackedQuantB[float32])

// CompFp32.

// M1KernelCompFp32Func multiplies a single float row A (1 x K) with packed B.
type M1KernelCompFp32Func func(blkLen int, a []float32, quantBData []byte, quantBScale []float32,
	quantBZeroPoint []byte, c []float32, countN, countK, blockStrideQuantB int, bias []float32)

// BlkDequantBFunc dequantizes packed B into a dense column-major matrix with
// leading dimension countK.
type BlkDequantBFunc[T Float] func(blkLen int, fpData []T, quantBData []byte, quantBScale []T,
	quantBZeroPoint []byte, countN, countK, blockStrideQuantB int)

// CompInt8.

// QuantizeARowComputeBlkSumFunc quantizes one row of A to int8 blocks and
// writes per-block scales and scale*sum(q) values.
type QuantizeARowComputeBlkSumFunc func(blkLen int, a []float32, countK int,
	quantA []byte, quantAScale []float32, aScaledBlkSum []float32)

// KernelBlkSumCompInt8Func multiplies int8 A rows with packed 4-bit B and
// applies block-sum correction. It processes at most countM rows and returns
// how many it completed.
type KernelBlkSumCompInt8Func func(blkLen int, quantA []byte, quantAScale []float32,
	quantBData []byte, quantBScale []float32, quantBZeroPoint []byte, c []float32,
	countM, countN, countK, blockCountK int, bias []float32, ldc int,
	aBlkSum, quantBBlkSum []float32) int

// CompFp16.

// KernelCompFp16Func multiplies row-major fp16 A rows with column-major fp16 B
// columns into row-major C.
type KernelCompFp16Func func(a, b, bias, c []float16.Float16, countM, countN, k, lda, ldb, ldc int)

// Dispatch is the table of quantized GEMM operations available on this host.
// A nil slot means the operation is unsupported; callers branch on Supports
// or on the slot itself before calling.
type Dispatch struct {
	// Backend names the selected implementation set.
	Backend string

	PackQuantBDataSize        PackQuantBDataSizeFunc
	PerGemmWorkspaceSize      PerGemmWorkspaceSizeFunc
	PerGemmWorkspaceAlignment PerGemmWorkspaceAlignmentFunc

	PackQuantBData          PackQuantBDataFunc
	PackQuantBDataFp16      PackQuantBDataFunc
	PackQuantBDataAndBlkSum PackQuantBDataAndBlkSumFunc

	M1KernelCompFp32            M1KernelCompFp32Func
	BlkDequantBForSgemmCompFp32 BlkDequantBFunc[float32]

	QuantizeARowComputeBlkSumCompInt8 QuantizeARowComputeBlkSumFunc
	KernelBlkSumCompInt8              KernelBlkSumCompInt8Func

	BlkDequantBForHgemmCompFp16 BlkDequantBFunc[float16.Float16]
	KernelCompFp16              KernelCompFp16Func
}

// Supports reports whether every slot of the compute path is populated.
func (d *Dispatch) Supports(ct ComputeType) bool {
	if d == nil || d.PackQuantBDataSize == nil || d.PerGemmWorkspaceSize == nil {
		return false
	}
	switch ct {
	case CompFp32:
		return d.PackQuantBData != nil && d.M1KernelCompFp32 != nil && d.BlkDequantBForSgemmCompFp32 != nil
	case CompInt8:
		return d.PackQuantBDataAndBlkSum != nil && d.QuantizeARowComputeBlkSumCompInt8 != nil &&
			d.KernelBlkSumCompInt8 != nil
	case CompFp16:
		return d.PackQuantBDataFp16 != nil && d.BlkDequantBForHgemmCompFp16 != nil && d.KernelCompFp16 != nil
	}
	return false
}

// Select returns the first supported compute type in preference order.
func (d *Dispatch) Select(preferred ...ComputeType) (ComputeType, bool) {
	for _, ct := range preferred {
		if d.Supports(ct) {
			return ct, true
		}
	}
	return CompUndef, false
}

// ComputeTypes lists the supported compute paths.
func (d *Dispatch) ComputeTypes() []ComputeType {
	var out []ComputeType
	for _, ct := range []ComputeType{CompFp32, CompFp16, CompInt8} {
		if d.Supports(ct) {
			out = append(out, ct)
		}
	}
	return out
}
