// Package qnbit describes the packed byte layout of block-quantized n-bit weight
// matrices and the table of kernels that consume it.
//
// B is quantized in blocks of BlkLen values along K. Each block has its own scale
// and an optional zero point. Packed B is column major: every column holds
// BlockCountK consecutive blocks.
package qnbit

import (
	"fmt"
	"unsafe"

	"github.com/x448/float16"
)

const (
	// BlkBitWidth is the bit width of every packed value produced today.
	BlkBitWidth = 4

	// PackedDataAlignment is required by 256-bit aligned loads of packed data.
	PackedDataAlignment = 32

	// blkSumColumns is the column padding of the block-sum section.
	blkSumColumns = 16
)

// Float is the element type of packed scales and block sums.
type Float interface {
	float32 | float16.Float16
}

func sizeOf[T Float]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

// BlkSumAlignment is the alignment of the block-sum section: 16 floats, as
// required by the float GEMM kernel that consumes it.
func BlkSumAlignment() int {
	return blkSumColumns * 4
}

// BlkDataSizeInBytes returns the bytes occupied by one block of packed data.
func BlkDataSizeInBytes(bitWidth, blkLen int) int {
	return blkLen * bitWidth / 8
}

// BlockCountK returns the number of blocks covering K values.
func BlockCountK(k, blkLen int) int {
	return divRoundup(k, blkLen)
}

// PackedQuantBDataSize returns the size of the packed data section.
func PackedQuantBDataSize(n, blockCountK, blkLen int) int {
	return n * blockCountK * BlkDataSizeInBytes(BlkBitWidth, blkLen)
}

// BlkSumSize returns the size of the block-sum section. Columns are padded
// to a multiple of 16 so kernels can issue fixed-width loads.
func BlkSumSize[T Float](n, blockCountK int) int {
	return divRoundup(n, blkSumColumns) * blockCountK * blkSumColumns * sizeOf[T]()
}

// ScaleSize returns the size of the scale section.
func ScaleSize[T Float](n, blockCountK int) int {
	return n * blockCountK * sizeOf[T]()
}

// ZeroPointsForBlksSizeInBytes returns the bytes needed for blkCount zero points.
// Widths up to 4 bits store two zero points per byte.
func ZeroPointsForBlksSizeInBytes(bitWidth, blkCount int) int {
	if bitWidth <= 4 {
		return divRoundup(blkCount, 2)
	}
	return blkCount
}

// AlignAddress rounds addr up to the next multiple of alignment, which must be
// a power of two.
func AlignAddress(addr, alignment uintptr) uintptr {
	return (addr + alignment - 1) &^ (alignment - 1)
}

// PackedBufferSize returns the workspace size that always fits the packed data,
// block-sum and scale sections regardless of the workspace start address.
func PackedBufferSize[T Float](n, blockCountK, blkLen int) int {
	return PackedQuantBDataSize(n, blockCountK, blkLen) +
		BlkSumSize[T](n, blockCountK) +
		ScaleSize[T](n, blockCountK) +
		PackedDataAlignment + BlkSumAlignment()
}

// PackedLayout holds section offsets relative to the workspace start.
type PackedLayout struct {
	DataOffset   int
	DataSize     int
	BlkSumOffset int
	BlkSumSize   int
	ScaleOffset  int
	ScaleSize    int
}

// End returns the first byte past the scale section.
func (l PackedLayout) End() int {
	return l.ScaleOffset + l.ScaleSize
}

// NewPackedLayout computes the section offsets for a workspace starting at base.
// Order: data (32-byte aligned), block sums (64-byte aligned), scales (directly
// after the block sums).
func NewPackedLayout[T Float](base uintptr, n, blockCountK, blkLen int) PackedLayout {
	dataSize := PackedQuantBDataSize(n, blockCountK, blkLen)
	blkSumSize := BlkSumSize[T](n, blockCountK)

	data := AlignAddress(base, PackedDataAlignment)
	blkSum := AlignAddress(data+uintptr(dataSize), uintptr(BlkSumAlignment()))
	scale := blkSum + uintptr(blkSumSize)

	return PackedLayout{
		DataOffset:   int(data - base),
		DataSize:     dataSize,
		BlkSumOffset: int(blkSum - base),
		BlkSumSize:   blkSumSize,
		ScaleOffset:  int(scale - base),
		ScaleSize:    ScaleSize[T](n, blockCountK),
	}
}

// PackedQuantB is a typed view over a packed workspace.
type PackedQuantB[T Float] struct {
	Data   []byte
	BlkSum []T
	Scale  []T

	N           int
	BlockCountK int
	BlkLen      int
}

// BindPackedQuantB views workspace as packed data, block sums and scales.
func BindPackedQuantB[T Float](workspace []byte, n, blockCountK, blkLen int) (PackedQuantB[T], error) {
	if n <= 0 || blockCountK <= 0 || blkLen <= 0 {
		return PackedQuantB[T]{}, fmt.Errorf("%w: n=%d blocks=%d blklen=%d", ErrInvalidGeometry, n, blockCountK, blkLen)
	}
	if len(workspace) == 0 {
		return PackedQuantB[T]{}, ErrWorkspaceTooSmall
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(workspace)))
	l := NewPackedLayout[T](base, n, blockCountK, blkLen)
	if l.End() > len(workspace) {
		return PackedQuantB[T]{}, fmt.Errorf("%w: need %d bytes, have %d", ErrWorkspaceTooSmall, l.End(), len(workspace))
	}

	elem := sizeOf[T]()
	return PackedQuantB[T]{
		Data:        workspace[l.DataOffset : l.DataOffset+l.DataSize : l.DataOffset+l.DataSize],
		BlkSum:      unsafe.Slice((*T)(unsafe.Pointer(&workspace[l.BlkSumOffset])), l.BlkSumSize/elem),
		Scale:       unsafe.Slice((*T)(unsafe.Pointer(&workspace[l.ScaleOffset])), l.ScaleSize/elem),
		N:           n,
		BlockCountK: blockCountK,
		BlkLen:      blkLen,
	}, nil
}

// blkSumIndex locates the block sum of column n, block k.
func blkSumIndex(n, k, blockCountK int) int {
	return (n/blkSumColumns)*blockCountK*blkSumColumns + k*blkSumColumns + n%blkSumColumns
}

func divRoundup(a, b int) int {
	return (a + b - 1) / b
}
