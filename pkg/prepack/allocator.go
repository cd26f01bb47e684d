package prepack

import (
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"github.com/samcharles93/qpack/pkg/qnbit"
)

// CPU is the only device name prepacked weights can be allocated on.
const CPU = "Cpu"

// cpuAlignment matches the preferred buffer alignment of the packing kernels.
const cpuAlignment = 64

// AllocatorInfo describes an allocator instance.
type AllocatorInfo struct {
	ID     uuid.UUID
	Device string
	Arena  bool
}

// Allocator hands out buffers for prepacked weights.
type Allocator interface {
	Alloc(size int) []byte
	Free(buf []byte)
	Info() AllocatorInfo
}

// CPUAllocator is a plain, non-pooled host allocator. Buffers are 64-byte
// aligned.
type CPUAllocator struct {
	info  AllocatorInfo
	inUse atomic.Int64
}

func NewCPUAllocator() *CPUAllocator {
	return &CPUAllocator{
		info: AllocatorInfo{ID: uuid.New(), Device: CPU},
	}
}

func (a *CPUAllocator) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	raw := make([]byte, size+cpuAlignment-1)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	off := int(qnbit.AlignAddress(base, cpuAlignment) - base)
	a.inUse.Add(int64(size))
	return raw[off : off+size : off+size]
}

func (a *CPUAllocator) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	a.inUse.Add(-int64(len(buf)))
}

func (a *CPUAllocator) Info() AllocatorInfo {
	return a.info
}

// InUse returns the bytes handed out and not yet freed.
func (a *CPUAllocator) InUse() int64 {
	return a.inUse.Load()
}
