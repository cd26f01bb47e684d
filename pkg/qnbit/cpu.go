package qnbit

import (
	"strings"
	"sync"

	"github.com/x448/float16"
	"golang.org/x/sys/cpu"
)

// Features are the CPU capabilities that decide which compute paths are offered.
type Features struct {
	AVX2    bool
	FMA     bool
	AVX512F bool

	ASIMD   bool
	ASIMDDP bool
	FPHP    bool
	ASIMDHP bool
}

// ProbeFeatures reads the host CPU features.
func ProbeFeatures() Features {
	return Features{
		AVX2:    cpu.X86.HasAVX2,
		FMA:     cpu.X86.HasFMA,
		AVX512F: cpu.X86.HasAVX512F,
		ASIMD:   cpu.ARM64.HasASIMD,
		ASIMDDP: cpu.ARM64.HasASIMDDP,
		FPHP:    cpu.ARM64.HasFPHP,
		ASIMDHP: cpu.ARM64.HasASIMDHP,
	}
}

func (f Features) String() string {
	var names []string
	add := func(ok bool, name string) {
		if ok {
			names = append(names, name)
		}
	}
	add(f.AVX2, "avx2")
	add(f.FMA, "fma")
	add(f.AVX512F, "avx512f")
	add(f.ASIMD, "asimd")
	add(f.ASIMDDP, "asimddp")
	add(f.FPHP, "fphp")
	add(f.ASIMDHP, "asimdhp")
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func (f Features) int8Dot() bool {
	return f.AVX2 || f.ASIMDDP
}

func (f Features) nativeHalf() bool {
	return f.FPHP && f.ASIMDHP
}

// SelectDispatch builds the dispatch table for the given features. Sizing,
// packing and CompFp32 are always available; CompInt8 needs an int8 dot
// product and CompFp16 needs native half precision arithmetic.
func SelectDispatch(f Features) *Dispatch {
	d := &Dispatch{
		Backend: "generic",

		PackQuantBDataSize:        packQuantBDataSize,
		PerGemmWorkspaceSize:      perGemmWorkspaceSize,
		PerGemmWorkspaceAlignment: perGemmWorkspaceAlignment,

		PackQuantBData:          packQuantBData,
		PackQuantBDataAndBlkSum: packQuantBDataAndBlkSum,

		M1KernelCompFp32:            m1KernelCompFp32,
		BlkDequantBForSgemmCompFp32: blkDequantB[float32],
	}

	switch {
	case f.AVX512F && f.AVX2:
		d.Backend = "avx512"
	case f.AVX2:
		d.Backend = "avx2"
	case f.ASIMD:
		d.Backend = "neon"
	}

	if f.int8Dot() {
		d.QuantizeARowComputeBlkSumCompInt8 = quantizeARowComputeBlkSum
		d.KernelBlkSumCompInt8 = kernelBlkSumCompInt8
	}
	if f.nativeHalf() {
		d.PackQuantBDataFp16 = packQuantBData
		d.BlkDequantBForHgemmCompFp16 = blkDequantB[float16.Float16]
		d.KernelCompFp16 = kernelCompFp16
	}
	return d
}

// Default returns the process-wide dispatch table for the host CPU.
var Default = sync.OnceValue(func() *Dispatch {
	return SelectDispatch(ProbeFeatures())
})
