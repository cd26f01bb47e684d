package qnbit

import (
	"fmt"
	"unsafe"
)

// GemmParams describes C = A * B + bias where A is M x K float32 (row major)
// and B is an N x K packed 4-bit matrix.
type GemmParams struct {
	M, N, K int
	BlkLen  int

	A   []float32
	Lda int

	// PackedB is the data produced by PackQuantBData for CompFp32, or the
	// whole workspace produced by PackQuantBDataAndBlkSum for CompInt8.
	PackedB []byte
	// QuantBScale is read by CompFp32. CompInt8 reads the packed scales.
	QuantBScale     []float32
	QuantBZeroPoint []byte
	Bias            []float32

	C   []float32
	Ldc int
}

// GemmFp32 runs one GEMM with float activations on the selected compute path.
// workspace must hold PerGemmWorkspaceSize bytes.
func (d *Dispatch) GemmFp32(ct ComputeType, p GemmParams, workspace []byte) error {
	if ct != CompFp32 && ct != CompInt8 {
		return fmt.Errorf("%w: %s has no fp32 activations", ErrUnsupportedCompute, ct)
	}
	if !d.Supports(ct) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedCompute, ct, d.Backend)
	}
	if p.M <= 0 || p.N <= 0 || p.K <= 0 || p.BlkLen <= 0 {
		return fmt.Errorf("%w: m=%d n=%d k=%d blklen=%d", ErrInvalidGeometry, p.M, p.N, p.K, p.BlkLen)
	}
	if need := d.PerGemmWorkspaceSize(p.M, p.N, p.K, p.BlkLen, ct); len(workspace) < need {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrWorkspaceTooSmall, need, len(workspace))
	}

	bck := BlockCountK(p.K, p.BlkLen)
	if ct == CompInt8 {
		return d.gemmInt8(p, bck, workspace)
	}

	if p.M == 1 {
		d.M1KernelCompFp32(p.BlkLen, p.A, p.PackedB, p.QuantBScale, p.QuantBZeroPoint, p.C, p.N, p.K, bck, p.Bias)
		return nil
	}

	// Dequantize once and fall back to a dense product.
	dense := unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(workspace))), p.N*p.K)
	d.BlkDequantBForSgemmCompFp32(p.BlkLen, dense, p.PackedB, p.QuantBScale, p.QuantBZeroPoint, p.N, p.K, bck)
	for m := 0; m < p.M; m++ {
		row := p.A[m*p.Lda : m*p.Lda+p.K]
		for n := 0; n < p.N; n++ {
			col := dense[n*p.K : (n+1)*p.K]
			var acc float32
			for i := range row {
				acc += row[i] * col[i]
			}
			if p.Bias != nil {
				acc += p.Bias[n]
			}
			p.C[m*p.Ldc+n] = acc
		}
	}
	return nil
}

func (d *Dispatch) gemmInt8(p GemmParams, bck int, workspace []byte) error {
	packed, err := BindPackedQuantB[float32](p.PackedB, p.N, bck, p.BlkLen)
	if err != nil {
		return err
	}
	ws, err := bindInt8Workspace(workspace, p.M, bck, p.BlkLen)
	if err != nil {
		return err
	}

	lda := bck * p.BlkLen
	for m := 0; m < p.M; m++ {
		d.QuantizeARowComputeBlkSumCompInt8(p.BlkLen, p.A[m*p.Lda:m*p.Lda+p.K], p.K,
			ws.quantA[m*lda:(m+1)*lda], ws.scale[m*bck:(m+1)*bck], ws.blkSum[m*bck:(m+1)*bck])
	}

	for done := 0; done < p.M; {
		rows := d.KernelBlkSumCompInt8(p.BlkLen, ws.quantA[done*lda:], ws.scale[done*bck:],
			packed.Data, packed.Scale, p.QuantBZeroPoint, p.C[done*p.Ldc:],
			p.M-done, p.N, p.K, bck, p.Bias, p.Ldc, ws.blkSum[done*bck:], packed.BlkSum)
		if rows <= 0 {
			return fmt.Errorf("qnbit: int8 kernel made no progress at row %d", done)
		}
		done += rows
	}
	return nil
}

type int8Workspace struct {
	quantA []byte
	scale  []float32
	blkSum []float32
}

func int8WorkspaceSize(m, blockCountK, blkLen int) int {
	return m*blockCountK*blkLen + int8WorkspaceAlignment + 2*m*blockCountK*4
}

func bindInt8Workspace(workspace []byte, m, blockCountK, blkLen int) (int8Workspace, error) {
	qaSize := m * blockCountK * blkLen
	count := m * blockCountK
	base := uintptr(unsafe.Pointer(unsafe.SliceData(workspace)))
	scaleOff := int(AlignAddress(base+uintptr(qaSize), int8WorkspaceAlignment) - base)
	need := scaleOff + 2*count*4
	if len(workspace) < need {
		return int8Workspace{}, fmt.Errorf("%w: need %d bytes, have %d", ErrWorkspaceTooSmall, need, len(workspace))
	}
	floats := unsafe.Slice((*float32)(unsafe.Pointer(&workspace[scaleOff])), 2*count)
	return int8Workspace{
		quantA: workspace[:qaSize],
		scale:  floats[:count],
		blkSum: floats[count:],
	}, nil
}
