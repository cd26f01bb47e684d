package qnbit

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

var allFeatures = Features{AVX2: true, FMA: true, ASIMD: true, ASIMDDP: true, FPHP: true, ASIMDHP: true}

type quantB struct {
	n, k, blkLen, bck int

	values []byte // unpacked nibble per element, [n][bck*blkLen]
	data   []byte // sequential nibble layout
	scales []float32
	zp     []byte
}

func newQuantB(t *testing.T, rng *rand.Rand, n, k, blkLen int, withZP bool) quantB {
	t.Helper()
	bck := BlockCountK(k, blkLen)
	q := quantB{n: n, k: k, blkLen: blkLen, bck: bck}
	q.values = make([]byte, n*bck*blkLen)
	q.data = make([]byte, PackedQuantBDataSize(n, bck, blkLen))
	q.scales = make([]float32, n*bck)
	for i := range q.values {
		v := byte(rng.IntN(16))
		q.values[i] = v
		q.data[i/2] |= v << (4 * uint(i&1))
	}
	for i := range q.scales {
		q.scales[i] = 0.01 + rng.Float32()*0.1
	}
	if withZP {
		stride := ZeroPointsForBlksSizeInBytes(BlkBitWidth, bck)
		q.zp = make([]byte, n*stride)
		for col := 0; col < n; col++ {
			for blk := 0; blk < bck; blk++ {
				z := byte(rng.IntN(16))
				q.zp[col*stride+blk/2] |= z << (4 * uint(blk&1))
			}
		}
	}
	return q
}

func (q quantB) dequant(col, i int) float32 {
	blk := i / q.blkLen
	zp := float32(zeroPointAt(q.zp, col, blk, q.bck))
	return q.scales[col*q.bck+blk] * (float32(q.values[col*q.bck*q.blkLen+i]) - zp)
}

func randomA(rng *rand.Rand, m, k int) []float32 {
	a := make([]float32, m*k)
	for i := range a {
		a[i] = rng.Float32()*2 - 1
	}
	return a
}

func TestSelectDispatch(t *testing.T) {
	t.Parallel()

	base := SelectDispatch(Features{})
	assert.True(t, base.Supports(CompFp32))
	assert.False(t, base.Supports(CompInt8))
	assert.False(t, base.Supports(CompFp16))
	assert.Nil(t, base.KernelBlkSumCompInt8)
	assert.Equal(t, "generic", base.Backend)

	ct, ok := base.Select(CompInt8, CompFp32)
	require.True(t, ok)
	assert.Equal(t, CompFp32, ct)

	x86 := SelectDispatch(Features{AVX2: true, FMA: true})
	assert.Equal(t, "avx2", x86.Backend)
	assert.True(t, x86.Supports(CompInt8))
	assert.False(t, x86.Supports(CompFp16))

	arm := SelectDispatch(allFeatures)
	assert.Equal(t, []ComputeType{CompFp32, CompFp16, CompInt8}, arm.ComputeTypes())

	var empty *Dispatch
	_, ok = empty.Select(CompFp32)
	assert.False(t, ok)

	assert.NotNil(t, Default())
	assert.Same(t, Default(), Default())
}

func TestParseComputeType(t *testing.T) {
	t.Parallel()

	for _, ct := range []ComputeType{CompFp32, CompFp16, CompInt8} {
		got, ok := ParseComputeType(ct.String())
		require.True(t, ok)
		assert.Equal(t, ct, got)
	}
	_, ok := ParseComputeType("fp64")
	assert.False(t, ok)
}

func TestPackThenDequantize(t *testing.T) {
	t.Parallel()

	d := SelectDispatch(allFeatures)
	for _, blkLen := range []int{16, 32, 64, 128} {
		for _, withZP := range []bool{false, true} {
			rng := rand.New(rand.NewPCG(uint64(blkLen), 7))
			n, k := 5, 3*blkLen-blkLen/2
			q := newQuantB(t, rng, n, k, blkLen, withZP)

			packed := make([]byte, d.PackQuantBDataSize(n, k, blkLen, CompFp32))
			d.PackQuantBData(n, k, blkLen, CompFp32, q.data, packed)

			dense := make([]float32, n*k)
			d.BlkDequantBForSgemmCompFp32(blkLen, dense, packed, q.scales, q.zp, n, k, q.bck)
			for col := 0; col < n; col++ {
				for i := 0; i < k; i++ {
					require.InDelta(t, q.dequant(col, i), dense[col*k+i], 1e-6, "blklen=%d zp=%v col=%d i=%d", blkLen, withZP, col, i)
				}
			}

			half := make([]float16.Float16, n*k)
			scales16 := make([]float16.Float16, len(q.scales))
			for i, s := range q.scales {
				scales16[i] = float16.Fromfloat32(s)
			}
			d.BlkDequantBForHgemmCompFp16(blkLen, half, packed, scales16, q.zp, n, k, q.bck)
			for col := 0; col < n; col++ {
				for i := 0; i < k; i++ {
					require.InDelta(t, q.dequant(col, i), half[col*k+i].Float32(), 2e-2)
				}
			}
		}
	}
}

func TestPackRearrangesNibbles(t *testing.T) {
	t.Parallel()

	// One block of 32 sequential values 0..15,0..15.
	src := make([]byte, 16)
	for i := 0; i < 32; i++ {
		src[i/2] |= byte(i%16) << (4 * uint(i&1))
	}
	dst := make([]byte, 16)
	packQuantBData(1, 32, 32, CompFp32, src, dst)
	for j := 0; j < 16; j++ {
		assert.Equal(t, byte(j%16)|byte((j+16)%16)<<4, dst[j])
		assert.Equal(t, byte(j%16), packedNibble(dst, j, 32))
		assert.Equal(t, byte((j+16)%16), packedNibble(dst, j+16, 32))
	}
}

func TestPackQuantBDataAndBlkSum(t *testing.T) {
	t.Parallel()

	d := SelectDispatch(allFeatures)
	rng := rand.New(rand.NewPCG(3, 4))
	n, k, blkLen := 18, 96, 32
	q := newQuantB(t, rng, n, k, blkLen, true)

	ws := make([]byte, d.PackQuantBDataSize(n, k, blkLen, CompInt8))
	packed, err := BindPackedQuantB[float32](ws, n, q.bck, blkLen)
	require.NoError(t, err)
	d.PackQuantBDataAndBlkSum(n, k, blkLen, CompInt8, q.data, q.scales, q.zp, packed)

	assert.Equal(t, q.scales, packed.Scale)
	for col := 0; col < n; col++ {
		for blk := 0; blk < q.bck; blk++ {
			zp := float32(zeroPointAt(q.zp, col, blk, q.bck))
			want := -q.scales[col*q.bck+blk] * zp
			assert.Equal(t, want, packed.BlkSum[blkSumIndex(col, blk, q.bck)])
		}
	}
	// Padding columns 18..31 stay zero.
	assert.Zero(t, packed.BlkSum[blkSumIndex(31, 0, q.bck)])
}

func referenceGemm(q quantB, a []float32, m int, bias []float32) []float32 {
	c := make([]float32, m*q.n)
	for row := 0; row < m; row++ {
		for col := 0; col < q.n; col++ {
			var acc float64
			for i := 0; i < q.k; i++ {
				acc += float64(a[row*q.k+i]) * float64(q.dequant(col, i))
			}
			if bias != nil {
				acc += float64(bias[col])
			}
			c[row*q.n+col] = float32(acc)
		}
	}
	return c
}

func TestGemmFp32MatchesReference(t *testing.T) {
	t.Parallel()

	d := SelectDispatch(Features{})
	rng := rand.New(rand.NewPCG(11, 12))
	n, k, blkLen := 7, 80, 32
	q := newQuantB(t, rng, n, k, blkLen, true)
	packed := make([]byte, d.PackQuantBDataSize(n, k, blkLen, CompFp32))
	d.PackQuantBData(n, k, blkLen, CompFp32, q.data, packed)
	bias := randomA(rng, 1, n)

	for _, m := range []int{1, 3} {
		a := randomA(rng, m, k)
		c := make([]float32, m*n)
		ws := make([]byte, d.PerGemmWorkspaceSize(m, n, k, blkLen, CompFp32))
		err := d.GemmFp32(CompFp32, GemmParams{
			M: m, N: n, K: k, BlkLen: blkLen,
			A: a, Lda: k,
			PackedB: packed, QuantBScale: q.scales, QuantBZeroPoint: q.zp, Bias: bias,
			C: c, Ldc: n,
		}, ws)
		require.NoError(t, err)
		want := referenceGemm(q, a, m, bias)
		for i := range want {
			assert.InDelta(t, want[i], c[i], 1e-4, "m=%d i=%d", m, i)
		}
	}
}

func TestGemmInt8MatchesReference(t *testing.T) {
	t.Parallel()

	d := SelectDispatch(allFeatures)
	rng := rand.New(rand.NewPCG(21, 22))
	// M=6 needs two kernel calls of at most four rows.
	m, n, k, blkLen := 6, 19, 100, 32
	q := newQuantB(t, rng, n, k, blkLen, true)

	ws := make([]byte, d.PackQuantBDataSize(n, k, blkLen, CompInt8))
	packed, err := BindPackedQuantB[float32](ws, n, q.bck, blkLen)
	require.NoError(t, err)
	d.PackQuantBDataAndBlkSum(n, k, blkLen, CompInt8, q.data, q.scales, q.zp, packed)

	a := randomA(rng, m, k)
	c := make([]float32, m*n)
	gemmWS := make([]byte, d.PerGemmWorkspaceSize(m, n, k, blkLen, CompInt8))
	err = d.GemmFp32(CompInt8, GemmParams{
		M: m, N: n, K: k, BlkLen: blkLen,
		A: a, Lda: k,
		PackedB: ws,
		C:       c, Ldc: n,
	}, gemmWS)
	require.NoError(t, err)

	want := referenceGemm(q, a, m, nil)
	for row := 0; row < m; row++ {
		for col := 0; col < n; col++ {
			// Rounding a to int8 moves each element by at most amax/254.
			var bound float64
			for blk := 0; blk < q.bck; blk++ {
				var amax float64
				for i := blk * blkLen; i < min((blk+1)*blkLen, k); i++ {
					amax = math.Max(amax, math.Abs(float64(a[row*k+i])))
				}
				for i := blk * blkLen; i < min((blk+1)*blkLen, k); i++ {
					bound += math.Abs(float64(q.dequant(col, i))) * amax / 254
				}
			}
			assert.InDelta(t, want[row*n+col], c[row*n+col], bound+1e-3, "row=%d col=%d", row, col)
		}
	}
}

func TestGemmRejectsUnavailablePath(t *testing.T) {
	t.Parallel()

	d := SelectDispatch(Features{})
	err := d.GemmFp32(CompInt8, GemmParams{M: 1, N: 1, K: 32, BlkLen: 32}, nil)
	require.ErrorIs(t, err, ErrUnsupportedCompute)

	err = d.GemmFp32(CompFp16, GemmParams{M: 1, N: 1, K: 32, BlkLen: 32}, nil)
	require.ErrorIs(t, err, ErrUnsupportedCompute)

	err = d.GemmFp32(CompFp32, GemmParams{M: 2, N: 4, K: 32, BlkLen: 32}, make([]byte, 8))
	require.ErrorIs(t, err, ErrWorkspaceTooSmall)
}

func TestKernelCompFp16(t *testing.T) {
	t.Parallel()

	h := float16.Fromfloat32
	// A is 2x3 row major, B is 3x2 stored column major.
	a := []float16.Float16{h(1), h(2), h(3), h(4), h(5), h(6)}
	b := []float16.Float16{h(1), h(0), h(1), h(0), h(1), h(0)}
	bias := []float16.Float16{h(0.5), h(-1)}
	c := make([]float16.Float16, 4)

	d := SelectDispatch(allFeatures)
	require.NotNil(t, d.KernelCompFp16)
	d.KernelCompFp16(a, b, bias, c, 2, 2, 3, 3, 3, 2)

	assert.Equal(t, float32(4.5), c[0].Float32())
	assert.Equal(t, float32(1), c[1].Float32())
	assert.Equal(t, float32(10.5), c[2].Float32())
	assert.Equal(t, float32(4), c[3].Float32())
}

func TestQuantizeARowPadsPartialBlock(t *testing.T) {
	t.Parallel()

	blkLen, k := 32, 40
	a := make([]float32, k)
	for i := range a {
		a[i] = float32(i%5) - 2
	}
	qa := make([]byte, 2*blkLen)
	scale := make([]float32, 2)
	sum := make([]float32, 2)
	quantizeARowComputeBlkSum(blkLen, a, k, qa, scale, sum)

	assert.InDelta(t, 2.0/127, scale[0], 1e-7)
	for i := k - blkLen; i < blkLen; i++ {
		assert.Zero(t, qa[blkLen+i], "padding at %d", i)
	}
	var total int32
	for i := 0; i < blkLen; i++ {
		total += int32(int8(qa[i]))
	}
	assert.InDelta(t, scale[0]*float32(total), sum[0], 1e-6)
}
