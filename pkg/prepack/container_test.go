package prepack

import (
	"fmt"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blob(bufs ...string) PrePackedWeights {
	var w PrePackedWeights
	for _, b := range bufs {
		w.Append([]byte(b))
	}
	return w
}

func TestKeyDependsOnContentAndOpType(t *testing.T) {
	t.Parallel()

	a := Key("MatMulNBits", blob("abc", "def"))
	assert.Equal(t, a, Key("MatMulNBits", blob("abc", "def")))
	assert.NotEqual(t, a, Key("MatMulNBits", blob("abcd", "ef")), "buffer split is part of the key")
	assert.NotEqual(t, a, Key("Conv", blob("abc", "def")))
	assert.Contains(t, a, "MatMulNBits+")
}

func TestGetOrCreateAllocator(t *testing.T) {
	t.Parallel()

	c := NewWeightsContainer()
	a1, err := c.GetOrCreateAllocator(CPU)
	require.NoError(t, err)
	a2, err := c.GetOrCreateAllocator(CPU)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, CPU, a1.Info().Device)
	assert.False(t, a1.Info().Arena)

	_, err = c.GetOrCreateAllocator("Gpu")
	require.ErrorIs(t, err, ErrUnsupportedDevice)
	assert.Len(t, c.Allocators(), 1)
}

func TestWriteWeightFirstWriterWins(t *testing.T) {
	t.Parallel()

	c := NewWeightsContainer()
	a := blob("first")
	b := blob("second")

	assert.True(t, c.WriteWeight("k", a))
	assert.False(t, c.WriteWeight("k", b))

	got, err := c.GetWeight("k")
	require.NoError(t, err)
	assert.True(t, got.Equal(blob("first")))
	assert.True(t, c.HasWeight("k"))
	assert.Equal(t, 1, c.NumberOfElements())
}

func TestGetWeightMissingKey(t *testing.T) {
	t.Parallel()

	c := NewWeightsContainer()
	_, err := c.GetWeight("absent")
	require.ErrorIs(t, err, ErrMissingKey)
	assert.False(t, c.HasWeight("absent"))
}

func TestGetOrWriteReleasesLosingCandidate(t *testing.T) {
	t.Parallel()

	c := NewWeightsContainer()
	alloc, err := c.GetOrCreateAllocator(CPU)
	require.NoError(t, err)
	cpu := alloc.(*CPUAllocator)

	pack := func(b byte) PrePackedWeights {
		w := PrePackedWeights{Allocator: alloc}
		buf := alloc.Alloc(128)
		for i := range buf {
			buf[i] = b
		}
		w.Append(buf)
		return w
	}

	first, stored := c.GetOrWrite("k", pack(1))
	require.True(t, stored)
	assert.EqualValues(t, 128, cpu.InUse())

	got, stored := c.GetOrWrite("k", pack(2))
	require.False(t, stored)
	assert.True(t, got.Equal(first))
	assert.EqualValues(t, 128, cpu.InUse(), "losing candidate is freed")

	c.Close()
	assert.Zero(t, c.NumberOfElements())
	assert.Zero(t, cpu.InUse())
	assert.Empty(t, c.Allocators())
}

func TestConcurrentWritesStoreOneBlobPerKey(t *testing.T) {
	t.Parallel()

	c := NewWeightsContainer()
	const writers = 32
	const keys = 4

	var wg sync.WaitGroup
	winners := make([]int, keys)
	var mu sync.Mutex
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := i % keys
			if c.WriteWeight(fmt.Sprintf("k%d", k), blob(fmt.Sprintf("writer-%d", i))) {
				mu.Lock()
				winners[k]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, keys, c.NumberOfElements())
	for k, n := range winners {
		assert.Equal(t, 1, n, "key %d", k)
	}
	assert.Equal(t, []string{"k0", "k1", "k2", "k3"}, c.Keys())
}

func TestCPUAllocatorAlignment(t *testing.T) {
	t.Parallel()

	a := NewCPUAllocator()
	for _, size := range []int{1, 63, 64, 1000} {
		buf := a.Alloc(size)
		require.Len(t, buf, size)
		assert.Equal(t, size, cap(buf))
		assert.Zero(t, addrOf(buf)%cpuAlignment)
	}
	assert.Nil(t, a.Alloc(0))
	assert.NotEqual(t, a.Info().ID, NewCPUAllocator().Info().ID)
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func TestBorrowedCandidateKeepsOwnerBuffers(t *testing.T) {
	t.Parallel()

	alloc := NewCPUAllocator()
	owned := PrePackedWeights{Allocator: alloc}
	owned.Append(alloc.Alloc(64))

	c := NewWeightsContainer()
	require.True(t, c.WriteWeight("k", blob("first")))
	assert.False(t, c.WriteWeight("k", owned.Borrow()))
	assert.EqualValues(t, 64, alloc.InUse(), "borrowed views do not free")
	assert.Same(t, alloc, owned.Allocator)
}
