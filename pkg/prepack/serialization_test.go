package prepack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForSerializationStartsInLoadMode(t *testing.T) {
	t.Parallel()

	s := NewForSerialization()
	main := s.MainGraph()
	require.NotNil(t, main)
	assert.Nil(t, main.Parent())
	assert.False(t, main.IsSaveModeOn())
	assert.Zero(t, s.NumberOfKeyedBlobs())
}

func TestCreateOrOverWriteInSaveMode(t *testing.T) {
	t.Parallel()

	s := NewForSerialization()
	s.SetSaveMode(true)
	main := s.MainGraph()
	require.True(t, main.IsSaveModeOn())

	assert.True(t, main.CreateOrOverWrite("W", "key1", blob("A")))
	held, ok := main.GetPrepackedWeights("key1")
	require.True(t, ok)

	assert.False(t, main.CreateOrOverWrite("W", "key1", blob("B")))

	got, ok := main.GetPrepackedWeights("key1")
	require.True(t, ok)
	assert.True(t, got.Equal(blob("B")))
	assert.True(t, held.Equal(blob("B")), "earlier lookups see the replacement")
	assert.Equal(t, []string{"key1", "key1"}, main.WeightPrepacks("W"))
	assert.Equal(t, 1, s.NumberOfKeyedBlobs())
}

func TestWeightWithSeveralPacks(t *testing.T) {
	t.Parallel()

	s := NewForSerialization()
	s.SetSaveMode(true)
	main := s.MainGraph()

	main.CreateOrOverWrite("W", "MatMulNBits+aa", blob("x"))
	main.CreateOrOverWrite("W", "MatMulNBits+bb", blob("y"))
	main.CreateOrOverWrite("V", "MatMulNBits+cc", blob("z"))

	assert.Equal(t, []string{"MatMulNBits+aa", "MatMulNBits+bb"}, main.WeightPrepacks("W"))
	assert.Equal(t, []string{"V", "W"}, main.WeightNames())
	assert.Empty(t, main.WeightPrepacks("missing"))

	keys := main.WeightPrepacks("W")
	keys[0] = "mutated"
	assert.Equal(t, "MatMulNBits+aa", main.WeightPrepacks("W")[0])
}

func TestInsertFromDiskRejectsDuplicates(t *testing.T) {
	t.Parallel()

	s := NewForSerialization()
	main := s.MainGraph()

	require.NoError(t, main.InsertFromDisk("k", blob("A")))
	err := main.InsertFromDisk("k", blob("B"))
	require.ErrorIs(t, err, ErrDuplicateKey)

	got, ok := main.GetPrepackedWeights("k")
	require.True(t, ok)
	assert.True(t, got.Equal(blob("A")))
	assert.Empty(t, main.WeightNames(), "disk inserts record no weight names")
}

func TestSubgraphTree(t *testing.T) {
	t.Parallel()

	s := NewForSerialization()
	main := s.MainGraph()

	type graph struct{ name string }
	g1 := &graph{"then"}
	g2 := &graph{"else"}

	assert.Nil(t, main.GetSubgraph(g1))

	loadChild := main.GetOrCreateSubgraph(g1)
	assert.Same(t, loadChild, main.GetOrCreateSubgraph(g1))
	assert.Same(t, loadChild, main.GetSubgraph(g1))
	assert.Same(t, main, loadChild.Parent())
	assert.False(t, loadChild.IsSaveModeOn())

	s.SetSaveMode(true)
	saveChild := main.GetOrCreateSubgraph(g2)
	assert.True(t, saveChild.IsSaveModeOn())
	assert.False(t, loadChild.IsSaveModeOn(), "mode is copied at creation")

	grandchild := saveChild.GetOrCreateSubgraph(g1)
	assert.Same(t, saveChild, grandchild.Parent())
	assert.NotSame(t, loadChild, grandchild)

	// Every scope shares one blob map.
	grandchild.CreateOrOverWrite("W", "deep", blob("d"))
	require.NoError(t, loadChild.InsertFromDisk("shallow", blob("s")))

	_, ok := main.GetPrepackedWeights("deep")
	assert.True(t, ok)
	_, ok = grandchild.GetPrepackedWeights("shallow")
	assert.True(t, ok)
	assert.Equal(t, 2, s.NumberOfKeyedBlobs())
	assert.Equal(t, []string{"deep", "shallow"}, s.Keys())

	// Weight names stay scoped.
	assert.Empty(t, main.WeightNames())
	assert.Equal(t, []string{"W"}, grandchild.WeightNames())
}
