package extdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestTensorProtoPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	// Unpacked dims=[4,8], data_type=1 (float); raw_data and doc_string
	// (field 12) are not modeled.
	var known, unknown []byte
	known = protowire.AppendTag(known, 1, protowire.VarintType)
	known = protowire.AppendVarint(known, 4)
	known = protowire.AppendTag(known, 1, protowire.VarintType)
	known = protowire.AppendVarint(known, 8)
	known = protowire.AppendTag(known, 2, protowire.VarintType)
	known = protowire.AppendVarint(known, 1)
	unknown = protowire.AppendTag(unknown, 9, protowire.BytesType)
	unknown = protowire.AppendBytes(unknown, []byte{1, 2, 3, 4})
	unknown = protowire.AppendTag(unknown, 12, protowire.BytesType)
	unknown = protowire.AppendString(unknown, "first layer")

	raw := append(append([]byte(nil), known...), unknown...)
	raw = protowire.AppendTag(raw, 8, protowire.BytesType)
	raw = protowire.AppendString(raw, "fc1.weight")

	proto, err := UnmarshalTensorProto(raw)
	require.NoError(t, err)
	assert.Equal(t, "fc1.weight", proto.Name)
	assert.Equal(t, []int64{4, 8}, proto.Dims)
	assert.Equal(t, DataTypeFloat, proto.DataType)
	assert.Equal(t, DataLocationDefault, proto.DataLocation)
	assert.Equal(t, unknown, proto.unknown)

	SetExternalLocationToProto("w.bin", 128, 4, proto)
	again, err := UnmarshalTensorProto(proto.Marshal())
	require.NoError(t, err)
	assert.Equal(t, proto.Name, again.Name)
	assert.Equal(t, proto.Dims, again.Dims)
	assert.Equal(t, proto.DataType, again.DataType)
	assert.Equal(t, DataLocationExternal, again.DataLocation)
	assert.Equal(t, proto.ExternalData, again.ExternalData)
	assert.Equal(t, proto.unknown, again.unknown)
}

func TestUnmarshalTensorProtoTruncated(t *testing.T) {
	t.Parallel()

	var raw []byte
	raw = protowire.AppendTag(raw, 13, protowire.BytesType)
	raw = protowire.AppendVarint(raw, 20)
	raw = append(raw, 0x0a)

	_, err := UnmarshalTensorProto(raw)
	require.Error(t, err)
}

func TestGraphRoundTrip(t *testing.T) {
	t.Parallel()

	var node []byte
	node = protowire.AppendTag(node, 1, protowire.BytesType)
	node = protowire.AppendBytes(node, []byte("opaque node"))

	g := &Graph{Name: "main", unknown: node}
	w := &TensorProto{Name: "w", Dims: []int64{64, 4, 16}, DataType: DataTypeUint8}
	SetExternalLocationToProto("model.data", 0, 4096, w)
	AddPrepackedEntriesToProto([]PrepackedEntry{{Key: "MatMulNBits+aa", Blobs: []PrepackedInfo{{Offset: 4096, Length: 8, Checksum: "c"}}}}, w)
	g.Initializers = append(g.Initializers, w, &TensorProto{Name: "s", Dims: []int64{64, 4}, DataType: DataTypeFloat})

	got, err := UnmarshalGraph(g.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "main", got.Name)
	assert.Equal(t, node, got.unknown)
	require.Len(t, got.Initializers, 2)
	assert.Equal(t, w.ExternalData, got.Initializer("w").ExternalData)
	assert.Equal(t, []int64{64, 4}, got.Initializer("s").Dims)
	assert.Nil(t, got.Initializer("missing"))
}
