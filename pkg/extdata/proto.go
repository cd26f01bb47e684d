package extdata

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DataLocation says where a tensor's bytes are stored.
type DataLocation int32

const (
	DataLocationDefault  DataLocation = 0
	DataLocationExternal DataLocation = 1
)

// TensorProto data types used by qpack.
const (
	DataTypeFloat int32 = 1
	DataTypeUint8 int32 = 2
)

// ONNX TensorProto field numbers.
const (
	fieldTensorDims         protowire.Number = 1
	fieldTensorDataType     protowire.Number = 2
	fieldTensorName         protowire.Number = 8
	fieldTensorExternalData protowire.Number = 13
	fieldTensorDataLocation protowire.Number = 14

	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

// StringStringEntry is one key/value attribute.
type StringStringEntry struct {
	Key   string
	Value string
}

// TensorProto is the part of an ONNX TensorProto that external data touches.
// Every other field (raw_data, doc_string, segment, ...) is kept as raw wire
// bytes and written back unchanged.
type TensorProto struct {
	Dims         []int64
	DataType     int32
	Name         string
	DataLocation DataLocation
	ExternalData []StringStringEntry

	unknown []byte
}

// UnmarshalTensorProto decodes the wire form of a TensorProto.
func UnmarshalTensorProto(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("extdata: tensor tag: %w", protowire.ParseError(n))
		}
		field := b
		b = b[n:]

		switch {
		case num == fieldTensorDims && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("extdata: dims: %w", protowire.ParseError(m))
			}
			t.Dims = append(t.Dims, int64(v))
			b = b[m:]
		case num == fieldTensorDims && typ == protowire.BytesType:
			packed, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("extdata: dims: %w", protowire.ParseError(m))
			}
			for len(packed) > 0 {
				v, k := protowire.ConsumeVarint(packed)
				if k < 0 {
					return nil, fmt.Errorf("extdata: dims: %w", protowire.ParseError(k))
				}
				t.Dims = append(t.Dims, int64(v))
				packed = packed[k:]
			}
			b = b[m:]
		case num == fieldTensorDataType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("extdata: data_type: %w", protowire.ParseError(m))
			}
			t.DataType = int32(v)
			b = b[m:]
		case num == fieldTensorName && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("extdata: tensor name: %w", protowire.ParseError(m))
			}
			t.Name = v
			b = b[m:]
		case num == fieldTensorExternalData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("extdata: external_data: %w", protowire.ParseError(m))
			}
			e, err := unmarshalEntry(v)
			if err != nil {
				return nil, err
			}
			t.ExternalData = append(t.ExternalData, e)
			b = b[m:]
		case num == fieldTensorDataLocation && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("extdata: data_location: %w", protowire.ParseError(m))
			}
			t.DataLocation = DataLocation(int32(v))
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("extdata: field %d: %w", num, protowire.ParseError(m))
			}
			t.unknown = append(t.unknown, field[:n+m]...)
			b = b[m:]
		}
	}
	return t, nil
}

func unmarshalEntry(b []byte) (StringStringEntry, error) {
	var e StringStringEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("extdata: entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var m int
		switch {
		case num == fieldEntryKey && typ == protowire.BytesType:
			e.Key, m = protowire.ConsumeString(b)
		case num == fieldEntryValue && typ == protowire.BytesType:
			e.Value, m = protowire.ConsumeString(b)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return e, fmt.Errorf("extdata: entry field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return e, nil
}

// Marshal encodes t. Dims and data_type come first, then preserved fields,
// then name, external_data and data_location.
func (t *TensorProto) Marshal() []byte {
	var b []byte
	if len(t.Dims) > 0 {
		var packed []byte
		for _, d := range t.Dims {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, fieldTensorDims, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if t.DataType != 0 {
		b = protowire.AppendTag(b, fieldTensorDataType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.DataType))
	}
	b = append(b, t.unknown...)
	if t.Name != "" {
		b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
		b = protowire.AppendString(b, t.Name)
	}
	for _, e := range t.ExternalData {
		var eb []byte
		eb = protowire.AppendTag(eb, fieldEntryKey, protowire.BytesType)
		eb = protowire.AppendString(eb, e.Key)
		eb = protowire.AppendTag(eb, fieldEntryValue, protowire.BytesType)
		eb = protowire.AppendString(eb, e.Value)

		b = protowire.AppendTag(b, fieldTensorExternalData, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	if t.DataLocation != DataLocationDefault {
		b = protowire.AppendTag(b, fieldTensorDataLocation, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.DataLocation))
	}
	return b
}
