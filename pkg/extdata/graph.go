package extdata

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX GraphProto field numbers.
const (
	fieldGraphName        protowire.Number = 2
	fieldGraphInitializer protowire.Number = 5
)

// Graph is the initializer list of an ONNX GraphProto. Nodes, inputs and the
// remaining fields are preserved as raw wire bytes.
type Graph struct {
	Name         string
	Initializers []*TensorProto

	unknown []byte
}

// Initializer returns the initializer called name, or nil.
func (g *Graph) Initializer(name string) *TensorProto {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func UnmarshalGraph(b []byte) (*Graph, error) {
	g := &Graph{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("extdata: graph tag: %w", protowire.ParseError(n))
		}
		field := b
		b = b[n:]

		switch {
		case num == fieldGraphName && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("extdata: graph name: %w", protowire.ParseError(m))
			}
			g.Name = v
			b = b[m:]
		case num == fieldGraphInitializer && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("extdata: initializer: %w", protowire.ParseError(m))
			}
			t, err := UnmarshalTensorProto(v)
			if err != nil {
				return nil, fmt.Errorf("extdata: initializer %d: %w", len(g.Initializers), err)
			}
			g.Initializers = append(g.Initializers, t)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("extdata: graph field %d: %w", num, protowire.ParseError(m))
			}
			g.unknown = append(g.unknown, field[:n+m]...)
			b = b[m:]
		}
	}
	return g, nil
}

func (g *Graph) Marshal() []byte {
	b := append([]byte(nil), g.unknown...)
	if g.Name != "" {
		b = protowire.AppendTag(b, fieldGraphName, protowire.BytesType)
		b = protowire.AppendString(b, g.Name)
	}
	for _, t := range g.Initializers {
		b = protowire.AppendTag(b, fieldGraphInitializer, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Marshal())
	}
	return b
}
