// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// ReadFile reads and parses an ONNX model file.
func ReadFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model from %q", path)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse ONNX model from %q", path)
	}
	return m, nil
}

// Parse decodes the serialized ModelProto in data.
//
// It fails if data is not a valid protobuf encoding, or if the model has no graph.
func Parse(data []byte) (*ModelProto, error) {
	if len(data) == 0 {
		return nil, errors.New("empty ONNX model")
	}
	m := &ModelProto{}
	if err := m.decode(data); err != nil {
		return nil, errors.WithMessage(err, "invalid ONNX ModelProto encoding")
	}
	if m.Graph == nil {
		return nil, errors.New("ONNX model has no graph")
	}
	klog.V(2).Infof("onnx: parsed model (ir_version=%d, opset=%d, producer=%q), %d nodes, %d initializers",
		m.IRVersion, m.OpsetVersion(), m.ProducerName, len(m.Graph.Nodes), len(m.Graph.Initializers))
	return m, nil
}

// fieldDecoder decodes the value of field num, of wire type typ, at the start of b.
// It returns the number of bytes consumed, 0 if the field is not handled (it will be preserved
// as unknown), or a negative protowire error code.
type fieldDecoder func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// decodeMessage iterates over the fields of a message, calling decodeField for each of them.
// Fields not handled are appended verbatim (tag included) to unknown.
func decodeMessage(b []byte, unknown *[]byte, decodeField fieldDecoder) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return protowire.ParseError(tagLen)
		}
		n, err := decodeField(num, typ, b[tagLen:])
		if err != nil {
			return err
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b[tagLen:])
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			*unknown = append(*unknown, b[:tagLen+n]...)
		}
		b = b[tagLen+n:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		// Copy: the model must not alias the buffer it was parsed from.
		*dst = append([]byte{}, v...)
	}
	return n
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int64(v)
	}
	return n
}

// consumeMessage calls decode on the embedded message bytes.
func consumeMessage(typ protowire.Type, b []byte, decode func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, decode(v)
}

// consumeVarints appends a repeated varint field value, packed or not.
func consumeVarints(typ protowire.Type, b []byte, dst *[]int64) int {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			*dst = append(*dst, int64(v))
		}
		return n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return m
			}
			*dst = append(*dst, int64(v))
			packed = packed[m:]
		}
		return n
	}
	return 0
}

// consumeFloats appends a repeated float field value, packed or not.
func consumeFloats(typ protowire.Type, b []byte, dst *[]float32) int {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n >= 0 {
			*dst = append(*dst, math.Float32frombits(v))
		}
		return n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			if m < 0 {
				return m
			}
			*dst = append(*dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return n
	}
	return 0
}

// consumeDoubles appends a repeated double field value, packed or not.
func consumeDoubles(typ protowire.Type, b []byte, dst *[]float64) int {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n >= 0 {
			*dst = append(*dst, math.Float64frombits(v))
		}
		return n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed64(packed)
			if m < 0 {
				return m
			}
			*dst = append(*dst, math.Float64frombits(v))
			packed = packed[m:]
		}
		return n
	}
	return 0
}

func (m *ModelProto) decode(b []byte) error {
	return decodeMessage(b, &m.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64(typ, b, &m.IRVersion), nil
		case 2:
			return consumeString(typ, b, &m.ProducerName), nil
		case 3:
			return consumeString(typ, b, &m.ProducerVersion), nil
		case 4:
			return consumeString(typ, b, &m.Domain), nil
		case 5:
			return consumeInt64(typ, b, &m.ModelVersion), nil
		case 6:
			return consumeString(typ, b, &m.DocString), nil
		case 7:
			return consumeMessage(typ, b, func(v []byte) error {
				m.Graph = &GraphProto{}
				return errors.WithMessage(m.Graph.decode(v), "graph")
			})
		case 8:
			return consumeMessage(typ, b, func(v []byte) error {
				var opset OperatorSetID
				err := opset.decode(v)
				m.OpsetImport = append(m.OpsetImport, opset)
				return errors.WithMessage(err, "opset_import")
			})
		case 14:
			return consumeMessage(typ, b, func(v []byte) error {
				var entry StringStringEntry
				err := entry.decode(v)
				m.MetadataProps = append(m.MetadataProps, entry)
				return errors.WithMessage(err, "metadata_props")
			})
		}
		return 0, nil
	})
}

func (g *GraphProto) decode(b []byte) error {
	return decodeMessage(b, &g.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, func(v []byte) error {
				node := &NodeProto{}
				g.Nodes = append(g.Nodes, node)
				return errors.WithMessagef(node.decode(v), "node #%d", len(g.Nodes)-1)
			})
		case 2:
			return consumeString(typ, b, &g.Name), nil
		case 5:
			return consumeMessage(typ, b, func(v []byte) error {
				t := &TensorProto{}
				g.Initializers = append(g.Initializers, t)
				return errors.WithMessage(t.decode(v), "initializer")
			})
		case 10:
			return consumeString(typ, b, &g.DocString), nil
		case 11, 12, 13:
			return consumeMessage(typ, b, func(v []byte) error {
				vi := &ValueInfoProto{}
				switch num {
				case 11:
					g.Inputs = append(g.Inputs, vi)
				case 12:
					g.Outputs = append(g.Outputs, vi)
				default:
					g.ValueInfo = append(g.ValueInfo, vi)
				}
				return errors.WithMessage(vi.decode(v), "value_info")
			})
		}
		return 0, nil
	})
}

func (n *NodeProto) decode(b []byte) error {
	return decodeMessage(b, &n.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			var name string
			consumed := consumeString(typ, b, &name)
			if consumed > 0 {
				if num == 1 {
					n.Inputs = append(n.Inputs, name)
				} else {
					n.Outputs = append(n.Outputs, name)
				}
			}
			return consumed, nil
		case 3:
			return consumeString(typ, b, &n.Name), nil
		case 4:
			return consumeString(typ, b, &n.OpType), nil
		case 5:
			return consumeMessage(typ, b, func(v []byte) error {
				attr := &AttributeProto{}
				n.Attributes = append(n.Attributes, attr)
				return errors.WithMessage(attr.decode(v), "attribute")
			})
		case 6:
			return consumeString(typ, b, &n.DocString), nil
		case 7:
			return consumeString(typ, b, &n.Domain), nil
		}
		return 0, nil
	})
}

func (a *AttributeProto) decode(b []byte) error {
	return decodeMessage(b, &a.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &a.Name), nil
		case 2:
			if typ != protowire.Fixed32Type {
				return 0, nil
			}
			v, n := protowire.ConsumeFixed32(b)
			a.F = math.Float32frombits(v)
			return n, nil
		case 3:
			return consumeInt64(typ, b, &a.I), nil
		case 4:
			return consumeBytes(typ, b, &a.S), nil
		case 5:
			return consumeMessage(typ, b, func(v []byte) error {
				a.T = &TensorProto{}
				return a.T.decode(v)
			})
		case 6:
			return consumeMessage(typ, b, func(v []byte) error {
				a.G = &GraphProto{}
				return a.G.decode(v)
			})
		case 7:
			return consumeFloats(typ, b, &a.Floats), nil
		case 8:
			return consumeVarints(typ, b, &a.Ints), nil
		case 9:
			var s []byte
			consumed := consumeBytes(typ, b, &s)
			if consumed > 0 {
				a.Strings = append(a.Strings, s)
			}
			return consumed, nil
		case 20:
			var v int64
			consumed := consumeInt64(typ, b, &v)
			a.Type = AttributeType(v)
			return consumed, nil
		}
		return 0, nil
	})
}

func (t *TensorProto) decode(b []byte) error {
	return decodeMessage(b, &t.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarints(typ, b, &t.Dims), nil
		case 2:
			var v int64
			consumed := consumeInt64(typ, b, &v)
			t.DataType = DataType(v)
			return consumed, nil
		case 4:
			return consumeFloats(typ, b, &t.FloatData), nil
		case 5:
			var values []int64
			consumed := consumeVarints(typ, b, &values)
			for _, v := range values {
				t.Int32Data = append(t.Int32Data, int32(v))
			}
			return consumed, nil
		case 7:
			return consumeVarints(typ, b, &t.Int64Data), nil
		case 8:
			return consumeString(typ, b, &t.Name), nil
		case 9:
			return consumeBytes(typ, b, &t.RawData), nil
		case 10:
			return consumeDoubles(typ, b, &t.DoubleData), nil
		case 14:
			var v int64
			consumed := consumeInt64(typ, b, &v)
			t.DataLocation = int32(v)
			return consumed, nil
		}
		return 0, nil
	})
}

func (vi *ValueInfoProto) decode(b []byte) error {
	return decodeMessage(b, &vi.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &vi.Name), nil
		case 2:
			return consumeMessage(typ, b, func(v []byte) error {
				vi.Type = &TypeProto{}
				return vi.Type.decode(v)
			})
		case 3:
			return consumeString(typ, b, &vi.DocString), nil
		}
		return 0, nil
	})
}

func (tp *TypeProto) decode(b []byte) error {
	return decodeMessage(b, &tp.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeMessage(typ, b, func(v []byte) error {
				tp.TensorType = &TensorTypeProto{}
				return tp.TensorType.decode(v)
			})
		}
		return 0, nil
	})
}

func (tt *TensorTypeProto) decode(b []byte) error {
	return decodeMessage(b, &tt.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var v int64
			consumed := consumeInt64(typ, b, &v)
			tt.ElemType = DataType(v)
			return consumed, nil
		case 2:
			return consumeMessage(typ, b, func(v []byte) error {
				tt.Shape = &TensorShapeProto{}
				return tt.Shape.decode(v)
			})
		}
		return 0, nil
	})
}

func (s *TensorShapeProto) decode(b []byte) error {
	return decodeMessage(b, &s.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeMessage(typ, b, func(v []byte) error {
				dim := &DimensionProto{}
				s.Dims = append(s.Dims, dim)
				return dim.decode(v)
			})
		}
		return 0, nil
	})
}

func (d *DimensionProto) decode(b []byte) error {
	return decodeMessage(b, &d.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64(typ, b, &d.DimValue), nil
		case 2:
			return consumeString(typ, b, &d.DimParam), nil
		}
		return 0, nil
	})
}

func (o *OperatorSetID) decode(b []byte) error {
	return decodeMessage(b, &o.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &o.Domain), nil
		case 2:
			return consumeInt64(typ, b, &o.Version), nil
		}
		return 0, nil
	})
}

func (e *StringStringEntry) decode(b []byte) error {
	return decodeMessage(b, &e.unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &e.Key), nil
		case 2:
			return consumeString(typ, b, &e.Value), nil
		}
		return 0, nil
	})
}
