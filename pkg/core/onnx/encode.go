// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal serializes the model back to the ONNX protobuf wire format.
//
// Fields that were not decoded by Parse are written back verbatim (after the known fields),
// so engines that consume ONNX bytes see the full model, including any changes made to the
// decoded fields (e.g. by the optimizer).
func Marshal(m *ModelProto) []byte {
	return m.encode(nil)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// appendMessage appends an embedded message, encoded by encode.
func appendMessage(b []byte, num protowire.Number, encode func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, encode(nil))
}

func appendPackedVarints[T int32 | int64](b []byte, num protowire.Number, values []T) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendBytes(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendBytes(b, num, packed)
}

func appendPackedDoubles(b []byte, num protowire.Number, values []float64) []byte {
	if len(values) == 0 {
		return b
	}
	packed := make([]byte, 0, 8*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendBytes(b, num, packed)
}

func (m *ModelProto) encode(b []byte) []byte {
	b = appendInt64(b, 1, m.IRVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendInt64(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.encode)
	}
	for i := range m.OpsetImport {
		b = appendMessage(b, 8, m.OpsetImport[i].encode)
	}
	for i := range m.MetadataProps {
		b = appendMessage(b, 14, m.MetadataProps[i].encode)
	}
	return append(b, m.unknown...)
}

func (g *GraphProto) encode(b []byte) []byte {
	for _, node := range g.Nodes {
		b = appendMessage(b, 1, node.encode)
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializers {
		b = appendMessage(b, 5, t.encode)
	}
	b = appendString(b, 10, g.DocString)
	for _, vi := range g.Inputs {
		b = appendMessage(b, 11, vi.encode)
	}
	for _, vi := range g.Outputs {
		b = appendMessage(b, 12, vi.encode)
	}
	for _, vi := range g.ValueInfo {
		b = appendMessage(b, 13, vi.encode)
	}
	return append(b, g.unknown...)
}

func (n *NodeProto) encode(b []byte) []byte {
	// Empty input names are meaningful (optional inputs), so they are always written.
	for _, name := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	for _, name := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, attr := range n.Attributes {
		b = appendMessage(b, 5, attr.encode)
	}
	b = appendString(b, 6, n.DocString)
	b = appendString(b, 7, n.Domain)
	return append(b, n.unknown...)
}

func (a *AttributeProto) encode(b []byte) []byte {
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	}
	if a.T != nil {
		b = appendMessage(b, 5, a.T.encode)
	}
	if a.G != nil {
		b = appendMessage(b, 6, a.G.encode)
	}
	b = appendPackedFloats(b, 7, a.Floats)
	b = appendPackedVarints(b, 8, a.Ints)
	for _, s := range a.Strings {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	b = appendInt64(b, 20, int64(a.Type))
	return append(b, a.unknown...)
}

func (t *TensorProto) encode(b []byte) []byte {
	b = appendPackedVarints(b, 1, t.Dims)
	b = appendInt64(b, 2, int64(t.DataType))
	b = appendPackedFloats(b, 4, t.FloatData)
	b = appendPackedVarints(b, 5, t.Int32Data)
	b = appendPackedVarints(b, 7, t.Int64Data)
	b = appendString(b, 8, t.Name)
	b = appendBytes(b, 9, t.RawData)
	b = appendPackedDoubles(b, 10, t.DoubleData)
	b = appendInt64(b, 14, int64(t.DataLocation))
	return append(b, t.unknown...)
}

func (vi *ValueInfoProto) encode(b []byte) []byte {
	b = appendString(b, 1, vi.Name)
	if vi.Type != nil {
		b = appendMessage(b, 2, vi.Type.encode)
	}
	b = appendString(b, 3, vi.DocString)
	return append(b, vi.unknown...)
}

func (tp *TypeProto) encode(b []byte) []byte {
	if tp.TensorType != nil {
		b = appendMessage(b, 1, tp.TensorType.encode)
	}
	return append(b, tp.unknown...)
}

func (tt *TensorTypeProto) encode(b []byte) []byte {
	b = appendInt64(b, 1, int64(tt.ElemType))
	if tt.Shape != nil {
		b = appendMessage(b, 2, tt.Shape.encode)
	}
	return append(b, tt.unknown...)
}

func (s *TensorShapeProto) encode(b []byte) []byte {
	for _, dim := range s.Dims {
		b = appendMessage(b, 1, dim.encode)
	}
	return append(b, s.unknown...)
}

func (d *DimensionProto) encode(b []byte) []byte {
	if d.DimParam != "" {
		b = appendString(b, 2, d.DimParam)
	} else if d.DimValue != 0 {
		b = appendInt64(b, 1, d.DimValue)
	}
	return append(b, d.unknown...)
}

func (o *OperatorSetID) encode(b []byte) []byte {
	b = appendString(b, 1, o.Domain)
	// The version is always written, 0 is not a meaningful default.
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.Version))
	return append(b, o.unknown...)
}

func (e *StringStringEntry) encode(b []byte) []byte {
	b = appendString(b, 1, e.Key)
	b = appendString(b, 2, e.Value)
	return append(b, e.unknown...)
}
