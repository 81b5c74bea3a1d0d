// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import "strconv"

// Message types decoded from the ONNX protobuf (onnx.proto, IR version >= 3).
//
// Only the fields used by the runtime are decoded into struct fields. Every other field is kept
// verbatim in the unexported `unknown` slice of its message and written back by Marshal, so a
// decode+encode round trip preserves the model for engines that consume ONNX bytes.

// ModelProto is the top-level ONNX model.
type ModelProto struct {
	IRVersion       int64
	OpsetImport     []OperatorSetID
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []StringStringEntry

	unknown []byte
}

// GraphProto is the computation graph of a model.
type GraphProto struct {
	Name         string
	Nodes        []*NodeProto
	Initializers []*TensorProto
	DocString    string
	Inputs       []*ValueInfoProto
	Outputs      []*ValueInfoProto
	ValueInfo    []*ValueInfoProto

	unknown []byte
}

// NodeProto is a single operator invocation.
type NodeProto struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Domain     string
	Attributes []*AttributeProto
	DocString  string

	unknown []byte
}

// AttributeProto is a named attribute of a node.
type AttributeProto struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	G       *GraphProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte

	unknown []byte
}

// TensorProto holds constant values: initializers (weights) and tensor attributes.
type TensorProto struct {
	Dims         []int64
	DataType     DataType
	FloatData    []float32
	Int32Data    []int32
	Int64Data    []int64
	Name         string
	RawData      []byte
	DoubleData   []float64
	DataLocation int32

	unknown []byte
}

// ValueInfoProto describes a named value of the graph (input, output or intermediate).
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string

	unknown []byte
}

// TypeProto describes the type of value. Only tensor types are decoded.
type TypeProto struct {
	TensorType *TensorTypeProto

	unknown []byte
}

// TensorTypeProto describes a tensor element type and shape.
type TensorTypeProto struct {
	ElemType DataType
	Shape    *TensorShapeProto

	unknown []byte
}

// TensorShapeProto is the (possibly partially known) shape of a tensor.
type TensorShapeProto struct {
	Dims []*DimensionProto

	unknown []byte
}

// DimensionProto is either a static dimension (DimValue > 0) or a symbolic one (DimParam).
type DimensionProto struct {
	DimValue int64
	DimParam string

	unknown []byte
}

// OperatorSetID identifies the opset version of a domain.
type OperatorSetID struct {
	Domain  string
	Version int64

	unknown []byte
}

// StringStringEntry is a model metadata key-value pair.
type StringStringEntry struct {
	Key   string
	Value string

	unknown []byte
}

// DataType is the element type of a TensorProto (TensorProto.DataType enum).
type DataType int32

// Tensor element types.
const (
	DataTypeUndefined DataType = 0
	DataTypeFloat     DataType = 1
	DataTypeUint8     DataType = 2
	DataTypeInt8      DataType = 3
	DataTypeUint16    DataType = 4
	DataTypeInt16     DataType = 5
	DataTypeInt32     DataType = 6
	DataTypeInt64     DataType = 7
	DataTypeString    DataType = 8
	DataTypeBool      DataType = 9
	DataTypeFloat16   DataType = 10
	DataTypeDouble    DataType = 11
	DataTypeUint32    DataType = 12
	DataTypeUint64    DataType = 13
	DataTypeBfloat16  DataType = 16
)

var dataTypeNames = map[DataType]string{
	DataTypeUndefined: "UNDEFINED",
	DataTypeFloat:     "FLOAT",
	DataTypeUint8:     "UINT8",
	DataTypeInt8:      "INT8",
	DataTypeUint16:    "UINT16",
	DataTypeInt16:     "INT16",
	DataTypeInt32:     "INT32",
	DataTypeInt64:     "INT64",
	DataTypeString:    "STRING",
	DataTypeBool:      "BOOL",
	DataTypeFloat16:   "FLOAT16",
	DataTypeDouble:    "DOUBLE",
	DataTypeUint32:    "UINT32",
	DataTypeUint64:    "UINT64",
	DataTypeBfloat16:  "BFLOAT16",
}

// String implements fmt.Stringer.
func (dt DataType) String() string {
	if name, found := dataTypeNames[dt]; found {
		return name
	}
	return "DataType(" + strconv.Itoa(int(dt)) + ")"
}

// AttributeType is the AttributeProto.AttributeType enum.
type AttributeType int32

// Attribute types.
const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
	AttributeString    AttributeType = 3
	AttributeTensor    AttributeType = 4
	AttributeGraph     AttributeType = 5
	AttributeFloats    AttributeType = 6
	AttributeInts      AttributeType = 7
	AttributeStrings   AttributeType = 8
)

// Data locations (TensorProto.DataLocation enum).
const (
	DataLocationDefault  int32 = 0
	DataLocationExternal int32 = 1
)
