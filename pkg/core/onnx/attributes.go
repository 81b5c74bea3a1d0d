// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

// Attribute returns the node attribute with the given name, or nil.
func (n *NodeProto) Attribute(name string) *AttributeProto {
	for _, attr := range n.Attributes {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

// AttrInt returns the int attribute name, or defaultValue if the node doesn't have it.
func (n *NodeProto) AttrInt(name string, defaultValue int64) int64 {
	if attr := n.Attribute(name); attr != nil {
		return attr.I
	}
	return defaultValue
}

// AttrFloat returns the float attribute name, or defaultValue if the node doesn't have it.
func (n *NodeProto) AttrFloat(name string, defaultValue float32) float32 {
	if attr := n.Attribute(name); attr != nil {
		return attr.F
	}
	return defaultValue
}

// AttrString returns the string attribute name, or defaultValue if the node doesn't have it.
func (n *NodeProto) AttrString(name string, defaultValue string) string {
	if attr := n.Attribute(name); attr != nil {
		return string(attr.S)
	}
	return defaultValue
}

// AttrInts returns the ints attribute name, or nil if the node doesn't have it.
func (n *NodeProto) AttrInts(name string) []int64 {
	if attr := n.Attribute(name); attr != nil {
		return attr.Ints
	}
	return nil
}

// AttrTensor returns the tensor attribute name, or nil if the node doesn't have it.
func (n *NodeProto) AttrTensor(name string) *TensorProto {
	if attr := n.Attribute(name); attr != nil {
		return attr.T
	}
	return nil
}

// IntAttr creates an int attribute.
func IntAttr(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInt, I: v}
}

// FloatAttr creates a float attribute.
func FloatAttr(name string, v float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeFloat, F: v}
}

// StringAttr creates a string attribute.
func StringAttr(name string, v string) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeString, S: []byte(v)}
}

// IntsAttr creates an ints attribute.
func IntsAttr(name string, values ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInts, Ints: values}
}

// TensorAttr creates a tensor attribute.
func TensorAttr(name string, t *TensorProto) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeTensor, T: t}
}
