// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DimsInt returns the tensor dimensions as ints.
func (t *TensorProto) DimsInt() []int {
	dims := make([]int, len(t.Dims))
	for i, dim := range t.Dims {
		dims[i] = int(dim)
	}
	return dims
}

// Size returns the number of elements of the tensor, the product of its dimensions.
func (t *TensorProto) Size() int {
	size := 1
	for _, dim := range t.Dims {
		size *= int(dim)
	}
	return size
}

// Float32s converts the tensor values to float32, whatever the storage field (raw_data or the
// typed repeated fields) and element type used.
//
// Supported element types: FLOAT, FLOAT16, DOUBLE, INT8, UINT8, INT32 and INT64.
func (t *TensorProto) Float32s() ([]float32, error) {
	if t.DataLocation == DataLocationExternal {
		return nil, errors.Errorf("tensor %q uses external data, which is not supported", t.Name)
	}
	size := t.Size()
	values := make([]float32, 0, size)
	raw := t.RawData
	switch t.DataType {
	case DataTypeFloat:
		if raw != nil {
			if err := checkRawSize(t, 4); err != nil {
				return nil, err
			}
			for i := 0; i < len(raw); i += 4 {
				values = append(values, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:])))
			}
		} else {
			values = append(values, t.FloatData...)
		}
	case DataTypeFloat16:
		if raw != nil {
			if err := checkRawSize(t, 2); err != nil {
				return nil, err
			}
			for i := 0; i < len(raw); i += 2 {
				values = append(values, float16.Frombits(binary.LittleEndian.Uint16(raw[i:])).Float32())
			}
		} else {
			// float16 values are stored as their bit pattern in int32_data.
			for _, bits := range t.Int32Data {
				values = append(values, float16.Frombits(uint16(bits)).Float32())
			}
		}
	case DataTypeDouble:
		if raw != nil {
			if err := checkRawSize(t, 8); err != nil {
				return nil, err
			}
			for i := 0; i < len(raw); i += 8 {
				values = append(values, float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i:]))))
			}
		} else {
			for _, v := range t.DoubleData {
				values = append(values, float32(v))
			}
		}
	case DataTypeInt8, DataTypeUint8:
		if raw != nil {
			for _, v := range raw {
				if t.DataType == DataTypeInt8 {
					values = append(values, float32(int8(v)))
				} else {
					values = append(values, float32(v))
				}
			}
		} else {
			for _, v := range t.Int32Data {
				values = append(values, float32(v))
			}
		}
	case DataTypeInt32, DataTypeInt64:
		ints, err := t.Int64s()
		if err != nil {
			return nil, err
		}
		for _, v := range ints {
			values = append(values, float32(v))
		}
	default:
		return nil, errors.Errorf("tensor %q has unsupported data type %s", t.Name, t.DataType)
	}
	if len(values) != size {
		return nil, errors.Errorf("tensor %q has %d values, but its dimensions %v require %d",
			t.Name, len(values), t.Dims, size)
	}
	return values, nil
}

// Int64s converts integer tensor values (INT32 or INT64) to int64. Used for shape-like tensors,
// e.g. the second input of Reshape.
func (t *TensorProto) Int64s() ([]int64, error) {
	raw := t.RawData
	var values []int64
	switch t.DataType {
	case DataTypeInt64:
		if raw == nil {
			values = append(values, t.Int64Data...)
			break
		}
		if err := checkRawSize(t, 8); err != nil {
			return nil, err
		}
		values = make([]int64, 0, len(raw)/8)
		for i := 0; i < len(raw); i += 8 {
			values = append(values, int64(binary.LittleEndian.Uint64(raw[i:])))
		}
	case DataTypeInt32:
		if raw == nil {
			for _, v := range t.Int32Data {
				values = append(values, int64(v))
			}
			break
		}
		if err := checkRawSize(t, 4); err != nil {
			return nil, err
		}
		values = make([]int64, 0, len(raw)/4)
		for i := 0; i < len(raw); i += 4 {
			values = append(values, int64(int32(binary.LittleEndian.Uint32(raw[i:]))))
		}
	default:
		return nil, errors.Errorf("tensor %q has data type %s, an integer type was expected", t.Name, t.DataType)
	}
	return values, nil
}

func checkRawSize(t *TensorProto, elemSize int) error {
	if len(t.RawData) != elemSize*t.Size() {
		return errors.Errorf("tensor %q (%s) has %d bytes of raw data, but its dimensions %v require %d",
			t.Name, t.DataType, len(t.RawData), t.Dims, elemSize*t.Size())
	}
	return nil
}

// NewFloatTensor creates a FLOAT tensor holding values in raw_data.
func NewFloatTensor(name string, dims []int, values []float32) *TensorProto {
	t := &TensorProto{Name: name, DataType: DataTypeFloat, Dims: make([]int64, len(dims))}
	for i, dim := range dims {
		t.Dims[i] = int64(dim)
	}
	t.RawData = make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(t.RawData[4*i:], math.Float32bits(v))
	}
	return t
}

// NewInt64Tensor creates an INT64 tensor holding values in int64_data.
func NewInt64Tensor(name string, dims []int, values []int64) *TensorProto {
	t := &TensorProto{Name: name, DataType: DataTypeInt64, Dims: make([]int64, len(dims))}
	for i, dim := range dims {
		t.Dims[i] = int64(dim)
	}
	t.Int64Data = append([]int64{}, values...)
	return t
}
