package onnxgraph

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/advancedclimatesystems/gonnx/onnx"
)

// Tensor is a dense row-major tensor backed by exactly one typed slice, selected by Type.
// A tensor with an empty Shape is a scalar holding one element.
type Tensor struct {
	Shape []int
	Type  onnx.TensorProto_DataType
	Float []float32
	Uint8 []uint8
	Int8  []int8
	Int32 []int32
	Int64 []int64
}

// NumElements is the product of the dimensions of shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func NewFloat(shape []int, data []float32) *Tensor {
	if data == nil {
		data = make([]float32, NumElements(shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Type: onnx.TensorProto_FLOAT, Float: data}
}

func NewUint8(shape []int, data []uint8) *Tensor {
	if data == nil {
		data = make([]uint8, NumElements(shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Type: onnx.TensorProto_UINT8, Uint8: data}
}

func NewInt8(shape []int, data []int8) *Tensor {
	if data == nil {
		data = make([]int8, NumElements(shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Type: onnx.TensorProto_INT8, Int8: data}
}

func NewInt32(shape []int, data []int32) *Tensor {
	if data == nil {
		data = make([]int32, NumElements(shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Type: onnx.TensorProto_INT32, Int32: data}
}

func NewInt64(shape []int, data []int64) *Tensor {
	if data == nil {
		data = make([]int64, NumElements(shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Type: onnx.TensorProto_INT64, Int64: data}
}

// Len returns the number of elements held by the backing slice.
func (t *Tensor) Len() int {
	switch t.Type {
	case onnx.TensorProto_FLOAT:
		return len(t.Float)
	case onnx.TensorProto_UINT8:
		return len(t.Uint8)
	case onnx.TensorProto_INT8:
		return len(t.Int8)
	case onnx.TensorProto_INT32:
		return len(t.Int32)
	case onnx.TensorProto_INT64:
		return len(t.Int64)
	default:
		return 0
	}
}

// Floats returns the elements widened or narrowed to float32. Float tensors return their backing slice.
func (t *Tensor) Floats() []float32 {
	switch t.Type {
	case onnx.TensorProto_FLOAT:
		return t.Float
	case onnx.TensorProto_UINT8:
		return convert[uint8, float32](t.Uint8)
	case onnx.TensorProto_INT8:
		return convert[int8, float32](t.Int8)
	case onnx.TensorProto_INT32:
		return convert[int32, float32](t.Int32)
	case onnx.TensorProto_INT64:
		return convert[int64, float32](t.Int64)
	default:
		return nil
	}
}

// Ints returns integer elements as int64, used for shape, axes and pads operands.
func (t *Tensor) Ints() ([]int64, error) {
	switch t.Type {
	case onnx.TensorProto_INT64:
		return t.Int64, nil
	case onnx.TensorProto_INT32:
		return convert[int32, int64](t.Int32), nil
	case onnx.TensorProto_UINT8:
		return convert[uint8, int64](t.Uint8), nil
	case onnx.TensorProto_INT8:
		return convert[int8, int64](t.Int8), nil
	default:
		return nil, fmt.Errorf("tensor of type %s does not hold integers", t.Type)
	}
}

// Reshape returns a tensor sharing the backing data under a new shape.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if NumElements(shape) != t.Len() {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, t.Len(), shape)
	}
	out := *t
	out.Shape = slices.Clone(shape)
	return &out, nil
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		Type:  t.Type,
		Float: slices.Clone(t.Float),
		Uint8: slices.Clone(t.Uint8),
		Int8:  slices.Clone(t.Int8),
		Int32: slices.Clone(t.Int32),
		Int64: slices.Clone(t.Int64),
	}
}

// Proto serializes the tensor as an initializer named name, using little-endian raw_data.
func (t *Tensor) Proto(name string) *onnx.TensorProto {
	dims := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = int64(d)
	}
	tp := &onnx.TensorProto{Name: name, Dims: dims, DataType: int32(t.Type)}
	switch t.Type {
	case onnx.TensorProto_FLOAT:
		raw := make([]byte, 4*len(t.Float))
		for i, v := range t.Float {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		tp.RawData = raw
	case onnx.TensorProto_UINT8:
		tp.RawData = slices.Clone(t.Uint8)
	case onnx.TensorProto_INT8:
		raw := make([]byte, len(t.Int8))
		for i, v := range t.Int8 {
			raw[i] = byte(v)
		}
		tp.RawData = raw
	case onnx.TensorProto_INT32:
		raw := make([]byte, 4*len(t.Int32))
		for i, v := range t.Int32 {
			binary.LittleEndian.PutUint32(raw[4*i:], uint32(v))
		}
		tp.RawData = raw
	case onnx.TensorProto_INT64:
		raw := make([]byte, 8*len(t.Int64))
		for i, v := range t.Int64 {
			binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
		}
		tp.RawData = raw
	}
	return tp
}

// FromProto decodes an embedded TensorProto. Externally stored data is not supported.
func FromProto(tp *onnx.TensorProto) (*Tensor, error) {
	if len(tp.GetExternalData()) > 0 {
		return nil, fmt.Errorf("tensor %q uses external data", tp.GetName())
	}
	shape := make([]int, len(tp.GetDims()))
	for i, d := range tp.GetDims() {
		if d < 0 {
			return nil, fmt.Errorf("tensor %q has negative dimension %d", tp.GetName(), d)
		}
		shape[i] = int(d)
	}
	n := NumElements(shape)
	raw := tp.GetRawData()
	dataType := onnx.TensorProto_DataType(tp.GetDataType())

	var t *Tensor
	switch dataType {
	case onnx.TensorProto_FLOAT:
		t = NewFloat(shape, nil)
		switch {
		case len(raw) > 0:
			if len(raw) != 4*n {
				return nil, sizeError(tp, len(raw)/4, n)
			}
			for i := range t.Float {
				t.Float[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}
		default:
			if len(tp.GetFloatData()) != n {
				return nil, sizeError(tp, len(tp.GetFloatData()), n)
			}
			copy(t.Float, tp.GetFloatData())
		}
	case onnx.TensorProto_UINT8:
		t = NewUint8(shape, nil)
		switch {
		case len(raw) > 0:
			if len(raw) != n {
				return nil, sizeError(tp, len(raw), n)
			}
			copy(t.Uint8, raw)
		default:
			if len(tp.GetInt32Data()) != n {
				return nil, sizeError(tp, len(tp.GetInt32Data()), n)
			}
			for i, v := range tp.GetInt32Data() {
				t.Uint8[i] = uint8(v)
			}
		}
	case onnx.TensorProto_INT8:
		t = NewInt8(shape, nil)
		switch {
		case len(raw) > 0:
			if len(raw) != n {
				return nil, sizeError(tp, len(raw), n)
			}
			for i, v := range raw {
				t.Int8[i] = int8(v)
			}
		default:
			if len(tp.GetInt32Data()) != n {
				return nil, sizeError(tp, len(tp.GetInt32Data()), n)
			}
			for i, v := range tp.GetInt32Data() {
				t.Int8[i] = int8(v)
			}
		}
	case onnx.TensorProto_INT32:
		t = NewInt32(shape, nil)
		switch {
		case len(raw) > 0:
			if len(raw) != 4*n {
				return nil, sizeError(tp, len(raw)/4, n)
			}
			for i := range t.Int32 {
				t.Int32[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
			}
		default:
			if len(tp.GetInt32Data()) != n {
				return nil, sizeError(tp, len(tp.GetInt32Data()), n)
			}
			copy(t.Int32, tp.GetInt32Data())
		}
	case onnx.TensorProto_INT64:
		t = NewInt64(shape, nil)
		switch {
		case len(raw) > 0:
			if len(raw) != 8*n {
				return nil, sizeError(tp, len(raw)/8, n)
			}
			for i := range t.Int64 {
				t.Int64[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
			}
		default:
			if len(tp.GetInt64Data()) != n {
				return nil, sizeError(tp, len(tp.GetInt64Data()), n)
			}
			copy(t.Int64, tp.GetInt64Data())
		}
	default:
		return nil, fmt.Errorf("tensor %q has unsupported data type %s", tp.GetName(), dataType)
	}
	return t, nil
}

func sizeError(tp *onnx.TensorProto, got, want int) error {
	return fmt.Errorf("tensor %q holds %d elements but dims %v need %d", tp.GetName(), got, tp.GetDims(), want)
}

func convert[S, D int8 | uint8 | int32 | int64 | float32](in []S) []D {
	out := make([]D, len(in))
	for i, v := range in {
		out[i] = D(v)
	}
	return out
}
