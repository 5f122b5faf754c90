package executor

import (
	"fmt"
	"slices"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/segport/onnxgraph"
)

// registerShapeOps adds data movement operators to the registry.
func (r *Registry) registerShapeOps() {
	r.Register("Concat", handleConcat)
	r.Register("Transpose", handleTranspose)
	r.Register("Pad", handlePad)
	r.Register("Squeeze", handleSqueeze)
	r.Register("Unsqueeze", handleUnsqueeze)
	r.Register("Reshape", handleReshape)
	r.Register("Flatten", handleFlatten)
}

func remapSlice[T any](src []T, n int, index func(int) int, fill T) []T {
	out := make([]T, n)
	for i := range out {
		if j := index(i); j >= 0 {
			out[i] = src[j]
		} else {
			out[i] = fill
		}
	}
	return out
}

// remap builds a tensor of shape whose element i is source element index(i), or fill when index returns -1.
func remap(t *onnxgraph.Tensor, shape []int, index func(int) int, fill float32) (*onnxgraph.Tensor, error) {
	n := onnxgraph.NumElements(shape)
	switch t.Type {
	case onnx.TensorProto_FLOAT:
		return onnxgraph.NewFloat(shape, remapSlice(t.Float, n, index, fill)), nil
	case onnx.TensorProto_UINT8:
		return onnxgraph.NewUint8(shape, remapSlice(t.Uint8, n, index, uint8(fill))), nil
	case onnx.TensorProto_INT8:
		return onnxgraph.NewInt8(shape, remapSlice(t.Int8, n, index, int8(fill))), nil
	case onnx.TensorProto_INT32:
		return onnxgraph.NewInt32(shape, remapSlice(t.Int32, n, index, int32(fill))), nil
	case onnx.TensorProto_INT64:
		return onnxgraph.NewInt64(shape, remapSlice(t.Int64, n, index, int64(fill))), nil
	default:
		return nil, fmt.Errorf("unsupported tensor type %s", t.Type)
	}
}

func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func normalizeAxis(axis int64, rank int) (int, error) {
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || int(axis) >= rank {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return int(axis), nil
}

func concatTyped[T any](inputs []*onnxgraph.Tensor, get func(*onnxgraph.Tensor) []T, outer int, blocks []int) []T {
	total := 0
	for _, b := range blocks {
		total += b
	}
	out := make([]T, 0, outer*total)
	for o := range outer {
		for i, t := range inputs {
			out = append(out, get(t)[o*blocks[i]:(o+1)*blocks[i]]...)
		}
	}
	return out
}

func handleConcat(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	first := inputs[0]
	rank := len(first.Shape)
	axis, err := normalizeAxis(onnxgraph.AttrInt(node, "axis", 0), rank)
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}
	shape := slices.Clone(first.Shape)
	shape[axis] = 0
	blocks := make([]int, len(inputs))
	for i, t := range inputs {
		if t == nil || t.Type != first.Type || len(t.Shape) != rank {
			return nil, fmt.Errorf("concat input %d does not match the first input", i)
		}
		for d := range rank {
			if d != axis && t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("concat input %d shape %v does not match %v", i, t.Shape, first.Shape)
			}
		}
		shape[axis] += t.Shape[axis]
		blocks[i] = onnxgraph.NumElements(t.Shape[axis:])
	}
	outer := onnxgraph.NumElements(first.Shape[:axis])
	switch first.Type {
	case onnx.TensorProto_FLOAT:
		return single(onnxgraph.NewFloat(shape, concatTyped(inputs, func(t *onnxgraph.Tensor) []float32 { return t.Float }, outer, blocks)))
	case onnx.TensorProto_UINT8:
		return single(onnxgraph.NewUint8(shape, concatTyped(inputs, func(t *onnxgraph.Tensor) []uint8 { return t.Uint8 }, outer, blocks)))
	case onnx.TensorProto_INT8:
		return single(onnxgraph.NewInt8(shape, concatTyped(inputs, func(t *onnxgraph.Tensor) []int8 { return t.Int8 }, outer, blocks)))
	case onnx.TensorProto_INT32:
		return single(onnxgraph.NewInt32(shape, concatTyped(inputs, func(t *onnxgraph.Tensor) []int32 { return t.Int32 }, outer, blocks)))
	case onnx.TensorProto_INT64:
		return single(onnxgraph.NewInt64(shape, concatTyped(inputs, func(t *onnxgraph.Tensor) []int64 { return t.Int64 }, outer, blocks)))
	default:
		return nil, fmt.Errorf("concat: unsupported tensor type %s", first.Type)
	}
}

func handleTranspose(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	rank := len(x.Shape)
	perm := onnxgraph.ToInts(onnxgraph.AttrInts(node, "perm", nil))
	if len(perm) == 0 {
		for i := rank - 1; i >= 0; i-- {
			perm = append(perm, i)
		}
	}
	if len(perm) != rank {
		return nil, fmt.Errorf("transpose perm %v does not match rank %d", perm, rank)
	}
	shape := make([]int, rank)
	for i, p := range perm {
		if p < 0 || p >= rank {
			return nil, fmt.Errorf("transpose perm %v is invalid", perm)
		}
		shape[i] = x.Shape[p]
	}
	inStrides := stridesOf(x.Shape)
	outStrides := stridesOf(shape)
	out, err := remap(x, shape, func(i int) int {
		j := 0
		for d := range rank {
			coord := (i / outStrides[d]) % shape[d]
			j += coord * inStrides[perm[d]]
		}
		return j
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("transpose: %w", err)
	}
	return single(out)
}

func handlePad(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	if mode := onnxgraph.AttrString(node, "mode", "constant"); mode != "constant" {
		return nil, fmt.Errorf("pad mode %q is not supported", mode)
	}
	pads := onnxgraph.AttrInts(node, "pads", nil)
	if p := optional(inputs, 1); p != nil {
		var err error
		if pads, err = p.Ints(); err != nil {
			return nil, fmt.Errorf("pad: %w", err)
		}
	}
	value := onnxgraph.AttrFloat(node, "value", 0)
	if v := optional(inputs, 2); v != nil && v.Len() > 0 {
		value = v.Floats()[0]
	}
	rank := len(x.Shape)
	if len(pads) != 2*rank {
		return nil, fmt.Errorf("pad: %d pads for rank %d", len(pads), rank)
	}
	shape := make([]int, rank)
	for d := range rank {
		shape[d] = x.Shape[d] + int(pads[d]) + int(pads[d+rank])
		if shape[d] < 0 {
			return nil, fmt.Errorf("pad: negative output dimension")
		}
	}
	inStrides := stridesOf(x.Shape)
	outStrides := stridesOf(shape)
	out, err := remap(x, shape, func(i int) int {
		j := 0
		for d := range rank {
			coord := (i/outStrides[d])%shape[d] - int(pads[d])
			if coord < 0 || coord >= x.Shape[d] {
				return -1
			}
			j += coord * inStrides[d]
		}
		return j
	}, value)
	if err != nil {
		return nil, fmt.Errorf("pad: %w", err)
	}
	return single(out)
}

func axesInput(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]int64, error) {
	if a := optional(inputs, 1); a != nil {
		return a.Ints()
	}
	return onnxgraph.AttrInts(node, "axes", nil), nil
}

func handleSqueeze(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	axes, err := axesInput(node, inputs)
	if err != nil {
		return nil, fmt.Errorf("squeeze: %w", err)
	}
	drop := map[int]bool{}
	for _, a := range axes {
		axis, err := normalizeAxis(a, len(x.Shape))
		if err != nil {
			return nil, fmt.Errorf("squeeze: %w", err)
		}
		if x.Shape[axis] != 1 {
			return nil, fmt.Errorf("squeeze: axis %d has size %d", axis, x.Shape[axis])
		}
		drop[axis] = true
	}
	shape := []int{}
	for d, v := range x.Shape {
		if drop[d] || (len(axes) == 0 && v == 1) {
			continue
		}
		shape = append(shape, v)
	}
	out, err := x.Reshape(shape)
	if err != nil {
		return nil, err
	}
	return single(out)
}

func handleUnsqueeze(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	axes, err := axesInput(node, inputs)
	if err != nil {
		return nil, fmt.Errorf("unsqueeze: %w", err)
	}
	rank := len(x.Shape) + len(axes)
	insert := map[int]bool{}
	for _, a := range axes {
		axis, err := normalizeAxis(a, rank)
		if err != nil {
			return nil, fmt.Errorf("unsqueeze: %w", err)
		}
		insert[axis] = true
	}
	shape := make([]int, 0, rank)
	src := 0
	for d := range rank {
		if insert[d] {
			shape = append(shape, 1)
			continue
		}
		shape = append(shape, x.Shape[src])
		src++
	}
	out, err := x.Reshape(shape)
	if err != nil {
		return nil, err
	}
	return single(out)
}

func handleReshape(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	x := inputs[0]
	target, err := inputs[1].Ints()
	if err != nil {
		return nil, fmt.Errorf("reshape: %w", err)
	}
	allowZero := onnxgraph.AttrInt(node, "allowzero", 0) == 1
	shape := make([]int, len(target))
	inferred := -1
	known := 1
	for i, v := range target {
		switch {
		case v == 0 && !allowZero:
			if i >= len(x.Shape) {
				return nil, fmt.Errorf("reshape: cannot copy dimension %d", i)
			}
			shape[i] = x.Shape[i]
		case v == -1:
			if inferred >= 0 {
				return nil, fmt.Errorf("reshape: more than one inferred dimension")
			}
			inferred = i
			continue
		default:
			shape[i] = int(v)
		}
		known *= shape[i]
	}
	if inferred >= 0 {
		if known == 0 {
			return nil, fmt.Errorf("reshape: cannot infer a dimension next to a zero")
		}
		shape[inferred] = x.Len() / known
	}
	out, err := x.Reshape(shape)
	if err != nil {
		return nil, err
	}
	return single(out)
}

func handleFlatten(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	axis := onnxgraph.AttrInt(node, "axis", 1)
	if axis < 0 {
		axis += int64(len(x.Shape))
	}
	if axis < 0 || int(axis) > len(x.Shape) {
		return nil, fmt.Errorf("flatten: axis %d out of range", axis)
	}
	out, err := x.Reshape([]int{onnxgraph.NumElements(x.Shape[:axis]), onnxgraph.NumElements(x.Shape[axis:])})
	if err != nil {
		return nil, err
	}
	return single(out)
}
