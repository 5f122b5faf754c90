package onnxgraph

import (
	"fmt"
	"slices"

	"github.com/advancedclimatesystems/gonnx/onnx"
)

// ValueType is the inferred element type and shape of a value. Dims is nil when the rank is unknown.
type ValueType struct {
	Type onnx.TensorProto_DataType
	Dims []Dim
}

type shapeRule func(node *onnx.NodeProto, in []*ValueType, consts map[string]*Tensor) ([]*ValueType, error)

var shapeRules = map[string]shapeRule{
	"Conv":               convShape,
	"QLinearConv":        qlinearConvShape,
	"ConvTranspose":      convTransposeShape,
	"MaxPool":            poolShape,
	"AveragePool":        poolShape,
	"BatchNormalization": sameShape,
	"Relu":               sameShape,
	"Sigmoid":            sameShape,
	"Tanh":               sameShape,
	"Exp":                sameShape,
	"Identity":           sameShape,
	"Dropout":            sameShape,
	"Softmax":            sameShape,
	"Add":                broadcastShape,
	"Sub":                broadcastShape,
	"Mul":                broadcastShape,
	"Div":                broadcastShape,
	"Concat":             concatShape,
	"Transpose":          transposeShape,
	"Pad":                padShape,
	"Squeeze":            squeezeShape,
	"Unsqueeze":          unsqueezeShape,
	"Reshape":            reshapeShape,
	"Gemm":               gemmShape,
	"MatMul":             matmulShape,
	"Constant":           constantShape,
	"QuantizeLinear":     quantizeShape,
	"DequantizeLinear":   dequantizeShape,
}

// InferShapes propagates element types and shapes from graph inputs and initializers through
// every node and records the intermediate results as value_info. Operators without a rule leave
// their outputs unannotated.
func InferShapes(model *onnx.ModelProto) (map[string]*ValueType, error) {
	graph := model.GetGraph()
	if graph == nil {
		return nil, ErrNoGraph
	}
	known := map[string]*ValueType{}
	consts := map[string]*Tensor{}
	for _, init := range graph.GetInitializer() {
		t, err := FromProto(init)
		if err != nil {
			return nil, err
		}
		consts[init.GetName()] = t
		known[init.GetName()] = &ValueType{Type: t.Type, Dims: fixedDims(t.Shape)}
	}
	for _, in := range graph.GetInput() {
		if _, ok := known[in.GetName()]; ok {
			continue
		}
		elemType, dims := DeclaredShape(in)
		known[in.GetName()] = &ValueType{Type: elemType, Dims: dims}
	}

	outputs := GraphOutputNames(graph)
	var valueInfo []*onnx.ValueInfoProto
	for _, node := range graph.GetNode() {
		rule, ok := shapeRules[node.GetOpType()]
		if !ok || (node.GetDomain() != "" && node.GetDomain() != "ai.onnx") {
			continue
		}
		in := make([]*ValueType, len(node.GetInput()))
		missing := false
		for i, name := range node.GetInput() {
			if name == "" {
				continue
			}
			in[i] = known[name]
			if in[i] == nil {
				missing = true
			}
		}
		if missing {
			continue
		}
		out, err := rule(node, in, consts)
		if err != nil {
			return nil, fmt.Errorf("shape inference for node %q (%s): %w", node.GetName(), node.GetOpType(), err)
		}
		for i, vt := range out {
			if i >= len(node.GetOutput()) || node.GetOutput()[i] == "" || vt == nil {
				continue
			}
			name := node.GetOutput()[i]
			known[name] = vt
			if !outputs[name] {
				valueInfo = append(valueInfo, ValueInfo(name, vt.Type, vt.Dims))
			}
		}
	}
	graph.ValueInfo = valueInfo
	return known, nil
}

func fixedDims(shape []int) []Dim {
	dims := make([]Dim, len(shape))
	for i, d := range shape {
		dims[i] = Fixed(d)
	}
	return dims
}

func sameShape(_ *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	return []*ValueType{{Type: in[0].Type, Dims: slices.Clone(in[0].Dims)}}, nil
}

func spatial(node *onnx.NodeProto, x []Dim, kernel []int64, outChannels Dim, transposed bool) ([]Dim, error) {
	if len(x) < 3 {
		return nil, fmt.Errorf("expected at least rank 3 input, got %d", len(x))
	}
	n := len(x) - 2
	if len(kernel) != n {
		return nil, fmt.Errorf("kernel rank %d does not match %d spatial dims", len(kernel), n)
	}
	strides := AttrInts(node, "strides", ones(n))
	dilations := AttrInts(node, "dilations", ones(n))
	pads := AttrInts(node, "pads", make([]int64, 2*n))
	outputPadding := AttrInts(node, "output_padding", make([]int64, n))
	autoPad := AttrString(node, "auto_pad", "NOTSET")
	ceil := AttrInt(node, "ceil_mode", 0) == 1

	out := []Dim{x[0], outChannels}
	for i := range n {
		d := x[2+i]
		if !d.Known() {
			out = append(out, Dim{})
			continue
		}
		effective := (kernel[i]-1)*dilations[i] + 1
		var v int64
		switch {
		case transposed:
			v = strides[i]*(d.Value-1) + outputPadding[i] + effective - pads[i] - pads[i+n]
		case autoPad == "SAME_UPPER" || autoPad == "SAME_LOWER":
			v = (d.Value + strides[i] - 1) / strides[i]
		case autoPad == "VALID":
			v = (d.Value-effective)/strides[i] + 1
		default:
			span := d.Value + pads[i] + pads[i+n] - effective
			if ceil {
				v = (span+strides[i]-1)/strides[i] + 1
			} else {
				v = span/strides[i] + 1
			}
		}
		if v <= 0 {
			return nil, fmt.Errorf("spatial dim %d collapses to %d", i, v)
		}
		out = append(out, Dim{Value: v})
	}
	return out, nil
}

func ones(n int) []int64 {
	v := make([]int64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func kernelOf(node *onnx.NodeProto, w *ValueType) []int64 {
	if k := AttrInts(node, "kernel_shape", nil); k != nil {
		return k
	}
	if w == nil || len(w.Dims) < 3 {
		return nil
	}
	k := make([]int64, len(w.Dims)-2)
	for i, d := range w.Dims[2:] {
		k[i] = d.Value
	}
	return k
}

func convShape(node *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	if len(in) < 2 || in[1] == nil || len(in[1].Dims) == 0 {
		return nil, fmt.Errorf("conv needs a weight of known rank")
	}
	dims, err := spatial(node, in[0].Dims, kernelOf(node, in[1]), in[1].Dims[0], false)
	if err != nil {
		return nil, err
	}
	return []*ValueType{{Type: in[0].Type, Dims: dims}}, nil
}

func qlinearConvShape(node *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	if len(in) < 8 || in[3] == nil || len(in[3].Dims) == 0 {
		return nil, fmt.Errorf("qlinearconv needs a weight of known rank")
	}
	dims, err := spatial(node, in[0].Dims, kernelOf(node, in[3]), in[3].Dims[0], false)
	if err != nil {
		return nil, err
	}
	return []*ValueType{{Type: in[7].Type, Dims: dims}}, nil
}

func convTransposeShape(node *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	if len(in) < 2 || in[1] == nil || len(in[1].Dims) < 2 {
		return nil, fmt.Errorf("convtranspose needs a weight of known rank")
	}
	channels := Dim{}
	if in[1].Dims[1].Known() {
		channels = Dim{Value: in[1].Dims[1].Value * AttrInt(node, "group", 1)}
	}
	dims, err := spatial(node, in[0].Dims, kernelOf(node, in[1]), channels, true)
	if err != nil {
		return nil, err
	}
	return []*ValueType{{Type: in[0].Type, Dims: dims}}, nil
}

func poolShape(node *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	if len(in[0].Dims) < 3 {
		return nil, fmt.Errorf("pooling needs a rank >= 3 input")
	}
	dims, err := spatial(node, in[0].Dims, AttrInts(node, "kernel_shape", nil), in[0].Dims[1], false)
	if err != nil {
		return nil, err
	}
	return []*ValueType{{Type: in[0].Type, Dims: dims}}, nil
}

// BroadcastDims applies numpy-style broadcasting to two declared shapes.
func BroadcastDims(a, b []Dim) ([]Dim, error) {
	rank := max(len(a), len(b))
	out := make([]Dim, rank)
	for i := range rank {
		var da, db = Fixed(1), Fixed(1)
		if j := i - (rank - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (rank - len(b)); j >= 0 {
			db = b[j]
		}
		switch {
		case da == db:
			out[i] = da
		case da.Known() && da.Value == 1:
			out[i] = db
		case db.Known() && db.Value == 1:
			out[i] = da
		case da.Known() && db.Known():
			return nil, fmt.Errorf("dims %d and %d do not broadcast", da.Value, db.Value)
		default:
			out[i] = Dim{}
		}
	}
	return out, nil
}

func broadcastShape(_ *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	dims, err := BroadcastDims(in[0].Dims, in[1].Dims)
	if err != nil {
		return nil, err
	}
	return []*ValueType{{Type: in[0].Type, Dims: dims}}, nil
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

func concatShape(node *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	rank := len(in[0].Dims)
	axis, err := normalizeAxis(AttrInt(node, "axis", 0), rank)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(in[0].Dims)
	total := int64(0)
	for _, vt := range in {
		if len(vt.Dims) != rank {
			return nil, fmt.Errorf("concat inputs have ranks %d and %d", rank, len(vt.Dims))
		}
		if !vt.Dims[axis].Known() {
			total = -1
		} else if total >= 0 {
			total += vt.Dims[axis].Value
		}
	}
	if total > 0 {
		out[axis] = Dim{Value: total}
	} else {
		out[axis] = Dim{}
	}
	return []*ValueType{{Type: in[0].Type, Dims: out}}, nil
}

func transposeShape(node *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	rank := len(in[0].Dims)
	perm := AttrInts(node, "perm", nil)
	if perm == nil {
		for i := rank - 1; i >= 0; i-- {
			perm = append(perm, int64(i))
		}
	}
	if len(perm) != rank {
		return nil, fmt.Errorf("perm %v does not match rank %d", perm, rank)
	}
	out := make([]Dim, rank)
	for i, p := range perm {
		out[i] = in[0].Dims[p]
	}
	return []*ValueType{{Type: in[0].Type, Dims: out}}, nil
}

func padShape(node *onnx.NodeProto, in []*ValueType, consts map[string]*Tensor) ([]*ValueType, error) {
	pads := AttrInts(node, "pads", nil)
	if len(node.GetInput()) > 1 && node.GetInput()[1] != "" {
		t, ok := consts[node.GetInput()[1]]
		if !ok {
			return []*ValueType{{Type: in[0].Type}}, nil
		}
		var err error
		if pads, err = t.Ints(); err != nil {
			return nil, err
		}
	}
	rank := len(in[0].Dims)
	if len(pads) != 2*rank {
		return nil, fmt.Errorf("pads %v do not match rank %d", pads, rank)
	}
	out := slices.Clone(in[0].Dims)
	for i := range out {
		if out[i].Known() {
			out[i] = Dim{Value: out[i].Value + pads[i] + pads[i+rank]}
		} else if pads[i] != 0 || pads[i+rank] != 0 {
			out[i] = Dim{}
		}
	}
	return []*ValueType{{Type: in[0].Type, Dims: out}}, nil
}

func axesOf(node *onnx.NodeProto, consts map[string]*Tensor) ([]int64, bool) {
	if len(node.GetInput()) > 1 && node.GetInput()[1] != "" {
		t, ok := consts[node.GetInput()[1]]
		if !ok {
			return nil, false
		}
		axes, err := t.Ints()
		return axes, err == nil
	}
	return AttrInts(node, "axes", nil), true
}

func squeezeShape(node *onnx.NodeProto, in []*ValueType, consts map[string]*Tensor) ([]*ValueType, error) {
	axes, ok := axesOf(node, consts)
	if !ok {
		return []*ValueType{{Type: in[0].Type}}, nil
	}
	rank := len(in[0].Dims)
	drop := map[int]bool{}
	for _, a := range axes {
		axis, err := normalizeAxis(a, rank)
		if err != nil {
			return nil, err
		}
		drop[axis] = true
	}
	var out []Dim
	for i, d := range in[0].Dims {
		if len(axes) == 0 && d.Known() && d.Value == 1 {
			continue
		}
		if !drop[i] {
			out = append(out, d)
		}
	}
	return []*ValueType{{Type: in[0].Type, Dims: out}}, nil
}

func unsqueezeShape(node *onnx.NodeProto, in []*ValueType, consts map[string]*Tensor) ([]*ValueType, error) {
	axes, ok := axesOf(node, consts)
	if !ok {
		return []*ValueType{{Type: in[0].Type}}, nil
	}
	rank := len(in[0].Dims) + len(axes)
	insert := map[int]bool{}
	for _, a := range axes {
		axis, err := normalizeAxis(a, rank)
		if err != nil {
			return nil, err
		}
		insert[axis] = true
	}
	out := make([]Dim, 0, rank)
	src := 0
	for i := range rank {
		if insert[i] {
			out = append(out, Fixed(1))
			continue
		}
		out = append(out, in[0].Dims[src])
		src++
	}
	return []*ValueType{{Type: in[0].Type, Dims: out}}, nil
}

func reshapeShape(node *onnx.NodeProto, in []*ValueType, consts map[string]*Tensor) ([]*ValueType, error) {
	t, ok := consts[node.GetInput()[1]]
	if !ok {
		return []*ValueType{{Type: in[0].Type}}, nil
	}
	target, err := t.Ints()
	if err != nil {
		return nil, err
	}
	out := make([]Dim, len(target))
	inferred := -1
	product := int64(1)
	for i, v := range target {
		switch {
		case v == 0 && i < len(in[0].Dims):
			out[i] = in[0].Dims[i]
		case v == -1:
			inferred = i
			continue
		default:
			out[i] = Dim{Value: v}
		}
		if out[i].Known() {
			product *= out[i].Value
		} else {
			product = -1
		}
	}
	if inferred >= 0 {
		total := int64(1)
		for _, d := range in[0].Dims {
			if !d.Known() {
				total = -1
				break
			}
			total *= d.Value
		}
		if total > 0 && product > 0 {
			out[inferred] = Dim{Value: total / product}
		}
	}
	return []*ValueType{{Type: in[0].Type, Dims: out}}, nil
}

func gemmShape(node *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	if len(in[0].Dims) != 2 || len(in[1].Dims) != 2 {
		return nil, fmt.Errorf("gemm needs rank 2 operands")
	}
	m, n := in[0].Dims[0], in[1].Dims[1]
	if AttrInt(node, "transA", 0) == 1 {
		m = in[0].Dims[1]
	}
	if AttrInt(node, "transB", 0) == 1 {
		n = in[1].Dims[0]
	}
	return []*ValueType{{Type: in[0].Type, Dims: []Dim{m, n}}}, nil
}

func matmulShape(_ *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	a, b := in[0].Dims, in[1].Dims
	if len(a) < 2 || len(b) < 2 {
		return nil, fmt.Errorf("matmul needs operands of rank >= 2")
	}
	batch, err := BroadcastDims(a[:len(a)-2], b[:len(b)-2])
	if err != nil {
		return nil, err
	}
	return []*ValueType{{Type: in[0].Type, Dims: append(batch, a[len(a)-2], b[len(b)-1])}}, nil
}

func constantShape(node *onnx.NodeProto, _ []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	t, err := AttrTensor(node, "value")
	if err != nil {
		return nil, nil
	}
	return []*ValueType{{Type: t.Type, Dims: fixedDims(t.Shape)}}, nil
}

func quantizeShape(_ *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	elemType := onnx.TensorProto_UINT8
	if len(in) > 2 && in[2] != nil {
		elemType = in[2].Type
	}
	return []*ValueType{{Type: elemType, Dims: slices.Clone(in[0].Dims)}}, nil
}

func dequantizeShape(_ *onnx.NodeProto, in []*ValueType, _ map[string]*Tensor) ([]*ValueType, error) {
	return []*ValueType{{Type: onnx.TensorProto_FLOAT, Dims: slices.Clone(in[0].Dims)}}, nil
}
