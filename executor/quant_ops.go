package executor

import (
	"fmt"
	"math"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/segport/onnxgraph"
)

// registerQuantOps adds the linear quantization operators to the registry.
func (r *Registry) registerQuantOps() {
	r.Register("QuantizeLinear", handleQuantizeLinear)
	r.Register("DequantizeLinear", handleDequantizeLinear)
	r.Register("QLinearConv", handleQLinearConv)
}

// QuantizeValue maps v onto the integer grid round(v/scale)+zeroPoint, rounding half to even
// and saturating to [qmin, qmax].
func QuantizeValue(v, scale float32, zeroPoint, qmin, qmax int32) int32 {
	q := math.RoundToEven(float64(v)/float64(scale)) + float64(zeroPoint)
	return int32(max(float64(qmin), min(float64(qmax), q)))
}

// quantParams resolves per-tensor or per-axis scale and zero point for element i.
type quantParams struct {
	scales     []float32
	zeroPoints []int32
	axisDim    int
	inner      int
}

func readQuantParams(node *onnx.NodeProto, x, scale, zeroPoint *onnxgraph.Tensor, axis int64) (quantParams, error) {
	p := quantParams{scales: scale.Floats(), axisDim: 1, inner: 1}
	if len(p.scales) == 0 {
		return p, fmt.Errorf("%s: empty scale", node.GetOpType())
	}
	if zeroPoint != nil {
		zp, err := zeroPoint.Ints()
		if err != nil {
			return p, fmt.Errorf("%s: %w", node.GetOpType(), err)
		}
		for _, v := range zp {
			p.zeroPoints = append(p.zeroPoints, int32(v))
		}
		if len(p.zeroPoints) != len(p.scales) {
			return p, fmt.Errorf("%s: %d zero points for %d scales", node.GetOpType(), len(p.zeroPoints), len(p.scales))
		}
	} else {
		p.zeroPoints = make([]int32, len(p.scales))
	}
	if len(p.scales) > 1 {
		a, err := normalizeAxis(axis, len(x.Shape))
		if err != nil {
			return p, fmt.Errorf("%s: %w", node.GetOpType(), err)
		}
		if x.Shape[a] != len(p.scales) {
			return p, fmt.Errorf("%s: %d scales for axis of size %d", node.GetOpType(), len(p.scales), x.Shape[a])
		}
		p.axisDim = x.Shape[a]
		p.inner = onnxgraph.NumElements(x.Shape[a+1:])
	}
	return p, nil
}

func (p quantParams) at(i int) (float32, int32) {
	if len(p.scales) == 1 {
		return p.scales[0], p.zeroPoints[0]
	}
	c := (i / p.inner) % p.axisDim
	return p.scales[c], p.zeroPoints[c]
}

func handleQuantizeLinear(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	x := inputs[0]
	if err := requireFloat(node, x); err != nil {
		return nil, err
	}
	zeroPoint := optional(inputs, 2)
	p, err := readQuantParams(node, x, inputs[1], zeroPoint, onnxgraph.AttrInt(node, "axis", 1))
	if err != nil {
		return nil, err
	}
	outType := onnx.TensorProto_UINT8
	if zeroPoint != nil {
		outType = zeroPoint.Type
	}
	return single(quantizeTensor(x, p, outType))
}

func quantizeTensor(x *onnxgraph.Tensor, p quantParams, outType onnx.TensorProto_DataType) *onnxgraph.Tensor {
	if outType == onnx.TensorProto_INT8 {
		out := onnxgraph.NewInt8(x.Shape, nil)
		for i, v := range x.Float {
			scale, zp := p.at(i)
			out.Int8[i] = int8(QuantizeValue(v, scale, zp, math.MinInt8, math.MaxInt8))
		}
		return out
	}
	out := onnxgraph.NewUint8(x.Shape, nil)
	for i, v := range x.Float {
		scale, zp := p.at(i)
		out.Uint8[i] = uint8(QuantizeValue(v, scale, zp, 0, math.MaxUint8))
	}
	return out
}

func handleDequantizeLinear(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	out, err := dequantize(node, inputs[0], inputs[1], optional(inputs, 2), onnxgraph.AttrInt(node, "axis", 1))
	if err != nil {
		return nil, err
	}
	return single(out)
}

func dequantize(node *onnx.NodeProto, x, scale, zeroPoint *onnxgraph.Tensor, axis int64) (*onnxgraph.Tensor, error) {
	switch x.Type {
	case onnx.TensorProto_UINT8, onnx.TensorProto_INT8, onnx.TensorProto_INT32:
	default:
		return nil, fmt.Errorf("%s: cannot dequantize %s", node.GetOpType(), x.Type)
	}
	p, err := readQuantParams(node, x, scale, zeroPoint, axis)
	if err != nil {
		return nil, err
	}
	values, err := x.Ints()
	if err != nil {
		return nil, err
	}
	out := onnxgraph.NewFloat(x.Shape, nil)
	for i, v := range values {
		s, zp := p.at(i)
		out.Float[i] = float32(v-int64(zp)) * s
	}
	return out, nil
}

// handleQLinearConv evaluates the quantized convolution by dequantizing its operands,
// convolving in float and requantizing with the output scale and zero point.
func handleQLinearConv(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 8); err != nil {
		return nil, err
	}
	x, err := dequantize(node, inputs[0], inputs[1], inputs[2], 1)
	if err != nil {
		return nil, err
	}
	weight, err := dequantize(node, inputs[3], inputs[4], inputs[5], 0)
	if err != nil {
		return nil, err
	}
	if len(x.Shape) != 4 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("qLinearConv expects rank 4 input and weight, got %v and %v", x.Shape, weight.Shape)
	}
	var bias []float32
	if b := optional(inputs, 8); b != nil {
		// the int32 bias is quantized with scale x_scale * w_scale and zero point 0
		xScale := inputs[1].Floats()[0]
		wScales := inputs[4].Floats()
		raw, err := b.Ints()
		if err != nil {
			return nil, fmt.Errorf("qLinearConv bias: %w", err)
		}
		bias = make([]float32, len(raw))
		for i, v := range raw {
			ws := wScales[0]
			if len(wScales) > 1 {
				ws = wScales[i]
			}
			bias[i] = float32(v) * xScale * ws
		}
	}
	w, err := readWindow(node, kernelShape(node, weight), x.Shape[2], x.Shape[3])
	if err != nil {
		return nil, err
	}
	y, err := conv2D(x, weight, bias, w, int(onnxgraph.AttrInt(node, "group", 1)))
	if err != nil {
		return nil, err
	}
	p, err := readQuantParams(node, y, inputs[6], inputs[7], 1)
	if err != nil {
		return nil, err
	}
	return single(quantizeTensor(y, p, inputs[7].Type))
}
