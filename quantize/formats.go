package quantize

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/segport/executor"
	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/util/vectors"
)

var errNothingToQuantize = errors.New("graph has no operator this format can quantize")

// Settings are the precisions requested by the caller. Each format validates them.
type Settings struct {
	WeightType     QuantType
	ActivationType QuantType
}

// Format is one static quantization strategy. Quantize rewrites m in place, calibrating
// with one full pass over samples, and returns the number of weight tensors it quantized.
type Format struct {
	Name     string
	Quantize func(ctx context.Context, m *onnx.ModelProto, samples Samples, settings Settings) (int, error)
}

// QDQFormat inserts QuantizeLinear/DequantizeLinear pairs in front of Conv and ConvTranspose
// activations and stores their weights as symmetric int8.
func QDQFormat() Format {
	return Format{Name: "QDQ", Quantize: quantizeQDQ}
}

// QOperatorFormat replaces Conv with QLinearConv between QuantizeLinear and DequantizeLinear,
// storing weights as uint8 on a symmetric range around 128.
func QOperatorFormat() Format {
	return Format{Name: "QOperator", Quantize: quantizeQOperator}
}

type valueRange struct {
	lo, hi float32
}

// collectRanges runs every sample through m and records the min/max of the requested values.
func collectRanges(ctx context.Context, m *onnx.ModelProto, samples Samples, names map[string]bool) (map[string]*valueRange, error) {
	inputs := onnxgraph.GraphInputNames(m.GetGraph())
	if len(inputs) != 1 {
		return nil, fmt.Errorf("calibration needs a graph with one input, found %d", len(inputs))
	}
	ranges := map[string]*valueRange{}
	session, err := executor.NewSession(m, executor.WithObserver(func(name string, t *onnxgraph.Tensor) {
		if !names[name] {
			return
		}
		lo, hi := vectors.MinMax(t.Float)
		if r, ok := ranges[name]; ok {
			r.lo, r.hi = min(r.lo, lo), max(r.hi, hi)
			return
		}
		ranges[name] = &valueRange{lo: lo, hi: hi}
	}))
	if err != nil {
		return nil, err
	}
	n := 0
	for {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		x, ok := samples.Next()
		if !ok {
			break
		}
		if _, err = session.Run(map[string]*onnxgraph.Tensor{inputs[0]: x}); err != nil {
			return nil, fmt.Errorf("calibration sample %d: %w", n, err)
		}
		n++
	}
	if n == 0 {
		return nil, errors.New("calibration source produced no samples")
	}
	for name := range names {
		if _, ok := ranges[name]; !ok {
			return nil, fmt.Errorf("no calibration statistics for %q", name)
		}
	}
	return ranges, nil
}

func quantizeBias(b []float32, scale float32) []int32 {
	return quantizeValues[int32](b, scale, 0, math.MinInt32, math.MaxInt32)
}

// activationQuantizer shares one QuantizeLinear per activation between its consumers.
type activationQuantizer struct {
	e      *graphEditor
	ranges map[string]*valueRange
	q      QuantType
	done   map[string]*quantizedActivation
}

type quantizedActivation struct {
	quantized string
	scale     string
	zeroPoint string
	scaleVal  float32
}

func (a *activationQuantizer) quantize(x string) *quantizedActivation {
	if qa, ok := a.done[x]; ok {
		return qa
	}
	r := a.ranges[x]
	scale, zp := affine(r.lo, r.hi, a.q)
	qa := &quantizedActivation{
		scale:     a.e.initializer(x+"_scale", onnxgraph.NewFloat(nil, []float32{scale})),
		zeroPoint: a.e.initializer(x+"_zero_point", zeroPointTensor(zp, a.q)),
		scaleVal:  scale,
	}
	qa.quantized = onnxgraph.UniqueName(a.e.graph, x+"_quantized")
	a.e.node("QuantizeLinear", x+"_QuantizeLinear", []string{x, qa.scale, qa.zeroPoint}, []string{qa.quantized})
	a.done[x] = qa
	return qa
}

func quantizeQDQ(ctx context.Context, m *onnx.ModelProto, samples Samples, settings Settings) (int, error) {
	if settings.WeightType != QuantTypeInt8 || settings.ActivationType != QuantTypeUint8 {
		return 0, fmt.Errorf("QDQ format does not support %s weights with %s activations", settings.WeightType, settings.ActivationType)
	}
	if err := checkOpset(m); err != nil {
		return 0, err
	}
	graph := m.GetGraph()
	e := newGraphEditor(graph)
	var targets []*onnx.NodeProto
	activations := map[string]bool{}
	for _, node := range graph.GetNode() {
		if node.GetOpType() != "Conv" && node.GetOpType() != "ConvTranspose" {
			continue
		}
		if len(node.GetInput()) < 2 {
			continue
		}
		if _, ok := e.floatWeight(node.GetInput()[1]); !ok {
			continue
		}
		targets = append(targets, node)
		activations[node.GetInput()[0]] = true
	}
	if len(targets) == 0 {
		return 0, errNothingToQuantize
	}
	ranges, err := collectRanges(ctx, m, samples, activations)
	if err != nil {
		return 0, err
	}

	acts := &activationQuantizer{e: e, ranges: ranges, q: settings.ActivationType, done: map[string]*quantizedActivation{}}
	dequantized := map[string]string{}
	weightScales := map[string]float32{}
	biases := map[string]bool{}
	for _, node := range targets {
		x := node.GetInput()[0]
		qa := acts.quantize(x)
		dq, ok := dequantized[x]
		if !ok {
			dq = onnxgraph.UniqueName(graph, x+"_dequantized")
			e.node("DequantizeLinear", x+"_DequantizeLinear", []string{qa.quantized, qa.scale, qa.zeroPoint}, []string{dq})
			dequantized[x] = dq
		}
		node.Input[0] = dq

		w := node.GetInput()[1]
		wScale, ok := weightScales[w]
		if !ok {
			wt, _ := e.floatWeight(w)
			wScale = symmetric(wt.Float, math.MaxInt8)
			e.dequantizeWeight(w,
				quantizedTensor(wt.Shape, wt.Float, wScale, 0, QuantTypeInt8),
				onnxgraph.NewFloat(nil, []float32{wScale}),
				zeroPointTensor(0, QuantTypeInt8))
			weightScales[w] = wScale
		}

		if len(node.GetInput()) < 3 || node.GetInput()[2] == "" || biases[node.GetInput()[2]] {
			continue
		}
		b, ok := e.floatWeight(node.GetInput()[2])
		if !ok {
			continue
		}
		bScale := qa.scaleVal * wScale
		e.dequantizeWeight(node.GetInput()[2],
			onnxgraph.NewInt32(b.Shape, quantizeBias(b.Float, bScale)),
			onnxgraph.NewFloat(nil, []float32{bScale}),
			onnxgraph.NewInt32(nil, []int32{0}))
		biases[node.GetInput()[2]] = true
	}
	if err = e.finish(); err != nil {
		return 0, err
	}
	return len(weightScales), nil
}

func quantizeQOperator(ctx context.Context, m *onnx.ModelProto, samples Samples, settings Settings) (int, error) {
	if settings.ActivationType != QuantTypeUint8 {
		return 0, fmt.Errorf("QOperator format does not support %s activations", settings.ActivationType)
	}
	if err := checkOpset(m); err != nil {
		return 0, err
	}
	graph := m.GetGraph()
	e := newGraphEditor(graph)
	var targets []*onnx.NodeProto
	values := map[string]bool{}
	for _, node := range graph.GetNode() {
		if node.GetOpType() != "Conv" || len(node.GetInput()) < 2 || len(node.GetOutput()) != 1 {
			continue
		}
		w, ok := e.floatWeight(node.GetInput()[1])
		if !ok || len(w.Shape) != 4 {
			continue
		}
		targets = append(targets, node)
		values[node.GetInput()[0]] = true
		values[node.GetOutput()[0]] = true
	}
	if len(targets) == 0 {
		return 0, errNothingToQuantize
	}
	ranges, err := collectRanges(ctx, m, samples, values)
	if err != nil {
		return 0, err
	}

	const weightZeroPoint = 128
	acts := &activationQuantizer{e: e, ranges: ranges, q: QuantTypeUint8, done: map[string]*quantizedActivation{}}
	remove := map[*onnx.NodeProto]bool{}
	for _, node := range targets {
		qa := acts.quantize(node.GetInput()[0])
		y := node.GetOutput()[0]
		yScale, yZp := affine(ranges[y].lo, ranges[y].hi, QuantTypeUint8)
		ysName := e.initializer(y+"_scale", onnxgraph.NewFloat(nil, []float32{yScale}))
		yzName := e.initializer(y+"_zero_point", zeroPointTensor(yZp, QuantTypeUint8))

		wName := node.GetInput()[1]
		w, _ := e.floatWeight(wName)
		wScale := symmetric(w.Float, math.MaxInt8)
		inputs := []string{
			qa.quantized, qa.scale, qa.zeroPoint,
			e.initializer(wName+"_quantized", quantizedTensor(w.Shape, w.Float, wScale, weightZeroPoint, QuantTypeUint8)),
			e.initializer(wName+"_scale", onnxgraph.NewFloat(nil, []float32{wScale})),
			e.initializer(wName+"_zero_point", zeroPointTensor(weightZeroPoint, QuantTypeUint8)),
			ysName, yzName,
		}
		if len(node.GetInput()) > 2 && node.GetInput()[2] != "" {
			b, ok := e.floatWeight(node.GetInput()[2])
			if !ok {
				return 0, fmt.Errorf("conv %q bias %q is not a float initializer", node.GetName(), node.GetInput()[2])
			}
			inputs = append(inputs, e.initializer(node.GetInput()[2]+"_quantized",
				onnxgraph.NewInt32(b.Shape, quantizeBias(b.Float, qa.scaleVal*wScale))))
		}
		yq := onnxgraph.UniqueName(graph, y+"_quantized")
		e.node("QLinearConv", node.GetName()+"_quant", inputs, []string{yq}, node.GetAttribute()...)
		remove[node] = true
		e.node("DequantizeLinear", y+"_DequantizeLinear", []string{yq, ysName, yzName}, []string{y})
	}
	onnxgraph.RemoveNodes(graph, remove)
	e.pruneInitializers()
	if err = e.finish(); err != nil {
		return 0, err
	}
	return len(targets), nil
}
