package quantize

import (
	"context"
	"fmt"
	"slices"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/phuslu/log"

	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/util/fileutil"
	"github.com/knights-analytics/segport/util/vectors"
)

// DefaultMinElements is the smallest weight tensor worth storing as integers.
const DefaultMinElements = 16

// DynamicOpTypes are the operators whose second input is quantized by the dynamic quantizer.
var DynamicOpTypes = []string{"Conv", "ConvTranspose", "Gemm", "MatMul"}

// DynamicQuantizer stores weights as uint8 with a per-tensor scale and zero point. It needs
// no calibration data; activations stay float.
type DynamicQuantizer struct {
	MinElements int
	OpTypes     []string
	Logger      *log.Logger
}

func NewDynamicQuantizer() *DynamicQuantizer {
	return &DynamicQuantizer{MinElements: DefaultMinElements, OpTypes: DynamicOpTypes}
}

// Quantize writes the weight-quantized graph of in to out. Failures are reported on the
// result rather than returned: callers continue without the variant.
func (d *DynamicQuantizer) Quantize(ctx context.Context, in, out string) *Result {
	logger := d.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	result := &Result{Path: out, Format: "dynamic"}
	if err := d.quantize(ctx, in, out, result); err != nil {
		_, _ = fileutil.DeleteIfExists(out)
		result.Err = err
		logger.Warn().Str("stage", "dynamic-quantize").Str("input", in).Err(err).Msg("dynamic quantization failed")
		return result
	}
	result.OK = true
	logger.Info().Str("stage", "dynamic-quantize").Int("tensors", result.Quantized).
		Int64("sizeBefore", result.SizeBefore).Int64("sizeAfter", result.SizeAfter).
		Float64("reductionPercent", result.ReductionPercent()).Msg("weights quantized to uint8")
	return result
}

func (d *DynamicQuantizer) quantize(ctx context.Context, in, out string, result *Result) error {
	var err error
	if result.SizeBefore, err = fileutil.FileSize(in); err != nil {
		return err
	}
	m, err := onnxgraph.Load(in)
	if err != nil {
		return err
	}
	if err = checkOpset(m); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	result.Quantized, err = d.rewrite(m)
	if err != nil {
		return err
	}
	if err = onnxgraph.Check(m); err != nil {
		return fmt.Errorf("quantized graph: %w", err)
	}
	if result.Quantized == 0 {
		if err = fileutil.CopyFile(ctx, in, out); err != nil {
			return err
		}
		result.SizeAfter = result.SizeBefore
		return nil
	}
	if result.SizeAfter, err = onnxgraph.Save(m, out); err != nil {
		return err
	}
	if result.SizeAfter > result.SizeBefore {
		// the quantization parameters outweigh the savings: keep the float graph
		result.Quantized = 0
		if err = fileutil.CopyFile(ctx, in, out); err != nil {
			return err
		}
		result.SizeAfter = result.SizeBefore
	}
	return nil
}

func (d *DynamicQuantizer) rewrite(m *onnx.ModelProto) (int, error) {
	minElements := d.MinElements
	if minElements <= 0 {
		minElements = DefaultMinElements
	}
	opTypes := d.OpTypes
	if len(opTypes) == 0 {
		opTypes = DynamicOpTypes
	}
	e := newGraphEditor(m.GetGraph())
	done := map[string]bool{}
	for _, node := range m.GetGraph().GetNode() {
		if !slices.Contains(opTypes, node.GetOpType()) || len(node.GetInput()) < 2 {
			continue
		}
		name := node.GetInput()[1]
		if done[name] {
			continue
		}
		w, ok := e.floatWeight(name)
		if !ok || len(w.Float) < minElements {
			continue
		}
		lo, hi := vectors.MinMax(w.Float)
		scale, zp := affine(lo, hi, QuantTypeUint8)
		e.dequantizeWeight(name,
			quantizedTensor(w.Shape, w.Float, scale, zp, QuantTypeUint8),
			onnxgraph.NewFloat(nil, []float32{scale}),
			zeroPointTensor(zp, QuantTypeUint8))
		done[name] = true
	}
	if len(done) == 0 {
		return 0, nil
	}
	return len(done), e.finish()
}
