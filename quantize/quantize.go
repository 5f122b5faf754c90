package quantize

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"golang.org/x/exp/constraints"

	"github.com/knights-analytics/segport/executor"
	"github.com/knights-analytics/segport/onnxgraph"
)

// ErrUnavailable is returned when the graph cannot carry quantized tensors at all,
// for example because its opset predates the linear quantization operators.
var ErrUnavailable = errors.New("quantization unavailable")

// minQuantOpset is the first opset defining QuantizeLinear, DequantizeLinear and QLinearConv.
const minQuantOpset = 10

type QuantType int

const (
	QuantTypeUint8 QuantType = iota
	QuantTypeInt8
)

func (q QuantType) String() string {
	switch q {
	case QuantTypeUint8:
		return "QUInt8"
	case QuantTypeInt8:
		return "QInt8"
	default:
		return fmt.Sprintf("QuantType(%d)", int(q))
	}
}

func (q QuantType) bounds() (int32, int32) {
	if q == QuantTypeInt8 {
		return math.MinInt8, math.MaxInt8
	}
	return 0, math.MaxUint8
}

// Samples is a replayable sequence of calibration inputs.
type Samples interface {
	Next() (*onnxgraph.Tensor, bool)
	Reset()
}

type Result struct {
	Path       string
	OK         bool
	Err        error
	Format     string
	SizeBefore int64
	SizeAfter  int64
	// Quantized is the number of weight tensors stored as integers.
	Quantized int
}

func (r *Result) ReductionPercent() float64 {
	if r.SizeBefore == 0 {
		return 0
	}
	return 100 * float64(r.SizeBefore-r.SizeAfter) / float64(r.SizeBefore)
}

// Attempt records the failure of one static quantization format.
type Attempt struct {
	Format string
	Err    error
}

// QuantizationError is returned when every static quantization format failed.
type QuantizationError struct {
	Path     string
	Attempts []Attempt
}

func (e *QuantizationError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Format, a.Err)
	}
	return fmt.Sprintf("static quantization of %s failed: %s", e.Path, strings.Join(parts, "; "))
}

// Unavailable reports whether every format failed only because the graph cannot carry
// quantized tensors.
func (e *QuantizationError) Unavailable() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if !errors.Is(a.Err, ErrUnavailable) {
			return false
		}
	}
	return true
}

func (e *QuantizationError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// affine derives an asymmetric scale and zero point covering [lo, hi] extended to include zero.
func affine(lo, hi float32, q QuantType) (float32, int32) {
	qmin, qmax := q.bounds()
	lo, hi = min(lo, 0), max(hi, 0)
	scale := (hi - lo) / float32(qmax-qmin)
	if scale == 0 || math.IsNaN(float64(scale)) || math.IsInf(float64(scale), 0) {
		return 1, qmin
	}
	zp := int32(math.RoundToEven(float64(qmin) - float64(lo)/float64(scale)))
	return scale, clamp(zp, qmin, qmax)
}

// symmetric derives a scale mapping [-absmax, absmax] onto [-halfRange, halfRange].
func symmetric(values []float32, halfRange int32) float32 {
	var absMax float32
	for _, v := range values {
		absMax = max(absMax, float32(math.Abs(float64(v))))
	}
	if absMax == 0 {
		return 1
	}
	return absMax / float32(halfRange)
}

func clamp[T constraints.Integer](v, lo, hi T) T {
	return max(lo, min(hi, v))
}

func quantizeValues[T constraints.Integer](values []float32, scale float32, zeroPoint, qmin, qmax int32) []T {
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(executor.QuantizeValue(v, scale, zeroPoint, qmin, qmax))
	}
	return out
}

// quantizedTensor stores values as q with the given scale and zero point.
func quantizedTensor(shape []int, values []float32, scale float32, zeroPoint int32, q QuantType) *onnxgraph.Tensor {
	qmin, qmax := q.bounds()
	if q == QuantTypeInt8 {
		return onnxgraph.NewInt8(shape, quantizeValues[int8](values, scale, zeroPoint, qmin, qmax))
	}
	return onnxgraph.NewUint8(shape, quantizeValues[uint8](values, scale, zeroPoint, qmin, qmax))
}

func zeroPointTensor(zeroPoint int32, q QuantType) *onnxgraph.Tensor {
	if q == QuantTypeInt8 {
		return onnxgraph.NewInt8(nil, []int8{int8(zeroPoint)})
	}
	return onnxgraph.NewUint8(nil, []uint8{uint8(zeroPoint)})
}

// graphEditor accumulates initializers and nodes added to a graph by a quantization pass.
type graphEditor struct {
	graph   *onnx.GraphProto
	inits   map[string]*onnx.TensorProto
	prepend []*onnx.NodeProto
}

func newGraphEditor(graph *onnx.GraphProto) *graphEditor {
	return &graphEditor{graph: graph, inits: onnxgraph.Initializers(graph)}
}

func (e *graphEditor) initializer(base string, t *onnxgraph.Tensor) string {
	name := onnxgraph.UniqueName(e.graph, base)
	tp := t.Proto(name)
	e.graph.Initializer = append(e.graph.Initializer, tp)
	e.inits[name] = tp
	return name
}

func (e *graphEditor) node(opType, name string, inputs, outputs []string, attrs ...*onnx.AttributeProto) *onnx.NodeProto {
	node := &onnx.NodeProto{
		OpType:    opType,
		Name:      onnxgraph.UniqueName(e.graph, name),
		Input:     inputs,
		Output:    outputs,
		Attribute: attrs,
	}
	e.graph.Node = append(e.graph.Node, node)
	return node
}

// floatWeight returns the float initializer behind name, if any.
func (e *graphEditor) floatWeight(name string) (*onnxgraph.Tensor, bool) {
	t, ok := onnxgraph.ConstantInput(e.inits, name)
	if !ok || t.Type != onnx.TensorProto_FLOAT {
		return nil, false
	}
	return t, true
}

// dequantizeWeight replaces the float initializer name with an integer initializer and a
// DequantizeLinear node that produces name again, so consumers are left untouched.
func (e *graphEditor) dequantizeWeight(name string, q, scale, zeroPoint *onnxgraph.Tensor) {
	e.removeInitializer(name)
	qName := e.initializer(name+"_quantized", q)
	sName := e.initializer(name+"_scale", scale)
	zName := e.initializer(name+"_zero_point", zeroPoint)
	node := &onnx.NodeProto{
		OpType: "DequantizeLinear",
		Name:   onnxgraph.UniqueName(e.graph, name+"_DequantizeLinear"),
		Input:  []string{qName, sName, zName},
		Output: []string{name},
	}
	e.prepend = append(e.prepend, node)
}

func (e *graphEditor) removeInitializer(name string) {
	kept := e.graph.Initializer[:0]
	for _, init := range e.graph.GetInitializer() {
		if init.GetName() != name {
			kept = append(kept, init)
		}
	}
	e.graph.Initializer = kept
	inputs := e.graph.Input[:0]
	for _, in := range e.graph.GetInput() {
		if in.GetName() != name {
			inputs = append(inputs, in)
		}
	}
	e.graph.Input = inputs
	delete(e.inits, name)
}

// finish places the weight dequantization nodes first and re-establishes topological order.
func (e *graphEditor) finish() error {
	e.graph.Node = append(e.prepend, e.graph.Node...)
	e.prepend = nil
	return onnxgraph.SortNodes(e.graph)
}

func checkOpset(m *onnx.ModelProto) error {
	if opset := onnxgraph.Opset(m); opset < minQuantOpset {
		return fmt.Errorf("%w: opset %d has no linear quantization operators", ErrUnavailable, opset)
	}
	return nil
}

// pruneInitializers drops initializers no node or graph output reads any more.
func (e *graphEditor) pruneInitializers() {
	used := onnxgraph.GraphOutputNames(e.graph)
	for _, node := range slices.Concat(e.prepend, e.graph.GetNode()) {
		for _, in := range node.GetInput() {
			used[in] = true
		}
	}
	var unused []string
	for _, init := range e.graph.GetInitializer() {
		if !used[init.GetName()] {
			unused = append(unused, init.GetName())
		}
	}
	for _, name := range unused {
		e.removeInitializer(name)
	}
}
