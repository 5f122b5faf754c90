package export

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/phuslu/log"

	"github.com/knights-analytics/segport/model"
	"github.com/knights-analytics/segport/onnxgraph"
)

const (
	IRVersion    = 7
	DefaultOpset = 13
	Producer     = "segport"
	InputName    = "input"
	OutputName   = "output"
	BatchDim     = "batch_size"
)

// AllowedOps are the operators an exported graph may contain.
var AllowedOps = []string{"BatchNormalization", "Concat", "Conv", "ConvTranspose", "MaxPool", "Relu", "Sigmoid"}

// ExportError means the model's forward computation could not be written as a graph.
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("exporting %s: %v", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

type Exporter struct {
	Logger *log.Logger
	// Opset of the default domain, DefaultOpset when zero.
	Opset           int64
	ProducerVersion string
}

type Result struct {
	Path       string
	SizeBytes  int64
	Parameters int64
}

func (r *Result) SizeMB() float64 {
	return float64(r.SizeBytes) / (1024 * 1024)
}

// Export traces m at resolution imageSize and writes the graph to path, creating parent
// directories. The graph takes "input" [batch_size,C,S,S] and produces "output" [batch_size,K,S,S].
func (e *Exporter) Export(ctx context.Context, m model.Model, path string, imageSize int) (*Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opset := e.Opset
	if opset == 0 {
		opset = DefaultOpset
	}
	if opset < DefaultOpset || opset > 17 {
		return nil, &ExportError{Path: path, Err: fmt.Errorf("unsupported opset %d", opset)}
	}
	if imageSize <= 0 {
		return nil, &ExportError{Path: path, Err: fmt.Errorf("invalid image size %d", imageSize)}
	}

	b := onnxgraph.NewBuilder(m.Name())
	x := b.Input(InputName, onnx.TensorProto_FLOAT,
		onnxgraph.Symbolic(BatchDim), onnxgraph.Fixed(m.InChannels()), onnxgraph.Fixed(imageSize), onnxgraph.Fixed(imageSize))
	y, err := m.Trace(b, x, imageSize)
	if err != nil {
		return nil, &ExportError{Path: path, Err: err}
	}
	if y == x {
		return nil, &ExportError{Path: path, Err: fmt.Errorf("model produced no computation")}
	}
	b.Rename(y, OutputName)
	b.Output(OutputName, onnx.TensorProto_FLOAT,
		onnxgraph.Symbolic(BatchDim), onnxgraph.Fixed(m.OutChannels()), onnxgraph.Fixed(imageSize), onnxgraph.Fixed(imageSize))
	graphModel := b.Model(IRVersion, opset, Producer, e.ProducerVersion)

	if unsupported := unsupportedOps(graphModel.GetGraph()); len(unsupported) > 0 {
		return nil, &ExportError{Path: path, Err: fmt.Errorf("unsupported operators %v", unsupported)}
	}
	if err = onnxgraph.Check(graphModel); err != nil {
		return nil, &ExportError{Path: path, Err: err}
	}
	if err = checkOutputShape(graphModel, m.OutChannels(), imageSize); err != nil {
		return nil, &ExportError{Path: path, Err: err}
	}

	size, err := onnxgraph.Save(graphModel, path)
	if err != nil {
		return nil, &ExportError{Path: path, Err: err}
	}
	result := &Result{Path: path, SizeBytes: size, Parameters: m.ParameterCount()}
	logger.Info().Str("stage", "export").Str("path", path).Int("imageSize", imageSize).
		Int64("opset", opset).Int64("parameters", result.Parameters).
		Float64("sizeMB", result.SizeMB()).Msg("model exported")
	return result, nil
}

func unsupportedOps(graph *onnx.GraphProto) []string {
	var unsupported []string
	for _, node := range graph.GetNode() {
		op := node.GetOpType()
		if (node.GetDomain() != "" || !slices.Contains(AllowedOps, op)) && !slices.Contains(unsupported, op) {
			unsupported = append(unsupported, op)
		}
	}
	sort.Strings(unsupported)
	return unsupported
}

// checkOutputShape infers shapes through the traced graph and compares them with the declared output.
func checkOutputShape(m *onnx.ModelProto, channels, imageSize int) error {
	types, err := onnxgraph.InferShapes(onnxgraph.Clone(m))
	if err != nil {
		return err
	}
	got, ok := types[OutputName]
	if !ok {
		return fmt.Errorf("no shape could be inferred for %s", OutputName)
	}
	want := []onnxgraph.Dim{onnxgraph.Symbolic(BatchDim), onnxgraph.Fixed(channels), onnxgraph.Fixed(imageSize), onnxgraph.Fixed(imageSize)}
	if len(got.Dims) != len(want) {
		return fmt.Errorf("output rank %d, expected %d", len(got.Dims), len(want))
	}
	for i := 1; i < len(want); i++ {
		if got.Dims[i] != want[i] {
			return fmt.Errorf("output shape %v, expected %v", got.Dims, want)
		}
	}
	return nil
}
