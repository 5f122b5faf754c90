package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/util/fileutil"
)

// GonnxEngine runs graphs on the gonnx runtime. Its operator coverage is narrower than the
// Go executor's: graphs with pooling or transposed convolutions are rejected at load.
type GonnxEngine struct{}

func NewGonnxEngine() *GonnxEngine { return &GonnxEngine{} }

func (e *GonnxEngine) Name() string { return "GONNX" }

func (e *GonnxEngine) Load(path string) (Runner, error) {
	onnxBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	r := &gonnxRunner{model: model}
	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = dynamicAsNegative(y.Size)
		}
		r.inputs = append(r.inputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = dynamicAsNegative(y.Size)
		}
		r.outputs = append(r.outputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	return r, nil
}

func (e *GonnxEngine) Destroy() error { return nil }

func dynamicAsNegative(size int64) int64 {
	if size <= 0 {
		return -1
	}
	return size
}

type gonnxRunner struct {
	model   *gonnx.Model
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func (r *gonnxRunner) Inputs() []InputOutputInfo { return r.inputs }

func (r *gonnxRunner) Outputs() []InputOutputInfo { return r.outputs }

func (r *gonnxRunner) Run(inputs map[string]*onnxgraph.Tensor) (map[string]*onnxgraph.Tensor, error) {
	if err := checkInputs(r.inputs, inputs); err != nil {
		return nil, err
	}
	inputMap := map[string]tensor.Tensor{}
	for name, t := range inputs {
		inputMap[name] = tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(t.Shape...),
			tensor.WithBacking(t.Floats()),
		)
	}
	tensors, err := r.model.Run(inputMap)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*onnxgraph.Tensor, len(tensors))
	for name, t := range tensors {
		data, ok := t.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("output %s has unsupported type %v", name, t.Dtype())
		}
		out[name] = onnxgraph.NewFloat(append([]int(nil), t.Shape()...), data)
	}
	return out, nil
}

func (r *gonnxRunner) Destroy() error {
	r.model = nil
	return nil
}
