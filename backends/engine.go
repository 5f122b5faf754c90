package backends

import (
	"errors"
	"fmt"
	"slices"

	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/options"
)

// ErrBackendUnavailable is returned when a backend is not compiled in or its runtime cannot be loaded.
var ErrBackendUnavailable = errors.New("backend unavailable")

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Dynamic dimensions are -1.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Engine loads graph files into runnable sessions.
type Engine interface {
	Name() string
	Load(path string) (Runner, error)
	// Destroy releases process wide runtime state. Runners must be destroyed first.
	Destroy() error
}

// Runner is one loaded graph.
type Runner interface {
	Inputs() []InputOutputInfo
	Outputs() []InputOutputInfo
	Run(inputs map[string]*onnxgraph.Tensor) (map[string]*onnxgraph.Tensor, error)
	Destroy() error
}

// NewEngine creates the engine named by o.Backend.
func NewEngine(o *options.Options) (Engine, error) {
	switch o.Backend {
	case options.BackendGo, "":
		return NewGoEngine(), nil
	case options.BackendGonnx:
		return NewGonnxEngine(), nil
	case options.BackendORT:
		engine, err := NewORTEngine(o)
		if err != nil {
			return nil, err
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", o.Backend)
	}
}

// RunSingle feeds x to a runner with exactly one input and one output.
func RunSingle(r Runner, x *onnxgraph.Tensor) (*onnxgraph.Tensor, error) {
	inputs, outputs := r.Inputs(), r.Outputs()
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("expected a single input and output, graph has %d inputs and %d outputs", len(inputs), len(outputs))
	}
	result, err := r.Run(map[string]*onnxgraph.Tensor{inputs[0].Name: x})
	if err != nil {
		return nil, err
	}
	y, ok := result[outputs[0].Name]
	if !ok {
		return nil, fmt.Errorf("output %s was not produced", outputs[0].Name)
	}
	return y, nil
}

func shapeOf(dims []onnxgraph.Dim) Shape {
	shape := make(Shape, len(dims))
	for i, d := range dims {
		if d.Known() {
			shape[i] = d.Value
		} else {
			shape[i] = -1
		}
	}
	return shape
}

// Matches reports whether shape fits s, where -1 in s accepts any size.
func (s Shape) Matches(shape []int) bool {
	if len(s) != len(shape) {
		return false
	}
	for i, d := range s {
		if d >= 0 && d != int64(shape[i]) {
			return false
		}
	}
	return true
}

func checkInputs(infos []InputOutputInfo, inputs map[string]*onnxgraph.Tensor) error {
	for _, info := range infos {
		t, ok := inputs[info.Name]
		if !ok {
			return fmt.Errorf("missing input %s", info.Name)
		}
		if len(info.Dimensions) > 0 && !info.Dimensions.Matches(t.Shape) {
			return fmt.Errorf("input %s has shape %v, graph declares %s", info.Name, t.Shape, info.Dimensions)
		}
	}
	if len(inputs) != len(infos) {
		names := make([]string, 0, len(inputs))
		for name := range inputs {
			if !slices.ContainsFunc(infos, func(i InputOutputInfo) bool { return i.Name == name }) {
				names = append(names, name)
			}
		}
		slices.Sort(names)
		return fmt.Errorf("unknown inputs %v", names)
	}
	return nil
}
