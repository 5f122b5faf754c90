package backends

import (
	"github.com/knights-analytics/segport/executor"
	"github.com/knights-analytics/segport/onnxgraph"
)

// GoEngine runs graphs on the pure Go executor. It is always available.
type GoEngine struct {
	registry *executor.Registry
}

func NewGoEngine() *GoEngine {
	return &GoEngine{registry: executor.DefaultRegistry()}
}

func (e *GoEngine) Name() string { return "GO" }

func (e *GoEngine) Load(path string) (Runner, error) {
	model, err := onnxgraph.Load(path)
	if err != nil {
		return nil, err
	}
	session, err := executor.NewSession(model, executor.WithRegistry(e.registry))
	if err != nil {
		return nil, err
	}
	r := &goRunner{session: session}
	for _, name := range session.InputNames() {
		r.inputs = append(r.inputs, InputOutputInfo{Name: name, Dimensions: shapeOf(session.InputShape(name))})
	}
	for _, vi := range model.GetGraph().GetOutput() {
		_, dims := onnxgraph.DeclaredShape(vi)
		r.outputs = append(r.outputs, InputOutputInfo{Name: vi.GetName(), Dimensions: shapeOf(dims)})
	}
	return r, nil
}

func (e *GoEngine) Destroy() error { return nil }

type goRunner struct {
	session *executor.Session
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func (r *goRunner) Inputs() []InputOutputInfo { return r.inputs }

func (r *goRunner) Outputs() []InputOutputInfo { return r.outputs }

func (r *goRunner) Run(inputs map[string]*onnxgraph.Tensor) (map[string]*onnxgraph.Tensor, error) {
	if err := checkInputs(r.inputs, inputs); err != nil {
		return nil, err
	}
	return r.session.Run(inputs)
}

func (r *goRunner) Destroy() error {
	r.session = nil
	return nil
}
