package executor

import (
	"fmt"
	"slices"
	"strings"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/segport/onnxgraph"
)

// Observer receives every float value computed during a run, including the graph inputs.
type Observer func(name string, value *onnxgraph.Tensor)

// UnsupportedOperatorError lists operator types a graph uses that the executor cannot run.
type UnsupportedOperatorError struct {
	OpTypes []string
}

func (e *UnsupportedOperatorError) Error() string {
	return "unsupported operators: " + strings.Join(e.OpTypes, ", ")
}

// Session executes one model on the CPU, node by node in topological order.
type Session struct {
	graph    *onnx.GraphProto
	consts   map[string]*onnxgraph.Tensor
	inputs   []string
	outputs  []string
	lastUse  map[string]int
	registry *Registry
	observer Observer
}

type SessionOption func(s *Session)

func WithObserver(observer Observer) SessionOption {
	return func(s *Session) {
		s.observer = observer
	}
}

func WithRegistry(registry *Registry) SessionOption {
	return func(s *Session) {
		s.registry = registry
	}
}

// NewSession prepares model for execution. The model is not modified.
func NewSession(model *onnx.ModelProto, opts ...SessionOption) (*Session, error) {
	if model.GetGraph() == nil {
		return nil, onnxgraph.ErrNoGraph
	}
	s := &Session{
		graph:    onnxgraph.Clone(model).GetGraph(),
		consts:   map[string]*onnxgraph.Tensor{},
		lastUse:  map[string]int{},
		registry: defaultRegistry,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := onnxgraph.SortNodes(s.graph); err != nil {
		return nil, err
	}

	var unsupported []string
	for _, node := range s.graph.GetNode() {
		if !s.registry.Supports(node) && !slices.Contains(unsupported, node.GetOpType()) {
			unsupported = append(unsupported, node.GetOpType())
		}
	}
	if len(unsupported) > 0 {
		return nil, &UnsupportedOperatorError{OpTypes: unsupported}
	}

	for _, init := range s.graph.GetInitializer() {
		t, err := onnxgraph.FromProto(init)
		if err != nil {
			return nil, err
		}
		s.consts[init.GetName()] = t
	}
	s.inputs = onnxgraph.GraphInputNames(s.graph)
	for _, o := range s.graph.GetOutput() {
		s.outputs = append(s.outputs, o.GetName())
	}
	for i, node := range s.graph.GetNode() {
		for _, in := range node.GetInput() {
			s.lastUse[in] = i
		}
	}
	return s, nil
}

func (s *Session) InputNames() []string { return slices.Clone(s.inputs) }

func (s *Session) OutputNames() []string { return slices.Clone(s.outputs) }

// InputShape returns the declared shape of a runtime input.
func (s *Session) InputShape(name string) []onnxgraph.Dim {
	for _, in := range s.graph.GetInput() {
		if in.GetName() == name {
			_, dims := onnxgraph.DeclaredShape(in)
			return dims
		}
	}
	return nil
}

// Run evaluates the graph for the given inputs and returns every graph output.
func (s *Session) Run(inputs map[string]*onnxgraph.Tensor) (map[string]*onnxgraph.Tensor, error) {
	values := make(map[string]*onnxgraph.Tensor, len(s.consts)+len(inputs))
	for name, t := range s.consts {
		values[name] = t
	}
	for _, name := range s.inputs {
		t, ok := inputs[name]
		if !ok || t == nil {
			return nil, fmt.Errorf("missing input %q", name)
		}
		if t.Len() != onnxgraph.NumElements(t.Shape) {
			return nil, fmt.Errorf("input %q holds %d elements for shape %v", name, t.Len(), t.Shape)
		}
		values[name] = t
		s.observe(name, t)
	}
	keep := map[string]bool{}
	for _, name := range s.outputs {
		keep[name] = true
	}

	for i, node := range s.graph.GetNode() {
		args := make([]*onnxgraph.Tensor, len(node.GetInput()))
		for j, name := range node.GetInput() {
			if name == "" {
				continue
			}
			t, ok := values[name]
			if !ok {
				return nil, fmt.Errorf("node %q: value %q is not available", node.GetName(), name)
			}
			args[j] = t
		}
		results, err := s.registry.Execute(node, args)
		if err != nil {
			return nil, fmt.Errorf("node %q (%s): %w", node.GetName(), node.GetOpType(), err)
		}
		if len(results) < len(node.GetOutput()) {
			// trailing optional outputs may be left unnamed
			for _, name := range node.GetOutput()[len(results):] {
				if name != "" {
					return nil, fmt.Errorf("node %q did not produce output %q", node.GetName(), name)
				}
			}
		}
		for j, name := range node.GetOutput() {
			if name == "" || j >= len(results) {
				continue
			}
			values[name] = results[j]
			s.observe(name, results[j])
		}
		// release intermediates nobody reads any more
		for _, name := range node.GetInput() {
			if _, isConst := s.consts[name]; isConst || keep[name] {
				continue
			}
			if s.lastUse[name] == i {
				delete(values, name)
			}
		}
	}

	outputs := make(map[string]*onnxgraph.Tensor, len(s.outputs))
	for _, name := range s.outputs {
		t, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("graph output %q was not computed", name)
		}
		outputs[name] = t
	}
	return outputs, nil
}

func (s *Session) observe(name string, t *onnxgraph.Tensor) {
	if s.observer != nil && t.Type == onnx.TensorProto_FLOAT {
		s.observer(name, t)
	}
}
