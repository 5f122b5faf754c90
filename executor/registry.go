package executor

import (
	"fmt"
	"slices"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/segport/onnxgraph"
)

// OpHandler evaluates one node. Omitted optional inputs are passed as nil.
type OpHandler func(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error)

// Registry maps ONNX operator types to handler functions.
type Registry struct {
	handlers map[string]OpHandler
}

// NewRegistry creates a registry with every operator the executor supports.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]OpHandler),
	}
	r.registerMathOps()
	r.registerActivations()
	r.registerConvOps()
	r.registerShapeOps()
	r.registerUtilityOps()
	r.registerQuantOps()
	return r
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is the shared read-only registry used by sessions without an explicit one.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds or replaces an operator handler.
func (r *Registry) Register(opType string, handler OpHandler) {
	r.handlers[opType] = handler
}

func (r *Registry) Get(opType string) (OpHandler, bool) {
	h, ok := r.handlers[opType]
	return h, ok
}

// Execute runs an operator with the given inputs.
func (r *Registry) Execute(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if node.GetDomain() != "" && node.GetDomain() != "ai.onnx" {
		return nil, fmt.Errorf("unsupported operator domain %q for %s", node.GetDomain(), node.GetOpType())
	}
	handler, ok := r.handlers[node.GetOpType()]
	if !ok {
		return nil, fmt.Errorf("unsupported operator: %s", node.GetOpType())
	}
	return handler(node, inputs)
}

// SupportedOps returns the registered operator types, sorted.
func (r *Registry) SupportedOps() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// Supports reports whether a node can be executed.
func (r *Registry) Supports(node *onnx.NodeProto) bool {
	if node.GetDomain() != "" && node.GetDomain() != "ai.onnx" {
		return false
	}
	_, ok := r.handlers[node.GetOpType()]
	return ok
}

func requireInputs(node *onnx.NodeProto, inputs []*onnxgraph.Tensor, n int) error {
	if len(inputs) < n {
		return fmt.Errorf("%s requires %d inputs, got %d", node.GetOpType(), n, len(inputs))
	}
	for i := range n {
		if inputs[i] == nil {
			return fmt.Errorf("%s input %d is missing", node.GetOpType(), i)
		}
	}
	return nil
}

func requireFloat(node *onnx.NodeProto, t *onnxgraph.Tensor) error {
	if t.Type != onnx.TensorProto_FLOAT {
		return fmt.Errorf("%s expects float input, got %s", node.GetOpType(), t.Type)
	}
	return nil
}

func optional(inputs []*onnxgraph.Tensor, i int) *onnxgraph.Tensor {
	if i < len(inputs) {
		return inputs[i]
	}
	return nil
}

func single(t *onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	return []*onnxgraph.Tensor{t}, nil
}
