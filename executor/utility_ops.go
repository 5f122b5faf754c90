package executor

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/segport/onnxgraph"
)

// registerUtilityOps adds pass-through and constant operators to the registry.
func (r *Registry) registerUtilityOps() {
	r.Register("Identity", handleIdentity)
	r.Register("Dropout", handleDropout)
	r.Register("Constant", handleConstant)
}

func handleIdentity(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	return single(inputs[0])
}

// handleDropout is inference-mode dropout: the data passes through unchanged.
func handleDropout(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	if len(node.GetOutput()) > 1 && node.GetOutput()[1] != "" {
		return nil, fmt.Errorf("dropout mask output is not supported")
	}
	return single(inputs[0])
}

func handleConstant(node *onnx.NodeProto, _ []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if a := onnxgraph.Attribute(node, "value"); a != nil {
		t, err := onnxgraph.FromProto(a.GetT())
		if err != nil {
			return nil, fmt.Errorf("constant: %w", err)
		}
		return single(t)
	}
	if a := onnxgraph.Attribute(node, "value_float"); a != nil {
		return single(onnxgraph.NewFloat(nil, []float32{a.GetF()}))
	}
	if a := onnxgraph.Attribute(node, "value_floats"); a != nil {
		return single(onnxgraph.NewFloat([]int{len(a.GetFloats())}, append([]float32(nil), a.GetFloats()...)))
	}
	if a := onnxgraph.Attribute(node, "value_int"); a != nil {
		return single(onnxgraph.NewInt64(nil, []int64{a.GetI()}))
	}
	if a := onnxgraph.Attribute(node, "value_ints"); a != nil {
		return single(onnxgraph.NewInt64([]int{len(a.GetInts())}, append([]int64(nil), a.GetInts()...)))
	}
	return nil, fmt.Errorf("constant node %q has no supported value attribute", node.GetName())
}
