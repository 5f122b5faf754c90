package executor

import (
	"fmt"
	"math"
	"slices"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/segport/onnxgraph"
)

// registerMathOps adds arithmetic and linear algebra operators to the registry.
func (r *Registry) registerMathOps() {
	r.Register("Add", binary(func(a, b float32) float32 { return a + b }))
	r.Register("Sub", binary(func(a, b float32) float32 { return a - b }))
	r.Register("Mul", binary(func(a, b float32) float32 { return a * b }))
	r.Register("Div", binary(func(a, b float32) float32 { return a / b }))
	r.Register("MatMul", handleMatMul)
	r.Register("Gemm", handleGemm)
}

// registerActivations adds element-wise activation operators to the registry.
func (r *Registry) registerActivations() {
	r.Register("Relu", unary(func(v float32) float32 { return max(v, 0) }))
	r.Register("Sigmoid", unary(sigmoid))
	r.Register("Tanh", unary(func(v float32) float32 { return float32(math.Tanh(float64(v))) }))
	r.Register("Exp", unary(func(v float32) float32 { return float32(math.Exp(float64(v))) }))
}

func sigmoid(v float32) float32 {
	if v >= 0 {
		return float32(1 / (1 + math.Exp(-float64(v))))
	}
	e := math.Exp(float64(v))
	return float32(e / (1 + e))
}

func unary(f func(float32) float32) OpHandler {
	return func(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
		if err := requireInputs(node, inputs, 1); err != nil {
			return nil, err
		}
		if err := requireFloat(node, inputs[0]); err != nil {
			return nil, err
		}
		out := onnxgraph.NewFloat(inputs[0].Shape, nil)
		for i, v := range inputs[0].Float {
			out.Float[i] = f(v)
		}
		return single(out)
	}
}

// BroadcastShape applies numpy-style broadcasting to two concrete shapes.
func BroadcastShape(a, b []int) ([]int, error) {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for i := range rank {
		da, db := 1, 1
		if j := i - (rank - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (rank - len(b)); j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, fmt.Errorf("shapes %v and %v do not broadcast", a, b)
		}
	}
	return out, nil
}

// broadcastStrides returns the strides of shape viewed as outShape, zero along broadcast dims.
func broadcastStrides(shape, outShape []int) []int {
	strides := make([]int, len(outShape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		j := i + len(outShape) - len(shape)
		if shape[i] != 1 {
			strides[j] = stride
		}
		stride *= shape[i]
	}
	return strides
}

func binary(f func(a, b float32) float32) OpHandler {
	return func(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
		if err := requireInputs(node, inputs, 2); err != nil {
			return nil, err
		}
		a, b := inputs[0], inputs[1]
		if err := requireFloat(node, a); err != nil {
			return nil, err
		}
		if err := requireFloat(node, b); err != nil {
			return nil, err
		}
		shape, err := BroadcastShape(a.Shape, b.Shape)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", node.GetOpType(), err)
		}
		out := onnxgraph.NewFloat(shape, nil)
		switch {
		case slices.Equal(a.Shape, b.Shape):
			for i := range out.Float {
				out.Float[i] = f(a.Float[i], b.Float[i])
			}
		case len(b.Float) == 1 && slices.Equal(a.Shape, shape):
			for i, v := range a.Float {
				out.Float[i] = f(v, b.Float[0])
			}
		default:
			sa, sb := broadcastStrides(a.Shape, shape), broadcastStrides(b.Shape, shape)
			index := make([]int, len(shape))
			ia, ib := 0, 0
			for i := range out.Float {
				out.Float[i] = f(a.Float[ia], b.Float[ib])
				for d := len(shape) - 1; d >= 0; d-- {
					index[d]++
					ia += sa[d]
					ib += sb[d]
					if index[d] < shape[d] {
						break
					}
					ia -= sa[d] * shape[d]
					ib -= sb[d] * shape[d]
					index[d] = 0
				}
			}
		}
		return single(out)
	}
}

// matmul computes c[m,n] = a[m,k] * b[k,n] for row-major slices.
func matmul(a, b []float32, m, k, n int) []float32 {
	c := make([]float32, m*n)
	for i := range m {
		row := c[i*n : (i+1)*n]
		for p := range k {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			brow := b[p*n : (p+1)*n]
			for j, bv := range brow {
				row[j] += av * bv
			}
		}
	}
	return c
}

func handleMatMul(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if a.Type != onnx.TensorProto_FLOAT || b.Type != onnx.TensorProto_FLOAT {
		return nil, fmt.Errorf("matMul expects float inputs")
	}
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("matMul requires rank >= 2 operands, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[len(a.Shape)-2], a.Shape[len(a.Shape)-1]
	k2, n := b.Shape[len(b.Shape)-2], b.Shape[len(b.Shape)-1]
	if k != k2 {
		return nil, fmt.Errorf("matMul inner dimensions %d and %d differ", k, k2)
	}
	batchA := a.Shape[:len(a.Shape)-2]
	batchB := b.Shape[:len(b.Shape)-2]
	batches := onnxgraph.NumElements(batchA)
	switch {
	case len(batchB) == 0 || onnxgraph.NumElements(batchB) == 1:
		// a's batch dims fold into m
		c := matmul(a.Float, b.Float, batches*m, k, n)
		return single(onnxgraph.NewFloat(append(slices.Clone(batchA), m, n), c))
	case slices.Equal(batchA, batchB):
		c := make([]float32, 0, batches*m*n)
		for i := range batches {
			c = append(c, matmul(a.Float[i*m*k:(i+1)*m*k], b.Float[i*k*n:(i+1)*k*n], m, k, n)...)
		}
		return single(onnxgraph.NewFloat(append(slices.Clone(batchA), m, n), c))
	default:
		return nil, fmt.Errorf("matMul batch dims %v and %v are not supported", batchA, batchB)
	}
}

func transpose2D(data []float32, rows, cols int) []float32 {
	out := make([]float32, len(data))
	for r := range rows {
		for c := range cols {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return out
}

func handleGemm(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("gemm requires rank 2 operands, got %v and %v", a.Shape, b.Shape)
	}
	alpha := onnxgraph.AttrFloat(node, "alpha", 1)
	beta := onnxgraph.AttrFloat(node, "beta", 1)
	ad, bd := a.Floats(), b.Floats()
	m, k := a.Shape[0], a.Shape[1]
	if onnxgraph.AttrInt(node, "transA", 0) == 1 {
		ad = transpose2D(ad, m, k)
		m, k = k, m
	}
	k2, n := b.Shape[0], b.Shape[1]
	if onnxgraph.AttrInt(node, "transB", 0) == 1 {
		bd = transpose2D(bd, k2, n)
		k2, n = n, k2
	}
	if k != k2 {
		return nil, fmt.Errorf("gemm inner dimensions %d and %d differ", k, k2)
	}
	out := onnxgraph.NewFloat([]int{m, n}, matmul(ad, bd, m, k, n))
	for i := range out.Float {
		out.Float[i] *= alpha
	}
	if c := optional(inputs, 2); c != nil {
		if shape, err := BroadcastShape(out.Shape, c.Shape); err != nil || !slices.Equal(shape, out.Shape) {
			return nil, fmt.Errorf("gemm bias %v does not broadcast to %v", c.Shape, out.Shape)
		}
		cs := broadcastStrides(c.Shape, out.Shape)
		cd := c.Floats()
		for i := range m {
			for j := range n {
				out.Float[i*n+j] += beta * cd[i*cs[0]+j*cs[1]]
			}
		}
	}
	return single(out)
}
