package optimize

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/segport/executor"
	"github.com/knights-analytics/segport/onnxgraph"
)

// Passes is the standard rewrite list, applied in this order.
var Passes = []string{
	"eliminate_deadend",
	"eliminate_identity",
	"eliminate_nop_dropout",
	"eliminate_nop_monotone_argmax",
	"eliminate_nop_pad",
	"eliminate_nop_transpose",
	"eliminate_unused_initializer",
	"extract_constant_to_initializer",
	"fuse_add_bias_into_conv",
	"fuse_bn_into_conv",
	"fuse_consecutive_concats",
	"fuse_consecutive_squeezes",
	"fuse_consecutive_transposes",
	"fuse_matmul_add_bias_into_gemm",
	"fuse_pad_into_conv",
	"nop",
}

// A pass performs at most one rewrite per call and reports whether it changed the graph.
type pass func(s *graphState) (bool, error)

var passRegistry = map[string]pass{
	"eliminate_deadend":               eliminateDeadEnd,
	"eliminate_identity":              eliminateIdentity,
	"eliminate_nop_dropout":           eliminateNopDropout,
	"eliminate_nop_monotone_argmax":   eliminateNopMonotoneArgMax,
	"eliminate_nop_pad":               eliminateNopPad,
	"eliminate_nop_transpose":         eliminateNopTranspose,
	"eliminate_unused_initializer":    eliminateUnusedInitializer,
	"extract_constant_to_initializer": extractConstantToInitializer,
	"fuse_add_bias_into_conv":         fuseAddBiasIntoConv,
	"fuse_bn_into_conv":               fuseBNIntoConv,
	"fuse_consecutive_concats":        fuseConsecutiveConcats,
	"fuse_consecutive_squeezes":       fuseConsecutiveSqueezes,
	"fuse_consecutive_transposes":     fuseConsecutiveTransposes,
	"fuse_matmul_add_bias_into_gemm":  fuseMatMulAddBiasIntoGemm,
	"fuse_pad_into_conv":              fusePadIntoConv,
	"nop":                             func(*graphState) (bool, error) { return false, nil },
}

const maxRounds = 8

// Report counts the rewrites applied per pass.
type Report map[string]int

// Rewrite applies passes until none changes the graph, folds constants, removes what became
// dead, annotates intermediate shapes and checks the result. m is modified in place.
func Rewrite(ctx context.Context, m *onnx.ModelProto, passes []string) (Report, error) {
	if m.GetGraph() == nil {
		return nil, onnxgraph.ErrNoGraph
	}
	selected := make([]pass, len(passes))
	for i, name := range passes {
		p, ok := passRegistry[name]
		if !ok {
			return nil, fmt.Errorf("unknown pass %q", name)
		}
		selected[i] = p
	}
	report := Report{}
	run := func(name string, p pass) (bool, error) {
		changed := false
		limit := len(m.GetGraph().GetNode()) + len(m.GetGraph().GetInitializer()) + 1
		for range limit {
			did, err := p(newGraphState(m))
			if err != nil {
				return changed, fmt.Errorf("pass %s: %w", name, err)
			}
			if !did {
				break
			}
			changed = true
			report[name]++
		}
		return changed, nil
	}

	for range maxRounds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for i, p := range selected {
			did, err := run(passes[i], p)
			if err != nil {
				return nil, err
			}
			changed = changed || did
		}
		did, err := run("fold_constants", foldConstants)
		if err != nil {
			return nil, err
		}
		if !changed && !did {
			break
		}
	}
	for _, cleanup := range []string{"eliminate_deadend", "eliminate_unused_initializer"} {
		if _, err := run(cleanup, passRegistry[cleanup]); err != nil {
			return nil, err
		}
	}
	if err := onnxgraph.SortNodes(m.GetGraph()); err != nil {
		return nil, err
	}
	if _, err := onnxgraph.InferShapes(m); err != nil {
		return nil, err
	}
	return report, onnxgraph.Check(m)
}

type graphState struct {
	model     *onnx.ModelProto
	graph     *onnx.GraphProto
	inits     map[string]*onnx.TensorProto
	producers map[string]*onnx.NodeProto
	consumers map[string][]*onnx.NodeProto
	outputs   map[string]bool
	types     map[string]*onnxgraph.ValueType
}

func newGraphState(m *onnx.ModelProto) *graphState {
	graph := m.GetGraph()
	return &graphState{
		model:     m,
		graph:     graph,
		inits:     onnxgraph.Initializers(graph),
		producers: onnxgraph.Producers(graph),
		consumers: onnxgraph.Consumers(graph),
		outputs:   onnxgraph.GraphOutputNames(graph),
	}
}

// typeOf infers shapes on a copy of the graph the first time it is needed.
func (s *graphState) typeOf(name string) *onnxgraph.ValueType {
	if s.types == nil {
		types, err := onnxgraph.InferShapes(onnxgraph.Clone(s.model))
		if err != nil {
			types = map[string]*onnxgraph.ValueType{}
		}
		s.types = types
	}
	return s.types[name]
}

// soleConsumer returns the only node reading name, provided name is not also a graph output.
func (s *graphState) soleConsumer(name string) *onnx.NodeProto {
	if s.outputs[name] || len(s.consumers[name]) != 1 {
		return nil
	}
	return s.consumers[name][0]
}

func (s *graphState) used(name string) bool {
	return name != "" && (s.outputs[name] || len(s.consumers[name]) > 0)
}

func (s *graphState) constant(name string) (*onnxgraph.Tensor, bool) {
	return onnxgraph.ConstantInput(s.inits, name)
}

func (s *graphState) remove(nodes ...*onnx.NodeProto) {
	set := map[*onnx.NodeProto]bool{}
	for _, n := range nodes {
		set[n] = true
	}
	onnxgraph.RemoveNodes(s.graph, set)
}

// addInitializer stores t under a fresh name derived from base.
func (s *graphState) addInitializer(base string, t *onnxgraph.Tensor) string {
	name := onnxgraph.UniqueName(s.graph, base)
	s.graph.Initializer = append(s.graph.Initializer, t.Proto(name))
	return name
}

// replaceOrAdd overwrites the initializer name when node is its only reader, and otherwise
// stores t under a fresh name derived from base.
func (s *graphState) replaceOrAdd(node *onnx.NodeProto, name, base string, t *onnxgraph.Tensor) string {
	if s.soleConsumer(name) == node {
		onnxgraph.SetInitializer(s.graph, t.Proto(name))
		return name
	}
	return s.addInitializer(base, t)
}

// bypass removes a node that forwards its first input unchanged to its first output.
func (s *graphState) bypass(node *onnx.NodeProto) bool {
	in, out := node.GetInput()[0], node.GetOutput()[0]
	for _, extra := range node.GetOutput()[1:] {
		if s.used(extra) {
			return false
		}
	}
	if s.outputs[out] {
		// The graph output keeps its name, so the producer of in must write it directly.
		producer := s.producers[in]
		if producer == nil || s.outputs[in] || len(s.consumers[in]) != 1 {
			return false
		}
		for i, o := range producer.GetOutput() {
			if o == in {
				producer.Output[i] = out
			}
		}
		s.remove(node)
		return true
	}
	onnxgraph.ReplaceUses(s.graph, out, in)
	s.remove(node)
	return true
}

func eliminateDeadEnd(s *graphState) (bool, error) {
	for i := len(s.graph.GetNode()) - 1; i >= 0; i-- {
		node := s.graph.GetNode()[i]
		if !slices.ContainsFunc(node.GetOutput(), s.used) {
			s.remove(node)
			return true, nil
		}
	}
	return false, nil
}

func eliminateIdentity(s *graphState) (bool, error) {
	for _, node := range s.graph.GetNode() {
		if node.GetOpType() == "Identity" && len(node.GetInput()) == 1 && s.bypass(node) {
			return true, nil
		}
	}
	return false, nil
}

func eliminateNopDropout(s *graphState) (bool, error) {
	for _, node := range s.graph.GetNode() {
		if node.GetOpType() != "Dropout" || len(node.GetInput()) == 0 {
			continue
		}
		if len(node.GetInput()) > 2 && node.GetInput()[2] != "" {
			training, ok := s.constant(node.GetInput()[2])
			if !ok {
				continue
			}
			if flags, err := training.Ints(); err != nil || slices.Contains(flags, 1) {
				continue
			}
		}
		if onnxgraph.AttrInt(node, "is_test", 1) == 0 {
			continue
		}
		if s.bypass(node) {
			return true, nil
		}
	}
	return false, nil
}

var strictlyMonotone = map[string]bool{"Exp": true, "Log": true, "Sqrt": true, "Sigmoid": true, "Tanh": true}

func eliminateNopMonotoneArgMax(s *graphState) (bool, error) {
	for _, node := range s.graph.GetNode() {
		if node.GetOpType() != "ArgMax" && node.GetOpType() != "ArgMin" {
			continue
		}
		producer := s.producers[node.GetInput()[0]]
		if producer == nil || s.soleConsumer(node.GetInput()[0]) != node || len(producer.GetInput()) == 0 {
			continue
		}
		switch op := producer.GetOpType(); {
		case strictlyMonotone[op]:
		case op == "Softmax" || op == "LogSoftmax":
			axis := onnxgraph.Attribute(producer, "axis")
			argAxis := onnxgraph.Attribute(node, "axis")
			if axis == nil || argAxis == nil || axis.GetI() != argAxis.GetI() {
				continue
			}
		default:
			continue
		}
		node.Input[0] = producer.GetInput()[0]
		return true, nil
	}
	return false, nil
}

func padsOf(s *graphState, node *onnx.NodeProto) ([]int64, bool) {
	if len(node.GetInput()) > 1 && node.GetInput()[1] != "" {
		t, ok := s.constant(node.GetInput()[1])
		if !ok {
			return nil, false
		}
		pads, err := t.Ints()
		return pads, err == nil
	}
	pads := onnxgraph.AttrInts(node, "pads", nil)
	return pads, pads != nil
}

func eliminateNopPad(s *graphState) (bool, error) {
	for _, node := range s.graph.GetNode() {
		if node.GetOpType() != "Pad" {
			continue
		}
		pads, ok := padsOf(s, node)
		if !ok || slices.ContainsFunc(pads, func(p int64) bool { return p != 0 }) {
			continue
		}
		if s.bypass(node) {
			return true, nil
		}
	}
	return false, nil
}

func eliminateNopTranspose(s *graphState) (bool, error) {
	for _, node := range s.graph.GetNode() {
		if node.GetOpType() != "Transpose" {
			continue
		}
		perm := onnxgraph.AttrInts(node, "perm", nil)
		if perm == nil {
			continue
		}
		identity := true
		for i, p := range perm {
			identity = identity && p == int64(i)
		}
		if identity && s.bypass(node) {
			return true, nil
		}
	}
	return false, nil
}

func eliminateUnusedInitializer(s *graphState) (bool, error) {
	for _, init := range s.graph.GetInitializer() {
		name := init.GetName()
		if s.used(name) {
			continue
		}
		s.graph.Initializer = slices.DeleteFunc(s.graph.Initializer, func(t *onnx.TensorProto) bool { return t.GetName() == name })
		s.graph.Input = slices.DeleteFunc(s.graph.Input, func(vi *onnx.ValueInfoProto) bool { return vi.GetName() == name })
		return true, nil
	}
	return false, nil
}

func extractConstantToInitializer(s *graphState) (bool, error) {
	for _, node := range s.graph.GetNode() {
		if node.GetOpType() != "Constant" || len(node.GetOutput()) != 1 || s.outputs[node.GetOutput()[0]] {
			continue
		}
		values, err := executor.DefaultRegistry().Execute(node, nil)
		if err != nil {
			continue
		}
		s.graph.Initializer = append(s.graph.Initializer, values[0].Proto(node.GetOutput()[0]))
		s.remove(node)
		return true, nil
	}
	return false, nil
}

// channelBias reads a constant added to a [N,M,...] conv output as a per-channel bias of length m.
func channelBias(t *onnxgraph.Tensor, m, outRank int) ([]float32, bool) {
	if t.Type != onnx.TensorProto_FLOAT || len(t.Shape) > outRank {
		return nil, false
	}
	if t.Len() == 1 {
		bias := make([]float32, m)
		for i := range bias {
			bias[i] = t.Float[0]
		}
		return bias, true
	}
	// the channel axis sits at rank-(outRank-1) counted from the right
	channelAxis := len(t.Shape) - (outRank - 1)
	if channelAxis < 0 {
		return nil, false
	}
	for i, d := range t.Shape {
		if (i == channelAxis && d != m) || (i != channelAxis && d != 1) {
			return nil, false
		}
	}
	return slices.Clone(t.Float), true
}

func fuseAddBiasIntoConv(s *graphState) (bool, error) {
	for _, conv := range s.graph.GetNode() {
		if conv.GetOpType() != "Conv" || len(conv.GetInput()) != 2 {
			continue
		}
		weight, ok := s.constant(conv.GetInput()[1])
		if !ok || len(weight.Shape) < 3 {
			continue
		}
		add := s.soleConsumer(conv.GetOutput()[0])
		if add == nil || add.GetOpType() != "Add" || len(add.GetInput()) != 2 {
			continue
		}
		other := add.GetInput()[0]
		if other == conv.GetOutput()[0] {
			other = add.GetInput()[1]
		}
		c, ok := s.constant(other)
		if !ok {
			continue
		}
		bias, ok := channelBias(c, weight.Shape[0], len(weight.Shape))
		if !ok {
			continue
		}
		biasName := s.addInitializer(conv.GetName()+"_bias", onnxgraph.NewFloat([]int{len(bias)}, bias))
		conv.Input = append(conv.Input, biasName)
		conv.Output[0] = add.GetOutput()[0]
		s.remove(add)
		return true, nil
	}
	return false, nil
}

func fuseBNIntoConv(s *graphState) (bool, error) {
	for _, conv := range s.graph.GetNode() {
		if conv.GetOpType() != "Conv" || len(conv.GetInput()) < 2 {
			continue
		}
		weight, ok := s.constant(conv.GetInput()[1])
		if !ok || weight.Type != onnx.TensorProto_FLOAT || len(weight.Shape) < 3 {
			continue
		}
		m := weight.Shape[0]
		var convBias []float32
		if len(conv.GetInput()) > 2 && conv.GetInput()[2] != "" {
			b, ok := s.constant(conv.GetInput()[2])
			if !ok || b.Len() != m {
				continue
			}
			convBias = b.Floats()
		}
		bn := s.soleConsumer(conv.GetOutput()[0])
		if bn == nil || bn.GetOpType() != "BatchNormalization" || len(bn.GetInput()) != 5 || bn.GetInput()[0] != conv.GetOutput()[0] {
			continue
		}
		if slices.ContainsFunc(bn.GetOutput()[1:], s.used) || onnxgraph.AttrInt(bn, "training_mode", 0) != 0 {
			continue
		}
		params := make([][]float32, 4)
		complete := true
		for i, name := range bn.GetInput()[1:] {
			t, ok := s.constant(name)
			if !ok || t.Len() != m {
				complete = false
				break
			}
			params[i] = t.Floats()
		}
		if !complete {
			continue
		}
		scale, beta, mean, variance := params[0], params[1], params[2], params[3]
		epsilon := float64(onnxgraph.AttrFloat(bn, "epsilon", 1e-5))

		folded := weight.Clone()
		bias := make([]float32, m)
		perChannel := weight.Len() / m
		for c := range m {
			k := float64(scale[c]) / math.Sqrt(float64(variance[c])+epsilon)
			for j := range perChannel {
				folded.Float[c*perChannel+j] = float32(float64(folded.Float[c*perChannel+j]) * k)
			}
			b := 0.0
			if convBias != nil {
				b = float64(convBias[c])
			}
			bias[c] = float32((b-float64(mean[c]))*k + float64(beta[c]))
		}
		weightName := s.replaceOrAdd(conv, conv.GetInput()[1], conv.GetInput()[1]+"_bn_folded", folded)
		biasName := s.replaceOrAdd(bn, bn.GetInput()[2], bn.GetInput()[2]+"_folded", onnxgraph.NewFloat([]int{m}, bias))
		conv.Input = []string{conv.GetInput()[0], weightName, biasName}
		conv.Output[0] = bn.GetOutput()[0]
		s.remove(bn)
		return true, nil
	}
	return false, nil
}

func fuseConsecutiveConcats(s *graphState) (bool, error) {
	for _, node := range s.graph.GetNode() {
		if node.GetOpType() != "Concat" {
			continue
		}
		axis := onnxgraph.AttrInt(node, "axis", 0)
		for i, in := range node.GetInput() {
			inner := s.producers[in]
			if inner == nil || inner.GetOpType() != "Concat" || onnxgraph.AttrInt(inner, "axis", 0) != axis {
				continue
			}
			// the inner concat must feed this one exactly once
			if s.soleConsumer(in) != node || slices.Contains(node.GetInput()[i+1:], in) {
				continue
			}
			inputs := slices.Concat(node.GetInput()[:i], inner.GetInput(), node.GetInput()[i+1:])
			node.Input = inputs
			s.remove(inner)
			return true, nil
		}
	}
	return false, nil
}

func squeezeAxes(s *graphState, node *onnx.NodeProto) ([]int64, bool, bool) {
	if len(node.GetInput()) > 1 && node.GetInput()[1] != "" {
		t, ok := s.constant(node.GetInput()[1])
		if !ok {
			return nil, true, false
		}
		axes, err := t.Ints()
		return axes, true, err == nil
	}
	axes := onnxgraph.AttrInts(node, "axes", nil)
	return axes, false, axes != nil
}

// composeSqueezeAxes maps axes of a second squeeze, given in the already squeezed shape, back to
// the original shape and merges them with the first squeeze's axes.
func composeSqueezeAxes(first, second []int64) []int64 {
	removed := map[int64]bool{}
	for _, a := range first {
		removed[a] = true
	}
	combined := slices.Clone(first)
	for _, a := range second {
		position := int64(-1)
		for original := int64(0); ; original++ {
			if removed[original] {
				continue
			}
			position++
			if position == a {
				combined = append(combined, original)
				break
			}
		}
	}
	slices.Sort(combined)
	return combined
}

func fuseConsecutiveSqueezes(s *graphState) (bool, error) {
	for _, outer := range s.graph.GetNode() {
		if outer.GetOpType() != "Squeeze" {
			continue
		}
		inner := s.producers[outer.GetInput()[0]]
		if inner == nil || inner.GetOpType() != "Squeeze" || s.soleConsumer(outer.GetInput()[0]) != outer {
			continue
		}
		first, _, ok1 := squeezeAxes(s, inner)
		second, asInput, ok2 := squeezeAxes(s, outer)
		negative := func(a int64) bool { return a < 0 }
		if !ok1 || !ok2 || slices.ContainsFunc(first, negative) || slices.ContainsFunc(second, negative) {
			continue
		}
		combined := composeSqueezeAxes(first, second)
		if asInput {
			axesName := s.addInitializer(outer.GetName()+"_axes", onnxgraph.NewInt64([]int{len(combined)}, combined))
			outer.Input = []string{inner.GetInput()[0], axesName}
		} else {
			outer.Input = []string{inner.GetInput()[0]}
			onnxgraph.SetAttribute(outer, onnxgraph.IntsAttr("axes", combined...))
		}
		s.remove(inner)
		return true, nil
	}
	return false, nil
}

func fuseConsecutiveTransposes(s *graphState) (bool, error) {
	for _, outer := range s.graph.GetNode() {
		if outer.GetOpType() != "Transpose" {
			continue
		}
		inner := s.producers[outer.GetInput()[0]]
		if inner == nil || inner.GetOpType() != "Transpose" || s.soleConsumer(outer.GetInput()[0]) != outer {
			continue
		}
		p1 := onnxgraph.AttrInts(inner, "perm", nil)
		p2 := onnxgraph.AttrInts(outer, "perm", nil)
		if p1 == nil || p2 == nil || len(p1) != len(p2) {
			continue
		}
		perm := make([]int64, len(p2))
		for i, p := range p2 {
			perm[i] = p1[p]
		}
		outer.Input[0] = inner.GetInput()[0]
		onnxgraph.SetAttribute(outer, onnxgraph.IntsAttr("perm", perm...))
		s.remove(inner)
		return true, nil
	}
	return false, nil
}

func fuseMatMulAddBiasIntoGemm(s *graphState) (bool, error) {
	for _, matmul := range s.graph.GetNode() {
		if matmul.GetOpType() != "MatMul" || len(matmul.GetInput()) != 2 {
			continue
		}
		b, ok := s.constant(matmul.GetInput()[1])
		if !ok || len(b.Shape) != 2 {
			continue
		}
		a := s.typeOf(matmul.GetInput()[0])
		if a == nil || len(a.Dims) != 2 {
			continue
		}
		add := s.soleConsumer(matmul.GetOutput()[0])
		if add == nil || add.GetOpType() != "Add" || len(add.GetInput()) != 2 {
			continue
		}
		other := add.GetInput()[0]
		if other == matmul.GetOutput()[0] {
			other = add.GetInput()[1]
		}
		c, ok := s.constant(other)
		n := b.Shape[1]
		if !ok || c.Len() != n || (len(c.Shape) != 1 && !(len(c.Shape) == 2 && c.Shape[0] == 1)) {
			continue
		}
		add.OpType = "Gemm"
		add.Name = onnxgraph.UniqueName(s.graph, matmul.GetName()+"_gemm")
		add.Input = []string{matmul.GetInput()[0], matmul.GetInput()[1], other}
		add.Attribute = nil
		s.remove(matmul)
		return true, nil
	}
	return false, nil
}

func fusePadIntoConv(s *graphState) (bool, error) {
	for _, pad := range s.graph.GetNode() {
		if pad.GetOpType() != "Pad" || onnxgraph.AttrString(pad, "mode", "constant") != "constant" {
			continue
		}
		if len(pad.GetInput()) > 2 && pad.GetInput()[2] != "" {
			value, ok := s.constant(pad.GetInput()[2])
			if !ok || value.Len() != 1 || value.Floats()[0] != 0 {
				continue
			}
		}
		pads, ok := padsOf(s, pad)
		if !ok || len(pads) != 8 || pads[0] != 0 || pads[1] != 0 || pads[4] != 0 || pads[5] != 0 {
			continue
		}
		if slices.ContainsFunc(pads, func(p int64) bool { return p < 0 }) {
			continue
		}
		conv := s.soleConsumer(pad.GetOutput()[0])
		if conv == nil || conv.GetOpType() != "Conv" || conv.GetInput()[0] != pad.GetOutput()[0] {
			continue
		}
		if autoPad := onnxgraph.AttrString(conv, "auto_pad", "NOTSET"); autoPad != "NOTSET" {
			continue
		}
		convPads := onnxgraph.AttrInts(conv, "pads", []int64{0, 0, 0, 0})
		if len(convPads) != 4 {
			continue
		}
		merged := []int64{convPads[0] + pads[2], convPads[1] + pads[3], convPads[2] + pads[6], convPads[3] + pads[7]}
		onnxgraph.SetAttribute(conv, onnxgraph.IntsAttr("pads", merged...))
		conv.Input[0] = pad.GetInput()[0]
		s.remove(pad)
		return true, nil
	}
	return false, nil
}

// noFold lists operators kept even when all their inputs are constant, so quantized weights
// stay in their compact form.
var noFold = map[string]bool{"QuantizeLinear": true, "DequantizeLinear": true, "Constant": true}

func foldConstants(s *graphState) (bool, error) {
	registry := executor.DefaultRegistry()
	for _, node := range s.graph.GetNode() {
		if noFold[node.GetOpType()] || len(node.GetInput()) == 0 || !registry.Supports(node) {
			continue
		}
		if slices.ContainsFunc(node.GetOutput(), func(o string) bool { return s.outputs[o] }) {
			continue
		}
		inputs := make([]*onnxgraph.Tensor, len(node.GetInput()))
		foldable := true
		for i, name := range node.GetInput() {
			if name == "" {
				continue
			}
			t, ok := s.constant(name)
			if !ok {
				foldable = false
				break
			}
			inputs[i] = t
		}
		if !foldable {
			continue
		}
		values, err := registry.Execute(node, inputs)
		if err != nil {
			continue
		}
		complete := true
		for i, out := range node.GetOutput() {
			complete = complete && (out == "" || (i < len(values) && values[i] != nil))
		}
		if !complete {
			continue
		}
		for i, out := range node.GetOutput() {
			if out != "" {
				onnxgraph.SetInitializer(s.graph, values[i].Proto(out))
			}
		}
		s.remove(node)
		return true, nil
	}
	return false, nil
}
