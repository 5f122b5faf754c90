package onnxgraph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"

	"github.com/knights-analytics/segport/util/fileutil"
)

var ErrNoGraph = errors.New("model has no graph")

func Decode(data []byte) (*onnx.ModelProto, error) {
	model := &onnx.ModelProto{}
	if err := proto.Unmarshal(data, model); err != nil {
		return nil, fmt.Errorf("decoding onnx model: %w", err)
	}
	if model.GetGraph() == nil {
		return nil, ErrNoGraph
	}
	return model, nil
}

func Encode(model *onnx.ModelProto) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(model)
}

// Load reads and decodes a serialized model from a local path or s3 URL.
func Load(path string) (*onnx.ModelProto, error) {
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	model, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return model, nil
}

// Save serializes model to path, creating parent directories, and returns the written size.
func Save(model *onnx.ModelProto, path string) (int64, error) {
	data, err := Encode(model)
	if err != nil {
		return 0, fmt.Errorf("encoding onnx model: %w", err)
	}
	if err = fileutil.WriteFileBytes(path, data); err != nil {
		return 0, fmt.Errorf("writing %s: %w", path, err)
	}
	return int64(len(data)), nil
}

func Clone(model *onnx.ModelProto) *onnx.ModelProto {
	return proto.Clone(model).(*onnx.ModelProto)
}

// Opset returns the imported version of the default operator domain, or 0.
func Opset(model *onnx.ModelProto) int64 {
	for _, imp := range model.GetOpsetImport() {
		if imp.GetDomain() == "" || imp.GetDomain() == "ai.onnx" {
			return imp.GetVersion()
		}
	}
	return 0
}

func Initializers(graph *onnx.GraphProto) map[string]*onnx.TensorProto {
	out := make(map[string]*onnx.TensorProto, len(graph.GetInitializer()))
	for _, init := range graph.GetInitializer() {
		out[init.GetName()] = init
	}
	return out
}

// Producers maps every node output name to the node producing it.
func Producers(graph *onnx.GraphProto) map[string]*onnx.NodeProto {
	out := map[string]*onnx.NodeProto{}
	for _, node := range graph.GetNode() {
		for _, o := range node.GetOutput() {
			if o != "" {
				out[o] = node
			}
		}
	}
	return out
}

// Consumers maps every value name to the nodes reading it, in node order.
func Consumers(graph *onnx.GraphProto) map[string][]*onnx.NodeProto {
	out := map[string][]*onnx.NodeProto{}
	for _, node := range graph.GetNode() {
		for _, in := range node.GetInput() {
			if in != "" && !slices.Contains(out[in], node) {
				out[in] = append(out[in], node)
			}
		}
	}
	return out
}

func GraphOutputNames(graph *onnx.GraphProto) map[string]bool {
	out := map[string]bool{}
	for _, o := range graph.GetOutput() {
		out[o.GetName()] = true
	}
	return out
}

// GraphInputNames returns the names of the runtime inputs, excluding inputs backed by an initializer.
func GraphInputNames(graph *onnx.GraphProto) []string {
	inits := Initializers(graph)
	var names []string
	for _, in := range graph.GetInput() {
		if _, ok := inits[in.GetName()]; !ok {
			names = append(names, in.GetName())
		}
	}
	return names
}

// RenameValue renames a value everywhere it is produced or consumed, including graph outputs.
func RenameValue(graph *onnx.GraphProto, from, to string) {
	for _, node := range graph.GetNode() {
		for i, in := range node.GetInput() {
			if in == from {
				node.Input[i] = to
			}
		}
		for i, out := range node.GetOutput() {
			if out == from {
				node.Output[i] = to
			}
		}
	}
	for _, o := range graph.GetOutput() {
		if o.GetName() == from {
			o.Name = to
		}
	}
	for _, vi := range graph.GetValueInfo() {
		if vi.GetName() == from {
			vi.Name = to
		}
	}
}

// ReplaceUses points every consumer of from at to. Producers and graph outputs are left alone.
func ReplaceUses(graph *onnx.GraphProto, from, to string) {
	for _, node := range graph.GetNode() {
		for i, in := range node.GetInput() {
			if in == from {
				node.Input[i] = to
			}
		}
	}
}

// UniqueName returns base, or base with a numeric suffix, not yet used by any value or node in graph.
func UniqueName(graph *onnx.GraphProto, base string) string {
	used := map[string]bool{}
	for _, init := range graph.GetInitializer() {
		used[init.GetName()] = true
	}
	for _, vi := range graph.GetInput() {
		used[vi.GetName()] = true
	}
	for _, vi := range graph.GetOutput() {
		used[vi.GetName()] = true
	}
	for _, node := range graph.GetNode() {
		used[node.GetName()] = true
		for _, o := range node.GetOutput() {
			used[o] = true
		}
	}
	if !used[base] {
		return base
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s_%d", base, i)
		if !used[name] {
			return name
		}
	}
}

// RemoveNodes drops the given nodes from the graph, preserving the order of the rest.
func RemoveNodes(graph *onnx.GraphProto, remove map[*onnx.NodeProto]bool) {
	if len(remove) == 0 {
		return
	}
	graph.Node = slices.DeleteFunc(graph.Node, func(n *onnx.NodeProto) bool { return remove[n] })
}

// SetInitializer adds or replaces the initializer with tp's name.
func SetInitializer(graph *onnx.GraphProto, tp *onnx.TensorProto) {
	for i, init := range graph.GetInitializer() {
		if init.GetName() == tp.GetName() {
			graph.Initializer[i] = tp
			return
		}
	}
	graph.Initializer = append(graph.Initializer, tp)
}

// ConstantInput decodes a node input if it is backed by an initializer.
func ConstantInput(inits map[string]*onnx.TensorProto, name string) (*Tensor, bool) {
	tp, ok := inits[name]
	if !ok {
		return nil, false
	}
	t, err := FromProto(tp)
	if err != nil {
		return nil, false
	}
	return t, true
}

// ParameterCount sums the element counts of all float initializers.
func ParameterCount(graph *onnx.GraphProto) int64 {
	var n int64
	for _, init := range graph.GetInitializer() {
		if onnx.TensorProto_DataType(init.GetDataType()) != onnx.TensorProto_FLOAT {
			continue
		}
		count := int64(1)
		for _, d := range init.GetDims() {
			count *= d
		}
		n += count
	}
	return n
}
