package onnxgraph

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx/onnx"
)

// Dim is one dimension of a declared tensor shape: a fixed Value, or a symbolic Param.
type Dim struct {
	Value int64
	Param string
}

func Fixed(v int) Dim { return Dim{Value: int64(v)} }

func Symbolic(name string) Dim { return Dim{Param: name} }

func (d Dim) Known() bool { return d.Param == "" && d.Value > 0 }

func (d Dim) String() string {
	if d.Param != "" {
		return d.Param
	}
	if d.Value <= 0 {
		return "?"
	}
	return fmt.Sprint(d.Value)
}

// ValueInfo declares a tensor value with its element type and shape.
func ValueInfo(name string, elemType onnx.TensorProto_DataType, dims []Dim) *onnx.ValueInfoProto {
	shape := &onnx.TensorShapeProto{}
	for _, d := range dims {
		dim := &onnx.TensorShapeProto_Dimension{}
		if d.Param != "" {
			dim.Value = &onnx.TensorShapeProto_Dimension_DimParam{DimParam: d.Param}
		} else if d.Value > 0 {
			dim.Value = &onnx.TensorShapeProto_Dimension_DimValue{DimValue: d.Value}
		}
		shape.Dim = append(shape.Dim, dim)
	}
	return &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{
			Value: &onnx.TypeProto_TensorType{
				TensorType: &onnx.TypeProto_Tensor{ElemType: int32(elemType), Shape: shape},
			},
		},
	}
}

// DeclaredShape reads the element type and dims of a value info. Unknown dims have Value 0.
func DeclaredShape(vi *onnx.ValueInfoProto) (onnx.TensorProto_DataType, []Dim) {
	tensorType := vi.GetType().GetTensorType()
	elemType := onnx.TensorProto_DataType(tensorType.GetElemType())
	if tensorType.GetShape() == nil {
		return elemType, nil
	}
	dims := make([]Dim, 0, len(tensorType.GetShape().GetDim()))
	for _, d := range tensorType.GetShape().GetDim() {
		dims = append(dims, Dim{Value: d.GetDimValue(), Param: d.GetDimParam()})
	}
	return elemType, dims
}

// Builder assembles a graph node by node, naming intermediate values and nodes uniquely.
type Builder struct {
	graph  *onnx.GraphProto
	counts map[string]int
	opsets map[string]int64
}

func NewBuilder(name string) *Builder {
	return &Builder{
		graph:  &onnx.GraphProto{Name: name},
		counts: map[string]int{},
		opsets: map[string]int64{},
	}
}

func (b *Builder) Input(name string, elemType onnx.TensorProto_DataType, dims ...Dim) string {
	b.graph.Input = append(b.graph.Input, ValueInfo(name, elemType, dims))
	return name
}

func (b *Builder) Output(name string, elemType onnx.TensorProto_DataType, dims ...Dim) {
	b.graph.Output = append(b.graph.Output, ValueInfo(name, elemType, dims))
}

func (b *Builder) Initializer(name string, t *Tensor) string {
	b.graph.Initializer = append(b.graph.Initializer, t.Proto(name))
	return name
}

func (b *Builder) next(prefix string) string {
	b.counts[prefix]++
	return fmt.Sprintf("%s_%d", prefix, b.counts[prefix])
}

// Node appends a node with explicit output names.
func (b *Builder) Node(opType string, inputs, outputs []string, attrs ...*onnx.AttributeProto) *onnx.NodeProto {
	node := &onnx.NodeProto{
		Name:      b.next(opType),
		OpType:    opType,
		Input:     inputs,
		Output:    outputs,
		Attribute: attrs,
	}
	b.graph.Node = append(b.graph.Node, node)
	return node
}

// Op appends a single-output node and returns the generated output name.
func (b *Builder) Op(opType string, inputs []string, attrs ...*onnx.AttributeProto) string {
	out := b.next(opType + "_output")
	b.Node(opType, inputs, []string{out}, attrs...)
	return out
}

// Rename changes the name of an already produced value, including references from later nodes.
func (b *Builder) Rename(from, to string) {
	RenameValue(b.graph, from, to)
}

func (b *Builder) RequireOpset(domain string, version int64) {
	b.opsets[domain] = max(b.opsets[domain], version)
}

func (b *Builder) Graph() *onnx.GraphProto { return b.graph }

// Model wraps the graph in a model importing the default domain at opset.
func (b *Builder) Model(irVersion, opset int64, producer, producerVersion string) *onnx.ModelProto {
	imports := []*onnx.OperatorSetIdProto{{Domain: "", Version: opset}}
	for domain, version := range b.opsets {
		if domain != "" {
			imports = append(imports, &onnx.OperatorSetIdProto{Domain: domain, Version: version})
		}
	}
	return &onnx.ModelProto{
		IrVersion:       irVersion,
		OpsetImport:     imports,
		ProducerName:    producer,
		ProducerVersion: producerVersion,
		Graph:           b.graph,
	}
}
