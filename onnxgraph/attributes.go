package onnxgraph

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx/onnx"
)

func Attribute(node *onnx.NodeProto, name string) *onnx.AttributeProto {
	for _, a := range node.GetAttribute() {
		if a.GetName() == name {
			return a
		}
	}
	return nil
}

func AttrInt(node *onnx.NodeProto, name string, def int64) int64 {
	if a := Attribute(node, name); a != nil {
		return a.GetI()
	}
	return def
}

func AttrFloat(node *onnx.NodeProto, name string, def float32) float32 {
	if a := Attribute(node, name); a != nil {
		return a.GetF()
	}
	return def
}

func AttrString(node *onnx.NodeProto, name string, def string) string {
	if a := Attribute(node, name); a != nil {
		return string(a.GetS())
	}
	return def
}

// AttrInts returns a copy of an INTS attribute, or def when it is absent.
func AttrInts(node *onnx.NodeProto, name string, def []int64) []int64 {
	if a := Attribute(node, name); a != nil {
		return append([]int64(nil), a.GetInts()...)
	}
	return def
}

func AttrTensor(node *onnx.NodeProto, name string) (*Tensor, error) {
	a := Attribute(node, name)
	if a == nil || a.GetT() == nil {
		return nil, fmt.Errorf("node %q has no tensor attribute %q", node.GetName(), name)
	}
	return FromProto(a.GetT())
}

func SetAttribute(node *onnx.NodeProto, attr *onnx.AttributeProto) {
	for i, a := range node.GetAttribute() {
		if a.GetName() == attr.GetName() {
			node.Attribute[i] = attr
			return
		}
	}
	node.Attribute = append(node.Attribute, attr)
}

func IntAttr(name string, v int64) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_INT, I: v}
}

func IntsAttr(name string, v ...int64) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_INTS, Ints: v}
}

func FloatAttr(name string, v float32) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_FLOAT, F: v}
}

func StringAttr(name string, v string) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_STRING, S: []byte(v)}
}

func TensorAttr(name string, t *Tensor) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_TENSOR, T: t.Proto("")}
}

// ToInts converts int64 attribute values to ints.
func ToInts(v []int64) []int {
	out := make([]int, len(v))
	for i, e := range v {
		out[i] = int(e)
	}
	return out
}
