package model

import (
	"github.com/knights-analytics/segport/onnxgraph"
)

// Model is a network whose forward computation can be traced into an ONNX graph.
type Model interface {
	// Name identifies the architecture in logs and graph metadata.
	Name() string
	// Trace emits the forward computation for an input of spatial size imageSize,
	// reading from the value named input and returning the name of the produced value.
	Trace(b *onnxgraph.Builder, input string, imageSize int) (string, error)
	// ParameterCount is the number of scalar weights the model holds.
	ParameterCount() int64
	InChannels() int
	OutChannels() int
}
