package onnxgraph

import (
	"path/filepath"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// convModel builds input[batch,3,8,8] -> Conv(4x3x3x3, pad 1) -> Relu -> MaxPool(2) -> output.
func convModel(t *testing.T) *onnx.ModelProto {
	t.Helper()
	b := NewBuilder("conv")
	x := b.Input("input", onnx.TensorProto_FLOAT, Symbolic("batch_size"), Fixed(3), Fixed(8), Fixed(8))
	w := b.Initializer("w", NewFloat([]int{4, 3, 3, 3}, nil))
	conv := b.Op("Conv", []string{x, w}, IntsAttr("pads", 1, 1, 1, 1), IntsAttr("kernel_shape", 3, 3))
	relu := b.Op("Relu", []string{conv})
	b.Node("MaxPool", []string{relu}, []string{"output"}, IntsAttr("kernel_shape", 2, 2), IntsAttr("strides", 2, 2))
	b.Output("output", onnx.TensorProto_FLOAT, Symbolic("batch_size"), Fixed(4), Fixed(4), Fixed(4))
	return b.Model(7, 13, "test", "0")
}

func TestSaveLoadCheck(t *testing.T) {
	model := convModel(t)
	require.NoError(t, Check(model))

	path := filepath.Join(t.TempDir(), "models", "conv.onnx")
	size, err := Save(model, path)
	require.NoError(t, err)
	assert.Positive(t, size)

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Check(loaded))
	assert.Equal(t, int64(13), Opset(loaded))
	assert.Equal(t, []string{"input"}, GraphInputNames(loaded.GetGraph()))
	assert.Equal(t, int64(4*3*3*3), ParameterCount(loaded.GetGraph()))
}

func TestCheckFindsProblems(t *testing.T) {
	model := convModel(t)
	graph := model.GetGraph()
	graph.Node[1].Input[0] = "nowhere"
	graph.Output = append(graph.Output, ValueInfo("ghost", onnx.TensorProto_FLOAT, nil))
	graph.Initializer[0].RawData = graph.Initializer[0].RawData[:8]

	err := Check(model)
	require.Error(t, err)
	assert.True(t, IsCheckError(err))
	var checkErr *CheckError
	require.ErrorAs(t, err, &checkErr)
	assert.Len(t, checkErr.Problems, 3)

	_, err = Decode([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestSortNodes(t *testing.T) {
	model := convModel(t)
	graph := model.GetGraph()
	graph.Node[0], graph.Node[2] = graph.Node[2], graph.Node[0]
	assert.Error(t, Check(model))

	require.NoError(t, SortNodes(graph))
	assert.Equal(t, []string{"Conv", "Relu", "MaxPool"}, []string{graph.Node[0].OpType, graph.Node[1].OpType, graph.Node[2].OpType})
	require.NoError(t, Check(model))

	graph.Node[0].Input[0] = graph.Node[2].Output[0]
	assert.Error(t, SortNodes(graph))
}

func TestInferShapes(t *testing.T) {
	model := convModel(t)
	known, err := InferShapes(model)
	require.NoError(t, err)

	conv := known["Conv_output_1"]
	require.NotNil(t, conv)
	assert.Equal(t, []Dim{Symbolic("batch_size"), Fixed(4), Fixed(8), Fixed(8)}, conv.Dims)
	out := known["output"]
	require.NotNil(t, out)
	assert.Equal(t, []Dim{Symbolic("batch_size"), Fixed(4), Fixed(4), Fixed(4)}, out.Dims)
	// graph outputs are declared already, only intermediates are annotated
	assert.Len(t, model.GetGraph().GetValueInfo(), 2)
}

func TestTensorProto(t *testing.T) {
	f := NewFloat([]int{2, 2}, []float32{1, -2.5, 3, 0})
	back, err := FromProto(f.Proto("f"))
	require.NoError(t, err)
	assert.Equal(t, f.Float, back.Float)
	assert.Equal(t, []int{2, 2}, back.Shape)

	i8 := NewInt8([]int{3}, []int8{-128, 0, 127})
	back, err = FromProto(i8.Proto("q"))
	require.NoError(t, err)
	assert.Equal(t, i8.Int8, back.Int8)

	// float_data encoding written by other tools
	tp := &onnx.TensorProto{Name: "legacy", Dims: []int64{2}, DataType: int32(onnx.TensorProto_FLOAT), FloatData: []float32{4, 5}}
	back, err = FromProto(tp)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5}, back.Float)

	scalar := NewInt64(nil, []int64{7})
	assert.Equal(t, 1, scalar.Len())
	ints, err := scalar.Ints()
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ints)

	_, err = f.Reshape([]int{3})
	assert.Error(t, err)
}
