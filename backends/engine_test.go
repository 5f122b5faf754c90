package backends

import (
	"path/filepath"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/options"
)

// writeActivationModel saves input[batch_size,3] -> Relu -> Sigmoid -> output.
func writeActivationModel(t *testing.T) string {
	t.Helper()
	b := onnxgraph.NewBuilder("activations")
	x := b.Input("input", onnx.TensorProto_FLOAT, onnxgraph.Symbolic("batch_size"), onnxgraph.Fixed(3))
	y := b.Op("Sigmoid", []string{b.Op("Relu", []string{x})})
	b.Rename(y, "output")
	b.Output("output", onnx.TensorProto_FLOAT, onnxgraph.Symbolic("batch_size"), onnxgraph.Fixed(3))
	path := filepath.Join(t.TempDir(), "activations.onnx")
	_, err := onnxgraph.Save(b.Model(7, 13, "test", "0"), path)
	require.NoError(t, err)
	return path
}

func checkActivationOutput(t *testing.T, y *onnxgraph.Tensor) {
	t.Helper()
	require.Equal(t, []int{1, 3}, y.Shape)
	assert.InDelta(t, 0.5, y.Float[0], 1e-6)
	assert.InDelta(t, 0.5, y.Float[1], 1e-6)
	assert.InDelta(t, 0.880797, y.Float[2], 1e-5)
}

func TestGoEngine(t *testing.T) {
	o, err := options.Apply(options.BackendGo)
	require.NoError(t, err)
	engine, err := NewEngine(o)
	require.NoError(t, err)
	defer func() { assert.NoError(t, engine.Destroy()) }()
	assert.Equal(t, "GO", engine.Name())

	runner, err := engine.Load(writeActivationModel(t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, runner.Destroy()) }()

	require.Len(t, runner.Inputs(), 1)
	assert.Equal(t, "input", runner.Inputs()[0].Name)
	assert.Equal(t, NewShape(-1, 3), runner.Inputs()[0].Dimensions)
	assert.Equal(t, NewShape(-1, 3), runner.Outputs()[0].Dimensions)

	y, err := RunSingle(runner, onnxgraph.NewFloat([]int{1, 3}, []float32{-1, 0, 2}))
	require.NoError(t, err)
	checkActivationOutput(t, y)

	_, err = runner.Run(map[string]*onnxgraph.Tensor{"other": onnxgraph.NewFloat([]int{1, 3}, nil)})
	assert.ErrorContains(t, err, "missing input input")
	_, err = runner.Run(map[string]*onnxgraph.Tensor{
		"input": onnxgraph.NewFloat([]int{1, 3}, nil),
		"extra": onnxgraph.NewFloat([]int{1, 3}, nil),
	})
	assert.ErrorContains(t, err, "unknown inputs [extra]")

	_, err = RunSingle(runner, onnxgraph.NewFloat([]int{2, 4}, make([]float32, 8)))
	assert.ErrorContains(t, err, "input input has shape [2 4], graph declares [-1 3]")
	_, err = RunSingle(runner, onnxgraph.NewFloat([]int{3}, make([]float32, 3)))
	assert.Error(t, err)
	y, err = RunSingle(runner, onnxgraph.NewFloat([]int{2, 3}, make([]float32, 6)))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, y.Shape)
}

func TestShapeMatches(t *testing.T) {
	assert.True(t, NewShape(-1, 3, 16, 16).Matches([]int{4, 3, 16, 16}))
	assert.True(t, NewShape(1, 3).Matches([]int{1, 3}))
	assert.False(t, NewShape(-1, 3, 16, 16).Matches([]int{1, 3, 32, 32}))
	assert.False(t, NewShape(-1, 3).Matches([]int{1, 3, 1}))
}

func TestGoEngineMissingFile(t *testing.T) {
	_, err := NewGoEngine().Load(filepath.Join(t.TempDir(), "absent.onnx"))
	assert.Error(t, err)
}

func TestNewEngineUnknownBackend(t *testing.T) {
	_, err := NewEngine(&options.Options{Backend: "TPU"})
	assert.Error(t, err)
}
