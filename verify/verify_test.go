package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/backends"
	"github.com/knights-analytics/segport/export"
	"github.com/knights-analytics/segport/model"
	"github.com/knights-analytics/segport/onnxgraph"
)

const size = 16

func saveGraph(t *testing.T, b *onnxgraph.Builder) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.onnx")
	_, err := onnxgraph.Save(b.Model(7, 13, "test", "0"), path)
	require.NoError(t, err)
	return path
}

func imageInput(b *onnxgraph.Builder) string {
	return b.Input("input", onnx.TensorProto_FLOAT, onnxgraph.Symbolic("batch_size"), onnxgraph.Fixed(3), onnxgraph.Fixed(size), onnxgraph.Fixed(size))
}

func TestVerifyExportedModel(t *testing.T) {
	u, err := model.NewUNet(3, 1, []int{4, 8}, 3)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "seg.onnx")
	_, err = (&export.Exporter{}).Export(context.Background(), u, path, size)
	require.NoError(t, err)

	report, err := (&Verifier{Repetitions: 2}).Verify(context.Background(), path, size)
	require.NoError(t, err)
	assert.Equal(t, int64(export.IRVersion), report.IRVersion)
	assert.Equal(t, int64(export.DefaultOpset), report.Opset)
	assert.Equal(t, export.Producer, report.Producer)
	require.Len(t, report.Inputs, 1)
	assert.Equal(t, "input", report.Inputs[0].Name)
	assert.Equal(t, backends.NewShape(-1, 3, size, size), report.Inputs[0].Dimensions)
	require.Len(t, report.Outputs, 1)
	assert.Equal(t, "output", report.Outputs[0].Name)
	assert.Equal(t, backends.NewShape(-1, 1, size, size), report.Outputs[0].Dimensions)
	assert.Equal(t, []int{1, 1, size, size}, report.OutputShape)
	assert.GreaterOrEqual(t, report.Min, float32(0))
	assert.LessOrEqual(t, report.Max, float32(1))
	assert.LessOrEqual(t, report.Min, report.Mean)
	assert.Equal(t, 2, report.Repetitions)
	assert.Positive(t, report.MeanLatency)
	assert.Positive(t, report.FPS())
	assert.Positive(t, report.Parameters)
}

func TestVerifyRejectsWrongShape(t *testing.T) {
	b := onnxgraph.NewBuilder("wrong-shape")
	b.Rename(b.Op("Sigmoid", []string{imageInput(b)}), "output")
	b.Output("output", onnx.TensorProto_FLOAT, onnxgraph.Symbolic("batch_size"), onnxgraph.Fixed(3), onnxgraph.Fixed(size), onnxgraph.Fixed(size))

	_, err := (&Verifier{Repetitions: 1}).Verify(context.Background(), saveGraph(t, b), size)
	var vErr *VerificationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, err.Error(), "output is declared as [-1 3 16 16]")
}

func TestVerifyRejectsOtherResolution(t *testing.T) {
	u, err := model.NewUNet(3, 1, []int{4, 8}, 3)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "seg.onnx")
	_, err = (&export.Exporter{}).Export(context.Background(), u, path, size)
	require.NoError(t, err)

	_, err = (&Verifier{Repetitions: 1}).Verify(context.Background(), path, 2*size)
	var vErr *VerificationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, err.Error(), "input is declared as [-1 3 16 16], want [1 3 32 32]")
}

func TestVerifyRejectsValuesOutsideUnitRange(t *testing.T) {
	b := onnxgraph.NewBuilder("logits")
	w := b.Initializer("w", onnxgraph.NewFloat([]int{1, 3, 1, 1}, []float32{1, 1, 1}))
	b.Rename(b.Op("Conv", []string{imageInput(b), w}, onnxgraph.IntsAttr("kernel_shape", 1, 1)), "output")
	b.Output("output", onnx.TensorProto_FLOAT, onnxgraph.Symbolic("batch_size"), onnxgraph.Fixed(1), onnxgraph.Fixed(size), onnxgraph.Fixed(size))

	_, err := (&Verifier{Repetitions: 1}).Verify(context.Background(), saveGraph(t, b), size)
	var vErr *VerificationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, err.Error(), "outside [0, 1]")
}

func TestVerifyRejectsBrokenGraphs(t *testing.T) {
	garbage := filepath.Join(t.TempDir(), "garbage.onnx")
	require.NoError(t, os.WriteFile(garbage, []byte("not a graph"), 0o644))
	_, err := (&Verifier{}).Verify(context.Background(), garbage, size)
	var vErr *VerificationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, garbage, vErr.Path)

	b := onnxgraph.NewBuilder("dangling")
	b.Op("Relu", []string{imageInput(b)})
	b.Output("output", onnx.TensorProto_FLOAT, onnxgraph.Fixed(1), onnxgraph.Fixed(1), onnxgraph.Fixed(size), onnxgraph.Fixed(size))
	_, err = (&Verifier{}).Verify(context.Background(), saveGraph(t, b), size)
	require.ErrorAs(t, err, &vErr)
	assert.True(t, onnxgraph.IsCheckError(err))

	_, err = (&Verifier{}).Verify(context.Background(), filepath.Join(t.TempDir(), "missing.onnx"), size)
	require.ErrorAs(t, err, &vErr)
}
