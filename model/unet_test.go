package model

import (
	"path/filepath"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/executor"
	"github.com/knights-analytics/segport/onnxgraph"
)

func TestSpecs(t *testing.T) {
	specs, err := Specs(3, 1, DefaultFeatures)
	require.NoError(t, err)
	shapes := map[string][]int{}
	for _, s := range specs {
		shapes[s.Name] = s.Shape
	}
	assert.Equal(t, []int{3, 1, 3, 3}, shapes["enc1.conv1.depthwise.weight"])
	assert.Equal(t, []int{16, 3, 1, 1}, shapes["enc1.conv1.pointwise.weight"])
	assert.Equal(t, []int{256}, shapes["bottleneck.1.bn.running_var"])
	assert.Equal(t, []int{256, 128, 2, 2}, shapes["dec4.up.weight"])
	assert.Equal(t, []int{128, 64, 2, 2}, shapes["dec3.up.weight"])
	assert.Equal(t, []int{256, 1, 3, 3}, shapes["dec4.conv1.depthwise.weight"])
	assert.Equal(t, []int{128, 256, 1, 1}, shapes["dec4.conv1.pointwise.weight"])
	assert.Equal(t, []int{32, 1, 3, 3}, shapes["dec1.conv1.depthwise.weight"])
	assert.Equal(t, []int{1, 16, 1, 1}, shapes["output_conv.weight"])

	_, err = Specs(3, 1, nil)
	assert.Error(t, err)
	_, err = Specs(3, 1, []int{4, 5})
	assert.Error(t, err)
}

func TestParameterCount(t *testing.T) {
	u, err := NewUNet(3, 1, []int{4, 8}, 1)
	require.NoError(t, err)
	// enc1: dw 27 + pw 12 + bn 8, dw 36 + pw 16 + bn 8
	// enc2: dw 36 + pw 32 + bn 16, dw 72 + pw 64 + bn 16
	// bottleneck: dw 72 + pw 128 + bn 32, dw 144 + pw 256 + bn 32
	// dec2: up 16*8*4+8, conv1 dw 144 + pw 128 + bn 16, conv2 dw 72 + pw 64 + bn 16
	// dec1: up 8*4*4+4, conv1 dw 72 + pw 32 + bn 8, conv2 dw 36 + pw 16 + bn 8
	// output: 4 + 1
	want := int64(47 + 60 + 84 + 152 + 232 + 432 + 520 + 288 + 152 + 132 + 112 + 60 + 5)
	assert.Equal(t, want, u.ParameterCount())
}

func TestTraceRunsAtValidResolution(t *testing.T) {
	u, err := NewUNet(3, 1, []int{4, 8}, 7)
	require.NoError(t, err)
	require.Error(t, u.ValidateResolution(6))
	require.NoError(t, u.ValidateResolution(8))

	b := onnxgraph.NewBuilder("unet")
	x := b.Input("input", onnx.TensorProto_FLOAT, onnxgraph.Symbolic("batch_size"), onnxgraph.Fixed(3), onnxgraph.Fixed(8), onnxgraph.Fixed(8))
	_, err = u.Trace(b, x, 6)
	require.Error(t, err)

	b = onnxgraph.NewBuilder("unet")
	x = b.Input("input", onnx.TensorProto_FLOAT, onnxgraph.Symbolic("batch_size"), onnxgraph.Fixed(3), onnxgraph.Fixed(8), onnxgraph.Fixed(8))
	y, err := u.Trace(b, x, 8)
	require.NoError(t, err)
	b.Rename(y, "output")
	b.Output("output", onnx.TensorProto_FLOAT, onnxgraph.Symbolic("batch_size"), onnxgraph.Fixed(1), onnxgraph.Fixed(8), onnxgraph.Fixed(8))
	m := b.Model(7, 13, "test", "0")
	require.NoError(t, onnxgraph.Check(m))

	session, err := executor.NewSession(m)
	require.NoError(t, err)
	in := onnxgraph.NewFloat([]int{2, 3, 8, 8}, nil)
	for i := range in.Float {
		in.Float[i] = float32(i%7) / 7
	}
	out, err := session.Run(map[string]*onnxgraph.Tensor{"input": in})
	require.NoError(t, err)
	y8 := out["output"]
	require.Equal(t, []int{2, 1, 8, 8}, y8.Shape)
	for _, v := range y8.Float {
		assert.True(t, v >= 0 && v <= 1)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	u, err := NewUNet(3, 1, []int{4, 8}, 3)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ckpt", "best.json")
	require.NoError(t, NewCheckpoint(u, map[string]any{"val_iou": 0.81, "epoch": 12}).Save(path))

	checkpoint, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"epoch", "val_iou"}, checkpoint.MetricNames())
	loaded, err := checkpoint.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8}, loaded.Features())
	assert.Equal(t, u.ParameterCount(), loaded.ParameterCount())
	assert.Equal(t, u.params["dec1.up.weight"].Float, loaded.params["dec1.up.weight"].Float)

	// widths that do not match the stored weights fail
	_, err = checkpoint.Load([]int{8, 16})
	assert.Error(t, err)
}

func TestFromStateDictErrors(t *testing.T) {
	u, err := NewUNet(3, 1, []int{4, 8}, 3)
	require.NoError(t, err)
	state := u.StateDict()
	delete(state, "output_conv.bias")
	state["enc1.conv1.bn.num_batches_tracked"] = onnxgraph.NewFloat([]int{1}, nil)
	_, err = FromStateDict(3, 1, []int{4, 8}, state)
	assert.ErrorIs(t, err, ErrMissingWeight)

	state = u.StateDict()
	state["enc1.conv1.bn.num_batches_tracked"] = onnxgraph.NewFloat([]int{1}, nil)
	_, err = FromStateDict(3, 1, []int{4, 8}, state)
	assert.NoError(t, err)

	state["head.weight"] = onnxgraph.NewFloat([]int{1}, nil)
	_, err = FromStateDict(3, 1, []int{4, 8}, state)
	assert.ErrorContains(t, err, "unexpected weight head.weight")
}
