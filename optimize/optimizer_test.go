package optimize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/export"
	"github.com/knights-analytics/segport/model"
	"github.com/knights-analytics/segport/onnxgraph"
)

func exportSegmentation(t *testing.T) string {
	t.Helper()
	u, err := model.NewUNet(3, 1, []int{4, 8}, 11)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "seg.onnx")
	_, err = (&export.Exporter{}).Export(context.Background(), u, path, 16)
	require.NoError(t, err)
	return path
}

func segmentationGraph(t *testing.T) *onnx.ModelProto {
	t.Helper()
	m, err := onnxgraph.Load(exportSegmentation(t))
	require.NoError(t, err)
	return m
}

func unavailableTier(name string) Tier {
	return Tier{Name: name, Run: func(context.Context, string, string) error { return ErrUnavailable }}
}

func TestOptimizeUsesRewriteWhenRuntimeUnavailable(t *testing.T) {
	in := exportSegmentation(t)
	out := filepath.Join(filepath.Dir(in), "optimized", "seg.onnx")
	o := &Optimizer{Tiers: []Tier{unavailableTier("onnxruntime"), RewriteTier(Passes...), CopyTier()}}
	result, err := o.Optimize(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, "rewrite", result.Tier)
	assert.False(t, result.Fallback)
	require.Len(t, result.Attempts, 1)
	assert.ErrorIs(t, result.Attempts[0].Err, ErrUnavailable)
	assert.Positive(t, result.SizeAfter)
	assert.Equal(t, result.SizeAfter-result.SizeBefore, result.Delta())

	m, err := onnxgraph.Load(out)
	require.NoError(t, err)
	require.NoError(t, onnxgraph.Check(m))
}

func TestOptimizeFallsBackToCopy(t *testing.T) {
	in := exportSegmentation(t)
	out := filepath.Join(t.TempDir(), "copy.onnx")
	broken := Tier{Name: "rewrite", Run: func(_ context.Context, _, out string) error {
		// a partial artifact must not survive into the next tier
		require.NoError(t, os.WriteFile(out, []byte("partial"), 0o644))
		return errors.New("rewrite crashed")
	}}
	o := &Optimizer{Tiers: []Tier{unavailableTier("onnxruntime"), broken, CopyTier()}}
	result, err := o.Optimize(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, "copy", result.Tier)
	assert.True(t, result.Fallback)
	assert.Len(t, result.Attempts, 2)
	assert.Zero(t, result.Delta())

	want, err := os.ReadFile(in)
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestOptimizeFailsOnlyWhenEveryTierFails(t *testing.T) {
	in := exportSegmentation(t)
	out := filepath.Join(t.TempDir(), "none.onnx")
	o := &Optimizer{Tiers: []Tier{unavailableTier("a"), unavailableTier("b")}}
	_, err := o.Optimize(context.Background(), in, out)
	require.ErrorIs(t, err, ErrUnavailable)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))

	_, err = New(nil).Optimize(context.Background(), filepath.Join(t.TempDir(), "missing.onnx"), out)
	assert.Error(t, err)
}

func TestDefaultChainProducesAnArtifact(t *testing.T) {
	in := exportSegmentation(t)
	out := filepath.Join(t.TempDir(), "default.onnx")
	result, err := New(nil).Optimize(context.Background(), in, out)
	require.NoError(t, err)
	assert.Contains(t, []string{"onnxruntime", "rewrite"}, result.Tier)
	_, err = os.Stat(out)
	assert.NoError(t, err)
}
