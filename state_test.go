package segport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/benchmark"
)

func TestPipelineState(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, n int) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, make([]byte, n), 0o644))
		return path
	}
	state := NewPipelineState()
	assert.Nil(t, state.Best())

	_, err := state.Add(VariantFloat32, write("a.onnx", 400))
	require.NoError(t, err)
	assert.Equal(t, VariantFloat32, state.Best().Name)

	v, err := state.Add(VariantDynamic, write("b.onnx", 100))
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.SizeBytes)
	assert.Equal(t, VariantDynamic, state.Best().Name)

	_, err = state.Add(VariantDynamic, write("c.onnx", 10))
	assert.Error(t, err)
	_, err = state.Add(VariantStatic, filepath.Join(dir, "missing.onnx"))
	assert.Error(t, err)
	assert.Equal(t, VariantDynamic, state.Best().Name)
	assert.Len(t, state.Variants(), 2)

	require.NoError(t, state.Advance(VariantFloat32))
	assert.Equal(t, VariantFloat32, state.Best().Name)
	assert.Error(t, state.Advance(VariantOptimized))

	state.Attach(&benchmark.Report{Entries: []benchmark.Entry{
		{Name: VariantFloat32, LatencyMs: 4, IsReference: true},
		{Name: VariantDynamic, LatencyMs: 2, Cosine: 0.99, MSE: 0.001, Similarity: true},
	}})
	float32Variant, _ := state.Variant(VariantFloat32)
	require.NotNil(t, float32Variant.LatencyMs)
	assert.Equal(t, 4.0, *float32Variant.LatencyMs)
	assert.Nil(t, float32Variant.Similarity)
	dynamic, _ := state.Variant(VariantDynamic)
	assert.Equal(t, &Similarity{Cosine: 0.99, MSE: 0.001}, dynamic.Similarity)

	summary := state.Summary()
	assert.Contains(t, summary, "* float32")
	assert.Contains(t, summary, "  dynamic-int8")
	assert.Contains(t, summary, "2.000 ms")
	assert.Contains(t, summary, "Best model: float32")
}
