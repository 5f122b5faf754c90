//go:build cgo && (ORT || ALL)

package backends

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/options"
)

func TestORTEngine(t *testing.T) {
	o, err := options.Apply(options.BackendORT, options.WithIntraOpNumThreads(1))
	require.NoError(t, err)
	engine, err := NewEngine(o)
	require.NoError(t, err)
	runner, err := engine.Load(writeActivationModel(t))
	require.NoError(t, err)
	y, err := RunSingle(runner, onnxgraph.NewFloat([]int{1, 3}, []float32{-1, 0, 2}))
	require.NoError(t, err)
	checkActivationOutput(t, y)
	require.NoError(t, runner.Destroy())
	require.NoError(t, engine.Destroy())
}

func TestOptimizeWithORT(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "optimized.onnx")
	require.NoError(t, OptimizeWithORT(options.Defaults().ORTOptions, writeActivationModel(t), out))
	model, err := onnxgraph.Load(out)
	require.NoError(t, err)
	assert.NotEmpty(t, model.GetGraph().GetNode())
}
