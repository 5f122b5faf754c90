//go:build GONNX || ALL

package backends

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/onnxgraph"
)

func TestGonnxEngine(t *testing.T) {
	engine := NewGonnxEngine()
	runner, err := engine.Load(writeActivationModel(t))
	require.NoError(t, err)
	y, err := RunSingle(runner, onnxgraph.NewFloat([]int{1, 3}, []float32{-1, 0, 2}))
	require.NoError(t, err)
	checkActivationOutput(t, y)
	require.NoError(t, runner.Destroy())
}
