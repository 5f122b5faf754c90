package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	o, err := Apply(BackendORT,
		WithIntraOpNumThreads(2),
		WithGraphOptimizationLevel(GraphOptimizationLevelEnableAll),
		WithOptimizedModelPath("/tmp/out.onnx"),
	)
	require.NoError(t, err)
	assert.Equal(t, BackendORT, o.Backend)
	assert.Equal(t, 2, *o.ORTOptions.IntraOpNumThreads)
	assert.Equal(t, GraphOptimizationLevelEnableAll, *o.ORTOptions.GraphOptimizationLevel)
	assert.Equal(t, "/tmp/out.onnx", *o.ORTOptions.OptimizedModelPath)
	require.NoError(t, o.Destroy())
}

func TestORTOnlyOptionsRejected(t *testing.T) {
	for _, opt := range []WithOption{
		WithTelemetry(),
		WithIntraOpNumThreads(1),
		WithInterOpNumThreads(1),
		WithCPUMemArena(true),
		WithMemPattern(true),
		WithGraphOptimizationLevel(GraphOptimizationLevelEnableBasic),
		WithOptimizedModelPath("x.onnx"),
		WithOnnxLibraryPath(t.TempDir()),
	} {
		_, err := Apply(BackendGo, opt)
		assert.Error(t, err)
	}
	_, err := Apply("TPU")
	assert.Error(t, err)
}

func TestWithOnnxLibraryPathMissingLibrary(t *testing.T) {
	_, err := Apply(BackendORT, WithOnnxLibraryPath(t.TempDir()))
	assert.ErrorContains(t, err, "does not exist")
}
