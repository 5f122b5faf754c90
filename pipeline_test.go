package segport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/calibration"
	"github.com/knights-analytics/segport/deploy"
	"github.com/knights-analytics/segport/model"
	"github.com/knights-analytics/segport/quantize"
)

func newGoSession(t *testing.T) *Session {
	t.Helper()
	session, err := NewGoSession()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, session.Destroy()) })
	return session
}

func smallUNet(t *testing.T) *model.UNet {
	t.Helper()
	u, err := model.NewUNet(3, 1, []int{4, 8}, 21)
	require.NoError(t, err)
	return u
}

func testConfig(t *testing.T, root string) PipelineConfig {
	t.Helper()
	cfg := DefaultPipelineConfig()
	cfg.Model = smallUNet(t)
	cfg.Output = filepath.Join(root, "public", "models", "seg.onnx")
	cfg.ImageSize = 16
	cfg.CalibrationSamples = 2
	cfg.VerifyRepetitions = 1
	cfg.BenchmarkRuns = 1
	cfg.BenchmarkWarmup = -1
	cfg.DeployDir = filepath.Join(root, "public", "deploy")
	cfg.PublicRoot = filepath.Join(root, "public")
	return cfg
}

func files(t *testing.T, dir, suffix string) []string {
	t.Helper()
	var out []string
	require.NoError(t, filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, suffix) {
			out = append(out, path)
		}
		return nil
	}))
	return out
}

func names(state *PipelineState) []string {
	var out []string
	for _, v := range state.Variants() {
		out = append(out, v.Name)
	}
	return out
}

func TestDefaultPipelineConfig(t *testing.T) {
	cfg := DefaultPipelineConfig()
	assert.Equal(t, filepath.Join("models", "nail_segmentation.onnx"), cfg.Output)
	assert.Equal(t, filepath.Join("public", "models"), cfg.DeployDir)
	assert.Equal(t, 256, cfg.ImageSize)
	assert.Equal(t, int64(13), cfg.Opset)
	assert.Equal(t, 100, cfg.CalibrationSamples)
	assert.True(t, cfg.Verify)
	assert.False(t, cfg.Optimize)
	assert.Equal(t, []string{"export", "verify"}, cfg.Stages())
	assert.Equal(t, filepath.Join("models", "nail_segmentation_static_int8.onnx"), VariantPath(cfg.Output, "_static_int8"))
}

// export a fresh model at full resolution and verify it
func TestPipelineExportAndVerify(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.ImageSize = 256

	state, err := newGoSession(t).RunPipeline(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{cfg.Output}, files(t, root, ".onnx"))
	best := state.Best()
	require.NotNil(t, best)
	assert.Equal(t, VariantFloat32, best.Name)
	assert.Positive(t, best.SizeBytes)

	require.NotNil(t, state.Verification)
	assert.Equal(t, []int{1, 1, 256, 256}, state.Verification.OutputShape)
	assert.GreaterOrEqual(t, state.Verification.Min, float32(0))
	assert.LessOrEqual(t, state.Verification.Max, float32(1))

	assert.Equal(t, filepath.Join(root, "public", "models", "seg_config.json"), state.DescriptorPath)
	d, err := deploy.ReadDescriptor(state.DescriptorPath)
	require.NoError(t, err)
	assert.Equal(t, "/models/seg.onnx", d.ModelPath)
	assert.Equal(t, 256, d.ImageSize)
	assert.Nil(t, state.Deployed)
}

func TestPipelineAllStages(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.Optimize = true
	cfg.Quantize = true
	cfg.StaticQuantize = true
	cfg.Compare = true
	cfg.Deploy = true
	var report bytes.Buffer
	cfg.Report = &report

	state, err := newGoSession(t).RunPipeline(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{VariantFloat32, VariantOptimized, VariantDynamic, VariantStatic}, names(state))
	assert.Equal(t, VariantStatic, state.Best().Name)
	assert.Equal(t, filepath.Join(root, "public", "models", "seg_static_int8.onnx"), state.Best().Path)
	assert.Empty(t, files(t, root, "_preprocessed.onnx"))

	require.NotNil(t, state.Comparison)
	for _, v := range state.Variants() {
		require.NotNil(t, v.LatencyMs, v.Name)
		require.NoError(t, v.BenchmarkErr, v.Name)
		if v.Name == VariantFloat32 {
			assert.Nil(t, v.Similarity)
			continue
		}
		require.NotNil(t, v.Similarity, v.Name)
		assert.Greater(t, v.Similarity.Cosine, 0.9, v.Name)
	}
	optimized, ok := state.Variant(VariantOptimized)
	require.True(t, ok)
	assert.InDelta(t, 1.0, optimized.Similarity.Cosine, 1e-6)

	require.NotNil(t, state.Deployed)
	assert.Equal(t, filepath.Join(root, "public", "deploy", "seg.onnx"), state.Deployed.ModelPath)
	want, err := os.ReadFile(state.Best().Path)
	require.NoError(t, err)
	got, err := os.ReadFile(state.Deployed.ModelPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "/deploy/seg.onnx", state.Deployed.Descriptor.ModelPath)

	d, err := deploy.ReadDescriptor(state.DescriptorPath)
	require.NoError(t, err)
	assert.Equal(t, "/models/seg_static_int8.onnx", d.ModelPath)

	assert.Contains(t, report.String(), "Model comparison")
	assert.Contains(t, report.String(), "Best model: static-int8")
}

// static quantization without calibration images falls back to synthetic samples
func TestPipelineStaticQuantizeSyntheticCalibration(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.Verify = false
	cfg.StaticQuantize = true
	cfg.CalibrationSamples = 3
	cfg.CalibrationDir = filepath.Join(root, "no-images")
	require.NoError(t, os.Mkdir(cfg.CalibrationDir, 0o755))

	state, err := newGoSession(t).RunPipeline(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, state.Calibration)
	assert.Equal(t, calibration.OriginSynthetic, state.Calibration.Origin())
	assert.Equal(t, 3, state.Calibration.Len())
	assert.Zero(t, state.Calibration.Resets())
	assert.Equal(t, []string{VariantFloat32, VariantStatic}, names(state))
	// without an optimized variant the raw export is quantized
	assert.Equal(t, VariantStatic, state.Best().Name)
}

func TestPipelineStaticQuantizationFailureIsFatal(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.Verify = false
	cfg.Quantize = true
	cfg.StaticQuantize = true
	fail := func(name string) quantize.Format {
		return quantize.Format{Name: name, Quantize: func(context.Context, *onnx.ModelProto, quantize.Samples, quantize.Settings) (int, error) {
			return 0, errors.New("unsupported")
		}}
	}
	cfg.StaticFormats = []quantize.Format{fail("QDQ"), fail("QOperator")}

	state, err := newGoSession(t).RunPipeline(context.Background(), cfg)
	var qErr *quantize.QuantizationError
	require.ErrorAs(t, err, &qErr)
	assert.Len(t, qErr.Attempts, 2)
	assert.Equal(t, 1, state.Calibration.Resets())
	assert.Equal(t, []string{VariantFloat32, VariantDynamic}, names(state))
	assert.Equal(t, VariantDynamic, state.Best().Name)
	assert.Empty(t, files(t, root, "_static_int8.onnx"))
	assert.Empty(t, files(t, root, "_config.json"))
}

func TestPipelineStaticQuantizationUnavailableIsSkipped(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.Verify = false
	cfg.StaticQuantize = true
	unavailable := func(name string) quantize.Format {
		return quantize.Format{Name: name, Quantize: func(context.Context, *onnx.ModelProto, quantize.Samples, quantize.Settings) (int, error) {
			return 0, fmt.Errorf("%w: opset too old", quantize.ErrUnavailable)
		}}
	}
	cfg.StaticFormats = []quantize.Format{unavailable("QDQ"), unavailable("QOperator")}

	state, err := newGoSession(t).RunPipeline(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{VariantFloat32}, names(state))
	assert.Empty(t, files(t, root, "_static_int8.onnx"))
	assert.Len(t, files(t, root, "_config.json"), 1)
}

func TestPipelineDeployNeverOverwritesVariants(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.Verify = false
	cfg.Quantize = true
	cfg.Deploy = true
	cfg.DeployDir = filepath.Dir(cfg.Output)

	state, err := newGoSession(t).RunPipeline(context.Background(), cfg)
	require.ErrorContains(t, err, "would overwrite the float32 variant")
	assert.Equal(t, VariantDynamic, state.Best().Name)
	assert.Nil(t, state.Deployed)
	raw, ok := state.Variant(VariantFloat32)
	require.True(t, ok)
	data, err := os.ReadFile(raw.Path)
	require.NoError(t, err)
	assert.Equal(t, raw.SizeBytes, int64(len(data)))
}

func TestPipelineFromCheckpoint(t *testing.T) {
	root := t.TempDir()
	checkpoint := filepath.Join(root, "best.json")
	require.NoError(t, model.NewCheckpoint(smallUNet(t), map[string]any{"iou": 0.81}).Save(checkpoint))

	cfg := testConfig(t, root)
	cfg.Model = nil
	cfg.Checkpoint = checkpoint
	cfg.Verify = false
	state, err := newGoSession(t).RunPipeline(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{VariantFloat32}, names(state))

	cfg.Checkpoint = ""
	_, err = newGoSession(t).RunPipeline(context.Background(), cfg)
	assert.Error(t, err)

	cfg.Checkpoint = checkpoint
	cfg.Features = []int{8, 16}
	_, err = newGoSession(t).RunPipeline(context.Background(), cfg)
	assert.Error(t, err)
}

func TestPipelineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := testConfig(t, t.TempDir())
	state, err := newGoSession(t).RunPipeline(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, state.Best())
}
