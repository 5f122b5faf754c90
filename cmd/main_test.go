package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/deploy"
	"github.com/knights-analytics/segport/model"
)

func writeCheckpoint(t *testing.T, dir string) string {
	t.Helper()
	u, err := model.NewUNet(3, 1, []int{4, 8}, 3)
	require.NoError(t, err)
	path := filepath.Join(dir, "best_model.json")
	require.NoError(t, model.NewCheckpoint(u, map[string]any{"val_dice": 0.9}).Save(path))
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"segport"}, args...))
	return out.String(), err
}

func TestExportCli(t *testing.T) {
	root := t.TempDir()
	checkpoint := writeCheckpoint(t, root)
	output := filepath.Join(root, "public", "models", "nail_segmentation.onnx")

	out, err := runApp(t, "export",
		"--checkpoint", checkpoint,
		"--output", output,
		"--image-size", "16",
		"--quantize",
		"--compare",
		"--verify-repetitions", "1",
		"--benchmark-runs", "1",
		"--benchmark-warmup", "-1",
		"--public-root", filepath.Join(root, "public"),
	)
	require.NoError(t, err, out)

	assert.FileExists(t, output)
	assert.FileExists(t, filepath.Join(root, "public", "models", "nail_segmentation_quantized.onnx"))
	assert.Contains(t, out, "Generated files:")
	assert.Contains(t, out, "Best model:")

	d, err := deploy.ReadDescriptor(deploy.ConfigPath(output))
	require.NoError(t, err)
	assert.Equal(t, 16, d.ImageSize)
	assert.Equal(t, []int{1, 3, 16, 16}, d.InputShape)
}

func TestExportCliWithoutVerify(t *testing.T) {
	root := t.TempDir()
	checkpoint := writeCheckpoint(t, root)
	output := filepath.Join(root, "seg.onnx")

	out, err := runApp(t, "export", "--checkpoint", checkpoint, "--output", output, "--image-size", "16", "--verify=false")
	require.NoError(t, err, out)
	assert.FileExists(t, output)
}

func TestExportCliErrors(t *testing.T) {
	root := t.TempDir()

	_, err := runApp(t, "export", "--output", filepath.Join(root, "seg.onnx"))
	assert.Error(t, err, "checkpoint is required")

	_, err = runApp(t, "export", "--checkpoint", filepath.Join(root, "missing.json"), "--output", filepath.Join(root, "seg.onnx"))
	assert.Error(t, err)

	checkpoint := writeCheckpoint(t, root)
	_, err = runApp(t, "export", "--checkpoint", checkpoint, "--output", filepath.Join(root, "seg.onnx"), "--backend", "TPU")
	assert.ErrorContains(t, err, "unknown backend")
}

func TestInspectCli(t *testing.T) {
	root := t.TempDir()
	checkpoint := writeCheckpoint(t, root)
	output := filepath.Join(root, "public", "seg.onnx")
	out, err := runApp(t, "export", "--checkpoint", checkpoint, "--output", output, "--image-size", "16", "--verify=false")
	require.NoError(t, err, out)
	require.NoError(t, os.Remove(deploy.ConfigPath(output)))

	out, err = runApp(t, "inspect", "--image-size", "16", "--repetitions", "1", "--describe", "--public-root", filepath.Join(root, "public"), output)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Model: "+output)
	assert.Contains(t, out, "Output shape: [1 1 16 16]")
	assert.Contains(t, out, "Descriptor: "+deploy.ConfigPath(output))
	assert.FileExists(t, deploy.ConfigPath(output))

	_, err = runApp(t, "inspect", "--image-size", "32", "--repetitions", "1", "--describe", output)
	assert.ErrorContains(t, err, "input is declared as [-1 3 16 16]")
	d, err := deploy.ReadDescriptor(deploy.ConfigPath(output))
	require.NoError(t, err)
	assert.Equal(t, 16, d.ImageSize)

	_, err = runApp(t, "inspect")
	assert.Error(t, err)
}
