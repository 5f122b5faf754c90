package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicPath(t *testing.T) {
	assert.Equal(t, "/models/nail_segmentation.onnx", PublicPath(filepath.Join("public", "models", "nail_segmentation.onnx"), "public"))
	assert.Equal(t, "/models/a.onnx", PublicPath(filepath.Join("public", "models", "a.onnx"), ""))
	assert.Equal(t, "a.onnx", PublicPath(filepath.Join("build", "a.onnx"), "public"))
	assert.Equal(t, "nail_segmentation_config.json", filepath.Base(ConfigPath("x/nail_segmentation.onnx")))
}

func TestDescriptorJSON(t *testing.T) {
	d := NewDescriptor(filepath.Join("public", "models", "m.onnx"), "public", 256, 3*1024*1024+5000)
	data, err := jsoniter.Marshal(d)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, jsoniter.Unmarshal(data, &fields))
	assert.Equal(t, "/models/m.onnx", fields["modelPath"])
	assert.Equal(t, []any{1.0, 3.0, 256.0, 256.0}, fields["inputShape"])
	assert.Equal(t, []any{1.0, 1.0, 256.0, 256.0}, fields["outputShape"])
	assert.Equal(t, "input", fields["inputName"])
	assert.Equal(t, "output", fields["outputName"])
	assert.Equal(t, 256.0, fields["imageSize"])
	assert.Equal(t, 3.0, fields["fileSizeMB"])
	assert.Equal(t, 0.5, fields["threshold"])
	assert.Equal(t, DefaultDescription, fields["description"])
	normalization, ok := fields["normalization"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, normalization["mean"], 3)
	assert.Len(t, normalization["std"], 3)

	d = NewDescriptor("m.onnx", "", 64, 1536*1024)
	assert.Equal(t, 1.5, d.FileSizeMB)
}

func TestPublish(t *testing.T) {
	root := filepath.Join(t.TempDir(), "public")
	artifact := filepath.Join(t.TempDir(), "seg_static_int8.onnx")
	require.NoError(t, os.WriteFile(artifact, []byte("graph bytes"), 0o644))

	p := &Publisher{Dir: filepath.Join(root, "models"), PublicRoot: root}
	published, err := p.Publish(context.Background(), artifact, "nail_segmentation.onnx", 128)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "models", "nail_segmentation.onnx"), published.ModelPath)
	assert.Equal(t, filepath.Join(root, "models", "nail_segmentation_config.json"), published.ConfigPath)

	data, err := os.ReadFile(published.ModelPath)
	require.NoError(t, err)
	assert.Equal(t, "graph bytes", string(data))

	d, err := ReadDescriptor(published.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "/models/nail_segmentation.onnx", d.ModelPath)
	assert.Equal(t, 128, d.ImageSize)
	assert.Equal(t, published.Descriptor, d)

	// publishing the file already in place leaves it intact
	published, err = p.Publish(context.Background(), published.ModelPath, "nail_segmentation.onnx", 128)
	require.NoError(t, err)
	data, err = os.ReadFile(published.ModelPath)
	require.NoError(t, err)
	assert.Equal(t, "graph bytes", string(data))
}
