package imageutil

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocess(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 6, 4))
	for y := range 4 {
		for x := range 6 {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 128, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "red.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	loaded, err := LoadImage(path)
	require.NoError(t, err)

	pixels, w, h, err := Preprocess(loaded,
		[]PreprocessStep{ResizeStep(3, 3)},
		[]NormalizationStep{RescaleStep(), ImagenetPixelNormalizationStep()})
	require.NoError(t, err)
	assert.Equal(t, 3, w)
	assert.Equal(t, 3, h)
	require.Len(t, pixels, 27)
	// a uniform image stays uniform through bilinear resizing
	assert.InDelta(t, (1-0.485)/0.229, pixels[0], 0.05)
	assert.InDelta(t, (0-0.456)/0.224, pixels[9], 0.05)
	assert.InDelta(t, (128.0/255-0.406)/0.225, pixels[26], 0.05)
}

func TestLoadImageRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))
	_, err := LoadImage(path)
	assert.Error(t, err)
}
