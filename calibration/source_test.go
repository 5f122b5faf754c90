package calibration

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/onnxgraph"
)

func drain(s *Source) []*onnxgraph.Tensor {
	var out []*onnxgraph.Tensor
	for {
		t, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 6))
	for y := range 6 {
		for x := range 10 {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestSyntheticSource(t *testing.T) {
	s, err := NewSource(context.Background(), 4, 8, "")
	require.NoError(t, err)
	assert.Equal(t, OriginSynthetic, s.Origin())
	assert.Equal(t, 4, s.Len())

	first := drain(s)
	require.Len(t, first, 4)
	for _, sample := range first {
		assert.Equal(t, []int{1, 3, 8, 8}, sample.Shape)
	}
	_, ok := s.Next()
	assert.False(t, ok)

	// replay is identical, any number of times
	for range 3 {
		s.Reset()
		assert.Equal(t, first, drain(s))
	}
	assert.Equal(t, 3, s.Resets())

	// normalized uniform noise stays within the transformed [0,1) range
	for _, v := range first[0].Float {
		assert.True(t, v >= -2.2 && v <= 2.7, v)
	}

	other, err := NewSource(context.Background(), 4, 8, "", WithSeed(7))
	require.NoError(t, err)
	assert.NotEqual(t, first[0].Float, drain(other)[0].Float)

	again, err := NewSource(context.Background(), 4, 8, "")
	require.NoError(t, err)
	assert.Equal(t, first[0].Float, drain(again)[0].Float)
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"), color.RGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(dir, "a.png"), color.RGBA{G: 255, A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("not an image"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	// fewer images than requested are not padded
	s, err := NewSource(context.Background(), 5, 4, dir)
	require.NoError(t, err)
	assert.Equal(t, OriginDirectory, s.Origin())
	samples := drain(s)
	require.Len(t, samples, 2)

	// a.png sorts first and is pure green: red channel sits at (0-0.485)/0.229
	plane := 16
	assert.InDelta(t, -0.485/0.229, samples[0].Float[0], 1e-3)
	assert.InDelta(t, (1-0.456)/0.224, samples[0].Float[plane], 1e-3)
	assert.InDelta(t, (1-0.485)/0.229, samples[1].Float[0], 1e-3)

	s, err = NewSource(context.Background(), 1, 4, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestDirectoryWithoutImagesFallsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("nope"), 0o644))
	s, err := NewSource(context.Background(), 3, 4, dir)
	require.NoError(t, err)
	assert.Equal(t, OriginSynthetic, s.Origin())
	assert.Equal(t, 3, s.Len())

	s, err = NewSource(context.Background(), 2, 4, filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, OriginSynthetic, s.Origin())
	assert.Equal(t, 2, s.Len())
}

func TestInvalidArguments(t *testing.T) {
	_, err := NewSource(context.Background(), 0, 4, "")
	assert.Error(t, err)
	_, err = NewSource(context.Background(), 1, 0, "")
	assert.Error(t, err)
}
