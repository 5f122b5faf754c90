package fileutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "nested", "deeper", "a.bin")
	payload := []byte{0, 1, 2, 3, 255}

	require.NoError(t, WriteFileBytes(src, payload))
	got, err := ReadFileBytes(src)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	size, err := FileSize(src)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	dst := filepath.Join(dir, "other", "b.bin")
	require.NoError(t, CopyFile(context.Background(), src, dst))
	copied, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, copied)

	// overwriting an existing file replaces it entirely
	require.NoError(t, WriteFileBytes(dst, []byte{9}))
	copied, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, copied)
}

func TestDeleteIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.txt")
	removed, err := DeleteIfExists(path)
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	removed, err = DeleteIfExists(path)
	require.NoError(t, err)
	assert.True(t, removed)
	exists, err := FileExists(path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.JPG", "c.txt", "d.webp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	files, err := ListFiles(context.Background(), dir, ".jpg", ".png", ".webp")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "a.JPG", filepath.Base(files[0]))
	assert.Equal(t, "b.png", filepath.Base(files[1]))
	assert.Equal(t, "d.webp", filepath.Base(files[2]))
}

func TestPathJoinSafe(t *testing.T) {
	assert.Equal(t, "s3://bucket/models/a.onnx", PathJoinSafe("s3://bucket/", "models", "a.onnx"))
	assert.Equal(t, filepath.Join("public", "models", "a.onnx"), PathJoinSafe("public", "models", "a.onnx"))
}
