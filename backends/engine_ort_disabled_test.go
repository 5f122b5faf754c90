//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/segport/options"
)

func TestORTUnavailable(t *testing.T) {
	_, err := NewEngine(&options.Options{Backend: options.BackendORT, ORTOptions: &options.OrtOptions{}})
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	dir := t.TempDir()
	err = OptimizeWithORT(&options.OrtOptions{}, filepath.Join(dir, "in.onnx"), filepath.Join(dir, "out.onnx"))
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
