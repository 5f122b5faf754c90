//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"fmt"

	"github.com/knights-analytics/segport/options"
)

type ORTEngine struct{}

func NewORTEngine(_ *options.Options) (*ORTEngine, error) {
	return nil, fmt.Errorf("%w: to enable ORT, run `go build -tags ORT` or `go build -tags ALL`", ErrBackendUnavailable)
}

func (e *ORTEngine) Name() string { return "ORT" }

func (e *ORTEngine) Load(_ string) (Runner, error) {
	return nil, ErrBackendUnavailable
}

func (e *ORTEngine) Destroy() error { return nil }

func OptimizeWithORT(_ *options.OrtOptions, _, _ string) error {
	return fmt.Errorf("%w: onnxruntime is not compiled in", ErrBackendUnavailable)
}
