package segport

import (
	"errors"

	"github.com/knights-analytics/segport/backends"
	"github.com/knights-analytics/segport/options"
)

// Session owns the inference engine used to verify and benchmark artifacts, and the
// runtime options handed to the optimizer.
type Session struct {
	engine  backends.Engine
	options *options.Options
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions, err := options.Apply(backend, opts...)
	if err != nil {
		return nil, err
	}
	engine, err := backends.NewEngine(parsedOptions)
	if err != nil {
		return nil, err
	}
	return &Session{engine: engine, options: parsedOptions}, nil
}

// NewGoSession runs artifacts on the pure Go executor. It needs no native library.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession(options.BackendGo, opts...)
}

// NewGonnxSession runs artifacts on gonnx. Its operator coverage is narrower than the
// executor's: graphs using pooling or transposed convolutions fail to load.
func NewGonnxSession(opts ...options.WithOption) (*Session, error) {
	return newSession(options.BackendGonnx, opts...)
}

// NewORTSession runs artifacts on onnxruntime. Binaries built without the ORT tag return
// backends.ErrBackendUnavailable.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	return newSession(options.BackendORT, opts...)
}

func (s *Session) Engine() backends.Engine { return s.engine }

func (s *Session) Options() *options.Options { return s.options }

// Destroy releases the engine and any runtime environment the session started.
func (s *Session) Destroy() error {
	var destroyErr error
	if s.options.Destroy != nil {
		destroyErr = s.options.Destroy()
	}
	return errors.Join(s.engine.Destroy(), destroyErr)
}
