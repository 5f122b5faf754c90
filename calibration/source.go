package calibration

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/phuslu/log"

	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/util/fileutil"
	"github.com/knights-analytics/segport/util/imageutil"
)

type Origin string

const (
	OriginDirectory Origin = "directory"
	OriginSynthetic Origin = "synthetic"
)

const DefaultSeed = 42

type config struct {
	seed   uint64
	logger *log.Logger
}

type Option func(*config)

// WithSeed fixes the generator used for synthetic samples.
func WithSeed(seed uint64) Option {
	return func(c *config) { c.seed = seed }
}

func WithLogger(logger *log.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Source is a finite, replayable sequence of preprocessed [1,3,S,S] samples. All samples
// are materialized at construction, so Reset replays exactly the same tensors.
type Source struct {
	samples []*onnxgraph.Tensor
	cursor  int
	resets  int
	origin  Origin
	size    int
}

// NewSource loads up to count images from dir, sorted by name, resized to size x size and
// ImageNet normalized. Files that fail to decode are skipped. When dir is empty, unreadable
// or holds no decodable image, count synthetic noise samples are generated instead.
func NewSource(ctx context.Context, count, size int, dir string, opts ...Option) (*Source, error) {
	if count <= 0 {
		return nil, fmt.Errorf("calibration sample count must be positive, got %d", count)
	}
	if size <= 0 {
		return nil, fmt.Errorf("calibration image size must be positive, got %d", size)
	}
	c := &config{seed: DefaultSeed, logger: &log.DefaultLogger}
	for _, opt := range opts {
		opt(c)
	}
	s := &Source{size: size}
	if dir != "" {
		samples, err := loadDirectory(ctx, dir, count, size, c.logger)
		if err != nil {
			return nil, err
		}
		if len(samples) > 0 {
			s.samples, s.origin = samples, OriginDirectory
			c.logger.Info().Str("dir", dir).Int("samples", len(samples)).Msg("loaded calibration images")
			return s, nil
		}
		c.logger.Warn().Str("dir", dir).Msg("no usable calibration images, using synthetic samples")
	}
	s.samples, s.origin = synthetic(count, size, c.seed), OriginSynthetic
	return s, nil
}

func loadDirectory(ctx context.Context, dir string, count, size int, logger *log.Logger) ([]*onnxgraph.Tensor, error) {
	exists, err := fileutil.FileExists(dir)
	if err != nil || !exists {
		return nil, nil
	}
	files, err := fileutil.ListFiles(ctx, dir, imageutil.ImageExtensions...)
	if err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("cannot list calibration directory")
		return nil, nil
	}
	imageSteps := []imageutil.PreprocessStep{imageutil.ResizeStep(size, size)}
	normSteps := []imageutil.NormalizationStep{imageutil.RescaleStep(), imageutil.ImagenetPixelNormalizationStep()}
	var samples []*onnxgraph.Tensor
	for _, file := range files {
		if len(samples) == count {
			break
		}
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		img, loadErr := imageutil.LoadImage(file)
		if loadErr != nil {
			logger.Debug().Err(loadErr).Str("file", file).Msg("skipping calibration file")
			continue
		}
		pixels, _, _, preErr := imageutil.Preprocess(img, imageSteps, normSteps)
		if preErr != nil {
			logger.Debug().Err(preErr).Str("file", file).Msg("skipping calibration file")
			continue
		}
		samples = append(samples, onnxgraph.NewFloat([]int{1, 3, size, size}, pixels))
	}
	return samples, nil
}

// synthetic draws uniform [0,1) pixels and normalizes them like real images.
func synthetic(count, size int, seed uint64) []*onnxgraph.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed))
	plane := size * size
	samples := make([]*onnxgraph.Tensor, count)
	for i := range samples {
		t := onnxgraph.NewFloat([]int{1, 3, size, size}, nil)
		for ch := range 3 {
			mean, std := imageutil.ImagenetMean[ch], imageutil.ImagenetStd[ch]
			for j := range plane {
				t.Float[ch*plane+j] = (rng.Float32() - mean) / std
			}
		}
		samples[i] = t
	}
	return samples
}

// Next returns the next sample, or false once the sequence is exhausted. Samples are shared
// between passes and must not be modified.
func (s *Source) Next() (*onnxgraph.Tensor, bool) {
	if s.cursor >= len(s.samples) {
		return nil, false
	}
	t := s.samples[s.cursor]
	s.cursor++
	return t, true
}

// Reset rewinds to the first sample.
func (s *Source) Reset() {
	s.cursor = 0
	s.resets++
}

func (s *Source) Len() int { return len(s.samples) }

func (s *Source) Origin() Origin { return s.origin }

// Resets counts Reset calls.
func (s *Source) Resets() int { return s.resets }

func (s *Source) ImageSize() int { return s.size }
