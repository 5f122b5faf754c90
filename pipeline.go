package segport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/segport/benchmark"
	"github.com/knights-analytics/segport/calibration"
	"github.com/knights-analytics/segport/deploy"
	"github.com/knights-analytics/segport/export"
	"github.com/knights-analytics/segport/model"
	"github.com/knights-analytics/segport/optimize"
	"github.com/knights-analytics/segport/quantize"
	"github.com/knights-analytics/segport/verify"
)

// PipelineConfig selects the stages of a run and where their artifacts go.
type PipelineConfig struct {
	// Checkpoint is the weight file to export. Ignored when Model is set.
	Checkpoint string
	Model      model.Model
	// Features overrides the encoder widths stored in the checkpoint. Nil uses the
	// checkpoint's widths, then model.DefaultFeatures.
	Features []int
	Output   string
	// ImageSize is the square input resolution baked into the graph.
	ImageSize int
	Opset     int64

	Optimize       bool
	Quantize       bool
	StaticQuantize bool
	// StaticFormats replaces the default QDQ then QOperator chain.
	StaticFormats      []quantize.Format
	CalibrationDir     string
	CalibrationSamples int
	CalibrationSeed    uint64

	Verify            bool
	VerifyRepetitions int

	Compare         bool
	BenchmarkRuns   int
	BenchmarkWarmup int

	Deploy     bool
	DeployDir  string
	PublicRoot string

	// Report receives the comparison table and the final summary. Nothing is written when nil.
	Report io.Writer
	Logger *log.Logger
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Output:             filepath.Join("models", "nail_segmentation.onnx"),
		ImageSize:          256,
		Opset:              export.DefaultOpset,
		CalibrationSamples: 100,
		CalibrationSeed:    calibration.DefaultSeed,
		Verify:             true,
		VerifyRepetitions:  verify.DefaultRepetitions,
		BenchmarkRuns:      benchmark.DefaultRuns,
		BenchmarkWarmup:    benchmark.DefaultWarmup,
		DeployDir:          filepath.Join("public", "models"),
		PublicRoot:         deploy.DefaultPublicRoot,
	}
}

// VariantPath derives the artifact path of a stage from the raw export path.
func VariantPath(output, suffix string) string {
	return strings.TrimSuffix(output, ".onnx") + suffix + ".onnx"
}

// Stages lists the stages cfg enables, in execution order.
func (cfg PipelineConfig) Stages() []string {
	stages := []string{"export"}
	for _, s := range []struct {
		on   bool
		name string
	}{
		{cfg.Optimize, "optimize"},
		{cfg.Quantize, "dynamic-quantize"},
		{cfg.StaticQuantize, "static-quantize"},
		{cfg.Verify, "verify"},
		{cfg.Compare, "compare"},
		{cfg.Deploy, "deploy"},
	} {
		if s.on {
			stages = append(stages, s.name)
		}
	}
	return stages
}

func (s *Session) loadModel(cfg PipelineConfig, logger *log.Logger) (model.Model, error) {
	if cfg.Model != nil {
		return cfg.Model, nil
	}
	if cfg.Checkpoint == "" {
		return nil, errors.New("either a checkpoint or a model is required")
	}
	checkpoint, err := model.LoadCheckpoint(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	u, err := checkpoint.Load(cfg.Features)
	if err != nil {
		return nil, err
	}
	event := logger.Info().Str("stage", "load").Str("checkpoint", cfg.Checkpoint).
		Int64("parameters", u.ParameterCount()).Ints("features", u.Features())
	for _, name := range checkpoint.MetricNames() {
		event = event.Any(name, checkpoint.Metrics[name])
	}
	event.Msg("checkpoint loaded")
	return u, nil
}

// RunPipeline exports the model and runs the enabled stages in order. Only export,
// static quantization and verification failures end the run; the returned state
// always describes what was produced so far.
func (s *Session) RunPipeline(ctx context.Context, cfg PipelineConfig) (*PipelineState, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	state := NewPipelineState()
	logger.Info().Strs("stages", cfg.Stages()).Str("engine", s.engine.Name()).Msg("pipeline started")

	m, err := s.loadModel(cfg, logger)
	if err != nil {
		return state, err
	}
	exporter := &export.Exporter{Opset: cfg.Opset, Logger: logger}
	if _, err = exporter.Export(ctx, m, cfg.Output, cfg.ImageSize); err != nil {
		return state, err
	}
	if _, err = state.Add(VariantFloat32, cfg.Output); err != nil {
		return state, err
	}

	if cfg.Optimize {
		if err = ctx.Err(); err != nil {
			return state, err
		}
		optimizer := optimize.New(s.options.ORTOptions)
		optimizer.Logger = logger
		result, optErr := optimizer.Optimize(ctx, cfg.Output, VariantPath(cfg.Output, "_optimized"))
		switch {
		case optErr != nil:
			logger.Warn().Str("stage", "optimize").Err(optErr).Msg("graph optimization skipped")
		case result.Fallback:
			logger.Warn().Str("stage", "optimize").Msg("no optimizer available, the copy is not registered as a variant")
		default:
			if _, err = state.Add(VariantOptimized, result.Path); err != nil {
				return state, err
			}
		}
	}

	if cfg.Quantize {
		if err = ctx.Err(); err != nil {
			return state, err
		}
		// the raw export, never a runtime optimized graph
		q := quantize.NewDynamicQuantizer()
		q.Logger = logger
		if result := q.Quantize(ctx, cfg.Output, VariantPath(cfg.Output, "_quantized")); result.OK {
			if _, err = state.Add(VariantDynamic, result.Path); err != nil {
				return state, err
			}
		}
	}

	if cfg.StaticQuantize {
		if err = ctx.Err(); err != nil {
			return state, err
		}
		if err = s.staticQuantize(ctx, cfg, state, logger); err != nil {
			return state, err
		}
	}

	if cfg.Verify {
		if err = ctx.Err(); err != nil {
			return state, err
		}
		verifier := &verify.Verifier{Engine: s.engine, Repetitions: cfg.VerifyRepetitions, Logger: logger}
		if state.Verification, err = verifier.Verify(ctx, cfg.Output, cfg.ImageSize); err != nil {
			return state, err
		}
	}

	if cfg.Compare && len(state.variants) > 1 {
		if err = ctx.Err(); err != nil {
			return state, err
		}
		comparator := &benchmark.Comparator{Engine: s.engine, Runs: cfg.BenchmarkRuns, Warmup: cfg.BenchmarkWarmup, Logger: logger}
		report, cmpErr := comparator.Compare(ctx, state.BenchmarkVariants(), cfg.ImageSize)
		if cmpErr != nil {
			if err = ctx.Err(); err != nil {
				return state, err
			}
			logger.Warn().Str("stage", "compare").Err(cmpErr).Msg("comparison failed")
		} else {
			state.Attach(report)
			if cfg.Report != nil {
				if err = report.Render(cfg.Report); err != nil {
					return state, err
				}
			}
		}
	}

	best := state.Best()
	state.Descriptor = deploy.NewDescriptor(best.Path, cfg.PublicRoot, cfg.ImageSize, best.SizeBytes)
	state.DescriptorPath = deploy.ConfigPath(cfg.Output)
	if err = deploy.WriteDescriptor(state.DescriptorPath, state.Descriptor); err != nil {
		return state, err
	}
	logger.Info().Str("stage", "describe").Str("path", state.DescriptorPath).Str("model", best.Name).Msg("descriptor written")

	if cfg.Deploy {
		name := filepath.Base(cfg.Output)
		if v, ok := state.VariantAt(filepath.Join(cfg.DeployDir, name)); ok && v != best {
			return state, fmt.Errorf("deploying %s to %s would overwrite the %s variant", best.Name, cfg.DeployDir, v.Name)
		}
		publisher := &deploy.Publisher{Dir: cfg.DeployDir, PublicRoot: cfg.PublicRoot, Logger: logger}
		if state.Deployed, err = publisher.Publish(ctx, best.Path, name, cfg.ImageSize); err != nil {
			return state, err
		}
	}

	if cfg.Report != nil {
		if err = state.Render(cfg.Report); err != nil {
			return state, err
		}
	}
	logger.Info().Str("best", best.Name).Str("path", best.Path).Int("variants", len(state.variants)).Msg("pipeline finished")
	return state, nil
}

// staticQuantize calibrates on cfg's sample source and quantizes the optimized variant when
// there is one, else the raw export.
func (s *Session) staticQuantize(ctx context.Context, cfg PipelineConfig, state *PipelineState, logger *log.Logger) error {
	source, err := calibration.NewSource(ctx, cfg.CalibrationSamples, cfg.ImageSize, cfg.CalibrationDir,
		calibration.WithSeed(cfg.CalibrationSeed), calibration.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	state.Calibration = source
	in := cfg.Output
	if v, ok := state.Variant(VariantOptimized); ok {
		in = v.Path
	}
	q := quantize.NewStaticQuantizer()
	q.Logger = logger
	if len(cfg.StaticFormats) > 0 {
		q.Formats = cfg.StaticFormats
	}
	result, err := q.Quantize(ctx, in, VariantPath(cfg.Output, "_static_int8"), source)
	var qErr *quantize.QuantizationError
	if errors.As(err, &qErr) && qErr.Unavailable() {
		logger.Warn().Str("stage", "static-quantize").Err(err).Msg("static quantization unavailable, variant skipped")
		return nil
	}
	if err != nil {
		return err
	}
	_, err = state.Add(VariantStatic, result.Path)
	return err
}
