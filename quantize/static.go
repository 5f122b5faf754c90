package quantize

import (
	"context"
	"strings"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/phuslu/log"

	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/optimize"
	"github.com/knights-analytics/segport/util/fileutil"
)

// StaticQuantizer calibrates activation ranges on sample inputs and stores both weights and
// activations as 8-bit integers. Formats are tried in order; the sample source is rewound
// before every retry.
type StaticQuantizer struct {
	WeightType     QuantType
	ActivationType QuantType
	Formats        []Format
	// SkipPreprocess quantizes the graph as loaded, without shape inference and batch-norm folding.
	SkipPreprocess bool
	Logger         *log.Logger
}

func NewStaticQuantizer() *StaticQuantizer {
	return &StaticQuantizer{
		WeightType:     QuantTypeInt8,
		ActivationType: QuantTypeUint8,
		Formats:        []Format{QDQFormat(), QOperatorFormat()},
	}
}

// PreprocessedPath is the transient file holding the pre-processed graph of in.
func PreprocessedPath(in string) string {
	return strings.TrimSuffix(in, ".onnx") + "_preprocessed.onnx"
}

// Quantize writes the statically quantized graph of in to out. A *QuantizationError is
// returned when every format failed.
func (q *StaticQuantizer) Quantize(ctx context.Context, in, out string, samples Samples) (*Result, error) {
	logger := q.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	result := &Result{Path: out}
	var err error
	if result.SizeBefore, err = fileutil.FileSize(in); err != nil {
		return nil, err
	}
	m, err := onnxgraph.Load(in)
	if err != nil {
		return nil, err
	}

	preprocessed := PreprocessedPath(in)
	defer func() {
		if _, cleanupErr := fileutil.DeleteIfExists(preprocessed); cleanupErr != nil {
			logger.Warn().Str("stage", "static-quantize").Str("path", preprocessed).Err(cleanupErr).Msg("could not remove pre-processed graph")
		}
	}()
	if !q.SkipPreprocess {
		if p, preErr := preprocess(ctx, m, preprocessed); preErr != nil {
			logger.Warn().Str("stage", "static-quantize").Err(preErr).Msg("pre-processing failed, quantizing the unmodified graph")
		} else {
			m = p
		}
	}

	settings := Settings{WeightType: q.WeightType, ActivationType: q.ActivationType}
	qErr := &QuantizationError{Path: in}
	for i, format := range q.Formats {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 {
			samples.Reset()
		}
		attempt := onnxgraph.Clone(m)
		n, formatErr := format.Quantize(ctx, attempt, samples, settings)
		if formatErr == nil {
			formatErr = onnxgraph.Check(attempt)
		}
		if formatErr == nil {
			result.SizeAfter, formatErr = onnxgraph.Save(attempt, out)
		}
		if formatErr != nil {
			if err = ctx.Err(); err != nil {
				return nil, err
			}
			qErr.Attempts = append(qErr.Attempts, Attempt{Format: format.Name, Err: formatErr})
			logger.Warn().Str("stage", "static-quantize").Str("format", format.Name).Err(formatErr).Msg("static quantization format failed")
			continue
		}
		result.OK = true
		result.Format = format.Name
		result.Quantized = n
		logger.Info().Str("stage", "static-quantize").Str("format", format.Name).Int("tensors", n).
			Int64("sizeBefore", result.SizeBefore).Int64("sizeAfter", result.SizeAfter).
			Float64("reductionPercent", result.ReductionPercent()).Msg("graph statically quantized")
		return result, nil
	}
	_, _ = fileutil.DeleteIfExists(out)
	result.Err = qErr
	return result, qErr
}

// preprocess annotates shapes and folds batch normalization into the preceding convolutions,
// so calibration sees the same arithmetic the quantized graph will run.
func preprocess(ctx context.Context, m *onnx.ModelProto, path string) (*onnx.ModelProto, error) {
	p := onnxgraph.Clone(m)
	if _, err := optimize.Rewrite(ctx, p, []string{"fuse_bn_into_conv"}); err != nil {
		return nil, err
	}
	if _, err := onnxgraph.Save(p, path); err != nil {
		return nil, err
	}
	return onnxgraph.Load(path)
}
