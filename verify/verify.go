package verify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/segport/backends"
	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/util/vectors"
)

// DefaultRepetitions is the number of timed runs behind the reported latency.
const DefaultRepetitions = 50

// VerificationError reports an artifact that is not a usable segmentation graph.
type VerificationError struct {
	Path string
	Err  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification of %s failed: %v", e.Path, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

type Report struct {
	Path        string
	IRVersion   int64
	Opset       int64
	Producer    string
	Nodes       int
	Parameters  int64
	Inputs      []backends.InputOutputInfo
	Outputs     []backends.InputOutputInfo
	OutputShape []int
	Min         float32
	Max         float32
	Mean        float32
	Repetitions int
	MeanLatency time.Duration
}

// FPS is the single image throughput implied by the mean latency.
func (r *Report) FPS() float64 {
	if r.MeanLatency <= 0 {
		return 0
	}
	return float64(time.Second) / float64(r.MeanLatency)
}

// Verifier checks that a graph file is well formed and maps a [1,3,S,S] image to a
// [1,1,S,S] probability map.
type Verifier struct {
	// Engine runs the graph, the GO engine when nil.
	Engine      backends.Engine
	Repetitions int
	Seed        uint64
	Logger      *log.Logger
}

func (v *Verifier) Verify(ctx context.Context, path string, imageSize int) (report *Report, err error) {
	logger := v.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	fail := func(err error) error { return &VerificationError{Path: path, Err: err} }

	m, err := onnxgraph.Load(path)
	if err != nil {
		return nil, fail(err)
	}
	if err = onnxgraph.Check(m); err != nil {
		return nil, fail(err)
	}
	report = &Report{
		Path:       path,
		IRVersion:  m.GetIrVersion(),
		Opset:      onnxgraph.Opset(m),
		Producer:   m.GetProducerName(),
		Nodes:      len(m.GetGraph().GetNode()),
		Parameters: onnxgraph.ParameterCount(m.GetGraph()),
	}

	engine := v.Engine
	if engine == nil {
		engine = backends.NewGoEngine()
	}
	runner, err := engine.Load(path)
	if err != nil {
		return nil, fail(err)
	}
	defer func() {
		if destroyErr := runner.Destroy(); destroyErr != nil {
			err = errors.Join(err, destroyErr)
		}
	}()
	report.Inputs, report.Outputs = runner.Inputs(), runner.Outputs()
	if err = checkDeclared(report.Inputs, 3, imageSize); err != nil {
		return nil, fail(fmt.Errorf("input: %w", err))
	}
	if err = checkDeclared(report.Outputs, 1, imageSize); err != nil {
		return nil, fail(fmt.Errorf("output: %w", err))
	}

	want := []int{1, 1, imageSize, imageSize}
	x := onnxgraph.NewFloat([]int{1, 3, imageSize, imageSize}, vectors.RandomNormal(3*imageSize*imageSize, v.Seed))
	y, err := backends.RunSingle(runner, x)
	if err != nil {
		return nil, fail(err)
	}
	report.OutputShape = y.Shape
	if !slices.Equal(y.Shape, want) {
		return nil, fail(fmt.Errorf("output shape %v, want %v", y.Shape, want))
	}
	for i, p := range y.Float {
		if math.IsNaN(float64(p)) || p < 0 || p > 1 {
			return nil, fail(fmt.Errorf("output value %g at %d is outside [0, 1]", p, i))
		}
	}
	report.Min, report.Max = vectors.MinMax(y.Float)
	report.Mean = vectors.Mean(y.Float)

	repetitions := v.Repetitions
	if repetitions <= 0 {
		repetitions = DefaultRepetitions
	}
	var total time.Duration
	for i := range repetitions {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		if _, err = backends.RunSingle(runner, x); err != nil {
			return nil, fail(fmt.Errorf("timed run %d: %w", i, err))
		}
		total += time.Since(start)
	}
	report.Repetitions = repetitions
	report.MeanLatency = total / time.Duration(repetitions)

	logger.Info().Str("stage", "verify").Str("path", path).Str("engine", engine.Name()).
		Int64("irVersion", report.IRVersion).Int64("opset", report.Opset).
		Float64("min", float64(report.Min)).Float64("max", float64(report.Max)).Float64("mean", float64(report.Mean)).
		Float64("latencyMs", float64(report.MeanLatency.Microseconds())/1000).Float64("fps", report.FPS()).
		Msg("artifact verified")
	return report, nil
}

// checkDeclared requires a single value declared as [batch, channels, S, S]. Undeclared
// shapes are left to the run itself.
func checkDeclared(infos []backends.InputOutputInfo, channels, imageSize int) error {
	if len(infos) != 1 {
		return fmt.Errorf("expected one value, graph declares %d", len(infos))
	}
	dims := infos[0].Dimensions
	if len(dims) == 0 {
		return nil
	}
	if !dims.Matches([]int{1, channels, imageSize, imageSize}) {
		return fmt.Errorf("%s is declared as %s, want [1 %d %d %d]", infos[0].Name, dims, channels, imageSize, imageSize)
	}
	return nil
}
