package benchmark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/segport/backends"
	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/util/fileutil"
	"github.com/knights-analytics/segport/util/vectors"
)

const (
	DefaultRuns   = 100
	DefaultWarmup = 5
)

// Variant names one artifact to compare. The first variant that runs is the reference.
type Variant struct {
	Name string
	Path string
}

// RunError is a variant that could not be loaded or run. It fails only its own row.
type RunError struct {
	Variant string
	Err     error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("variant %s: %v", e.Variant, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

type Entry struct {
	Name      string
	Path      string
	SizeBytes int64
	// LatencyMs is the mean over the timed runs, -1 when the variant failed.
	LatencyMs   float64
	LatencyStd  float64
	Cosine      float64
	MSE         float64
	Similarity  bool
	IsReference bool
	// Rank orders successful rows by latency, fastest first. Failed rows have rank 0.
	Rank int
	Err  error
}

func (e Entry) SizeMB() float64 { return float64(e.SizeBytes) / (1024 * 1024) }

func (e Entry) Failed() bool { return e.Err != nil }

type Report struct {
	Entries []Entry
	// Skipped lists the variants whose file does not exist.
	Skipped   []string
	ImageSize int
	Runs      int
	Warmup    int
}

// Entry returns the row of the named variant.
func (r *Report) Entry(name string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Summary compares the last successful variant against the reference.
func (r *Report) Summary() []string {
	refIndex := slices.IndexFunc(r.Entries, func(e Entry) bool { return e.IsReference })
	if refIndex < 0 || r.Entries[refIndex].Failed() {
		return nil
	}
	ref := r.Entries[refIndex]
	var last *Entry
	for i := len(r.Entries) - 1; i > refIndex; i-- {
		if !r.Entries[i].Failed() {
			last = &r.Entries[i]
			break
		}
	}
	if last == nil {
		return nil
	}
	var lines []string
	if ref.LatencyMs > 0 && last.LatencyMs > 0 {
		if speedup := ref.LatencyMs / last.LatencyMs; speedup >= 1 {
			lines = append(lines, fmt.Sprintf("Speed: %.2fx faster (%s vs %s)", speedup, last.Name, ref.Name))
		} else {
			lines = append(lines, fmt.Sprintf("Speed: %.2fx slower (%s vs %s)", last.LatencyMs/ref.LatencyMs, last.Name, ref.Name))
		}
	}
	if ref.SizeBytes > 0 {
		change := 100 * float64(ref.SizeBytes-last.SizeBytes) / float64(ref.SizeBytes)
		if change >= 0 {
			lines = append(lines, fmt.Sprintf("Size: %.1f%% smaller (%s vs %s)", change, last.Name, ref.Name))
		} else {
			lines = append(lines, fmt.Sprintf("Size: %.1f%% larger (%s vs %s)", -change, last.Name, ref.Name))
		}
	}
	return lines
}

// Render writes the report as a fixed width table followed by the summary.
func (r *Report) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Model comparison (%dx%d input, %d runs after %d warm-up)\n", r.ImageSize, r.ImageSize, r.Runs, r.Warmup)
	fmt.Fprintf(&b, "%-16s %10s %12s %5s %12s %12s\n", "Variant", "Size(MB)", "Latency(ms)", "Rank", "Cosine", "MSE")
	for _, e := range r.Entries {
		rank := "-"
		if e.Rank > 0 {
			rank = fmt.Sprint(e.Rank)
		}
		switch {
		case e.Failed():
			fmt.Fprintf(&b, "%-16s %10.2f %12.3f %5s  error: %v\n", e.Name, e.SizeMB(), e.LatencyMs, rank, e.Err)
		case e.IsReference:
			fmt.Fprintf(&b, "%-16s %10.2f %12.3f %5s %12s %12s\n", e.Name, e.SizeMB(), e.LatencyMs, rank, "reference", "-")
		case e.Similarity:
			fmt.Fprintf(&b, "%-16s %10.2f %12.3f %5s %12.6f %12.3g\n", e.Name, e.SizeMB(), e.LatencyMs, rank, e.Cosine, e.MSE)
		default:
			fmt.Fprintf(&b, "%-16s %10.2f %12.3f %5s %12s %12s\n", e.Name, e.SizeMB(), e.LatencyMs, rank, "n/a", "n/a")
		}
	}
	for _, name := range r.Skipped {
		fmt.Fprintf(&b, "%-16s skipped: file not found\n", name)
	}
	for _, line := range r.Summary() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Comparator times each variant on the same input and measures how far its output
// drifts from the reference.
type Comparator struct {
	// Engine runs the variants, the GO engine when nil.
	Engine backends.Engine
	Runs   int
	// Warmup runs precede the timed runs. Zero selects DefaultWarmup, negative disables them.
	Warmup int
	Seed   uint64
	Logger *log.Logger
}

type measurement struct {
	output  *onnxgraph.Tensor
	mean    float64
	std     float64
	elapsed []float64
}

func (c *Comparator) Compare(ctx context.Context, variants []Variant, imageSize int) (*Report, error) {
	logger := c.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	engine := c.Engine
	if engine == nil {
		engine = backends.NewGoEngine()
	}
	runs, warmup := c.Runs, c.Warmup
	if runs <= 0 {
		runs = DefaultRuns
	}
	switch {
	case warmup < 0:
		warmup = 0
	case warmup == 0:
		warmup = DefaultWarmup
	}
	report := &Report{ImageSize: imageSize, Runs: runs, Warmup: warmup}
	x := onnxgraph.NewFloat([]int{1, 3, imageSize, imageSize}, vectors.RandomNormal(3*imageSize*imageSize, c.Seed))

	var reference *onnxgraph.Tensor
	for _, v := range variants {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exists, err := fileutil.FileExists(v.Path)
		if err != nil {
			return nil, err
		}
		if !exists {
			report.Skipped = append(report.Skipped, v.Name)
			logger.Warn().Str("stage", "compare").Str("variant", v.Name).Str("path", v.Path).Msg("variant file not found, skipping")
			continue
		}
		entry := Entry{Name: v.Name, Path: v.Path, LatencyMs: -1}
		entry.SizeBytes, err = fileutil.FileSize(v.Path)
		if err == nil {
			var m *measurement
			m, err = measure(ctx, engine, v.Path, x, runs, warmup)
			if err == nil {
				entry.LatencyMs, entry.LatencyStd = m.mean, m.std
				// the first variant that runs is the reference
				if reference == nil {
					entry.IsReference, reference = true, m.output
				} else {
					err = entry.compare(reference, m.output)
				}
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			entry.LatencyMs = -1
			entry.Similarity = false
			entry.Err = &RunError{Variant: v.Name, Err: err}
			logger.Warn().Str("stage", "compare").Str("variant", v.Name).Err(err).Msg("variant failed")
		} else {
			logger.Info().Str("stage", "compare").Str("variant", v.Name).Float64("latencyMs", entry.LatencyMs).
				Float64("sizeMB", entry.SizeMB()).Float64("cosine", entry.Cosine).Float64("mse", entry.MSE).Msg("variant measured")
		}
		report.Entries = append(report.Entries, entry)
	}
	if len(report.Entries) == 0 {
		return report, errors.New("no variant file exists")
	}
	report.rank()
	return report, nil
}

func (e *Entry) compare(reference, output *onnxgraph.Tensor) error {
	if !slices.Equal(reference.Shape, output.Shape) {
		return fmt.Errorf("output shape %v differs from reference %v", output.Shape, reference.Shape)
	}
	var err error
	if e.Cosine, err = vectors.Cosine(reference.Float, output.Float); err != nil {
		return err
	}
	if e.MSE, err = vectors.MSE(reference.Float, output.Float); err != nil {
		return err
	}
	e.Similarity = true
	return nil
}

func (r *Report) rank() {
	var ok []int
	for i, e := range r.Entries {
		if !e.Failed() {
			ok = append(ok, i)
		}
	}
	slices.SortStableFunc(ok, func(a, b int) int {
		switch {
		case r.Entries[a].LatencyMs < r.Entries[b].LatencyMs:
			return -1
		case r.Entries[a].LatencyMs > r.Entries[b].LatencyMs:
			return 1
		}
		return 0
	})
	for rank, i := range ok {
		r.Entries[i].Rank = rank + 1
	}
}

func measure(ctx context.Context, engine backends.Engine, path string, x *onnxgraph.Tensor, runs, warmup int) (m *measurement, err error) {
	runner, err := engine.Load(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if destroyErr := runner.Destroy(); destroyErr != nil {
			err = errors.Join(err, destroyErr)
		}
	}()
	m = &measurement{}
	for range warmup {
		if m.output, err = backends.RunSingle(runner, x); err != nil {
			return nil, err
		}
	}
	m.elapsed = make([]float64, 0, runs)
	for range runs {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		if m.output, err = backends.RunSingle(runner, x); err != nil {
			return nil, err
		}
		m.elapsed = append(m.elapsed, float64(time.Since(start).Nanoseconds())/1e6)
	}
	m.mean, m.std = vectors.MeanStdDev(m.elapsed)
	return m, nil
}
