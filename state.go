package segport

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/knights-analytics/segport/benchmark"
	"github.com/knights-analytics/segport/calibration"
	"github.com/knights-analytics/segport/deploy"
	"github.com/knights-analytics/segport/util/fileutil"
	"github.com/knights-analytics/segport/verify"
)

// Variant names produced by the pipeline stages.
const (
	VariantFloat32   = "float32"
	VariantOptimized = "optimized"
	VariantDynamic   = "dynamic-int8"
	VariantStatic    = "static-int8"
)

type Similarity struct {
	Cosine float64
	MSE    float64
}

// Variant is one artifact produced by a stage. Only the benchmark fields change after
// it is registered.
type Variant struct {
	Name      string
	Path      string
	SizeBytes int64
	// LatencyMs is set by benchmarking, -1 when the variant failed to run.
	LatencyMs *float64
	// Similarity to the reference variant. Nil for the reference itself.
	Similarity   *Similarity
	BenchmarkErr error
}

func (v *Variant) SizeMB() float64 { return float64(v.SizeBytes) / (1024 * 1024) }

// PipelineState tracks the variants of one pipeline run in production order and which one
// is currently the best. A later successful stage always supersedes earlier ones.
type PipelineState struct {
	variants []*Variant
	best     int

	Calibration    *calibration.Source
	Verification   *verify.Report
	Comparison     *benchmark.Report
	Descriptor     *deploy.Descriptor
	DescriptorPath string
	Deployed       *deploy.Published
}

func NewPipelineState() *PipelineState {
	return &PipelineState{best: -1}
}

// Add registers the artifact at path under name and makes it the current best.
func (s *PipelineState) Add(name, path string) (*Variant, error) {
	if _, ok := s.Variant(name); ok {
		return nil, fmt.Errorf("variant %s is already registered", name)
	}
	size, err := fileutil.FileSize(path)
	if err != nil {
		return nil, fmt.Errorf("variant %s: %w", name, err)
	}
	v := &Variant{Name: name, Path: path, SizeBytes: size}
	s.variants = append(s.variants, v)
	s.best = len(s.variants) - 1
	return v, nil
}

// Advance makes the named variant the current best.
func (s *PipelineState) Advance(name string) error {
	for i, v := range s.variants {
		if v.Name == name {
			s.best = i
			return nil
		}
	}
	return fmt.Errorf("unknown variant %s", name)
}

// Best returns the current best variant, nil before anything was registered.
func (s *PipelineState) Best() *Variant {
	if s.best < 0 {
		return nil
	}
	return s.variants[s.best]
}

func (s *PipelineState) Variants() []*Variant {
	return append([]*Variant(nil), s.variants...)
}

func (s *PipelineState) Variant(name string) (*Variant, bool) {
	for _, v := range s.variants {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// VariantAt returns the variant stored at path.
func (s *PipelineState) VariantAt(path string) (*Variant, bool) {
	for _, v := range s.variants {
		if filepath.Clean(v.Path) == filepath.Clean(path) {
			return v, true
		}
	}
	return nil, false
}

// BenchmarkVariants lists the variants in production order for the comparator.
func (s *PipelineState) BenchmarkVariants() []benchmark.Variant {
	out := make([]benchmark.Variant, len(s.variants))
	for i, v := range s.variants {
		out[i] = benchmark.Variant{Name: v.Name, Path: v.Path}
	}
	return out
}

// Attach copies latency and similarity from a comparison report onto the variants.
func (s *PipelineState) Attach(report *benchmark.Report) {
	s.Comparison = report
	for _, v := range s.variants {
		entry, ok := report.Entry(v.Name)
		if !ok {
			continue
		}
		latency := entry.LatencyMs
		v.LatencyMs = &latency
		v.BenchmarkErr = entry.Err
		v.Similarity = nil
		if entry.Similarity {
			v.Similarity = &Similarity{Cosine: entry.Cosine, MSE: entry.MSE}
		}
	}
}

// Summary lists every variant with its size, marking the current best.
func (s *PipelineState) Summary() string {
	var b strings.Builder
	b.WriteString("Generated files:\n")
	for i, v := range s.variants {
		marker := " "
		if i == s.best {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %-14s %8.2f MB  %s", marker, v.Name, v.SizeMB(), v.Path)
		if v.LatencyMs != nil && *v.LatencyMs >= 0 {
			fmt.Fprintf(&b, "  %.3f ms", *v.LatencyMs)
		}
		b.WriteByte('\n')
	}
	if best := s.Best(); best != nil {
		fmt.Fprintf(&b, "Best model: %s (%s)\n", best.Name, best.Path)
	}
	if s.DescriptorPath != "" {
		fmt.Fprintf(&b, "Descriptor: %s\n", s.DescriptorPath)
	}
	if s.Deployed != nil {
		fmt.Fprintf(&b, "Deployed: %s\n", s.Deployed.ModelPath)
	}
	return b.String()
}

func (s *PipelineState) Render(w io.Writer) error {
	_, err := io.WriteString(w, s.Summary())
	return err
}
