package optimize

import (
	"context"
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/segport/backends"
	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/options"
	"github.com/knights-analytics/segport/util/fileutil"
)

// ErrUnavailable marks a tier whose backend is missing. It only ever moves the chain on.
var ErrUnavailable = errors.New("optimizer unavailable")

// Tier is one strategy of the fallback chain. Run reads the graph at in and writes the result to out.
type Tier struct {
	Name string
	Run  func(ctx context.Context, in, out string) error
}

// Attempt records why a tier did not produce the artifact.
type Attempt struct {
	Tier string
	Err  error
}

type Result struct {
	Path       string
	Tier       string
	SizeBefore int64
	SizeAfter  int64
	// Fallback is set when the artifact is a plain copy of the input.
	Fallback bool
	Attempts []Attempt
}

func (r *Result) Delta() int64 { return r.SizeAfter - r.SizeBefore }

func (r *Result) ReductionPercent() float64 {
	if r.SizeBefore == 0 {
		return 0
	}
	return 100 * float64(r.SizeBefore-r.SizeAfter) / float64(r.SizeBefore)
}

type Optimizer struct {
	Tiers  []Tier
	Logger *log.Logger
}

// New returns the standard chain: onnxruntime, then the graph rewriter, then a copy.
func New(ortOptions *options.OrtOptions) *Optimizer {
	return &Optimizer{Tiers: []Tier{ORTTier(ortOptions), RewriteTier(Passes...), CopyTier()}}
}

// ORTTier optimizes with an onnxruntime session at the highest optimization level. The result
// must still be a standard graph: runtime specific fused operators fail the tier.
func ORTTier(o *options.OrtOptions) Tier {
	if o == nil {
		o = options.Defaults().ORTOptions
	}
	return Tier{
		Name: "onnxruntime",
		Run: func(_ context.Context, in, out string) error {
			err := backends.OptimizeWithORT(o, in, out)
			if errors.Is(err, backends.ErrBackendUnavailable) {
				return fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
			if err != nil {
				return err
			}
			m, err := onnxgraph.Load(out)
			if err != nil {
				return err
			}
			for _, node := range m.GetGraph().GetNode() {
				if node.GetDomain() != "" && node.GetDomain() != "ai.onnx" {
					return fmt.Errorf("optimized graph uses %s operator %s", node.GetDomain(), node.GetOpType())
				}
			}
			return onnxgraph.Check(m)
		},
	}
}

// RewriteTier applies the named passes, folds constants and annotates shapes.
func RewriteTier(passes ...string) Tier {
	return Tier{
		Name: "rewrite",
		Run: func(ctx context.Context, in, out string) error {
			m, err := onnxgraph.Load(in)
			if err != nil {
				return err
			}
			if _, err = Rewrite(ctx, m, passes); err != nil {
				return err
			}
			_, err = onnxgraph.Save(m, out)
			return err
		},
	}
}

func CopyTier() Tier {
	return Tier{
		Name: "copy",
		Run: func(ctx context.Context, in, out string) error {
			return fileutil.CopyFile(ctx, in, out)
		},
	}
}

// Optimize runs the tiers in order until one succeeds. Tier failures are logged and never
// returned; an error means no tier, not even the copy, could produce out.
func (o *Optimizer) Optimize(ctx context.Context, in, out string) (*Result, error) {
	logger := o.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	sizeBefore, err := fileutil.FileSize(in)
	if err != nil {
		return nil, err
	}
	result := &Result{Path: out, SizeBefore: sizeBefore}
	for _, tier := range o.Tiers {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		if _, err = fileutil.DeleteIfExists(out); err != nil {
			return nil, err
		}
		tierErr := tier.Run(ctx, in, out)
		if tierErr == nil {
			result.SizeAfter, tierErr = fileutil.FileSize(out)
		}
		if tierErr != nil {
			result.Attempts = append(result.Attempts, Attempt{Tier: tier.Name, Err: tierErr})
			event := logger.Warn()
			if errors.Is(tierErr, ErrUnavailable) {
				event = logger.Info()
			}
			event.Str("stage", "optimize").Str("tier", tier.Name).Err(tierErr).Msg("optimization tier failed, falling back")
			continue
		}
		result.Tier = tier.Name
		result.Fallback = tier.Name == "copy"
		logger.Info().Str("stage", "optimize").Str("tier", tier.Name).
			Int64("sizeBefore", result.SizeBefore).Int64("sizeAfter", result.SizeAfter).
			Int64("delta", result.Delta()).Msg("graph optimized")
		return result, nil
	}
	_, _ = fileutil.DeleteIfExists(out)
	errs := make([]error, len(result.Attempts))
	for i, a := range result.Attempts {
		errs[i] = fmt.Errorf("%s: %w", a.Tier, a.Err)
	}
	return result, fmt.Errorf("no optimization tier produced %s: %w", out, errors.Join(errs...))
}
