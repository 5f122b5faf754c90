package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/segport"
	"github.com/knights-analytics/segport/deploy"
	"github.com/knights-analytics/segport/options"
	"github.com/knights-analytics/segport/verify"
)

var (
	checkpointPath       string
	outputPath           string
	imageSize            int
	opset                int64
	optimizeFlag         bool
	quantizeFlag         bool
	staticQuantizeFlag   bool
	calibrationDir       string
	calibrationSamples   int
	calibrationSeed      uint64
	verifyFlag           bool
	verifyRepetitions    int
	compareFlag          bool
	benchmarkRuns        int
	benchmarkWarmup      int
	deployFlag           bool
	deployDir            string
	publicRoot           string
	backendName          string
	onnxLibraryDir       string
	describeFlag         bool
	verboseFlag          bool
	defaultPipelineFlags = segport.DefaultPipelineConfig()
)

var backendFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "backend",
		Aliases:     []string{"b"},
		Usage:       "Engine used to verify and benchmark artifacts: GO, GONNX or ORT",
		Value:       options.BackendGo,
		Destination: &backendName,
	},
	&cli.StringFlag{
		Name:        "onnxruntimeSharedLibrary",
		Usage:       "Directory holding the onnxruntime shared library (ORT backend only)",
		Destination: &onnxLibraryDir,
	},
	&cli.BoolFlag{
		Name:        "verbose",
		Usage:       "Log debug messages",
		Destination: &verboseFlag,
	},
}

var exportCommand = &cli.Command{
	Name:      "export",
	Usage:     "Export a segmentation checkpoint to an ONNX graph and derive optimized and quantized variants",
	UsageText: "segport export --checkpoint ./checkpoints/best_model.json --output ./public/models/nail_segmentation.onnx --optimize --quantize --static-quantize --compare --deploy",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"c"},
			Usage:       "Checkpoint file holding the trained weights",
			Required:    true,
			Destination: &checkpointPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "Path of the raw ONNX export; variants are written beside it",
			Value:       defaultPipelineFlags.Output,
			Destination: &outputPath,
		},
		&cli.IntFlag{
			Name:        "image-size",
			Usage:       "Square input resolution baked into the graph",
			Value:       defaultPipelineFlags.ImageSize,
			Destination: &imageSize,
		},
		&cli.IntSliceFlag{
			Name:  "features",
			Usage: "Encoder widths, overriding the ones stored in the checkpoint (e.g. 32,64,128,256)",
		},
		&cli.Int64Flag{
			Name:        "opset",
			Usage:       "ONNX opset version of the export",
			Value:       defaultPipelineFlags.Opset,
			Destination: &opset,
		},
		&cli.BoolFlag{
			Name:        "optimize",
			Usage:       "Write a graph optimized variant (_optimized)",
			Destination: &optimizeFlag,
		},
		&cli.BoolFlag{
			Name:        "quantize",
			Usage:       "Write a dynamically quantized variant (_quantized)",
			Destination: &quantizeFlag,
		},
		&cli.BoolFlag{
			Name:        "static-quantize",
			Usage:       "Write a statically quantized variant (_static_int8) calibrated on sample images",
			Destination: &staticQuantizeFlag,
		},
		&cli.StringFlag{
			Name:        "calibration-dir",
			Usage:       "Directory of calibration images; synthetic samples are used when empty or missing",
			Destination: &calibrationDir,
		},
		&cli.IntFlag{
			Name:        "calibration-samples",
			Usage:       "Number of calibration samples",
			Value:       defaultPipelineFlags.CalibrationSamples,
			Destination: &calibrationSamples,
		},
		&cli.Uint64Flag{
			Name:        "calibration-seed",
			Usage:       "Seed of the calibration sample order and synthetic samples",
			Value:       defaultPipelineFlags.CalibrationSeed,
			Destination: &calibrationSeed,
		},
		&cli.BoolFlag{
			Name:        "verify",
			Usage:       "Verify the raw export (disable with --verify=false)",
			Value:       defaultPipelineFlags.Verify,
			Destination: &verifyFlag,
		},
		&cli.IntFlag{
			Name:        "verify-repetitions",
			Usage:       "Timed inferences run during verification",
			Value:       defaultPipelineFlags.VerifyRepetitions,
			Destination: &verifyRepetitions,
		},
		&cli.BoolFlag{
			Name:        "compare",
			Usage:       "Benchmark every variant against the raw export",
			Destination: &compareFlag,
		},
		&cli.IntFlag{
			Name:        "benchmark-runs",
			Usage:       "Timed inferences per variant",
			Value:       defaultPipelineFlags.BenchmarkRuns,
			Destination: &benchmarkRuns,
		},
		&cli.IntFlag{
			Name:        "benchmark-warmup",
			Usage:       "Untimed inferences per variant, negative to disable",
			Value:       defaultPipelineFlags.BenchmarkWarmup,
			Destination: &benchmarkWarmup,
		},
		&cli.BoolFlag{
			Name:        "deploy",
			Usage:       "Copy the best variant and its descriptor into the deploy directory",
			Destination: &deployFlag,
		},
		&cli.StringFlag{
			Name:        "deploy-dir",
			Usage:       "Directory the best variant is deployed to",
			Value:       defaultPipelineFlags.DeployDir,
			Destination: &deployDir,
		},
		&cli.StringFlag{
			Name:        "public-root",
			Usage:       "Web root that descriptor model paths are made relative to",
			Value:       defaultPipelineFlags.PublicRoot,
			Destination: &publicRoot,
		},
	}, backendFlags...),
	Before: configureLogging,
	Action: func(ctx *cli.Context) error {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer func() {
			if destroyErr := session.Destroy(); destroyErr != nil {
				log.Warn().Err(destroyErr).Msg("session cleanup failed")
			}
		}()

		cfg := segport.DefaultPipelineConfig()
		cfg.Checkpoint = checkpointPath
		cfg.Output = outputPath
		cfg.ImageSize = imageSize
		cfg.Features = ctx.IntSlice("features")
		cfg.Opset = opset
		cfg.Optimize = optimizeFlag
		cfg.Quantize = quantizeFlag
		cfg.StaticQuantize = staticQuantizeFlag
		cfg.CalibrationDir = calibrationDir
		cfg.CalibrationSamples = calibrationSamples
		cfg.CalibrationSeed = calibrationSeed
		cfg.Verify = verifyFlag
		cfg.VerifyRepetitions = verifyRepetitions
		cfg.Compare = compareFlag
		cfg.BenchmarkRuns = benchmarkRuns
		cfg.BenchmarkWarmup = benchmarkWarmup
		cfg.Deploy = deployFlag
		cfg.DeployDir = deployDir
		cfg.PublicRoot = publicRoot
		cfg.Report = ctx.App.Writer

		_, err = session.RunPipeline(ctx.Context, cfg)
		return err
	},
}

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "Verify an ONNX segmentation graph and print its structure and latency",
	UsageText: "segport inspect --image-size 256 ./public/models/nail_segmentation.onnx",
	ArgsUsage: "<model.onnx>",
	Flags: append([]cli.Flag{
		&cli.IntFlag{
			Name:        "image-size",
			Usage:       "Square input resolution of the graph",
			Value:       defaultPipelineFlags.ImageSize,
			Destination: &imageSize,
		},
		&cli.IntFlag{
			Name:        "repetitions",
			Usage:       "Timed inferences",
			Value:       verify.DefaultRepetitions,
			Destination: &verifyRepetitions,
		},
		&cli.BoolFlag{
			Name:        "describe",
			Usage:       "Also write the web descriptor (<model>_config.json) beside the graph",
			Destination: &describeFlag,
		},
		&cli.StringFlag{
			Name:        "public-root",
			Usage:       "Web root that the descriptor model path is made relative to",
			Value:       defaultPipelineFlags.PublicRoot,
			Destination: &publicRoot,
		},
	}, backendFlags...),
	Before: configureLogging,
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("inspect expects exactly one model path")
		}
		path := ctx.Args().First()
		session, err := newSession()
		if err != nil {
			return err
		}
		defer func() {
			if destroyErr := session.Destroy(); destroyErr != nil {
				log.Warn().Err(destroyErr).Msg("session cleanup failed")
			}
		}()

		verifier := &verify.Verifier{Engine: session.Engine(), Repetitions: verifyRepetitions}
		report, err := verifier.Verify(ctx.Context, path, imageSize)
		if err != nil {
			return err
		}
		if err = printReport(ctx.App.Writer, report); err != nil {
			return err
		}
		if describeFlag {
			descriptor, configPath, describeErr := deploy.Describe(path, publicRoot, imageSize)
			if describeErr != nil {
				return describeErr
			}
			_, err = fmt.Fprintf(ctx.App.Writer, "Descriptor: %s (%s, %.2f MB)\n", configPath, descriptor.ModelPath, descriptor.FileSizeMB)
		}
		return err
	},
}

func newSession() (*segport.Session, error) {
	var opts []options.WithOption
	if onnxLibraryDir != "" {
		opts = append(opts, options.WithOnnxLibraryPath(onnxLibraryDir))
	}
	switch strings.ToUpper(backendName) {
	case options.BackendGo:
		return segport.NewGoSession(opts...)
	case options.BackendGonnx:
		return segport.NewGonnxSession(opts...)
	case options.BackendORT:
		return segport.NewORTSession(opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q, expected GO, GONNX or ORT", backendName)
	}
}

func printReport(w io.Writer, r *verify.Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", r.Path)
	fmt.Fprintf(&b, "  IR version: %d, opset: %d, producer: %s\n", r.IRVersion, r.Opset, r.Producer)
	fmt.Fprintf(&b, "  Nodes: %d, parameters: %d\n", r.Nodes, r.Parameters)
	for _, in := range r.Inputs {
		fmt.Fprintf(&b, "  Input:  %s %s\n", in.Name, in.Dimensions)
	}
	for _, out := range r.Outputs {
		fmt.Fprintf(&b, "  Output: %s %s\n", out.Name, out.Dimensions)
	}
	fmt.Fprintf(&b, "  Output shape: %v, range: [%.4f, %.4f], mean: %.4f\n", r.OutputShape, r.Min, r.Max, r.Mean)
	fmt.Fprintf(&b, "  Latency: %.2f ms over %d runs (%.1f FPS)\n", float64(r.MeanLatency.Microseconds())/1000, r.Repetitions, r.FPS())
	_, err := io.WriteString(w, b.String())
	return err
}

// configureLogging runs as a command Before hook, once the command's flags are parsed.
func configureLogging(_ *cli.Context) error {
	level := log.InfoLevel
	if verboseFlag {
		level = log.DebugLevel
	}
	var writer log.Writer = log.IOWriter{Writer: os.Stderr}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		writer = &log.ConsoleWriter{
			ColorOutput:    true,
			QuoteString:    true,
			EndWithMessage: true,
			Writer:         os.Stderr,
		}
	}
	log.DefaultLogger = log.Logger{
		Level:  level,
		Writer: writer,
	}
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "segport",
		Usage:    "Export, optimize, quantize, benchmark and deploy segmentation models as ONNX graphs",
		Writer:   os.Stdout,
		Commands: []*cli.Command{exportCommand, inspectCommand},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		stop()
		log.Fatal().Err(err).Msg("segport failed")
	}
}
