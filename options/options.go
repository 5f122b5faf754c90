package options

import (
	"fmt"
	"runtime"

	"github.com/knights-analytics/segport/util/fileutil"
)

// Backend names accepted by Options.Backend.
const (
	BackendGo    = "GO"
	BackendGonnx = "GONNX"
	BackendORT   = "ORT"
)

type Options struct {
	// RuntimeOptions holds backend specific state created at session start, e.g. ORT session options.
	RuntimeOptions any
	ORTOptions     *OrtOptions
	Destroy        func() error
	Backend        string
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type GraphOptimizationLevel int

const (
	GraphOptimizationLevelDisableAll     GraphOptimizationLevel = 0
	GraphOptimizationLevelEnableBasic    GraphOptimizationLevel = 1
	GraphOptimizationLevelEnableExtended GraphOptimizationLevel = 2
	GraphOptimizationLevelEnableAll      GraphOptimizationLevel = 99
)

type OrtOptions struct {
	LibraryPath            *string
	LibraryDir             *string
	Telemetry              *bool
	IntraOpNumThreads      *int
	InterOpNumThreads      *int
	CPUMemArena            *bool
	MemPattern             *bool
	GraphOptimizationLevel *GraphOptimizationLevel
	// OptimizedModelPath makes session creation write the optimized graph to this file.
	OptimizedModelPath *string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) Use this function to set the directory holding "libonnxruntime.so",
// "libonnxruntime.dylib" or "onnxruntime.dll".
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		object, err := fileutil.FileStats(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		if !object.IsDir() {
			return fmt.Errorf("%s is not a directory", ortLibraryPath)
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryPath, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.IntraOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across
// separate graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return fmt.Errorf("WithMemPattern is only supported for ORT backend")
	}
}

// WithGraphOptimizationLevel (ORT only) Sets the graph optimization level for the session.
func WithGraphOptimizationLevel(level GraphOptimizationLevel) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.GraphOptimizationLevel = &level
			return nil
		}
		return fmt.Errorf("WithGraphOptimizationLevel is only supported for ORT backend")
	}
}

// WithOptimizedModelPath (ORT only) Writes the graph produced by the session's optimizer to path.
func WithOptimizedModelPath(path string) WithOption {
	return func(o *Options) error {
		if o.Backend == BackendORT {
			o.ORTOptions.OptimizedModelPath = &path
			return nil
		}
		return fmt.Errorf("WithOptimizedModelPath is only supported for ORT backend")
	}
}

// Apply builds options for backend from opts, in order.
func Apply(backend string, opts ...WithOption) (*Options, error) {
	switch backend {
	case BackendGo, BackendGonnx, BackendORT:
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
	parsed := Defaults()
	parsed.Backend = backend
	for _, option := range opts {
		if err := option(parsed); err != nil {
			return nil, err
		}
	}
	return parsed, nil
}
