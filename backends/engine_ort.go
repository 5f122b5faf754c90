//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/options"
	"github.com/knights-analytics/segport/util/fileutil"
)

// ORTEngine runs graphs with onnxruntime. Only one can be active per process.
type ORTEngine struct {
	options        *options.OrtOptions
	sessionOptions *ort.SessionOptions
}

func NewORTEngine(o *options.Options) (*ORTEngine, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}
	if err := initialiseEnvironment(o.ORTOptions); err != nil {
		return nil, err
	}
	sessionOptions, err := newSessionOptions(o.ORTOptions)
	if err != nil {
		return nil, errors.Join(err, ort.DestroyEnvironment())
	}
	o.RuntimeOptions = sessionOptions
	return &ORTEngine{options: o.ORTOptions, sessionOptions: sessionOptions}, nil
}

func initialiseEnvironment(o *options.OrtOptions) error {
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return err
		}
		if !ortPathExists {
			return fmt.Errorf("%w: cannot find the ort library at: %s", ErrBackendUnavailable, *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	var err error
	if o.Telemetry != nil {
		err = ort.EnableTelemetry()
	} else {
		err = ort.DisableTelemetry()
	}
	if err != nil {
		return errors.Join(err, ort.DestroyEnvironment())
	}
	return nil
}

func newSessionOptions(o *options.OrtOptions) (*ort.SessionOptions, error) {
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if err = applySessionOptions(sessionOptions, o); err != nil {
		return nil, errors.Join(err, sessionOptions.Destroy())
	}
	return sessionOptions, nil
}

func applySessionOptions(sessionOptions *ort.SessionOptions, o *options.OrtOptions) error {
	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return err
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return err
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return err
		}
	}
	if o.GraphOptimizationLevel != nil {
		if err := sessionOptions.SetGraphOptimizationLevel(ort.GraphOptimizationLevel(*o.GraphOptimizationLevel)); err != nil {
			return err
		}
	}
	if o.OptimizedModelPath != nil {
		if err := sessionOptions.SetOptimizedModelFilePath(*o.OptimizedModelPath); err != nil {
			return err
		}
	}
	return nil
}

func (e *ORTEngine) Name() string { return "ORT" }

func (e *ORTEngine) Load(path string) (Runner, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, err
	}
	r := &ortRunner{
		inputs:  convertORTInputOutputs(inputs),
		outputs: convertORTInputOutputs(outputs),
	}
	inputNames := make([]string, len(inputs))
	outputNames := make([]string, len(outputs))
	for i, v := range inputs {
		inputNames[i] = v.Name
	}
	for i, v := range outputs {
		outputNames[i] = v.Name
	}
	r.session, err = ort.NewDynamicAdvancedSession(path, inputNames, outputNames, e.sessionOptions)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (e *ORTEngine) Destroy() error {
	return errors.Join(e.sessionOptions.Destroy(), ort.DestroyEnvironment())
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}

type ortRunner struct {
	session *ort.DynamicAdvancedSession
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func (r *ortRunner) Inputs() []InputOutputInfo { return r.inputs }

func (r *ortRunner) Outputs() []InputOutputInfo { return r.outputs }

func (r *ortRunner) Run(inputs map[string]*onnxgraph.Tensor) (result map[string]*onnxgraph.Tensor, err error) {
	if err = checkInputs(r.inputs, inputs); err != nil {
		return nil, err
	}
	inputValues := make([]ort.Value, len(r.inputs))
	outputValues := make([]ort.Value, len(r.outputs))
	defer func() {
		for _, v := range append(inputValues, outputValues...) {
			if v != nil {
				err = errors.Join(err, v.Destroy())
			}
		}
	}()
	for i, info := range r.inputs {
		t := inputs[info.Name]
		dims := make([]int64, len(t.Shape))
		for j, d := range t.Shape {
			dims[j] = int64(d)
		}
		value, tensorErr := ort.NewTensor(ort.NewShape(dims...), t.Floats())
		if tensorErr != nil {
			return nil, tensorErr
		}
		inputValues[i] = value
	}
	if err = r.session.Run(inputValues, outputValues); err != nil {
		return nil, err
	}
	result = make(map[string]*onnxgraph.Tensor, len(r.outputs))
	for i, info := range r.outputs {
		value, ok := outputValues[i].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s is not a float tensor", info.Name)
		}
		shape := value.GetShape()
		dims := make([]int, len(shape))
		for j, d := range shape {
			dims[j] = int(d)
		}
		result[info.Name] = onnxgraph.NewFloat(dims, append([]float32(nil), value.GetData()...))
	}
	return result, nil
}

func (r *ortRunner) Destroy() error {
	return r.session.Destroy()
}

// OptimizeWithORT lets an onnxruntime session apply every graph optimization to in and
// write the optimized graph to out as a side effect of session creation.
func OptimizeWithORT(o *options.OrtOptions, in, out string) (err error) {
	if !ort.IsInitialized() {
		if err = initialiseEnvironment(o); err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, ort.DestroyEnvironment())
		}()
	}
	level := options.GraphOptimizationLevelEnableAll
	sessionOptionsConfig := *o
	sessionOptionsConfig.GraphOptimizationLevel = &level
	sessionOptionsConfig.OptimizedModelPath = &out
	if err = fileutil.EnsureParentDir(out); err != nil {
		return err
	}
	sessionOptions, err := newSessionOptions(&sessionOptionsConfig)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, sessionOptions.Destroy())
	}()
	inputs, outputs, err := ort.GetInputOutputInfo(in)
	if err != nil {
		return err
	}
	inputNames := make([]string, len(inputs))
	outputNames := make([]string, len(outputs))
	for i, v := range inputs {
		inputNames[i] = v.Name
	}
	for i, v := range outputs {
		outputNames[i] = v.Name
	}
	session, err := ort.NewDynamicAdvancedSession(in, inputNames, outputNames, sessionOptions)
	if err != nil {
		return err
	}
	if err = session.Destroy(); err != nil {
		return err
	}
	exists, err := fileutil.FileExists(out)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("onnxruntime did not write an optimized graph to %s", out)
	}
	return nil
}
