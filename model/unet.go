package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/segport/onnxgraph"
)

// DefaultFeatures are the encoder widths of the standard four level network.
var DefaultFeatures = []int{16, 32, 64, 128}

const bnEpsilon = 1e-5

// ErrMissingWeight is returned when a state mapping lacks a parameter the network needs.
var ErrMissingWeight = errors.New("missing weight")

// ParamSpec names one learnable tensor and its shape.
type ParamSpec struct {
	Name  string
	Shape []int
}

// UNet is a lightweight encoder/decoder segmentation network built from depthwise
// separable convolution blocks, with channel concatenated skip connections, transposed
// convolution upsampling and a sigmoid output.
type UNet struct {
	inChannels  int
	outChannels int
	features    []int
	params      map[string]*onnxgraph.Tensor
}

// Specs lists the parameters of a UNet with the given widths, in module order.
func Specs(inChannels, outChannels int, features []int) ([]ParamSpec, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("features must not be empty")
	}
	for i, f := range features {
		if f <= 0 || (i > 0 && f%2 != 0) {
			return nil, fmt.Errorf("invalid feature widths %v", features)
		}
	}
	var specs []ParamSpec
	separable := func(prefix string, in, out int) {
		specs = append(specs,
			ParamSpec{prefix + ".depthwise.weight", []int{in, 1, 3, 3}},
			ParamSpec{prefix + ".pointwise.weight", []int{out, in, 1, 1}},
			ParamSpec{prefix + ".bn.weight", []int{out}},
			ParamSpec{prefix + ".bn.bias", []int{out}},
			ParamSpec{prefix + ".bn.running_mean", []int{out}},
			ParamSpec{prefix + ".bn.running_var", []int{out}},
		)
	}
	depth := len(features)
	in := inChannels
	for i, f := range features {
		separable(fmt.Sprintf("enc%d.conv1", i+1), in, f)
		separable(fmt.Sprintf("enc%d.conv2", i+1), f, f)
		in = f
	}
	last := features[depth-1]
	separable("bottleneck.0", last, 2*last)
	separable("bottleneck.1", 2*last, 2*last)
	for i := depth; i >= 1; i-- {
		decIn := decoderInput(features, i)
		skip := features[i-1]
		prefix := fmt.Sprintf("dec%d", i)
		specs = append(specs,
			ParamSpec{prefix + ".up.weight", []int{decIn, decIn / 2, 2, 2}},
			ParamSpec{prefix + ".up.bias", []int{decIn / 2}},
		)
		separable(prefix+".conv1", decIn/2+skip, skip)
		separable(prefix+".conv2", skip, skip)
	}
	specs = append(specs,
		ParamSpec{"output_conv.weight", []int{outChannels, features[0], 1, 1}},
		ParamSpec{"output_conv.bias", []int{outChannels}},
	)
	return specs, nil
}

func decoderInput(features []int, level int) int {
	if level == len(features) {
		return 2 * features[len(features)-1]
	}
	return features[level]
}

// NewUNet initializes a network from a seed: He-normal convolution weights and
// mildly perturbed batch-norm statistics.
func NewUNet(inChannels, outChannels int, features []int, seed uint64) (*UNet, error) {
	specs, err := Specs(inChannels, outChannels, features)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	params := make(map[string]*onnxgraph.Tensor, len(specs))
	for _, spec := range specs {
		t := onnxgraph.NewFloat(spec.Shape, nil)
		switch {
		case strings.HasSuffix(spec.Name, "bn.weight"):
			for i := range t.Float {
				t.Float[i] = 1 + 0.1*float32(rng.NormFloat64())
			}
		case strings.HasSuffix(spec.Name, "bn.running_var"):
			for i := range t.Float {
				t.Float[i] = 1 + 0.1*float32(math.Abs(rng.NormFloat64()))
			}
		case strings.HasSuffix(spec.Name, "bn.bias"), strings.HasSuffix(spec.Name, "bn.running_mean"):
			for i := range t.Float {
				t.Float[i] = 0.05 * float32(rng.NormFloat64())
			}
		case strings.HasSuffix(spec.Name, ".bias"):
			// transposed and output conv biases start at zero
		default:
			fanIn := onnxgraph.NumElements(spec.Shape[1:])
			if strings.Contains(spec.Name, ".up.") {
				fanIn = spec.Shape[0] * spec.Shape[2] * spec.Shape[3] / 4
			}
			std := math.Sqrt(2 / float64(max(fanIn, 1)))
			for i := range t.Float {
				t.Float[i] = float32(rng.NormFloat64() * std)
			}
		}
		params[spec.Name] = t
	}
	return &UNet{inChannels: inChannels, outChannels: outChannels, features: slices.Clone(features), params: params}, nil
}

// FromStateDict builds a network from a weight-state mapping. Every parameter must be present
// with the expected shape; batch-norm step counters are ignored, any other extra key is an error.
func FromStateDict(inChannels, outChannels int, features []int, state map[string]*onnxgraph.Tensor) (*UNet, error) {
	specs, err := Specs(inChannels, outChannels, features)
	if err != nil {
		return nil, err
	}
	params := make(map[string]*onnxgraph.Tensor, len(specs))
	var problems []error
	for _, spec := range specs {
		t, ok := state[spec.Name]
		if !ok {
			problems = append(problems, fmt.Errorf("%w: %s", ErrMissingWeight, spec.Name))
			continue
		}
		if t.Type != onnx.TensorProto_FLOAT || !slices.Equal(t.Shape, spec.Shape) || t.Len() != onnxgraph.NumElements(spec.Shape) {
			problems = append(problems, fmt.Errorf("weight %s has shape %v, expected %v", spec.Name, t.Shape, spec.Shape))
			continue
		}
		params[spec.Name] = t
	}
	for name := range state {
		if _, ok := params[name]; ok || strings.HasSuffix(name, "num_batches_tracked") {
			continue
		}
		if !slices.ContainsFunc(specs, func(s ParamSpec) bool { return s.Name == name }) {
			problems = append(problems, fmt.Errorf("unexpected weight %s", name))
		}
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return &UNet{inChannels: inChannels, outChannels: outChannels, features: slices.Clone(features), params: params}, nil
}

func (u *UNet) Name() string { return "unet" }

func (u *UNet) InChannels() int { return u.inChannels }

func (u *UNet) OutChannels() int { return u.outChannels }

func (u *UNet) Features() []int { return slices.Clone(u.features) }

// Depth is the number of pooling levels, so valid resolutions are multiples of 2^Depth.
func (u *UNet) Depth() int { return len(u.features) }

// StateDict returns the parameters keyed by name. The tensors are shared, not copied.
func (u *UNet) StateDict() map[string]*onnxgraph.Tensor {
	out := make(map[string]*onnxgraph.Tensor, len(u.params))
	for k, v := range u.params {
		out[k] = v
	}
	return out
}

func (u *UNet) ParameterCount() int64 {
	var n int64
	for name, t := range u.params {
		if strings.Contains(name, "running_") {
			continue
		}
		n += int64(t.Len())
	}
	return n
}

// ValidateResolution reports whether the skip connections line up at imageSize.
func (u *UNet) ValidateResolution(imageSize int) error {
	multiple := 1 << u.Depth()
	if imageSize <= 0 || imageSize%multiple != 0 {
		return fmt.Errorf("image size %d must be a positive multiple of %d for a %d level network", imageSize, multiple, u.Depth())
	}
	return nil
}

type tracer struct {
	b      *onnxgraph.Builder
	params map[string]*onnxgraph.Tensor
	used   map[string]bool
}

func (t *tracer) weight(name string) (string, error) {
	p, ok := t.params[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}
	if !t.used[name] {
		t.b.Initializer(name, p)
		t.used[name] = true
	}
	return name, nil
}

func (t *tracer) weights(names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		w, err := t.weight(n)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

// separable emits depthwise 3x3 conv, pointwise 1x1 conv, batch-norm and relu.
func (t *tracer) separable(prefix, x string, channels int) (string, error) {
	w, err := t.weights(prefix+".depthwise.weight", prefix+".pointwise.weight",
		prefix+".bn.weight", prefix+".bn.bias", prefix+".bn.running_mean", prefix+".bn.running_var")
	if err != nil {
		return "", err
	}
	x = t.b.Op("Conv", []string{x, w[0]},
		onnxgraph.IntsAttr("dilations", 1, 1),
		onnxgraph.IntAttr("group", int64(channels)),
		onnxgraph.IntsAttr("kernel_shape", 3, 3),
		onnxgraph.IntsAttr("pads", 1, 1, 1, 1),
		onnxgraph.IntsAttr("strides", 1, 1))
	x = t.b.Op("Conv", []string{x, w[1]},
		onnxgraph.IntsAttr("dilations", 1, 1),
		onnxgraph.IntAttr("group", 1),
		onnxgraph.IntsAttr("kernel_shape", 1, 1),
		onnxgraph.IntsAttr("pads", 0, 0, 0, 0),
		onnxgraph.IntsAttr("strides", 1, 1))
	x = t.b.Op("BatchNormalization", []string{x, w[2], w[3], w[4], w[5]},
		onnxgraph.FloatAttr("epsilon", bnEpsilon),
		onnxgraph.FloatAttr("momentum", 0.9))
	return t.b.Op("Relu", []string{x}), nil
}

func (u *UNet) Trace(b *onnxgraph.Builder, input string, imageSize int) (string, error) {
	if err := u.ValidateResolution(imageSize); err != nil {
		return "", err
	}
	t := &tracer{b: b, params: u.params, used: map[string]bool{}}
	var err error
	x := input
	channels := u.inChannels
	skips := make([]string, len(u.features))
	for i, f := range u.features {
		if x, err = t.separable(fmt.Sprintf("enc%d.conv1", i+1), x, channels); err != nil {
			return "", err
		}
		if x, err = t.separable(fmt.Sprintf("enc%d.conv2", i+1), x, f); err != nil {
			return "", err
		}
		skips[i] = x
		x = b.Op("MaxPool", []string{x},
			onnxgraph.IntAttr("ceil_mode", 0),
			onnxgraph.IntsAttr("kernel_shape", 2, 2),
			onnxgraph.IntsAttr("pads", 0, 0, 0, 0),
			onnxgraph.IntsAttr("strides", 2, 2))
		channels = f
	}
	if x, err = t.separable("bottleneck.0", x, channels); err != nil {
		return "", err
	}
	if x, err = t.separable("bottleneck.1", x, 2*channels); err != nil {
		return "", err
	}
	for i := len(u.features); i >= 1; i-- {
		prefix := fmt.Sprintf("dec%d", i)
		up, err := t.weights(prefix+".up.weight", prefix+".up.bias")
		if err != nil {
			return "", err
		}
		x = b.Op("ConvTranspose", []string{x, up[0], up[1]},
			onnxgraph.IntsAttr("dilations", 1, 1),
			onnxgraph.IntAttr("group", 1),
			onnxgraph.IntsAttr("kernel_shape", 2, 2),
			onnxgraph.IntsAttr("pads", 0, 0, 0, 0),
			onnxgraph.IntsAttr("strides", 2, 2))
		x = b.Op("Concat", []string{x, skips[i-1]}, onnxgraph.IntAttr("axis", 1))
		decIn := decoderInput(u.features, i)
		if x, err = t.separable(prefix+".conv1", x, decIn/2+u.features[i-1]); err != nil {
			return "", err
		}
		if x, err = t.separable(prefix+".conv2", x, u.features[i-1]); err != nil {
			return "", err
		}
	}
	head, err := t.weights("output_conv.weight", "output_conv.bias")
	if err != nil {
		return "", err
	}
	x = b.Op("Conv", []string{x, head[0], head[1]},
		onnxgraph.IntsAttr("dilations", 1, 1),
		onnxgraph.IntAttr("group", 1),
		onnxgraph.IntsAttr("kernel_shape", 1, 1),
		onnxgraph.IntsAttr("pads", 0, 0, 0, 0),
		onnxgraph.IntsAttr("strides", 1, 1))
	return b.Op("Sigmoid", []string{x}), nil
}
