package executor

import (
	"fmt"
	"math"

	"github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/knights-analytics/segport/onnxgraph"
)

// registerConvOps adds convolution, pooling and normalization operators to the registry.
func (r *Registry) registerConvOps() {
	r.Register("Conv", handleConv)
	r.Register("ConvTranspose", handleConvTranspose)
	r.Register("MaxPool", handleMaxPool)
	r.Register("BatchNormalization", handleBatchNorm)
}

// window describes a 2-D sliding window over an NCHW tensor.
type window struct {
	kh, kw int
	sh, sw int
	dh, dw int
	pt, pl int
	pb, pr int
}

func (w window) outSize(h, wd int, ceil bool) (int, int) {
	span := func(in, k, s, d, p0, p1 int) int {
		extent := in + p0 + p1 - ((k-1)*d + 1)
		if ceil {
			out := (extent+s-1)/s + 1
			// the last window has to start inside the padded input
			if (out-1)*s >= in+p0 {
				out--
			}
			return out
		}
		return extent/s + 1
	}
	return span(h, w.kh, w.sh, w.dh, w.pt, w.pb), span(wd, w.kw, w.sw, w.dw, w.pl, w.pr)
}

func readWindow(node *onnx.NodeProto, kernel []int, h, wd int) (window, error) {
	if len(kernel) != 2 {
		return window{}, fmt.Errorf("%s: only 2-D kernels are supported, got %v", node.GetOpType(), kernel)
	}
	strides := onnxgraph.ToInts(onnxgraph.AttrInts(node, "strides", []int64{1, 1}))
	dilations := onnxgraph.ToInts(onnxgraph.AttrInts(node, "dilations", []int64{1, 1}))
	pads := onnxgraph.ToInts(onnxgraph.AttrInts(node, "pads", []int64{0, 0, 0, 0}))
	if len(strides) != 2 || len(dilations) != 2 || len(pads) != 4 {
		return window{}, fmt.Errorf("%s: malformed strides, dilations or pads", node.GetOpType())
	}
	w := window{
		kh: kernel[0], kw: kernel[1],
		sh: strides[0], sw: strides[1],
		dh: dilations[0], dw: dilations[1],
		pt: pads[0], pl: pads[1], pb: pads[2], pr: pads[3],
	}
	if w.sh <= 0 || w.sw <= 0 || w.dh <= 0 || w.dw <= 0 {
		return window{}, fmt.Errorf("%s: strides and dilations must be positive", node.GetOpType())
	}
	switch autoPad := onnxgraph.AttrString(node, "auto_pad", "NOTSET"); autoPad {
	case "NOTSET":
	case "VALID":
		w.pt, w.pl, w.pb, w.pr = 0, 0, 0, 0
	case "SAME_UPPER", "SAME_LOWER":
		same := func(in, k, s, d int) (int, int) {
			out := (in + s - 1) / s
			total := max((out-1)*s+(k-1)*d+1-in, 0)
			if autoPad == "SAME_UPPER" {
				return total / 2, total - total/2
			}
			return total - total/2, total / 2
		}
		w.pt, w.pb = same(h, w.kh, w.sh, w.dh)
		w.pl, w.pr = same(wd, w.kw, w.sw, w.dw)
	default:
		return window{}, fmt.Errorf("%s: unsupported auto_pad %q", node.GetOpType(), autoPad)
	}
	return w, nil
}

// conv2D computes a grouped 2-D convolution of x [N,C,H,W] with weights [M,C/group,kh,kw].
func conv2D(x, weight *onnxgraph.Tensor, bias []float32, w window, group int) (*onnxgraph.Tensor, error) {
	if len(x.Shape) != 4 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("conv expects rank 4 input and weight, got %v and %v", x.Shape, weight.Shape)
	}
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	m, cg := weight.Shape[0], weight.Shape[1]
	if group <= 0 || c != cg*group || m%group != 0 {
		return nil, fmt.Errorf("conv channels: input %d, weight %v, group %d", c, weight.Shape, group)
	}
	if bias != nil && len(bias) != m {
		return nil, fmt.Errorf("conv bias has %d elements, expected %d", len(bias), m)
	}
	oh, ow := w.outSize(h, wd, false)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv output collapses to %dx%d", oh, ow)
	}
	out := onnxgraph.NewFloat([]int{n, m, oh, ow}, nil)
	mg := m / group
	for b := range n {
		for g := range group {
			for oc := g * mg; oc < (g+1)*mg; oc++ {
				dst := out.Float[(b*m+oc)*oh*ow : (b*m+oc+1)*oh*ow]
				if bias != nil {
					for i := range dst {
						dst[i] = bias[oc]
					}
				}
				for icg := range cg {
					ic := g*cg + icg
					src := x.Float[(b*c+ic)*h*wd : (b*c+ic+1)*h*wd]
					for ky := range w.kh {
						for kx := range w.kw {
							wv := weight.Float[((oc*cg+icg)*w.kh+ky)*w.kw+kx]
							if wv == 0 {
								continue
							}
							for oy := range oh {
								iy := oy*w.sh - w.pt + ky*w.dh
								if iy < 0 || iy >= h {
									continue
								}
								row := src[iy*wd : (iy+1)*wd]
								drow := dst[oy*ow : (oy+1)*ow]
								for ox := range ow {
									ix := ox*w.sw - w.pl + kx*w.dw
									if ix < 0 || ix >= wd {
										continue
									}
									drow[ox] += wv * row[ix]
								}
							}
						}
					}
				}
			}
		}
	}
	return out, nil
}

func kernelShape(node *onnx.NodeProto, weight *onnxgraph.Tensor) []int {
	if k := onnxgraph.AttrInts(node, "kernel_shape", nil); k != nil {
		return onnxgraph.ToInts(k)
	}
	return weight.Shape[2:]
}

func handleConv(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	x, weight := inputs[0], inputs[1]
	if x.Type != onnx.TensorProto_FLOAT || weight.Type != onnx.TensorProto_FLOAT {
		return nil, fmt.Errorf("conv expects float input and weight")
	}
	if len(x.Shape) != 4 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("conv expects rank 4 input and weight, got %v and %v", x.Shape, weight.Shape)
	}
	w, err := readWindow(node, kernelShape(node, weight), x.Shape[2], x.Shape[3])
	if err != nil {
		return nil, err
	}
	var bias []float32
	if b := optional(inputs, 2); b != nil {
		bias = b.Floats()
	}
	out, err := conv2D(x, weight, bias, w, int(onnxgraph.AttrInt(node, "group", 1)))
	if err != nil {
		return nil, err
	}
	return single(out)
}

func handleConvTranspose(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	x, weight := inputs[0], inputs[1]
	if len(x.Shape) != 4 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("convTranspose expects rank 4 input and weight, got %v and %v", x.Shape, weight.Shape)
	}
	if onnxgraph.Attribute(node, "output_shape") != nil {
		return nil, fmt.Errorf("convTranspose output_shape is not supported")
	}
	if autoPad := onnxgraph.AttrString(node, "auto_pad", "NOTSET"); autoPad != "NOTSET" {
		return nil, fmt.Errorf("convTranspose auto_pad %q is not supported", autoPad)
	}
	w, err := readWindow(node, kernelShape(node, weight), x.Shape[2], x.Shape[3])
	if err != nil {
		return nil, err
	}
	outputPadding := onnxgraph.ToInts(onnxgraph.AttrInts(node, "output_padding", []int64{0, 0}))
	group := int(onnxgraph.AttrInt(node, "group", 1))
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	mg := weight.Shape[1]
	if group <= 0 || weight.Shape[0] != c || c%group != 0 {
		return nil, fmt.Errorf("convTranspose channels: input %d, weight %v, group %d", c, weight.Shape, group)
	}
	m := mg * group
	cg := c / group
	oh := w.sh*(h-1) + outputPadding[0] + (w.kh-1)*w.dh + 1 - w.pt - w.pb
	ow := w.sw*(wd-1) + outputPadding[1] + (w.kw-1)*w.dw + 1 - w.pl - w.pr
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("convTranspose output collapses to %dx%d", oh, ow)
	}
	xd, wdata := x.Floats(), weight.Floats()
	out := onnxgraph.NewFloat([]int{n, m, oh, ow}, nil)
	if b := optional(inputs, 2); b != nil {
		bias := b.Floats()
		if len(bias) != m {
			return nil, fmt.Errorf("convTranspose bias has %d elements, expected %d", len(bias), m)
		}
		for bt := range n {
			for oc := range m {
				dst := out.Float[(bt*m+oc)*oh*ow : (bt*m+oc+1)*oh*ow]
				for i := range dst {
					dst[i] = bias[oc]
				}
			}
		}
	}
	for bt := range n {
		for g := range group {
			for icg := range cg {
				ic := g*cg + icg
				src := xd[(bt*c+ic)*h*wd : (bt*c+ic+1)*h*wd]
				for ocg := range mg {
					oc := g*mg + ocg
					dst := out.Float[(bt*m+oc)*oh*ow : (bt*m+oc+1)*oh*ow]
					for ky := range w.kh {
						for kx := range w.kw {
							wv := wdata[((ic*mg+ocg)*w.kh+ky)*w.kw+kx]
							if wv == 0 {
								continue
							}
							for iy := range h {
								oy := iy*w.sh - w.pt + ky*w.dh
								if oy < 0 || oy >= oh {
									continue
								}
								for ix := range wd {
									ox := ix*w.sw - w.pl + kx*w.dw
									if ox < 0 || ox >= ow {
										continue
									}
									dst[oy*ow+ox] += wv * src[iy*wd+ix]
								}
							}
						}
					}
				}
			}
		}
	}
	return single(out)
}

func handleMaxPool(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	if len(node.GetOutput()) > 1 && node.GetOutput()[1] != "" {
		return nil, fmt.Errorf("maxPool indices output is not supported")
	}
	x := inputs[0]
	if err := requireFloat(node, x); err != nil {
		return nil, err
	}
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("maxPool expects rank 4 input, got %v", x.Shape)
	}
	kernel := onnxgraph.AttrInts(node, "kernel_shape", nil)
	if kernel == nil {
		return nil, fmt.Errorf("maxPool requires kernel_shape")
	}
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	w, err := readWindow(node, onnxgraph.ToInts(kernel), h, wd)
	if err != nil {
		return nil, err
	}
	oh, ow := w.outSize(h, wd, onnxgraph.AttrInt(node, "ceil_mode", 0) == 1)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("maxPool output collapses to %dx%d", oh, ow)
	}
	out := onnxgraph.NewFloat([]int{n, c, oh, ow}, nil)
	for plane := range n * c {
		src := x.Float[plane*h*wd : (plane+1)*h*wd]
		dst := out.Float[plane*oh*ow : (plane+1)*oh*ow]
		for oy := range oh {
			for ox := range ow {
				best := float32(math.Inf(-1))
				for ky := range w.kh {
					iy := oy*w.sh - w.pt + ky*w.dh
					if iy < 0 || iy >= h {
						continue
					}
					for kx := range w.kw {
						ix := ox*w.sw - w.pl + kx*w.dw
						if ix < 0 || ix >= wd {
							continue
						}
						best = max(best, src[iy*wd+ix])
					}
				}
				dst[oy*ow+ox] = best
			}
		}
	}
	return single(out)
}

func handleBatchNorm(node *onnx.NodeProto, inputs []*onnxgraph.Tensor) ([]*onnxgraph.Tensor, error) {
	if err := requireInputs(node, inputs, 5); err != nil {
		return nil, err
	}
	x := inputs[0]
	if err := requireFloat(node, x); err != nil {
		return nil, err
	}
	if len(x.Shape) < 2 {
		return nil, fmt.Errorf("batchNormalization expects rank >= 2 input, got %v", x.Shape)
	}
	scale, bias, mean, variance := inputs[1].Floats(), inputs[2].Floats(), inputs[3].Floats(), inputs[4].Floats()
	c := x.Shape[1]
	for _, p := range [][]float32{scale, bias, mean, variance} {
		if len(p) != c {
			return nil, fmt.Errorf("batchNormalization parameters must have %d elements", c)
		}
	}
	eps := float64(onnxgraph.AttrFloat(node, "epsilon", 1e-5))
	inner := onnxgraph.NumElements(x.Shape[2:])
	out := onnxgraph.NewFloat(x.Shape, nil)
	for b := range x.Shape[0] {
		for ch := range c {
			k := scale[ch] / float32(math.Sqrt(float64(variance[ch])+eps))
			shift := bias[ch] - mean[ch]*k
			off := (b*c + ch) * inner
			for i := off; i < off+inner; i++ {
				out.Float[i] = x.Float[i]*k + shift
			}
		}
	}
	return single(out)
}
