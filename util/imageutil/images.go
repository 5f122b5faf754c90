package imageutil

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/knights-analytics/segport/util/fileutil"
)

// ImageExtensions are the file extensions considered to hold images.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// ImagenetMean and ImagenetStd are the per-channel RGB normalization constants.
var (
	ImagenetMean = [3]float32{0.485, 0.456, 0.406}
	ImagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

func LoadImage(path string) (image.Image, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return img, nil
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// ResizePreprocessor scales an image to exactly width x height with bilinear interpolation,
// ignoring the aspect ratio.
type ResizePreprocessor struct {
	width  int
	height int
}

func ResizeStep(width, height int) *ResizePreprocessor {
	return &ResizePreprocessor{width: width, height: height}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	dst := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

func ImagenetPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: ImagenetMean, std: ImagenetStd}
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

// ToCHW converts an image to a planar RGB float slice [3, H, W], dropping alpha,
// and applies the normalization steps to every pixel in order.
func ToCHW(img image.Image, steps ...NormalizationStep) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			r, g, b := float32(c.R), float32(c.G), float32(c.B)
			for _, step := range steps {
				r, g, b = step.Apply(r, g, b)
			}
			i := y*w + x
			out[i] = r
			out[plane+i] = g
			out[2*plane+i] = b
		}
	}
	return out
}

// Preprocess runs the image steps, then returns the normalized CHW pixels and the final size.
func Preprocess(img image.Image, imageSteps []PreprocessStep, normSteps []NormalizationStep) ([]float32, int, int, error) {
	var err error
	for _, step := range imageSteps {
		if img, err = step.Apply(img); err != nil {
			return nil, 0, 0, err
		}
	}
	return ToCHW(img, normSteps...), img.Bounds().Dx(), img.Bounds().Dy(), nil
}
