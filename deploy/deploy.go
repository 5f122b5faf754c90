package deploy

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/segport/export"
	"github.com/knights-analytics/segport/util/fileutil"
	"github.com/knights-analytics/segport/util/imageutil"
)

const (
	DefaultThreshold   = 0.5
	DefaultDescription = "Nail segmentation U-Net, lightweight model for web inference"
	DefaultPublicRoot  = "public"
)

type Normalization struct {
	Mean []float32 `json:"mean"`
	Std  []float32 `json:"std"`
}

// Descriptor tells a web client how to load the model and prepare its input.
type Descriptor struct {
	ModelPath     string        `json:"modelPath"`
	InputShape    []int         `json:"inputShape"`
	OutputShape   []int         `json:"outputShape"`
	InputName     string        `json:"inputName"`
	OutputName    string        `json:"outputName"`
	ImageSize     int           `json:"imageSize"`
	FileSizeMB    float64       `json:"fileSizeMB"`
	Normalization Normalization `json:"normalization"`
	Threshold     float64       `json:"threshold"`
	Description   string        `json:"description"`
}

func NewDescriptor(modelPath, publicRoot string, imageSize int, sizeBytes int64) *Descriptor {
	return &Descriptor{
		ModelPath:   PublicPath(modelPath, publicRoot),
		InputShape:  []int{1, 3, imageSize, imageSize},
		OutputShape: []int{1, 1, imageSize, imageSize},
		InputName:   export.InputName,
		OutputName:  export.OutputName,
		ImageSize:   imageSize,
		FileSizeMB:  math.Round(float64(sizeBytes)/(1024*1024)*100) / 100,
		Normalization: Normalization{
			Mean: slices.Clone(imageutil.ImagenetMean[:]),
			Std:  slices.Clone(imageutil.ImagenetStd[:]),
		},
		Threshold:   DefaultThreshold,
		Description: DefaultDescription,
	}
}

// ConfigPath is the descriptor file belonging to a model file.
func ConfigPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, ".onnx") + "_config.json"
}

// PublicPath returns path as a "/"-rooted URL path relative to publicRoot. Files outside
// the root are referred to by their base name.
func PublicPath(path, publicRoot string) string {
	if publicRoot == "" {
		publicRoot = DefaultPublicRoot
	}
	rel, err := filepath.Rel(publicRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(path)
	}
	return "/" + filepath.ToSlash(rel)
}

func WriteDescriptor(path string, d *Descriptor) error {
	data, err := jsoniter.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileBytes(path, append(data, '\n'))
}

func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	d := &Descriptor{}
	if err = jsoniter.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", path, err)
	}
	return d, nil
}

// Describe writes the descriptor of modelPath next to it and returns it.
func Describe(modelPath, publicRoot string, imageSize int) (*Descriptor, string, error) {
	size, err := fileutil.FileSize(modelPath)
	if err != nil {
		return nil, "", err
	}
	d := NewDescriptor(modelPath, publicRoot, imageSize, size)
	configPath := ConfigPath(modelPath)
	if err = WriteDescriptor(configPath, d); err != nil {
		return nil, "", err
	}
	return d, configPath, nil
}

type Published struct {
	ModelPath  string
	ConfigPath string
	Descriptor *Descriptor
}

// Publisher copies the chosen artifact into the directory served to clients.
type Publisher struct {
	Dir        string
	PublicRoot string
	Logger     *log.Logger
}

// Publish copies artifact to Dir/name and writes its descriptor beside it.
func (p *Publisher) Publish(ctx context.Context, artifact, name string, imageSize int) (*Published, error) {
	logger := p.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	dest := fileutil.PathJoinSafe(p.Dir, name)
	if filepath.Clean(dest) != filepath.Clean(artifact) {
		if err := fileutil.CopyFile(ctx, artifact, dest); err != nil {
			return nil, fmt.Errorf("deploying %s: %w", artifact, err)
		}
	}
	d, configPath, err := Describe(dest, p.PublicRoot, imageSize)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("stage", "deploy").Str("artifact", artifact).Str("path", dest).
		Str("config", configPath).Float64("sizeMB", d.FileSizeMB).Msg("model deployed")
	return &Published{ModelPath: dest, ConfigPath: configPath, Descriptor: d}, nil
}
