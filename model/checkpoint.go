package model

import (
	"fmt"
	"slices"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/util/fileutil"
)

// StateEntry is one serialized parameter.
type StateEntry struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Checkpoint is the on-disk form of a trained network: its weight-state mapping, the encoder
// widths it was trained with and whatever metrics training recorded.
type Checkpoint struct {
	ModelStateDict map[string]StateEntry `json:"model_state_dict"`
	Features       []int                 `json:"features,omitempty"`
	Metrics        map[string]any        `json:"metrics,omitempty"`
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	checkpoint := &Checkpoint{}
	if err = jsoniter.Unmarshal(data, checkpoint); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", path, err)
	}
	if checkpoint.ModelStateDict == nil {
		return nil, fmt.Errorf("checkpoint %s has no model_state_dict", path)
	}
	return checkpoint, nil
}

func (c *Checkpoint) Save(path string) error {
	data, err := jsoniter.Marshal(c)
	if err != nil {
		return err
	}
	return fileutil.WriteFileBytes(path, data)
}

// StateDict converts the serialized entries into tensors.
func (c *Checkpoint) StateDict() (map[string]*onnxgraph.Tensor, error) {
	state := make(map[string]*onnxgraph.Tensor, len(c.ModelStateDict))
	for name, entry := range c.ModelStateDict {
		if onnxgraph.NumElements(entry.Shape) != len(entry.Data) {
			return nil, fmt.Errorf("weight %s: shape %v does not match %d values", name, entry.Shape, len(entry.Data))
		}
		state[name] = onnxgraph.NewFloat(slices.Clone(entry.Shape), entry.Data)
	}
	return state, nil
}

// MetricNames lists the recorded metrics in a stable order.
func (c *Checkpoint) MetricNames() []string {
	names := make([]string, 0, len(c.Metrics))
	for name := range c.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewCheckpoint captures a network's parameters.
func NewCheckpoint(u *UNet, metrics map[string]any) *Checkpoint {
	state := make(map[string]StateEntry, len(u.params))
	for name, t := range u.params {
		state[name] = StateEntry{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Float)}
	}
	return &Checkpoint{ModelStateDict: state, Features: u.Features(), Metrics: metrics}
}

// Load rebuilds the network stored in the checkpoint. features overrides the stored widths when
// non-empty; with neither, DefaultFeatures is assumed.
func (c *Checkpoint) Load(features []int) (*UNet, error) {
	if len(features) == 0 {
		features = c.Features
	}
	if len(features) == 0 {
		features = DefaultFeatures
	}
	state, err := c.StateDict()
	if err != nil {
		return nil, err
	}
	return FromStateDict(3, 1, features, state)
}
