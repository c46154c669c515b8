package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes an exported ONNX graph. Layers lists every layer of the
// source model in forward order; only layers with an Output are inspectable.
type Metadata struct {
	InputName     string          `json:"input_name"`
	InputShape    []int64         `json:"input_shape"`
	OutputName    string          `json:"output_name"`
	OutputShape   []int64         `json:"output_shape"`
	Classes       []string        `json:"classes"`
	ChannelsFirst bool            `json:"channels_first"`
	Layers        []LayerMetadata `json:"layers"`

	// ClassWeightsName is the graph input that weights the class scores
	// before differentiation. Graphs without it cannot produce gradients.
	ClassWeightsName string `json:"class_weights_input,omitempty"`
}

type LayerMetadata struct {
	Name   string  `json:"name"`
	Output string  `json:"output,omitempty"`
	Shape  []int64 `json:"shape,omitempty"`

	// Gradient names the graph output holding
	// d(sum(class_weights * scores)) / d(layer output).
	Gradient      string  `json:"gradient,omitempty"`
	GradientShape []int64 `json:"gradient_shape,omitempty"`
}

func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func (m Metadata) Validate() error {
	if m.InputName == "" || m.OutputName == "" {
		return fmt.Errorf("metadata needs input_name and output_name")
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fmt.Errorf("input_shape must be [1,H,W,C] or [1,C,H,W], got %v", m.InputShape)
	}
	if len(m.OutputShape) != 2 || m.OutputShape[0] != 1 {
		return fmt.Errorf("output_shape must be [1,classes], got %v", m.OutputShape)
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("metadata lists no layers")
	}
	seen := make(map[string]bool, len(m.Layers))
	for _, l := range m.Layers {
		if seen[l.Name] {
			return fmt.Errorf("duplicate layer %q", l.Name)
		}
		seen[l.Name] = true
		if l.Output != "" && l.Output != m.InputName && len(l.Shape) == 0 {
			return fmt.Errorf("layer %q has an output but no shape", l.Name)
		}
		if l.Gradient != "" && len(l.GradientShape) == 0 {
			return fmt.Errorf("layer %q has a gradient but no gradient_shape", l.Name)
		}
	}
	return nil
}

// InputSize returns the spatial input size as (height, width).
func (m Metadata) InputSize() (int, int) {
	if m.ChannelsFirst {
		return int(m.InputShape[2]), int(m.InputShape[3])
	}
	return int(m.InputShape[1]), int(m.InputShape[2])
}

func (m Metadata) layer(name string) (LayerMetadata, bool) {
	for _, l := range m.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerMetadata{}, false
}

func toInts(shape []int64) []int {
	out := make([]int, len(shape))
	for i, d := range shape {
		out[i] = int(d)
	}
	return out
}
