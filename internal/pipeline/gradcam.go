package pipeline

import (
	"fmt"

	"github.com/Brownie44l1/cnn-lens/internal/registry"
	"github.com/Brownie44l1/cnn-lens/internal/tensor"
)

// SaliencyMap is a Grad-CAM map with values in [0,1], laid out
// [Height][Width].
type SaliencyMap struct {
	Height int
	Width  int
	Values []float32

	// Class is the score index the map explains and Score its value.
	Class int
	Score float32
}

// Attribute computes the Grad-CAM map of layer for target, or for the
// top-scoring class when target is nil.
func Attribute(d *registry.ModelDescriptor, normalized *tensor.Tensor, layer string, target *int) (*SaliencyMap, error) {
	tape, err := d.Network.Record(normalized, layer)
	if err != nil {
		return nil, err
	}

	act, err := tape.Activation().Squeeze()
	if err != nil {
		return nil, err
	}
	if act.Rank() != 3 {
		return nil, fmt.Errorf("%w: %q has shape %v", ErrNotVisualizable, layer, act.Shape)
	}

	scores := tape.Scores()
	if len(scores) == 0 {
		return nil, fmt.Errorf("network produced no class scores")
	}
	class := tensor.ArgMax(scores)
	if target != nil {
		class = *target
	}

	g, err := tape.Gradient(class)
	if err != nil {
		return nil, err
	}
	grad, err := g.Squeeze()
	if err != nil {
		return nil, err
	}
	if !grad.SameShape(act) {
		return nil, fmt.Errorf("gradient shape %v does not match activation %v", grad.Shape, act.Shape)
	}
	if !grad.Finite() || !act.Finite() {
		return nil, fmt.Errorf("%w: layer %q class %d", ErrDegenerateGradient, layer, class)
	}

	return &SaliencyMap{
		Height: act.Shape[0],
		Width:  act.Shape[1],
		Values: gradCAM(act, grad),
		Class:  class,
		Score:  scores[class],
	}, nil
}

// gradCAM weights each activation channel by its spatially averaged
// gradient, sums the channels, rectifies and scales the result to [0,1].
// A map whose maximum is not positive becomes all zeros.
func gradCAM(act, grad *tensor.Tensor) []float32 {
	h, w, k := act.Shape[0], act.Shape[1], act.Shape[2]
	area := float64(h * w)

	weights := make([]float64, k)
	for i, g := range grad.Data {
		weights[i%k] += float64(g)
	}
	for c := range weights {
		weights[c] /= area
	}

	cam := make([]float64, h*w)
	var peak float64
	for p := range cam {
		var sum float64
		for c, wc := range weights {
			sum += float64(act.Data[p*k+c]) * wc
		}
		if sum < 0 {
			sum = 0
		}
		cam[p] = sum
		if sum > peak {
			peak = sum
		}
	}

	out := make([]float32, len(cam))
	if peak <= 0 {
		return out
	}
	for p, v := range cam {
		out[p] = float32(v / peak)
	}
	return out
}
