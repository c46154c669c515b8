package pipeline

import (
	"fmt"

	"github.com/Brownie44l1/cnn-lens/internal/registry"
	"github.com/Brownie44l1/cnn-lens/internal/tensor"
)

// ActivationMap is one layer's output for a single image, laid out
// [Height][Width][Channels].
type ActivationMap struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

func activationMap(t *tensor.Tensor) (*ActivationMap, bool) {
	if t.Rank() != 3 {
		return nil, false
	}
	return &ActivationMap{Height: t.Shape[0], Width: t.Shape[1], Channels: t.Shape[2], Data: t.Data}, true
}

// Channel copies out channel k as a row-major Height*Width slice.
func (a *ActivationMap) Channel(k int) []float32 {
	out := make([]float32, a.Height*a.Width)
	for p := range out {
		out[p] = a.Data[p*a.Channels+k]
	}
	return out
}

// ChannelMeans averages every channel over the spatial dimensions.
func (a *ActivationMap) ChannelMeans() []float64 {
	sums := make([]float64, a.Channels)
	for i, v := range a.Data {
		sums[i%a.Channels] += float64(v)
	}
	area := float64(a.Height * a.Width)
	for k := range sums {
		sums[k] /= area
	}
	return sums
}

// BestChannel returns the channel with the highest mean activation. Ties go
// to the lowest index.
func (a *ActivationMap) BestChannel() int {
	means := a.ChannelMeans()
	best := 0
	for k, m := range means {
		if m > means[best] {
			best = k
		}
	}
	return best
}

// Extract runs the network up to layer and returns its activation without
// the batch dimension. ok is false when the layer does not produce a
// rank-3 spatial map, such as a pooled or flattened vector.
func Extract(d *registry.ModelDescriptor, normalized *tensor.Tensor, layer string) (act *ActivationMap, ok bool, err error) {
	out, err := d.Network.Forward(normalized, layer)
	if err != nil {
		return nil, false, err
	}
	sample, err := out.Squeeze()
	if err != nil {
		return nil, false, fmt.Errorf("layer %q: %w", layer, err)
	}
	act, ok = activationMap(sample)
	return act, ok, nil
}
