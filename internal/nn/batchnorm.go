package nn

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/graph"
)

// BatchNorm applies frozen inference-time normalization over the last axis.
type BatchNorm struct {
	LayerName string
	Gamma     []float32
	Beta      []float32
	Mean      []float32
	Variance  []float32
	Epsilon   float32
}

func (l *BatchNorm) Name() string { return l.LayerName }

func (l *BatchNorm) OutputShape(in []int) ([]int, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("layer %q needs at least one dimension", l.LayerName)
	}
	c := in[len(in)-1]
	for name, v := range map[string][]float32{"gamma": l.Gamma, "beta": l.Beta, "mean": l.Mean, "variance": l.Variance} {
		if len(v) != c {
			return nil, fmt.Errorf("layer %q: %s has %d values, want %d", l.LayerName, name, len(v), c)
		}
	}
	return in, nil
}

// affine folds the frozen statistics into y = x*scale + shift.
func (l *BatchNorm) affine() (scale, shift []float32) {
	eps := l.Epsilon
	if eps == 0 {
		eps = 1e-3
	}
	scale = make([]float32, len(l.Gamma))
	shift = make([]float32, len(l.Gamma))
	for i := range scale {
		scale[i] = l.Gamma[i] / float32(math.Sqrt(float64(l.Variance[i]+eps)))
		shift[i] = l.Beta[i] - l.Mean[i]*scale[i]
	}
	return scale, shift
}

func (l *BatchNorm) Build(x *graph.Node) *graph.Node {
	scale, shift := l.affine()
	return graph.Add(graph.Mul(x, perChannel(x, scale)), perChannel(x, shift))
}
