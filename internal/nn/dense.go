package nn

import (
	"fmt"

	"github.com/gomlx/gomlx/graph"
)

// Dense is a fully connected layer over a flat input. Kernel is laid out
// [inputs][units].
type Dense struct {
	LayerName  string
	Units      int
	Kernel     []float32
	Bias       []float32
	Activation Activation
}

func (l *Dense) Name() string { return l.LayerName }

func (l *Dense) OutputShape(in []int) ([]int, error) {
	if err := checkRank(l.LayerName, in, 1); err != nil {
		return nil, err
	}
	if l.Units <= 0 {
		return nil, fmt.Errorf("layer %q needs positive units", l.LayerName)
	}
	if want := in[0] * l.Units; len(l.Kernel) != want {
		return nil, fmt.Errorf("layer %q: kernel has %d weights, want %d", l.LayerName, len(l.Kernel), want)
	}
	if len(l.Bias) != l.Units {
		return nil, fmt.Errorf("layer %q: bias has %d values, want %d", l.LayerName, len(l.Bias), l.Units)
	}
	return []int{l.Units}, l.Activation.validate()
}

func (l *Dense) Build(x *graph.Node) *graph.Node {
	in := x.Shape().Dimensions[1]
	kernel := graph.Reshape(graph.Const(x.Graph(), l.Kernel), in, l.Units)
	y := graph.Einsum("bi,iu->bu", x, kernel)
	return l.Activation.build(graph.Add(y, perChannel(y, l.Bias)))
}
