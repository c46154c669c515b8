package nn

import (
	"fmt"

	"github.com/gomlx/gomlx/graph"
)

type Padding string

const (
	Valid Padding = "valid"
	Same  Padding = "same"
)

// Conv2D is a square-kernel convolution. Kernel is laid out
// [kernelH][kernelW][inChannels][filters] and Bias has one entry per filter.
type Conv2D struct {
	LayerName  string
	KernelSize int
	Stride     int
	Padding    Padding
	Filters    int
	Kernel     []float32
	Bias       []float32
	Activation Activation
}

func (l *Conv2D) Name() string { return l.LayerName }

type convGeometry struct {
	inH, inW, inC int
	outH, outW    int
}

func (l *Conv2D) geometry(in []int) (convGeometry, error) {
	if err := checkRank(l.LayerName, in, 3); err != nil {
		return convGeometry{}, err
	}
	if l.KernelSize <= 0 || l.Stride <= 0 || l.Filters <= 0 {
		return convGeometry{}, fmt.Errorf("layer %q needs positive kernel_size, stride and filters", l.LayerName)
	}
	g := convGeometry{inH: in[0], inW: in[1], inC: in[2]}
	switch l.Padding {
	case Same:
		g.outH = (g.inH + l.Stride - 1) / l.Stride
		g.outW = (g.inW + l.Stride - 1) / l.Stride
	case Valid, "":
		g.outH = (g.inH-l.KernelSize)/l.Stride + 1
		g.outW = (g.inW-l.KernelSize)/l.Stride + 1
	default:
		return convGeometry{}, fmt.Errorf("layer %q: unknown padding %q", l.LayerName, l.Padding)
	}
	if g.outH <= 0 || g.outW <= 0 {
		return convGeometry{}, fmt.Errorf("layer %q: kernel %d does not fit input %v", l.LayerName, l.KernelSize, in)
	}
	if want := l.KernelSize * l.KernelSize * g.inC * l.Filters; len(l.Kernel) != want {
		return convGeometry{}, fmt.Errorf("layer %q: kernel has %d weights, want %d", l.LayerName, len(l.Kernel), want)
	}
	if len(l.Bias) != l.Filters {
		return convGeometry{}, fmt.Errorf("layer %q: bias has %d values, want %d", l.LayerName, len(l.Bias), l.Filters)
	}
	if l.Activation == Softmax {
		return convGeometry{}, fmt.Errorf("layer %q: softmax is not a spatial activation", l.LayerName)
	}
	return g, l.Activation.validate()
}

func (l *Conv2D) OutputShape(in []int) ([]int, error) {
	g, err := l.geometry(in)
	if err != nil {
		return nil, err
	}
	return []int{g.outH, g.outW, l.Filters}, nil
}

// Build convolves x with the kernel. Same padding follows the backend's SAME
// convention, which matches Keras for odd kernels.
func (l *Conv2D) Build(x *graph.Node) *graph.Node {
	inC := x.Shape().Dimensions[3]
	kernel := graph.Reshape(graph.Const(x.Graph(), l.Kernel), l.KernelSize, l.KernelSize, inC, l.Filters)
	conv := graph.Convolve(x, kernel).Strides(l.Stride)
	if l.Padding == Same {
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	y := conv.Done()
	return l.Activation.build(graph.Add(y, perChannel(y, l.Bias)))
}
