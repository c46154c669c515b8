package nn

import (
	"fmt"

	"github.com/gomlx/gomlx/graph"
)

// MaxPool2D pools non-overlapping square windows without padding. Trailing
// rows and columns that do not fill a window are dropped.
type MaxPool2D struct {
	LayerName string
	PoolSize  int
	Stride    int
}

func (l *MaxPool2D) Name() string { return l.LayerName }

func (l *MaxPool2D) OutputShape(in []int) ([]int, error) {
	if err := checkRank(l.LayerName, in, 3); err != nil {
		return nil, err
	}
	if l.PoolSize <= 0 {
		return nil, fmt.Errorf("layer %q needs a positive pool_size", l.LayerName)
	}
	if l.Stride != 0 && l.Stride != l.PoolSize {
		return nil, fmt.Errorf("layer %q: stride %d must equal pool_size %d", l.LayerName, l.Stride, l.PoolSize)
	}
	outH, outW := in[0]/l.PoolSize, in[1]/l.PoolSize
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("layer %q: pool %d does not fit input %v", l.LayerName, l.PoolSize, in)
	}
	return []int{outH, outW, in[2]}, nil
}

// Build splits each spatial axis into (windows, pool) and reduces over the
// pool axes.
func (l *MaxPool2D) Build(x *graph.Node) *graph.Node {
	d := x.Shape().Dimensions
	p := l.PoolSize
	outH, outW := d[1]/p, d[2]/p
	if outH*p != d[1] || outW*p != d[2] {
		x = graph.Slice(x, graph.AxisRange(), graph.AxisRange(0, outH*p), graph.AxisRange(0, outW*p))
	}
	x = graph.Reshape(x, d[0], outH, p, outW, p, d[3])
	return graph.ReduceMax(x, 2, 4)
}

// GlobalAveragePooling2D averages each channel over the spatial dimensions,
// producing a flat vector.
type GlobalAveragePooling2D struct {
	LayerName string
}

func (l *GlobalAveragePooling2D) Name() string { return l.LayerName }

func (l *GlobalAveragePooling2D) OutputShape(in []int) ([]int, error) {
	if err := checkRank(l.LayerName, in, 3); err != nil {
		return nil, err
	}
	return []int{in[2]}, nil
}

func (l *GlobalAveragePooling2D) Build(x *graph.Node) *graph.Node {
	return graph.ReduceMean(x, 1, 2)
}

type Flatten struct {
	LayerName string
}

func (l *Flatten) Name() string { return l.LayerName }

func (l *Flatten) OutputShape(in []int) ([]int, error) {
	n := 1
	for _, d := range in {
		n *= d
	}
	return []int{n}, nil
}

func (l *Flatten) Build(x *graph.Node) *graph.Node {
	d := x.Shape().Dimensions
	n := 1
	for _, v := range d[1:] {
		n *= v
	}
	return graph.Reshape(x, d[0], n)
}
