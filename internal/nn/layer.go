// Package nn implements small sequential convolutional classifiers as GoMLX
// computation graphs. Layers operate on batched NHWC nodes and gradients with
// respect to any intermediate activation come from graph.Gradient.
package nn

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/graph"
)

// NewBackend returns the pure-Go GoMLX backend networks are executed on.
func NewBackend() (backends.Backend, error) {
	b, err := simplego.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create GoMLX backend: %w", err)
	}
	return b, nil
}

type Layer interface {
	Name() string

	// OutputShape validates the layer against a sample shape (no batch
	// dimension) and returns the shape it produces.
	OutputShape(in []int) ([]int, error)

	// Build adds the layer to the graph. x carries a leading batch
	// dimension.
	Build(x *graph.Node) *graph.Node
}

type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Softmax Activation = "softmax"
)

func (a Activation) validate() error {
	switch a {
	case "", Linear, ReLU, Softmax:
		return nil
	}
	return fmt.Errorf("unknown activation %q", a)
}

// build applies the activation. Softmax normalizes over the last axis.
func (a Activation) build(x *graph.Node) *graph.Node {
	switch a {
	case ReLU:
		return graph.Max(x, graph.ZerosLike(x))
	case Softmax:
		return graph.Softmax(x, x.Rank()-1)
	}
	return x
}

// ActivationLayer applies an element-wise activation on its own, like a
// standalone Keras Activation or ReLU layer.
type ActivationLayer struct {
	LayerName string
	Fn        Activation
}

func (l *ActivationLayer) Name() string { return l.LayerName }

func (l *ActivationLayer) OutputShape(in []int) ([]int, error) {
	if err := l.Fn.validate(); err != nil {
		return nil, err
	}
	if l.Fn == Softmax && len(in) != 1 {
		return nil, fmt.Errorf("softmax needs a flat input, got %v", in)
	}
	return in, nil
}

func (l *ActivationLayer) Build(x *graph.Node) *graph.Node {
	return l.Fn.build(x)
}

// perChannel broadcasts v along the last axis of x.
func perChannel(x *graph.Node, v []float32) *graph.Node {
	dims := x.Shape().Dimensions
	shape := make([]int, len(dims))
	for i := range shape {
		shape[i] = 1
	}
	shape[len(shape)-1] = len(v)
	c := graph.Reshape(graph.Const(x.Graph(), v), shape...)
	return graph.BroadcastToDims(c, dims...)
}

func checkRank(name string, shape []int, rank int) error {
	if len(shape) != rank {
		return fmt.Errorf("layer %q expects rank %d input, got %v", name, rank, shape)
	}
	return nil
}
