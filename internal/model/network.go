package model

import (
	"errors"

	"github.com/Brownie44l1/cnn-lens/internal/tensor"
)

var (
	ErrLayerNotFound   = errors.New("layer not found")
	ErrNoGradientPath  = errors.New("layer has no gradient path to the class scores")
	ErrClassOutOfRange = errors.New("class index out of range")
)

// Network is a pretrained classifier that can be evaluated up to any of its
// layers and differentiated with respect to a layer's activation.
// Inputs are batched NHWC tensors of shape [1,H,W,C].
type Network interface {
	// Layers returns every layer name in forward order, input layer first.
	Layers() []string

	// Forward runs the network up to and including layer and returns that
	// layer's output with its batch dimension.
	Forward(input *tensor.Tensor, layer string) (*tensor.Tensor, error)

	// Record runs one forward pass that exposes both the activation of
	// layer and the final class scores, so that gradients of a score can
	// be taken with respect to that activation.
	Record(input *tensor.Tensor, layer string) (Tape, error)
}

// Tape holds the results of a recorded forward pass.
type Tape interface {
	Activation() *tensor.Tensor
	Scores() []float32
	// Gradient returns d Scores()[class] / d Activation(), shaped like
	// Activation().
	Gradient(class int) (*tensor.Tensor, error)
}
