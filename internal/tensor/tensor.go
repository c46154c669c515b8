package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, volume(shape)),
	}
}

// FromData wraps data without copying it.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if volume(shape) != len(data) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, volume(shape), len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Rank() int { return len(t.Shape) }

func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Squeeze drops a leading batch dimension of size 1.
func (t *Tensor) Squeeze() (*Tensor, error) {
	if len(t.Shape) == 0 || t.Shape[0] != 1 {
		return nil, fmt.Errorf("expected leading batch dimension of 1, got shape %v", t.Shape)
	}
	return &Tensor{Shape: append([]int(nil), t.Shape[1:]...), Data: t.Data}, nil
}

// Unsqueeze prepends a batch dimension of size 1.
func (t *Tensor) Unsqueeze() *Tensor {
	return &Tensor{Shape: append([]int{1}, t.Shape...), Data: t.Data}
}

// Finite reports whether every element is neither NaN nor Inf.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// ArgMax returns the index of the largest element, first occurrence on ties.
func ArgMax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// ToNCHW converts a rank-4 NHWC tensor to NCHW.
func ToNCHW(t *Tensor) (*Tensor, error) {
	if t.Rank() != 4 {
		return nil, fmt.Errorf("expected rank 4 tensor, got shape %v", t.Shape)
	}
	n, h, w, c := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := New(n, c, h, w)
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for k := 0; k < c; k++ {
					out.Data[((b*c+k)*h+y)*w+x] = t.Data[((b*h+y)*w+x)*c+k]
				}
			}
		}
	}
	return out, nil
}

// ToNHWC converts a rank-4 NCHW tensor to NHWC.
func ToNHWC(t *Tensor) (*Tensor, error) {
	if t.Rank() != 4 {
		return nil, fmt.Errorf("expected rank 4 tensor, got shape %v", t.Shape)
	}
	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := New(n, h, w, c)
	for b := 0; b < n; b++ {
		for k := 0; k < c; k++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					out.Data[((b*h+y)*w+x)*c+k] = t.Data[((b*c+k)*h+y)*w+x]
				}
			}
		}
	}
	return out, nil
}
