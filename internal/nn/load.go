package nn

import (
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/gomlx/gomlx/backends"
	"sigs.k8s.io/yaml"
)

// Spec is the serialized form of a Sequential network, read from YAML or
// JSON. Weights that are omitted are initialized from Seed (He-normal for
// kernels, zero bias, identity batch norm).
type Spec struct {
	Input   InputSpec   `json:"input"`
	Seed    int64       `json:"seed,omitempty"`
	Classes []string    `json:"classes,omitempty"`
	Layers  []LayerSpec `json:"layers"`
}

type InputSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type LayerSpec struct {
	Type       string     `json:"type"`
	Name       string     `json:"name"`
	KernelSize int        `json:"kernel_size,omitempty"`
	Stride     int        `json:"stride,omitempty"`
	Padding    Padding    `json:"padding,omitempty"`
	Filters    int        `json:"filters,omitempty"`
	Units      int        `json:"units,omitempty"`
	PoolSize   int        `json:"pool_size,omitempty"`
	Activation Activation `json:"activation,omitempty"`
	Kernel     []float32  `json:"kernel,omitempty"`
	Bias       []float32  `json:"bias,omitempty"`
	Gamma      []float32  `json:"gamma,omitempty"`
	Beta       []float32  `json:"beta,omitempty"`
	Mean       []float32  `json:"mean,omitempty"`
	Variance   []float32  `json:"variance,omitempty"`
	Epsilon    float32    `json:"epsilon,omitempty"`
}

func LoadFile(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network spec: %w", err)
	}
	return ParseSpec(raw)
}

func ParseSpec(raw []byte) (*Spec, error) {
	var s Spec
	if err := yaml.UnmarshalStrict(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to parse network spec: %w", err)
	}
	return &s, nil
}

// Build materializes the network on backend, filling in any missing weights.
func (s *Spec) Build(backend backends.Backend) (*Sequential, error) {
	if s.Input.Name == "" {
		s.Input.Name = "input_1"
	}
	if len(s.Input.Shape) != 3 {
		return nil, fmt.Errorf("input shape must be [H,W,C], got %v", s.Input.Shape)
	}
	rng := rand.New(rand.NewSource(s.Seed))

	layers := make([]Layer, 0, len(s.Layers))
	shape := s.Input.Shape
	for i, ls := range s.Layers {
		l, err := ls.build(shape, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, ls.Name, err)
		}
		if shape, err = l.OutputShape(shape); err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return NewSequential(backend, s.Input.Name, s.Input.Shape, layers...)
}

func (ls LayerSpec) build(in []int, rng *rand.Rand) (Layer, error) {
	switch ls.Type {
	case "conv2d":
		if len(in) != 3 {
			return nil, fmt.Errorf("conv2d needs a spatial input, got %v", in)
		}
		fanIn := ls.KernelSize * ls.KernelSize * in[2]
		stride := ls.Stride
		if stride == 0 {
			stride = 1
		}
		return &Conv2D{
			LayerName:  ls.Name,
			KernelSize: ls.KernelSize,
			Stride:     stride,
			Padding:    ls.Padding,
			Filters:    ls.Filters,
			Kernel:     orHeNormal(ls.Kernel, fanIn*ls.Filters, fanIn, rng),
			Bias:       orFill(ls.Bias, ls.Filters, 0),
			Activation: ls.Activation,
		}, nil
	case "dense":
		if len(in) != 1 {
			return nil, fmt.Errorf("dense needs a flat input, got %v", in)
		}
		return &Dense{
			LayerName:  ls.Name,
			Units:      ls.Units,
			Kernel:     orHeNormal(ls.Kernel, in[0]*ls.Units, in[0], rng),
			Bias:       orFill(ls.Bias, ls.Units, 0),
			Activation: ls.Activation,
		}, nil
	case "batch_norm":
		c := in[len(in)-1]
		return &BatchNorm{
			LayerName: ls.Name,
			Gamma:     orFill(ls.Gamma, c, 1),
			Beta:      orFill(ls.Beta, c, 0),
			Mean:      orFill(ls.Mean, c, 0),
			Variance:  orFill(ls.Variance, c, 1),
			Epsilon:   ls.Epsilon,
		}, nil
	case "max_pool2d":
		return &MaxPool2D{LayerName: ls.Name, PoolSize: ls.PoolSize, Stride: ls.Stride}, nil
	case "global_average_pooling2d":
		return &GlobalAveragePooling2D{LayerName: ls.Name}, nil
	case "flatten":
		return &Flatten{LayerName: ls.Name}, nil
	case "activation":
		return &ActivationLayer{LayerName: ls.Name, Fn: ls.Activation}, nil
	}
	return nil, fmt.Errorf("unknown layer type %q", ls.Type)
}

func orFill(v []float32, n int, fill float32) []float32 {
	if len(v) > 0 || n <= 0 {
		return v
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = fill
	}
	return out
}

func orHeNormal(v []float32, n, fanIn int, rng *rand.Rand) []float32 {
	if len(v) > 0 || n <= 0 || fanIn <= 0 {
		return v
	}
	stddev := math.Sqrt(2.0 / float64(fanIn))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64() * stddev)
	}
	return out
}
