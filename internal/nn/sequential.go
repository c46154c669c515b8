package nn

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/Brownie44l1/cnn-lens/internal/model"
	"github.com/Brownie44l1/cnn-lens/internal/tensor"
)

// Sequential chains layers and implements model.Network. Graphs are compiled
// lazily, once per requested layer, and reused across calls. It is safe for
// concurrent use.
type Sequential struct {
	backend    backends.Backend
	inputName  string
	inputShape []int
	layers     []Layer
	shapes     [][]int
	index      map[string]int

	mu      sync.Mutex
	spans   map[span]*executor
	records map[int]*executor
}

var _ model.Network = (*Sequential)(nil)

// span selects the layers after from up to and including to. from == -1
// starts at the network input.
type span struct{ from, to int }

// executor serializes calls into one compiled graph.
type executor struct {
	mu   sync.Mutex
	exec *graph.Exec
}

// NewSequential validates the chain by propagating inputShape (HWC, no batch
// dimension) through every layer. The final layer must produce a flat score
// vector.
func NewSequential(backend backends.Backend, inputName string, inputShape []int, layers ...Layer) (*Sequential, error) {
	if backend == nil {
		return nil, fmt.Errorf("network needs a backend")
	}
	s := &Sequential{
		backend:    backend,
		inputName:  inputName,
		inputShape: append([]int(nil), inputShape...),
		layers:     layers,
		index:      map[string]int{inputName: -1},
		spans:      make(map[span]*executor),
		records:    make(map[int]*executor),
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("network needs at least one layer")
	}
	shape := s.inputShape
	for i, l := range layers {
		if _, dup := s.index[l.Name()]; dup || l.Name() == "" {
			return nil, fmt.Errorf("layer %d: name %q is empty or duplicated", i, l.Name())
		}
		s.index[l.Name()] = i
		next, err := l.OutputShape(shape)
		if err != nil {
			return nil, err
		}
		shape = next
		s.shapes = append(s.shapes, shape)
	}
	if len(shape) != 1 {
		return nil, fmt.Errorf("final layer %q must produce class scores, got shape %v", layers[len(layers)-1].Name(), shape)
	}
	return s, nil
}

func (s *Sequential) Layers() []string {
	names := make([]string, 0, len(s.layers)+1)
	names = append(names, s.inputName)
	for _, l := range s.layers {
		names = append(names, l.Name())
	}
	return names
}

// InputShape returns the expected sample shape (H, W, C).
func (s *Sequential) InputShape() []int {
	return append([]int(nil), s.inputShape...)
}

// Classes returns the length of the score vector.
func (s *Sequential) Classes() int {
	return s.shapes[len(s.shapes)-1][0]
}

func (s *Sequential) shapeAt(i int) []int {
	if i < 0 {
		return s.inputShape
	}
	return s.shapes[i]
}

func (s *Sequential) check(input *tensor.Tensor, at int) error {
	want := append([]int{1}, s.shapeAt(at)...)
	if !input.SameShape(&tensor.Tensor{Shape: want}) {
		return fmt.Errorf("expected input of shape %v, got %v", want, input.Shape)
	}
	return nil
}

func (s *Sequential) chain(x *graph.Node, sp span) *graph.Node {
	for _, l := range s.layers[sp.from+1 : sp.to+1] {
		x = l.Build(x)
	}
	return x
}

func (s *Sequential) Forward(input *tensor.Tensor, layer string) (*tensor.Tensor, error) {
	stop, ok := s.index[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrLayerNotFound, layer)
	}
	if err := s.check(input, -1); err != nil {
		return nil, err
	}
	if stop < 0 {
		return input.Clone(), nil
	}
	return s.run(span{from: -1, to: stop}, input)
}

// run evaluates the layers of sp on x, the batched output of layer sp.from.
func (s *Sequential) run(sp span, x *tensor.Tensor) (*tensor.Tensor, error) {
	e, err := s.spanExec(sp)
	if err != nil {
		return nil, err
	}
	out, err := e.call(toDevice(x))
	if err != nil {
		return nil, err
	}
	return fromDevice(out[0])
}

func (s *Sequential) spanExec(sp span) (*executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.spans[sp]; ok {
		return e, nil
	}
	e, err := compile(func() *graph.Exec {
		return graph.NewExec(s.backend, func(x *graph.Node) *graph.Node {
			return s.chain(x, sp)
		})
	})
	if err != nil {
		return nil, err
	}
	s.spans[sp] = e
	return e, nil
}

// recordExec compiles the graph behind a tape: given the input and a class
// weighting it returns the activation of layer at, the class scores and the
// gradient of the weighted score sum with respect to that activation.
func (s *Sequential) recordExec(at int) (*executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[at]; ok {
		return e, nil
	}
	last := len(s.layers) - 1
	e, err := compile(func() *graph.Exec {
		return graph.NewExec(s.backend, func(x, weights *graph.Node) []*graph.Node {
			act := s.chain(x, span{from: -1, to: at})
			scores := s.chain(act, span{from: at, to: last})
			target := graph.ReduceAllSum(graph.Mul(scores, weights))
			return []*graph.Node{act, scores, graph.Gradient(target, act)[0]}
		})
	})
	if err != nil {
		return nil, err
	}
	s.records[at] = e
	return e, nil
}

func (s *Sequential) Record(input *tensor.Tensor, layer string) (model.Tape, error) {
	at, ok := s.index[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrLayerNotFound, layer)
	}
	if err := s.check(input, -1); err != nil {
		return nil, err
	}
	e, err := s.recordExec(at)
	if err != nil {
		return nil, err
	}
	out, err := e.call(toDevice(input), toDevice(tensor.New(1, s.Classes())))
	if err != nil {
		return nil, err
	}
	act, err := fromDevice(out[0])
	if err != nil {
		return nil, err
	}
	scores, err := fromDevice(out[1])
	if err != nil {
		return nil, err
	}
	return &tape{exec: e, input: input.Clone(), activation: act, scores: scores.Data}, nil
}

type tape struct {
	exec       *executor
	input      *tensor.Tensor
	activation *tensor.Tensor
	scores     []float32
}

func (t *tape) Activation() *tensor.Tensor { return t.activation }

func (t *tape) Scores() []float32 { return t.scores }

func (t *tape) Gradient(class int) (*tensor.Tensor, error) {
	if class < 0 || class >= len(t.scores) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", model.ErrClassOutOfRange, class, len(t.scores))
	}
	weights := tensor.New(1, len(t.scores))
	weights.Data[class] = 1
	out, err := t.exec.call(toDevice(t.input), toDevice(weights))
	if err != nil {
		return nil, err
	}
	return fromDevice(out[2])
}

// compile builds an executor, turning graph construction panics into errors.
func compile(build func() *graph.Exec) (e *executor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to build graph: %v", r)
		}
	}()
	return &executor{exec: build()}, nil
}

func (e *executor) call(args ...any) (out []*tensors.Tensor, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("graph execution failed: %v", r)
		}
	}()
	return e.exec.Call(args...), nil
}

func toDevice(t *tensor.Tensor) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(t.Data, t.Shape...)
}

func fromDevice(t *tensors.Tensor) (*tensor.Tensor, error) {
	var (
		data []float32
		ok   bool
	)
	t.ConstFlatData(func(flat any) {
		var v []float32
		if v, ok = flat.([]float32); ok {
			data = append([]float32(nil), v...)
		}
	})
	if !ok {
		return nil, fmt.Errorf("expected float32 result, got %s", t.Shape())
	}
	return tensor.FromData(data, t.Shape().Dimensions...)
}
