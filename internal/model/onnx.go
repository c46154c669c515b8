package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/cnn-lens/internal/tensor"
)

// InitRuntime initializes the process-wide ONNX Runtime environment. It must
// be called once before any ONNXNetwork is created.
func InitRuntime(libraryPath string) error {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// session is a graph bound to pre-allocated buffers. Run reads Input and
// ClassWeights and overwrites every output buffer.
type session interface {
	Input() []float32
	// ClassWeights is nil when the graph has no class weights input.
	ClassWeights() []float32
	Scores() []float32
	Output(layer string) ([]float32, bool)
	Gradient(layer string) ([]float32, bool)
	Run() error
	Destroy()
}

// ONNXNetwork evaluates an exported graph whose intermediate layer
// activations (and optionally their gradients) are graph outputs.
// The session's buffers are shared, so every run holds mu.
type ONNXNetwork struct {
	Metadata Metadata

	mu      sync.Mutex
	session session
	layers  []string
}

func NewONNXNetwork(modelPath string, metadata Metadata) (*ONNXNetwork, error) {
	if err := metadata.Validate(); err != nil {
		return nil, err
	}
	s, err := newORTSession(modelPath, metadata)
	if err != nil {
		return nil, err
	}
	return newNetwork(metadata, s), nil
}

func newNetwork(metadata Metadata, s session) *ONNXNetwork {
	n := &ONNXNetwork{Metadata: metadata, session: s}
	for _, l := range metadata.Layers {
		n.layers = append(n.layers, l.Name)
	}
	return n
}

func (n *ONNXNetwork) Layers() []string {
	return append([]string(nil), n.layers...)
}

func (n *ONNXNetwork) Forward(input *tensor.Tensor, layer string) (*tensor.Tensor, error) {
	l, ok := n.Metadata.layer(layer)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, layer)
	}
	if l.Output == n.Metadata.InputName {
		return input.Clone(), nil
	}
	out, ok := n.session.Output(layer)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not exported by the graph", ErrLayerNotFound, layer)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.run(input, -1); err != nil {
		return nil, err
	}
	return readOutput(out, l.Shape, n.Metadata.ChannelsFirst)
}

func (n *ONNXNetwork) Record(input *tensor.Tensor, layer string) (Tape, error) {
	l, ok := n.Metadata.layer(layer)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, layer)
	}
	out, ok := n.session.Output(layer)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not exported by the graph", ErrLayerNotFound, layer)
	}
	if _, ok := n.session.Gradient(layer); !ok || n.session.ClassWeights() == nil {
		return nil, fmt.Errorf("%w: graph exports no gradient for %q", ErrNoGradientPath, layer)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.run(input, -1); err != nil {
		return nil, err
	}
	act, err := readOutput(out, l.Shape, n.Metadata.ChannelsFirst)
	if err != nil {
		return nil, err
	}
	return &onnxTape{
		network:    n,
		input:      input.Clone(),
		layer:      l,
		activation: act,
		scores:     append([]float32(nil), n.session.Scores()...),
	}, nil
}

// run evaluates the graph. Callers hold mu.
func (n *ONNXNetwork) run(input *tensor.Tensor, class int) error {
	if err := writeInput(n.session.Input(), input, n.Metadata.ChannelsFirst); err != nil {
		return err
	}
	if w := n.session.ClassWeights(); w != nil {
		oneHot(w, class)
	}
	if err := n.session.Run(); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	return nil
}

func (n *ONNXNetwork) Close() {
	if n.session != nil {
		n.session.Destroy()
		n.session = nil
	}
}

// writeInput copies an NHWC input into dst, transposing to NCHW for
// channels-first graphs.
func writeInput(dst []float32, input *tensor.Tensor, channelsFirst bool) error {
	data := input
	if channelsFirst {
		var err error
		if data, err = tensor.ToNCHW(input); err != nil {
			return err
		}
	}
	if len(data.Data) != len(dst) {
		return fmt.Errorf("expected %d input values, got %d", len(dst), len(data.Data))
	}
	copy(dst, data.Data)
	return nil
}

// oneHot selects class in w. A negative class zeroes every weight.
func oneHot(w []float32, class int) {
	clear(w)
	if class >= 0 && class < len(w) {
		w[class] = 1
	}
}

// readOutput copies a shared output buffer and converts rank-4 channels-first
// results to NHWC.
func readOutput(src []float32, shape []int64, channelsFirst bool) (*tensor.Tensor, error) {
	t, err := tensor.FromData(append([]float32(nil), src...), toInts(shape)...)
	if err != nil {
		return nil, err
	}
	if channelsFirst && t.Rank() == 4 {
		return tensor.ToNHWC(t)
	}
	return t, nil
}

type onnxTape struct {
	network    *ONNXNetwork
	input      *tensor.Tensor
	layer      LayerMetadata
	activation *tensor.Tensor
	scores     []float32
}

func (t *onnxTape) Activation() *tensor.Tensor { return t.activation }

func (t *onnxTape) Scores() []float32 { return t.scores }

func (t *onnxTape) Gradient(class int) (*tensor.Tensor, error) {
	if class < 0 || class >= len(t.scores) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrClassOutOfRange, class, len(t.scores))
	}
	n := t.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.run(t.input, class); err != nil {
		return nil, err
	}
	grad, _ := n.session.Gradient(t.layer.Name)
	return readOutput(grad, t.layer.GradientShape, n.Metadata.ChannelsFirst)
}

// ortSession binds an ort.AdvancedSession to tensors allocated from the
// metadata shapes.
type ortSession struct {
	session      *ort.AdvancedSession
	input        *ort.Tensor[float32]
	classWeights *ort.Tensor[float32]
	scores       *ort.Tensor[float32]
	outputs      map[string]*ort.Tensor[float32]
	gradients    map[string]*ort.Tensor[float32]
	allocated    []*ort.Tensor[float32]
}

func newORTSession(modelPath string, metadata Metadata) (*ortSession, error) {
	s := &ortSession{
		outputs:   make(map[string]*ort.Tensor[float32]),
		gradients: make(map[string]*ort.Tensor[float32]),
	}
	alloc := func(shape []int64) (*ort.Tensor[float32], error) {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			return nil, err
		}
		s.allocated = append(s.allocated, t)
		return t, nil
	}

	var (
		inputNames, outputNames []string
		inputs, outputs         []ort.ArbitraryTensor
	)

	var err error
	if s.input, err = alloc(metadata.InputShape); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	inputNames = append(inputNames, metadata.InputName)
	inputs = append(inputs, s.input)

	if metadata.ClassWeightsName != "" {
		if s.classWeights, err = alloc(metadata.OutputShape); err != nil {
			s.Destroy()
			return nil, fmt.Errorf("failed to create class weights tensor: %w", err)
		}
		inputNames = append(inputNames, metadata.ClassWeightsName)
		inputs = append(inputs, s.classWeights)
	}

	if s.scores, err = alloc(metadata.OutputShape); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	outputNames = append(outputNames, metadata.OutputName)
	outputs = append(outputs, s.scores)

	for _, l := range metadata.Layers {
		if l.Output != "" && l.Output != metadata.InputName {
			t, err := alloc(l.Shape)
			if err != nil {
				s.Destroy()
				return nil, fmt.Errorf("failed to create tensor for layer %q: %w", l.Name, err)
			}
			s.outputs[l.Name] = t
			outputNames = append(outputNames, l.Output)
			outputs = append(outputs, t)
		}
		if l.Gradient != "" && s.classWeights != nil {
			t, err := alloc(l.GradientShape)
			if err != nil {
				s.Destroy()
				return nil, fmt.Errorf("failed to create gradient tensor for layer %q: %w", l.Name, err)
			}
			s.gradients[l.Name] = t
			outputNames = append(outputNames, l.Gradient)
			outputs = append(outputs, t)
		}
	}

	s.session, err = ort.NewAdvancedSession(modelPath, inputNames, outputNames, inputs, outputs, nil)
	if err != nil {
		s.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return s, nil
}

func (s *ortSession) Input() []float32 { return s.input.GetData() }

func (s *ortSession) ClassWeights() []float32 {
	if s.classWeights == nil {
		return nil
	}
	return s.classWeights.GetData()
}

func (s *ortSession) Scores() []float32 { return s.scores.GetData() }

func (s *ortSession) Output(layer string) ([]float32, bool) {
	t, ok := s.outputs[layer]
	if !ok {
		return nil, false
	}
	return t.GetData(), true
}

func (s *ortSession) Gradient(layer string) ([]float32, bool) {
	t, ok := s.gradients[layer]
	if !ok {
		return nil, false
	}
	return t.GetData(), true
}

func (s *ortSession) Run() error { return s.session.Run() }

func (s *ortSession) Destroy() {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	for _, t := range s.allocated {
		t.Destroy()
	}
	s.allocated = nil
}
