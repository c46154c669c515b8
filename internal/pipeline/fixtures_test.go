package pipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Brownie44l1/cnn-lens/internal/model"
	"github.com/Brownie44l1/cnn-lens/internal/nn"
	"github.com/Brownie44l1/cnn-lens/internal/registry"
	"github.com/Brownie44l1/cnn-lens/internal/tensor"
)

const mobilenetSpec = `
input: {name: input_1, shape: [16, 16, 3]}
seed: 11
classes: [tabby, tiger_cat, lynx, goldfish, banana]
layers:
- {type: conv2d, name: Conv1, kernel_size: 3, stride: 2, padding: same, filters: 4, activation: relu}
- {type: batch_norm, name: expanded_conv_project_BN}
- {type: conv2d, name: block_1_project, kernel_size: 3, padding: same, filters: 6}
- {type: batch_norm, name: block_1_project_BN}
- {type: global_average_pooling2d, name: global_average_pooling2d}
- {type: dense, name: predictions, units: 5, activation: softmax}
`

const resnetSpec = `
input: {name: input_1, shape: [16, 16, 3]}
seed: 5
layers:
- {type: conv2d, name: conv1_conv, kernel_size: 3, stride: 2, padding: same, filters: 4}
- {type: activation, name: conv1_relu, activation: relu}
- {type: conv2d, name: conv2_block1_out, kernel_size: 3, padding: valid, filters: 8, activation: relu}
- {type: global_average_pooling2d, name: avg_pool}
- {type: dense, name: predictions, units: 4, activation: softmax}
`

// testMaxPixels admits every fixture image and rejects oversizedPNG.
const testMaxPixels = 1_000_000

func buildNet(t *testing.T, raw string) (*nn.Sequential, []string) {
	t.Helper()
	spec, err := nn.ParseSpec([]byte(raw))
	require.NoError(t, err)
	backend, err := nn.NewBackend()
	require.NoError(t, err)
	net, err := spec.Build(backend)
	require.NoError(t, err)
	return net, spec.Classes
}

// countingNetwork records how often the wrapped network is evaluated and can
// be told to break attribution.
type countingNetwork struct {
	model.Network
	calls      atomic.Int32
	recordErr  error
	panicOnRec bool
}

func (c *countingNetwork) Forward(input *tensor.Tensor, layer string) (*tensor.Tensor, error) {
	c.calls.Add(1)
	return c.Network.Forward(input, layer)
}

func (c *countingNetwork) Record(input *tensor.Tensor, layer string) (model.Tape, error) {
	c.calls.Add(1)
	if c.panicOnRec {
		panic("gradient tape exploded")
	}
	if c.recordErr != nil {
		return nil, c.recordErr
	}
	return c.Network.Record(input, layer)
}

type fixture struct {
	registry  *registry.Registry
	mobilenet *countingNetwork
	service   *Service
}

func newFixture(t *testing.T, brokenRecord error, panicRecord bool) *fixture {
	t.Helper()
	mobilenet, classes := buildNet(t, mobilenetSpec)
	resnet, _ := buildNet(t, resnetSpec)
	broken, _ := buildNet(t, mobilenetSpec)

	f := &fixture{mobilenet: &countingNetwork{Network: mobilenet}}
	reg, err := registry.New(
		registry.Entry{
			ID:          "MobileNetV2",
			Network:     f.mobilenet,
			Preprocess:  registry.TF,
			InputHeight: 16,
			InputWidth:  16,
			Classes:     classes,
			Layers: []registry.LayerRef{
				registry.Named("Conv1"), registry.Named("expanded_conv_project_BN"), registry.Named("block_1_project_BN"),
			},
		},
		registry.Entry{
			ID:          "ResNet50",
			Network:     resnet,
			Preprocess:  registry.Caffe,
			InputHeight: 16,
			InputWidth:  16,
			Layers:      []registry.LayerRef{registry.Positional(1), registry.Named("conv2_block1_out"), registry.Named("avg_pool")},
		},
		registry.Entry{
			ID:          "Broken",
			Network:     &countingNetwork{Network: broken, recordErr: brokenRecord, panicOnRec: panicRecord},
			Preprocess:  registry.TF,
			InputHeight: 16,
			InputWidth:  16,
			Layers:      []registry.LayerRef{registry.Named("Conv1")},
		},
	)
	require.NoError(t, err)
	f.registry = reg
	f.service = NewService(reg, zaptest.NewLogger(t).Sugar(), testMaxPixels)
	return f
}

func sampleJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x + y) * 4), A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// oversizedPNG is a flat 2000x1000 image: small on the wire, large once
// decoded.
func oversizedPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2000, 1000))))
	return buf.Bytes()
}
