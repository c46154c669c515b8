package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/cnn-lens/internal/registry"
)

const tinyNet = `
input: {name: input_1, shape: [8, 8, 3]}
seed: 3
classes: [cat, dog]
layers:
- {type: conv2d, name: block1_conv1, kernel_size: 3, padding: same, filters: 2, activation: relu}
- {type: conv2d, name: block1_conv2, kernel_size: 3, padding: same, filters: 2, activation: relu}
- {type: max_pool2d, name: block1_pool, pool_size: 2}
- {type: flatten, name: flatten}
- {type: dense, name: predictions, units: 2, activation: softmax}
`

func writeCatalog(t *testing.T, catalog string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nets", "tiny.yaml"), []byte(tinyNet), 0o600))
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))
	return path
}

func TestLoadAndOpenNative(t *testing.T) {
	path := writeCatalog(t, `
models:
- id: TinyVGG
  backend: native
  path: nets/tiny.yaml
  preprocess: caffe
  layers: [1, 2, block1_pool]
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Models, 1)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "nets", "tiny.yaml"), c.Models[0].Path)
	assert.Equal(t, []registry.LayerRef{registry.Positional(1), registry.Positional(2), registry.Named("block1_pool")}, c.Models[0].Layers)

	reg, closeFn, err := Open(c, "", zap.NewNop().Sugar())
	require.NoError(t, err)
	defer closeFn()

	assert.Equal(t, map[string][]string{"TinyVGG": {"block1_conv1", "block1_conv2", "block1_pool"}}, reg.List())
	d, err := reg.Describe("TinyVGG")
	require.NoError(t, err)
	assert.Equal(t, 8, d.InputHeight)
	assert.Equal(t, "dog", d.Label(1))
}

func TestLoadDefaultsToONNX(t *testing.T) {
	path := writeCatalog(t, `
models:
- id: VGG16
  path: /models/vgg16.onnx
  metadata: vgg16.json
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendONNX, c.Models[0].Backend)
	assert.Equal(t, "/models/vgg16.onnx", c.Models[0].Path)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "vgg16.json"), c.Models[0].Metadata)
}

func TestLoadRejects(t *testing.T) {
	for name, catalog := range map[string]string{
		"empty":         "models: []\n",
		"unknown field": "models:\n- id: a\n  path: x\n  weights: y\n",
		"bad layer":     "models:\n- id: a\n  path: x\n  layers: [{a: 1}]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeCatalog(t, catalog))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOpenRejects(t *testing.T) {
	log := zap.NewNop().Sugar()
	dir := filepath.Dir(writeCatalog(t, "models: []\n"))
	tiny := filepath.Join(dir, "nets", "tiny.yaml")

	cases := map[string]*Catalog{
		"bad preprocess":   {Models: []Model{{ID: "a", Backend: BackendNative, Path: tiny, Preprocess: "yolo"}}},
		"unknown backend":  {Models: []Model{{ID: "a", Backend: "tflite", Path: tiny}}},
		"onnx no metadata": {Models: []Model{{ID: "a", Backend: BackendONNX, Path: "x.onnx"}}},
		"missing spec":     {Models: []Model{{ID: "a", Backend: BackendNative, Path: filepath.Join(dir, "nope.yaml")}}},
		"bad layer":        {Models: []Model{{ID: "a", Backend: BackendNative, Path: tiny, Layers: []registry.LayerRef{registry.Positional(42)}}}},
		"duplicate id": {Models: []Model{
			{ID: "a", Backend: BackendNative, Path: tiny},
			{ID: "a", Backend: BackendNative, Path: tiny},
		}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Open(c, "", log)
			assert.Error(t, err)
		})
	}
}

func TestShippedCatalogOpens(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "models", "catalog.yaml"))
	require.NoError(t, err)

	reg, closeAll, err := Open(c, "", zap.NewNop().Sugar())
	require.NoError(t, err)
	defer closeAll()

	assert.Equal(t, []string{"MobileNetV2", "ResNet50", "VGG16"}, reg.IDs())
	models := reg.List()
	assert.Equal(t, []string{"block1_conv1", "block1_conv2", "block1_pool", "block2_conv1", "block2_pool"}, models["VGG16"])
	assert.Len(t, models["MobileNetV2"], 6, "all layers after the input")
	assert.Contains(t, models["MobileNetV2"], "Conv1")
	assert.Contains(t, models["ResNet50"], "conv1_conv")
}
