package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	var pe *Error
	require.True(t, errors.As(err, &pe), "expected *Error, got %v", err)
	assert.Equal(t, code, pe.Code)
}

func TestExplainFilterOnly(t *testing.T) {
	f := newFixture(t, nil, false)
	raw := sampleJPEG(t, 24, 20)

	res, err := f.service.Explain(context.Background(), Request{Image: raw, Model: "MobileNetV2", Layer: "Conv1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Filter)
	assert.Nil(t, res.Heatmap)
	assert.Nil(t, res.Prediction)
	assert.Equal(t, EncodeRaw(raw), res.Original)

	img, err := Decode(res.Filter)
	require.NoError(t, err)
	// Conv1 has stride 2 over a 16x16 input and is rendered at native size
	assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
	assert.GreaterOrEqual(t, res.FilterIndex, 0)
	assert.Less(t, res.FilterIndex, 4)
}

func TestExplainWithHeatmap(t *testing.T) {
	f := newFixture(t, nil, false)
	raw := sampleJPEG(t, 24, 20)

	res, err := f.service.Explain(context.Background(), Request{Image: raw, Model: "MobileNetV2", Layer: "block_1_project_BN", Heatmap: true})
	require.NoError(t, err)
	require.NotNil(t, res.Heatmap)
	require.NotNil(t, res.Prediction)
	assert.NotEmpty(t, res.Prediction.Label)

	overlay, err := Decode(*res.Heatmap)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), overlay.Bounds(), "overlay matches the display image")
}

func TestExplainExplicitTopClassMatchesDefault(t *testing.T) {
	f := newFixture(t, nil, false)
	raw := sampleJPEG(t, 24, 20)
	req := Request{Image: raw, Model: "MobileNetV2", Layer: "Conv1", Heatmap: true}

	def, err := f.service.Explain(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, def.Prediction)

	top := def.Prediction.Index
	req.TargetClass = &top
	explicit, err := f.service.Explain(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, explicit.Heatmap)
	assert.Equal(t, *def.Heatmap, *explicit.Heatmap)
	assert.Equal(t, def.Prediction, explicit.Prediction)
}

func TestExplainTargetOutOfRangeDropsHeatmapOnly(t *testing.T) {
	f := newFixture(t, nil, false)
	bad := 99
	res, err := f.service.Explain(context.Background(), Request{
		Image: sampleJPEG(t, 16, 16), Model: "MobileNetV2", Layer: "Conv1", Heatmap: true, TargetClass: &bad,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Filter)
	assert.Nil(t, res.Heatmap)
}

func TestExplainPooledLayerIsNotVisualizable(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.service.Explain(context.Background(), Request{Image: sampleJPEG(t, 24, 20), Model: "ResNet50", Layer: "avg_pool"})
	requireCode(t, err, CodeNotVisualizable)
	assert.True(t, errors.Is(err, ErrNotVisualizable))
}

func TestExplainUnknownModel(t *testing.T) {
	f := newFixture(t, nil, false)
	res, err := f.service.Explain(context.Background(), Request{Image: sampleJPEG(t, 8, 8), Model: "AlexNet", Layer: "conv1"})
	requireCode(t, err, CodeInvalidModel)
	assert.Nil(t, res)
}

func TestExplainUnknownLayer(t *testing.T) {
	f := newFixture(t, nil, false)
	for _, layer := range []string{"", "block99_conv1"} {
		_, err := f.service.Explain(context.Background(), Request{Image: sampleJPEG(t, 8, 8), Model: "MobileNetV2", Layer: layer})
		requireCode(t, err, CodeInvalidLayer)
	}
}

func TestExplainAttributionFailureKeepsFilter(t *testing.T) {
	cases := map[string]*fixture{
		"error": newFixture(t, errors.New("no gradient registered for op"), false),
		"panic": newFixture(t, nil, true),
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			raw := sampleJPEG(t, 24, 20)
			res, err := f.service.Explain(context.Background(), Request{Image: raw, Model: "Broken", Layer: "Conv1", Heatmap: true})
			require.NoError(t, err)
			assert.NotEmpty(t, res.Filter)
			assert.Equal(t, EncodeRaw(raw), res.Original)
			assert.Nil(t, res.Heatmap)
			assert.Nil(t, res.Prediction)
		})
	}
}

func TestExplainCorruptImageStopsBeforeModel(t *testing.T) {
	f := newFixture(t, nil, false)
	raw := sampleJPEG(t, 24, 20)

	for name, img := range map[string][]byte{
		"truncated": raw[:20],
		"garbage":   []byte("definitely not a raster image"),
		"empty":     nil,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.Explain(context.Background(), Request{Image: img, Model: "MobileNetV2", Layer: "Conv1", Heatmap: true})
			requireCode(t, err, CodeDecodeError)
			assert.True(t, errors.Is(err, ErrDecode))
		})
	}
	assert.Zero(t, f.mobilenet.calls.Load())
}

func TestExplainRejectsOversizedImage(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.service.Explain(context.Background(), Request{Image: oversizedPNG(t), Model: "MobileNetV2", Layer: "Conv1", Heatmap: true})
	requireCode(t, err, CodeDecodeError)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.Contains(t, err.Error(), "2000x1000")
	assert.Zero(t, f.mobilenet.calls.Load())
}

// Concurrent requests on one service share compiled graphs and must not
// disturb each other.
func TestExplainConcurrent(t *testing.T) {
	f := newFixture(t, nil, false)
	req := Request{Image: sampleJPEG(t, 24, 20), Model: "MobileNetV2", Layer: "block_1_project_BN", Heatmap: true}
	want, err := f.service.Explain(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, want.Heatmap)

	const workers = 16
	results := make([]*Result, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.service.Explain(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, want.Filter, results[i].Filter)
		assert.Equal(t, want.FilterIndex, results[i].FilterIndex)
		require.NotNil(t, results[i].Heatmap)
		assert.Equal(t, *want.Heatmap, *results[i].Heatmap)
		assert.Equal(t, want.Prediction, results[i].Prediction)
	}
}

func TestExplainCanceledContext(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.service.Explain(ctx, Request{Image: sampleJPEG(t, 8, 8), Model: "MobileNetV2", Layer: "Conv1"})
	requireCode(t, err, CodeInternal)
	assert.True(t, errors.Is(err, context.Canceled))
}

// Every listed layer either yields a spatial map or the not-visualizable
// signal, never a hard failure.
func TestEveryListedLayerExtracts(t *testing.T) {
	f := newFixture(t, nil, false)
	raw := sampleJPEG(t, 24, 20)
	for id, layers := range f.registry.List() {
		d, err := f.registry.Describe(id)
		require.NoError(t, err)
		img, err := Prepare(raw, d, 0)
		require.NoError(t, err)
		for _, layer := range layers {
			act, ok, err := Extract(d, img.Normalized, layer)
			require.NoError(t, err, "%s/%s", id, layer)
			if ok {
				assert.Len(t, act.Data, act.Height*act.Width*act.Channels)
			}
		}
	}
}

func TestModelsListing(t *testing.T) {
	f := newFixture(t, nil, false)
	models := f.service.Models()
	assert.Equal(t, []string{"conv1_conv", "conv2_block1_out", "avg_pool"}, models["ResNet50"])
	assert.Len(t, models, 3)
}
