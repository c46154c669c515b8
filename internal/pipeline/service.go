package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/cnn-lens/internal/model"
	"github.com/Brownie44l1/cnn-lens/internal/registry"
)

type Request struct {
	Image   []byte
	Model   string
	Layer   string
	Heatmap bool
	// TargetClass overrides the explained class; nil explains the top-1
	// prediction.
	TargetClass *int
}

// Result carries base64 PNG artifacts. Heatmap is nil when it was not
// requested or could not be computed.
type Result struct {
	Filter      string      `json:"filter"`
	FilterIndex int         `json:"filter_index"`
	Heatmap     *string     `json:"heatmap"`
	Original    string      `json:"original"`
	Prediction  *Prediction `json:"prediction,omitempty"`
}

// Prediction is the class the heatmap explains.
type Prediction struct {
	Index int     `json:"index"`
	Label string  `json:"label,omitempty"`
	Score float32 `json:"score"`
}

// Service runs the explanation pipeline. It is safe for concurrent use; each
// call runs synchronously on the caller's goroutine.
type Service struct {
	registry  *registry.Registry
	log       *zap.SugaredLogger
	maxPixels int64
}

// NewService serves the models in reg. Uploads with more than maxPixels
// pixels fail with a decode error; maxPixels <= 0 disables the limit.
func NewService(reg *registry.Registry, log *zap.SugaredLogger, maxPixels int64) *Service {
	return &Service{registry: reg, log: log, maxPixels: maxPixels}
}

func (s *Service) Models() map[string][]string {
	return s.registry.List()
}

// Explain renders the strongest filter of req.Layer and, when requested, a
// Grad-CAM overlay. Every failure is returned as *Error; a heatmap failure
// is logged and leaves Result.Heatmap nil instead.
func (s *Service) Explain(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	log := s.log.With("request_id", uuid.NewString(), "model", req.Model, "layer", req.Layer)

	d, err := s.registry.Describe(req.Model)
	if err != nil {
		return nil, classify(err)
	}
	if req.Layer == "" {
		return nil, &Error{Code: CodeInvalidLayer, Err: fmt.Errorf("%w: no layer given", model.ErrLayerNotFound)}
	}

	img, err := Prepare(req.Image, d, s.maxPixels)
	if err != nil {
		return nil, classify(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}

	act, ok, err := Extract(d, img.Normalized, req.Layer)
	if err != nil {
		return nil, classify(err)
	}
	if !ok {
		return nil, classify(fmt.Errorf("%w: %q", ErrNotVisualizable, req.Layer))
	}

	best := act.BestChannel()
	filter, err := Encode(RenderGrayscale(act.Channel(best), act.Height, act.Width))
	if err != nil {
		return nil, classify(err)
	}

	res := &Result{
		Filter:      filter,
		FilterIndex: best,
		Original:    EncodeRaw(req.Image),
	}
	if req.Heatmap {
		if err := ctx.Err(); err != nil {
			return nil, classify(err)
		}
		res.Heatmap, res.Prediction = s.heatmap(log, d, img, req)
	}

	log.Infow("Explained image",
		"filter_index", best,
		"activation", fmt.Sprintf("%dx%dx%d", act.Height, act.Width, act.Channels),
		"heatmap", res.Heatmap != nil,
		"elapsed", time.Since(start))
	return res, nil
}

// heatmap never fails the request: any error or panic raised while
// attributing yields a nil heatmap.
func (s *Service) heatmap(log *zap.SugaredLogger, d *registry.ModelDescriptor, img *PreparedImage, req Request) (text *string, pred *Prediction) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Grad-CAM panicked", "panic", r)
			text, pred = nil, nil
		}
	}()

	sal, err := Attribute(d, img.Normalized, req.Layer, req.TargetClass)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNoGradientPath):
			log.Infow("Skipping Grad-CAM, layer has no gradient path", "error", err)
		case errors.Is(err, model.ErrClassOutOfRange):
			log.Warnw("Skipping Grad-CAM, target class out of range", "error", err)
		default:
			log.Warnw("Grad-CAM failed", "error", err)
		}
		return nil, nil
	}

	overlay, err := RenderOverlay(sal, img.Display)
	if err != nil {
		log.Warnw("Failed to render heatmap overlay", "error", err)
		return nil, nil
	}
	encoded, err := Encode(overlay)
	if err != nil {
		log.Warnw("Failed to encode heatmap", "error", err)
		return nil, nil
	}
	return &encoded, &Prediction{Index: sal.Class, Label: d.Label(sal.Class), Score: sal.Score}
}
