package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/cnn-lens/internal/registry"
	"github.com/Brownie44l1/cnn-lens/internal/tensor"
)

// PreparedImage holds the two views of one uploaded image at the model's
// input resolution.
type PreparedImage struct {
	// Normalized is the model input, shape [1,H,W,3].
	Normalized *tensor.Tensor
	// Display holds the resized RGB pixels in [0,255], shape [H,W,3].
	Display *tensor.Tensor
}

// Prepare decodes raw, resizes it to the model input size with
// nearest-neighbour sampling and normalizes it with the model's
// preprocessing. Images with more than maxPixels pixels are rejected from
// their header alone; maxPixels <= 0 disables the limit.
func Prepare(raw []byte, d *registry.ModelDescriptor, maxPixels int64) (*PreparedImage, error) {
	if maxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
			return nil, fmt.Errorf("%w: image is %dx%d, more than %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
		}
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	resized := resize.Resize(uint(d.InputWidth), uint(d.InputHeight), img, resize.NearestNeighbor)
	display := pixels(resized)

	return &PreparedImage{
		Normalized: d.Preprocess(display).Unsqueeze(),
		Display:    display,
	}, nil
}

// pixels converts an image to an HWC float tensor of straight (not
// premultiplied) RGB values, dropping alpha.
func pixels(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := tensor.New(h, w, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*w + x) * 3
			t.Data[i] = float32(c.R)
			t.Data[i+1] = float32(c.G)
			t.Data[i+2] = float32(c.B)
		}
	}
	return t
}
