package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/Brownie44l1/cnn-lens/internal/tensor"
)

const heatmapAlpha = 0.4

// RenderGrayscale maps values (row-major h*w) linearly from their min..max
// onto 0..255. A constant map renders black.
func RenderGrayscale(values []float32, h, w int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	if len(values) == 0 {
		return img
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi <= lo {
		return img
	}
	scale := 255 / float64(hi-lo)
	for p, v := range values {
		img.Pix[(p/w)*img.Stride+p%w] = uint8(math.Round(float64(v-lo) * scale))
	}
	return img
}

// Colorize maps saliency values in [0,1] through the jet lookup table at the
// map's native resolution.
func Colorize(s *SaliencyMap) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for p, v := range s.Values {
		idx := uint8(255 * min(max(v, 0), 1))
		img.SetRGBA(p%s.Width, p/s.Width, jet[idx])
	}
	return img
}

// RenderOverlay colors s, resamples it to the display image's size and blends
// it as 0.4*heatmap + display, clipped to 8 bits.
func RenderOverlay(s *SaliencyMap, display *tensor.Tensor) (*image.RGBA, error) {
	if display.Rank() != 3 || display.Shape[2] != 3 {
		return nil, fmt.Errorf("display image must be [H,W,3], got %v", display.Shape)
	}
	if s.Height*s.Width != len(s.Values) || len(s.Values) == 0 {
		return nil, fmt.Errorf("saliency map has %d values for %dx%d", len(s.Values), s.Height, s.Width)
	}
	h, w := display.Shape[0], display.Shape[1]

	heat := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(heat, heat.Bounds(), Colorize(s), image.Rect(0, 0, s.Width, s.Height), draw.Src, nil)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			hc := heat.RGBAAt(x, y)
			i := (y*w + x) * 3
			out.SetRGBA(x, y, color.RGBA{
				R: blend(hc.R, display.Data[i]),
				G: blend(hc.G, display.Data[i+1]),
				B: blend(hc.B, display.Data[i+2]),
				A: 0xff,
			})
		}
	}
	return out, nil
}

func blend(heat uint8, base float32) uint8 {
	v := heatmapAlpha*float64(heat) + float64(base)
	return uint8(math.Round(min(max(v, 0), 255)))
}
