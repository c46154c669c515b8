package pipeline

import (
	"image/color"
	"sort"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// segment is one channel of a piecewise-linear colormap as (position, value)
// breakpoints over [0,1].
type segment [][2]float64

func (s segment) at(x float64) float64 {
	for i := 1; i < len(s); i++ {
		if x <= s[i][0] {
			x0, y0 := s[i-1][0], s[i-1][1]
			x1, y1 := s[i][0], s[i][1]
			return y0 + (x-x0)*(y1-y0)/(x1-x0)
		}
	}
	return s[len(s)-1][1]
}

// Breakpoints of the classic "jet" colormap, blue through cyan and yellow to
// dark red.
var (
	jetRed   = segment{{0, 0}, {0.35, 0}, {0.66, 1}, {0.89, 1}, {1, 0.5}}
	jetGreen = segment{{0, 0}, {0.125, 0}, {0.375, 1}, {0.64, 1}, {0.91, 0}, {1, 0}}
	jetBlue  = segment{{0, 0.5}, {0.11, 1}, {0.34, 1}, {0.65, 0}, {1, 0}}
)

// colorStop pins a color at a position in [0,1].
type colorStop struct {
	pos float64
	c   colorful.Color
}

// controlPoints merges per-channel breakpoints into color stops. Every channel
// is linear between consecutive stops, so RGB blending between them
// reproduces the segments exactly.
func controlPoints(r, g, b segment) []colorStop {
	seen := map[float64]bool{}
	var pos []float64
	for _, s := range []segment{r, g, b} {
		for _, p := range s {
			if !seen[p[0]] {
				seen[p[0]] = true
				pos = append(pos, p[0])
			}
		}
	}
	sort.Float64s(pos)
	stops := make([]colorStop, len(pos))
	for i, x := range pos {
		stops[i] = colorStop{pos: x, c: colorful.Color{R: r.at(x), G: g.at(x), B: b.at(x)}}
	}
	return stops
}

// jet is the 256-entry lookup table used to color saliency maps.
var jet = buildLUT(controlPoints(jetRed, jetGreen, jetBlue))

// buildLUT samples the stops at 256 evenly spaced positions, blending
// neighbouring stops in RGB.
func buildLUT(stops []colorStop) [256]color.RGBA {
	var lut [256]color.RGBA
	j := 0
	for i := range lut {
		x := float64(i) / 255
		for j+2 < len(stops) && x > stops[j+1].pos {
			j++
		}
		lo, hi := stops[j], stops[j+1]
		c := lo.c.BlendRgb(hi.c, (x-lo.pos)/(hi.pos-lo.pos)).Clamped()
		r8, g8, b8 := c.RGB255()
		lut[i] = color.RGBA{R: r8, G: g8, B: b8, A: 0xff}
	}
	return lut
}
