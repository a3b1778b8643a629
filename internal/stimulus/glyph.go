package stimulus

import (
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// drawText rasterizes a monospace glyph at its native size and scales it
// up to the requested height.
func (f *Frame) drawText(g Glyph) {
	f.Glyphs = append(f.Glyphs, g)

	face := basicfont.Face7x13
	m := face.Metrics()
	w := font.MeasureString(face, g.Text).Ceil()
	h := m.Height.Ceil()
	if w <= 0 || h <= 0 {
		return
	}

	src := image.NewRGBA(image.Rect(0, 0, w, h))
	d := font.Drawer{
		Dst:  src,
		Src:  image.NewUniform(g.Color),
		Face: face,
		Dot:  fixed.P(0, m.Ascent.Ceil()),
	}
	d.DrawString(g.Text)

	scale := g.HeightPx / float64(h)
	dw := int(math.Round(float64(w) * scale))
	dh := int(math.Round(g.HeightPx))
	x0 := int(math.Round(g.Center.X)) - dw/2
	y0 := int(math.Round(g.Center.Y)) - dh/2
	draw.NearestNeighbor.Scale(f.Pixels, image.Rect(x0, y0, x0+dw, y0+dh), src, src.Bounds(), draw.Over, nil)
}
