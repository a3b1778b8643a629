package stimulus

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
)

// Surface is the drawable area the caller provides.
type Surface struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Surface) validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSurface, s.Width, s.Height)
	}
	return nil
}

func (s Surface) center() Point {
	return Point{X: float64(s.Width) / 2, Y: float64(s.Height) / 2}
}

// Point is a surface coordinate in pixels, origin top-left.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Segment is a stroked line.
type Segment struct {
	From  Point      `json:"from"`
	To    Point      `json:"to"`
	Width float64    `json:"width"`
	Color color.RGBA `json:"color"`
}

// Glyph is a text or optotype placement. Center is the glyph's middle.
type Glyph struct {
	Text            string     `json:"text"`
	Center          Point      `json:"center"`
	HeightPx        float64    `json:"height_px"`
	RotationDegrees float64    `json:"rotation_degrees,omitempty"`
	Color           color.RGBA `json:"color"`
}

// Disc is a filled circle; Opacity is in [0,1].
type Disc struct {
	Center  Point      `json:"center"`
	Radius  float64    `json:"radius"`
	Opacity float64    `json:"opacity"`
	Color   color.RGBA `json:"color"`
}

// Frame is a rendered stimulus. Pixels always matches the requested surface;
// the vector lists describe the same content for clients that draw natively.
type Frame struct {
	Kind       Kind        `json:"kind"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Background color.RGBA  `json:"background"`
	Segments   []Segment   `json:"segments,omitempty"`
	Glyphs     []Glyph     `json:"glyphs,omitempty"`
	Discs      []Disc      `json:"discs,omitempty"`
	Pixels     *image.RGBA `json:"-"`
}

// Luminance returns the gray level of the pixel at (x, y).
func (f *Frame) Luminance(x, y int) uint8 {
	return f.Pixels.RGBAAt(x, y).G
}

// EncodePNG writes the frame raster as PNG.
func EncodePNG(w io.Writer, f *Frame) error {
	if f == nil || f.Pixels == nil {
		return fmt.Errorf("stimulus: empty frame")
	}
	return png.Encode(w, f.Pixels)
}

var (
	midGray    = color.RGBA{128, 128, 128, 255}
	paper      = color.RGBA{243, 244, 246, 255}
	paperLight = color.RGBA{249, 250, 251, 255}
	ink        = color.RGBA{31, 41, 55, 255}
	inkDark    = color.RGBA{17, 24, 39, 255}
	fixRed     = color.RGBA{239, 68, 68, 255}
	white      = color.RGBA{255, 255, 255, 255}
	black      = color.RGBA{0, 0, 0, 255}
)

func newFrame(kind Kind, s Surface, bg color.RGBA) *Frame {
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = bg.R
		img.Pix[i+1] = bg.G
		img.Pix[i+2] = bg.B
		img.Pix[i+3] = bg.A
	}
	return &Frame{Kind: kind, Width: s.Width, Height: s.Height, Background: bg, Pixels: img}
}

func clampByte(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func (f *Frame) setGray(x, y int, l float64) {
	g := clampByte(l)
	i := f.Pixels.PixOffset(x, y)
	f.Pixels.Pix[i] = g
	f.Pixels.Pix[i+1] = g
	f.Pixels.Pix[i+2] = g
	f.Pixels.Pix[i+3] = 255
}

func (f *Frame) blend(x, y int, c color.RGBA, alpha float64) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	i := f.Pixels.PixOffset(x, y)
	p := f.Pixels.Pix
	p[i] = clampByte(float64(p[i])*(1-alpha) + float64(c.R)*alpha)
	p[i+1] = clampByte(float64(p[i+1])*(1-alpha) + float64(c.G)*alpha)
	p[i+2] = clampByte(float64(p[i+2])*(1-alpha) + float64(c.B)*alpha)
	p[i+3] = 255
}

// stroke records the segment and rasterizes it as a capsule of the given width.
func (f *Frame) stroke(seg Segment) {
	f.Segments = append(f.Segments, seg)

	half := seg.Width / 2
	minX := int(math.Floor(math.Min(seg.From.X, seg.To.X) - half))
	maxX := int(math.Ceil(math.Max(seg.From.X, seg.To.X) + half))
	minY := int(math.Floor(math.Min(seg.From.Y, seg.To.Y) - half))
	maxY := int(math.Ceil(math.Max(seg.From.Y, seg.To.Y) + half))

	dx := seg.To.X - seg.From.X
	dy := seg.To.Y - seg.From.Y
	lenSq := dx*dx + dy*dy
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			px := float64(x) + 0.5
			py := float64(y) + 0.5
			t := 0.0
			if lenSq > 0 {
				t = ((px-seg.From.X)*dx + (py-seg.From.Y)*dy) / lenSq
				t = math.Max(0, math.Min(1, t))
			}
			cx := seg.From.X + t*dx
			cy := seg.From.Y + t*dy
			if math.Hypot(px-cx, py-cy) <= half {
				f.blend(x, y, seg.Color, 1)
			}
		}
	}
}

func (f *Frame) fillDisc(d Disc) {
	f.Discs = append(f.Discs, d)
	r := d.Radius
	for y := int(math.Floor(d.Center.Y - r)); y <= int(math.Ceil(d.Center.Y+r)); y++ {
		for x := int(math.Floor(d.Center.X - r)); x <= int(math.Ceil(d.Center.X+r)); x++ {
			if math.Hypot(float64(x)+0.5-d.Center.X, float64(y)+0.5-d.Center.Y) <= r {
				f.blend(x, y, d.Color, d.Opacity)
			}
		}
	}
}

func (f *Frame) fixationCross(size, width float64, c color.RGBA) {
	ctr := Point{X: float64(f.Width) / 2, Y: float64(f.Height) / 2}
	f.stroke(Segment{From: Point{ctr.X - size, ctr.Y}, To: Point{ctr.X + size, ctr.Y}, Width: width, Color: c})
	f.stroke(Segment{From: Point{ctr.X, ctr.Y - size}, To: Point{ctr.X, ctr.Y + size}, Width: width, Color: c})
}
