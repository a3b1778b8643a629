package stimulus

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MJE43/vision-trainer-go/internal/calibration"
)

var card = calibration.Profile{PixelsPerMillimeter: 4}

func TestRenderGrating(t *testing.T) {
	s := Surface{Width: 400, Height: 100}

	f, err := Render(Grating{Orientation: Vertical, ContrastPercent: 40, CyclesPerWidth: 4}, card, s)
	require.NoError(t, err)
	assert.Equal(t, 400, f.Pixels.Bounds().Dx())
	assert.Equal(t, 100, f.Pixels.Bounds().Dy())
	// quarter period peak
	assert.Equal(t, uint8(179), f.Luminance(25, 10))
	assert.Equal(t, uint8(77), f.Luminance(75, 10))
	assert.Equal(t, f.Luminance(25, 0), f.Luminance(25, 99), "vertical stripes are constant along y")

	h, err := Render(Grating{Orientation: Horizontal, ContrastPercent: 40, CyclesPerWidth: 4}, card, Surface{Width: 400, Height: 400})
	require.NoError(t, err)
	assert.Equal(t, uint8(179), h.Luminance(0, 25))
	assert.Equal(t, h.Luminance(0, 25), h.Luminance(399, 25))

	flat, err := Render(Grating{Orientation: Vertical, ContrastPercent: 0, CyclesPerWidth: 4}, card, s)
	require.NoError(t, err)
	for x := 0; x < 400; x += 7 {
		assert.Equal(t, uint8(128), flat.Luminance(x, 50))
	}
}

func TestRenderGabor(t *testing.T) {
	s := Surface{Width: 400, Height: 400}
	f, err := Render(Gabor{TiltDegrees: 20, ContrastPercent: 100, Wavelength: 40, Sigma: 40}, card, s)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), f.Luminance(200, 200))
	// far from the envelope the patch fades to the background
	assert.Equal(t, uint8(128), f.Luminance(2, 2))

	left, err := Render(Gabor{TiltDegrees: -20, ContrastPercent: 100, Wavelength: 40, Sigma: 40}, card, s)
	require.NoError(t, err)
	assert.NotEqual(t, f.Luminance(215, 190), left.Luminance(215, 190))
}

func TestOpticalSizeMonotonic(t *testing.T) {
	prev := 0.0
	for lm := -0.3; lm <= 1.0+1e-9; lm += 0.1 {
		_, h := OpticalSize(lm, 500)
		assert.Greater(t, h, prev, "size must grow with logMAR (%.1f)", lm)
		prev = h
	}

	gap, h := OpticalSize(0, 6000)
	// 1 arcmin at 6 m is ~1.745 mm
	assert.InDelta(t, 1.745, gap, 0.001)
	assert.InDelta(t, 5*gap, h, 1e-12)
	assert.Equal(t, 20, SnellenDenominator(0))
	assert.Equal(t, 200, SnellenDenominator(1))
}

func TestRenderOptotypeOrientation(t *testing.T) {
	s := Surface{Width: 400, Height: 400}
	_, hmm := OpticalSize(1.0, 500)
	h := card.MillimetersToPixels(hmm)

	right, err := Render(Optotype{LogMAR: 1.0, Orientation: Right, ViewingDistanceMm: 500}, card, s)
	require.NoError(t, err)
	require.Len(t, right.Glyphs, 1)
	assert.InDelta(t, h, right.Glyphs[0].HeightPx, 1e-9)

	up, err := Render(Optotype{LogMAR: 1.0, Orientation: Up, ViewingDistanceMm: 500}, card, s)
	require.NoError(t, err)
	assert.Equal(t, -90.0, up.Glyphs[0].RotationDegrees)

	px := int(200 + 0.2*h)
	topBar := int(200 - 0.4*h)
	gapRow := int(200 - 0.2*h)
	assert.Equal(t, uint8(0), right.Luminance(px, topBar), "top bar is inked when facing right")
	assert.Equal(t, uint8(255), right.Luminance(px, gapRow), "gap between bars")
	assert.Equal(t, uint8(255), up.Luminance(px, topBar), "opening is at the top when facing up")
}

func TestRenderOptotypeNeedsCalibration(t *testing.T) {
	_, err := Render(Optotype{LogMAR: 0.5, Orientation: Left, ViewingDistanceMm: 500}, calibration.Profile{}, Surface{Width: 100, Height: 100})
	assert.ErrorIs(t, err, calibration.ErrInvalidCalibration)
}

func TestRenderVernier(t *testing.T) {
	s := Surface{Width: 400, Height: 400}
	f, err := Render(Vernier{OffsetPixels: 5, Direction: OffsetRight}, card, s)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(f.Segments), 2)
	assert.Equal(t, 125.0, f.Segments[0].From.X)
	assert.Equal(t, 130.0, f.Segments[1].From.X)
	assert.Equal(t, 280.0, f.Segments[1].To.X)

	assert.Equal(t, ink.G, f.Luminance(278, 210))
	assert.Equal(t, paper.G, f.Luminance(278, 190))
	assert.Equal(t, ink.G, f.Luminance(274, 190))

	c, err := Render(Vernier{OffsetPixels: 5, Direction: OffsetCenter}, card, s)
	require.NoError(t, err)
	assert.Equal(t, c.Segments[0].From.X, c.Segments[1].From.X)
}

func TestRenderCrowding(t *testing.T) {
	s := Surface{Width: 800, Height: 400}
	f, err := Render(Crowding{
		Target: "K", Flankers: [2]string{"D", "S"},
		SpacingFactor: 2.5, EccentricityDegrees: 8, FontSizePx: 40,
	}, calibration.Profile{}, s)
	require.NoError(t, err)
	require.Len(t, f.Glyphs, 3)

	byText := map[string]Glyph{}
	for _, g := range f.Glyphs {
		byText[g.Text] = g
	}
	assert.Equal(t, 640.0, byText["K"].Center.X)
	assert.Equal(t, 540.0, byText["D"].Center.X)
	assert.Equal(t, 740.0, byText["S"].Center.X)

	inked := false
	for y := 180; y < 220 && !inked; y++ {
		for x := 625; x < 655; x++ {
			if f.Luminance(x, y) < 100 {
				inked = true
				break
			}
		}
	}
	assert.True(t, inked, "target letter should be rasterized")
}

func TestRenderDotProbe(t *testing.T) {
	assert.InDelta(t, 1.0, DbToOpacity(0), 1e-12)
	assert.InDelta(t, 0.5, DbToOpacity(17.5), 1e-12)
	assert.InDelta(t, 0.02, DbToOpacity(35), 1e-12)
	assert.InDelta(t, 0.02, DbToOpacity(50), 1e-12)

	f, err := Render(DotProbe{XDegrees: 2, YDegrees: 0, AttenuationDb: 0, RadiusPx: 3}, calibration.Profile{}, Surface{Width: 300, Height: 300})
	require.NoError(t, err)
	require.Len(t, f.Discs, 2)
	assert.Equal(t, 210.0, f.Discs[1].Center.X)
	assert.Equal(t, uint8(255), f.Luminance(210, 150))
}

func TestRenderRejectsInput(t *testing.T) {
	_, err := Render(nil, card, Surface{Width: 10, Height: 10})
	assert.ErrorIs(t, err, ErrUnsupportedStimulus)

	_, err = Render(Grating{Orientation: Vertical, ContrastPercent: 50, CyclesPerWidth: 4}, card, Surface{})
	assert.ErrorIs(t, err, ErrInvalidSurface)

	_, err = Render(Grating{Orientation: "diagonal", ContrastPercent: 50, CyclesPerWidth: 4}, card, Surface{Width: 10, Height: 10})
	assert.ErrorIs(t, err, ErrInvalidStimulus)

	_, err = Render(Gabor{ContrastPercent: 150, Wavelength: 40, Sigma: 40}, card, Surface{Width: 10, Height: 10})
	assert.ErrorIs(t, err, ErrInvalidStimulus)
}

func TestEncodeDecode(t *testing.T) {
	in := Vernier{OffsetPixels: 2.5, Direction: OffsetLeft}
	raw, err := Encode(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"vernier"`)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Decode([]byte(`{"kind":"hologram"}`))
	assert.ErrorIs(t, err, ErrUnsupportedStimulus)
}

func TestFixationAndPNG(t *testing.T) {
	f, err := Fixation(Surface{Width: 64, Height: 64}, KindGabor)
	require.NoError(t, err)
	assert.Equal(t, fixRed.R, f.Pixels.RGBAAt(32, 32).R)

	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, f))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	_, err = Fixation(Surface{Width: 64, Height: 64}, Kind("unknown"))
	assert.ErrorIs(t, err, ErrUnsupportedStimulus)
}
