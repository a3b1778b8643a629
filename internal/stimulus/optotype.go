package stimulus

import (
	"fmt"
	"math"

	"github.com/MJE43/vision-trainer-go/internal/calibration"
)

// OpticalSize returns the stroke (gap) width and total letter height in
// millimeters for a 5x5 optotype at the given logMAR and viewing distance.
func OpticalSize(logMAR, viewingDistanceMm float64) (gapMm, heightMm float64) {
	marArcmin := math.Pow(10, logMAR)
	gapMm = viewingDistanceMm * math.Tan(marArcmin/60*math.Pi/180)
	return gapMm, 5 * gapMm
}

// SnellenDenominator gives the 20/x equivalent of a logMAR value.
func SnellenDenominator(logMAR float64) int {
	return int(math.Round(20 * math.Pow(10, logMAR)))
}

func rotationFor(d Direction) float64 {
	switch d {
	case Down:
		return 90
	case Left:
		return 180
	case Up:
		return -90
	default:
		return 0
	}
}

// eInk reports whether a cell of the right-facing 5x5 E is filled: three bars
// and a spine on the left.
func eInk(row, col int) bool {
	return row%2 == 0 || col == 0
}

func renderOptotype(o Optotype, p calibration.Profile, s Surface) (*Frame, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: optotype needs a calibrated profile", calibration.ErrInvalidCalibration)
	}
	_, heightMm := OpticalSize(o.LogMAR, o.ViewingDistanceMm)
	height := p.MillimetersToPixels(heightMm)
	rot := rotationFor(o.Orientation)

	f := newFrame(KindOptotype, s, white)
	f.Glyphs = append(f.Glyphs, Glyph{Text: "E", Center: s.center(), HeightPx: height, RotationDegrees: rot, Color: black})

	c := s.center()
	cell := height / 5
	theta := rot * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	reach := height * math.Sqrt2 / 2
	minX := int(math.Max(0, math.Floor(c.X-reach)))
	maxX := int(math.Min(float64(s.Width-1), math.Ceil(c.X+reach)))
	minY := int(math.Max(0, math.Floor(c.Y-reach)))
	maxY := int(math.Min(float64(s.Height-1), math.Ceil(c.Y+reach)))

	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			dx := float64(x) + 0.5 - c.X
			dy := float64(y) + 0.5 - c.Y
			// undo the rotation to sample the upright glyph
			u := dx*cos + dy*sin + height/2
			v := -dx*sin + dy*cos + height/2
			if u < 0 || v < 0 || u >= height || v >= height {
				continue
			}
			if eInk(int(v/cell), int(u/cell)) {
				f.setGray(x, y, 0)
			}
		}
	}
	return f, nil
}
