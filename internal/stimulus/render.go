package stimulus

import (
	"fmt"
	"math"

	"github.com/MJE43/vision-trainer-go/internal/calibration"
)

const (
	vernierLineLength = 150.0
	vernierLineWidth  = 3.0
	vernierGap        = 20.0
)

// Render draws spec onto a surface-sized frame. It is deterministic and
// holds no state between calls.
func Render(spec Spec, profile calibration.Profile, surface Surface) (*Frame, error) {
	if err := surface.validate(); err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, ErrUnsupportedStimulus
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	switch s := spec.(type) {
	case Grating:
		return renderGrating(s, surface), nil
	case *Grating:
		return renderGrating(*s, surface), nil
	case Gabor:
		return renderGabor(s, surface), nil
	case *Gabor:
		return renderGabor(*s, surface), nil
	case Optotype:
		return renderOptotype(s, profile, surface)
	case *Optotype:
		return renderOptotype(*s, profile, surface)
	case Vernier:
		return renderVernier(s, surface), nil
	case *Vernier:
		return renderVernier(*s, surface), nil
	case Crowding:
		return renderCrowding(s, profile, surface), nil
	case *Crowding:
		return renderCrowding(*s, profile, surface), nil
	case DotProbe:
		return renderDotProbe(s, profile, surface), nil
	case *DotProbe:
		return renderDotProbe(*s, profile, surface), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedStimulus, spec)
	}
}

// Fixation returns the neutral field for a stimulus kind. It is shown during
// fixation and after the stimulus is withdrawn.
func Fixation(surface Surface, kind Kind) (*Frame, error) {
	if err := surface.validate(); err != nil {
		return nil, err
	}
	switch kind {
	case KindGrating, KindGabor:
		f := newFrame(kind, surface, midGray)
		f.fixationCross(8, 2, fixRed)
		return f, nil
	case KindOptotype:
		return newFrame(kind, surface, white), nil
	case KindVernier:
		f := newFrame(kind, surface, paper)
		f.fixationCross(10, 2, fixRed)
		return f, nil
	case KindCrowding:
		f := newFrame(kind, surface, paperLight)
		f.fixationCross(15, 3, fixRed)
		return f, nil
	case KindDotProbe:
		f := newFrame(kind, surface, black)
		f.fillDisc(Disc{Center: surface.center(), Radius: 4, Opacity: 1, Color: fixRed})
		return f, nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedStimulus, kind)
	}
}

func renderGrating(g Grating, s Surface) *Frame {
	f := newFrame(KindGrating, s, midGray)
	amp := g.ContrastPercent / 100 * 127
	w := float64(s.Width)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			pos := float64(x)
			if g.Orientation == Horizontal {
				pos = float64(y)
			}
			f.setGray(x, y, 128+amp*math.Sin(2*math.Pi*g.CyclesPerWidth*pos/w))
		}
	}
	return f
}

func renderGabor(g Gabor, s Surface) *Frame {
	f := newFrame(KindGabor, s, midGray)
	amp := g.ContrastPercent / 100 * 127
	theta := g.TiltDegrees * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	c := s.center()
	twoSigmaSq := 2 * g.Sigma * g.Sigma
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			dx := float64(x) - c.X
			dy := float64(y) - c.Y
			xt := dx*cos + dy*sin
			yt := -dx*sin + dy*cos
			env := math.Exp(-(xt*xt + yt*yt) / twoSigmaSq)
			f.setGray(x, y, 128+amp*env*math.Cos(2*math.Pi*xt/g.Wavelength))
		}
	}
	return f
}

func renderVernier(v Vernier, s Surface) *Frame {
	f := newFrame(KindVernier, s, paper)
	c := s.center()
	shift := 0.0
	switch v.Direction {
	case OffsetLeft:
		shift = -v.OffsetPixels
	case OffsetRight:
		shift = v.OffsetPixels
	}
	half := vernierLineLength / 2
	f.stroke(Segment{
		From: Point{c.X - half, c.Y - vernierGap/2}, To: Point{c.X + half, c.Y - vernierGap/2},
		Width: vernierLineWidth, Color: ink,
	})
	f.stroke(Segment{
		From: Point{c.X - half + shift, c.Y + vernierGap/2}, To: Point{c.X + half + shift, c.Y + vernierGap/2},
		Width: vernierLineWidth, Color: ink,
	})
	f.fixationCross(10, 2, fixRed)
	return f
}

func renderCrowding(cr Crowding, p calibration.Profile, s Surface) *Frame {
	f := newFrame(KindCrowding, s, paperLight)
	c := s.center()
	target := Point{X: c.X + cr.EccentricityDegrees*p.PixelsPerDegree(cr.ViewingDistanceMm), Y: c.Y}
	spacing := cr.FontSizePx * cr.SpacingFactor

	f.drawText(Glyph{Text: cr.Flankers[0], Center: Point{target.X - spacing, target.Y}, HeightPx: cr.FontSizePx, Color: inkDark})
	f.drawText(Glyph{Text: cr.Flankers[1], Center: Point{target.X + spacing, target.Y}, HeightPx: cr.FontSizePx, Color: inkDark})
	f.drawText(Glyph{Text: cr.Target, Center: target, HeightPx: cr.FontSizePx, Color: ink})
	f.fixationCross(15, 3, fixRed)
	return f
}

// DbToOpacity maps perimetry attenuation to dot opacity.
func DbToOpacity(db float64) float64 {
	return math.Max(0.02, 1-db/35)
}

func renderDotProbe(d DotProbe, p calibration.Profile, s Surface) *Frame {
	f := newFrame(KindDotProbe, s, black)
	c := s.center()
	ppd := p.PixelsPerDegree(d.ViewingDistanceMm)
	f.fillDisc(Disc{Center: c, Radius: 4, Opacity: 1, Color: fixRed})
	f.fillDisc(Disc{
		Center:  Point{X: c.X + d.XDegrees*ppd, Y: c.Y + d.YDegrees*ppd},
		Radius:  d.RadiusPx,
		Opacity: DbToOpacity(d.AttenuationDb),
		Color:   white,
	})
	return f
}
