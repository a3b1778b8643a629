package protocol

import (
	"fmt"
	"math"

	"github.com/MJE43/vision-trainer-go/internal/engine"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
	"github.com/MJE43/vision-trainer-go/internal/trial"
)

type generatorFunc func(trial int, difficulty float64, rng *engine.Stream) (trial.Presentation, error)

func (f generatorFunc) Next(i int, difficulty float64, rng *engine.Stream) (trial.Presentation, error) {
	return f(i, difficulty, rng)
}

// Generator returns a fresh stimulus generator for one session.
func (d Definition) Generator() (trial.Generator, error) {
	p := d.Params
	switch d.Stimulus {
	case stimulus.KindGabor:
		return generatorFunc(func(_ int, level float64, rng *engine.Stream) (trial.Presentation, error) {
			tilt := GaborTilt(level) * rng.Sign()
			answer := "right"
			if tilt < 0 {
				answer = "left"
			}
			return trial.Presentation{
				Spec: stimulus.Gabor{
					TiltDegrees:     tilt,
					ContrastPercent: GaborContrast(level),
					Wavelength:      p.Wavelength,
					Sigma:           p.Sigma,
				},
				Expected: answer,
			}, nil
		}), nil

	case stimulus.KindGrating:
		orientations := []stimulus.Orientation{stimulus.Horizontal, stimulus.Vertical}
		return generatorFunc(func(_ int, contrast float64, rng *engine.Stream) (trial.Presentation, error) {
			o := orientations[rng.Intn(len(orientations))]
			return trial.Presentation{
				Spec:     stimulus.Grating{Orientation: o, ContrastPercent: contrast, CyclesPerWidth: p.Cycles},
				Expected: string(o),
			}, nil
		}), nil

	case stimulus.KindVernier:
		offsets := []stimulus.Offset{stimulus.OffsetLeft, stimulus.OffsetRight, stimulus.OffsetCenter}
		return generatorFunc(func(_ int, offset float64, rng *engine.Stream) (trial.Presentation, error) {
			dir := offsets[rng.Intn(len(offsets))]
			return trial.Presentation{
				Spec:     stimulus.Vernier{OffsetPixels: offset, Direction: dir},
				Expected: string(dir),
			}, nil
		}), nil

	case stimulus.KindCrowding:
		letters := d.Answers
		return generatorFunc(func(_ int, spacing float64, rng *engine.Stream) (trial.Presentation, error) {
			target := letters[rng.Intn(len(letters))]
			flankers := [2]string{letters[rng.Intn(len(letters))], letters[rng.Intn(len(letters))]}
			return trial.Presentation{
				Spec: stimulus.Crowding{
					Target:              target,
					Flankers:            flankers,
					SpacingFactor:       spacing,
					EccentricityDegrees: p.EccentricityDegrees,
					FontSizePx:          p.FontSizePx,
					ViewingDistanceMm:   p.ViewingDistanceMm,
				},
				Expected: target,
			}, nil
		}), nil

	case stimulus.KindOptotype:
		dirs := []stimulus.Direction{stimulus.Up, stimulus.Down, stimulus.Left, stimulus.Right}
		return generatorFunc(func(_ int, logMAR float64, rng *engine.Stream) (trial.Presentation, error) {
			dir := dirs[rng.Intn(len(dirs))]
			return trial.Presentation{
				Spec:     stimulus.Optotype{LogMAR: logMAR, Orientation: dir, ViewingDistanceMm: p.ViewingDistanceMm},
				Expected: string(dir),
			}, nil
		}), nil

	case stimulus.KindDotProbe:
		return &fieldGenerator{points: FieldPoints(p.Rings), params: p}, nil
	}
	return nil, fmt.Errorf("%w: %q", stimulus.ErrUnsupportedStimulus, d.Stimulus)
}

// GaborTilt is the tilt magnitude in degrees at a level.
func GaborTilt(level float64) float64 {
	return math.Max(2, 20-1.5*(level-1))
}

// GaborContrast is the patch contrast in percent at a level.
func GaborContrast(level float64) float64 {
	return math.Max(20, 100-5*(level-1))
}

// FieldPoint is a perimetry test location in degrees from fixation.
type FieldPoint struct {
	X, Y float64
}

// FieldPoints lays out the test grid: the fovea, then 4*r points evenly
// spaced on each ring of radius r degrees.
func FieldPoints(rings []float64) []FieldPoint {
	pts := []FieldPoint{{0, 0}}
	for _, r := range rings {
		n := int(math.Round(r * 4))
		for i := range n {
			a := float64(i) / float64(n) * 2 * math.Pi
			pts = append(pts, FieldPoint{X: round6(math.Cos(a) * r), Y: round6(math.Sin(a) * r)})
		}
	}
	return pts
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }

// fieldGenerator visits the field grid in a seeded shuffled order. It keeps
// state, so each session needs its own.
type fieldGenerator struct {
	points []FieldPoint
	order  []int
	params Params
}

func (g *fieldGenerator) Next(i int, db float64, rng *engine.Stream) (trial.Presentation, error) {
	if len(g.points) == 0 {
		return trial.Presentation{}, fmt.Errorf("%w: empty perimetry field", stimulus.ErrInvalidStimulus)
	}
	if g.order == nil {
		g.order = make([]int, len(g.points))
		for j := range g.order {
			g.order[j] = j
		}
		for j := len(g.order) - 1; j > 0; j-- {
			k := rng.Intn(j + 1)
			g.order[j], g.order[k] = g.order[k], g.order[j]
		}
	}
	pt := g.points[g.order[i%len(g.order)]]
	return trial.Presentation{
		Spec: stimulus.DotProbe{
			XDegrees:          pt.X,
			YDegrees:          pt.Y,
			AttenuationDb:     db,
			RadiusPx:          g.params.RadiusPx,
			ViewingDistanceMm: g.params.ViewingDistanceMm,
		},
		Expected: "seen",
	}, nil
}
