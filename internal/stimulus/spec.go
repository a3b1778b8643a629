// Package stimulus holds the stimulus variants and renders them to frames.
//
// A Spec is pure data. Render turns it into a raster sized to the caller's
// surface plus a vector description of lines and glyphs, using the screen
// calibration wherever a physical size is involved.
package stimulus

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Kind identifies a stimulus variant.
type Kind string

const (
	KindGrating  Kind = "grating"
	KindGabor    Kind = "gabor"
	KindOptotype Kind = "optotype"
	KindVernier  Kind = "vernier"
	KindCrowding Kind = "crowding"
	KindDotProbe Kind = "dotprobe"
)

var (
	ErrUnsupportedStimulus = errors.New("unsupported stimulus")
	ErrInvalidSurface      = errors.New("invalid surface")
	ErrInvalidStimulus     = errors.New("invalid stimulus")
)

// Spec is one of the stimulus variants declared in this package.
type Spec interface {
	Kind() Kind
	validate() error
}

// Orientation of grating stripes.
type Orientation string

const (
	Horizontal Orientation = "horizontal"
	Vertical   Orientation = "vertical"
)

// Direction an optotype's opening faces.
type Direction string

const (
	Up    Direction = "up"
	Down  Direction = "down"
	Left  Direction = "left"
	Right Direction = "right"
)

// Offset is the side the lower vernier line is displaced to.
type Offset string

const (
	OffsetLeft   Offset = "left"
	OffsetRight  Offset = "right"
	OffsetCenter Offset = "center"
)

// Grating is a full-field sinusoidal luminance grating.
type Grating struct {
	Orientation     Orientation `json:"orientation"`
	ContrastPercent float64     `json:"contrast_percent"`
	CyclesPerWidth  float64     `json:"cycles_per_width"`
}

func (Grating) Kind() Kind { return KindGrating }

func (g Grating) validate() error {
	if g.Orientation != Horizontal && g.Orientation != Vertical {
		return fmt.Errorf("%w: grating orientation %q", ErrInvalidStimulus, g.Orientation)
	}
	if err := checkContrast(g.ContrastPercent); err != nil {
		return err
	}
	if g.CyclesPerWidth <= 0 {
		return fmt.Errorf("%w: cycles per width %v", ErrInvalidStimulus, g.CyclesPerWidth)
	}
	return nil
}

// Gabor is a sinusoid windowed by a Gaussian, tilted from vertical.
type Gabor struct {
	TiltDegrees     float64 `json:"tilt_degrees"`
	ContrastPercent float64 `json:"contrast_percent"`
	Wavelength      float64 `json:"wavelength"`
	Sigma           float64 `json:"sigma"`
}

func (Gabor) Kind() Kind { return KindGabor }

func (g Gabor) validate() error {
	if err := checkContrast(g.ContrastPercent); err != nil {
		return err
	}
	if g.Wavelength <= 0 || g.Sigma <= 0 {
		return fmt.Errorf("%w: gabor wavelength %v sigma %v", ErrInvalidStimulus, g.Wavelength, g.Sigma)
	}
	return nil
}

// Optotype is a tumbling E sized by logMAR at a viewing distance.
type Optotype struct {
	LogMAR            float64   `json:"logmar"`
	Orientation       Direction `json:"orientation"`
	ViewingDistanceMm float64   `json:"viewing_distance_mm"`
}

func (Optotype) Kind() Kind { return KindOptotype }

func (o Optotype) validate() error {
	switch o.Orientation {
	case Up, Down, Left, Right:
	default:
		return fmt.Errorf("%w: optotype orientation %q", ErrInvalidStimulus, o.Orientation)
	}
	if o.ViewingDistanceMm <= 0 {
		return fmt.Errorf("%w: viewing distance %v mm", ErrInvalidStimulus, o.ViewingDistanceMm)
	}
	return nil
}

// Vernier is a pair of horizontal lines, the lower one offset sideways.
type Vernier struct {
	OffsetPixels float64 `json:"offset_pixels"`
	Direction    Offset  `json:"direction"`
}

func (Vernier) Kind() Kind { return KindVernier }

func (v Vernier) validate() error {
	switch v.Direction {
	case OffsetLeft, OffsetRight, OffsetCenter:
	default:
		return fmt.Errorf("%w: vernier direction %q", ErrInvalidStimulus, v.Direction)
	}
	if v.OffsetPixels < 0 {
		return fmt.Errorf("%w: vernier offset %v", ErrInvalidStimulus, v.OffsetPixels)
	}
	return nil
}

// Crowding is a peripheral target letter between two flankers.
type Crowding struct {
	Target              string    `json:"target"`
	Flankers            [2]string `json:"flankers"`
	SpacingFactor       float64   `json:"spacing_factor"`
	EccentricityDegrees float64   `json:"eccentricity_degrees"`
	FontSizePx          float64   `json:"font_size_px"`
	ViewingDistanceMm   float64   `json:"viewing_distance_mm,omitempty"`
}

func (Crowding) Kind() Kind { return KindCrowding }

func (c Crowding) validate() error {
	if c.Target == "" || c.Flankers[0] == "" || c.Flankers[1] == "" {
		return fmt.Errorf("%w: crowding letters missing", ErrInvalidStimulus)
	}
	if c.SpacingFactor <= 0 || c.FontSizePx <= 0 {
		return fmt.Errorf("%w: crowding spacing %v font %v", ErrInvalidStimulus, c.SpacingFactor, c.FontSizePx)
	}
	return nil
}

// DotProbe is a single perimetry dot at a visual-field position.
type DotProbe struct {
	XDegrees          float64 `json:"x_degrees"`
	YDegrees          float64 `json:"y_degrees"`
	AttenuationDb     float64 `json:"attenuation_db"`
	RadiusPx          float64 `json:"radius_px"`
	ViewingDistanceMm float64 `json:"viewing_distance_mm,omitempty"`
}

func (DotProbe) Kind() Kind { return KindDotProbe }

func (d DotProbe) validate() error {
	if d.AttenuationDb < 0 || d.RadiusPx <= 0 {
		return fmt.Errorf("%w: dot probe attenuation %v radius %v", ErrInvalidStimulus, d.AttenuationDb, d.RadiusPx)
	}
	return nil
}

func checkContrast(c float64) error {
	if c < 0 || c > 100 || math.IsNaN(c) {
		return fmt.Errorf("%w: contrast %v%%", ErrInvalidStimulus, c)
	}
	return nil
}

// Encode serializes a spec with its kind tag.
func Encode(s Spec) (json.RawMessage, error) {
	if s == nil {
		return nil, ErrUnsupportedStimulus
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["kind"] = s.Kind()
	return json.Marshal(fields)
}

// Decode parses a kind-tagged spec produced by Encode.
func Decode(data []byte) (Spec, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	var s Spec
	switch head.Kind {
	case KindGrating:
		var v Grating
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		s = v
	case KindGabor:
		var v Gabor
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		s = v
	case KindOptotype:
		var v Optotype
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		s = v
	case KindVernier:
		var v Vernier
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		s = v
	case KindCrowding:
		var v Crowding
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		s = v
	case KindDotProbe:
		var v DotProbe
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		s = v
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedStimulus, strings.TrimSpace(string(head.Kind)))
	}
	return s, nil
}
