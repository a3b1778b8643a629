// Package calibration converts an on-screen reference object into a
// pixels-per-millimeter scale.
package calibration

import (
	"errors"
	"fmt"
	"math"
)

// CreditCardWidthMm is the ISO/IEC 7810 ID-1 card width.
const CreditCardWidthMm = 85.60

// DefaultPixelsPerDegree is used when no viewing distance is known.
const DefaultPixelsPerDegree = 30.0

// ErrInvalidCalibration is returned for non-positive or non-finite inputs.
var ErrInvalidCalibration = errors.New("invalid calibration")

// Profile is the immutable result of a calibration.
type Profile struct {
	PixelsPerMillimeter float64 `json:"pixels_per_mm"`
}

// Calibrate derives a profile from a reference object drawn referenceWidthPx
// wide whose physical width is physicalWidthMm.
func Calibrate(referenceWidthPx, physicalWidthMm float64) (Profile, error) {
	if !positive(referenceWidthPx) {
		return Profile{}, fmt.Errorf("%w: reference width %v px", ErrInvalidCalibration, referenceWidthPx)
	}
	if !positive(physicalWidthMm) {
		return Profile{}, fmt.Errorf("%w: physical width %v mm", ErrInvalidCalibration, physicalWidthMm)
	}
	return Profile{PixelsPerMillimeter: referenceWidthPx / physicalWidthMm}, nil
}

// FromCard calibrates against a credit card.
func FromCard(referenceWidthPx float64) (Profile, error) {
	return Calibrate(referenceWidthPx, CreditCardWidthMm)
}

// Valid reports whether the profile came from a successful calibration.
func (p Profile) Valid() bool {
	return positive(p.PixelsPerMillimeter)
}

// MillimetersToPixels converts a physical length into pixels.
func (p Profile) MillimetersToPixels(mm float64) float64 {
	return mm * p.PixelsPerMillimeter
}

// PixelsPerDegree returns how many pixels subtend one degree of visual angle
// at the given viewing distance. A non-positive distance falls back to
// DefaultPixelsPerDegree.
func (p Profile) PixelsPerDegree(viewingDistanceMm float64) float64 {
	if !positive(viewingDistanceMm) || !p.Valid() {
		return DefaultPixelsPerDegree
	}
	return viewingDistanceMm * math.Tan(math.Pi/180) * p.PixelsPerMillimeter
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
