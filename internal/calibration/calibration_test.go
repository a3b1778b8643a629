package calibration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalibrateCard(t *testing.T) {
	p, err := FromCard(342.4)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, p.PixelsPerMillimeter, 1e-9)
	assert.True(t, p.Valid())
	assert.InDelta(t, 40.0, p.MillimetersToPixels(10), 1e-9)
}

func TestCalibrateRejectsInvalid(t *testing.T) {
	cases := []struct {
		name   string
		px, mm float64
	}{
		{"zero pixels", 0, 85.6},
		{"negative pixels", -10, 85.6},
		{"zero mm", 300, 0},
		{"negative mm", 300, -1},
		{"nan", math.NaN(), 85.6},
		{"inf", math.Inf(1), 85.6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Calibrate(tc.px, tc.mm)
			assert.ErrorIs(t, err, ErrInvalidCalibration)
		})
	}
}

func TestPixelsPerDegree(t *testing.T) {
	p := Profile{PixelsPerMillimeter: 4}
	// 500 mm * tan(1deg) ~= 8.727 mm
	assert.InDelta(t, 34.91, p.PixelsPerDegree(500), 0.01)
	assert.Equal(t, DefaultPixelsPerDegree, p.PixelsPerDegree(0))
	assert.Equal(t, DefaultPixelsPerDegree, Profile{}.PixelsPerDegree(500))
}
