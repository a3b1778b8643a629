package staircase

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contrastConfig() Config {
	return Config{Start: 80, StepHarder: 5, StepEasier: 8, Floor: 2, Ceiling: 100, CorrectToHarden: 2, Harder: HarderDecreases}
}

func TestContrastSequence(t *testing.T) {
	s, err := New(contrastConfig())
	require.NoError(t, err)

	assert.Equal(t, 80.0, s.Update(true), "one correct is not enough to harden")
	assert.Equal(t, 75.0, s.Update(true))
	assert.Equal(t, 83.0, s.Update(false))
	assert.Equal(t, 0, s.State().ConsecutiveCorrect)
}

func TestVernierSequence(t *testing.T) {
	s, err := New(Config{Start: 5, StepHarder: 0.5, StepEasier: 0.8, Floor: 0.5, Ceiling: 10, CorrectToHarden: 2, Harder: HarderDecreases})
	require.NoError(t, err)

	s.Update(true)
	assert.Equal(t, 4.5, s.Update(true))
	assert.Equal(t, 5.3, s.Update(false))
}

func TestLevelSequence(t *testing.T) {
	s, err := New(Config{Start: 1, StepHarder: 1, StepEasier: 1, Floor: 1, Ceiling: 20, CorrectToHarden: 1, Harder: HarderIncreases})
	require.NoError(t, err)

	assert.Equal(t, 2.0, s.Update(true))
	assert.Equal(t, 3.0, s.Update(true))
	assert.Equal(t, 2.0, s.Update(false))
	assert.Equal(t, 1.0, s.Update(false))
	assert.Equal(t, 1.0, s.Update(false), "stalls at the floor")

	st := s.State()
	assert.Equal(t, 3.0, st.Best)
	assert.Equal(t, 1, st.Reversals)
}

func TestStallsAtBounds(t *testing.T) {
	cfg := contrastConfig()
	cfg.Start = 4
	s, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		s.Update(true)
	}
	assert.Equal(t, 2.0, s.Current())

	for i := 0; i < 30; i++ {
		s.Update(false)
	}
	assert.Equal(t, 100.0, s.Current())
}

func TestAlwaysWithinBounds(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for run := 0; run < 200; run++ {
		floor := r.Float64() * 10
		cfg := Config{
			Floor:           floor,
			Ceiling:         floor + 1 + r.Float64()*50,
			StepHarder:      r.Float64() * 7,
			StepEasier:      r.Float64() * 7,
			CorrectToHarden: 1 + r.IntN(4),
			Harder:          HarderDecreases,
		}
		if r.IntN(2) == 0 {
			cfg.Harder = HarderIncreases
		}
		cfg.Start = cfg.Floor + r.Float64()*(cfg.Ceiling-cfg.Floor)

		s, err := New(cfg)
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			d := s.Update(r.IntN(3) > 0)
			require.GreaterOrEqual(t, d, cfg.Floor)
			require.LessOrEqual(t, d, cfg.Ceiling)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	cases := map[string]Config{
		"start below floor": {Start: 1, StepHarder: 1, StepEasier: 1, Floor: 2, Ceiling: 10, CorrectToHarden: 1, Harder: HarderDecreases},
		"ceiling below floor": {Start: 5, StepHarder: 1, StepEasier: 1, Floor: 10, Ceiling: 2, CorrectToHarden: 1, Harder: HarderDecreases},
		"zero run length":   {Start: 5, StepHarder: 1, StepEasier: 1, Floor: 0, Ceiling: 10, CorrectToHarden: 0, Harder: HarderDecreases},
		"negative step":     {Start: 5, StepHarder: -1, StepEasier: 1, Floor: 0, Ceiling: 10, CorrectToHarden: 1, Harder: HarderDecreases},
		"unknown direction": {Start: 5, StepHarder: 1, StepEasier: 1, Floor: 0, Ceiling: 10, CorrectToHarden: 1, Harder: "sideways"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestHardest(t *testing.T) {
	assert.Equal(t, 2.0, contrastConfig().Hardest())
	assert.Equal(t, 20.0, Config{Floor: 1, Ceiling: 20, Harder: HarderIncreases}.Hardest())
}
