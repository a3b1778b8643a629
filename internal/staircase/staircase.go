// Package staircase implements the N-up / 1-down adaptive difficulty rule.
//
// After CorrectToHarden consecutive correct answers the difficulty moves one
// StepHarder toward harder; any incorrect answer moves one StepEasier toward
// easier and resets the run. The result is always clamped to [Floor, Ceiling].
package staircase

import (
	"fmt"
	"math"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Direction says which way the difficulty value moves when the task gets harder.
type Direction string

const (
	// HarderDecreases is used for thresholds such as contrast or offset.
	HarderDecreases Direction = "decrease"
	// HarderIncreases is used for level counters and attenuation.
	HarderIncreases Direction = "increase"
)

// Config parameterizes a staircase. Protocols ship these as data.
type Config struct {
	Start           float64   `yaml:"start" mapstructure:"start" json:"start"`
	StepHarder      float64   `yaml:"step_harder" mapstructure:"step_harder" json:"step_harder" validate:"gte=0"`
	StepEasier      float64   `yaml:"step_easier" mapstructure:"step_easier" json:"step_easier" validate:"gte=0"`
	Floor           float64   `yaml:"floor" mapstructure:"floor" json:"floor"`
	Ceiling         float64   `yaml:"ceiling" mapstructure:"ceiling" json:"ceiling" validate:"gtefield=Floor"`
	CorrectToHarden int       `yaml:"correct_to_harden" mapstructure:"correct_to_harden" json:"correct_to_harden" validate:"gte=1"`
	Harder          Direction `yaml:"harder" mapstructure:"harder" json:"harder" validate:"oneof=decrease increase"`
}

var validate = validator.New()

// Validate checks the config for internal consistency.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("staircase: %w", err)
	}
	if c.Start < c.Floor || c.Start > c.Ceiling {
		return fmt.Errorf("staircase: start %v outside [%v, %v]", c.Start, c.Floor, c.Ceiling)
	}
	return nil
}

// Hardest returns the bound the staircase moves toward on success.
func (c Config) Hardest() float64 {
	if c.Harder == HarderIncreases {
		return c.Ceiling
	}
	return c.Floor
}

// IsHarder reports whether a is a harder setting than b.
func (c Config) IsHarder(a, b float64) bool {
	if c.Harder == HarderIncreases {
		return a > b
	}
	return a < b
}

// State is a point-in-time copy of the staircase.
type State struct {
	Difficulty         float64 `json:"difficulty"`
	ConsecutiveCorrect int     `json:"consecutive_correct"`
	Reversals          int     `json:"reversals"`
	Best               float64 `json:"best"`
	Updates            int     `json:"updates"`
}

// Staircase is safe for concurrent use.
type Staircase struct {
	mu      sync.Mutex
	cfg     Config
	state   State
	lastDir int // -1 easier, +1 harder, 0 none yet
}

// New returns a staircase positioned at cfg.Start.
func New(cfg Config) (*Staircase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Staircase{
		cfg:   cfg,
		state: State{Difficulty: cfg.Start, Best: cfg.Start},
	}, nil
}

// Config returns the staircase parameters.
func (s *Staircase) Config() Config {
	return s.cfg
}

// Update applies one trial outcome and returns the new difficulty.
func (s *Staircase) Update(correct bool) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Updates++
	dir := 0
	if correct {
		s.state.ConsecutiveCorrect++
		if s.state.ConsecutiveCorrect >= s.cfg.CorrectToHarden {
			s.state.ConsecutiveCorrect = 0
			s.move(s.cfg.StepHarder, true)
			dir = 1
		}
	} else {
		s.state.ConsecutiveCorrect = 0
		s.move(s.cfg.StepEasier, false)
		dir = -1
	}

	if dir != 0 {
		if s.lastDir != 0 && dir != s.lastDir {
			s.state.Reversals++
		}
		s.lastDir = dir
	}
	if s.cfg.IsHarder(s.state.Difficulty, s.state.Best) {
		s.state.Best = s.state.Difficulty
	}
	return s.state.Difficulty
}

func (s *Staircase) move(step float64, harder bool) {
	sign := 1.0
	if harder == (s.cfg.Harder == HarderDecreases) {
		sign = -1
	}
	next := s.state.Difficulty + sign*step
	// keep decimal steps such as 0.1 from drifting
	next = math.Round(next*1e9) / 1e9
	s.state.Difficulty = math.Max(s.cfg.Floor, math.Min(s.cfg.Ceiling, next))
}

// Current returns the difficulty for the next trial.
func (s *Staircase) Current() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Difficulty
}

// State returns a copy of the staircase state.
func (s *Staircase) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
