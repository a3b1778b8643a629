// Package protocol describes each training test as data: timing, staircase,
// response alphabet, stimulus parameters, scoring and stop conditions.
package protocol

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/MJE43/vision-trainer-go/internal/scripting"
	"github.com/MJE43/vision-trainer-go/internal/staircase"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
	"github.com/MJE43/vision-trainer-go/internal/trial"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var (
	ErrProtocolNotFound = errors.New("protocol not found")
	ErrInvalidProtocol  = errors.New("invalid protocol")
)

// MaxLevel is the top of the 0-20 difficulty scale stored with sessions.
const MaxLevel = 20

// ScoreMode selects how points are awarded for a correct answer.
type ScoreMode string

const (
	// ScoreLevel awards factor * difficulty.
	ScoreLevel ScoreMode = "level"
	// ScoreInverse awards factor / difficulty, for threshold protocols.
	ScoreInverse ScoreMode = "inverse"
	// ScoreFixed awards factor.
	ScoreFixed ScoreMode = "fixed"
)

// Score is a per-protocol points rule.
type Score struct {
	Mode   ScoreMode `yaml:"mode" mapstructure:"mode" json:"mode" validate:"oneof=level inverse fixed"`
	Factor float64   `yaml:"factor" mapstructure:"factor" json:"factor" validate:"gte=0"`
}

// Points returns the award for one trial. Wrong answers earn nothing.
func (s Score) Points(correct bool, difficulty float64) int {
	if !correct {
		return 0
	}
	switch s.Mode {
	case ScoreLevel:
		return int(math.Round(s.Factor * difficulty))
	case ScoreInverse:
		if difficulty <= 0 {
			return 0
		}
		return int(math.Round(s.Factor / difficulty))
	default:
		return int(math.Round(s.Factor))
	}
}

// Level projects a difficulty value onto the 0-20 scale:
// round((difficulty - Origin) * Scale), clamped.
type Level struct {
	Origin float64 `yaml:"origin" mapstructure:"origin" json:"origin"`
	Scale  float64 `yaml:"scale" mapstructure:"scale" json:"scale"`
}

// Of returns the level for difficulty d.
func (l Level) Of(d float64) int {
	v := int(math.Round((d - l.Origin) * l.Scale))
	return max(0, min(MaxLevel, v))
}

// Stop lists the conditions that end a session. Zero fields are unset.
type Stop struct {
	MaxTrials     int           `yaml:"max_trials" mapstructure:"max_trials" json:"max_trials,omitempty" validate:"gte=0"`
	MaxMisses     int           `yaml:"max_misses" mapstructure:"max_misses" json:"max_misses,omitempty" validate:"gte=0"`
	HoldAtHardest int           `yaml:"hold_at_hardest" mapstructure:"hold_at_hardest" json:"hold_at_hardest,omitempty" validate:"gte=0"`
	MaxDuration   time.Duration `yaml:"max_duration" mapstructure:"max_duration" json:"max_duration,omitempty" validate:"gte=0"`
	Script        string        `yaml:"script" mapstructure:"script" json:"script,omitempty"`
}

func (s Stop) empty() bool {
	return s.MaxTrials == 0 && s.MaxDuration == 0 && strings.TrimSpace(s.Script) == ""
}

// Params carries the stimulus parameters that do not adapt.
type Params struct {
	Wavelength          float64   `yaml:"wavelength" mapstructure:"wavelength" json:"wavelength,omitempty"`
	Sigma               float64   `yaml:"sigma" mapstructure:"sigma" json:"sigma,omitempty"`
	Cycles              float64   `yaml:"cycles" mapstructure:"cycles" json:"cycles,omitempty"`
	FontSizePx          float64   `yaml:"font_size_px" mapstructure:"font_size_px" json:"font_size_px,omitempty"`
	EccentricityDegrees float64   `yaml:"eccentricity_degrees" mapstructure:"eccentricity_degrees" json:"eccentricity_degrees,omitempty"`
	ViewingDistanceMm   float64   `yaml:"viewing_distance_mm" mapstructure:"viewing_distance_mm" json:"viewing_distance_mm,omitempty"`
	RadiusPx            float64   `yaml:"radius_px" mapstructure:"radius_px" json:"radius_px,omitempty"`
	Rings               []float64 `yaml:"rings" mapstructure:"rings" json:"rings,omitempty"`
}

// Definition is one protocol.
type Definition struct {
	ID          string           `yaml:"id" json:"id" validate:"required"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description" json:"description"`
	Stimulus    stimulus.Kind    `yaml:"stimulus" json:"stimulus" validate:"oneof=grating gabor optotype vernier crowding dotprobe"`
	BestKey     string           `yaml:"best_key" json:"best_key,omitempty"`
	Timing      trial.Timing     `yaml:"timing" json:"timing"`
	Staircase   staircase.Config `yaml:"staircase" json:"staircase"`
	Answers     []string         `yaml:"answers" json:"answers" validate:"min=1,dive,required"`
	Score       Score            `yaml:"score" json:"score"`
	Level       Level            `yaml:"level" json:"level"`
	Stop        Stop             `yaml:"stop" json:"stop"`
	Params      Params           `yaml:"params" json:"params"`
}

var validate = validator.New()

// Validate checks the definition as a whole.
func (d Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidProtocol, d.ID, err)
	}
	if err := d.Timing.Validate(); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidProtocol, d.ID, err)
	}
	if err := d.Staircase.Validate(); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidProtocol, d.ID, err)
	}
	if d.Stop.empty() {
		return fmt.Errorf("%w %q: no max_trials, max_duration or script", ErrInvalidProtocol, d.ID)
	}
	if d.Stop.Script != "" {
		if err := scripting.Validate(d.Stop.Script); err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidProtocol, d.ID, err)
		}
	}
	return nil
}

// AcceptsAnswer reports whether a is in the response alphabet.
func (d Definition) AcceptsAnswer(a string) bool {
	return slices.ContainsFunc(d.Answers, func(s string) bool {
		return strings.EqualFold(s, strings.TrimSpace(a))
	})
}

// withDefaults fills stimulus parameters a definition left out.
func (d Definition) withDefaults() Definition {
	p := &d.Params
	if p.Wavelength == 0 {
		p.Wavelength = 40
	}
	if p.Sigma == 0 {
		p.Sigma = 40
	}
	if p.Cycles == 0 {
		p.Cycles = 4
	}
	if p.FontSizePx == 0 {
		p.FontSizePx = 40
	}
	if p.ViewingDistanceMm == 0 && d.Stimulus == stimulus.KindOptotype {
		p.ViewingDistanceMm = 500
	}
	if p.RadiusPx == 0 {
		p.RadiusPx = 4
	}
	if len(p.Rings) == 0 && d.Stimulus == stimulus.KindDotProbe {
		p.Rings = []float64{2, 6, 10}
	}
	return d
}

// Override changes parts of a definition. Zero values keep the original.
type Override struct {
	Timing    trial.Timing      `mapstructure:"timing" yaml:"timing"`
	Staircase *staircase.Config `mapstructure:"staircase" yaml:"staircase"`
	Stop      Stop              `mapstructure:"stop" yaml:"stop"`
	Score     *Score            `mapstructure:"score" yaml:"score"`
}

// Apply returns d with o merged over it.
func (o Override) Apply(d Definition) Definition {
	t := &d.Timing
	if o.Timing.Fixation > 0 {
		t.Fixation = o.Timing.Fixation
	}
	if o.Timing.FixationJitter > 0 {
		t.FixationJitter = o.Timing.FixationJitter
	}
	if o.Timing.Presentation > 0 {
		t.Presentation = o.Timing.Presentation
	}
	if o.Timing.ResponseWindow > 0 {
		t.ResponseWindow = o.Timing.ResponseWindow
	}
	if o.Timing.Feedback > 0 {
		t.Feedback = o.Timing.Feedback
	}
	if o.Staircase != nil {
		d.Staircase = *o.Staircase
	}
	if o.Score != nil {
		d.Score = *o.Score
	}
	s := &d.Stop
	if o.Stop.MaxTrials > 0 {
		s.MaxTrials = o.Stop.MaxTrials
	}
	if o.Stop.MaxMisses > 0 {
		s.MaxMisses = o.Stop.MaxMisses
	}
	if o.Stop.HoldAtHardest > 0 {
		s.HoldAtHardest = o.Stop.HoldAtHardest
	}
	if o.Stop.MaxDuration > 0 {
		s.MaxDuration = o.Stop.MaxDuration
	}
	if o.Stop.Script != "" {
		s.Script = o.Stop.Script
	}
	return d
}

// Parse decodes a YAML document holding a protocols list.
func Parse(data []byte) ([]Definition, error) {
	var doc struct {
		Protocols []Definition `yaml:"protocols"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse protocols: %w", err)
	}
	return doc.Protocols, nil
}

// Registry holds the available protocols. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Defaults returns a registry loaded with the built-in protocols.
func Defaults() (*Registry, error) {
	defs, err := Parse(defaultsYAML)
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates d and adds or replaces it.
func (r *Registry) Register(d Definition) error {
	d = d.withDefaults()
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.ID]; !ok {
		r.order = append(r.order, d.ID)
	}
	r.defs[d.ID] = d
	return nil
}

// Override applies o to the protocol id. The registry is left unchanged
// when the merged definition does not validate.
func (r *Registry) Override(id string, o Override) error {
	d, err := r.Get(id)
	if err != nil {
		return err
	}
	return r.Register(o.Apply(d))
}

// Get returns the protocol id.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrProtocolNotFound, id)
	}
	return d, nil
}

// List returns every protocol in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// IDs returns the registered protocol ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}
