package protocol

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/calibration"
	"github.com/MJE43/vision-trainer-go/internal/engine"
	"github.com/MJE43/vision-trainer-go/internal/scripting"
	"github.com/MJE43/vision-trainer-go/internal/session"
	"github.com/MJE43/vision-trainer-go/internal/staircase"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
	"github.com/MJE43/vision-trainer-go/internal/trial"
)

// Options are the per-session inputs to NewSession.
type Options struct {
	SessionID string
	Seed      string
	Profile   calibration.Profile
	Surface   stimulus.Surface
	Scheduler trial.Scheduler
	Emitter   trial.Emitter
	Observer  trial.Observer
	Sink      session.ProgressSink
	Logger    *zap.Logger

	// Stop is combined with the protocol's own stop conditions.
	Stop trial.StopRule

	// Tap sees every generated presentation, including its expected answer.
	// Simulated observers use it; live sessions leave it nil.
	Tap func(index int, p trial.Presentation)
}

type tappedGenerator struct {
	gen trial.Generator
	tap func(int, trial.Presentation)
}

func (g tappedGenerator) Next(index int, d float64, rng *engine.Stream) (trial.Presentation, error) {
	p, err := g.gen.Next(index, d, rng)
	if err == nil {
		g.tap(index, p)
	}
	return p, err
}

// StopRule builds the session stop rule. Each call compiles a fresh script
// runtime, so the result must not be shared between sessions.
func (d Definition) StopRule(logger *zap.Logger) (trial.StopRule, error) {
	rules := []trial.StopRule{
		trial.MaxTrials(d.Stop.MaxTrials),
		trial.MaxMisses(d.Stop.MaxMisses),
		trial.HeldAtHardest(d.Stop.HoldAtHardest),
		trial.MaxDuration(d.Stop.MaxDuration),
	}
	if d.Stop.Script != "" {
		r, err := scripting.Compile(d.Stop.Script, logger)
		if err != nil {
			return nil, fmt.Errorf("protocol %s: %w", d.ID, err)
		}
		rules = append(rules, r)
	}
	return trial.Any(rules...), nil
}

// NewSession wires an idle trial machine for this protocol.
func (d Definition) NewSession(opts Options) (*trial.Machine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = trial.RealScheduler{}
	}
	seed := opts.Seed
	if seed == "" {
		seed = engine.NewSeed()
	}

	stairs, err := staircase.New(d.Staircase)
	if err != nil {
		return nil, fmt.Errorf("protocol %s: %w", d.ID, err)
	}
	gen, err := d.Generator()
	if err != nil {
		return nil, err
	}
	if opts.Tap != nil {
		gen = tappedGenerator{gen: gen, tap: opts.Tap}
	}
	stop, err := d.StopRule(logger)
	if err != nil {
		return nil, err
	}
	if opts.Stop != nil {
		stop = trial.Any(stop, opts.Stop)
	}

	agg := session.NewAggregator(d.ID, sched.Now(),
		session.WithID(opts.SessionID),
		session.WithSeed(seed),
		session.WithSink(opts.Sink),
		session.WithLogger(logger),
		session.WithClock(sched.Now),
		session.WithLevel(d.Level.Of),
	)
	switch d.Stimulus {
	case stimulus.KindCrowding:
		agg.SetMetadata("eccentricity", d.Params.EccentricityDegrees)
	case stimulus.KindOptotype:
		agg.SetMetadata("viewingDistanceMm", d.Params.ViewingDistanceMm)
	case stimulus.KindDotProbe:
		agg.SetMetadata("fieldPoints", len(FieldPoints(d.Params.Rings)))
	}

	return trial.New(trial.Config{
		Protocol:   d.ID,
		Seed:       seed,
		Timing:     d.Timing,
		Generator:  gen,
		Staircase:  stairs,
		Aggregator: agg,
		Score:      d.Score.Points,
		Stop:       stop,
		Scheduler:  sched,
		Emitter:    opts.Emitter,
		Observer:   opts.Observer,
		Logger:     logger,
		BestKey:    d.BestKey,
		Profile:    opts.Profile,
		Surface:    opts.Surface,
	})
}
