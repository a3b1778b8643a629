package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/engine"
	"github.com/MJE43/vision-trainer-go/internal/protocol"
	"github.com/MJE43/vision-trainer-go/internal/session"
	"github.com/MJE43/vision-trainer-go/internal/trial"
)

// ErrStalled means the machine had nothing scheduled before completing.
var ErrStalled = errors.New("sim: session stalled")

var simEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Run plays one complete session of def with obs answering every trial.
// The same seed always yields the same summary.
func Run(ctx context.Context, def protocol.Definition, obs Observer, seed string, logger *zap.Logger) (*session.Summary, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := trial.NewManualScheduler(simEpoch)
	var (
		current trial.Presentation
		index   int
	)
	m, err := def.NewSession(protocol.Options{
		Seed:      seed,
		Scheduler: clock,
		Logger:    logger,
		Tap: func(i int, p trial.Presentation) {
			index, current = i, p
		},
	})
	if err != nil {
		return nil, err
	}
	if err := m.Start(); err != nil {
		return nil, err
	}

	reaction := obs.ReactionTime
	if reaction == 0 {
		reaction = defaultReactionTime
	}
	// answer strictly inside the window
	if open := def.Timing.ResponseWindow - def.Timing.Presentation; reaction >= open {
		reaction = max(open-time.Millisecond, 0)
	}

	for m.Phase() != trial.PhaseComplete {
		if err := ctx.Err(); err != nil {
			m.Abort()
			return nil, err
		}
		if m.Phase() != trial.PhasePresenting {
			if !clock.Step() {
				return nil, fmt.Errorf("%w in %s", ErrStalled, m.Phase())
			}
			continue
		}

		snap := m.Snapshot()
		rng := engine.NewStream(seed, "observer", uint64(index))
		p := obs.PCorrect(snap.Difficulty, def.Staircase.Harder, len(def.Answers))
		ans, ok := obs.answer(current.Expected, def.Answers, p, rng)

		// withdraw, then either answer or let the window lapse
		if !clock.Step() {
			return nil, fmt.Errorf("%w in %s", ErrStalled, m.Phase())
		}
		if !ok {
			continue
		}
		clock.Advance(reaction)
		if !m.Respond(ans) {
			return nil, fmt.Errorf("sim: answer for trial %d not accepted in %s", index, m.Phase())
		}
	}
	if err := m.Err(); err != nil {
		return m.Summary(), err
	}
	return m.Summary(), nil
}
