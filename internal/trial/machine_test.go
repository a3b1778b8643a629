package trial

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MJE43/vision-trainer-go/internal/engine"
	"github.com/MJE43/vision-trainer-go/internal/session"
	"github.com/MJE43/vision-trainer-go/internal/staircase"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

var timing = Timing{
	Fixation:       500 * time.Millisecond,
	Presentation:   300 * time.Millisecond,
	ResponseWindow: 1300 * time.Millisecond,
	Feedback:       1000 * time.Millisecond,
}

type leftGenerator struct{ err error }

func (g leftGenerator) Next(_ int, d float64, _ *engine.Stream) (Presentation, error) {
	if g.err != nil {
		return Presentation{}, g.err
	}
	return Presentation{Spec: stimulus.Vernier{OffsetPixels: d, Direction: stimulus.OffsetLeft}, Expected: "left"}, nil
}

type phaseLog struct {
	mu     sync.Mutex
	phases []Phase
}

func (p *phaseLog) EmitPhase(s Snapshot) {
	p.mu.Lock()
	p.phases = append(p.phases, s.Phase)
	p.mu.Unlock()
}

type fixture struct {
	m     *Machine
	clock *ManualScheduler
	sc    *staircase.Staircase
	agg   *session.Aggregator
	log   *phaseLog
	saved *atomic.Int32
}

func newFixture(t *testing.T, cfg staircase.Config, stop StopRule, sched Scheduler) *fixture {
	t.Helper()
	clock := NewManualScheduler(epoch)
	if sched == nil {
		sched = clock
	}
	sc, err := staircase.New(cfg)
	require.NoError(t, err)

	saved := &atomic.Int32{}
	agg := session.NewAggregator("vernier", epoch,
		session.WithClock(sched.Now),
		session.WithSink(session.SinkFunc(func(_ context.Context, _ session.Record) error {
			saved.Add(1)
			return nil
		})),
	)
	log := &phaseLog{}
	m, err := New(Config{
		Protocol:   "vernier",
		Seed:       "fixture",
		Timing:     timing,
		Generator:  leftGenerator{},
		Staircase:  sc,
		Aggregator: agg,
		Stop:       stop,
		Scheduler:  sched,
		Emitter:    log,
		Score: func(correct bool, _ float64) int {
			if correct {
				return 10
			}
			return 0
		},
	})
	require.NoError(t, err)
	return &fixture{m: m, clock: clock, sc: sc, agg: agg, log: log, saved: saved}
}

func vernierStairs() staircase.Config {
	return staircase.Config{Start: 5, StepHarder: 0.5, StepEasier: 0.8, Floor: 0.5, Ceiling: 10, CorrectToHarden: 2, Harder: staircase.HarderDecreases}
}

func TestPhaseSequence(t *testing.T) {
	f := newFixture(t, vernierStairs(), MaxTrials(5), nil)
	assert.Equal(t, PhaseIdle, f.m.Phase())
	assert.False(t, f.m.Respond("left"), "idle input is ignored")

	require.NoError(t, f.m.Start())
	assert.Equal(t, PhaseFixation, f.m.Phase())
	assert.ErrorIs(t, f.m.Start(), ErrNotIdle)
	assert.False(t, f.m.Respond("left"), "fixation input is ignored")

	f.clock.Advance(timing.Fixation)
	assert.Equal(t, PhasePresenting, f.m.Phase())
	assert.False(t, f.m.Respond("left"), "presenting input is ignored")

	f.clock.Advance(timing.Presentation)
	assert.Equal(t, PhaseResponseWindow, f.m.Phase())

	f.clock.Advance(200 * time.Millisecond)
	assert.True(t, f.m.Respond("LEFT"))
	assert.False(t, f.m.Respond("left"), "second response in the same trial")
	assert.Equal(t, PhaseFeedback, f.m.Phase())

	snap := f.m.Snapshot()
	require.NotNil(t, snap.LastCorrect)
	assert.True(t, *snap.LastCorrect)
	assert.Equal(t, 10, snap.Score)

	f.clock.Advance(timing.Feedback)
	assert.Equal(t, PhaseFixation, f.m.Phase())
	assert.Equal(t, 1, f.m.Snapshot().Trial)

	p := f.agg.Progress()
	assert.Equal(t, 1, p.Trials)
	assert.InDelta(t, 100, p.AccuracyPercent, 1e-9)

	assert.Equal(t, []Phase{PhaseFixation, PhasePresenting, PhaseResponseWindow, PhaseFeedback, PhaseFixation}, f.log.phases)
}

func TestReactionTimeFromOnset(t *testing.T) {
	f := newFixture(t, vernierStairs(), MaxTrials(1), nil)
	require.NoError(t, f.m.Start())
	f.clock.Advance(timing.Fixation + timing.Presentation + 150*time.Millisecond)
	require.True(t, f.m.Respond("left"))
	f.clock.Advance(timing.Feedback)

	require.Equal(t, PhaseComplete, f.m.Phase())
	s := f.m.Summary()
	require.Len(t, s.Trials, 1)
	rt, ok := s.Trials[0].ReactionTime()
	require.True(t, ok)
	assert.Equal(t, 450*time.Millisecond, rt)
}

func TestTimeoutCountsAsIncorrect(t *testing.T) {
	f := newFixture(t, vernierStairs(), MaxTrials(5), nil)
	require.NoError(t, f.m.Start())

	f.clock.Advance(timing.Fixation + timing.ResponseWindow)
	assert.Equal(t, PhaseFeedback, f.m.Phase())
	assert.False(t, f.m.Respond("left"))
	assert.Equal(t, 5.8, f.sc.Current())

	f.clock.Advance(timing.Feedback)
	s := f.agg.Progress()
	assert.Equal(t, 1, s.Misses)
}

func TestVernierScenario(t *testing.T) {
	f := newFixture(t, vernierStairs(), MaxTrials(10), nil)
	require.NoError(t, f.m.Start())

	answer := func(a string) {
		f.clock.Advance(timing.Fixation + timing.Presentation)
		require.Equal(t, PhaseResponseWindow, f.m.Phase())
		require.True(t, f.m.Respond(a))
		f.clock.Advance(timing.Feedback)
	}
	answer("left")
	assert.Equal(t, 5.0, f.sc.Current())
	answer("left")
	assert.Equal(t, 4.5, f.sc.Current())
	answer("right")
	assert.Equal(t, 5.3, f.sc.Current())
}

func TestStopRuleCompletesSession(t *testing.T) {
	f := newFixture(t, vernierStairs(), MaxTrials(3), nil)
	require.NoError(t, f.m.Start())

	for i := 0; i < 3; i++ {
		f.clock.Advance(timing.Fixation + timing.Presentation)
		require.True(t, f.m.Respond("left"))
		f.clock.Advance(timing.Feedback)
	}

	select {
	case <-f.m.Done():
	default:
		t.Fatal("session should be complete")
	}
	s := f.m.Summary()
	require.NotNil(t, s)
	assert.Len(t, s.Trials, 3)
	assert.False(t, s.Aborted)
	assert.Equal(t, 30, s.ScoreTotal)
	assert.Equal(t, 0, f.clock.Pending())

	f.agg.Wait()
	assert.Equal(t, int32(1), f.saved.Load())
}

func TestAbortCancelsTimers(t *testing.T) {
	f := newFixture(t, vernierStairs(), MaxTrials(5), nil)
	require.NoError(t, f.m.Start())
	f.clock.Advance(timing.Fixation)
	require.Equal(t, PhasePresenting, f.m.Phase())

	s := f.m.Abort()
	require.NotNil(t, s)
	assert.True(t, s.Aborted)
	assert.Equal(t, PhaseComplete, f.m.Phase())
	assert.Equal(t, 0, f.clock.Pending())

	f.clock.Advance(time.Minute)
	assert.Equal(t, PhaseComplete, f.m.Phase())
	assert.False(t, f.m.Respond("left"))
	assert.Same(t, s, f.m.Abort(), "abort is idempotent")

	f.agg.Wait()
	assert.Equal(t, int32(1), f.saved.Load())
}

// leakyScheduler lets stopped timers fire anyway, as a real timer can when
// Stop races with expiry.
type leakyScheduler struct{ *ManualScheduler }

type leakyTimer struct{}

func (leakyTimer) Stop() bool { return false }

func (l leakyScheduler) AfterFunc(d time.Duration, f func()) Timer {
	l.ManualScheduler.AfterFunc(d, f)
	return leakyTimer{}
}

func TestStaleCallbacksIgnored(t *testing.T) {
	clock := NewManualScheduler(epoch)
	f := newFixture(t, vernierStairs(), MaxTrials(5), leakyScheduler{clock})
	require.NoError(t, f.m.Start())

	clock.Advance(timing.Fixation + timing.Presentation)
	require.True(t, f.m.Respond("left"))

	// the original window timer still fires at onset+window; it must not
	// record a second outcome for the trial
	clock.Advance(timing.ResponseWindow)
	assert.Equal(t, 1, f.agg.Progress().Trials)

	f.m.Abort()
	clock.Advance(time.Minute)
	assert.Equal(t, 1, f.agg.Progress().Trials)
	assert.Equal(t, PhaseComplete, f.m.Phase())
}

func TestConcurrentResponsesAcceptOne(t *testing.T) {
	f := newFixture(t, vernierStairs(), MaxTrials(5), nil)
	require.NoError(t, f.m.Start())
	f.clock.Advance(timing.Fixation + timing.Presentation)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.m.Respond("left") {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, 1, f.agg.Progress().Trials)
}

func TestGeneratorErrorEndsSession(t *testing.T) {
	clock := NewManualScheduler(epoch)
	sc, err := staircase.New(vernierStairs())
	require.NoError(t, err)
	boom := errors.New("no letters left")
	m, err := New(Config{
		Protocol:   "vernier",
		Timing:     timing,
		Generator:  leftGenerator{err: boom},
		Staircase:  sc,
		Aggregator: session.NewAggregator("vernier", epoch),
		Scheduler:  clock,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Start(), boom)
	assert.Equal(t, PhaseComplete, m.Phase())
	assert.True(t, m.Summary().Aborted)
}

func TestRenderedFrames(t *testing.T) {
	clock := NewManualScheduler(epoch)
	sc, err := staircase.New(vernierStairs())
	require.NoError(t, err)
	m, err := New(Config{
		Protocol:   "vernier",
		Timing:     timing,
		Generator:  leftGenerator{},
		Staircase:  sc,
		Aggregator: session.NewAggregator("vernier", epoch),
		Scheduler:  clock,
		Surface:    stimulus.Surface{Width: 200, Height: 200},
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())

	fix := m.Frame()
	require.NotNil(t, fix)
	assert.Len(t, fix.Segments, 2, "fixation shows only the cross")

	clock.Advance(timing.Fixation)
	stim := m.Frame()
	require.NotNil(t, stim)
	assert.Len(t, stim.Segments, 4, "two vernier lines plus the cross")

	clock.Advance(timing.Presentation)
	assert.Len(t, m.Frame().Segments, 2, "stimulus withdrawn in the response window")
}

func TestTimingValidation(t *testing.T) {
	bad := timing
	bad.ResponseWindow = bad.Presentation
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSetup)

	_, err := New(Config{Timing: timing})
	assert.ErrorIs(t, err, ErrInvalidSetup)
}

func TestStopRules(t *testing.T) {
	s := Status{Progress: session.Progress{Trials: 10, Misses: 4}, AtHardest: 3, Elapsed: time.Minute}
	assert.True(t, MaxTrials(10).ShouldStop(s))
	assert.False(t, MaxTrials(11).ShouldStop(s))
	assert.False(t, MaxTrials(0).ShouldStop(s))
	assert.True(t, MaxMisses(4).ShouldStop(s))
	assert.True(t, HeldAtHardest(3).ShouldStop(s))
	assert.False(t, MaxDuration(2*time.Minute).ShouldStop(s))
	assert.True(t, Any(nil, MaxMisses(9), MaxDuration(time.Second)).ShouldStop(s))
	assert.False(t, Any().ShouldStop(s))
}
