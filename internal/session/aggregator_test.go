package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/stimulus"
)

type captureSink struct {
	mu      sync.Mutex
	calls   atomic.Int32
	records []Record
	err     error
}

func (c *captureSink) SaveSession(_ context.Context, rec Record) error {
	c.calls.Add(1)
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
	return c.err
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func trialAt(i int, correct bool, rt time.Duration, points int) Trial {
	presented := t0.Add(time.Duration(i) * 3 * time.Second)
	tr := Trial{Index: i, Expected: "left", PresentedAt: presented, Correct: correct, Points: points}
	if rt > 0 {
		resp := presented.Add(rt)
		tr.RespondedAt = &resp
		tr.Response = "left"
		if !correct {
			tr.Response = "right"
		}
	} else {
		tr.TimedOut = true
	}
	return tr
}

func TestAccuracyRecomputed(t *testing.T) {
	a := NewAggregator("contrast", t0)
	assert.Equal(t, 0.0, a.Accuracy())

	outcomes := []bool{true, false, true, true}
	want := []float64{100, 50, 200.0 / 3, 75}
	for i, ok := range outcomes {
		require.NoError(t, a.RecordTrial(trialAt(i, ok, 400*time.Millisecond, 0)))
		assert.InDelta(t, want[i], a.Accuracy(), 1e-9)
	}

	p := a.Progress()
	assert.Equal(t, 4, p.Trials)
	assert.Equal(t, 1, p.Misses)
	assert.Equal(t, 2, p.Streak)
}

func TestFinalizeIdempotent(t *testing.T) {
	sink := &captureSink{}
	end := t0.Add(95 * time.Second)
	a := NewAggregator("vernier", t0,
		WithSink(sink),
		WithSeed("seed-1"),
		WithClock(func() time.Time { return end }),
		WithLevel(func(offset float64) int { return int((10 - offset) * 2) }),
	)

	require.NoError(t, a.RecordTrial(trialAt(0, true, 300*time.Millisecond, 20)))
	require.NoError(t, a.RecordTrial(trialAt(1, true, 500*time.Millisecond, 20)))
	require.NoError(t, a.RecordTrial(trialAt(2, false, 0, 0)))
	a.SetMetadata("bestOffset", 4.5)

	first := a.Finalize(4.5, false)
	second := a.Finalize(9, true)
	a.Wait()

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), sink.calls.Load())
	assert.Equal(t, 4.5, second.FinalDifficulty)
	assert.False(t, second.Aborted)

	assert.Equal(t, 40, first.ScoreTotal)
	assert.InDelta(t, 66.666, first.AccuracyPercent, 0.001)
	assert.Equal(t, 400.0, first.AverageReactionTimeMs, "timeouts are excluded")
	assert.Equal(t, 100.0, first.ReactionTimeSDMs)
	assert.Equal(t, 2, first.BestStreak)
	assert.Equal(t, 11, first.DifficultyLevel)

	rec := sink.records[0]
	assert.Equal(t, end.UnixMilli(), rec.Timestamp)
	assert.Equal(t, 95, rec.DurationSeconds)
	assert.Equal(t, 3, rec.RoundCount)
	assert.Equal(t, 66.7, rec.AccuracyPercent)
	assert.Equal(t, 4.5, rec.Metadata["bestOffset"])
	assert.Equal(t, "seed-1", rec.Metadata["seed"])

	assert.ErrorIs(t, a.RecordTrial(trialAt(3, true, time.Second, 1)), ErrFinalized)
}

func TestFinalizeEmpty(t *testing.T) {
	a := NewAggregator("gabor", t0)
	s := a.Finalize(1, true)
	assert.Equal(t, 0.0, s.AccuracyPercent)
	assert.Equal(t, 0.0, s.AverageReactionTimeMs)
	assert.Empty(t, s.Trials)
	assert.True(t, s.Aborted)
	assert.NotEmpty(t, s.ID)
}

func TestSinkErrorDoesNotPropagate(t *testing.T) {
	sink := &captureSink{err: errors.New("disk full")}
	a := NewAggregator("crowding", t0, WithSink(sink), WithLogger(zap.NewNop()))
	s := a.Finalize(2.5, false)
	a.Wait()
	require.NotNil(t, s)
	assert.Equal(t, int32(1), sink.calls.Load())
}

func TestConcurrentFinalize(t *testing.T) {
	sink := &captureSink{}
	a := NewAggregator("acuity", t0, WithSink(sink))
	var wg sync.WaitGroup
	results := make([]*Summary, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.Finalize(0.3, false)
		}(i)
	}
	wg.Wait()
	a.Wait()
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, int32(1), sink.calls.Load())
}

func TestTrialJSONCarriesStimulus(t *testing.T) {
	tr := trialAt(0, true, 250*time.Millisecond, 10)
	tr.Stimulus = stimulus.Gabor{TiltDegrees: 20, ContrastPercent: 100, Wavelength: 40, Sigma: 40}
	raw, err := tr.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"gabor"`)
	assert.Contains(t, string(raw), `"expected":"left"`)

	rt, ok := tr.ReactionTime()
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, rt)
}
