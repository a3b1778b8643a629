package session

import (
	"context"
	"errors"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrFinalized is returned when recording into a finalized session.
var ErrFinalized = errors.New("session already finalized")

const sinkTimeout = 10 * time.Second

// Aggregator collects trials for one session. It is safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex

	id       string
	gameType string
	seed     string
	started  time.Time
	now      func() time.Time
	level    func(difficulty float64) int
	sink     ProgressSink
	logger   *zap.Logger

	trials   []Trial
	correct  int
	score    int
	streak   int
	best     int
	metadata map[string]any

	summary *Summary
	pending sync.WaitGroup
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithID(id string) Option { return func(a *Aggregator) { a.id = id } }
func WithSeed(seed string) Option { return func(a *Aggregator) { a.seed = seed } }
func WithSink(s ProgressSink) Option { return func(a *Aggregator) { a.sink = s } }
func WithLogger(l *zap.Logger) Option { return func(a *Aggregator) { a.logger = l } }
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLevel sets the projection of the final difficulty onto the stored level.
func WithLevel(f func(float64) int) Option { return func(a *Aggregator) { a.level = f } }

// NewAggregator starts a session for gameType at started.
func NewAggregator(gameType string, started time.Time, opts ...Option) *Aggregator {
	a := &Aggregator{
		gameType: gameType,
		started:  started,
		now:      time.Now,
		level:    func(d float64) int { return int(math.Round(d)) },
		logger:   zap.NewNop(),
		metadata: make(map[string]any),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.id == "" {
		a.id = uuid.NewString()
	}
	return a
}

// ID returns the session identifier.
func (a *Aggregator) ID() string { return a.id }

// RecordTrial appends a completed trial.
func (a *Aggregator) RecordTrial(t Trial) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.summary != nil {
		return ErrFinalized
	}

	a.trials = append(a.trials, t)
	a.score += t.Points
	if t.Correct {
		a.correct++
		a.streak++
		if a.streak > a.best {
			a.best = a.streak
		}
	} else {
		a.streak = 0
	}
	return nil
}

// SetMetadata attaches a protocol-specific value to the summary.
func (a *Aggregator) SetMetadata(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.summary == nil {
		a.metadata[key] = value
	}
}

// Progress is a cheap view of the running totals.
type Progress struct {
	Trials          int     `json:"trials"`
	Correct         int     `json:"correct"`
	Misses          int     `json:"misses"`
	Streak          int     `json:"streak"`
	Score           int     `json:"score"`
	AccuracyPercent float64 `json:"accuracy_percent"`
}

// Progress returns the running totals.
func (a *Aggregator) Progress() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Progress{
		Trials:          len(a.trials),
		Correct:         a.correct,
		Misses:          len(a.trials) - a.correct,
		Streak:          a.streak,
		Score:           a.score,
		AccuracyPercent: accuracy(a.correct, len(a.trials)),
	}
}

// Accuracy is correct/completed * 100, or 0 with no trials.
func (a *Aggregator) Accuracy() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return accuracy(a.correct, len(a.trials))
}

func accuracy(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total) * 100
}

// Finalize freezes the session. Repeated calls return the same summary and
// the sink is notified only once, asynchronously.
func (a *Aggregator) Finalize(finalDifficulty float64, aborted bool) *Summary {
	a.mu.Lock()
	if a.summary != nil {
		s := a.summary
		a.mu.Unlock()
		return s
	}

	trials := make([]Trial, len(a.trials))
	copy(trials, a.trials)
	avg, sd := reactionStats(trials)

	s := &Summary{
		ID:                    a.id,
		GameType:              a.gameType,
		Seed:                  a.seed,
		StartedAt:             a.started,
		EndedAt:               a.now(),
		Trials:                trials,
		ScoreTotal:            a.score,
		AccuracyPercent:       accuracy(a.correct, len(trials)),
		AverageReactionTimeMs: avg,
		ReactionTimeSDMs:      sd,
		BestStreak:            a.best,
		FinalDifficulty:       finalDifficulty,
		DifficultyLevel:       a.level(finalDifficulty),
		Aborted:               aborted,
		Metadata:              maps.Clone(a.metadata),
	}
	s.Metadata["avgReactionTime"] = round(avg, 0)
	s.Metadata["aborted"] = aborted
	if a.seed != "" {
		s.Metadata["seed"] = a.seed
	}
	a.summary = s
	sink := a.sink
	a.mu.Unlock()

	if sink != nil {
		rec := s.Record()
		a.pending.Add(1)
		go func() {
			defer a.pending.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			defer cancel()
			if err := sink.SaveSession(ctx, rec); err != nil {
				a.logger.Warn("progress store rejected session",
					zap.String("session_id", rec.ID),
					zap.String("game", rec.GameType),
					zap.Error(err))
			}
		}()
	}
	return s
}

// Summary returns the finalized summary or nil.
func (a *Aggregator) Summary() *Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}

// Wait blocks until the sink hand-off has returned.
func (a *Aggregator) Wait() {
	a.pending.Wait()
}

// Record converts the summary into its persisted form.
func (s *Summary) Record() Record {
	return Record{
		ID:              s.ID,
		GameType:        s.GameType,
		Timestamp:       s.EndedAt.UnixMilli(),
		DurationSeconds: int(s.EndedAt.Sub(s.StartedAt).Seconds()),
		Score:           s.ScoreTotal,
		DifficultyLevel: s.DifficultyLevel,
		AccuracyPercent: round(s.AccuracyPercent, 1),
		RoundCount:      len(s.Trials),
		Metadata:        maps.Clone(s.Metadata),
	}
}

func reactionStats(trials []Trial) (avg, sd float64) {
	var rts []float64
	for _, t := range trials {
		if rt, ok := t.ReactionTime(); ok {
			rts = append(rts, float64(rt)/float64(time.Millisecond))
		}
	}
	if len(rts) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range rts {
		sum += v
	}
	avg = sum / float64(len(rts))
	if len(rts) <= 1 {
		return avg, 0
	}
	var sq float64
	for _, v := range rts {
		sq += (v - avg) * (v - avg)
	}
	return avg, math.Sqrt(sq / float64(len(rts)))
}

func round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
