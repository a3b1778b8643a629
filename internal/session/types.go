// Package session accumulates trial outcomes into a session summary and
// hands the finished summary to the progress store.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MJE43/vision-trainer-go/internal/stimulus"
)

// Trial is one completed stimulus presentation.
type Trial struct {
	Index       int           `json:"index"`
	Stimulus    stimulus.Spec `json:"-"`
	Expected    string        `json:"expected"`
	Difficulty  float64       `json:"difficulty"`
	PresentedAt time.Time     `json:"presented_at"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
	Response    string        `json:"response,omitempty"`
	Correct     bool          `json:"correct"`
	TimedOut    bool          `json:"timed_out"`
	Points      int           `json:"points"`
}

// ReactionTime is measured from stimulus onset. Timed-out trials have none.
func (t Trial) ReactionTime() (time.Duration, bool) {
	if t.TimedOut || t.RespondedAt == nil {
		return 0, false
	}
	return t.RespondedAt.Sub(t.PresentedAt), true
}

// MarshalJSON embeds the kind-tagged stimulus.
func (t Trial) MarshalJSON() ([]byte, error) {
	type plain Trial
	out := struct {
		plain
		Stimulus json.RawMessage `json:"stimulus,omitempty"`
	}{plain: plain(t)}
	if t.Stimulus != nil {
		raw, err := stimulus.Encode(t.Stimulus)
		if err != nil {
			return nil, err
		}
		out.Stimulus = raw
	}
	return json.Marshal(out)
}

// Summary is the finalized, immutable view of a session.
type Summary struct {
	ID                    string         `json:"id"`
	GameType              string         `json:"game_type"`
	Seed                  string         `json:"seed,omitempty"`
	StartedAt             time.Time      `json:"started_at"`
	EndedAt               time.Time      `json:"ended_at"`
	Trials                []Trial        `json:"trials"`
	ScoreTotal            int            `json:"score_total"`
	AccuracyPercent       float64        `json:"accuracy_percent"`
	AverageReactionTimeMs float64        `json:"average_reaction_time_ms"`
	ReactionTimeSDMs      float64        `json:"reaction_time_sd_ms"`
	BestStreak            int            `json:"best_streak"`
	FinalDifficulty       float64        `json:"final_difficulty"`
	DifficultyLevel       int            `json:"difficulty_level"`
	Aborted               bool           `json:"aborted"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// Record is the shape persisted by the progress store.
type Record struct {
	ID              string         `json:"id"`
	GameType        string         `json:"gameType"`
	Timestamp       int64          `json:"timestamp"`
	DurationSeconds int            `json:"duration"`
	Score           int            `json:"score"`
	DifficultyLevel int            `json:"difficulty"`
	AccuracyPercent float64        `json:"accuracy"`
	RoundCount      int            `json:"rounds"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ProgressSink receives finalized sessions. Calls are fire-and-forget from
// the aggregator's point of view.
type ProgressSink interface {
	SaveSession(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) SaveSession(ctx context.Context, rec Record) error { return f(ctx, rec) }
