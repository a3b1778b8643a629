package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MJE43/vision-trainer-go/internal/session"
)

// Streak counts consecutive days with at least one saved session.
type Streak struct {
	Current          int    `json:"current"`
	Longest          int    `json:"longest"`
	LastTrainingDate string `json:"lastTrainingDate"`
}

// Streak returns the stored streak, zero when none exists.
func (s *Store) Streak(ctx context.Context) (Streak, error) {
	return readStreak(ctx, s.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readStreak(ctx context.Context, q queryer) (Streak, error) {
	var st Streak
	err := q.QueryRowContext(ctx, `SELECT current, longest, last_date FROM streak WHERE id = 1`).
		Scan(&st.Current, &st.Longest, &st.LastTrainingDate)
	if errors.Is(err, sql.ErrNoRows) {
		return Streak{}, nil
	}
	if err != nil {
		return Streak{}, fmt.Errorf("store: read streak: %w", err)
	}
	return st, nil
}

func writeStreak(ctx context.Context, tx *sql.Tx, st Streak) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO streak (id, current, longest, last_date) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET current = excluded.current, longest = excluded.longest, last_date = excluded.last_date`,
		st.Current, st.Longest, st.LastTrainingDate,
	); err != nil {
		return fmt.Errorf("store: write streak: %w", err)
	}
	return nil
}

// touchStreak records training today. Training again on the same day is a
// no-op, the day after extends the run, any later day restarts it at 1.
func (s *Store) touchStreak(ctx context.Context, tx *sql.Tx) error {
	st, err := readStreak(ctx, tx)
	if err != nil {
		return err
	}
	next := advanceStreak(st, s.now().UTC())
	if next == st {
		return nil
	}
	return writeStreak(ctx, tx, next)
}

func advanceStreak(st Streak, now time.Time) Streak {
	today := now.Format(dateLayout)
	if st.LastTrainingDate == today {
		return st
	}
	if st.LastTrainingDate == now.AddDate(0, 0, -1).Format(dateLayout) {
		st.Current++
	} else {
		st.Current = 1
	}
	st.Longest = max(st.Longest, st.Current)
	st.LastTrainingDate = today
	return st
}

// GameStats summarizes one game's history.
type GameStats struct {
	GameType        string  `json:"gameType"`
	TotalSessions   int     `json:"totalSessions"`
	TotalDuration   int     `json:"totalDuration"`
	AverageScore    float64 `json:"averageScore"`
	AverageAccuracy float64 `json:"averageAccuracy"`
	BestScore       int     `json:"bestScore"`
	LastPlayed      int64   `json:"lastPlayed"`
	// Improvement is the percent change in mean accuracy between the
	// first and the last ten sessions.
	Improvement float64 `json:"improvement"`
}

// GameStats returns ErrNoSessions when the game has never been played.
func (s *Store) GameStats(ctx context.Context, gameType string) (*GameStats, error) {
	recs, err := s.gameSessions(ctx, gameType)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoSessions, gameType)
	}

	st := &GameStats{GameType: gameType}
	var score, acc float64
	for _, r := range recs {
		st.TotalSessions++
		st.TotalDuration += r.DurationSeconds
		score += float64(r.Score)
		acc += r.AccuracyPercent
		st.BestScore = max(st.BestScore, r.Score)
		st.LastPlayed = max(st.LastPlayed, r.Timestamp)
	}
	n := float64(len(recs))
	st.AverageScore = round(score/n, 1)
	st.AverageAccuracy = round(acc/n, 1)

	oldAvg := meanAccuracy(recs[:min(10, len(recs))])
	recentAvg := meanAccuracy(recs[max(0, len(recs)-10):])
	if oldAvg > 0 {
		st.Improvement = round((recentAvg-oldAvg)/oldAvg*100, 1)
	}
	return st, nil
}

func meanAccuracy(recs []session.Record) float64 {
	if len(recs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range recs {
		sum += r.AccuracyPercent
	}
	return sum / float64(len(recs))
}

// OverallStats summarizes every game.
type OverallStats struct {
	TotalSessions   int      `json:"totalSessions"`
	TotalHours      float64  `json:"totalHours"`
	AverageAccuracy float64  `json:"averageAccuracy"`
	GamesPlayed     []string `json:"gamesPlayed"`
	// WeeklyActivity counts sessions per day for the last seven days,
	// oldest first; the last bucket is the most recent 24 hours.
	WeeklyActivity [7]int `json:"weeklyActivity"`
}

func (s *Store) OverallStats(ctx context.Context) (*OverallStats, error) {
	recs, err := s.allSessions(ctx)
	if err != nil {
		return nil, err
	}
	st := &OverallStats{GamesPlayed: []string{}}
	now := s.now()
	var seconds, acc float64
	for _, r := range recs {
		st.TotalSessions++
		seconds += float64(r.DurationSeconds)
		acc += r.AccuracyPercent
		if !slices.Contains(st.GamesPlayed, r.GameType) {
			st.GamesPlayed = append(st.GamesPlayed, r.GameType)
		}
		days := int(math.Floor(float64(now.UnixMilli()-r.Timestamp) / float64(24*time.Hour/time.Millisecond)))
		if days >= 0 && days < 7 {
			st.WeeklyActivity[6-days]++
		}
	}
	st.TotalHours = round(seconds/3600, 2)
	if len(recs) > 0 {
		st.AverageAccuracy = round(acc/float64(len(recs)), 1)
	}
	return st, nil
}

// Series is chart data for the most recent sessions of a game.
type Series struct {
	Labels     []string  `json:"labels"`
	Accuracy   []float64 `json:"accuracy"`
	Scores     []int     `json:"scores"`
	Difficulty []int     `json:"difficulty"`
}

// PerformanceSeries returns the last limit sessions of gameType, oldest first.
func (s *Store) PerformanceSeries(ctx context.Context, gameType string, limit int) (*Series, error) {
	if limit <= 0 {
		limit = 30
	}
	recs, err := s.gameSessions(ctx, gameType)
	if err != nil {
		return nil, err
	}
	recs = recs[max(0, len(recs)-limit):]

	out := &Series{
		Labels:     make([]string, 0, len(recs)),
		Accuracy:   make([]float64, 0, len(recs)),
		Scores:     make([]int, 0, len(recs)),
		Difficulty: make([]int, 0, len(recs)),
	}
	for i, r := range recs {
		out.Labels = append(out.Labels, fmt.Sprintf("#%d", i+1))
		out.Accuracy = append(out.Accuracy, r.AccuracyPercent)
		out.Scores = append(out.Scores, r.Score)
		out.Difficulty = append(out.Difficulty, r.DifficultyLevel)
	}
	return out, nil
}

func round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
