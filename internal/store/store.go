// Package store provides SQLite persistence for finished training sessions,
// their per-trial detail and the daily training streak.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MJE43/vision-trainer-go/internal/session"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
)

// DefaultMaxSessions is how many sessions are kept; older ones are pruned.
const DefaultMaxSessions = 500

const dateLayout = "2006-01-02"

var ErrNoSessions = errors.New("no sessions recorded")

// Store is the local progress store.
type Store struct {
	db          *sql.DB
	now         func() time.Time
	maxSessions int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for streaks and weekly activity.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithMaxSessions changes the retention cap.
func WithMaxSessions(n int) Option { return func(s *Store) { s.maxSessions = n } }

// New opens the SQLite database at dbPath.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// one writer; WAL lets readers proceed alongside it
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: busy timeout: %w", err)
	}
	s := &Store{db: db, now: time.Now, maxSessions: DefaultMaxSessions}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates the schema.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			game_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0,
			score INTEGER NOT NULL DEFAULT 0,
			difficulty INTEGER NOT NULL DEFAULT 0,
			accuracy REAL NOT NULL DEFAULT 0,
			rounds INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_game_ts ON sessions(game_type, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ts ON sessions(timestamp)`,
		`CREATE TABLE IF NOT EXISTS session_trials (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			stimulus TEXT NOT NULL,
			expected TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			correct BOOLEAN NOT NULL DEFAULT 0,
			timed_out BOOLEAN NOT NULL DEFAULT 0,
			difficulty REAL NOT NULL,
			reaction_ms INTEGER,
			points INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_trials_session ON session_trials(session_id, idx)`,
		`CREATE TABLE IF NOT EXISTS streak (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			current INTEGER NOT NULL DEFAULT 0,
			longest INTEGER NOT NULL DEFAULT 0,
			last_date TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSession appends a finished session, prunes to the retention cap and
// advances the streak. It implements session.ProgressSink.
func (s *Store) SaveSession(ctx context.Context, rec session.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, game_type, timestamp, duration, score, difficulty, accuracy, rounds, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.GameType, rec.Timestamp, rec.DurationSeconds, rec.Score,
		rec.DifficultyLevel, rec.AccuracyPercent, rec.RoundCount, string(meta),
	); err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	if err := s.prune(ctx, tx); err != nil {
		return err
	}
	if err := s.touchStreak(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) prune(ctx context.Context, tx *sql.Tx) error {
	if s.maxSessions <= 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN (
			SELECT id FROM sessions ORDER BY timestamp DESC, rowid DESC LIMIT ?
		)`, s.maxSessions,
	); err != nil {
		return fmt.Errorf("store: prune sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_trials WHERE session_id NOT IN (SELECT id FROM sessions)`,
	); err != nil {
		return fmt.Errorf("store: prune trials: %w", err)
	}
	return nil
}

// SaveTrials records per-trial detail for a session in one transaction.
func (s *Store) SaveTrials(ctx context.Context, sessionID string, trials []session.Trial) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO session_trials (session_id, idx, stimulus, expected, response, correct, timed_out, difficulty, reaction_ms, points)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range trials {
		spec, err := encodeStimulus(t)
		if err != nil {
			return fmt.Errorf("store: encode trial #%d: %w", t.Index, err)
		}
		var rt *int64
		if d, ok := t.ReactionTime(); ok {
			ms := d.Milliseconds()
			rt = &ms
		}
		if _, err := stmt.ExecContext(ctx, sessionID, t.Index, spec, t.Expected, t.Response,
			t.Correct, t.TimedOut, t.Difficulty, rt, t.Points); err != nil {
			return fmt.Errorf("store: insert trial #%d: %w", t.Index, err)
		}
	}
	return tx.Commit()
}

func encodeStimulus(t session.Trial) (string, error) {
	if t.Stimulus == nil {
		return "null", nil
	}
	raw, err := stimulus.Encode(t.Stimulus)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// TrialRow is a stored trial.
type TrialRow struct {
	Index          int             `json:"index"`
	Stimulus       json.RawMessage `json:"stimulus"`
	Expected       string          `json:"expected"`
	Response       string          `json:"response,omitempty"`
	Correct        bool            `json:"correct"`
	TimedOut       bool            `json:"timed_out"`
	Difficulty     float64         `json:"difficulty"`
	ReactionTimeMs *int64          `json:"reaction_time_ms,omitempty"`
	Points         int             `json:"points"`
}

// Trials returns the stored trials of a session in order.
func (s *Store) Trials(ctx context.Context, sessionID string) ([]TrialRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, stimulus, expected, response, correct, timed_out, difficulty, reaction_ms, points
		 FROM session_trials WHERE session_id = ? ORDER BY idx`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get trials: %w", err)
	}
	defer rows.Close()

	var out []TrialRow
	for rows.Next() {
		var r TrialRow
		var spec string
		if err := rows.Scan(&r.Index, &spec, &r.Expected, &r.Response, &r.Correct, &r.TimedOut,
			&r.Difficulty, &r.ReactionTimeMs, &r.Points); err != nil {
			return nil, fmt.Errorf("store: scan trial: %w", err)
		}
		r.Stimulus = json.RawMessage(spec)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Query filters ListSessions. Zero fields are ignored.
type Query struct {
	GameType string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// ListSessions returns matching sessions newest first, with the total count
// before paging.
func (s *Store) ListSessions(ctx context.Context, q Query) ([]session.Record, int, error) {
	var where []string
	var args []any
	if q.GameType != "" {
		where = append(where, "game_type = ?")
		args = append(args, q.GameType)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.Until.UnixMilli())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count sessions: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	recs, err := s.query(ctx,
		"SELECT id, game_type, timestamp, duration, score, difficulty, accuracy, rounds, metadata FROM sessions"+
			clause+" ORDER BY timestamp DESC, rowid DESC LIMIT ? OFFSET ?",
		append(args, limit, max(q.Offset, 0))...)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// gameSessions returns every session of a game, oldest first.
func (s *Store) gameSessions(ctx context.Context, gameType string) ([]session.Record, error) {
	return s.query(ctx,
		`SELECT id, game_type, timestamp, duration, score, difficulty, accuracy, rounds, metadata
		 FROM sessions WHERE game_type = ? ORDER BY timestamp, rowid`, gameType)
}

func (s *Store) allSessions(ctx context.Context) ([]session.Record, error) {
	return s.query(ctx,
		`SELECT id, game_type, timestamp, duration, score, difficulty, accuracy, rounds, metadata
		 FROM sessions ORDER BY timestamp, rowid`)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		var r session.Record
		var meta string
		if err := rows.Scan(&r.ID, &r.GameType, &r.Timestamp, &r.DurationSeconds, &r.Score,
			&r.DifficultyLevel, &r.AccuracyPercent, &r.RoundCount, &meta); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("store: decode metadata of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Clear removes every session, trial and the streak.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, q := range []string{"DELETE FROM session_trials", "DELETE FROM sessions", "DELETE FROM streak"} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: clear: %w", err)
		}
	}
	return tx.Commit()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
