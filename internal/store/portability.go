package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/MJE43/vision-trainer-go/internal/session"
)

var ErrInvalidImport = errors.New("invalid import document")

// Document is the export file format.
type Document struct {
	Sessions   []session.Record `json:"sessions"`
	Streak     *Streak          `json:"streak,omitempty"`
	ExportDate time.Time        `json:"exportDate"`
}

// Export writes every session, oldest first, and the streak as indented JSON.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	recs, err := s.allSessions(ctx)
	if err != nil {
		return err
	}
	st, err := s.Streak(ctx)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []session.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Document{Sessions: recs, Streak: &st, ExportDate: s.now().UTC()}); err != nil {
		return fmt.Errorf("store: export: %w", err)
	}
	return nil
}

// Import replaces the stored history with a previously exported document.
// A document without sessions leaves sessions alone, and likewise for the
// streak. Retention applies to imported sessions too.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	var raw struct {
		Sessions *[]session.Record `json:"sessions"`
		Streak   *Streak           `json:"streak"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	n := 0
	if raw.Sessions != nil {
		for _, q := range []string{"DELETE FROM session_trials", "DELETE FROM sessions"} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return 0, fmt.Errorf("store: import: %w", err)
			}
		}
		for _, rec := range *raw.Sessions {
			if rec.GameType == "" {
				return 0, fmt.Errorf("%w: session without gameType", ErrInvalidImport)
			}
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			meta, err := json.Marshal(orEmpty(rec.Metadata))
			if err != nil {
				return 0, fmt.Errorf("store: marshal metadata: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO sessions (id, game_type, timestamp, duration, score, difficulty, accuracy, rounds, metadata)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.ID, rec.GameType, rec.Timestamp, rec.DurationSeconds, rec.Score,
				rec.DifficultyLevel, rec.AccuracyPercent, rec.RoundCount, string(meta),
			); err != nil {
				return 0, fmt.Errorf("store: import session: %w", err)
			}
			n++
		}
		if err := s.prune(ctx, tx); err != nil {
			return 0, err
		}
	}
	if raw.Streak != nil {
		if err := writeStreak(ctx, tx, *raw.Streak); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: import commit: %w", err)
	}
	return n, nil
}
