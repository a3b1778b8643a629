package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MJE43/vision-trainer-go/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxImportBytes      = 32 << 20
)

// progressStore returns the store, or writes 503 when persistence is off.
func (s *Server) progressStore(w http.ResponseWriter, r *http.Request) *store.Store {
	st := s.svc.Store()
	if st == nil {
		engineErr := NewError(ErrTypeServiceUnavailable, "Progress store is not configured").Build()
		s.errorHandler.write(w, r, http.StatusServiceUnavailable, engineErr)
	}
	return st
}

// GET /api/v1/progress/sessions?game=&since=&until=&limit=&offset=
//
// since and until are unix milliseconds.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	st := s.progressStore(w, r)
	if st == nil {
		return
	}
	q := r.URL.Query()
	query := store.Query{GameType: q.Get("game"), Limit: defaultHistoryLimit}

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &query.Since}, {"until", &query.Until}} {
		if v := q.Get(p.name); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil || ms < 0 {
				s.errorHandler.HandleValidationError(w, r, p.name, "must be unix milliseconds")
				return
			}
			*p.dst = time.UnixMilli(ms)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			s.errorHandler.HandleValidationError(w, r, "limit", "must be between 1 and 500")
			return
		}
		query.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorHandler.HandleValidationError(w, r, "offset", "must be non-negative")
			return
		}
		query.Offset = n
	}

	recs, total, err := st.ListSessions(r.Context(), query)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{
		Sessions: recs,
		Total:    total,
		Limit:    query.Limit,
		Offset:   query.Offset,
	})
}

// GET /api/v1/progress/stats
func (s *Server) handleOverallStats(w http.ResponseWriter, r *http.Request) {
	st := s.progressStore(w, r)
	if st == nil {
		return
	}
	overall, err := st.OverallStats(r.Context())
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{Overall: overall})
}

// GET /api/v1/progress/stats/{game}?limit=
func (s *Server) handleGameStats(w http.ResponseWriter, r *http.Request) {
	st := s.progressStore(w, r)
	if st == nil {
		return
	}
	game := chi.URLParam(r, "game")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorHandler.HandleValidationError(w, r, "limit", "must be positive")
			return
		}
		limit = n
	}

	stats, err := st.GameStats(r.Context(), game)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	series, err := st.PerformanceSeries(r.Context(), game, limit)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{Game: stats, Series: series})
}

// GET /api/v1/progress/streak
func (s *Server) handleStreak(w http.ResponseWriter, r *http.Request) {
	st := s.progressStore(w, r)
	if st == nil {
		return
	}
	streak, err := st.Streak(r.Context())
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, streak)
}

// GET /api/v1/progress/export
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	st := s.progressStore(w, r)
	if st == nil {
		return
	}
	name := "vision-training-data-" + time.Now().UTC().Format("2006-01-02") + ".json"
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Engine-Version", EngineVersion)
	if err := st.Export(r.Context(), w); err != nil {
		// headers may be gone already; the log is all that is left
		s.logger.Sugar().Warnw("export failed", "error", err)
	}
}

// POST /api/v1/progress/import
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	st := s.progressStore(w, r)
	if st == nil {
		return
	}
	n, err := st.Import(r.Context(), http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ImportResponse{Imported: n})
}

// DELETE /api/v1/progress
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	st := s.progressStore(w, r)
	if st == nil {
		return
	}
	if err := st.Clear(r.Context()); err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
