package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/app"
	"github.com/MJE43/vision-trainer-go/internal/config"
	"github.com/MJE43/vision-trainer-go/internal/metrics"
	"github.com/MJE43/vision-trainer-go/internal/protocol"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
	"github.com/MJE43/vision-trainer-go/internal/store"
	"github.com/MJE43/vision-trainer-go/internal/trial"
)

type harness struct {
	server  *Server
	handler http.Handler
	svc     *app.Service
	clock   *trial.ManualScheduler
	store   *store.Store
	rec     *store.Recorder
}

func newHarness(t *testing.T, withStore bool, cfg config.ServerConfig) *harness {
	t.Helper()
	reg, err := protocol.Defaults()
	require.NoError(t, err)
	require.NoError(t, reg.Override("perimetry", protocol.Override{Stop: protocol.Stop{MaxTrials: 2}}))

	h := &harness{clock: trial.NewManualScheduler(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))}
	opts := app.Options{Registry: reg, Scheduler: h.clock, MaxActive: 4}
	if withStore {
		h.store, err = store.New(filepath.Join(t.TempDir(), "progress.db"))
		require.NoError(t, err)
		require.NoError(t, h.store.Migrate())
		h.rec = store.NewRecorder(h.store, nil, 8)
		opts.Store, opts.Recorder = h.store, h.rec
	}
	m := metrics.New()
	opts.Metrics = m
	h.svc, err = app.New(opts)
	require.NoError(t, err)

	h.server = NewServer(h.svc, m, cfg, nil)
	h.handler = h.server.Routes()
	t.Cleanup(func() {
		h.svc.Close()
		if h.rec != nil {
			_ = h.rec.Close()
			_ = h.store.Close()
		}
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[EngineError](t, w).Type
}

// play answers "seen" to every trial of a perimetry session.
func (h *harness) play(t *testing.T, id string, trials int) {
	t.Helper()
	for range trials {
		require.True(t, h.clock.Step())
		require.True(t, h.clock.Step())
		w := h.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/responses", RespondRequest{Answer: "seen"})
		require.Equal(t, http.StatusOK, w.Code)
		require.True(t, decode[RespondResponse](t, w).Accepted)
		require.True(t, h.clock.Step())
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, true, config.ServerConfig{})
	w := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, EngineVersion, w.Header().Get("X-Engine-Version"))

	resp := decode[HealthCheckResponse](t, w)
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	assert.Contains(t, resp.Checks, "database")
	assert.Equal(t, "6 protocols available", resp.Checks["protocols"].Message)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health/ready", nil).Code)
}

func TestHealthDegradedWithoutStore(t *testing.T) {
	h := newHarness(t, false, config.ServerConfig{})
	w := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, HealthStatusDegraded, decode[HealthCheckResponse](t, w).Status)

	w = h.do(t, http.MethodGet, "/api/v1/progress/streak", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ErrTypeServiceUnavailable, errorType(t, w))
}

func TestProtocolsEndpoint(t *testing.T) {
	h := newHarness(t, false, config.ServerConfig{})
	w := h.do(t, http.MethodGet, "/api/v1/protocols", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ProtocolsResponse](t, w)
	assert.Len(t, resp.Protocols, 6)
	assert.NotEmpty(t, resp.EngineVersion)
}

func TestCalibrateEndpoint(t *testing.T) {
	h := newHarness(t, false, config.ServerConfig{})

	w := h.do(t, http.MethodPost, "/api/v1/calibrate", CalibrateRequest{ReferenceWidthPx: 342.4})
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 4.0, decode[CalibrateResponse](t, w).Profile.PixelsPerMillimeter, 1e-9)

	w = h.do(t, http.MethodPost, "/api/v1/calibrate", CalibrateRequest{ReferenceWidthPx: 0})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, ErrTypeInvalidCalibration, errorType(t, w))

	w = h.do(t, http.MethodPost, "/api/v1/calibrate", `{"reference_width_px": 300, "extra": 1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrTypeValidation, errorType(t, w))
}

func TestStartSessionErrors(t *testing.T) {
	h := newHarness(t, false, config.ServerConfig{})

	tests := []struct {
		name    string
		body    any
		status  int
		errType string
	}{
		{"missing protocol", StartSessionRequest{}, http.StatusBadRequest, ErrTypeValidation},
		{"unknown protocol", StartSessionRequest{Protocol: "stereo"}, http.StatusNotFound, ErrTypeProtocolNotFound},
		{"uncalibrated acuity", `{"protocol":"acuity","surface":{"width":320,"height":240}}`, http.StatusUnprocessableEntity, ErrTypeInvalidCalibration},
		{"malformed", `{"protocol":`, http.StatusBadRequest, ErrTypeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/api/v1/sessions", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.errType, errorType(t, w))
		})
	}

	w := h.do(t, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrTypeSessionNotFound, errorType(t, w))
}

func TestSessionFlow(t *testing.T) {
	h := newHarness(t, true, config.ServerConfig{})

	w := h.do(t, http.MethodPost, "/api/v1/sessions", StartSessionRequest{
		Protocol: "perimetry",
		Seed:     "flow",
		Surface:  stimulus.Surface{Width: 320, Height: 240},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	snap := decode[trial.Snapshot](t, w)
	assert.Equal(t, trial.PhaseFixation, snap.Phase)
	assert.Equal(t, "/api/v1/sessions/"+snap.SessionID, w.Header().Get("Location"))
	id := snap.SessionID

	w = h.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/responses", RespondRequest{Answer: "blue"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/responses", RespondRequest{Answer: "seen"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[RespondResponse](t, w).Accepted, "fixation drops answers")

	require.True(t, h.clock.Step())
	w = h.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/frame.png", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "dotprobe", w.Header().Get("X-Stimulus-Kind"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	require.True(t, h.clock.Step())
	w = h.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/responses", RespondRequest{Answer: "seen"})
	require.True(t, decode[RespondResponse](t, w).Accepted)
	require.True(t, h.clock.Step())
	h.play(t, id, 1)

	w = h.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, trial.PhaseComplete, decode[trial.Snapshot](t, w).Phase)

	w = h.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/frame.png", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/abort", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[SummaryResponse](t, w).Summary
	require.NotNil(t, sum)
	assert.False(t, sum.Aborted, "abort after completion returns the original summary")
	assert.Equal(t, 10, sum.ScoreTotal)
}

func TestAbortEndpoint(t *testing.T) {
	h := newHarness(t, false, config.ServerConfig{})
	w := h.do(t, http.MethodPost, "/api/v1/sessions", StartSessionRequest{Protocol: "gabor"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[trial.Snapshot](t, w).SessionID

	w = h.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/abort", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[SummaryResponse](t, w).Summary
	require.NotNil(t, sum)
	assert.True(t, sum.Aborted)
	assert.Empty(t, sum.Trials)
}

func TestProgressEndpoints(t *testing.T) {
	h := newHarness(t, true, config.ServerConfig{})
	ctx := context.Background()

	w := h.do(t, http.MethodGet, "/api/v1/progress/stats/perimetry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/sessions", StartSessionRequest{Protocol: "perimetry"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[trial.Snapshot](t, w).SessionID
	h.play(t, id, 2)
	h.svc.Close()
	require.Eventually(t, func() bool {
		recs, _, err := h.store.ListSessions(ctx, store.Query{})
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w = h.do(t, http.MethodGet, "/api/v1/progress/sessions?game=perimetry&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[HistoryResponse](t, w)
	assert.Equal(t, 1, hist.Total)
	require.Len(t, hist.Sessions, 1)
	assert.Equal(t, id, hist.Sessions[0].ID)

	w = h.do(t, http.MethodGet, "/api/v1/progress/sessions?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/progress/stats/perimetry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[StatsResponse](t, w)
	require.NotNil(t, stats.Game)
	assert.Equal(t, 1, stats.Game.TotalSessions)
	require.NotNil(t, stats.Series)
	assert.Len(t, stats.Series.Scores, 1)

	w = h.do(t, http.MethodGet, "/api/v1/progress/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[StatsResponse](t, w).Overall.TotalSessions)

	w = h.do(t, http.MethodGet, "/api/v1/progress/streak", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[store.Streak](t, w).Current)

	w = h.do(t, http.MethodGet, "/api/v1/progress/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "vision-training-data-")
	exported := w.Body.String()

	w = h.do(t, http.MethodDelete, "/api/v1/progress", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodGet, "/api/v1/progress/sessions", nil)
	assert.Equal(t, 0, decode[HistoryResponse](t, w).Total)

	w = h.do(t, http.MethodPost, "/api/v1/progress/import", exported)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[ImportResponse](t, w).Imported)

	w = h.do(t, http.MethodPost, "/api/v1/progress/import", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsWebsocket(t *testing.T) {
	h := newHarness(t, false, config.ServerConfig{})
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	w := h.do(t, http.MethodPost, "/api/v1/sessions", StartSessionRequest{Protocol: "perimetry"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[trial.Snapshot](t, w).SessionID

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	h.play(t, id, 2)

	var phases []trial.Phase
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var snap trial.Snapshot
		err := conn.ReadJSON(&snap)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "close: %v", err)
			break
		}
		phases = append(phases, snap.Phase)
	}
	require.NotEmpty(t, phases)
	assert.Equal(t, trial.PhaseComplete, phases[len(phases)-1])
	assert.Contains(t, phases, trial.PhaseFeedback)

	_, _, err = websocket.DefaultDialer.Dial(strings.Replace(url, id, "missing", 1), nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, false, config.ServerConfig{RateLimit: 1, RateBurst: 1})

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/protocols", nil).Code)
	w := h.do(t, http.MethodGet, "/api/v1/protocols", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, ErrTypeRateLimit, errorType(t, w))

	// health is not limited
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health/live", nil).Code)
}

func TestCORS(t *testing.T) {
	h := newHarness(t, false, config.ServerConfig{AllowedOrigins: []string{"https://trainer.example"}})

	for origin, allowed := range map[string]bool{
		"http://localhost:5173":   true,
		"https://trainer.example": true,
		"https://evil.example":    false,
	} {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/protocols", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		if allowed {
			assert.Equal(t, origin, w.Header().Get("Access-Control-Allow-Origin"), origin)
		} else {
			assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"), origin)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, false, config.ServerConfig{})
	h.do(t, http.MethodGet, "/api/v1/protocols", nil)

	w := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `vt_http_requests_total{method="GET",route="/api/v1/protocols",status="200"} 1`)
}

func TestRecoveryHandler(t *testing.T) {
	eh := NewErrorHandler(zap.NewNop())
	handler := eh.RecoveryHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, ErrTypeInternal, errorType(t, w))
}

func TestStartAndShutdown(t *testing.T) {
	h := newHarness(t, false, config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second})
	require.NoError(t, h.server.Start())
	require.NotNil(t, h.server.Addr())

	resp, err := http.Get("http://" + h.server.Addr().String() + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))
}
