package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestSessionLifecycle(t *testing.T) {
	m := New()
	m.SessionStarted("vernier")
	m.SessionStarted("vernier")
	m.TrialCompleted("vernier", true, false, 420*time.Millisecond)
	m.TrialCompleted("vernier", false, false, 700*time.Millisecond)
	m.TrialCompleted("vernier", false, true, 0)
	m.SessionEnded("vernier", false)

	body := scrape(t, m)
	assert.Contains(t, body, `vt_trials_total{outcome="correct",protocol="vernier"} 1`)
	assert.Contains(t, body, `vt_trials_total{outcome="incorrect",protocol="vernier"} 1`)
	assert.Contains(t, body, `vt_trials_total{outcome="timeout",protocol="vernier"} 1`)
	assert.Contains(t, body, `vt_reaction_time_seconds_count{protocol="vernier"} 2`)
	assert.Contains(t, body, `vt_sessions_ended_total{protocol="vernier",result="completed"} 1`)
	assert.Contains(t, body, "vt_active_sessions 1")
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	m.StoreWriteFailed()

	body := scrape(t, m)
	assert.Contains(t, body, `vt_http_requests_total{method="GET",route="/health",status="200"} 1`)
	assert.Contains(t, body, "vt_store_write_errors_total 1")
	assert.Contains(t, body, "go_goroutines")
}
