package opsserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintide/ledgerpilot/internal/metrics"
)

func newTestServer(t *testing.T) (*Server, *metrics.Set) {
	t.Helper()
	reg := prometheus.NewRegistry()
	set := metrics.New(reg)
	return New(DefaultConfig(":0"), reg, "test", zerolog.Nop()), set
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}

func TestMetricsExposesInstruments(t *testing.T) {
	srv, set := newTestServer(t)
	set.CountDecision("t1", "auto_post", "")
	set.ObserveSignal("rules", 2*time.Millisecond)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ledgerpilot_decisions_total")
	assert.Contains(t, body, "ledgerpilot_signal_latency_seconds")
}

func TestUnknownRouteIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/decide", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
