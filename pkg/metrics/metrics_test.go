package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.JobStarted()
	m.JobFinished("ack")
	m.JobStarted()
	m.JobFinished("requeue")
	m.JobStarted()
	m.DeadLettered()
	m.ObserveStage("synthesize", 2*time.Second, nil)
	m.ObserveStage("store", time.Millisecond, errors.New("x"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("requeue")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLettered))
	assert.Equal(t, 2, testutil.CollectAndCount(m.stageDuration))
}

func TestServerRoutes(t *testing.T) {
	m := New()
	m.JobStarted()
	m.JobFinished("ack")
	s := NewServer(":0", m, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.SetReady(true)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `txt2img_jobs_total{outcome="ack"} 1`))
}
