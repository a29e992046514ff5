package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveFile(t *testing.T) {
	m := NewETLMetrics(prometheus.NewRegistry())
	m.ObserveFile("visit", "processed", 3, 1, 2)
	m.ObserveFile("visit", "processed", 2, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FilesTotal.WithLabelValues("visit", "processed")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RowsTotal.WithLabelValues("visit", "persisted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RowsTotal.WithLabelValues("visit", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StepsEnqueuedTotal))
}

func TestObserveBatch(t *testing.T) {
	m := NewETLMetrics(prometheus.NewRegistry())
	finished := time.Unix(1736928000, 0)
	m.ObserveBatch("http", "success", 2*time.Second, finished)
	m.ObserveBatch("http", "failed", time.Second, finished.Add(time.Hour))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("http", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("http", "failed")))
	assert.Equal(t, float64(finished.Unix()), testutil.ToFloat64(m.LastSuccessSeconds))
}

func TestNilReceiver(t *testing.T) {
	var m *ETLMetrics
	assert.NotPanics(t, func() {
		m.ObserveFile("billing", "processed", 1, 0, 0)
		m.ObserveBatch("cli", "success", time.Second, time.Now())
		m.ObserveTrigger("200")
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewETLMetrics(reg)
	m.ObserveTrigger("405")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `sleepetl_trigger_requests_total{code="405"} 1`))
}
