package db

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

func TestPoolStats_JSONTags(t *testing.T) {
	stats := &PoolStats{TotalConns: 3, IdleConns: 2, AcquiredConns: 1, MaxConns: 5, AcquireCount: 9, AcquireDuration: "2ms", Healthy: true}
	b, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := m[key]; !ok {
			t.Errorf("expected key %q in JSON output", key)
		}
	}
}

func TestHealthHandler_NilPool(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(nil)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "unconfigured" {
		t.Errorf("expected status unconfigured, got %v", body["status"])
	}
}

func TestPoolStatsCollector_Describe(t *testing.T) {
	c := NewPoolStatsCollector(nil, "sleepetl")
	ch := make(chan *prometheus.Desc, 10)
	c.Describe(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	if n != 5 {
		t.Errorf("expected 5 descriptors, got %d", n)
	}
}

func TestPoolStatsCollector_NilPoolCollectsNothing(t *testing.T) {
	c := NewPoolStatsCollector(nil, "sleepetl")
	ch := make(chan prometheus.Metric, 10)
	c.Collect(ch)
	close(ch)
	if len(ch) != 0 {
		t.Errorf("expected no metrics for nil pool, got %d", len(ch))
	}
}

func TestRegisterPoolStatsCollector_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := RegisterPoolStatsCollector(reg, nil, "sleepetl"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := RegisterPoolStatsCollector(reg, nil, "sleepetl"); err != nil {
		t.Errorf("second register should be tolerated, got %v", err)
	}
}
