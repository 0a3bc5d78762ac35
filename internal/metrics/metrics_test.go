package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"ultrashort/internal/marketdata/bus"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestNewMetrics_RegistersOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TicksTotal.Add(3)
	m.SignalsTotal.WithLabelValues("Hammer").Inc()
	m.DroppedTicks.WithLabelValues("late").Inc()

	if got := value(t, m.TicksTotal); got != 3 {
		t.Errorf("ticks: got %v, want 3", got)
	}
	if got := value(t, m.SignalsTotal.WithLabelValues("Hammer")); got != 1 {
		t.Errorf("signals: got %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families gathered")
	}

	// A second registry must accept the same names.
	NewMetrics(prometheus.NewRegistry())
}

func TestReportSaturation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ReportSaturation("signals", []bus.ChannelStat{
		{Name: "sqlite", Len: 5, Cap: 10},
		{Name: "unbuffered", Len: 0, Cap: 0},
	})
	if got := value(t, m.ChannelSaturationPct.WithLabelValues("signals:sqlite")); got != 50 {
		t.Errorf("saturation: got %v, want 50", got)
	}
	ch := make(chan prometheus.Metric, 4)
	m.ChannelSaturationPct.Collect(ch)
	close(ch)
	if n := len(ch); n != 1 {
		t.Errorf("zero-capacity channel should be skipped, got %d series", n)
	}
}

func TestHealthSnapshot(t *testing.T) {
	h := NewHealthStatus()
	if got := h.Snapshot().Status; got != "unhealthy" {
		t.Errorf("fresh status: got %q, want unhealthy", got)
	}

	h.SetSQLiteOK(true)
	if got := h.Snapshot().Status; got != "degraded" {
		t.Errorf("no feed: got %q, want degraded", got)
	}

	h.SetWSConnected(true)
	h.SetLastTickTime(time.Now())
	if got := h.Snapshot().Status; got != "healthy" {
		t.Errorf("feed up, redis disabled: got %q, want healthy", got)
	}

	h.SetRedisEnabled(true)
	if got := h.Snapshot().Status; got != "degraded" {
		t.Errorf("redis enabled but down: got %q, want degraded", got)
	}
}

func TestHealthServeHTTP(t *testing.T) {
	h := NewHealthStatus()
	h.SetSQLiteOK(true)
	h.SetWSConnected(true)
	h.SetLastCycleTime(time.Now())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d", rec.Code)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != "healthy" || rep.LastCycleTime == "" {
		t.Errorf("unexpected report %+v", rep)
	}

	h.SetSQLiteOK(false)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy should be 503, got %d", rec.Code)
	}
}
