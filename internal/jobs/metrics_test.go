package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	_ = m.Track("entitlements:warmup").End(nil)
	err := m.Track("entitlements:warmup").End(errors.New("boom"))
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected error to pass through, got %v", err)
	}

	if got := testutil.ToFloat64(m.runs.WithLabelValues("entitlements:warmup", "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("entitlements:warmup")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddScopes("warmed", 3)
	if err := m.Track("noop").End(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddScopesIgnoresEmptyCounts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddScopes("warmed", 0)
	m.AddScopes("warmed", 2)
	if got := testutil.ToFloat64(m.scopes.WithLabelValues("warmed")); got != 2 {
		t.Fatalf("expected 2 warmed scopes, got %v", got)
	}
}
