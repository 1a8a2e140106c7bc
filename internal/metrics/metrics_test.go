package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	l := Labels{Mode: "transform", Reason: "done", Operation: "put"}
	m.AddUnitsPlanned(l, 10)
	m.IncUnitsCompleted(l)
	m.IncUnitsCompleted(l)
	m.IncUnitsSkipped(l)
	m.IncRetryAttempts(l)
	m.IncInFlightUnits()
	m.IncInFlightUnits()
	m.DecInFlightUnits()

	if got := testutil.ToFloat64(m.UnitsPlanned.WithLabelValues("transform")); got != 10 {
		t.Errorf("units planned = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.UnitsCompleted.WithLabelValues("transform")); got != 2 {
		t.Errorf("units completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.UnitsSkipped.WithLabelValues("transform", "done")); got != 1 {
		t.Errorf("units skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RetryAttempts.WithLabelValues("put")); got != 1 {
		t.Errorf("retry attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InFlightUnits); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two sets on separate registries must not collide.
	New("test", prometheus.NewRegistry())
	New("test", prometheus.NewRegistry())
}
