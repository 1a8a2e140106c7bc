// Package metrics provides Prometheus metrics for asset-sync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for asset-sync.
type Metrics struct {
	// Enumeration
	ObjectsListed *prometheus.CounterVec

	// Unit outcomes
	UnitsPlanned   *prometheus.CounterVec
	UnitsCompleted *prometheus.CounterVec
	UnitsSkipped   *prometheus.CounterVec
	UnitsFailed    *prometheus.CounterVec

	// Artifacts
	ArtifactsWritten *prometheus.CounterVec
	ArtifactsFailed  *prometheus.CounterVec

	// Timing
	UnitDuration      *prometheus.HistogramVec
	TransformDuration *prometheus.HistogramVec

	// Pipeline
	InFlightUnits prometheus.Gauge

	// Errors
	StoreErrors   *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
	LedgerErrors  *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the global metrics on the default registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(namespace, prometheus.DefaultRegisterer)
	return defaultMetrics
}

// New creates a metrics set registered on reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "asset_sync"
	}
	f := promauto.With(reg)

	return &Metrics{
		ObjectsListed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_listed_total",
				Help:      "Total number of object descriptors produced by enumeration",
			},
			[]string{"bucket"},
		),
		UnitsPlanned: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_planned_total",
				Help:      "Total number of work units planned for execution",
			},
			[]string{"mode"},
		),
		UnitsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_completed_total",
				Help:      "Total number of work units completed and verified",
			},
			[]string{"mode"},
		),
		UnitsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_skipped_total",
				Help:      "Total number of work units skipped (already done or held by another run)",
			},
			[]string{"mode", "reason"},
		),
		UnitsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_failed_total",
				Help:      "Total number of work units that failed",
			},
			[]string{"mode"},
		),
		ArtifactsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_written_total",
				Help:      "Total number of destination objects written",
			},
			[]string{"mode"},
		),
		ArtifactsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_failed_total",
				Help:      "Total number of destination objects that could not be produced",
			},
			[]string{"mode"},
		),
		UnitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Time to execute and verify one work unit",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
			},
			[]string{"mode"},
		),
		TransformDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transform_duration_seconds",
				Help:      "Time spent in the external transform process per artifact",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
			},
			[]string{"artifact"},
		),
		InFlightUnits: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_units",
				Help:      "Number of work units currently executing",
			},
		),
		StoreErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of object store errors by classification",
			},
			[]string{"operation", "kind"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		LedgerErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_errors_total",
				Help:      "Total number of ledger transition errors",
			},
			[]string{"transition"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Mode       string
	Reason     string
	Bucket     string
	Artifact   string
	Operation  string
	Kind       string
	Transition string
}

// AddObjectsListed adds to the listed objects counter.
func (m *Metrics) AddObjectsListed(l Labels, n float64) {
	m.ObjectsListed.WithLabelValues(l.Bucket).Add(n)
}

// AddUnitsPlanned adds to the planned units counter.
func (m *Metrics) AddUnitsPlanned(l Labels, n float64) {
	m.UnitsPlanned.WithLabelValues(l.Mode).Add(n)
}

// IncUnitsCompleted increments the completed units counter.
func (m *Metrics) IncUnitsCompleted(l Labels) {
	m.UnitsCompleted.WithLabelValues(l.Mode).Inc()
}

// IncUnitsSkipped increments the skipped units counter.
func (m *Metrics) IncUnitsSkipped(l Labels) {
	m.UnitsSkipped.WithLabelValues(l.Mode, l.Reason).Inc()
}

// IncUnitsFailed increments the failed units counter.
func (m *Metrics) IncUnitsFailed(l Labels) {
	m.UnitsFailed.WithLabelValues(l.Mode).Inc()
}

// AddArtifactsWritten adds to the written artifacts counter.
func (m *Metrics) AddArtifactsWritten(l Labels, n float64) {
	m.ArtifactsWritten.WithLabelValues(l.Mode).Add(n)
}

// AddArtifactsFailed adds to the failed artifacts counter.
func (m *Metrics) AddArtifactsFailed(l Labels, n float64) {
	m.ArtifactsFailed.WithLabelValues(l.Mode).Add(n)
}

// ObserveUnitDuration records the time taken by one unit.
func (m *Metrics) ObserveUnitDuration(l Labels, seconds float64) {
	m.UnitDuration.WithLabelValues(l.Mode).Observe(seconds)
}

// ObserveTransformDuration records the time taken by one transform.
func (m *Metrics) ObserveTransformDuration(l Labels, seconds float64) {
	m.TransformDuration.WithLabelValues(l.Artifact).Observe(seconds)
}

// IncInFlightUnits increments the in-flight gauge.
func (m *Metrics) IncInFlightUnits() {
	m.InFlightUnits.Inc()
}

// DecInFlightUnits decrements the in-flight gauge.
func (m *Metrics) DecInFlightUnits() {
	m.InFlightUnits.Dec()
}

// IncStoreErrors increments the store errors counter.
func (m *Metrics) IncStoreErrors(l Labels) {
	m.StoreErrors.WithLabelValues(l.Operation, l.Kind).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}

// IncLedgerErrors increments the ledger errors counter.
func (m *Metrics) IncLedgerErrors(l Labels) {
	m.LedgerErrors.WithLabelValues(l.Transition).Inc()
}
