// Package metrics provides Prometheus metrics for the build coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the build coordinator.
type Metrics struct {
	// Node metrics
	NodesDispatched     *prometheus.CounterVec
	DuplicateDispatches *prometheus.CounterVec
	NodesCompleted      *prometheus.CounterVec
	NodesFailed         *prometheus.CounterVec
	OutstandingLaunches *prometheus.GaugeVec
	PollIterations      *prometheus.CounterVec

	// Timing metrics
	MergeDuration         *prometheus.HistogramVec
	ConfigurationDuration *prometheus.HistogramVec

	// Manifest metrics
	ManifestModules   prometheus.Gauge
	ManifestArtifacts prometheus.Gauge

	// Error metrics
	StoreErrors   *prometheus.CounterVec
	OracleErrors  *prometheus.CounterVec
	JournalErrors prometheus.Counter
	CatalogErrors prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
	Namespace string `yaml:"namespace"`
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "nodechain"
	}

	m := &Metrics{
		NodesDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_dispatched_total",
				Help:      "Total number of node builds dispatched",
			},
			[]string{"profile"},
		),
		DuplicateDispatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_dispatches_total",
				Help:      "Dispatch requests ignored because the node was already launched",
			},
			[]string{"profile"},
		),
		NodesCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_completed_total",
				Help:      "Total number of node builds merged into their project lock",
			},
			[]string{"profile"},
		),
		NodesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_failed_total",
				Help:      "Total number of failed node builds",
			},
			[]string{"profile"},
		),
		OutstandingLaunches: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outstanding_launches",
				Help:      "Node builds launched and not yet processed",
			},
			[]string{"profile"},
		),
		PollIterations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_iterations_total",
				Help:      "Completion loop iterations",
			},
			[]string{"profile"},
		),
		MergeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Time to merge a node lock and compute the next frontier",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"profile"},
		),
		ConfigurationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "configuration_duration_seconds",
				Help:      "Time to build every node of one configuration",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
			},
			[]string{"profile", "result"},
		),
		ManifestModules: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "manifest_modules",
				Help:      "Modules in the last published build manifest",
			},
		),
		ManifestArtifacts: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "manifest_artifacts",
				Help:      "Artifacts in the last published build manifest",
			},
		),
		StoreErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of meta store errors",
			},
			[]string{"operation"},
		),
		OracleErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_errors_total",
				Help:      "Total number of dependency graph oracle errors",
			},
			[]string{"operation"},
		),
		JournalErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journal_errors_total",
				Help:      "Total number of event journal emission errors",
			},
		),
		CatalogErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of run catalog errors",
			},
		),
	}

	defaultMetrics = m
	return m
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

// IncNodesDispatched increments the dispatched counter.
func (m *Metrics) IncNodesDispatched(profile string) {
	m.NodesDispatched.WithLabelValues(profile).Inc()
}

// IncDuplicateDispatches increments the ignored dispatch counter.
func (m *Metrics) IncDuplicateDispatches(profile string) {
	m.DuplicateDispatches.WithLabelValues(profile).Inc()
}

// IncNodesCompleted increments the completed counter.
func (m *Metrics) IncNodesCompleted(profile string) {
	m.NodesCompleted.WithLabelValues(profile).Inc()
}

// IncNodesFailed increments the failed counter.
func (m *Metrics) IncNodesFailed(profile string) {
	m.NodesFailed.WithLabelValues(profile).Inc()
}

// SetOutstandingLaunches sets the outstanding launch gauge.
func (m *Metrics) SetOutstandingLaunches(profile string, n float64) {
	m.OutstandingLaunches.WithLabelValues(profile).Set(n)
}

// IncPollIterations increments the completion loop counter.
func (m *Metrics) IncPollIterations(profile string) {
	m.PollIterations.WithLabelValues(profile).Inc()
}

// ObserveMergeDuration records the merge time of one completion.
func (m *Metrics) ObserveMergeDuration(profile string, seconds float64) {
	m.MergeDuration.WithLabelValues(profile).Observe(seconds)
}

// ObserveConfigurationDuration records the time spent on one configuration.
func (m *Metrics) ObserveConfigurationDuration(profile, result string, seconds float64) {
	m.ConfigurationDuration.WithLabelValues(profile, result).Observe(seconds)
}

// SetManifestSize records the size of the last published manifest.
func (m *Metrics) SetManifestSize(modules, artifacts float64) {
	m.ManifestModules.Set(modules)
	m.ManifestArtifacts.Set(artifacts)
}

// IncStoreErrors increments the store error counter.
func (m *Metrics) IncStoreErrors(operation string) {
	m.StoreErrors.WithLabelValues(operation).Inc()
}

// IncOracleErrors increments the oracle error counter.
func (m *Metrics) IncOracleErrors(operation string) {
	m.OracleErrors.WithLabelValues(operation).Inc()
}

// IncJournalErrors increments the journal error counter.
func (m *Metrics) IncJournalErrors() {
	m.JournalErrors.Inc()
}

// IncCatalogErrors increments the catalog error counter.
func (m *Metrics) IncCatalogErrors() {
	m.CatalogErrors.Inc()
}
