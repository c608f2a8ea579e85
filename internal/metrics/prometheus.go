package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for wxhistory. All recording methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	// Counters
	QueriesRecorded  *prometheus.CounterVec
	HistoryEvictions prometheus.Counter
	HistoryExpired   prometheus.Counter
	PersistTotal     *prometheus.CounterVec
	ReportsTotal     *prometheus.CounterVec
	ExportsTotal     *prometheus.CounterVec
	ExportBytes      *prometheus.CounterVec
	FetchTotal       *prometheus.CounterVec
	ConfigReloads    prometheus.Counter

	// Gauges
	HistorySize      prometheus.Gauge
	HistoryCapacity  prometheus.Gauge
	HistoryDirty     prometheus.Gauge
	FavoritesCount   prometheus.Gauge
	FetchInFlight    prometheus.Gauge
	BreakerOpen      prometheus.Gauge
	LastConfigReload prometheus.Gauge

	// Histograms
	PersistDuration *prometheus.HistogramVec
	ReportDuration  *prometheus.HistogramVec
	FetchDuration   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		// Counters
		QueriesRecorded: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wxhistory_queries_recorded_total",
				Help: "Total number of weather queries appended to the history",
			},
			[]string{"query_type"},
		),

		HistoryEvictions: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "wxhistory_history_evictions_total",
				Help: "Total number of records evicted because the history was full",
			},
		),

		HistoryExpired: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "wxhistory_history_expired_total",
				Help: "Total number of records dropped by age-based retention",
			},
		),

		PersistTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wxhistory_persist_operations_total",
				Help: "Total number of history load and save operations",
			},
			[]string{"backend", "operation", "status"},
		),

		ReportsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wxhistory_reports_generated_total",
				Help: "Total number of reports generated by kind",
			},
			[]string{"kind", "status"},
		),

		ExportsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wxhistory_exports_total",
				Help: "Total number of report exports by format",
			},
			[]string{"format", "status"},
		),

		ExportBytes: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wxhistory_export_bytes_total",
				Help: "Total bytes written by report exports",
			},
			[]string{"format"},
		),

		FetchTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wxhistory_fetch_total",
				Help: "Total number of dispatched weather lookups by outcome",
			},
			[]string{"outcome"},
		),

		ConfigReloads: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "wxhistory_config_reloads_total",
				Help: "Total number of configuration reloads",
			},
		),

		// Gauges
		HistorySize: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "wxhistory_history_records",
				Help: "Number of records currently held in the history",
			},
		),

		HistoryCapacity: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "wxhistory_history_capacity",
				Help: "Configured history bound, 0 when unbounded",
			},
		),

		HistoryDirty: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "wxhistory_history_dirty",
				Help: "Whether the history has changes not yet persisted (1) or not (0)",
			},
		),

		FavoritesCount: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "wxhistory_favorites",
				Help: "Number of favorite locations",
			},
		),

		FetchInFlight: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "wxhistory_fetch_in_flight",
				Help: "Number of weather lookups currently running",
			},
		),

		BreakerOpen: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "wxhistory_fetch_breaker_open",
				Help: "Whether the fetch circuit breaker is open (1) or not (0)",
			},
		),

		LastConfigReload: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "wxhistory_last_config_reload_timestamp",
				Help: "Timestamp of the last configuration reload",
			},
		),

		// Histograms
		PersistDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wxhistory_persist_duration_seconds",
				Help:    "Duration of history load and save operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"backend", "operation"},
		),

		ReportDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wxhistory_report_duration_seconds",
				Help:    "Duration of report generation in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"kind"},
		),

		FetchDuration: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wxhistory_fetch_duration_seconds",
				Help:    "Duration of dispatched weather lookups in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
	}

	return m
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// RecordQuery records an appended query and the resulting history size
func (m *Metrics) RecordQuery(queryType string, size int) {
	if m == nil {
		return
	}
	m.QueriesRecorded.WithLabelValues(queryType).Inc()
	m.HistorySize.Set(float64(size))
}

// RecordEvictions records records dropped at capacity
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HistoryEvictions.Add(float64(n))
}

// RecordExpired records records dropped by retention
func (m *Metrics) RecordExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HistoryExpired.Add(float64(n))
}

// SetHistoryState updates the history size, capacity and dirty gauges
func (m *Metrics) SetHistoryState(size, capacity int, dirty bool) {
	if m == nil {
		return
	}
	m.HistorySize.Set(float64(size))
	m.HistoryCapacity.Set(float64(capacity))
	m.HistoryDirty.Set(boolGauge(dirty))
}

// RecordPersist records a backend load or save
func (m *Metrics) RecordPersist(backend, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.PersistTotal.WithLabelValues(backend, operation, statusLabel(err)).Inc()
	m.PersistDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordReport records a report generation attempt
func (m *Metrics) RecordReport(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues(kind, statusLabel(err)).Inc()
	if err == nil {
		m.ReportDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordExport records an export attempt and the bytes written
func (m *Metrics) RecordExport(format string, bytes int, err error) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(format, statusLabel(err)).Inc()
	if err == nil && bytes > 0 {
		m.ExportBytes.WithLabelValues(format).Add(float64(bytes))
	}
}

// RecordFetch records the outcome of a dispatched lookup
func (m *Metrics) RecordFetch(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(outcome).Inc()
	m.FetchDuration.Observe(duration.Seconds())
}

// IncrementFetchInFlight increments the in-flight lookup gauge
func (m *Metrics) IncrementFetchInFlight() {
	if m == nil {
		return
	}
	m.FetchInFlight.Inc()
}

// DecrementFetchInFlight decrements the in-flight lookup gauge
func (m *Metrics) DecrementFetchInFlight() {
	if m == nil {
		return
	}
	m.FetchInFlight.Dec()
}

// SetBreakerOpen records the circuit breaker state
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	m.BreakerOpen.Set(boolGauge(open))
}

// SetFavorites records the number of favorite locations
func (m *Metrics) SetFavorites(n int) {
	if m == nil {
		return
	}
	m.FavoritesCount.Set(float64(n))
}

// RecordConfigReload records a configuration reload
func (m *Metrics) RecordConfigReload() {
	if m == nil {
		return
	}
	m.ConfigReloads.Inc()
	m.LastConfigReload.SetToCurrentTime()
}
