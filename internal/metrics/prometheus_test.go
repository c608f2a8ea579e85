package metrics

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func getHistogram(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Histogram {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		for _, metric := range family.Metric {
			if metricMatchesLabels(metric, labels) {
				return metric.GetHistogram()
			}
		}
	}

	return nil
}

func metricMatchesLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) != len(labels) {
		return false
	}

	for _, lp := range metric.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}

	return true
}

func TestNewMetricsRegistersCollectors(t *testing.T) {
	_, reg := newTestMetrics(t)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	if len(families) == 0 {
		t.Fatalf("expected registered collectors, got none")
	}
}

func TestRecordPersistUpdatesCountersAndHistogram(t *testing.T) {
	metrics, reg := newTestMetrics(t)

	metrics.RecordPersist("file", "save", 500*time.Millisecond, nil)
	metrics.RecordPersist("file", "save", 10*time.Millisecond, errors.New("disk full"))

	if got := testutil.ToFloat64(metrics.PersistTotal.WithLabelValues("file", "save", "ok")); got != 1 {
		t.Fatalf("expected ok counter to be 1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.PersistTotal.WithLabelValues("file", "save", "error")); got != 1 {
		t.Fatalf("expected error counter to be 1, got %v", got)
	}

	hist := getHistogram(t, reg, "wxhistory_persist_duration_seconds", map[string]string{
		"backend":   "file",
		"operation": "save",
	})

	if hist == nil {
		t.Fatalf("expected histogram data for persist duration")
	}

	if hist.GetSampleCount() != 2 {
		t.Fatalf("expected histogram sample count 2, got %d", hist.GetSampleCount())
	}

	if math.Abs(hist.GetSampleSum()-0.51) > 0.0001 {
		t.Fatalf("expected histogram sum close to 0.51, got %f", hist.GetSampleSum())
	}
}

func TestRecordQueryAndHistoryState(t *testing.T) {
	metrics, _ := newTestMetrics(t)

	metrics.RecordQuery("CURRENT", 3)
	metrics.RecordQuery("CURRENT", 4)
	metrics.RecordEvictions(2)
	metrics.RecordEvictions(0)

	if got := testutil.ToFloat64(metrics.QueriesRecorded.WithLabelValues("CURRENT")); got != 2 {
		t.Fatalf("expected 2 recorded queries, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.HistorySize); got != 4 {
		t.Fatalf("expected history size gauge 4, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.HistoryEvictions); got != 2 {
		t.Fatalf("expected 2 evictions, got %v", got)
	}

	metrics.SetHistoryState(10, 100, true)
	if got := testutil.ToFloat64(metrics.HistoryDirty); got != 1 {
		t.Fatalf("expected dirty gauge to be 1, got %v", got)
	}
	metrics.SetHistoryState(10, 100, false)
	if got := testutil.ToFloat64(metrics.HistoryDirty); got != 0 {
		t.Fatalf("expected dirty gauge to be 0, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.HistoryCapacity); got != 100 {
		t.Fatalf("expected capacity gauge 100, got %v", got)
	}
}

func TestRecordReportAndExport(t *testing.T) {
	metrics, reg := newTestMetrics(t)

	metrics.RecordReport("TREND", 2*time.Millisecond, nil)
	metrics.RecordReport("TREND", 0, errors.New("invalid"))
	metrics.RecordExport("CSV", 128, nil)
	metrics.RecordExport("CSV", 0, errors.New("read-only"))

	if got := testutil.ToFloat64(metrics.ReportsTotal.WithLabelValues("TREND", "ok")); got != 1 {
		t.Fatalf("expected 1 successful report, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ReportsTotal.WithLabelValues("TREND", "error")); got != 1 {
		t.Fatalf("expected 1 failed report, got %v", got)
	}

	hist := getHistogram(t, reg, "wxhistory_report_duration_seconds", map[string]string{"kind": "TREND"})
	if hist == nil || hist.GetSampleCount() != 1 {
		t.Fatalf("expected only successful reports to be timed, got %v", hist)
	}

	if got := testutil.ToFloat64(metrics.ExportBytes.WithLabelValues("CSV")); got != 128 {
		t.Fatalf("expected 128 exported bytes, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ExportsTotal.WithLabelValues("CSV", "error")); got != 1 {
		t.Fatalf("expected 1 failed export, got %v", got)
	}
}

func TestFetchMetrics(t *testing.T) {
	metrics, _ := newTestMetrics(t)

	metrics.IncrementFetchInFlight()
	metrics.IncrementFetchInFlight()
	metrics.DecrementFetchInFlight()
	metrics.RecordFetch("success", 40*time.Millisecond)
	metrics.SetBreakerOpen(true)

	if got := testutil.ToFloat64(metrics.FetchInFlight); got != 1 {
		t.Fatalf("expected 1 in-flight fetch, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.FetchTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 successful fetch, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.BreakerOpen); got != 1 {
		t.Fatalf("expected breaker gauge 1, got %v", got)
	}
}

func TestRecordConfigReload(t *testing.T) {
	metrics, _ := newTestMetrics(t)

	metrics.RecordConfigReload()
	metrics.RecordConfigReload()

	if got := testutil.ToFloat64(metrics.ConfigReloads); got != 2 {
		t.Fatalf("expected 2 reloads, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.LastConfigReload); got <= 0 {
		t.Fatalf("expected last reload timestamp to be set, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var metrics *Metrics

	metrics.RecordQuery("CURRENT", 1)
	metrics.RecordEvictions(1)
	metrics.RecordExpired(1)
	metrics.SetHistoryState(1, 1, true)
	metrics.RecordPersist("file", "save", time.Second, nil)
	metrics.RecordReport("HISTORY", time.Second, nil)
	metrics.RecordExport("JSON", 1, nil)
	metrics.RecordFetch("error", time.Second)
	metrics.IncrementFetchInFlight()
	metrics.DecrementFetchInFlight()
	metrics.SetBreakerOpen(false)
	metrics.SetFavorites(3)
	metrics.RecordConfigReload()
}
