package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestQueryRecordJSONFields(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	record := NewQueryRecord("abc", ts, Observation{
		LocationName: "  London, GB ",
		QueryType:    QueryTypeCurrent,
		Temperature:  15,
		Condition:    "Cloudy",
		Humidity:     70,
		Pressure:     1012,
		WindSpeed:    3.5,
	})

	payload, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("failed to marshal record: %v", err)
	}

	jsonStr := string(payload)
	expectedSnippets := []string{
		`"id":"abc"`,
		`"timestamp":"2024-03-01T12:00:00Z"`,
		`"location_name":"London, GB"`,
		`"query_type":"CURRENT"`,
		`"wind_speed":3.5`,
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(jsonStr, snippet) {
			t.Fatalf("expected JSON payload to contain %s, got %s", snippet, jsonStr)
		}
	}
	if strings.Contains(jsonStr, `"forecast"`) {
		t.Fatalf("expected forecast to be omitted for current lookups, got %s", jsonStr)
	}
}

func TestNewQueryRecordNormalizesTimestamp(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	ts := time.Date(2024, 3, 1, 13, 0, 0, 999_000_000, loc)

	record := NewQueryRecord("id", ts, Observation{LocationName: "Paris", QueryType: QueryTypeCurrent})

	if record.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", record.Timestamp.Location())
	}
	if record.Timestamp.Nanosecond() != 0 {
		t.Fatalf("expected second precision, got %v", record.Timestamp)
	}
	if record.Timestamp.Hour() != 12 {
		t.Fatalf("expected hour 12 UTC, got %d", record.Timestamp.Hour())
	}
}

func TestNewQueryRecordCopiesForecast(t *testing.T) {
	days := []ForecastDay{{Date: "2024-03-02", TemperatureHigh: 12, TemperatureLow: 4}}
	record := NewQueryRecord("id", time.Now(), Observation{
		LocationName: "Oslo",
		QueryType:    QueryTypeForecast,
		Forecast:     days,
	})

	days[0].TemperatureHigh = 99
	if record.Forecast[0].TemperatureHigh != 12 {
		t.Fatalf("expected record forecast to be independent of caller slice")
	}
}

func TestParseEnums(t *testing.T) {
	if q, err := ParseQueryType("forecast"); err != nil || q != QueryTypeForecast {
		t.Fatalf("expected FORECAST, got %q (%v)", q, err)
	}
	if _, err := ParseQueryType("hourly"); err == nil {
		t.Fatalf("expected error for unknown query type")
	}

	if k, err := ParseReportKind("location-stats"); err != nil || k != ReportLocationStats {
		t.Fatalf("expected LOCATION_STATS, got %q (%v)", k, err)
	}
	if _, err := ParseReportKind("pie"); err == nil {
		t.Fatalf("expected error for unknown report kind")
	}

	if f, err := ParseFormat("txt"); err != nil || f != FormatText {
		t.Fatalf("expected TEXT, got %q (%v)", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestFormatFromPath(t *testing.T) {
	cases := map[string]Format{
		"out/report.csv":  FormatCSV,
		"report.JSON":     FormatJSON,
		"report.txt":      FormatText,
		"report":          FormatText,
		"weird.name.json": FormatJSON,
	}
	for path, want := range cases {
		if got := FormatFromPath(path); got != want {
			t.Errorf("FormatFromPath(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestReportKindColumnsAreCopies(t *testing.T) {
	cols := ReportHistory.Columns()
	cols[0] = "mutated"

	if ReportHistory.Columns()[0] != "timestamp" {
		t.Fatalf("expected column schema to be immutable")
	}
	if ReportKind("BOGUS").Columns() != nil {
		t.Fatalf("expected nil columns for unknown kind")
	}
}

func TestTimeWindowContainsIsInclusive(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	w := &TimeWindow{Start: &start, End: &end}

	if !w.Contains(start) || !w.Contains(end) {
		t.Fatalf("expected window bounds to be inclusive")
	}
	if w.Contains(end.Add(time.Second)) || w.Contains(start.Add(-time.Second)) {
		t.Fatalf("expected times outside the window to be excluded")
	}

	var open *TimeWindow
	if !open.Contains(start) {
		t.Fatalf("expected nil window to contain everything")
	}
}

func TestEffectiveWindowUsesLaterStart(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	explicit := now.Add(-time.Hour)
	spec := ReportSpec{
		Kind:   ReportHistory,
		Since:  Duration(24 * time.Hour),
		Window: &TimeWindow{Start: &explicit},
	}

	w := spec.EffectiveWindow(now)
	if w.Start == nil || !w.Start.Equal(explicit) {
		t.Fatalf("expected explicit start to win, got %v", w.Start)
	}

	spec.Window = nil
	w = spec.EffectiveWindow(now)
	if w.Start == nil || !w.Start.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("expected relative start, got %v", w.Start)
	}
}

func TestReportDocumentEqual(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &ReportDocument{
		Kind:        ReportLocationStats,
		Columns:     ReportLocationStats.Columns(),
		Title:       "Location usage",
		GeneratedAt: now,
		Rows:        []Row{{"location": "Paris", "query_count": 4.0, "percentage_of_total": 80.0}},
		Summary:     map[string]any{SummaryRecordCount: 5.0},
	}
	b := &ReportDocument{
		Kind:        a.Kind,
		Columns:     a.Columns,
		Title:       a.Title,
		GeneratedAt: now.Add(400 * time.Millisecond),
		Rows:        []Row{{"location": "Paris", "query_count": 4.0, "percentage_of_total": 80.0}},
		Summary:     map[string]any{SummaryRecordCount: 5.0},
	}

	if !a.Equal(b) {
		t.Fatalf("expected documents to be equal")
	}

	b.Rows[0]["query_count"] = 3.0
	if a.Equal(b) {
		t.Fatalf("expected documents with different rows to differ")
	}
}

func TestReportDocumentIsEmpty(t *testing.T) {
	doc := &ReportDocument{Summary: map[string]any{SummaryNoData: true, SummaryNotice: NoDataNotice}}
	if !doc.IsEmpty() {
		t.Fatalf("expected no-data document to be empty")
	}

	doc = &ReportDocument{Rows: []Row{{"location": "Paris"}}, Summary: map[string]any{}}
	if doc.IsEmpty() {
		t.Fatalf("expected document with rows to be non-empty")
	}
}

func TestDurationParsing(t *testing.T) {
	cases := map[string]time.Duration{
		"90m": 90 * time.Minute,
		"7d":  7 * 24 * time.Hour,
		"":    0,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Fatalf("ParseDuration(%q) returned error: %v", in, err)
		}
		if got.ToDuration() != want {
			t.Errorf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseDuration("xd"); err == nil {
		t.Fatalf("expected error for invalid day count")
	}
}

func TestDurationDecoding(t *testing.T) {
	var spec ReportSpec
	if err := json.Unmarshal([]byte(`{"kind":"HISTORY","since":"2d"}`), &spec); err != nil {
		t.Fatalf("failed to decode JSON spec: %v", err)
	}
	if spec.Since.ToDuration() != 48*time.Hour {
		t.Fatalf("expected 48h, got %v", spec.Since)
	}

	var fromYAML struct {
		Since Duration `yaml:"since"`
	}
	if err := yaml.Unmarshal([]byte("since: 30m\n"), &fromYAML); err != nil {
		t.Fatalf("failed to decode YAML duration: %v", err)
	}
	if fromYAML.Since.ToDuration() != 30*time.Minute {
		t.Fatalf("expected 30m, got %v", fromYAML.Since)
	}
}
