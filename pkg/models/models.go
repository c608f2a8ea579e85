// Package models defines the history records, report requests and report
// documents shared across the application.
package models

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"
)

// QueryType identifies what kind of weather lookup produced a record
type QueryType string

const (
	QueryTypeCurrent  QueryType = "CURRENT"
	QueryTypeForecast QueryType = "FORECAST"
)

// Valid reports whether q is a known query type
func (q QueryType) Valid() bool {
	return q == QueryTypeCurrent || q == QueryTypeForecast
}

// ParseQueryType parses a query type case-insensitively
func ParseQueryType(s string) (QueryType, error) {
	q := QueryType(strings.ToUpper(strings.TrimSpace(s)))
	if !q.Valid() {
		return "", fmt.Errorf("unknown query type %q", s)
	}
	return q, nil
}

// ForecastDay is a single day of a forecast lookup
type ForecastDay struct {
	Date                string  `json:"date" yaml:"date" validate:"required,datetime=2006-01-02"`
	TemperatureHigh     float64 `json:"temperature_high" yaml:"temperature_high"`
	TemperatureLow      float64 `json:"temperature_low" yaml:"temperature_low"`
	Condition           string  `json:"condition" yaml:"condition"`
	PrecipitationChance float64 `json:"precipitation_chance" yaml:"precipitation_chance" validate:"min=0,max=100"`
}

// Observation is the normalized result of one weather lookup, as delivered by
// the fetch collaborator. All values use canonical units: Celsius, percent,
// hPa and m/s.
type Observation struct {
	LocationName string        `json:"location_name" validate:"required,max=200"`
	QueryType    QueryType     `json:"query_type" validate:"required,oneof=CURRENT FORECAST"`
	Temperature  float64       `json:"temperature"`
	Condition    string        `json:"condition" validate:"max=200"`
	Humidity     float64       `json:"humidity" validate:"min=0,max=100"`
	Pressure     float64       `json:"pressure" validate:"min=0"`
	WindSpeed    float64       `json:"wind_speed" validate:"min=0"`
	Forecast     []ForecastDay `json:"forecast,omitempty" validate:"dive"`
}

// QueryRecord is one immutable entry of the query history
type QueryRecord struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	LocationName string        `json:"location_name"`
	QueryType    QueryType     `json:"query_type"`
	Temperature  float64       `json:"temperature"`
	Condition    string        `json:"condition"`
	Humidity     float64       `json:"humidity"`
	Pressure     float64       `json:"pressure"`
	WindSpeed    float64       `json:"wind_speed"`
	Forecast     []ForecastDay `json:"forecast,omitempty"`
}

// NewQueryRecord builds a record from an observation. The timestamp is
// normalized to UTC with second precision.
func NewQueryRecord(id string, ts time.Time, obs Observation) QueryRecord {
	var forecast []ForecastDay
	if len(obs.Forecast) > 0 {
		forecast = append([]ForecastDay(nil), obs.Forecast...)
	}

	return QueryRecord{
		ID:           id,
		Timestamp:    NormalizeTime(ts),
		LocationName: strings.TrimSpace(obs.LocationName),
		QueryType:    obs.QueryType,
		Temperature:  obs.Temperature,
		Condition:    obs.Condition,
		Humidity:     obs.Humidity,
		Pressure:     obs.Pressure,
		WindSpeed:    obs.WindSpeed,
		Forecast:     forecast,
	}
}

// NormalizeTime converts t to UTC and drops sub-second precision
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Location is a favorite location entry
type Location struct {
	Name    string    `json:"name"`
	AddedAt time.Time `json:"added_at"`
}

// ReportKind selects the aggregation and row schema of a report
type ReportKind string

const (
	ReportComparison    ReportKind = "COMPARISON"
	ReportForecast      ReportKind = "FORECAST"
	ReportHistory       ReportKind = "HISTORY"
	ReportLocationStats ReportKind = "LOCATION_STATS"
	ReportTrend         ReportKind = "TREND"
)

// Row schemas, in export order
var reportColumns = map[ReportKind][]string{
	ReportComparison:    {"location", "temperature", "condition", "humidity", "wind_speed", "timestamp"},
	ReportForecast:      {"location", "date", "temperature_high", "temperature_low", "condition", "precipitation_chance"},
	ReportHistory:       {"timestamp", "location", "query_type", "temperature", "condition"},
	ReportLocationStats: {"location", "query_count", "percentage_of_total"},
	ReportTrend:         {"timestamp", "location", "temperature", "delta", "direction"},
}

// ReportKinds lists all report kinds in a stable order
func ReportKinds() []ReportKind {
	return []ReportKind{ReportComparison, ReportForecast, ReportHistory, ReportLocationStats, ReportTrend}
}

// Valid reports whether k is a known report kind
func (k ReportKind) Valid() bool {
	_, ok := reportColumns[k]
	return ok
}

// Columns returns a copy of the row schema for the kind
func (k ReportKind) Columns() []string {
	cols, ok := reportColumns[k]
	if !ok {
		return nil
	}
	return append([]string(nil), cols...)
}

// ParseReportKind parses a report kind case-insensitively. Dashes are accepted
// in place of underscores.
func ParseReportKind(s string) (ReportKind, error) {
	k := ReportKind(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !k.Valid() {
		return "", fmt.Errorf("unknown report kind %q", s)
	}
	return k, nil
}

// Format is an export format
type Format string

const (
	FormatText Format = "TEXT"
	FormatCSV  Format = "CSV"
	FormatJSON Format = "JSON"
)

// Valid reports whether f is a supported export format
func (f Format) Valid() bool {
	return f == FormatText || f == FormatCSV || f == FormatJSON
}

// Extension returns the conventional file extension for the format
func (f Format) Extension() string {
	switch f {
	case FormatCSV:
		return ".csv"
	case FormatJSON:
		return ".json"
	default:
		return ".txt"
	}
}

// ParseFormat parses an export format. "txt" is an alias for TEXT.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TEXT", "TXT":
		return FormatText, nil
	case "CSV":
		return FormatCSV, nil
	case "JSON":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported format %q", s)
	}
}

// FormatFromPath detects the export format from a file extension, falling
// back to TEXT.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".json":
		return FormatJSON
	default:
		return FormatText
	}
}

// Direction is the temperature movement between two consecutive trend points
type Direction string

const (
	DirectionRising  Direction = "RISING"
	DirectionFalling Direction = "FALLING"
	DirectionStable  Direction = "STABLE"
)

// TimeWindow is an inclusive time range; a nil bound is open
type TimeWindow struct {
	Start *time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End   *time.Time `json:"end,omitempty" yaml:"end,omitempty"`
}

// Contains reports whether t falls within the window
func (w *TimeWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	if w.Start != nil && t.Before(*w.Start) {
		return false
	}
	if w.End != nil && t.After(*w.End) {
		return false
	}
	return true
}

// ReportSpec describes a requested report
type ReportSpec struct {
	Kind      ReportKind  `json:"kind" yaml:"kind"`
	Window    *TimeWindow `json:"window,omitempty" yaml:"window,omitempty"`
	Locations []string    `json:"locations,omitempty" yaml:"locations,omitempty"`
	Format    Format      `json:"format,omitempty" yaml:"format,omitempty"`

	// Since narrows the window to the trailing duration before generation time
	Since Duration `json:"since,omitempty" yaml:"since,omitempty"`
	// Limit caps HISTORY rows; zero uses the configured default
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`
	// Location selects the TREND target; empty means the most queried location
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// EffectiveWindow merges Window with the relative Since bound. The later of the
// two start bounds wins.
func (s ReportSpec) EffectiveWindow(now time.Time) *TimeWindow {
	if s.Since <= 0 {
		return s.Window
	}

	start := now.Add(-s.Since.ToDuration())
	w := &TimeWindow{Start: &start}
	if s.Window != nil {
		w.End = s.Window.End
		if s.Window.Start != nil && s.Window.Start.After(start) {
			w.Start = s.Window.Start
		}
	}
	return w
}

// Row is one report row keyed by schema field name. Cell values are string,
// float64 or nil.
type Row map[string]any

// Summary keys shared by all report kinds
const (
	SummaryRecordCount        = "record_count"
	SummaryAverageTemperature = "average_temperature"
	SummaryMinTemperature     = "min_temperature"
	SummaryMaxTemperature     = "max_temperature"
	SummaryNoData             = "no_data"
	SummaryNotice             = "notice"
)

// NoDataNotice is the summary notice of a report whose filters matched nothing
const NoDataNotice = "no data"

// ReportDocument is a generated report ready for export. It holds no
// reference to the records it was built from.
type ReportDocument struct {
	Kind        ReportKind     `json:"kind"`
	Columns     []string       `json:"columns"`
	Title       string         `json:"title"`
	GeneratedAt time.Time      `json:"generated_at"`
	Rows        []Row          `json:"rows"`
	Summary     map[string]any `json:"summary"`
}

// IsEmpty reports whether the document carries the no-data notice
func (d *ReportDocument) IsEmpty() bool {
	if d == nil {
		return true
	}
	noData, _ := d.Summary[SummaryNoData].(bool)
	return noData || len(d.Rows) == 0
}

// Equal compares the logical content of two documents, with generation
// timestamps compared at second precision.
func (d *ReportDocument) Equal(other *ReportDocument) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Kind != other.Kind || d.Title != other.Title {
		return false
	}
	if !NormalizeTime(d.GeneratedAt).Equal(NormalizeTime(other.GeneratedAt)) {
		return false
	}
	if !reflect.DeepEqual(d.Columns, other.Columns) {
		return false
	}
	if len(d.Rows) != len(other.Rows) {
		return false
	}
	for i := range d.Rows {
		if !reflect.DeepEqual(d.Rows[i], other.Rows[i]) {
			return false
		}
	}
	if len(d.Summary) != len(other.Summary) {
		return false
	}
	return len(d.Summary) == 0 || reflect.DeepEqual(d.Summary, other.Summary)
}
