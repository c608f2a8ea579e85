package report

import (
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/1broseidon/wxhistory/internal/history"
	"github.com/1broseidon/wxhistory/pkg/models"
)

// Kind-specific summary keys
const (
	SummaryLocationCount = "location_count"
	SummaryTotalRecords  = "total_records"
	SummaryMostQueried   = "most_queried"
	SummaryOverallChange = "overall_change"
	SummaryRisingSteps   = "rising_steps"
	SummaryFallingSteps  = "falling_steps"
	SummaryStableSteps   = "stable_steps"
	SummaryTrendLocation = "location"
	SummaryForecastDays  = "forecast_days"
	SummaryRowsShown     = "rows_shown"
)

// Source is where a Builder reads records from
type Source interface {
	Query(filter history.Filter) iter.Seq[models.QueryRecord]
}

// Builder turns a ReportSpec into a ReportDocument
type Builder struct {
	defaultRows    int
	trendThreshold float64
	now            func() time.Time
}

// Option configures a Builder
type Option func(*Builder)

// WithClock overrides the generation clock
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder creates a builder. defaultRows caps HISTORY reports that do not
// set a limit; trendThreshold is the smallest delta treated as movement.
func NewBuilder(defaultRows int, trendThreshold float64, opts ...Option) *Builder {
	b := &Builder{
		defaultRows:    defaultRows,
		trendThreshold: trendThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.defaultRows <= 0 {
		b.defaultRows = 20
	}
	return b
}

// DefaultRows returns the HISTORY row cap used when a spec sets no limit
func (b *Builder) DefaultRows() int {
	return b.defaultRows
}

// TrendThreshold returns the stability threshold
func (b *Builder) TrendThreshold() float64 {
	return b.trendThreshold
}

// Validate checks a spec without reading any records
func Validate(spec models.ReportSpec) error {
	if !spec.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown report kind %q", spec.Kind)}
	}
	if spec.Format != "" && !spec.Format.Valid() {
		return &ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", spec.Format)}
	}
	if w := spec.Window; w != nil && w.Start != nil && w.End != nil && w.Start.After(*w.End) {
		return &ValidationError{Field: "window", Reason: "start is after end"}
	}
	if spec.Since < 0 {
		return &ValidationError{Field: "since", Reason: "must not be negative"}
	}
	if spec.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	for _, loc := range spec.Locations {
		if strings.TrimSpace(loc) == "" {
			return &ValidationError{Field: "locations", Reason: "location names must not be blank"}
		}
	}
	return nil
}

// Build reads the records selected by spec from src and projects them into
// the row schema of spec.Kind. A spec that matches nothing yields a document
// with no rows and the no-data notice in its summary.
func (b *Builder) Build(spec models.ReportSpec, src Source) (*models.ReportDocument, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	now := models.NormalizeTime(b.now())
	filter := history.Filter{
		Window:    spec.EffectiveWindow(now),
		Locations: spec.Locations,
	}
	if spec.Kind == models.ReportForecast {
		filter.QueryType = models.QueryTypeForecast
	}
	records := slices.Collect(src.Query(filter))

	doc := &models.ReportDocument{
		Kind:        spec.Kind,
		Columns:     spec.Kind.Columns(),
		GeneratedAt: now,
		Rows:        []models.Row{},
		Summary:     map[string]any{},
	}

	switch spec.Kind {
	case models.ReportComparison:
		b.buildComparison(doc, records)
	case models.ReportForecast:
		b.buildForecast(doc, records)
	case models.ReportHistory:
		b.buildHistory(doc, records, spec.Limit)
	case models.ReportLocationStats:
		b.buildLocationStats(doc, records)
	case models.ReportTrend:
		records = b.buildTrend(doc, records, spec.Location)
	}

	summarize(doc, records)
	return doc, nil
}

// summarize adds the shared temperature summary and the no-data notice
func summarize(doc *models.ReportDocument, records []models.QueryRecord) {
	doc.Summary[models.SummaryRecordCount] = float64(len(records))
	if stats, ok := Temperatures(records); ok {
		doc.Summary[models.SummaryAverageTemperature] = stats.Average
		doc.Summary[models.SummaryMinTemperature] = stats.Min
		doc.Summary[models.SummaryMaxTemperature] = stats.Max
	}
	if len(records) == 0 || len(doc.Rows) == 0 {
		doc.Summary[models.SummaryNoData] = true
		doc.Summary[models.SummaryNotice] = models.NoDataNotice
	}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (b *Builder) buildComparison(doc *models.ReportDocument, records []models.QueryRecord) {
	doc.Title = "Location Comparison Report"

	latest := Compare(records)
	for _, rec := range latest {
		doc.Rows = append(doc.Rows, models.Row{
			"location":    rec.LocationName,
			"temperature": rec.Temperature,
			"condition":   rec.Condition,
			"humidity":    rec.Humidity,
			"wind_speed":  rec.WindSpeed,
			"timestamp":   formatTimestamp(rec.Timestamp),
		})
	}
	doc.Summary[SummaryLocationCount] = float64(len(latest))
}

func (b *Builder) buildForecast(doc *models.ReportDocument, records []models.QueryRecord) {
	doc.Title = "Forecast Report"

	entries := Forecasts(records)
	locations := make(map[string]struct{})
	for _, e := range entries {
		locations[e.Location] = struct{}{}
		doc.Rows = append(doc.Rows, models.Row{
			"location":             e.Location,
			"date":                 e.Day.Date,
			"temperature_high":     e.Day.TemperatureHigh,
			"temperature_low":      e.Day.TemperatureLow,
			"condition":            e.Day.Condition,
			"precipitation_chance": e.Day.PrecipitationChance,
		})
	}
	doc.Summary[SummaryForecastDays] = float64(len(entries))
	doc.Summary[SummaryLocationCount] = float64(len(locations))
}

func (b *Builder) buildHistory(doc *models.ReportDocument, records []models.QueryRecord, limit int) {
	doc.Title = "Query History Report"

	if limit <= 0 {
		limit = b.defaultRows
	}
	for _, rec := range Recent(records, limit) {
		doc.Rows = append(doc.Rows, models.Row{
			"timestamp":   formatTimestamp(rec.Timestamp),
			"location":    rec.LocationName,
			"query_type":  string(rec.QueryType),
			"temperature": rec.Temperature,
			"condition":   rec.Condition,
		})
	}
	doc.Summary[SummaryRowsShown] = float64(len(doc.Rows))
}

func (b *Builder) buildLocationStats(doc *models.ReportDocument, records []models.QueryRecord) {
	doc.Title = "Location Statistics Report"

	usage := LocationUsage(records)
	total := len(records)
	for _, u := range usage {
		doc.Rows = append(doc.Rows, models.Row{
			"location":            u.Location,
			"query_count":         float64(u.Count),
			"percentage_of_total": round2(float64(u.Count) * 100 / float64(total)),
		})
	}
	doc.Summary[SummaryTotalRecords] = float64(total)
	doc.Summary[SummaryLocationCount] = float64(len(usage))
	if len(usage) > 0 {
		doc.Summary[SummaryMostQueried] = usage[0].Location
	}
}

// buildTrend fills the trend rows and returns the records of the trend
// location, which the shared summary is computed over.
func (b *Builder) buildTrend(doc *models.ReportDocument, records []models.QueryRecord, location string) []models.QueryRecord {
	if location == "" {
		location = MostQueried(records)
	}
	doc.Title = "Temperature Trend Report"
	if location != "" {
		doc.Title += " - " + location
	}

	points := Trend(records, location, b.trendThreshold)
	series := make([]models.QueryRecord, 0, len(points))
	for _, rec := range records {
		if strings.EqualFold(rec.LocationName, location) {
			series = append(series, rec)
		}
	}

	var rising, falling, stable int
	for i, p := range points {
		var delta any
		if p.Delta != nil {
			delta = *p.Delta
		}
		if i > 0 {
			switch p.Direction {
			case models.DirectionRising:
				rising++
			case models.DirectionFalling:
				falling++
			default:
				stable++
			}
		}
		doc.Rows = append(doc.Rows, models.Row{
			"timestamp":   formatTimestamp(p.Timestamp),
			"location":    p.Location,
			"temperature": p.Temperature,
			"delta":       delta,
			"direction":   string(p.Direction),
		})
	}

	if len(points) > 0 {
		doc.Summary[SummaryTrendLocation] = points[0].Location
		doc.Summary[SummaryOverallChange] = round2(points[len(points)-1].Temperature - points[0].Temperature)
		doc.Summary[SummaryRisingSteps] = float64(rising)
		doc.Summary[SummaryFallingSteps] = float64(falling)
		doc.Summary[SummaryStableSteps] = float64(stable)
	}
	return series
}
