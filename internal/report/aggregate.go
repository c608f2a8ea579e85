package report

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/1broseidon/wxhistory/pkg/models"
)

// LocationCount is the number of queries made for one location
type LocationCount struct {
	Location string
	Count    int
}

// TrendPoint is one step of a temperature trend. Delta is nil for the first
// point.
type TrendPoint struct {
	Timestamp   time.Time
	Location    string
	Temperature float64
	Delta       *float64
	Direction   models.Direction
}

// ForecastEntry is one forecast day attributed to a location
type ForecastEntry struct {
	Location string
	Day      models.ForecastDay
}

// TemperatureStats summarizes the temperatures of a record set
type TemperatureStats struct {
	Count   int
	Average float64
	Min     float64
	Max     float64
}

// locationKey groups location names case-insensitively, matching the history
// filter and Trend.
func locationKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Compare returns the most recent record for each distinct location, ordered
// by location name. Names differing only in case are one location; the
// latest record keeps its own spelling.
func Compare(records []models.QueryRecord) []models.QueryRecord {
	latest := make(map[string]models.QueryRecord)
	for _, rec := range records {
		key := locationKey(rec.LocationName)
		prev, ok := latest[key]
		if !ok || !rec.Timestamp.Before(prev.Timestamp) {
			latest[key] = rec
		}
	}

	out := make([]models.QueryRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := locationKey(out[i].LocationName), locationKey(out[j].LocationName)
		if ki != kj {
			return ki < kj
		}
		return out[i].LocationName < out[j].LocationName
	})
	return out
}

// LocationUsage counts records per location, most queried first. Ties are
// broken by location name. Names differing only in case are counted together
// under the first spelling seen.
func LocationUsage(records []models.QueryRecord) []LocationCount {
	counts := make(map[string]*LocationCount)
	for _, rec := range records {
		key := locationKey(rec.LocationName)
		c, ok := counts[key]
		if !ok {
			c = &LocationCount{Location: rec.LocationName}
			counts[key] = c
		}
		c.Count++
	}

	out := make([]LocationCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		ki, kj := locationKey(out[i].Location), locationKey(out[j].Location)
		if ki != kj {
			return ki < kj
		}
		return out[i].Location < out[j].Location
	})
	return out
}

// MostQueried returns the location with the most records, or "" for no records
func MostQueried(records []models.QueryRecord) string {
	usage := LocationUsage(records)
	if len(usage) == 0 {
		return ""
	}
	return usage[0].Location
}

// Trend computes per-step temperature movement for one location. An empty
// location selects the most queried one. Steps whose absolute delta is below
// threshold are STABLE.
func Trend(records []models.QueryRecord, location string, threshold float64) []TrendPoint {
	if location == "" {
		location = MostQueried(records)
	}
	if location == "" {
		return nil
	}

	var series []models.QueryRecord
	for _, rec := range records {
		if locationKey(rec.LocationName) == locationKey(location) {
			series = append(series, rec)
		}
	}
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Timestamp.Before(series[j].Timestamp)
	})

	points := make([]TrendPoint, 0, len(series))
	for i, rec := range series {
		p := TrendPoint{
			Timestamp:   rec.Timestamp,
			Location:    rec.LocationName,
			Temperature: rec.Temperature,
			Direction:   models.DirectionStable,
		}
		if i > 0 {
			raw := rec.Temperature - series[i-1].Temperature
			delta := round2(raw)
			p.Delta = &delta
			p.Direction = direction(raw, threshold)
		}
		points = append(points, p)
	}
	return points
}

func direction(delta, threshold float64) models.Direction {
	switch {
	case math.Abs(delta) < threshold:
		return models.DirectionStable
	case delta > 0:
		return models.DirectionRising
	case delta < 0:
		return models.DirectionFalling
	default:
		return models.DirectionStable
	}
}

// Recent returns the n most recent records, newest first
func Recent(records []models.QueryRecord, n int) []models.QueryRecord {
	if n <= 0 || len(records) == 0 {
		return nil
	}
	if n > len(records) {
		n = len(records)
	}

	out := make([]models.QueryRecord, 0, n)
	for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, records[i])
	}
	return out
}

// Forecasts returns the forecast days of the latest FORECAST lookup per
// location, ordered by location. A lookup without forecast days contributes a
// single day derived from its observation.
func Forecasts(records []models.QueryRecord) []ForecastEntry {
	var forecasts []models.QueryRecord
	for _, rec := range records {
		if rec.QueryType == models.QueryTypeForecast {
			forecasts = append(forecasts, rec)
		}
	}

	var out []ForecastEntry
	for _, rec := range Compare(forecasts) {
		if len(rec.Forecast) == 0 {
			out = append(out, ForecastEntry{
				Location: rec.LocationName,
				Day: models.ForecastDay{
					Date:            rec.Timestamp.Format(time.DateOnly),
					TemperatureHigh: rec.Temperature,
					TemperatureLow:  rec.Temperature,
					Condition:       rec.Condition,
				},
			})
			continue
		}
		for _, day := range rec.Forecast {
			out = append(out, ForecastEntry{Location: rec.LocationName, Day: day})
		}
	}
	return out
}

// Temperatures summarizes record temperatures. ok is false for an empty set.
func Temperatures(records []models.QueryRecord) (stats TemperatureStats, ok bool) {
	if len(records) == 0 {
		return TemperatureStats{}, false
	}

	stats.Min = records[0].Temperature
	stats.Max = records[0].Temperature
	var sum float64
	for _, rec := range records {
		sum += rec.Temperature
		stats.Min = math.Min(stats.Min, rec.Temperature)
		stats.Max = math.Max(stats.Max, rec.Temperature)
	}
	stats.Count = len(records)
	stats.Average = round2(sum / float64(len(records)))
	return stats, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
