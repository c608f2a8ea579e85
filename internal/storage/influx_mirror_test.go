package storage

import (
	"context"
	"testing"
	"time"

	"github.com/1broseidon/wxhistory/internal/config"
	"github.com/1broseidon/wxhistory/pkg/models"
)

func TestQueryPoint(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := models.QueryRecord{
		ID:           "rec-1",
		Timestamp:    ts,
		LocationName: "Paris",
		QueryType:    models.QueryTypeForecast,
		Temperature:  18.5,
		Condition:    "Sunny",
		Humidity:     40,
		Forecast:     []models.ForecastDay{{Date: "2024-06-02"}, {Date: "2024-06-03"}},
	}

	p := queryPoint(rec)
	if p.Name() != queryMeasurement {
		t.Errorf("measurement = %q, want %q", p.Name(), queryMeasurement)
	}
	if !p.Time().Equal(ts) {
		t.Errorf("time = %v, want %v", p.Time(), ts)
	}

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["location"] != "Paris" || tags["query_type"] != "FORECAST" {
		t.Errorf("unexpected tags: %v", tags)
	}

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["temperature"] != 18.5 {
		t.Errorf("temperature field = %v", fields["temperature"])
	}
	if fields["condition"] != "Sunny" {
		t.Errorf("condition field = %v", fields["condition"])
	}
	if fields["id"] != "rec-1" {
		t.Errorf("id field = %v", fields["id"])
	}
	if _, ok := fields["forecast_days"]; !ok {
		t.Error("expected forecast_days field for a forecast record")
	}
}

func TestQueryPointOmitsEmptyCondition(t *testing.T) {
	p := queryPoint(models.QueryRecord{LocationName: "Oslo", QueryType: models.QueryTypeCurrent})
	for _, f := range p.FieldList() {
		if f.Key == "condition" || f.Key == "forecast_days" {
			t.Errorf("unexpected field %q", f.Key)
		}
	}
}

func TestNewMirrorDisabled(t *testing.T) {
	m, err := NewMirror(context.Background(), config.InfluxConfig{}, testLogger(t))
	if err != nil {
		t.Fatalf("NewMirror: %v", err)
	}
	if m != nil {
		t.Fatalf("expected no mirror when disabled, got %T", m)
	}
}
