package storage

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/pkg/models"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()

	logger, err := logging.InitLogger(logging.Config{
		Level:  "error",
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func sampleRecords(n int) []models.QueryRecord {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	records := make([]models.QueryRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, models.QueryRecord{
			ID:           fmt.Sprintf("rec-%d", i),
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			LocationName: []string{"London, GB", "Paris, FR"}[i%2],
			QueryType:    models.QueryTypeCurrent,
			Temperature:  10 + float64(i),
			Condition:    "Clear",
			Humidity:     60,
			Pressure:     1013,
			WindSpeed:    2.5,
		})
	}
	return records
}

func TestEncodeDecodeSnapshot(t *testing.T) {
	records := sampleRecords(3)
	records[1].QueryType = models.QueryTypeForecast
	records[1].Forecast = []models.ForecastDay{{Date: "2024-05-02", TemperatureHigh: 18, TemperatureLow: 9, Condition: "Rain", PrecipitationChance: 80}}

	data, err := EncodeSnapshot(records, time.Now())
	if err != nil {
		t.Fatalf("EncodeSnapshot returned error: %v", err)
	}
	if !strings.Contains(string(data), `"schema_version": 1`) {
		t.Fatalf("expected schema version in snapshot, got %s", data)
	}

	decoded, err := DecodeSnapshot(data, "test")
	if err != nil {
		t.Fatalf("DecodeSnapshot returned error: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("expected 3 records, got %d", len(decoded))
	}
	if decoded[1].Forecast[0].Condition != "Rain" {
		t.Fatalf("expected forecast to survive decode, got %+v", decoded[1].Forecast)
	}
	if !decoded[2].Timestamp.Equal(records[2].Timestamp) || decoded[2].ID != "rec-2" {
		t.Fatalf("unexpected decoded record: %+v", decoded[2])
	}
}

func TestEncodeSnapshotEmptyHistory(t *testing.T) {
	data, err := EncodeSnapshot(nil, time.Now())
	if err != nil {
		t.Fatalf("EncodeSnapshot returned error: %v", err)
	}
	if !strings.Contains(string(data), `"records": []`) {
		t.Fatalf("expected empty records array, got %s", data)
	}

	decoded, err := DecodeSnapshot(data, "test")
	if err != nil || len(decoded) != 0 {
		t.Fatalf("expected empty history, got %d records (%v)", len(decoded), err)
	}
}

func TestDecodeSnapshotRejectsCorruptData(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"empty", "", ""},
		{"garbage", "{not json", ""},
		{"missing version", `{"records":[]}`, "schema_version"},
		{"future version", `{"schema_version":2,"records":[]}`, "schema_version"},
		{"missing records", `{"schema_version":1}`, "records"},
		{"missing timestamp", `{"schema_version":1,"records":[{"location_name":"Paris","query_type":"CURRENT","temperature":1}]}`, "timestamp"},
		{"bad timestamp", `{"schema_version":1,"records":[{"timestamp":"yesterday","location_name":"Paris","query_type":"CURRENT","temperature":1}]}`, "timestamp"},
		{"missing location", `{"schema_version":1,"records":[{"timestamp":"2024-01-01T00:00:00Z","query_type":"CURRENT","temperature":1}]}`, "location_name"},
		{"unknown query type", `{"schema_version":1,"records":[{"timestamp":"2024-01-01T00:00:00Z","location_name":"Paris","query_type":"HOURLY","temperature":1}]}`, "query_type"},
		{"missing temperature", `{"schema_version":1,"records":[{"timestamp":"2024-01-01T00:00:00Z","location_name":"Paris","query_type":"CURRENT"}]}`, "temperature"},
		{"wrong type", `{"schema_version":1,"records":[{"timestamp":"2024-01-01T00:00:00Z","location_name":"Paris","query_type":"CURRENT","temperature":"warm"}]}`, ""},
		{"out of order", `{"schema_version":1,"records":[
			{"timestamp":"2024-01-01T01:00:00Z","location_name":"Paris","query_type":"CURRENT","temperature":1},
			{"timestamp":"2024-01-01T00:00:00Z","location_name":"Paris","query_type":"CURRENT","temperature":2}]}`, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSnapshot([]byte(tt.data), "history.json")
			if err == nil {
				t.Fatalf("expected corrupt data error")
			}
			if !errors.Is(err, ErrCorruptData) {
				t.Fatalf("expected ErrCorruptData, got %v", err)
			}

			var corruptErr *CorruptDataError
			if !errors.As(err, &corruptErr) {
				t.Fatalf("expected *CorruptDataError, got %T", err)
			}
			if corruptErr.Field != tt.field {
				t.Errorf("expected field %q, got %q (%v)", tt.field, corruptErr.Field, err)
			}
			if !strings.Contains(err.Error(), "history.json") {
				t.Errorf("expected error to name the source, got %v", err)
			}
		})
	}
}

func TestDecodeSnapshotAssignsMissingIDs(t *testing.T) {
	data := `{"schema_version":1,"records":[
		{"timestamp":"2024-01-01T00:00:00Z","location_name":"Paris","query_type":"CURRENT","temperature":1},
		{"timestamp":"2024-01-01T00:00:00Z","location_name":"Berlin","query_type":"CURRENT","temperature":2}]}`

	records, err := DecodeSnapshot([]byte(data), "test")
	if err != nil {
		t.Fatalf("DecodeSnapshot returned error: %v", err)
	}
	if records[0].ID == "" || records[0].ID == records[1].ID {
		t.Fatalf("expected distinct generated ids, got %q and %q", records[0].ID, records[1].ID)
	}
	if records[0].Condition != "" || records[0].Humidity != 0 {
		t.Fatalf("expected optional fields to default to zero values")
	}
}

func TestPersistenceErrorIs(t *testing.T) {
	err := NewPersistenceError("file", "save", errors.New("disk full"))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence match")
	}
	if errors.Is(err, ErrCorruptData) {
		t.Fatalf("did not expect ErrCorruptData match")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected wrapped message, got %v", err)
	}
}
