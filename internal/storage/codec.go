package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/1broseidon/wxhistory/pkg/models"
)

// SchemaVersion is the version written into every snapshot
const SchemaVersion = 1

type snapshot struct {
	SchemaVersion int                  `json:"schema_version"`
	SavedAt       time.Time            `json:"saved_at"`
	Records       []models.QueryRecord `json:"records"`
}

// EncodeSnapshot renders records in the persisted snapshot layout
func EncodeSnapshot(records []models.QueryRecord, savedAt time.Time) ([]byte, error) {
	if records == nil {
		records = []models.QueryRecord{}
	}

	data, err := json.MarshalIndent(snapshot{
		SchemaVersion: SchemaVersion,
		SavedAt:       models.NormalizeTime(savedAt),
		Records:       records,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

type rawSnapshot struct {
	SchemaVersion *int               `json:"schema_version"`
	Records       *[]json.RawMessage `json:"records"`
}

type rawRecord struct {
	ID           *string              `json:"id"`
	Timestamp    *string              `json:"timestamp"`
	LocationName *string              `json:"location_name"`
	QueryType    *string              `json:"query_type"`
	Temperature  *float64             `json:"temperature"`
	Condition    *string              `json:"condition"`
	Humidity     *float64             `json:"humidity"`
	Pressure     *float64             `json:"pressure"`
	WindSpeed    *float64             `json:"wind_speed"`
	Forecast     []models.ForecastDay `json:"forecast"`
}

// DecodeSnapshot parses and validates a persisted snapshot. Any structural
// problem, missing required field, unparsable timestamp, unknown query type
// or out-of-order timestamp is reported as a *CorruptDataError naming source.
// Records saved without an id are assigned one.
func DecodeSnapshot(data []byte, source string) ([]models.QueryRecord, error) {
	corrupt := func(index int, field, reason string, err error) error {
		return &CorruptDataError{Source: source, Index: index, Field: field, Reason: reason, Err: err}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, corrupt(-1, "", "empty document", nil)
	}

	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, corrupt(-1, "", "invalid JSON", err)
	}
	if raw.SchemaVersion == nil {
		return nil, corrupt(-1, "schema_version", "missing", nil)
	}
	if *raw.SchemaVersion != SchemaVersion {
		return nil, corrupt(-1, "schema_version", fmt.Sprintf("unsupported version %d", *raw.SchemaVersion), nil)
	}
	if raw.Records == nil {
		return nil, corrupt(-1, "records", "missing", nil)
	}

	records := make([]models.QueryRecord, 0, len(*raw.Records))
	var prev time.Time
	for i, msg := range *raw.Records {
		var rr rawRecord
		if err := json.Unmarshal(msg, &rr); err != nil {
			return nil, corrupt(i, "", "invalid record", err)
		}

		record, field, reason, err := rr.toRecord()
		if reason != "" {
			return nil, corrupt(i, field, reason, err)
		}
		if i > 0 && record.Timestamp.Before(prev) {
			return nil, corrupt(i, "timestamp", "out of order", nil)
		}
		prev = record.Timestamp
		records = append(records, record)
	}

	return records, nil
}

func (rr rawRecord) toRecord() (models.QueryRecord, string, string, error) {
	var rec models.QueryRecord

	if rr.Timestamp == nil {
		return rec, "timestamp", "missing", nil
	}
	ts, err := time.Parse(time.RFC3339, *rr.Timestamp)
	if err != nil {
		return rec, "timestamp", "unparsable", err
	}

	if rr.LocationName == nil || strings.TrimSpace(*rr.LocationName) == "" {
		return rec, "location_name", "missing", nil
	}

	if rr.QueryType == nil {
		return rec, "query_type", "missing", nil
	}
	qt := models.QueryType(*rr.QueryType)
	if !qt.Valid() {
		return rec, "query_type", fmt.Sprintf("unknown value %q", *rr.QueryType), nil
	}

	if rr.Temperature == nil {
		return rec, "temperature", "missing", nil
	}

	rec = models.QueryRecord{
		Timestamp:    models.NormalizeTime(ts),
		LocationName: *rr.LocationName,
		QueryType:    qt,
		Temperature:  *rr.Temperature,
		Condition:    deref(rr.Condition),
		Humidity:     deref(rr.Humidity),
		Pressure:     deref(rr.Pressure),
		WindSpeed:    deref(rr.WindSpeed),
		Forecast:     rr.Forecast,
	}
	if rr.ID != nil && *rr.ID != "" {
		rec.ID = *rr.ID
	} else {
		rec.ID = uuid.NewString()
	}

	return rec, "", "", nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
