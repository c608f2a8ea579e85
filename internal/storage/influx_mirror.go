package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/1broseidon/wxhistory/internal/config"
	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/pkg/models"
)

// queryMeasurement is the InfluxDB measurement mirrored queries are written to
const queryMeasurement = "weather_query"

// Mirror receives a copy of every recorded query. Mirrors are write-only and
// never feed the history back; a failed mirror write does not fail the record.
type Mirror interface {
	Mirror(rec models.QueryRecord)
	Flush()
	Close() error
}

// InfluxMirror streams recorded queries to InfluxDB as time series points
type InfluxMirror struct {
	client     influxdb2.Client
	writeAPI   api.WriteAPI
	bucket     string
	org        string
	logger     *logging.Logger
	stopErr    chan struct{}
	errStopped chan struct{}
}

// NewMirror returns the mirror configured in cfg, or nil when mirroring is
// disabled.
func NewMirror(ctx context.Context, cfg config.InfluxConfig, logger *logging.Logger) (Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	m, err := NewInfluxMirror(ctx, cfg.URL, cfg.Token, cfg.Org, cfg.Bucket, logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewInfluxMirror connects to InfluxDB and starts the async writer
func NewInfluxMirror(ctx context.Context, url, token, org, bucket string, logger *logging.Logger) (*InfluxMirror, error) {
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb health check failed: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influxdb not healthy: %s", health.Status)
	}

	m := &InfluxMirror{
		client:     client,
		writeAPI:   client.WriteAPI(org, bucket),
		bucket:     bucket,
		org:        org,
		logger:     logger.WithComponent(logging.ComponentStorage),
		stopErr:    make(chan struct{}),
		errStopped: make(chan struct{}),
	}
	go m.listenForWriteErrors()

	m.logger.WithFields(map[string]interface{}{
		"mirror": "influxdb",
		"url":    url,
		"org":    org,
		"bucket": bucket,
	}).Info("InfluxDB query mirror initialized")

	return m, nil
}

func (m *InfluxMirror) listenForWriteErrors() {
	defer close(m.errStopped)

	errs := m.writeAPI.Errors()
	for {
		select {
		case err := <-errs:
			m.logger.WithError(err).Warn("InfluxDB mirror write failed")
		case <-m.stopErr:
			return
		}
	}
}

// Mirror queues rec for writing. Points are batched by the client.
func (m *InfluxMirror) Mirror(rec models.QueryRecord) {
	m.writeAPI.WritePoint(queryPoint(rec))
}

// Flush forces pending points to be written
func (m *InfluxMirror) Flush() {
	m.writeAPI.Flush()
}

// Close flushes pending points and closes the client
func (m *InfluxMirror) Close() error {
	m.writeAPI.Flush()
	close(m.stopErr)
	<-m.errStopped
	m.client.Close()
	return nil
}

// queryPoint maps a record onto a point. Location and query type are tags so
// dashboards can group by them; measurements are fields.
func queryPoint(rec models.QueryRecord) *write.Point {
	p := influxdb2.NewPointWithMeasurement(queryMeasurement).
		AddTag("location", rec.LocationName).
		AddTag("query_type", string(rec.QueryType)).
		AddField("id", rec.ID).
		AddField("temperature", rec.Temperature).
		AddField("humidity", rec.Humidity).
		AddField("pressure", rec.Pressure).
		AddField("wind_speed", rec.WindSpeed).
		SetTime(rec.Timestamp)

	if rec.Condition != "" {
		p.AddField("condition", rec.Condition)
	}
	if len(rec.Forecast) > 0 {
		p.AddField("forecast_days", len(rec.Forecast))
	}
	return p
}
