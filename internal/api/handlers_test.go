package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/1broseidon/wxhistory/internal/config"
	"github.com/1broseidon/wxhistory/internal/engine"
	"github.com/1broseidon/wxhistory/internal/export"
	"github.com/1broseidon/wxhistory/internal/fetch"
	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/internal/metrics"
	"github.com/1broseidon/wxhistory/pkg/models"
)

type testServer struct {
	*Server
	fs afero.Fs
}

func createTestServer(t *testing.T, fetcher fetch.Fetcher) *testServer {
	t.Helper()

	logger, err := logging.InitLogger(logging.Config{
		Level:  "error",
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}

	cfg := config.Default()
	cfg.History.Backend = "file"
	cfg.History.Path = "/data/history.json"
	cfg.History.FlushInterval = 0
	cfg.History.AutoPersist = true
	cfg.Favorites.Path = "/data/favorites.json"
	cfg.Reports.ExportDir = "/exports"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	reg := prometheus.NewRegistry()
	fs := afero.NewMemMapFs()

	eng, err := engine.New(context.Background(), cfg, engine.Options{
		Fs:      fs,
		Fetcher: fetcher,
		Metrics: metrics.NewMetrics(reg),
	}, logger)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}

	server := NewServer(cfg, "", eng, logger, reg)
	t.Cleanup(func() {
		server.app.Shutdown()
		eng.Close(context.Background())
	})
	return &testServer{Server: server, fs: fs}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return resp, string(data)
}

func expectStatus(t *testing.T, resp *http.Response, body string, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func recordQuery(t *testing.T, s *testServer, location string, temp float64) {
	t.Helper()
	payload, _ := json.Marshal(map[string]interface{}{
		"location_name": location,
		"temperature":   temp,
		"condition":     "Clear",
		"humidity":      50,
	})
	resp, body := s.do(t, "POST", "/api/v1/queries", string(payload))
	expectStatus(t, resp, body, fiber.StatusCreated)
}

func TestHealthHandler(t *testing.T) {
	server := createTestServer(t, nil)

	resp, body := server.do(t, "GET", "/health", "")
	expectStatus(t, resp, body, fiber.StatusOK)
	if !strings.Contains(body, "healthy") {
		t.Fatalf("response missing expected fields: %s", body)
	}
}

func TestReadyHandler(t *testing.T) {
	server := createTestServer(t, nil)

	resp, body := server.do(t, "GET", "/ready", "")
	expectStatus(t, resp, body, fiber.StatusOK)
	if !strings.Contains(body, "ready") || !strings.Contains(body, "file") {
		t.Fatalf("response missing expected content: %s", body)
	}
}

func TestMetricsHandler(t *testing.T) {
	server := createTestServer(t, nil)
	recordQuery(t, server, "London", 15)

	resp, body := server.do(t, "GET", "/metrics", "")
	expectStatus(t, resp, body, fiber.StatusOK)
	if !strings.Contains(body, "wxhistory_queries_recorded_total") || !strings.Contains(body, "wxhistory_history_records 1") {
		t.Fatalf("metrics missing expected series: %s", body)
	}
}

func TestRecordAndListHistory(t *testing.T) {
	server := createTestServer(t, nil)

	recordQuery(t, server, "Paris", 18)
	recordQuery(t, server, "Berlin", 12)
	recordQuery(t, server, "Paris", 19)

	resp, body := server.do(t, "GET", "/api/v1/history", "")
	expectStatus(t, resp, body, fiber.StatusOK)

	var all struct {
		Records []models.QueryRecord `json:"records"`
		Total   int                  `json:"total"`
	}
	if err := json.Unmarshal([]byte(body), &all); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if all.Total != 3 || all.Records[0].LocationName != "Paris" || all.Records[0].QueryType != models.QueryTypeCurrent {
		t.Fatalf("unexpected history: %+v", all)
	}

	resp, body = server.do(t, "GET", "/api/v1/history?location=paris&limit=1", "")
	expectStatus(t, resp, body, fiber.StatusOK)
	var filtered struct {
		Records []models.QueryRecord `json:"records"`
	}
	json.Unmarshal([]byte(body), &filtered)
	if len(filtered.Records) != 1 || filtered.Records[0].Temperature != 19 {
		t.Fatalf("expected the latest Paris record, got %+v", filtered.Records)
	}
}

func TestSearchHistory(t *testing.T) {
	server := createTestServer(t, nil)

	recordQuery(t, server, "London", 11)
	recordQuery(t, server, "Paris", 18)
	recordQuery(t, server, "New London", 14)

	resp, body := server.do(t, "GET", "/api/v1/history?q=LONDON", "")
	expectStatus(t, resp, body, fiber.StatusOK)

	var result struct {
		Records []models.QueryRecord `json:"records"`
	}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(result.Records) != 2 || result.Records[0].LocationName != "London" || result.Records[1].LocationName != "New London" {
		t.Fatalf("unexpected search result: %+v", result.Records)
	}

	resp, body = server.do(t, "GET", "/api/v1/history?q=ondon&limit=1", "")
	expectStatus(t, resp, body, fiber.StatusOK)
	json.Unmarshal([]byte(body), &result)
	if len(result.Records) != 1 || result.Records[0].LocationName != "New London" {
		t.Fatalf("expected the most recent match, got %+v", result.Records)
	}
}

func TestHistoryQueryValidation(t *testing.T) {
	server := createTestServer(t, nil)

	for _, path := range []string{
		"/api/v1/history?type=HOURLY",
		"/api/v1/history?since=yesterday",
		"/api/v1/history?start=2024-05-02T00:00:00Z&end=2024-05-01T00:00:00Z",
		"/api/v1/history?limit=-1",
	} {
		resp, body := server.do(t, "GET", path, "")
		expectStatus(t, resp, body, fiber.StatusBadRequest)
	}
}

func TestRecordQueryValidation(t *testing.T) {
	server := createTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"location_name":`},
		{"missing location", `{"temperature": 10}`},
		{"humidity out of range", `{"location_name":"Rome","humidity":150}`},
		{"unknown query type", `{"location_name":"Rome","query_type":"HOURLY"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := server.do(t, "POST", "/api/v1/queries", tt.body)
			expectStatus(t, resp, body, fiber.StatusBadRequest)
			if !strings.Contains(body, `"error":true`) {
				t.Fatalf("expected error envelope, got %s", body)
			}
		})
	}
}

func TestClearHistory(t *testing.T) {
	server := createTestServer(t, nil)
	recordQuery(t, server, "Oslo", 1)

	resp, body := server.do(t, "DELETE", "/api/v1/history", "")
	expectStatus(t, resp, body, fiber.StatusOK)
	if !strings.Contains(body, `"cleared":1`) {
		t.Fatalf("unexpected clear response: %s", body)
	}

	_, body = server.do(t, "GET", "/api/v1/history", "")
	if !strings.Contains(body, `"total":0`) {
		t.Fatalf("expected empty history, got %s", body)
	}
}

func TestGenerateReport(t *testing.T) {
	server := createTestServer(t, nil)
	recordQuery(t, server, "London", 15)
	recordQuery(t, server, "Paris", 18)

	resp, body := server.do(t, "POST", "/api/v1/reports", `{"kind":"COMPARISON"}`)
	expectStatus(t, resp, body, fiber.StatusOK)

	doc, err := export.Decode([]byte(body))
	if err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if len(doc.Rows) != 2 || doc.Summary[models.SummaryAverageTemperature] != 16.5 {
		t.Fatalf("unexpected comparison report: %+v", doc)
	}

	resp, body = server.do(t, "POST", "/api/v1/reports", `{"kind":"location_stats","format":"csv"}`)
	expectStatus(t, resp, body, fiber.StatusOK)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv") {
		t.Fatalf("unexpected content type: %s", resp.Header.Get("Content-Type"))
	}
	if !strings.HasPrefix(body, "location,query_count,percentage_of_total\n") {
		t.Fatalf("unexpected CSV body: %s", body)
	}
}

func TestGenerateReportRejectsInvalidSpec(t *testing.T) {
	server := createTestServer(t, nil)

	for _, payload := range []string{
		`{"kind":"WEEKLY"}`,
		`{"kind":"HISTORY","limit":-3}`,
		`{"kind":"HISTORY","format":"xml"}`,
	} {
		resp, body := server.do(t, "POST", "/api/v1/reports", payload)
		expectStatus(t, resp, body, fiber.StatusBadRequest)
	}
}

func TestGenerateReportEmpty(t *testing.T) {
	server := createTestServer(t, nil)

	resp, body := server.do(t, "POST", "/api/v1/reports", `{"kind":"TREND","format":"text"}`)
	expectStatus(t, resp, body, fiber.StatusOK)
	if !strings.Contains(body, "No data available.") {
		t.Fatalf("expected empty-report notice, got %s", body)
	}
}

func TestExportReport(t *testing.T) {
	server := createTestServer(t, nil)
	recordQuery(t, server, "Madrid", 30)

	resp, body := server.do(t, "POST", "/api/v1/reports/export", `{"report":{"kind":"HISTORY"},"path":"daily/history.csv"}`)
	expectStatus(t, resp, body, fiber.StatusCreated)
	if !strings.Contains(body, `"format":"CSV"`) {
		t.Fatalf("expected format detected from extension, got %s", body)
	}

	data, err := afero.ReadFile(server.fs, "/exports/daily/history.csv")
	if err != nil {
		t.Fatalf("expected exported file: %v", err)
	}
	if !strings.HasPrefix(string(data), "timestamp,location,query_type,temperature,condition\n") {
		t.Fatalf("unexpected export: %s", data)
	}

	for _, path := range []string{"/etc/passwd", "../outside.json"} {
		resp, body := server.do(t, "POST", "/api/v1/reports/export", `{"report":{"kind":"HISTORY"},"path":"`+path+`"}`)
		expectStatus(t, resp, body, fiber.StatusBadRequest)
	}

	resp, body = server.do(t, "POST", "/api/v1/reports/export", `{"report":{"kind":"HISTORY"}}`)
	expectStatus(t, resp, body, fiber.StatusBadRequest)
}

func TestFavoritesEndpoints(t *testing.T) {
	server := createTestServer(t, nil)

	for _, name := range []string{"London", "New York"} {
		resp, body := server.do(t, "POST", "/api/v1/favorites", `{"name":"`+name+`"}`)
		expectStatus(t, resp, body, fiber.StatusCreated)
	}

	resp, body := server.do(t, "POST", "/api/v1/favorites", `{"name":"london"}`)
	expectStatus(t, resp, body, fiber.StatusConflict)

	resp, body = server.do(t, "POST", "/api/v1/favorites", `{"name":"  "}`)
	expectStatus(t, resp, body, fiber.StatusBadRequest)

	resp, body = server.do(t, "POST", "/api/v1/favorites/New%20York/promote", "")
	expectStatus(t, resp, body, fiber.StatusOK)

	resp, body = server.do(t, "GET", "/api/v1/favorites", "")
	expectStatus(t, resp, body, fiber.StatusOK)
	var list struct {
		Favorites []models.Location `json:"favorites"`
	}
	json.Unmarshal([]byte(body), &list)
	if len(list.Favorites) != 2 || list.Favorites[0].Name != "New York" {
		t.Fatalf("unexpected favorites: %+v", list.Favorites)
	}

	resp, body = server.do(t, "DELETE", "/api/v1/favorites/London", "")
	expectStatus(t, resp, body, fiber.StatusNoContent)

	resp, body = server.do(t, "DELETE", "/api/v1/favorites/London", "")
	expectStatus(t, resp, body, fiber.StatusNotFound)

	if exists, _ := afero.Exists(server.fs, "/data/favorites.json"); !exists {
		t.Fatalf("expected favorites to be saved")
	}
}

func TestFetchEndpoint(t *testing.T) {
	fetcher := fetch.Func(func(ctx context.Context, req fetch.Request) (models.Observation, error) {
		if req.Location == "Atlantis" {
			return models.Observation{}, errors.New("city not found")
		}
		return models.Observation{Temperature: 22, Condition: "Sunny"}, nil
	})
	server := createTestServer(t, fetcher)

	resp, body := server.do(t, "POST", "/api/v1/fetch", `{"location":"Athens"}`)
	expectStatus(t, resp, body, fiber.StatusCreated)
	if !strings.Contains(body, `"location_name":"Athens"`) {
		t.Fatalf("unexpected fetch response: %s", body)
	}

	resp, body = server.do(t, "POST", "/api/v1/fetch", `{"location":"Atlantis"}`)
	expectStatus(t, resp, body, fiber.StatusInternalServerError)

	resp, body = server.do(t, "POST", "/api/v1/fetch", `{"location":""}`)
	expectStatus(t, resp, body, fiber.StatusBadRequest)
}

func TestFetchEndpointWithoutFetcher(t *testing.T) {
	server := createTestServer(t, nil)

	resp, body := server.do(t, "POST", "/api/v1/fetch", `{"location":"Athens"}`)
	expectStatus(t, resp, body, fiber.StatusServiceUnavailable)
}

func TestStatsHandler(t *testing.T) {
	server := createTestServer(t, nil)
	recordQuery(t, server, "Lima", 20)

	resp, body := server.do(t, "GET", "/api/v1/stats", "")
	expectStatus(t, resp, body, fiber.StatusOK)

	var stats engine.Stats
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.History.Count != 1 || stats.History.Capacity != 100 {
		t.Fatalf("unexpected stats: %+v", stats.History)
	}
	if stats.History.ByType[models.QueryTypeCurrent] != 1 || len(stats.History.ByDay) != 1 {
		t.Fatalf("expected per-type and per-day breakdowns, got %+v", stats.History)
	}
}

func TestConfigEndpoints(t *testing.T) {
	server := createTestServer(t, nil)

	resp, body := server.do(t, "GET", "/api/v1/config", "")
	expectStatus(t, resp, body, fiber.StatusOK)
	if !strings.Contains(body, "history:") || !strings.Contains(body, "maxRecords: 100") {
		t.Fatalf("unexpected config dump: %s", body)
	}

	resp, body = server.do(t, "POST", "/api/v1/reload", "")
	expectStatus(t, resp, body, fiber.StatusConflict)
}

func TestCORSMiddleware(t *testing.T) {
	server := createTestServer(t, nil)

	req := httptest.NewRequest("OPTIONS", "/health", nil)
	req.Header.Set("Origin", "http://localhost:7880")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := server.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:7880" {
		t.Fatalf("expected CORS header for the configured origin, got %q", got)
	}
}
