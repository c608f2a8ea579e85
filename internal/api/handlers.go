package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/1broseidon/wxhistory/internal/engine"
	"github.com/1broseidon/wxhistory/internal/export"
	"github.com/1broseidon/wxhistory/internal/favorites"
	"github.com/1broseidon/wxhistory/internal/fetch"
	"github.com/1broseidon/wxhistory/internal/history"
	"github.com/1broseidon/wxhistory/internal/report"
	"github.com/1broseidon/wxhistory/internal/storage"
	"github.com/1broseidon/wxhistory/pkg/models"
)

// ExportRequest asks for a report to be generated and written to a file
// under the export directory.
type ExportRequest struct {
	Report models.ReportSpec `json:"report"`
	Format string            `json:"format" validate:"omitempty,max=8"`
	Path   string            `json:"path" validate:"required,max=255"`
}

// FavoriteRequest adds a favorite location
type FavoriteRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type historyQuery struct {
	Locations []string
	Search    string `validate:"max=100"`
	QueryType string `validate:"omitempty,oneof=CURRENT FORECAST"`
	Since     time.Duration
	Start     *time.Time
	End       *time.Time
	Limit     int `validate:"min=0,max=10000"`
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, report.ErrInvalidSpec),
		errors.Is(err, history.ErrInvalidObservation),
		errors.Is(err, fetch.ErrInvalidRequest),
		errors.Is(err, favorites.ErrInvalidName):
		return fiber.StatusBadRequest
	case errors.Is(err, favorites.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, favorites.ErrDuplicate),
		errors.Is(err, favorites.ErrFull):
		return fiber.StatusConflict
	case errors.Is(err, fetch.ErrQueueFull):
		return fiber.StatusTooManyRequests
	case errors.Is(err, fetch.ErrCircuitOpen),
		errors.Is(err, fetch.ErrStopped),
		errors.Is(err, engine.ErrFetchDisabled):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func httpError(err error) error {
	return fiber.NewError(statusFor(err), err.Error())
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "wxhistory",
	})
}

func (s *Server) readyHandler(c *fiber.Ctx) error {
	stats := s.engine.Stats()

	checks := fiber.Map{
		"history": stats.History.Backend,
	}
	if stats.Fetch != nil {
		checks["fetch_breaker"] = stats.Fetch.Breaker
	}

	return c.JSON(fiber.Map{
		"status": "ready",
		"checks": checks,
	})
}

// recordQueryHandler appends an observation. A persistence failure still
// returns the record, with status 202 and a warning.
func (s *Server) recordQueryHandler(c *fiber.Ctx) error {
	var obs models.Observation
	if err := c.BodyParser(&obs); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	obs.LocationName = strings.TrimSpace(obs.LocationName)
	if obs.QueryType == "" {
		obs.QueryType = models.QueryTypeCurrent
	}
	if err := s.validate.Struct(obs); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	rec, err := s.engine.RecordQuery(c.UserContext(), obs)
	if err != nil {
		if errors.Is(err, storage.ErrPersistence) {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"record":    rec,
				"persisted": false,
				"warning":   err.Error(),
			})
		}
		return httpError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"record":    rec,
		"persisted": true,
	})
}

func (s *Server) fetchHandler(c *fiber.Ctx) error {
	var req fetch.Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	req = req.Normalize()
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	rec, err := s.engine.FetchAndRecord(c.UserContext(), req)
	if err != nil {
		if errors.Is(err, storage.ErrPersistence) {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"record":    rec,
				"persisted": false,
				"warning":   err.Error(),
			})
		}
		return httpError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"record":    rec,
		"persisted": true,
	})
}

func parseTime(c *fiber.Ctx, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC 3339 time", key)
	}
	t = t.UTC()
	return &t, nil
}

func (s *Server) parseHistoryQuery(c *fiber.Ctx) (historyQuery, error) {
	var q historyQuery

	for _, loc := range strings.Split(c.Query("location"), ",") {
		if loc = strings.TrimSpace(loc); loc != "" {
			q.Locations = append(q.Locations, loc)
		}
	}
	q.Search = strings.TrimSpace(c.Query("q"))
	q.QueryType = strings.ToUpper(strings.TrimSpace(c.Query("type")))

	if raw := c.Query("since"); raw != "" {
		since, err := models.ParseDuration(raw)
		if err != nil {
			return q, err
		}
		if since < 0 {
			return q, fmt.Errorf("since cannot be negative")
		}
		q.Since = since.ToDuration()
	}

	var err error
	if q.Start, err = parseTime(c, "start"); err != nil {
		return q, err
	}
	if q.End, err = parseTime(c, "end"); err != nil {
		return q, err
	}
	if q.Start != nil && q.End != nil && q.Start.After(*q.End) {
		return q, fmt.Errorf("start must not be after end")
	}

	if raw := c.Query("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			return q, fmt.Errorf("invalid limit: %w", err)
		}
	}

	return q, s.validate.Struct(q)
}

func (q historyQuery) filter(now time.Time) history.Filter {
	spec := models.ReportSpec{Since: models.Duration(q.Since)}
	if q.Start != nil || q.End != nil {
		spec.Window = &models.TimeWindow{Start: q.Start, End: q.End}
	}
	return history.Filter{
		Window:    spec.EffectiveWindow(now),
		Locations: q.Locations,
		QueryType: models.QueryType(q.QueryType),
		Search:    q.Search,
	}
}

func (s *Server) listHistoryHandler(c *fiber.Ctx) error {
	q, err := s.parseHistoryQuery(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	records := s.engine.ListHistory(q.filter(time.Now().UTC()), q.Limit)
	if records == nil {
		records = []models.QueryRecord{}
	}
	return c.JSON(fiber.Map{
		"records": records,
		"total":   len(records),
	})
}

func (s *Server) clearHistoryHandler(c *fiber.Ctx) error {
	cleared, err := s.engine.ClearHistory(c.UserContext())
	if err != nil {
		if errors.Is(err, storage.ErrPersistence) {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"cleared":   cleared,
				"persisted": false,
				"warning":   err.Error(),
			})
		}
		return httpError(err)
	}
	return c.JSON(fiber.Map{
		"cleared":   cleared,
		"persisted": true,
	})
}

func (s *Server) statsHandler(c *fiber.Ctx) error {
	return c.JSON(s.engine.Stats())
}

func contentType(format models.Format) string {
	switch format {
	case models.FormatCSV:
		return "text/csv; charset=utf-8"
	case models.FormatText:
		return fiber.MIMETextPlainCharsetUTF8
	default:
		return fiber.MIMEApplicationJSONCharsetUTF8
	}
}

// normalizeSpec accepts kinds and formats in any case. Unknown kinds are left
// for the builder to reject.
func normalizeSpec(spec models.ReportSpec) (models.ReportSpec, error) {
	if kind, err := models.ParseReportKind(string(spec.Kind)); err == nil {
		spec.Kind = kind
	}
	if spec.Format != "" {
		format, err := models.ParseFormat(string(spec.Format))
		if err != nil {
			return spec, err
		}
		spec.Format = format
	}
	return spec, nil
}

// generateReportHandler builds a report and returns it serialized in the
// requested format, JSON by default.
func (s *Server) generateReportHandler(c *fiber.Ctx) error {
	var spec models.ReportSpec
	if err := c.BodyParser(&spec); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}

	spec, err := normalizeSpec(spec)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	format := spec.Format
	if format == "" {
		format = models.FormatJSON
	}

	doc, err := s.engine.GenerateReport(spec)
	if err != nil {
		return httpError(err)
	}

	var buf bytes.Buffer
	if _, err := s.engine.WriteReport(&buf, doc, format); err != nil {
		return httpError(err)
	}

	c.Set(fiber.HeaderContentType, contentType(format))
	return c.Send(buf.Bytes())
}

func exportPathAllowed(path string) bool {
	if filepath.IsAbs(path) {
		return false
	}
	clean := filepath.Clean(path)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

func (s *Server) exportReportHandler(c *fiber.Ctx) error {
	var req ExportRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if !exportPathAllowed(req.Path) {
		return fiber.NewError(fiber.StatusBadRequest, "path must be relative to the export directory")
	}

	format, err := export.ResolveFormat(models.Format(req.Format), req.Path)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	spec, err := normalizeSpec(req.Report)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	doc, err := s.engine.GenerateReport(spec)
	if err != nil {
		return httpError(err)
	}

	written, err := s.engine.ExportReport(doc, format, req.Path)
	if err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"path":    req.Path,
		"format":  format,
		"bytes":   written,
		"rows":    len(doc.Rows),
		"no_data": doc.IsEmpty(),
	})
}

func (s *Server) listFavoritesHandler(c *fiber.Ctx) error {
	favs := s.engine.Favorites()
	return c.JSON(fiber.Map{
		"favorites": favs,
		"total":     len(favs),
	})
}

func (s *Server) addFavoriteHandler(c *fiber.Ctx) error {
	var req FavoriteRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	loc, err := s.engine.AddFavorite(req.Name)
	if err != nil {
		return httpError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(loc)
}

func (s *Server) removeFavoriteHandler(c *fiber.Ctx) error {
	name, err := favoriteParam(c)
	if err != nil {
		return err
	}
	if err := s.engine.RemoveFavorite(name); err != nil {
		return httpError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) promoteFavoriteHandler(c *fiber.Ctx) error {
	name, err := favoriteParam(c)
	if err != nil {
		return err
	}
	if err := s.engine.PromoteFavorite(name); err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{
		"favorites": s.engine.Favorites(),
	})
}

func favoriteParam(c *fiber.Ctx) (string, error) {
	name, err := url.PathUnescape(c.Params("name"))
	if err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid favorite name")
	}
	return name, nil
}
