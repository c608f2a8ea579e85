package fetch

import (
	"context"
	"errors"
	"strings"

	"github.com/1broseidon/wxhistory/pkg/models"
)

var (
	// ErrQueueFull is returned when the dispatcher cannot accept more work
	ErrQueueFull = errors.New("fetch queue is full")

	// ErrStopped is returned for work submitted to or pending in a stopped dispatcher
	ErrStopped = errors.New("fetch dispatcher is stopped")

	// ErrCircuitOpen is returned while the circuit breaker rejects lookups
	ErrCircuitOpen = errors.New("fetch circuit breaker is open")

	// ErrInvalidRequest is returned for a request without a location
	ErrInvalidRequest = errors.New("invalid fetch request")
)

// Request identifies a weather lookup
type Request struct {
	Location  string           `json:"location" validate:"required,max=200"`
	QueryType models.QueryType `json:"query_type" validate:"omitempty,oneof=CURRENT FORECAST"`
}

// Normalize trims the location and defaults the query type to CURRENT
func (r Request) Normalize() Request {
	r.Location = strings.TrimSpace(r.Location)
	if r.QueryType == "" {
		r.QueryType = models.QueryTypeCurrent
	}
	return r
}

// Fetcher performs a weather lookup against an external provider
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (models.Observation, error)
}

// Func adapts a function to the Fetcher interface
type Func func(ctx context.Context, req Request) (models.Observation, error)

// Fetch calls f
func (f Func) Fetch(ctx context.Context, req Request) (models.Observation, error) {
	return f(ctx, req)
}
