// Package server provides HTTP handlers and server setup for the LLM gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/visiquate/cco-sub021/internal/cache"
	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/events"
	"github.com/visiquate/cco-sub021/internal/metrics"
	"github.com/visiquate/cco-sub021/internal/usage"
)

// Completer executes completion requests.
type Completer interface {
	Complete(ctx context.Context, req *core.Request) (*core.Response, error)
	Stream(ctx context.Context, req *core.Request, onDelta func(text string)) (*core.Response, error)
	Providers() []string
}

// CacheAdmin exposes response cache statistics and clearing.
type CacheAdmin interface {
	Stats() cache.Stats
	Clear()
}

// EventSource hands out live event subscriptions.
type EventSource interface {
	Subscribe() *events.Subscription
	SubscriberCount() int
}

// HealthReporter reports persister health.
type HealthReporter interface {
	Health() usage.Health
}

// HistoryStore answers queries over persisted calls.
type HistoryStore interface {
	Range(ctx context.Context, q usage.Query) ([]*core.APICallEvent, error)
	Hourly(ctx context.Context, start, end time.Time) ([]usage.HourlyAggregate, error)
}

// Pinger checks storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the HTTP handlers
type Handler struct {
	pipeline  Completer
	metrics   *metrics.Aggregator
	cache     CacheAdmin
	events    EventSource
	persister HealthReporter
	history   HistoryStore
	storage   Pinger
	audit     AuditReader
	started   time.Time

	stats *metrics.QueryCache[StatsResponse]
	tiers *metrics.QueryCache[metrics.TierMetrics]
}

// NewHandler creates the handlers over deps.
func NewHandler(deps Deps, queryTTL time.Duration) *Handler {
	return &Handler{
		pipeline:  deps.Pipeline,
		metrics:   deps.Metrics,
		cache:     deps.Cache,
		events:    deps.Events,
		persister: deps.Persister,
		history:   deps.History,
		storage:   deps.Storage,
		audit:     deps.Audit,
		started:   time.Now(),
		stats:     metrics.NewQueryCache[StatsResponse](queryTTL),
		tiers:     metrics.NewQueryCache[metrics.TierMetrics](queryTTL),
	}
}

// Complete handles POST /v1/complete and POST /v1/messages
func (h *Handler) Complete(c echo.Context) error {
	var req core.Request
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}

	if req.Stream {
		return h.streamCompletion(c, &req)
	}

	resp, err := h.pipeline.Complete(c.Request().Context(), &req)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// streamCompletion writes text deltas as SSE "delta" events and the final
// response as a "done" event. Headers are only committed with the first
// event, so failures before any output still get a proper status code.
func (h *Handler) streamCompletion(c echo.Context, req *core.Request) error {
	w := c.Response()
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		setSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
	}

	resp, err := h.pipeline.Stream(c.Request().Context(), req, func(text string) {
		start()
		_ = writeSSE(w, "delta", map[string]string{"text": text})
	})
	if err != nil {
		if !started {
			return handleError(c, err)
		}
		_ = writeSSE(w, "error", errorBody(err))
		return nil
	}

	start()
	_ = writeSSE(w, "done", resp)
	return nil
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	body := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}

	if h.persister != nil {
		health := h.persister.Health()
		body["persistence"] = health
	}
	if h.storage != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		err := h.storage.Ping(ctx)
		cancel()
		if err != nil {
			body["status"] = "degraded"
			body["storage"] = err.Error()
		} else {
			body["storage"] = "ok"
		}
	}
	if h.cache != nil {
		body["cache"] = h.cache.Stats()
	}
	if h.events != nil {
		body["subscribers"] = h.events.SubscriberCount()
	}

	return c.JSON(http.StatusOK, body)
}

// Providers handles GET /api/providers
func (h *Handler) Providers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"providers": h.pipeline.Providers()})
}

// CacheStats handles GET /api/cache/stats
func (h *Handler) CacheStats(c echo.Context) error {
	if h.cache == nil {
		return handleError(c, core.NewNotFoundError("response cache is disabled"))
	}
	return c.JSON(http.StatusOK, h.cache.Stats())
}

// ClearCache handles DELETE /api/cache
func (h *Handler) ClearCache(c echo.Context) error {
	if h.cache == nil {
		return handleError(c, core.NewNotFoundError("response cache is disabled"))
	}
	h.cache.Clear()
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var fallbackErr *core.FallbackError
	if errors.As(err, &fallbackErr) && fallbackErr.Last != nil {
		return c.JSON(fallbackErr.HTTPStatusCode(), fallbackErr.ToJSON())
	}

	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	return c.JSON(http.StatusInternalServerError, errorBody(err))
}

// errorBody renders err in the client error shape.
func errorBody(err error) map[string]interface{} {
	var fallbackErr *core.FallbackError
	if errors.As(err, &fallbackErr) && fallbackErr.Last != nil {
		return fallbackErr.ToJSON()
	}
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.ToJSON()
	}
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	}
}

func setSSEHeaders(w *echo.Response) {
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSE writes one named event and flushes it.
func writeSSE(w *echo.Response, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
