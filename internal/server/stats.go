package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/metrics"
	"github.com/visiquate/cco-sub021/internal/usage"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Window metrics.AggregatedMetrics `json:"window"`
	Rate   metrics.RateMetrics       `json:"rate"`
	Totals metrics.Totals            `json:"totals"`
}

// Stats handles GET /api/stats?window=60s
func (h *Handler) Stats(c echo.Context) error {
	window, err := h.parseWindow(c.QueryParam("window"))
	if err != nil {
		return handleError(c, err)
	}

	resp, err := h.stats.Get("stats:"+window.String(), func() (StatsResponse, error) {
		snap, err := h.metrics.Snapshot(window)
		if err != nil {
			return StatsResponse{}, err
		}
		return StatsResponse{
			Window: snap,
			Rate:   h.metrics.Rate(),
			Totals: h.metrics.Totals(),
		}, nil
	})
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// TierStats handles GET /api/stats/tiers/:tier?window=60s
func (h *Handler) TierStats(c echo.Context) error {
	tier, ok := core.ParseTier(c.Param("tier"))
	if !ok {
		return handleError(c, core.NewInvalidRequestError(fmt.Sprintf("unknown tier %q", c.Param("tier")), nil))
	}
	window, err := h.parseWindow(c.QueryParam("window"))
	if err != nil {
		return handleError(c, err)
	}

	resp, err := h.tiers.Get("tier:"+string(tier)+":"+window.String(), func() (metrics.TierMetrics, error) {
		return h.metrics.TierSnapshot(window, tier)
	})
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// RecentCalls handles GET /api/calls/recent?limit=N
func (h *Handler) RecentCalls(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"), defaultRecentLimit, maxRecentLimit)
	if err != nil {
		return handleError(c, err)
	}
	calls := h.metrics.Recent(limit)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"calls": calls,
		"count": len(calls),
	})
}

// Breakdown handles GET /api/breakdown
func (h *Handler) Breakdown(c echo.Context) error {
	return c.JSON(http.StatusOK, h.metrics.Breakdown())
}

// CallHistory handles GET /api/calls?start=&end=&model=&limit=
// against the persisted call history.
func (h *Handler) CallHistory(c echo.Context) error {
	if h.history == nil {
		return handleError(c, core.NewNotFoundError("call history persistence is disabled"))
	}

	start, end, err := parseRange(c)
	if err != nil {
		return handleError(c, err)
	}
	limit, err := parseLimit(c.QueryParam("limit"), 0, 10000)
	if err != nil {
		return handleError(c, err)
	}

	calls, err := h.history.Range(c.Request().Context(), usage.Query{
		Start: start,
		End:   end,
		Model: c.QueryParam("model"),
		Limit: limit,
	})
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"calls": calls,
		"count": len(calls),
	})
}

// HourlyHistory handles GET /api/calls/hourly?start=&end=
func (h *Handler) HourlyHistory(c echo.Context) error {
	if h.history == nil {
		return handleError(c, core.NewNotFoundError("call history persistence is disabled"))
	}

	start, end, err := parseRange(c)
	if err != nil {
		return handleError(c, err)
	}

	hours, err := h.history.Hourly(c.Request().Context(), start, end)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hours": hours})
}

// parseWindow accepts a Go duration ("60s", "5m") or plain seconds ("300").
// Empty selects the aggregator's first window.
func (h *Handler) parseWindow(raw string) (time.Duration, error) {
	windows := h.metrics.Windows()
	if raw == "" {
		return windows[0], nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, core.NewInvalidRequestError(fmt.Sprintf("invalid window %q", raw), err)
		}
		d = time.Duration(secs) * time.Second
	}

	for _, w := range windows {
		if w == d {
			return d, nil
		}
	}

	names := make([]string, len(windows))
	for i, w := range windows {
		names[i] = fmt.Sprintf("%ds", int64(w.Seconds()))
	}
	return 0, core.NewInvalidRequestError(
		fmt.Sprintf("unknown window %q, expected one of %s", raw, strings.Join(names, ", ")), metrics.ErrUnknownWindow)
}

func parseLimit(raw string, def, maxLimit int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, core.NewInvalidRequestError(fmt.Sprintf("invalid limit %q, expected a positive integer", raw), err)
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func parseRange(c echo.Context) (time.Time, time.Time, error) {
	var start, end time.Time
	if raw := c.QueryParam("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, core.NewInvalidRequestError(fmt.Sprintf("invalid start %q, expected RFC 3339", raw), err)
		}
		start = t
	}
	if raw := c.QueryParam("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, core.NewInvalidRequestError(fmt.Sprintf("invalid end %q, expected RFC 3339", raw), err)
		}
		end = t
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return start, end, core.NewInvalidRequestError("end must be after start", nil)
	}
	return start, end, nil
}
