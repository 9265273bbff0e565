package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/visiquate/cco-sub021/internal/auditlog"
	"github.com/visiquate/cco-sub021/internal/core"
)

// AuditReader answers queries over the audit log.
type AuditReader interface {
	Search(ctx context.Context, q auditlog.Query) ([]auditlog.Entry, error)
	Get(ctx context.Context, id string) (*auditlog.Entry, error)
}

// AuditLog handles GET /api/audit?start=&end=&provider=&agent_type=&project_id=&status=&limit=
func (h *Handler) AuditLog(c echo.Context) error {
	if h.audit == nil {
		return handleError(c, core.NewNotFoundError("audit logging is disabled"))
	}

	start, end, err := parseRange(c)
	if err != nil {
		return handleError(c, err)
	}
	limit, err := parseLimit(c.QueryParam("limit"), auditlog.DefaultQueryLimit, auditlog.MaxQueryLimit)
	if err != nil {
		return handleError(c, err)
	}
	status := auditlog.Status(c.QueryParam("status"))
	switch status {
	case "", auditlog.StatusSuccess, auditlog.StatusCacheHit, auditlog.StatusError:
	default:
		return handleError(c, core.NewInvalidRequestError(
			fmt.Sprintf("invalid status %q, expected success, cache_hit or error", status), nil))
	}

	entries, err := h.audit.Search(c.Request().Context(), auditlog.Query{
		Start:     start,
		End:       end,
		Provider:  c.QueryParam("provider"),
		AgentType: c.QueryParam("agent_type"),
		ProjectID: c.QueryParam("project_id"),
		Status:    status,
		Limit:     limit,
	})
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// AuditEntry handles GET /api/audit/:id
func (h *Handler) AuditEntry(c echo.Context) error {
	if h.audit == nil {
		return handleError(c, core.NewNotFoundError("audit logging is disabled"))
	}

	id := c.Param("id")
	entry, err := h.audit.Get(c.Request().Context(), id)
	if err != nil {
		return handleError(c, err)
	}
	if entry == nil {
		return handleError(c, core.NewNotFoundError(fmt.Sprintf("audit entry %q not found", id)))
	}
	return c.JSON(http.StatusOK, entry)
}
