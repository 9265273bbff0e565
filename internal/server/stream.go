package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"

	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/events"
)

// heartbeatInterval keeps idle event streams alive through proxies.
const heartbeatInterval = 15 * time.Second

// EventStream handles GET /api/stream: lifecycle events as server-sent events,
// one SSE event per message named after its type.
func (h *Handler) EventStream(c echo.Context) error {
	if h.events == nil {
		return handleError(c, core.NewNotFoundError("event stream is disabled"))
	}

	sub := h.events.Subscribe()
	defer sub.Close()

	w := c.Response()
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return nil
	}
	w.Flush()

	ctx := c.Request().Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := writeSSE(w, string(ev.Type), ev); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

// EventSocket handles GET /api/ws: the same feed as EventStream over a
// WebSocket, one JSON text message per event. Client messages are ignored.
func (h *Handler) EventSocket(c echo.Context) error {
	if h.events == nil {
		return handleError(c, core.NewNotFoundError("event stream is disabled"))
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		// Accept has already written the error response.
		return nil
	}
	defer conn.CloseNow()

	sub := h.events.Subscribe()
	defer sub.Close()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(c.Request().Context())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "gateway shutting down")
				return nil
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Debug("websocket write failed", "error", err)
				}
				return nil
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
