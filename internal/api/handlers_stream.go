// handlers_stream.go - Server-sent job progress
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/scan2doc/backend/internal/models"
)

// Stream timing defaults
const (
	streamPollInterval = 100 * time.Millisecond
	minStreamTimeout   = 5 * time.Minute
	streamGrace        = time.Minute
)

// StreamTimeout returns how long a progress stream stays open for jobs
// limited to jobTimeout (0 means unlimited).
func StreamTimeout(jobTimeout time.Duration) time.Duration {
	if jobTimeout <= 0 {
		return 6 * minStreamTimeout
	}
	return max(minStreamTimeout, jobTimeout+streamGrace)
}

// StreamHandlerImpl implements the StreamHandler interface
type StreamHandlerImpl struct {
	jobs     JobService
	upgrader websocket.Upgrader
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewStreamHandler creates a handler pushing job snapshots over SSE or WebSocket
func NewStreamHandler(svc JobService, logger *slog.Logger, jobTimeout time.Duration) StreamHandler {
	return newStreamHandler(svc, logger, streamPollInterval, StreamTimeout(jobTimeout))
}

func newStreamHandler(svc JobService, logger *slog.Logger, interval, timeout time.Duration) *StreamHandlerImpl {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandlerImpl{
		jobs: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// snapshotChanged reports whether a client would see anything new.
func snapshotChanged(prev, cur models.Job) bool {
	return prev.Status != cur.Status || prev.Progress != cur.Progress || prev.Stage != cur.Stage
}

// HandleJobEvents streams job snapshots via SSE until the job finishes
func (h *StreamHandlerImpl) HandleJobEvents(c echo.Context) error {
	id := c.Param("id")
	job, ok := h.jobs.Get(id)
	if !ok {
		return NewNotFoundError("job", id)
	}

	// The server's WriteTimeout would otherwise cut the stream off long
	// before a slow job finishes.
	rc := http.NewResponseController(c.Response().Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug("clearing write deadline", "error", err)
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	if err := h.sendSSEData(c, newJobResponse(job)); err != nil || job.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	timeout := time.NewTimer(h.timeout)
	defer timeout.Stop()

	ctx := c.Request().Context()
	last := job
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			cur, ok := h.jobs.Get(id)
			if !ok {
				h.sendSSEError(c, "job expired")
				return nil
			}
			h.jobs.Touch(id)

			if snapshotChanged(last, cur) {
				if err := h.sendSSEData(c, newJobResponse(cur)); err != nil {
					h.logger.Debug("event stream closed", "job", id, "error", err)
					return nil
				}
				last = cur
			}
			if cur.Status.Terminal() {
				return nil
			}

		case <-timeout.C:
			h.sendSSEError(c, "stream timeout")
			return nil
		}
	}
}

func (h *StreamHandlerImpl) sendSSEData(c echo.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("encoding SSE event", "error", err)
		return nil
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

func (h *StreamHandlerImpl) sendSSEError(c echo.Context, message string) {
	data, _ := json.Marshal(map[string]string{"error": message})
	fmt.Fprintf(c.Response(), "event: error\ndata: %s\n\n", data)
	c.Response().Flush()
}
