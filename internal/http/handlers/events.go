package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nimbuschain/fetch/internal/events"
	"github.com/nimbuschain/fetch/internal/http/response"
	"github.com/nimbuschain/fetch/internal/observability"
	"github.com/nimbuschain/fetch/internal/platform/logger"
	"github.com/nimbuschain/fetch/internal/store"
)

// EventHandler serves GET /v1/events: a resumable SSE tail of the job
// event log, optionally scoped to one job via ?job_id= and resumed from
// a prior cursor via ?since=.
type EventHandler struct {
	tailer  *events.Tailer
	waker   events.Waker
	metrics *observability.Metrics
	log     *logger.Logger
}

func NewEventHandler(tailer *events.Tailer, waker events.Waker, metrics *observability.Metrics, log *logger.Logger) *EventHandler {
	return &EventHandler{tailer: tailer, waker: waker, metrics: metrics, log: log}
}

func (h *EventHandler) Stream(c *gin.Context) {
	var scope store.EventScope
	if v := c.Query("job_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "InvalidJobID", err)
			return
		}
		scope.JobID = &id
	}

	var since int64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "InvalidSince", err)
			return
		}
		since = n
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.RespondError(c, http.StatusInternalServerError, "StreamingUnsupported", nil)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	if h.metrics != nil {
		h.metrics.IncSSEConnectionOpened()
		defer h.metrics.DecSSEConnectionClosed()
	}

	out := make(chan events.Frame, 16)
	ctx := c.Request.Context()
	errCh := make(chan error, 1)
	go func() { errCh <- h.tailer.Stream(ctx, scope, since, h.waker, out) }()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-out:
			if _, err := c.Writer.Write(events.Encode(frame)); err != nil {
				return
			}
			flusher.Flush()
		case err := <-errCh:
			if err != nil && h.log != nil {
				h.log.Warn("event stream ended", "error", err)
			}
			return
		}
	}
}
