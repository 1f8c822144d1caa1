package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/certexam-backend/internal/model"
	"github.com/stemsi/certexam-backend/internal/response"
)

const (
	keepAliveInterval = 30 * time.Second
	snapshotSize      = 100
)

// MonitorFeed delivers a template's session events until ctx is done.
type MonitorFeed interface {
	Subscribe(ctx context.Context, templateID uuid.UUID) (<-chan model.SessionEvent, error)
}

// MonitorHandler streams a template's session activity to operators over SSE.
type MonitorHandler struct {
	results ResultsLister
	feed    MonitorFeed
	log     zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(results ResultsLister, feed MonitorFeed, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		results: results,
		feed:    feed,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

type snapshotEvent struct {
	Type     string                    `json:"type"`
	Sessions []model.TemplateResultRow `json:"sessions"`
	Total    int                       `json:"total"`
}

// MonitorTemplateSSE godoc
// GET /api/v1/admin/templates/:template_id/monitor
func (h *MonitorHandler) MonitorTemplateSSE(c *gin.Context) {
	templateID, ok := uuidParam(c, "template_id")
	if !ok {
		return
	}

	reqCtx := c.Request.Context()

	// The snapshot doubles as the template existence check.
	rows, pagination, err := h.results.ListTemplateResults(reqCtx, templateID, 1, snapshotSize)
	if err != nil {
		response.FailError(c, err)
		return
	}

	events, err := h.feed.Subscribe(reqCtx, templateID)
	if err != nil {
		h.log.Error().Err(err).Str("template_id", templateID.String()).Msg("Monitor subscribe failed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrUnavailable)
		return
	}

	// SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	total := 0
	if pagination != nil {
		total = pagination.TotalItems
	}
	h.writeEvent(c, snapshotEvent{Type: "snapshot", Sessions: rows, Total: total})

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	// Pre-allocate a reusable ping payload (never changes)
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	h.log.Info().Str("template_id", templateID.String()).Msg("Admin attached to live monitor")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("template_id", templateID.String()).Msg("Admin detached from live monitor")
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			h.writeEvent(c, ev)

		case <-keepAliveTicker.C:
			h.writeData(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) writeEvent(c *gin.Context, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("Marshal monitor event")
		return
	}
	h.writeData(c, payload)
}

func (h *MonitorHandler) writeData(c *gin.Context, payload []byte) {
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(payload)
	_, _ = c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
