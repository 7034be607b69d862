package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type realtimeEventPayload struct {
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// handleEventStream serves the principal's account events as server-sent events until the client disconnects.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	userID := principalID(c)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				EventType: message.EventType,
				Data:      message.Payload,
				Timestamp: message.Timestamp,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				EventType: realtimeEventHeartbeat,
				Timestamp: tick.UTC(),
			})
			return true
		}
	})
}
