package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"groundlink/internal/broadcast"
	"groundlink/internal/websocket"
	"groundlink/pkg/config"
	"groundlink/pkg/logging"
	"groundlink/pkg/version"
)

// RelayHandlers contains the HTTP handlers for the service
type RelayHandlers struct {
	hub         *websocket.Hub
	broadcaster *broadcast.Broadcaster
	cfg         config.Sources
	logger      logging.Logger
	startTime   time.Time
}

// NewRelayHandlers creates a new handlers instance
func NewRelayHandlers(hub *websocket.Hub, b *broadcast.Broadcaster, cfg config.Sources, logger logging.Logger) *RelayHandlers {
	return &RelayHandlers{
		hub:         hub,
		broadcaster: b,
		cfg:         cfg,
		logger:      logger,
		startTime:   time.Now(),
	}
}

// HandleWebSocket serves viewer WebSocket connections
func (h *RelayHandlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// HandleHealth reports service liveness plus the last-known state of
// both data sources. Degraded means at least one enabled source is not
// delivering; the endpoint itself still answers 200.
func (h *RelayHandlers) HandleHealth(c *gin.Context) {
	health := h.broadcaster.Health()

	status := "healthy"
	if (health.Push.Enabled && !health.Push.Connected) ||
		(health.Poll.Enabled && !health.Poll.Polling) {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"service":   "groundlink",
		"version":   version.Version,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"clients":   h.hub.ClientCount(),
		"sources":   health,
	})
}

// HandleSources exposes the source configuration with credentials
// stripped.
func (h *RelayHandlers) HandleSources(c *gin.Context) {
	c.JSON(http.StatusOK, h.cfg.Redacted())
}

// HandleNotFound provides a custom 404 handler
func (h *RelayHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"service": "groundlink",
		"message": "Endpoint not found",
	})
}
