package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/events"
	"github.com/orchestrd/orchestrd/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves the WebSocket endpoints.
type Handler struct {
	hub    *Hub
	bus    events.Bus
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler backed by hub.
func NewHandler(hub *Hub, bus events.Bus, log *logger.Logger) *Handler {
	return &Handler{hub: hub, bus: bus, logger: log.WithFields(zap.String("component", "streaming_handler"))}
}

// StreamInstance upgrades the connection and subscribes it to a single
// instance's notifications for the life of the connection.
// WS /api/v1/instances/:id/stream
func (h *Handler) StreamInstance(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "MISSING_INSTANCE_ID", "message": "instance id is required"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.bus, h.logger)
	h.hub.Register(client)
	client.Subscribe(instanceID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll upgrades the connection without an initial subscription; the
// client drives which instances it watches via SubscriptionMessages.
// WS /api/v1/instances/stream
func (h *Handler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.bus, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// SetupRoutes adds the WebSocket routes to router.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	router.GET("/instances/:id/stream", handler.StreamInstance)
	router.GET("/instances/stream", handler.StreamAll)
}
