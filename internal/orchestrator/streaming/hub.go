// Package streaming exposes instance status notifications to WebSocket
// clients, bridging internal/events' publish/subscribe bus out to
// browsers without requiring a poll loop on either side.
package streaming

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/events"
	"github.com/orchestrd/orchestrd/internal/logger"
)

// Hub tracks connected WebSocket clients. Routing notifications to the
// right client is the event bus's job (subjects are instance ids); the
// hub only needs to know which clients are alive so it can close them
// all down on shutdown.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	bus events.Bus

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub backed by bus.
func NewHub(bus events.Bus, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		bus:        bus,
		logger:     log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Run starts the hub's registration loop until ctx is canceled, closing
// every connected client's subscriptions and send channel on exit.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.closeAll()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", c.ID))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeAll()
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", c.ID))
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
