package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/events"
	"github.com/orchestrd/orchestrd/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// SubscriptionMessage is sent by a client to subscribe or unsubscribe
// from one or more instance ids.
type SubscriptionMessage struct {
	Action      string   `json:"action"` // subscribe, unsubscribe
	InstanceIDs []string `json:"instance_ids"`
}

// Client represents one WebSocket connection. Unlike the task-room style
// hub this started from, routing isn't the hub's job: each client holds
// its own set of events.Subscriptions, one per instance id it watches,
// since the bus already scopes delivery by subject.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	bus  events.Bus

	mu   sync.Mutex
	subs map[string]events.Subscription

	logger *logger.Logger
}

// NewClient creates a new WebSocket client bound to hub's bus.
func NewClient(id string, conn *websocket.Conn, hub *Hub, bus events.Bus, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		bus:    bus,
		subs:   make(map[string]events.Subscription),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Subscribe starts forwarding notifications for instanceID to the client.
// A repeat subscribe for the same instanceID is a no-op.
func (c *Client) Subscribe(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[instanceID]; ok {
		return
	}
	sub, err := c.bus.Subscribe(instanceID, func(ctx context.Context, n events.Notification) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		c.send <- data
		return nil
	})
	if err != nil {
		c.logger.Warn("subscribe failed", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	c.subs[instanceID] = sub
	c.logger.Debug("subscribed", zap.String("instance_id", instanceID))
}

// Unsubscribe stops forwarding notifications for instanceID.
func (c *Client) Unsubscribe(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[instanceID]; ok {
		sub.Unsubscribe()
		delete(c.subs, instanceID)
		c.logger.Debug("unsubscribed", zap.String("instance_id", instanceID))
	}
}

// closeAll tears down every subscription and closes the send channel.
// Called by the hub, which already holds the lock on its clients map.
func (c *Client) closeAll() {
	c.mu.Lock()
	for id, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, id)
	}
	c.mu.Unlock()
	close(c.send)
}

// ReadPump reads subscription control messages from the connection until
// it closes, then unregisters the client from the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			break
		}

		var msg SubscriptionMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}
		switch msg.Action {
		case "subscribe":
			for _, id := range msg.InstanceIDs {
				c.Subscribe(id)
			}
		case "unsubscribe":
			for _, id := range msg.InstanceIDs {
				c.Unsubscribe(id)
			}
		default:
			c.logger.Warn("unknown action", zap.String("action", msg.Action))
		}
	}
}

// WritePump writes notifications and pings to the connection until send
// is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
