package streaming

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/orchestrd/orchestrd/internal/events"
	"github.com/orchestrd/orchestrd/internal/logger"
)

func setupTestServer(t *testing.T) (events.Bus, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewMemoryBus(logger.Default())
	t.Cleanup(bus.Close)

	hub := NewHub(bus, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	handler := NewHandler(hub, bus, logger.Default())
	router := gin.New()
	v1 := router.Group("/api/v1")
	SetupRoutes(v1, handler)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamInstanceDeliversNotification(t *testing.T) {
	bus, base := setupTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/api/v1/instances/i1/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register and subscribe the client
	// before publishing: the handler does both only after the upgrade that
	// lets Dial return, registration over an unbuffered hub channel.
	time.Sleep(50 * time.Millisecond)

	n := events.NewNotification("i1", "Running", time.Now())
	if err := bus.Publish(context.Background(), "i1", n); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got events.Notification
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.InstanceID != "i1" || got.Status != "Running" {
		t.Fatalf("got %+v, want instance i1 status Running", got)
	}
}

func TestStreamAllRequiresExplicitSubscription(t *testing.T) {
	bus, base := setupTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/api/v1/instances/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	msg := SubscriptionMessage{Action: "subscribe", InstanceIDs: []string{"i2"}}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	n := events.NewNotification("i2", "Completed", time.Now())
	if err := bus.Publish(context.Background(), "i2", n); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var notification events.Notification
	if err := json.Unmarshal(got, &notification); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if notification.InstanceID != "i2" || notification.Status != "Completed" {
		t.Fatalf("got %+v, want instance i2 status Completed", notification)
	}
}
