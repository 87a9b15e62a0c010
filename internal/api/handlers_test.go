package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orchestrd/orchestrd/internal/client"
	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/instance"
	"github.com/orchestrd/orchestrd/internal/orchestration/session"
	"github.com/orchestrd/orchestrd/internal/orchestration/timer"
	"github.com/orchestrd/orchestrd/internal/store"
)

func setupTestHandler(t *testing.T) (*Handler, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	timers, err := timer.Open(ctx, st, time.Second, logger.Default())
	if err != nil {
		t.Fatalf("timer.Open: %v", err)
	}
	sessions, err := session.Open(ctx, st, timers, logger.Default())
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	instances, err := instance.Open(ctx, st, instance.Config{}, logger.Default())
	if err != nil {
		t.Fatalf("instance.Open: %v", err)
	}

	c := client.New(st, sessions, instances, nil, logger.Default())
	handler := NewHandler(c, logger.Default())
	router := gin.New()
	return handler, router
}

func TestHandlerCreateInstance(t *testing.T) {
	handler, router := setupTestHandler(t)
	router.POST("/instances", handler.CreateInstance)

	body := CreateInstanceRequest{Name: "Demo", Version: "1", Input: `{"x":1}`}
	jsonBody, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/instances", bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp InstanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "Pending" || resp.InstanceID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandlerCreateInstanceRejectsMissingFields(t *testing.T) {
	handler, router := setupTestHandler(t)
	router.POST("/instances", handler.CreateInstance)

	req := httptest.NewRequest(http.MethodPost, "/instances", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlerGetInstanceNotFound(t *testing.T) {
	handler, router := setupTestHandler(t)
	router.GET("/instances/:id", handler.GetInstance)

	req := httptest.NewRequest(http.MethodGet, "/instances/nope", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlerGetInstanceFound(t *testing.T) {
	handler, router := setupTestHandler(t)
	router.POST("/instances", handler.CreateInstance)
	router.GET("/instances/:id", handler.GetInstance)

	body, _ := json.Marshal(CreateInstanceRequest{Name: "Demo", Version: "1"})
	createReq := httptest.NewRequest(http.MethodPost, "/instances", bytes.NewBuffer(body))
	createReq.Header.Set("Content-Type", "application/json")
	createW := httptest.NewRecorder()
	router.ServeHTTP(createW, createReq)

	var created InstanceResponse
	_ = json.Unmarshal(createW.Body.Bytes(), &created)

	getReq := httptest.NewRequest(http.MethodGet, "/instances/"+created.InstanceID, nil)
	getW := httptest.NewRecorder()
	router.ServeHTTP(getW, getReq)

	if getW.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", getW.Code, getW.Body.String())
	}
}

func TestHandlerRaiseEventAccepted(t *testing.T) {
	handler, router := setupTestHandler(t)
	router.POST("/instances", handler.CreateInstance)
	router.POST("/instances/:id/events", handler.RaiseEvent)

	body, _ := json.Marshal(CreateInstanceRequest{Name: "Demo", Version: "1"})
	createReq := httptest.NewRequest(http.MethodPost, "/instances", bytes.NewBuffer(body))
	createReq.Header.Set("Content-Type", "application/json")
	createW := httptest.NewRecorder()
	router.ServeHTTP(createW, createReq)

	var created InstanceResponse
	_ = json.Unmarshal(createW.Body.Bytes(), &created)

	eventBody, _ := json.Marshal(RaiseEventRequest{Name: "Approved"})
	eventReq := httptest.NewRequest(http.MethodPost, "/instances/"+created.InstanceID+"/events", bytes.NewBuffer(eventBody))
	eventReq.Header.Set("Content-Type", "application/json")
	eventW := httptest.NewRecorder()
	router.ServeHTTP(eventW, eventReq)

	if eventW.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", eventW.Code, eventW.Body.String())
	}
}

func TestHandlerWaitForInstanceTimesOut(t *testing.T) {
	handler, router := setupTestHandler(t)
	router.POST("/instances", handler.CreateInstance)
	router.GET("/instances/:id/wait", handler.WaitForInstance)

	body, _ := json.Marshal(CreateInstanceRequest{Name: "Demo", Version: "1"})
	createReq := httptest.NewRequest(http.MethodPost, "/instances", bytes.NewBuffer(body))
	createReq.Header.Set("Content-Type", "application/json")
	createW := httptest.NewRecorder()
	router.ServeHTTP(createW, createReq)

	var created InstanceResponse
	_ = json.Unmarshal(createW.Body.Bytes(), &created)

	waitReq := httptest.NewRequest(http.MethodGet, "/instances/"+created.InstanceID+"/wait?timeout_seconds=1", nil)
	waitW := httptest.NewRecorder()
	router.ServeHTTP(waitW, waitReq)

	if waitW.Code != http.StatusRequestTimeout {
		t.Fatalf("expected status 408, got %d: %s", waitW.Code, waitW.Body.String())
	}
}
