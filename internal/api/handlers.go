package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/apperrors"
	"github.com/orchestrd/orchestrd/internal/client"
	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/instance"
	"github.com/orchestrd/orchestrd/internal/orchestration/model"
)

const defaultWaitTimeout = 60 * time.Second

// Handler contains HTTP handlers for the orchestration client API.
type Handler struct {
	client *client.Client
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(c *client.Client, log *logger.Logger) *Handler {
	return &Handler{client: c, logger: log}
}

func respondError(c *gin.Context, appErr *apperrors.AppError) {
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateInstance starts a new orchestration instance.
// POST /api/v1/instances
func (h *Handler) CreateInstance(c *gin.Context) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	state, err := h.client.CreateInstance(c.Request.Context(), client.CreateInstanceRequest{
		Name:       req.Name,
		Version:    req.Version,
		InstanceID: model.InstanceID(req.InstanceID),
		Input:      req.Input,
		Tags:       req.Tags,
	})
	if err != nil {
		h.logger.Error("failed to create instance", zap.Error(err))
		respondError(c, apperrors.InternalError("failed to create instance", err))
		return
	}

	c.JSON(http.StatusCreated, stateToResponse(state))
}

// GetInstance retrieves an instance's latest (or a specific) execution
// state.
// GET /api/v1/instances/:id
func (h *Handler) GetInstance(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		respondError(c, apperrors.BadRequest("id is required"))
		return
	}
	execution := c.Query("execution_id")

	state, ok, err := h.client.GetState(c.Request.Context(), model.InstanceID(instanceID), model.ExecutionID(execution))
	if err != nil {
		respondError(c, apperrors.InternalError("failed to get instance state", err))
		return
	}
	if !ok {
		respondError(c, apperrors.InstanceNotFound(instanceID))
		return
	}

	c.JSON(http.StatusOK, stateToResponse(state))
}

// ListInstances lists hot instances, optionally filtered by status/name.
// GET /api/v1/instances
func (h *Handler) ListInstances(c *gin.Context) {
	filter := instance.ListFilter{
		Status: model.Status(c.Query("status")),
		Name:   c.Query("name"),
	}

	states, err := h.client.ListInstances(c.Request.Context(), filter)
	if err != nil {
		respondError(c, apperrors.InternalError("failed to list instances", err))
		return
	}

	resp := &InstancesListResponse{Instances: make([]*InstanceResponse, 0, len(states)), Total: len(states)}
	for i := range states {
		resp.Instances = append(resp.Instances, stateToResponse(&states[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// RaiseEvent injects an external event into a running instance.
// POST /api/v1/instances/:id/events
func (h *Handler) RaiseEvent(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		respondError(c, apperrors.BadRequest("id is required"))
		return
	}

	var req RaiseEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	if err := h.client.RaiseEvent(c.Request.Context(), model.InstanceID(instanceID), req.Name, req.Input); err != nil {
		respondError(c, apperrors.InternalError("failed to raise event", err))
		return
	}

	c.Status(http.StatusAccepted)
}

// TerminateInstance requests early termination of a running instance.
// POST /api/v1/instances/:id/terminate
func (h *Handler) TerminateInstance(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		respondError(c, apperrors.BadRequest("id is required"))
		return
	}

	var req TerminateInstanceRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.client.TerminateInstance(c.Request.Context(), model.InstanceID(instanceID), req.Reason); err != nil {
		respondError(c, apperrors.InternalError("failed to terminate instance", err))
		return
	}

	c.Status(http.StatusAccepted)
}

// WaitForInstance blocks until instanceID's execution reaches a terminal
// status, the request's timeout elapses, or the client disconnects.
// GET /api/v1/instances/:id/wait
func (h *Handler) WaitForInstance(c *gin.Context) {
	instanceID := c.Param("id")
	if instanceID == "" {
		respondError(c, apperrors.BadRequest("id is required"))
		return
	}

	timeout := defaultWaitTimeout
	if raw := c.Query("timeout_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			respondError(c, apperrors.BadRequest("timeout_seconds must be a positive integer"))
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	state, err := h.client.WaitForInstance(c.Request.Context(), model.InstanceID(instanceID), timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			respondError(c, &apperrors.AppError{
				Code:       "TIMEOUT",
				Message:    "timed out waiting for instance to reach a terminal status",
				HTTPStatus: http.StatusRequestTimeout,
				Err:        err,
			})
			return
		}
		respondError(c, apperrors.InternalError("failed waiting for instance", err))
		return
	}

	c.JSON(http.StatusOK, stateToResponse(state))
}

func stateToResponse(state *model.OrchestrationState) *InstanceResponse {
	return &InstanceResponse{
		InstanceID:  string(state.Instance),
		ExecutionID: string(state.Execution),
		Name:        state.Name,
		Version:     state.Version,
		Status:      string(state.Status),
		Input:       state.Input,
		Output:      state.Output,
		CreatedAt:   state.CreatedAt,
		CompletedAt: state.CompletedAt,
		LastUpdated: state.LastUpdated,
		Tags:        state.Tags,
	}
}
