// Package api provides the HTTP handlers for the orchestration engine's
// client-facing surface.
package api

import "time"

// CreateInstanceRequest for starting a new orchestration instance.
type CreateInstanceRequest struct {
	Name       string            `json:"name" binding:"required"`
	Version    string            `json:"version" binding:"required"`
	InstanceID string            `json:"instance_id,omitempty"`
	Input      string            `json:"input,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// RaiseEventRequest for injecting an external event into a running instance.
type RaiseEventRequest struct {
	Name  string `json:"name" binding:"required"`
	Input string `json:"input,omitempty"`
}

// TerminateInstanceRequest for requesting early termination.
type TerminateInstanceRequest struct {
	Reason string `json:"reason,omitempty"`
}

// InstanceResponse represents one execution's snapshot in API responses.
type InstanceResponse struct {
	InstanceID  string            `json:"instance_id"`
	ExecutionID string            `json:"execution_id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Status      string            `json:"status"`
	Input       string            `json:"input,omitempty"`
	Output      string            `json:"output,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	LastUpdated time.Time         `json:"last_updated"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// InstancesListResponse for listing instances.
type InstancesListResponse struct {
	Instances []*InstanceResponse `json:"instances"`
	Total     int                 `json:"total"`
}
