// Package client implements C8: the façade external callers use to start,
// query, and signal orchestration instances. Every method returns only
// after its effects have committed to the store.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/events"
	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/instance"
	"github.com/orchestrd/orchestrd/internal/orchestration/model"
	"github.com/orchestrd/orchestrd/internal/orchestration/session"
	"github.com/orchestrd/orchestrd/internal/store"
)

const waitPollInterval = 30 * time.Second

// CreateInstanceRequest describes a new orchestration instance.
type CreateInstanceRequest struct {
	Name        string
	Version     string
	InstanceID  model.InstanceID // optional; generated if empty
	ExecutionID model.ExecutionID
	Input       string
	Tags        map[string]string
}

// Client is the C8 façade over the session, instance, and event stores.
type Client struct {
	store     *store.Store
	sessions  *session.Store
	instances *instance.Store
	bus       events.Bus
	log       *logger.Logger
}

// New wires a façade over the already-open component stores. bus is
// optional: Subscribe returns an error if called with a nil bus.
func New(st *store.Store, sessions *session.Store, instances *instance.Store, bus events.Bus, log *logger.Logger) *Client {
	return &Client{
		store:     st,
		sessions:  sessions,
		instances: instances,
		bus:       bus,
		log:       log.WithFields(zap.String("component", "client")),
	}
}

// CreateInstance implements spec §4.8's create_instance: generates an
// execution id if req.ExecutionID is empty, appends ExecutionStarted into
// the target session, and writes a Pending snapshot into C5 — all inside
// one transaction.
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*model.OrchestrationState, error) {
	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = model.InstanceID(uuid.New().String())
	}
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = model.ExecutionID(uuid.New().String())
	}

	now := time.Now().UTC()
	state := model.OrchestrationState{
		Instance:    instanceID,
		Execution:   executionID,
		Name:        req.Name,
		Version:     req.Version,
		Input:       req.Input,
		Status:      model.StatusPending,
		CreatedAt:   now,
		LastUpdated: now,
		Tags:        req.Tags,
	}

	err := c.store.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		msg := model.TaskMessage{
			TargetInstance: instanceID,
			Event: model.HistoryEvent{
				EventID: 0,
				Kind:    model.ExecutionStarted,
				Name:    req.Name,
				Version: req.Version,
				Input:   req.Input,
			},
		}
		if err := c.sessions.AppendMessage(ctx, txn, instanceID, msg); err != nil {
			return err
		}
		return c.instances.WriteEntities(ctx, txn, []model.OrchestrationState{state})
	})
	if err != nil {
		return nil, fmt.Errorf("client: create instance %s: %w", instanceID, err)
	}
	return &state, nil
}

// RaiseEvent appends an EventRaised message to instanceID's session.
func (c *Client) RaiseEvent(ctx context.Context, instanceID model.InstanceID, name, input string) error {
	err := c.store.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return c.sessions.AppendMessage(ctx, txn, instanceID, model.TaskMessage{
			TargetInstance: instanceID,
			Event:          model.HistoryEvent{Kind: model.EventRaised, Name: name, Input: input},
		})
	})
	if err != nil {
		return fmt.Errorf("client: raise event %s on %s: %w", name, instanceID, err)
	}
	return nil
}

// TerminateInstance appends an ExecutionTerminated message to instanceID's
// session; the orchestration dispatcher observes it on its next cycle.
func (c *Client) TerminateInstance(ctx context.Context, instanceID model.InstanceID, reason string) error {
	err := c.store.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return c.sessions.AppendMessage(ctx, txn, instanceID, model.TaskMessage{
			TargetInstance: instanceID,
			Event:          model.HistoryEvent{Kind: model.ExecutionTerminated, Reason: reason},
		})
	})
	if err != nil {
		return fmt.Errorf("client: terminate %s: %w", instanceID, err)
	}
	return nil
}

// GetState delegates to C5. An empty execution resolves the instance's
// latest execution.
func (c *Client) GetState(ctx context.Context, instanceID model.InstanceID, execution model.ExecutionID) (*model.OrchestrationState, bool, error) {
	state, ok, err := c.instances.GetState(ctx, instanceID, execution)
	if err != nil {
		return nil, false, fmt.Errorf("client: get state %s: %w", instanceID, err)
	}
	return state, ok, nil
}

// ListInstances enumerates the hot instance dictionary, optionally
// narrowed by filter.
func (c *Client) ListInstances(ctx context.Context, filter instance.ListFilter) ([]model.OrchestrationState, error) {
	states, err := c.instances.ListInstances(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("client: list instances: %w", err)
	}
	return states, nil
}

// WaitForInstance polls GetState every 30s until the execution reaches a
// terminal status or timeout elapses, per spec §4.8.
func (c *Client) WaitForInstance(ctx context.Context, instanceID model.InstanceID, timeout time.Duration) (*model.OrchestrationState, error) {
	deadline := time.Now().Add(timeout)
	for {
		state, ok, err := c.GetState(ctx, instanceID, "")
		if err != nil {
			return nil, err
		}
		if ok && state.Status.Terminal() {
			return state, nil
		}

		if !time.Now().Before(deadline) {
			return state, fmt.Errorf("client: wait for %s: %w", instanceID, context.DeadlineExceeded)
		}

		wait := waitPollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Subscribe bridges to internal/events.Bus: purely observational, and
// never a source of truth for orchestration progress. Returns an error if
// the client was built without a bus.
func (c *Client) Subscribe(ctx context.Context, instanceID model.InstanceID) (<-chan events.Notification, func(), error) {
	if c.bus == nil {
		return nil, nil, fmt.Errorf("client: subscribe %s: no event bus configured", instanceID)
	}

	ch := make(chan events.Notification, 8)
	sub, err := c.bus.Subscribe(string(instanceID), func(ctx context.Context, n events.Notification) error {
		select {
		case ch <- n:
		default:
			c.log.Warn("dropping notification: subscriber channel full", zap.String("instance_id", string(instanceID)))
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("client: subscribe %s: %w", instanceID, err)
	}

	cancel := func() {
		sub.Unsubscribe()
		close(ch)
	}
	return ch, cancel, nil
}
