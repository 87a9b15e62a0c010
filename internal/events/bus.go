// Package events provides a publish/subscribe notification bus used to
// fan out instance-status-changed notifications to external subscribers.
// It is purely observational: dispatchers never block on delivery, and a
// down subscriber never affects orchestration progress.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Notification is one instance-status-changed event published after a
// dispatcher commit.
type Notification struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewNotification stamps a fresh notification with a uuid and the given
// timestamp (callers supply "now" so tests stay deterministic).
func NewNotification(instanceID, status string, now time.Time) Notification {
	return Notification{ID: uuid.New().String(), InstanceID: instanceID, Status: status, Timestamp: now}
}

// Handler processes one notification delivered to a subscription.
type Handler func(ctx context.Context, n Notification) error

// Subscription is an active subscription; Unsubscribe stops further
// delivery and is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// Bus publishes notifications to subject-scoped subscribers. Subjects are
// instance ids; subscribers only receive notifications for the subject
// they subscribed to.
type Bus interface {
	Publish(ctx context.Context, subject string, n Notification) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}
