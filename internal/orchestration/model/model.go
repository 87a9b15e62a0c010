// Package model holds the durable entities shared by every orchestration
// component: history events, sessions, instance state, and the
// request/response shapes exchanged with the external executor.
package model

import "time"

// InstanceID identifies one orchestration instance across its executions.
type InstanceID string

// ExecutionID identifies a single execution of an instance.
type ExecutionID string

// HistoryEventKind discriminates HistoryEvent's fields. Go has no sum
// types, so the tagged-variant design note maps to one flattened struct
// with a Kind tag and the per-kind fields left zero when unused, rather
// than an interface hierarchy.
type HistoryEventKind string

const (
	ExecutionStarted                    HistoryEventKind = "ExecutionStarted"
	ExecutionCompleted                  HistoryEventKind = "ExecutionCompleted"
	ExecutionFailed                     HistoryEventKind = "ExecutionFailed"
	ExecutionTerminated                 HistoryEventKind = "ExecutionTerminated"
	TaskScheduled                       HistoryEventKind = "TaskScheduled"
	TaskCompleted                       HistoryEventKind = "TaskCompleted"
	TaskFailed                          HistoryEventKind = "TaskFailed"
	TimerCreated                        HistoryEventKind = "TimerCreated"
	TimerFired                          HistoryEventKind = "TimerFired"
	SubOrchestrationInstanceCreated     HistoryEventKind = "SubOrchestrationInstanceCreated"
	SubOrchestrationInstanceCompleted   HistoryEventKind = "SubOrchestrationInstanceCompleted"
	SubOrchestrationInstanceFailed      HistoryEventKind = "SubOrchestrationInstanceFailed"
	SubOrchestrationInstanceStartFailed HistoryEventKind = "SubOrchestrationInstanceStartFailed"
	EventRaised                         HistoryEventKind = "EventRaised"
)

// HistoryEvent is one entry in an execution's replayable history.
type HistoryEvent struct {
	EventID int64            `json:"event_id"`
	Kind    HistoryEventKind `json:"kind"`

	// TaskScheduledID correlates TaskCompleted/TaskFailed back to the
	// TaskScheduled event_id they answer; left zero on every other kind.
	TaskScheduledID int64 `json:"task_scheduled_id,omitempty"`

	Name    string `json:"name,omitempty"`    // activity/orchestration/event name
	Version string `json:"version,omitempty"` // orchestration or activity version
	Input   string `json:"input,omitempty"`   // opaque JSON payload
	Output  string `json:"output,omitempty"`  // opaque JSON payload

	Reason  string `json:"reason,omitempty"`  // TaskFailed / ExecutionTerminated reason
	Details string `json:"details,omitempty"` // TaskFailed details
	Cause   string `json:"cause,omitempty"`   // SubOrchestrationInstanceStartFailed cause

	FireAt time.Time `json:"fire_at,omitempty"` // TimerCreated / TimerFired
}

// TaskMessage envelopes a HistoryEvent addressed at a target session.
type TaskMessage struct {
	TargetInstance InstanceID   `json:"target_instance"`
	Event          HistoryEvent `json:"event"`
}

// LockableTaskMessage is a session-queue entry that a dispatcher cycle can
// claim exclusively.
type LockableTaskMessage struct {
	Message TaskMessage `json:"message"`
	Locked  bool        `json:"locked"`
}

// PersistentSession is the durable, per-instance container of runtime
// state and inbound messages. It is handled as a value: session-package
// operations decode a fresh copy from the store, change that copy, and
// write it back as the new stored session.
type PersistentSession struct {
	SessionID    InstanceID            `json:"session_id"`
	RuntimeState []HistoryEvent        `json:"runtime_state"`
	Messages     []LockableTaskMessage `json:"messages"`
	Locked       bool                  `json:"locked"`
}

// Status is the lifecycle stage of one execution.
type Status string

const (
	StatusPending        Status = "Pending"
	StatusRunning        Status = "Running"
	StatusCompleted      Status = "Completed"
	StatusContinuedAsNew Status = "ContinuedAsNew"
	StatusFailed         Status = "Failed"
	StatusCanceled       Status = "Canceled"
	StatusTerminated     Status = "Terminated"
)

// Terminal reports whether the status ends the execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusContinuedAsNew, StatusFailed, StatusCanceled, StatusTerminated:
		return true
	default:
		return false
	}
}

// OrchestrationState is the latest known snapshot of one execution.
type OrchestrationState struct {
	Instance    InstanceID        `json:"instance"`
	Execution   ExecutionID       `json:"execution"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Input       string            `json:"input"`
	Output      string            `json:"output"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	LastUpdated time.Time         `json:"last_updated"`
	Size        int64             `json:"size"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// TimerEntry is a future-dated message waiting in the timer scheduler,
// ordered by (FireAt, tiebreak). The tiebreak is derived, not stored: see
// Less.
type TimerEntry struct {
	FireAt time.Time   `json:"fire_at"`
	Target TaskMessage `json:"target"`
}

// Less implements the deterministic (fire_at, target_instance, event_id)
// ordering spec.md §4.4 requires: earlier fire time first, then
// lexicographically earlier target instance, then lower event id.
func (t TimerEntry) Less(other TimerEntry) bool {
	if !t.FireAt.Equal(other.FireAt) {
		return t.FireAt.Before(other.FireAt)
	}
	if t.Target.TargetInstance != other.Target.TargetInstance {
		return t.Target.TargetInstance < other.Target.TargetInstance
	}
	return t.Target.Event.EventID < other.Target.Event.EventID
}

// ActivityEntry is one outbound activity message waiting in the activity
// queue, keyed by a store-assigned monotonic id (see store.Dict's seq
// column, surfaced as the dictionary entry's own key) rather than any id
// the executor itself produced — spec.md §9's "ambiguity: activity queue
// key" resolution.
type ActivityEntry struct {
	Message TaskMessage `json:"message"`
	Locked  bool        `json:"locked"`
}

// WorkItem is handed to the external executor on each orchestration cycle.
// ExecutionID is the instance's current execution, resolved from C5's
// latest-execution pointer before the executor runs, so a Transition's
// FinalState can always be written back under the right composite key
// even when the executor itself leaves FinalState.Execution zero.
type WorkItem struct {
	InstanceID   InstanceID
	ExecutionID  ExecutionID
	RuntimeState []HistoryEvent
	NewMessages  []TaskMessage
}

// Transition is the external executor's response to one WorkItem.
type Transition struct {
	NewRuntimeState  []HistoryEvent
	OutboundActivity []TaskMessage
	OrchestratorMsgs []TaskMessage
	TimerMsgs        []TimerEntry
	ContinueAsNewMsg *TaskMessage
	FinalState       OrchestrationState
}
