package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/executor"
	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/activity"
	"github.com/orchestrd/orchestrd/internal/orchestration/model"
	"github.com/orchestrd/orchestrd/internal/orchestration/session"
	"github.com/orchestrd/orchestrd/internal/store"
)

// ActivityDispatcherConfig bounds the worker fan-out and receive timeout.
type ActivityDispatcherConfig struct {
	ReceiveTimeout       time.Duration
	RetryBackoff         time.Duration
	MaxConcurrentWorkers int
}

func (c ActivityDispatcherConfig) withDefaults() ActivityDispatcherConfig {
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxConcurrentWorkers <= 0 {
		c.MaxConcurrentWorkers = 1
	}
	return c
}

// ActivityDispatcher runs the C7 cycle: claim a work item, run the
// registered activity, and commit its response back into the target
// session. Workers share no mutable state besides C1/C2/C3, per spec §4.7.
type ActivityDispatcher struct {
	store      *store.Store
	activities *activity.Queue
	sessions   *session.Store
	registry   *executor.Registry
	cfg        ActivityDispatcherConfig
	log        *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewActivityDispatcher wires one activity dispatcher's dependencies.
func NewActivityDispatcher(
	st *store.Store,
	activities *activity.Queue,
	sessions *session.Store,
	registry *executor.Registry,
	cfg ActivityDispatcherConfig,
	log *logger.Logger,
) *ActivityDispatcher {
	return &ActivityDispatcher{
		store:      st,
		activities: activities,
		sessions:   sessions,
		registry:   registry,
		cfg:        cfg.withDefaults(),
		log:        log.WithFields(zap.String("component", "activity-dispatcher")),
	}
}

// Start launches cfg.MaxConcurrentWorkers independent worker goroutines,
// each running its own cycle loop.
func (d *ActivityDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	for i := 0; i < d.cfg.MaxConcurrentWorkers; i++ {
		d.wg.Add(1)
		go d.loop(ctx)
	}
	return nil
}

// Stop signals every worker to exit and awaits all in-flight commits.
func (d *ActivityDispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func (d *ActivityDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		if err := d.cycle(ctx); err != nil {
			d.log.Error("activity cycle failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-time.After(d.cfg.RetryBackoff):
			}
		}
	}
}

// cycle runs exactly one spec §4.7 iteration.
func (d *ActivityDispatcher) cycle(ctx context.Context) error {
	msg, err := d.activities.GetNextWorkItem(ctx, d.cfg.ReceiveTimeout)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	response := d.run(ctx, *msg)

	return d.store.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		if err := d.activities.CompleteWorkItem(ctx, txn, *msg); err != nil {
			return err
		}
		return d.sessions.AppendMessage(ctx, txn, msg.TargetInstance, response)
	})
}

// run invokes the scheduled activity and maps its outcome onto the
// TaskCompleted/TaskFailed response message spec §4.7 step 3 describes. A
// missing registration synthesizes a TaskFailed without ever calling Run.
func (d *ActivityDispatcher) run(ctx context.Context, msg model.TaskMessage) model.TaskMessage {
	event := msg.Event
	if event.Kind != model.TaskScheduled {
		return d.failure(msg, "activity queue entry is not a TaskScheduled event", "")
	}

	impl, err := d.registry.Lookup(event.Name, event.Version)
	if err != nil {
		if errors.Is(err, executor.ErrActivityNotRegistered) {
			return d.failure(msg, "TypeMissing", event.Name+"@"+event.Version)
		}
		return d.failure(msg, err.Error(), "")
	}

	output, err := impl.Run(ctx, event.Input)
	if err != nil {
		var taskFailure *executor.TaskFailure
		if errors.As(err, &taskFailure) {
			return d.failure(msg, taskFailure.Reason, taskFailure.Details)
		}
		return d.failure(msg, err.Error(), "")
	}

	return model.TaskMessage{
		TargetInstance: msg.TargetInstance,
		Event: model.HistoryEvent{
			EventID:         -1,
			Kind:            model.TaskCompleted,
			TaskScheduledID: event.EventID,
			Output:          output,
		},
	}
}

func (d *ActivityDispatcher) failure(msg model.TaskMessage, reason, details string) model.TaskMessage {
	return model.TaskMessage{
		TargetInstance: msg.TargetInstance,
		Event: model.HistoryEvent{
			EventID:         -1,
			Kind:            model.TaskFailed,
			TaskScheduledID: msg.Event.EventID,
			Reason:          reason,
			Details:         details,
		},
	}
}
