// Package dispatch implements C6 (orchestration dispatcher) and C7
// (activity dispatcher): the two background loops that drive sessions and
// activities forward by invoking the external executor/activity
// collaborators and committing their effects.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/events"
	"github.com/orchestrd/orchestrd/internal/executor"
	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/activity"
	"github.com/orchestrd/orchestrd/internal/orchestration/instance"
	"github.com/orchestrd/orchestrd/internal/orchestration/model"
	"github.com/orchestrd/orchestrd/internal/orchestration/session"
	"github.com/orchestrd/orchestrd/internal/store"
)

var (
	ErrAlreadyRunning = errors.New("dispatch: already running")
	ErrNotRunning     = errors.New("dispatch: not running")
)

// ErrContinueAsNewUnsupported is the fail-fast error spec §4.6 step 4
// mandates: continue-as-new transitions are a core non-goal.
var ErrContinueAsNewUnsupported = errors.New("dispatch: continue-as-new is not supported by the core")

// OrchestrationDispatcherConfig bounds one dispatcher's cycle behavior.
type OrchestrationDispatcherConfig struct {
	ReceiveTimeout       time.Duration
	RetryBackoff         time.Duration
	MaxConcurrentWorkers int
}

func (c OrchestrationDispatcherConfig) withDefaults() OrchestrationDispatcherConfig {
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

// OrchestrationDispatcher runs the C6 cycle: accept a session, hand it to
// the external executor, and commit the resulting effects atomically
// across C2, C3, and C5.
type OrchestrationDispatcher struct {
	store      *store.Store
	sessions   *session.Store
	activities *activity.Queue
	instances  *instance.Store
	exec       executor.OrchestrationExecutor
	bus        events.Bus
	cfg        OrchestrationDispatcherConfig
	log        *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewOrchestrationDispatcher wires one dispatcher worker's dependencies.
// bus is optional: a nil bus disables notification publishing entirely,
// since notifications are purely observational and never a source of
// truth for orchestration progress.
func NewOrchestrationDispatcher(
	st *store.Store,
	sessions *session.Store,
	activities *activity.Queue,
	instances *instance.Store,
	exec executor.OrchestrationExecutor,
	bus events.Bus,
	cfg OrchestrationDispatcherConfig,
	log *logger.Logger,
) *OrchestrationDispatcher {
	return &OrchestrationDispatcher{
		store:      st,
		sessions:   sessions,
		activities: activities,
		instances:  instances,
		exec:       exec,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		log:        log.WithFields(zap.String("component", "orchestration-dispatcher")),
	}
}

// Start launches cfg.MaxConcurrentWorkers independent worker goroutines,
// each running its own cycle loop against the shared session store, so
// §6's max_concurrent_orchestrations knob actually bounds fan-out the way
// it does for the activity dispatcher. Start is idempotent per instance:
// calling it twice without an intervening Stop returns ErrAlreadyRunning.
func (d *OrchestrationDispatcher) Start(ctx context.Context) error {
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

// Stop signals the loop to exit and awaits any in-flight cycle's commit
// before returning, per spec §5's cancellation rule: a pending commit is
// never interrupted mid-flight.
func (d *OrchestrationDispatcher) Stop() error {
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

func (d *OrchestrationDispatcher) loop(ctx context.Context) {
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
			d.log.Error("orchestration cycle failed", zap.Error(err))
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

// cycle runs exactly one spec §4.6 iteration. Returning nil with no session
// claimed is the expected idle case; the outer loop re-invokes immediately.
func (d *OrchestrationDispatcher) cycle(ctx context.Context) error {
	sess, err := d.sessions.AcceptSession(ctx, d.cfg.ReceiveTimeout)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	execID, _, err := d.instances.CurrentExecution(ctx, sess.SessionID)
	if err != nil {
		return err
	}

	messages := session.GetSessionMessages(sess)
	item := model.WorkItem{
		InstanceID:   sess.SessionID,
		ExecutionID:  execID,
		RuntimeState: sess.RuntimeState,
		NewMessages:  messages,
	}

	transition, err := d.exec.Execute(ctx, item)
	if err != nil {
		return err
	}
	if transition.ContinueAsNewMsg != nil {
		return ErrContinueAsNewUnsupported
	}

	// The executor is free to leave FinalState.Execution zero; backfill it
	// from the resolved pointer so WriteEntities' composite key always
	// matches the hot row it's meant to replace or clear.
	if transition.FinalState.Execution == "" {
		transition.FinalState.Execution = execID
	}

	err = d.store.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		if len(transition.OutboundActivity) > 0 {
			if err := d.activities.AppendBatch(ctx, txn, transition.OutboundActivity); err != nil {
				return err
			}
		}
		if err := d.sessions.CompleteAndUpdateSession(ctx, txn, sess.SessionID, transition.NewRuntimeState, transition.TimerMsgs); err != nil {
			return err
		}
		if len(transition.OrchestratorMsgs) > 0 {
			if err := d.sessions.AppendMessageBatch(ctx, txn, transition.OrchestratorMsgs); err != nil {
				return err
			}
		}
		return d.instances.WriteEntities(ctx, txn, []model.OrchestrationState{transition.FinalState})
	})
	if err != nil {
		return err
	}

	if d.bus != nil {
		n := events.NewNotification(string(sess.SessionID), string(transition.FinalState.Status), time.Now())
		if err := d.bus.Publish(ctx, string(sess.SessionID), n); err != nil {
			d.log.Warn("publish notification failed", zap.Error(err))
		}
	}

	if transition.FinalState.Status.Terminal() {
		return d.store.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
			return d.sessions.ReleaseSession(ctx, txn, sess.SessionID, true)
		})
	}
	return nil
}
