// Package timer implements C4: an ordered set of future-dated messages
// that wakes on a capped tick (or an interrupt on new schedules) and
// re-injects fired entries into their target session.
package timer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/model"
	"github.com/orchestrd/orchestrd/internal/store"
)

// DictionaryName is the reserved dictionary name from spec §6.
const DictionaryName = "Timer_Set"

const maxFireBatch = 256

// SessionSink is the part of C2 the timer loop needs to re-inject a fired
// timer's message into its target session.
type SessionSink interface {
	AppendMessage(ctx context.Context, txn *store.Txn, target model.InstanceID, msg model.TaskMessage) error
}

// Scheduler is the timer provider (C4).
type Scheduler struct {
	store   *store.Store
	dict    *store.Dict[model.TimerEntry]
	log     *logger.Logger
	tickCap time.Duration
	wake    chan struct{}
}

// Open gets-or-creates the timer dictionary. tickCap bounds how long the
// background loop ever sleeps between wake_delay checks (spec default 1s).
func Open(ctx context.Context, st *store.Store, tickCap time.Duration, log *logger.Logger) (*Scheduler, error) {
	dict, err := store.OpenDict[model.TimerEntry](ctx, st, DictionaryName)
	if err != nil {
		return nil, fmt.Errorf("timer: open: %w", err)
	}
	if tickCap <= 0 {
		tickCap = time.Second
	}
	return &Scheduler{
		store:   st,
		dict:    dict,
		log:     log.WithFields(zap.String("component", "timer")),
		tickCap: tickCap,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Schedule inserts entries and signals the background loop to re-evaluate
// its wake delay immediately, rather than waiting out its current sleep.
func (s *Scheduler) Schedule(ctx context.Context, txn *store.Txn, entries []model.TimerEntry) error {
	for _, e := range entries {
		if _, err := s.dict.Append(ctx, txn, e); err != nil {
			return fmt.Errorf("timer: schedule: %w", err)
		}
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// sorted returns every live entry ordered by (fire_at, tiebreak).
func (s *Scheduler) sorted(ctx context.Context) ([]store.Entry[model.TimerEntry], error) {
	entries, err := s.dict.Enumerate(ctx, store.Unordered)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Value.Less(entries[j].Value)
	})
	return entries, nil
}

// WakeDelay returns the time until the earliest fire_at, or tickCap if the
// set is empty or the earliest is further out than tickCap — callers sleep
// min(wake_delay, tickCap) per spec §4.4.
func (s *Scheduler) WakeDelay(ctx context.Context, now time.Time) (time.Duration, error) {
	entries, err := s.sorted(ctx)
	if err != nil {
		return 0, fmt.Errorf("timer: wake delay: %w", err)
	}
	if len(entries) == 0 {
		return s.tickCap, nil
	}
	d := entries[0].Value.FireAt.Sub(now)
	if d < 0 {
		d = 0
	}
	if d > s.tickCap {
		d = s.tickCap
	}
	return d, nil
}

// PopFired removes and returns, in ascending fire order, every entry whose
// fire_at is at or before now, up to maxBatch entries, atomically within
// txn.
func (s *Scheduler) PopFired(ctx context.Context, txn *store.Txn, now time.Time, maxBatch int) ([]model.TimerEntry, error) {
	entries, err := s.sorted(ctx)
	if err != nil {
		return nil, fmt.Errorf("timer: pop fired: %w", err)
	}

	var fired []model.TimerEntry
	for _, e := range entries {
		if len(fired) >= maxBatch {
			break
		}
		if e.Value.FireAt.After(now) {
			break
		}
		if _, err := s.dict.TryRemove(ctx, txn, e.Key); err != nil {
			return nil, fmt.Errorf("timer: pop fired: %w", err)
		}
		fired = append(fired, e.Value)
	}
	return fired, nil
}

// Run is the background wake-and-fire loop: sleep min(wake_delay, tickCap),
// then in one transaction pop up to maxFireBatch expired entries and append
// each into its target session; any still due are popped on the next pass,
// which then sleeps zero. The sleep is interruptible by Schedule. Run returns when
// ctx is canceled, after letting any in-flight commit finish.
func (s *Scheduler) Run(ctx context.Context, sink SessionSink) error {
	for {
		delay, err := s.WakeDelay(ctx, time.Now())
		if err != nil {
			s.log.Error("wake delay", zap.Error(err))
			delay = s.tickCap
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if err := s.fireDue(ctx, sink); err != nil {
			s.log.Error("fire due timers", zap.Error(err))
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, sink SessionSink) error {
	return s.store.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		fired, err := s.PopFired(ctx, txn, time.Now(), maxFireBatch)
		if err != nil {
			return err
		}
		for _, f := range fired {
			if err := sink.AppendMessage(ctx, txn, f.Target.TargetInstance, f.Target); err != nil {
				return fmt.Errorf("timer: inject fired message: %w", err)
			}
		}
		if len(fired) > 0 {
			s.log.Info("timers fired", zap.Int("count", len(fired)))
		}
		return nil
	})
}
