// Package session implements C2: per-instance persistent sessions holding
// runtime state plus a queue of pending messages, with at-most-one
// in-flight lock per session.
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/model"
	"github.com/orchestrd/orchestrd/internal/store"
)

// DictionaryName is the reserved dictionary name from spec §6.
const DictionaryName = "Sess_Orchestrations"

const pollBackoff = 100 * time.Millisecond

// TimerScheduler is C4's contract as seen by C2: scheduling timers happens
// inside the same commit as a session's transition.
type TimerScheduler interface {
	Schedule(ctx context.Context, txn *store.Txn, entries []model.TimerEntry) error
}

// Store is the session provider (C2).
type Store struct {
	store  *store.Store
	dict   *store.Dict[model.PersistentSession]
	timers TimerScheduler
	log    *logger.Logger
}

// Open gets-or-creates the session dictionary.
func Open(ctx context.Context, st *store.Store, timers TimerScheduler, log *logger.Logger) (*Store, error) {
	dict, err := store.OpenDict[model.PersistentSession](ctx, st, DictionaryName)
	if err != nil {
		return nil, fmt.Errorf("session: open: %w", err)
	}
	return &Store{
		store:  st,
		dict:   dict,
		timers: timers,
		log:    log.WithFields(zap.String("component", "session")),
	}, nil
}

// AcceptSession polls for an unlocked session with at least one unclaimed
// message, atomically claims it (flips session.locked and every currently
// visible message's locked bit), and returns a snapshot. It returns
// (nil, nil) if receiveTimeout elapses with nothing to claim.
func (s *Store) AcceptSession(ctx context.Context, receiveTimeout time.Duration) (*model.PersistentSession, error) {
	deadline := time.Now().Add(receiveTimeout)
	for {
		sess, ok, err := s.tryClaimAny(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return sess, nil
		}

		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollBackoff):
		}
	}
}

// tryClaimAny scans all sessions once for a claimable candidate. Scanning
// is O(N) over sessions per spec §4.2 — acceptable for bounded instance
// counts, not a suitable design for unbounded concurrent instance fleets.
func (s *Store) tryClaimAny(ctx context.Context) (*model.PersistentSession, bool, error) {
	entries, err := s.dict.Enumerate(ctx, store.Unordered)
	if err != nil {
		return nil, false, fmt.Errorf("session: scan: %w", err)
	}

	for _, e := range entries {
		if e.Value.Locked || !hasUnlockedMessage(e.Value) {
			continue
		}
		claimed, ok, err := s.claim(ctx, e.Key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return claimed, true, nil
		}
	}
	return nil, false, nil
}

func hasUnlockedMessage(sess model.PersistentSession) bool {
	for _, m := range sess.Messages {
		if !m.Locked {
			return true
		}
	}
	return false
}

// claim re-reads the session inside its own transaction and flips locks
// only if it is still claimable, guarding the race between the scan above
// and a concurrent dispatcher worker's own claim attempt.
func (s *Store) claim(ctx context.Context, instanceID string) (*model.PersistentSession, bool, error) {
	var result *model.PersistentSession
	err := s.store.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		sess, ok, err := s.dict.TryGet(ctx, txn, instanceID)
		if err != nil {
			return err
		}
		if !ok || sess.Locked || !hasUnlockedMessage(sess) {
			return nil
		}

		for i := range sess.Messages {
			sess.Messages[i].Locked = true
		}
		sess.Locked = true

		if err := s.dict.Set(ctx, txn, instanceID, sess); err != nil {
			return err
		}
		result = &sess
		return nil
	})
	return result, result != nil, err
}

// GetSessionMessages is a pure projection over the snapshot AcceptSession
// returned: the messages claimed by that call, in append order.
func GetSessionMessages(sess *model.PersistentSession) []model.TaskMessage {
	var out []model.TaskMessage
	for _, m := range sess.Messages {
		if m.Locked {
			out = append(out, m.Message)
		}
	}
	return out
}

// CompleteAndUpdateSession replaces the session's runtime state, removes
// the messages this cycle claimed (any appended meanwhile stay queued for
// the next cycle), schedules timerMessages via C4, and clears the lock.
func (s *Store) CompleteAndUpdateSession(
	ctx context.Context,
	txn *store.Txn,
	instanceID model.InstanceID,
	newRuntimeState []model.HistoryEvent,
	timerMessages []model.TimerEntry,
) error {
	sess, ok, err := s.dict.TryGet(ctx, txn, string(instanceID))
	if err != nil {
		return fmt.Errorf("session: complete %s: %w", instanceID, err)
	}
	if !ok {
		return fmt.Errorf("session: complete %s: session not found", instanceID)
	}

	sess.RuntimeState = newRuntimeState
	sess.Messages = removeLocked(sess.Messages)
	sess.Locked = false

	if err := s.dict.Set(ctx, txn, string(instanceID), sess); err != nil {
		return fmt.Errorf("session: complete %s: %w", instanceID, err)
	}

	if len(timerMessages) > 0 {
		if err := s.timers.Schedule(ctx, txn, timerMessages); err != nil {
			return fmt.Errorf("session: complete %s: schedule timers: %w", instanceID, err)
		}
	}
	return nil
}

func removeLocked(messages []model.LockableTaskMessage) []model.LockableTaskMessage {
	kept := make([]model.LockableTaskMessage, 0, len(messages))
	for _, m := range messages {
		if !m.Locked {
			kept = append(kept, m)
		}
	}
	return kept
}

// AppendMessage upserts target's session queue with message appended,
// creating the session (fresh runtime state, unlocked) if missing.
func (s *Store) AppendMessage(ctx context.Context, txn *store.Txn, target model.InstanceID, msg model.TaskMessage) error {
	fresh := model.PersistentSession{
		SessionID: target,
		Messages:  []model.LockableTaskMessage{{Message: msg}},
	}
	err := s.dict.AddOrUpdate(ctx, txn, string(target), fresh, func(existing model.PersistentSession) model.PersistentSession {
		existing.SessionID = target
		existing.Messages = append(existing.Messages, model.LockableTaskMessage{Message: msg})
		return existing
	})
	if err != nil {
		return fmt.Errorf("session: append to %s: %w", target, err)
	}
	return nil
}

// AppendMessageBatch appends each message in order, preserving the
// per-session append order invariant even when messages target different
// sessions.
func (s *Store) AppendMessageBatch(ctx context.Context, txn *store.Txn, messages []model.TaskMessage) error {
	for _, m := range messages {
		if err := s.AppendMessage(ctx, txn, m.TargetInstance, m); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseSession clears a session's lock, or removes it entirely when the
// caller reports the execution reached a terminal status (spec §9: terminal
// sessions are garbage-collected at release, and also swept at boot — see
// BootSweep — to cover a crash between commit and release).
func (s *Store) ReleaseSession(ctx context.Context, txn *store.Txn, instanceID model.InstanceID, terminal bool) error {
	if terminal {
		if _, err := s.dict.TryRemove(ctx, txn, string(instanceID)); err != nil {
			return fmt.Errorf("session: release %s: %w", instanceID, err)
		}
		return nil
	}

	sess, ok, err := s.dict.TryGet(ctx, txn, string(instanceID))
	if err != nil {
		return fmt.Errorf("session: release %s: %w", instanceID, err)
	}
	if !ok {
		return nil
	}
	sess.Locked = false
	if err := s.dict.Set(ctx, txn, string(instanceID), sess); err != nil {
		return fmt.Errorf("session: release %s: %w", instanceID, err)
	}
	return nil
}

// BootSweep clears every stale locked bit — session-level and per-message
// — left behind by a crashed dispatcher cycle, and releases any session
// whose runtime state already ended in a terminal event (spec §9's
// "terminal session garbage" resolution: release is guaranteed at boot even
// if a crash occurred between commit and the explicit release step).
func (s *Store) BootSweep(ctx context.Context) error {
	entries, err := s.dict.Enumerate(ctx, store.Unordered)
	if err != nil {
		return fmt.Errorf("session: boot sweep: %w", err)
	}

	for _, e := range entries {
		if terminalHistory(e.Value.RuntimeState) {
			if _, err := s.dict.TryRemove(ctx, nil, e.Key); err != nil {
				return fmt.Errorf("session: boot sweep remove %s: %w", e.Key, err)
			}
			continue
		}

		changed := e.Value.Locked
		e.Value.Locked = false
		for i := range e.Value.Messages {
			if e.Value.Messages[i].Locked {
				e.Value.Messages[i].Locked = false
				changed = true
			}
		}
		if changed {
			if err := s.dict.Set(ctx, nil, e.Key, e.Value); err != nil {
				return fmt.Errorf("session: boot sweep update %s: %w", e.Key, err)
			}
		}
	}
	return nil
}

func terminalHistory(history []model.HistoryEvent) bool {
	if len(history) == 0 {
		return false
	}
	switch history[len(history)-1].Kind {
	case model.ExecutionCompleted, model.ExecutionFailed, model.ExecutionTerminated:
		return true
	default:
		return false
	}
}
