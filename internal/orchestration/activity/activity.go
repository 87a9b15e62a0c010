// Package activity implements C3: an append-order persistent queue of
// outbound activity messages with lock/complete/abandon semantics.
package activity

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
const DictionaryName = "Act_Queue"

const pollBackoff = 100 * time.Millisecond

// Queue is the activity queue provider (C3).
type Queue struct {
	store *store.Store
	dict  *store.Dict[model.ActivityEntry]
	log   *logger.Logger
}

// Open gets-or-creates the activity queue dictionary.
func Open(ctx context.Context, st *store.Store, log *logger.Logger) (*Queue, error) {
	dict, err := store.OpenDict[model.ActivityEntry](ctx, st, DictionaryName)
	if err != nil {
		return nil, fmt.Errorf("activity: open: %w", err)
	}
	return &Queue{
		store: st,
		dict:  dict,
		log:   log.WithFields(zap.String("component", "activity-queue")),
	}, nil
}

// AppendBatch appends each message, in order, under a fresh monotonic key.
func (q *Queue) AppendBatch(ctx context.Context, txn *store.Txn, messages []model.TaskMessage) error {
	for _, m := range messages {
		if _, err := q.dict.Append(ctx, txn, model.ActivityEntry{Message: m}); err != nil {
			return fmt.Errorf("activity: append batch: %w", err)
		}
	}
	return nil
}

// GetNextWorkItem scans for the first unlocked entry, flips its lock in a
// short transaction of its own, and returns it. It returns (nil, nil) if
// receiveTimeout elapses with nothing to claim.
func (q *Queue) GetNextWorkItem(ctx context.Context, receiveTimeout time.Duration) (*model.TaskMessage, error) {
	deadline := time.Now().Add(receiveTimeout)
	for {
		msg, ok, err := q.tryClaimNext(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
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

func (q *Queue) tryClaimNext(ctx context.Context) (*model.TaskMessage, bool, error) {
	entries, err := q.dict.Enumerate(ctx, store.Ordered)
	if err != nil {
		return nil, false, fmt.Errorf("activity: scan: %w", err)
	}

	for _, e := range entries {
		if e.Value.Locked {
			continue
		}
		claimed, ok, err := q.claim(ctx, e.Key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return claimed, true, nil
		}
	}
	return nil, false, nil
}

func (q *Queue) claim(ctx context.Context, key string) (*model.TaskMessage, bool, error) {
	var result *model.TaskMessage
	err := q.store.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		entry, ok, err := q.dict.TryGet(ctx, txn, key)
		if err != nil {
			return err
		}
		if !ok || entry.Locked {
			return nil
		}
		entry.Locked = true
		if err := q.dict.Set(ctx, txn, key, entry); err != nil {
			return err
		}
		msg := entry.Message
		result = &msg
		return nil
	})
	return result, result != nil, err
}

// CompleteWorkItem removes the queue entry matching msg exactly (same
// target and event id), within the caller's transaction.
func (q *Queue) CompleteWorkItem(ctx context.Context, txn *store.Txn, msg model.TaskMessage) error {
	key, ok, err := q.findKey(ctx, msg)
	if err != nil {
		return fmt.Errorf("activity: complete: %w", err)
	}
	if !ok {
		return fmt.Errorf("activity: complete: no queue entry for instance %s event %d", msg.TargetInstance, msg.Event.EventID)
	}
	if _, err := q.dict.TryRemove(ctx, txn, key); err != nil {
		return fmt.Errorf("activity: complete: %w", err)
	}
	return nil
}

// AbandonWorkItem clears the lock on msg's queue entry outside any
// transaction, making it visible to the next GetNextWorkItem scan.
func (q *Queue) AbandonWorkItem(ctx context.Context, msg model.TaskMessage) error {
	key, ok, err := q.findKey(ctx, msg)
	if err != nil {
		return fmt.Errorf("activity: abandon: %w", err)
	}
	if !ok {
		return nil
	}
	entry, _, err := q.dict.TryGet(ctx, nil, key)
	if err != nil {
		return fmt.Errorf("activity: abandon: %w", err)
	}
	entry.Locked = false
	if err := q.dict.Set(ctx, nil, key, entry); err != nil {
		return fmt.Errorf("activity: abandon: %w", err)
	}
	return nil
}

// findKey resolves a message back to its queue key by scan, since
// CompleteWorkItem/AbandonWorkItem are handed the message, not the key
// GetNextWorkItem assigned it. Enumerate only sees committed rows (never a
// caller's own in-flight txn), which is fine here: the row being completed
// was already committed by the GetNextWorkItem claim that preceded it.
func (q *Queue) findKey(ctx context.Context, msg model.TaskMessage) (string, bool, error) {
	entries, err := q.dict.Enumerate(ctx, store.Unordered)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.Value.Message.TargetInstance == msg.TargetInstance && e.Value.Message.Event.EventID == msg.Event.EventID {
			return e.Key, true, nil
		}
	}
	return "", false, nil
}

// BootSweep clears every stale locked bit left behind by a crashed
// dispatcher worker.
func (q *Queue) BootSweep(ctx context.Context) error {
	entries, err := q.dict.Enumerate(ctx, store.Unordered)
	if err != nil {
		return fmt.Errorf("activity: boot sweep: %w", err)
	}
	for _, e := range entries {
		if !e.Value.Locked {
			continue
		}
		e.Value.Locked = false
		if err := q.dict.Set(ctx, nil, e.Key, e.Value); err != nil {
			return fmt.Errorf("activity: boot sweep %s: %w", e.Key, err)
		}
	}
	return nil
}
