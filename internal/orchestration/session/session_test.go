package session

import (
	"context"
	"testing"
	"time"

	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/model"
	"github.com/orchestrd/orchestrd/internal/store"
)

type noopTimers struct{ scheduled []model.TimerEntry }

func (n *noopTimers) Schedule(ctx context.Context, txn *store.Txn, entries []model.TimerEntry) error {
	n.scheduled = append(n.scheduled, entries...)
	return nil
}

func newTestSessionStore(t *testing.T) (*Store, *store.Store, *noopTimers) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	timers := &noopTimers{}
	s, err := Open(context.Background(), st, timers, logger.Default())
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	return s, st, timers
}

func msgFor(instance model.InstanceID, eventID int64) model.TaskMessage {
	return model.TaskMessage{
		TargetInstance: instance,
		Event:          model.HistoryEvent{EventID: eventID, Kind: model.EventRaised, Name: "Raised"},
	}
}

func TestAppendMessageCreatesSession(t *testing.T) {
	s, st, _ := newTestSessionStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return s.AppendMessage(ctx, txn, "i1", msgFor("i1", 1))
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	sess, ok, err := s.dict.TryGet(ctx, nil, "i1")
	if err != nil || !ok {
		t.Fatalf("expected session i1 to exist, ok=%v err=%v", ok, err)
	}
	if len(sess.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(sess.Messages))
	}
}

func TestAppendOrderPreserved(t *testing.T) {
	s, st, _ := newTestSessionStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		err := st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
			return s.AppendMessage(ctx, txn, "i1", msgFor("i1", i))
		})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	sess, _, _ := s.dict.TryGet(ctx, nil, "i1")
	for i, m := range sess.Messages {
		want := int64(i + 1)
		if m.Message.Event.EventID != want {
			t.Errorf("Messages[%d].EventID = %d, want %d", i, m.Message.Event.EventID, want)
		}
	}
}

func TestAcceptSessionClaimsAndLocks(t *testing.T) {
	s, st, _ := newTestSessionStore(t)
	ctx := context.Background()

	_ = st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return s.AppendMessage(ctx, txn, "i1", msgFor("i1", 1))
	})

	sess, err := s.AcceptSession(ctx, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("AcceptSession: %v", err)
	}
	if sess == nil {
		t.Fatal("AcceptSession returned nil, want a claimed session")
	}
	if !sess.Locked {
		t.Fatal("claimed session should have Locked=true")
	}

	msgs := GetSessionMessages(sess)
	if len(msgs) != 1 {
		t.Fatalf("GetSessionMessages len = %d, want 1", len(msgs))
	}

	// A second accept must not see the same session while it's locked.
	again, err := s.AcceptSession(ctx, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("AcceptSession (second): %v", err)
	}
	if again != nil {
		t.Fatal("expected no claimable session while i1 is locked")
	}
}

func TestCompleteAndUpdateSessionKeepsLateArrivals(t *testing.T) {
	s, st, timers := newTestSessionStore(t)
	ctx := context.Background()

	_ = st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return s.AppendMessage(ctx, txn, "i1", msgFor("i1", 1))
	})
	claimed, err := s.AcceptSession(ctx, 200*time.Millisecond)
	if err != nil || claimed == nil {
		t.Fatalf("AcceptSession: %v, %v", claimed, err)
	}

	// Simulate a message arriving mid-cycle (e.g. raise_event while locked).
	_ = st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return s.AppendMessage(ctx, txn, "i1", msgFor("i1", 2))
	})

	newHistory := []model.HistoryEvent{{EventID: 1, Kind: model.ExecutionStarted}}
	fireAt := time.Now().Add(time.Second)
	timerMsgs := []model.TimerEntry{{FireAt: fireAt, Target: msgFor("i1", 3)}}

	err = st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return s.CompleteAndUpdateSession(ctx, txn, "i1", newHistory, timerMsgs)
	})
	if err != nil {
		t.Fatalf("CompleteAndUpdateSession: %v", err)
	}
	if len(timers.scheduled) != 1 {
		t.Fatalf("scheduled timers = %d, want 1", len(timers.scheduled))
	}

	sess, ok, _ := s.dict.TryGet(ctx, nil, "i1")
	if !ok {
		t.Fatal("session i1 should still exist after a non-terminal complete")
	}
	if sess.Locked {
		t.Fatal("session should be unlocked after CompleteAndUpdateSession")
	}
	if len(sess.Messages) != 1 || sess.Messages[0].Message.Event.EventID != 2 {
		t.Fatalf("expected only the late-arriving message 2 to remain, got %+v", sess.Messages)
	}
}

func TestReleaseSessionTerminalRemoves(t *testing.T) {
	s, st, _ := newTestSessionStore(t)
	ctx := context.Background()

	_ = st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return s.AppendMessage(ctx, txn, "i1", msgFor("i1", 1))
	})

	err := st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return s.ReleaseSession(ctx, txn, "i1", true)
	})
	if err != nil {
		t.Fatalf("ReleaseSession: %v", err)
	}
	if _, ok, _ := s.dict.TryGet(ctx, nil, "i1"); ok {
		t.Fatal("terminal release should remove the session entirely")
	}
}

func TestBootSweepClearsLocksAndReleasesTerminal(t *testing.T) {
	s, st, _ := newTestSessionStore(t)
	ctx := context.Background()

	// i1: stuck locked with a stuck-locked message (crash mid-cycle).
	_ = st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return s.AppendMessage(ctx, txn, "i1", msgFor("i1", 1))
	})
	_, err := s.AcceptSession(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("AcceptSession: %v", err)
	}

	// i2: completed transition, but crashed before release (terminal history,
	// but still present in the dictionary).
	_ = st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return s.AppendMessage(ctx, txn, "i2", msgFor("i2", 1))
	})
	_, _ = s.AcceptSession(ctx, 200*time.Millisecond)
	_ = st.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		return s.CompleteAndUpdateSession(ctx, txn, "i2", []model.HistoryEvent{
			{EventID: 1, Kind: model.ExecutionCompleted},
		}, nil)
	})

	if err := s.BootSweep(ctx); err != nil {
		t.Fatalf("BootSweep: %v", err)
	}

	i1, ok, _ := s.dict.TryGet(ctx, nil, "i1")
	if !ok {
		t.Fatal("i1 should survive boot sweep (not terminal)")
	}
	if i1.Locked {
		t.Fatal("i1 should be unlocked after boot sweep")
	}
	for _, m := range i1.Messages {
		if m.Locked {
			t.Fatal("i1 messages should be unlocked after boot sweep")
		}
	}

	if _, ok, _ := s.dict.TryGet(ctx, nil, "i2"); ok {
		t.Fatal("i2 (terminal) should have been released by boot sweep")
	}
}
