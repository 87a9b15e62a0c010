package client

import (
	"context"
	"testing"
	"time"

	"github.com/orchestrd/orchestrd/internal/events"
	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/instance"
	"github.com/orchestrd/orchestrd/internal/orchestration/model"
	"github.com/orchestrd/orchestrd/internal/orchestration/session"
	"github.com/orchestrd/orchestrd/internal/orchestration/timer"
	"github.com/orchestrd/orchestrd/internal/store"
)

func newTestClient(t *testing.T, bus events.Bus) *Client {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	timers, err := timer.Open(ctx, st, time.Second, logger.Default())
	if err != nil {
		t.Fatalf("timer.Open: %v", err)
	}
	sessions, err := session.Open(ctx, st, timers, logger.Default())
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	instances, err := instance.Open(ctx, st, instance.Config{}, logger.Default())
	if err != nil {
		t.Fatalf("instance.Open: %v", err)
	}
	return New(st, sessions, instances, bus, logger.Default())
}

func TestCreateInstanceWritesPendingStateAndSessionMessage(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	state, err := c.CreateInstance(ctx, CreateInstanceRequest{Name: "Demo", Version: "1", Input: `{"x":1}`})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if state.Status != model.StatusPending {
		t.Fatalf("Status = %v, want Pending", state.Status)
	}

	got, ok, err := c.GetState(ctx, state.Instance, "")
	if err != nil || !ok {
		t.Fatalf("GetState: %v, %v, %v", got, ok, err)
	}
	if got.Instance != state.Instance {
		t.Fatalf("Instance = %s, want %s", got.Instance, state.Instance)
	}

	sess, err := c.sessions.AcceptSession(ctx, 200*time.Millisecond)
	if err != nil || sess == nil {
		t.Fatalf("AcceptSession: %v, %v", sess, err)
	}
	msgs := session.GetSessionMessages(sess)
	if len(msgs) != 1 || msgs[0].Event.Kind != model.ExecutionStarted {
		t.Fatalf("unexpected session messages: %+v", msgs)
	}
}

func TestCreateInstanceGeneratesIDsWhenEmpty(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	state, err := c.CreateInstance(ctx, CreateInstanceRequest{Name: "Demo", Version: "1"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if state.Instance == "" || state.Execution == "" {
		t.Fatalf("expected generated ids, got %+v", state)
	}
}

func TestRaiseEventAppendsToSession(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	state, err := c.CreateInstance(ctx, CreateInstanceRequest{Name: "Demo", Version: "1"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := c.RaiseEvent(ctx, state.Instance, "Approved", `{"ok":true}`); err != nil {
		t.Fatalf("RaiseEvent: %v", err)
	}

	sess, err := c.sessions.AcceptSession(ctx, 200*time.Millisecond)
	if err != nil || sess == nil {
		t.Fatalf("AcceptSession: %v, %v", sess, err)
	}
	msgs := session.GetSessionMessages(sess)
	if len(msgs) != 2 || msgs[1].Event.Kind != model.EventRaised || msgs[1].Event.Name != "Approved" {
		t.Fatalf("unexpected session messages: %+v", msgs)
	}
}

func TestTerminateInstanceAppendsTerminatedEvent(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	state, err := c.CreateInstance(ctx, CreateInstanceRequest{Name: "Demo", Version: "1"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := c.TerminateInstance(ctx, state.Instance, "operator request"); err != nil {
		t.Fatalf("TerminateInstance: %v", err)
	}

	sess, err := c.sessions.AcceptSession(ctx, 200*time.Millisecond)
	if err != nil || sess == nil {
		t.Fatalf("AcceptSession: %v, %v", sess, err)
	}
	msgs := session.GetSessionMessages(sess)
	if len(msgs) != 2 || msgs[1].Event.Kind != model.ExecutionTerminated || msgs[1].Event.Reason != "operator request" {
		t.Fatalf("unexpected session messages: %+v", msgs)
	}
}

func TestWaitForInstanceReturnsImmediatelyWhenAlreadyTerminal(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	state, err := c.CreateInstance(ctx, CreateInstanceRequest{Name: "Demo", Version: "1"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	err = c.store.WithTx(ctx, func(ctx context.Context, txn *store.Txn) error {
		completed := *state
		completed.Status = model.StatusCompleted
		return c.instances.WriteEntities(ctx, txn, []model.OrchestrationState{completed})
	})
	if err != nil {
		t.Fatalf("seed completed state: %v", err)
	}

	// WaitForInstance checks GetState before its first poll sleep, so a
	// terminal state at call time returns without waiting out the 30s poll
	// interval.
	done := make(chan *model.OrchestrationState, 1)
	go func() {
		got, err := c.WaitForInstance(ctx, state.Instance, 5*time.Second)
		if err != nil {
			t.Errorf("WaitForInstance: %v", err)
			return
		}
		done <- got
	}()

	select {
	case got := <-done:
		if got.Status != model.StatusCompleted {
			t.Fatalf("Status = %v, want Completed", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WaitForInstance to return")
	}
}

func TestWaitForInstanceTimesOut(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	state, err := c.CreateInstance(ctx, CreateInstanceRequest{Name: "Demo", Version: "1"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	_, err = c.WaitForInstance(ctx, state.Instance, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestSubscribeWithoutBusErrors(t *testing.T) {
	c := newTestClient(t, nil)
	if _, _, err := c.Subscribe(context.Background(), "i1"); err == nil {
		t.Fatal("expected error subscribing with no bus configured")
	}
}

func TestSubscribeDeliversNotification(t *testing.T) {
	bus := events.NewMemoryBus(logger.Default())
	defer bus.Close()
	c := newTestClient(t, bus)

	ch, cancel, err := c.Subscribe(context.Background(), "i1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	n := events.NewNotification("i1", "Running", time.Now())
	if err := bus.Publish(context.Background(), "i1", n); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.InstanceID != "i1" {
			t.Fatalf("got %+v, want instance i1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}
