package store

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenDictGetSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d, err := OpenDict[string](ctx, s, "widgets")
	if err != nil {
		t.Fatalf("OpenDict: %v", err)
	}

	if _, ok, err := d.TryGet(ctx, nil, "a"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := d.Set(ctx, nil, "a", "hello"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := d.TryGet(ctx, nil, "a")
	if err != nil || !ok || v != "hello" {
		t.Fatalf("TryGet = %q, %v, %v; want hello, true, nil", v, ok, err)
	}
}

func TestOpenDictIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := OpenDict[int](ctx, s, "counters"); err != nil {
		t.Fatalf("first OpenDict: %v", err)
	}
	if _, err := OpenDict[int](ctx, s, "counters"); err != nil {
		t.Fatalf("second OpenDict: %v", err)
	}
}

func TestTryRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := OpenDict[int](ctx, s, "nums")

	if removed, err := d.TryRemove(ctx, nil, "missing"); err != nil || removed {
		t.Fatalf("TryRemove missing = %v, %v; want false, nil", removed, err)
	}

	_ = d.Set(ctx, nil, "x", 1)
	removed, err := d.TryRemove(ctx, nil, "x")
	if err != nil || !removed {
		t.Fatalf("TryRemove x = %v, %v; want true, nil", removed, err)
	}
	if _, ok, _ := d.TryGet(ctx, nil, "x"); ok {
		t.Fatal("x still present after TryRemove")
	}
}

func TestAddOrUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := OpenDict[int](ctx, s, "counters")

	inc := func(v int) int { return v + 1 }
	if err := d.AddOrUpdate(ctx, nil, "c", 1, inc); err != nil {
		t.Fatalf("AddOrUpdate (create): %v", err)
	}
	if err := d.AddOrUpdate(ctx, nil, "c", 1, inc); err != nil {
		t.Fatalf("AddOrUpdate (merge): %v", err)
	}
	v, _, _ := d.TryGet(ctx, nil, "c")
	if v != 2 {
		t.Fatalf("AddOrUpdate result = %d, want 2", v)
	}
}

func TestEnumerateOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := OpenDict[string](ctx, s, "ordered")

	for _, k := range []string{"c", "a", "b"} {
		if err := d.Set(ctx, nil, k, k); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	entries, err := d.Enumerate(ctx, Ordered)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	want := []string{"c", "a", "b"}
	for i, e := range entries {
		if e.Key != want[i] {
			t.Errorf("entries[%d].Key = %s, want %s", i, e.Key, want[i])
		}
	}
}

func TestAppendAssignsMonotonicKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := OpenDict[string](ctx, s, "queue")

	k1, err := d.Append(ctx, nil, "first")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	k2, err := d.Append(ctx, nil, "second")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("Append returned duplicate keys: %s", k1)
	}

	entries, err := d.Enumerate(ctx, Ordered)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(entries) != 2 || entries[0].Value != "first" || entries[1].Value != "second" {
		t.Fatalf("Enumerate order wrong: %+v", entries)
	}
}

func TestTxnCommitAndRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := OpenDict[string](ctx, s, "txtest")

	// Committed write is visible.
	if err := s.WithTx(ctx, func(ctx context.Context, txn *Txn) error {
		return d.Set(ctx, txn, "k1", "v1")
	}); err != nil {
		t.Fatalf("WithTx commit: %v", err)
	}
	if _, ok, _ := d.TryGet(ctx, nil, "k1"); !ok {
		t.Fatal("k1 missing after committed WithTx")
	}

	// A txn that returns an error leaves the store unchanged.
	sentinel := context.Canceled
	err := s.WithTx(ctx, func(ctx context.Context, txn *Txn) error {
		if err := d.Set(ctx, txn, "k2", "v2"); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("WithTx error = %v, want sentinel", err)
	}
	if _, ok, _ := d.TryGet(ctx, nil, "k2"); ok {
		t.Fatal("k2 present after rolled-back WithTx")
	}
}

func TestEnumerateDoesNotSeeInFlightTxnWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := OpenDict[string](ctx, s, "hazard")

	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(ctx, func(ctx context.Context, txn *Txn) error {
			if err := d.Set(ctx, txn, "in-flight", "v"); err != nil {
				return err
			}
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	entries, err := d.Enumerate(ctx, Unordered)
	close(release)
	if txErr := <-done; txErr != nil {
		t.Fatalf("WithTx: %v", txErr)
	}
	if err != nil {
		t.Fatalf("Enumerate during in-flight txn: %v", err)
	}
	for _, e := range entries {
		if e.Key == "in-flight" {
			t.Fatal("Enumerate observed an uncommitted write from a concurrent txn")
		}
	}
}

func TestRemoveDictionary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := OpenDict[int](ctx, s, "temp")
	_ = d.Set(ctx, nil, "x", 1)

	if err := s.RemoveDictionary(ctx, "temp"); err != nil {
		t.Fatalf("RemoveDictionary: %v", err)
	}

	d2, err := OpenDict[int](ctx, s, "temp")
	if err != nil {
		t.Fatalf("reopen after remove: %v", err)
	}
	if _, ok, _ := d2.TryGet(ctx, nil, "x"); ok {
		t.Fatal("data survived RemoveDictionary")
	}
}

func TestEnumerateDictionariesByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := OpenDict[int](ctx, s, "InstSt_2026-07-30-09"); err != nil {
		t.Fatalf("OpenDict: %v", err)
	}
	if _, err := OpenDict[int](ctx, s, "InstSt_2026-07-30-10"); err != nil {
		t.Fatalf("OpenDict: %v", err)
	}
	if _, err := OpenDict[int](ctx, s, "Sess_Orchestrations"); err != nil {
		t.Fatalf("OpenDict: %v", err)
	}

	names, err := s.EnumerateDictionaries(ctx, "InstSt_")
	if err != nil {
		t.Fatalf("EnumerateDictionaries: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("len(names) = %d, want 2 (got %v)", len(names), names)
	}
}
