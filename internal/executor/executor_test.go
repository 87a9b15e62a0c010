package executor

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryLookupMissing(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("DoThing", "1"); !errors.Is(err, ErrActivityNotRegistered) {
		t.Fatalf("Lookup missing = %v, want ErrActivityNotRegistered", err)
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("DoThing", "1", ActivityFunc(func(ctx context.Context, input string) (string, error) {
		return "echo:" + input, nil
	}))

	a, err := r.Lookup("DoThing", "1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	out, err := a.Run(context.Background(), "hi")
	if err != nil || out != "echo:hi" {
		t.Fatalf("Run = %q, %v; want echo:hi, nil", out, err)
	}

	if _, err := r.Lookup("DoThing", "2"); !errors.Is(err, ErrActivityNotRegistered) {
		t.Fatalf("Lookup wrong version = %v, want ErrActivityNotRegistered", err)
	}
}

func TestRegistryReregisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("DoThing", "1", ActivityFunc(func(ctx context.Context, input string) (string, error) {
		return "first", nil
	}))
	r.Register("DoThing", "1", ActivityFunc(func(ctx context.Context, input string) (string, error) {
		return "second", nil
	}))

	a, _ := r.Lookup("DoThing", "1")
	out, _ := a.Run(context.Background(), "")
	if out != "second" {
		t.Fatalf("Run after re-register = %q, want second", out)
	}
}
