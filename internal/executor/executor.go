// Package executor defines the two external collaborators the dispatchers
// invoke on every cycle: the deterministic orchestration executor (pure
// w.r.t. the history it is handed) and the pluggable activity registry
// user code installs activity implementations into.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orchestrd/orchestrd/internal/orchestration/model"
)

// OrchestrationExecutor runs one replay-or-continue cycle of an
// orchestration's user code against its history and newly arrived messages.
// It must not perform I/O of its own; all side effects are expressed as the
// returned Transition, which the orchestration dispatcher commits.
type OrchestrationExecutor interface {
	Execute(ctx context.Context, item model.WorkItem) (model.Transition, error)
}

// TaskFailure is a known, well-formed activity failure, distinct from an
// unexpected panic or error the dispatcher did not anticipate.
type TaskFailure struct {
	Reason  string
	Details string
}

func (f *TaskFailure) Error() string { return f.Reason }

// Activity is one named, versioned unit of work the activity dispatcher
// (C7) can invoke. Implementations run outside any store transaction.
type Activity interface {
	Run(ctx context.Context, input string) (output string, err error)
}

// ActivityFunc adapts a plain function to the Activity interface.
type ActivityFunc func(ctx context.Context, input string) (string, error)

func (f ActivityFunc) Run(ctx context.Context, input string) (string, error) { return f(ctx, input) }

// ErrActivityNotRegistered is returned by Registry.Lookup when no
// implementation is registered under the requested name/version.
var ErrActivityNotRegistered = errors.New("executor: activity not registered")

// Registry is an in-process, name+version keyed table of activity
// implementations. It is safe for concurrent registration and lookup.
type Registry struct {
	mu         sync.RWMutex
	activities map[string]Activity
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{activities: make(map[string]Activity)}
}

func registryKey(name, version string) string { return name + "@" + version }

// Register installs an activity implementation under (name, version).
// Registering the same key twice replaces the previous implementation.
func (r *Registry) Register(name, version string, a Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[registryKey(name, version)] = a
}

// Lookup resolves (name, version) to an implementation, or
// ErrActivityNotRegistered if none was installed.
func (r *Registry) Lookup(name, version string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.activities[registryKey(name, version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrActivityNotRegistered, name, version)
	}
	return a, nil
}
