// Package instance implements C5: the hot instance-state dictionary, the
// instance→latest-execution pointer, hourly cold archive buckets for
// terminal states, and the background reaper that deletes old buckets.
package instance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/logger"
	"github.com/orchestrd/orchestrd/internal/orchestration/model"
	"github.com/orchestrd/orchestrd/internal/store"
)

// Reserved dictionary names from spec §6.
const (
	HotDictionaryName     = "InstSt_Current"
	PointerDictionaryName = "InstSt_ExecutionId"
	ArchivePrefix         = "InstSt_"
)

const hourLayout = "2006-01-02-15"

// Config bounds the reaper's schedule and the archive horizon.
type Config struct {
	ArchiveRetention      time.Duration
	ReaperInitialDelay    time.Duration
	ReaperSuccessInterval time.Duration
	ReaperFailureInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ArchiveRetention <= 0 {
		c.ArchiveRetention = 24 * time.Hour
	}
	if c.ReaperInitialDelay <= 0 {
		c.ReaperInitialDelay = 5 * time.Minute
	}
	if c.ReaperSuccessInterval <= 0 {
		c.ReaperSuccessInterval = time.Hour
	}
	if c.ReaperFailureInterval <= 0 {
		c.ReaperFailureInterval = 10 * time.Minute
	}
	return c
}

// Store is the instance-state provider (C5).
type Store struct {
	store  *store.Store
	hot    *store.Dict[model.OrchestrationState]
	latest *store.Dict[string]
	cfg    Config
	log    *logger.Logger

	archiveMu sync.Mutex
	archives  map[string]*store.Dict[model.OrchestrationState]
}

// Open gets-or-creates the hot dictionary and the latest-execution pointer.
func Open(ctx context.Context, st *store.Store, cfg Config, log *logger.Logger) (*Store, error) {
	hot, err := store.OpenDict[model.OrchestrationState](ctx, st, HotDictionaryName)
	if err != nil {
		return nil, fmt.Errorf("instance: open hot dict: %w", err)
	}
	latest, err := store.OpenDict[string](ctx, st, PointerDictionaryName)
	if err != nil {
		return nil, fmt.Errorf("instance: open pointer dict: %w", err)
	}
	return &Store{
		store:    st,
		hot:      hot,
		latest:   latest,
		cfg:      cfg.withDefaults(),
		log:      log.WithFields(zap.String("component", "instance-store")),
		archives: make(map[string]*store.Dict[model.OrchestrationState]),
	}, nil
}

func compositeKey(instance model.InstanceID, execution model.ExecutionID) string {
	return string(instance) + "|" + string(execution)
}

func bucketName(t time.Time) string {
	return ArchivePrefix + t.UTC().Format(hourLayout)
}

// archiveBucket gets-or-creates the dictionary for the given UTC hour. It is
// opened against the store directly (store.OpenDict never accepts a txn),
// satisfying spec §4.5's "open call made outside the caller txn" rule, while
// the write into that dictionary still happens inside the caller's txn.
func (s *Store) archiveBucket(ctx context.Context, hour time.Time) (*store.Dict[model.OrchestrationState], error) {
	name := bucketName(hour)

	s.archiveMu.Lock()
	if d, ok := s.archives[name]; ok {
		s.archiveMu.Unlock()
		return d, nil
	}
	s.archiveMu.Unlock()

	d, err := store.OpenDict[model.OrchestrationState](ctx, s.store, name)
	if err != nil {
		return nil, fmt.Errorf("instance: open archive bucket %s: %w", name, err)
	}

	s.archiveMu.Lock()
	s.archives[name] = d
	s.archiveMu.Unlock()
	return d, nil
}

// WriteEntities applies the spec §4.5 write rule for each state, inside the
// caller's txn: non-terminal states upsert into the hot dictionary (and the
// latest-execution pointer, if Pending); terminal states move into the
// current-hour archive bucket and are removed from the hot dictionary.
func (s *Store) WriteEntities(ctx context.Context, txn *store.Txn, entities []model.OrchestrationState) error {
	for _, state := range entities {
		key := compositeKey(state.Instance, state.Execution)

		if !state.Status.Terminal() {
			if err := s.hot.Set(ctx, txn, key, state); err != nil {
				return fmt.Errorf("instance: write entities: %w", err)
			}
			if state.Status == model.StatusPending {
				if err := s.latest.Set(ctx, txn, string(state.Instance), string(state.Execution)); err != nil {
					return fmt.Errorf("instance: write entities: %w", err)
				}
			}
			continue
		}

		bucket, err := s.archiveBucket(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("instance: write entities: %w", err)
		}
		if err := bucket.Set(ctx, txn, key, state); err != nil {
			return fmt.Errorf("instance: write entities: %w", err)
		}
		if _, err := s.hot.TryRemove(ctx, txn, key); err != nil {
			return fmt.Errorf("instance: write entities: %w", err)
		}
	}
	return nil
}

// CurrentExecution resolves the instance's latest-execution pointer
// without touching the hot dictionary or any archive bucket.
func (s *Store) CurrentExecution(ctx context.Context, instanceID model.InstanceID) (model.ExecutionID, bool, error) {
	resolved, ok, err := s.latest.TryGet(ctx, nil, string(instanceID))
	if err != nil {
		return "", false, fmt.Errorf("instance: current execution: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return model.ExecutionID(resolved), true, nil
}

// GetState implements spec §4.5's read rule: hot lookup first, then probe
// the current and previous hour's archive buckets (at most two lookups).
// When execution is empty, the instance's latest execution pointer resolves
// it first.
func (s *Store) GetState(ctx context.Context, instanceID model.InstanceID, execution model.ExecutionID) (*model.OrchestrationState, bool, error) {
	if execution == "" {
		resolved, ok, err := s.latest.TryGet(ctx, nil, string(instanceID))
		if err != nil {
			return nil, false, fmt.Errorf("instance: get state: %w", err)
		}
		if !ok {
			return nil, false, nil
		}
		execution = model.ExecutionID(resolved)
	}

	key := compositeKey(instanceID, execution)

	if state, ok, err := s.hot.TryGet(ctx, nil, key); err != nil {
		return nil, false, fmt.Errorf("instance: get state: %w", err)
	} else if ok {
		return &state, true, nil
	}

	now := time.Now().UTC()
	for _, hour := range []time.Time{now, now.Add(-time.Hour)} {
		bucket, err := s.archiveBucket(ctx, hour)
		if err != nil {
			return nil, false, fmt.Errorf("instance: get state: %w", err)
		}
		if state, ok, err := bucket.TryGet(ctx, nil, key); err != nil {
			return nil, false, fmt.Errorf("instance: get state: %w", err)
		} else if ok {
			return &state, true, nil
		}
	}

	return nil, false, nil
}

// ListFilter narrows ListInstances. A zero value matches everything in the
// hot dictionary.
type ListFilter struct {
	Status model.Status
	Name   string
}

// ListInstances enumerates the hot dictionary, applying filter in memory.
// It never reaches into archive buckets: listing is a convenience surface
// over in-flight instances, not an audit trail over every execution ever
// recorded (GetState with an explicit execution id also reaches archived
// executions, but only those in the current and previous hour's buckets).
func (s *Store) ListInstances(ctx context.Context, filter ListFilter) ([]model.OrchestrationState, error) {
	entries, err := s.hot.Enumerate(ctx, store.Unordered)
	if err != nil {
		return nil, fmt.Errorf("instance: list instances: %w", err)
	}

	out := make([]model.OrchestrationState, 0, len(entries))
	for _, e := range entries {
		if filter.Status != "" && e.Value.Status != filter.Status {
			continue
		}
		if filter.Name != "" && e.Value.Name != filter.Name {
			continue
		}
		out = append(out, e.Value)
	}
	return out, nil
}

// Run is the background reaper: after an initial delay it enumerates
// archive dictionaries, parses each name's hour suffix, and deletes buckets
// older than the configured retention. It reschedules itself on a success
// or failure interval, and returns when ctx is canceled.
func (s *Store) Run(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.ReaperInitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		next := s.cfg.ReaperSuccessInterval
		if err := s.reap(ctx); err != nil {
			s.log.Error("reap archives", zap.Error(err))
			next = s.cfg.ReaperFailureInterval
		}
		timer.Reset(next)
	}
}

func (s *Store) reap(ctx context.Context) error {
	start := time.Now()
	names, err := s.store.EnumerateDictionaries(ctx, ArchivePrefix)
	if err != nil {
		return fmt.Errorf("instance: reap: %w", err)
	}

	cutoff := time.Now().UTC().Add(-s.cfg.ArchiveRetention)
	var removed int
	for _, name := range names {
		if name == HotDictionaryName || name == PointerDictionaryName {
			continue
		}
		suffix := strings.TrimPrefix(name, ArchivePrefix)
		hour, err := time.ParseInLocation(hourLayout, suffix, time.UTC)
		if err != nil {
			s.log.Warn("reap: unparseable archive bucket name", zap.String("name", name))
			continue
		}
		if hour.After(cutoff) {
			continue
		}
		if err := s.store.RemoveDictionary(ctx, name); err != nil {
			return fmt.Errorf("instance: reap: remove %s: %w", name, err)
		}
		s.archiveMu.Lock()
		delete(s.archives, name)
		s.archiveMu.Unlock()
		removed++
	}

	s.log.Info("reaper pass complete",
		zap.Int("removed", removed),
		zap.Int("scanned", len(names)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
