package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orchestrd/orchestrd/internal/logger"
)

// MemoryBus implements Bus with in-process channels, for single-replica
// deployments or tests that don't need a real broker.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        bool
	log           *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	handler Handler

	mu     sync.Mutex
	active bool
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		log:           log.WithFields(zap.String("component", "events-memory-bus")),
	}
}

// Publish delivers n to every active subscriber of subject, each in its
// own goroutine so a slow or blocked handler never delays the publisher.
func (b *MemoryBus) Publish(ctx context.Context, subject string, n Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("events: bus is closed")
	}

	for _, sub := range b.subscriptions[subject] {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		go func(s *memorySubscription) {
			if err := s.handler(ctx, n); err != nil {
				b.log.Error("notification handler failed", zap.String("subject", subject), zap.Error(err))
			}
		}(sub)
	}
	return nil
}

// Subscribe registers handler for subject and returns a Subscription that
// stops delivery on Unsubscribe.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("events: bus is closed")
	}

	sub := &memorySubscription{bus: b, subject: subject, handler: handler, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

func (s *memorySubscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, other := range subs {
		if other == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Close deactivates every subscription and marks the bus closed.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.closed = true
}
