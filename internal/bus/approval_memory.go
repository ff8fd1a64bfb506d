package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// memoryApprovalBus is the single-process implementation, used when no
// redis is configured and in tests.
type memoryApprovalBus struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[*memorySubscription]bool
}

func NewMemoryApprovalBus() ApprovalBus {
	return &memoryApprovalBus{
		subs: make(map[uuid.UUID]map[*memorySubscription]bool),
	}
}

func (b *memoryApprovalBus) Publish(_ context.Context, streamID uuid.UUID, d Decision) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[streamID] {
		select {
		case sub.out <- d:
		default:
			// slow subscriber; decision dropped rather than blocking the publisher
		}
	}
	return nil
}

func (b *memoryApprovalBus) Subscribe(_ context.Context, streamID uuid.UUID) (Subscription, error) {
	sub := &memorySubscription{
		bus:      b,
		streamID: streamID,
		out:      make(chan Decision, 16),
	}
	b.mu.Lock()
	if b.subs[streamID] == nil {
		b.subs[streamID] = make(map[*memorySubscription]bool)
	}
	b.subs[streamID][sub] = true
	b.mu.Unlock()
	return sub, nil
}

func (b *memoryApprovalBus) Close() error { return nil }

type memorySubscription struct {
	bus      *memoryApprovalBus
	streamID uuid.UUID
	out      chan Decision
	once     sync.Once
}

func (s *memorySubscription) C() <-chan Decision { return s.out }

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.streamID], s)
		if len(s.bus.subs[s.streamID]) == 0 {
			delete(s.bus.subs, s.streamID)
		}
		s.bus.mu.Unlock()
		close(s.out)
	})
}
