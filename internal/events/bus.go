package events

import (
	"context"
	"fmt"
	"sync"
)

type Bus interface {
	Publish(ctx context.Context, subject string, event EventEnvelope) error
	Subscribe(ctx context.Context, subject string) (<-chan EventEnvelope, func(), error)
	Close() error
}

type EventSubjects struct {
	ExecutionLifecycle string
	Approvals          string
}

func DefaultEventSubjects(prefix string) EventSubjects {
	if prefix == "" {
		prefix = "agentdeck"
	}
	return EventSubjects{
		ExecutionLifecycle: prefix + ".execution",
		Approvals:          prefix + ".approvals",
	}
}

type MemoryBus struct {
	mu        sync.RWMutex
	channels  map[string][]chan EventEnvelope
	closed    bool
	closeOnce sync.Once
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		channels: make(map[string][]chan EventEnvelope),
	}
}

// Publish delivers to every current subscriber of subject. Delivery happens
// under the read lock so unsub and Close (which close channels under the
// write lock) cannot close a channel mid-send; sends are non-blocking, full
// subscribers drop the event.
func (b *MemoryBus) Publish(_ context.Context, subject string, event EventEnvelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	for _, ch := range b.channels[subject] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, subject string) (<-chan EventEnvelope, func(), error) {
	if b == nil {
		return nil, nil, fmt.Errorf("bus is nil")
	}
	ch := make(chan EventEnvelope, 32)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("bus closed")
	}
	b.channels[subject] = append(b.channels[subject], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subscribers := b.channels[subject]
		for i, candidate := range subscribers {
			if candidate == ch {
				b.channels[subject] = append(subscribers[:i], subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub, nil
}

func (b *MemoryBus) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for subject, subscribers := range b.channels {
			for _, ch := range subscribers {
				close(ch)
			}
			delete(b.channels, subject)
		}
		b.mu.Unlock()
	})
	return nil
}
