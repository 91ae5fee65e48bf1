package pubsub

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for single-node deployments and tests.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]chan Frame
	nextID      int
	metaKeys    []string
}

func NewMemoryBus(metaKeys []string) *MemoryBus {
	return &MemoryBus{
		subscribers: map[string]map[int]chan Frame{},
		metaKeys:    metaKeys,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel, event string, payload map[string]any) error {
	frame, err := encodeFrame(event, payload, b.metaKeys)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[channel] {
		select {
		case ch <- frame:
		default:
			// Slow subscriber; drop rather than block.
		}
	}

	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ch := make(chan Frame, 64)

	b.mu.Lock()
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = map[int]chan Frame{}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[channel][id] = ch
	b.mu.Unlock()

	var once sync.Once

	return &Subscription{
		C: ch,
		close: func() {
			once.Do(func() {
				b.mu.Lock()
				delete(b.subscribers[channel], id)
				if len(b.subscribers[channel]) == 0 {
					delete(b.subscribers, channel)
				}
				b.mu.Unlock()
				close(ch)
			})
		},
	}, nil
}
