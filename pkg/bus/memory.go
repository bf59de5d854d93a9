package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const updateBuffer = 64

// MemoryBus is an in-process bus for tests and single-process clusters.
type MemoryBus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	subs map[int]*memSubscription
	next int
}

func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		logger: logger,
		topics: make(map[string]*memTopic),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, u Update) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	for _, sub := range t.subs {
		select {
		case sub.updates <- u:
		default:
			b.logger.Warn("bus subscriber lagging, update dropped",
				zap.String("topic", topic),
				zap.String("subscriber", sub.name))
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic, subscriber string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	t, ok := b.topics[topic]
	if !ok {
		t = &memTopic{subs: make(map[int]*memSubscription)}
		b.topics[topic] = t
	}
	sub := &memSubscription{
		bus:     b,
		topic:   topic,
		name:    subscriber,
		id:      t.next,
		updates: make(chan Update, updateBuffer),
	}
	t.subs[sub.id] = sub
	t.next++
	return sub, nil
}

func (b *MemoryBus) Subscribers(ctx context.Context, topic string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}
	t, ok := b.topics[topic]
	if !ok {
		return 0, nil
	}
	return len(t.subs), nil
}

func (b *MemoryBus) RequestSubscribers(ctx context.Context, topic string, wait time.Duration) (int, error) {
	deadline := time.Now().Add(wait)
	for {
		n, err := b.Subscribers(ctx, topic)
		if err != nil || n > 0 {
			return n, err
		}
		if time.Now().After(deadline) {
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		for id, sub := range t.subs {
			delete(t.subs, id)
			close(sub.updates)
		}
	}
	return nil
}

const pollInterval = 250 * time.Millisecond

type memSubscription struct {
	bus     *MemoryBus
	topic   string
	name    string
	id      int
	updates chan Update
}

func (s *memSubscription) Updates() <-chan Update {
	return s.updates
}

func (s *memSubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	t, ok := s.bus.topics[s.topic]
	if !ok {
		return nil
	}
	if _, ok := t.subs[s.id]; ok {
		delete(t.subs, s.id)
		close(s.updates)
	}
	return nil
}
