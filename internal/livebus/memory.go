package livebus

import (
	"context"
	"fmt"
	"sync"

	"github.com/imryao/cli-sidecar/internal/common/logger"
	"go.uber.org/zap"
)

// MemoryBus is an in-process Bus for single-process deployments and tests.
// Slow subscribers have messages dropped rather than blocking publishers,
// matching the at-most-once contract.
type MemoryBus struct {
	log *logger.Logger

	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	ch    chan []byte
	once  sync.Once
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		log:  log.WithFields(zap.String("component", "memory-bus")),
		subs: make(map[string][]*memorySubscription),
	}
}

// Publish delivers payload to every current subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- payload:
		default:
			b.log.Warn("dropping message for slow subscriber", zap.String("topic", topic))
		}
	}
	return nil
}

// Subscribe registers a new subscriber for topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		ch:    make(chan []byte, 64),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// Close shuts down the bus and closes all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	return nil
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	subs := s.bus.subs[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.once.Do(func() { close(s.ch) })
	return nil
}
