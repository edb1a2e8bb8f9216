package livebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/imryao/cli-sidecar/internal/common/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus implements Bus over redis pub/sub.
type RedisBus struct {
	client *redis.Client
	log    *logger.Logger
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewRedisBus connects to the redis instance at url and verifies it with a ping.
func NewRedisBus(url string, log *logger.Logger) (*RedisBus, error) {
	if log == nil {
		log = logger.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBus{
		client: client,
		log:    log.WithFields(zap.String("component", "redis-bus")),
	}, nil
}

// Publish sends payload to topic. Failure is the caller's to log and swallow.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

// Subscribe opens a redis subscription on topic and pumps its messages into
// a byte channel.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, topic)
	// force the subscribe round-trip so the caller holds a live subscription
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			// a closed subscription stops consuming; the pump must not
			// block forever on its buffer
			select {
			case sub.ch <- []byte(msg.Payload):
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

// Close releases the redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.pubsub.Close()
}
