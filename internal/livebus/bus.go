// Package livebus provides process-external pub/sub for live stream fan-out.
// Delivery is at-most-once and unordered; the persisted event log remains
// the source of truth and subscribers re-establish ordering by sequence
// number. Two backends exist: redis for multi-process deployments and an
// in-memory bus for single-process and test use.
package livebus

import "context"

// Subscription is one topic subscription. Messages closes when the
// subscription or the bus is closed.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Bus is fire-and-forget pub/sub keyed by topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}
