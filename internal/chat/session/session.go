// Package session owns the live agent sessions, keyed by chat id.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imryao/cli-sidecar/pkg/agentsdk"
)

// Client is the slice of the agent client a session needs. *agentsdk.Client
// satisfies it; tests substitute fakes.
type Client interface {
	Connect(ctx context.Context) error
	Query(ctx context.Context, prompt string) error
	ReceiveResponse(ctx context.Context) <-chan agentsdk.Message
	Interrupt(ctx context.Context) error
	Disconnect() error
}

// Task is the handle to a background generation owned by the stream runtime.
type Task struct {
	cancel     context.CancelFunc
	done       chan struct{}
	finishOnce sync.Once
}

// NewTask wraps the cancel function of the generation's context.
func NewTask(cancel context.CancelFunc) *Task {
	return &Task{cancel: cancel, done: make(chan struct{})}
}

// Cancel requests cooperative cancellation of the generation.
func (t *Task) Cancel() {
	t.cancel()
}

// Finish marks the task complete. Safe to call more than once.
func (t *Task) Finish() {
	t.finishOnce.Do(func() { close(t.done) })
}

// IsDone reports whether the task has finished.
func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task finishes or the timeout elapses. It reports
// whether the task finished.
func (t *Task) Wait(timeout time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ChatSession is one live agent connection. The registry exclusively owns
// the set of sessions; a stream task borrows the client and transport for
// the duration of a turn under the session's turn lock.
type ChatSession struct {
	ChatID      string
	SandboxID   string
	Transport   agentsdk.Transport
	Client      Client
	Fingerprint string

	turnMu sync.Mutex

	cancelRequested atomic.Bool

	stateMu    sync.Mutex
	task       *Task
	lastUsedAt time.Time
}

// Lock serializes turns: at most one generation is in flight per chat.
func (s *ChatSession) Lock() { s.turnMu.Lock() }

// Unlock releases the turn lock.
func (s *ChatSession) Unlock() { s.turnMu.Unlock() }

// RequestCancel sets the cooperative cancel flag observed by the stream loop.
func (s *ChatSession) RequestCancel() { s.cancelRequested.Store(true) }

// ClearCancel resets the flag at the start of a new turn.
func (s *ChatSession) ClearCancel() { s.cancelRequested.Store(false) }

// CancelRequested reports whether cancellation was requested.
func (s *ChatSession) CancelRequested() bool { return s.cancelRequested.Load() }

// SetTask records the active generation task.
func (s *ChatSession) SetTask(t *Task) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.task = t
}

// ActiveTask returns the current generation task, or nil.
func (s *ChatSession) ActiveTask() *Task {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.task
}

// TaskRunning reports whether a generation is still in flight.
func (s *ChatSession) TaskRunning() bool {
	t := s.ActiveTask()
	return t != nil && !t.IsDone()
}

// Touch stamps the session as recently used.
func (s *ChatSession) Touch() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastUsedAt = time.Now()
}

// IdleFor reports whether the session has been unused for at least ttl.
func (s *ChatSession) IdleFor(ttl time.Duration) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return time.Since(s.lastUsedAt) >= ttl
}
