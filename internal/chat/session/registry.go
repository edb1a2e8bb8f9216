package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imryao/cli-sidecar/internal/common/logger"
	"github.com/imryao/cli-sidecar/pkg/agentsdk"
)

const defaultCloseWait = 5 * time.Second

// TransportFactory constructs the transport for a new session.
type TransportFactory func() (agentsdk.Transport, error)

// ClientFactory constructs the agent client over a transport.
type ClientFactory func(t agentsdk.Transport) Client

// Registry is the process-wide cache of live agent sessions. The map lock is
// held only across lookup, insert and remove, never across network I/O.
type Registry struct {
	log       *logger.Logger
	closeWait time.Duration
	newClient ClientFactory

	mu             sync.Mutex
	sessions       map[string]*ChatSession
	pendingCancels map[string]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClientFactory overrides how clients are constructed over transports.
func WithClientFactory(f ClientFactory) Option {
	return func(r *Registry) { r.newClient = f }
}

// WithCloseWait overrides how long close waits for an active task to finish.
func WithCloseWait(d time.Duration) Option {
	return func(r *Registry) { r.closeWait = d }
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "session-registry"))
	r := &Registry{
		log:            log,
		closeWait:      defaultCloseWait,
		sessions:       make(map[string]*ChatSession),
		pendingCancels: make(map[string]struct{}),
	}
	r.newClient = func(t agentsdk.Transport) Client {
		return agentsdk.NewClient(t, log)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fingerprint hashes the option subset whose change invalidates a session.
// encoding/json emits map keys in sorted order, so the digest is canonical.
func Fingerprint(opts agentsdk.Options) string {
	payload := map[string]any{
		"system_prompt":    opts.SystemPrompt,
		"env":              opts.Env,
		"mcp_servers":      opts.MCPServers,
		"disallowed_tools": opts.DisallowedTools,
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GetOrCreate returns the live session for chatID, reusing it while
// (sandbox, fingerprint) are unchanged and the transport is ready. A stale
// session is closed and replaced.
func (r *Registry) GetOrCreate(ctx context.Context, chatID, sandboxID string, opts agentsdk.Options, factory TransportFactory) (*ChatSession, error) {
	fp := Fingerprint(opts)

	r.mu.Lock()
	existing := r.sessions[chatID]
	if existing != nil && existing.SandboxID == sandboxID &&
		existing.Fingerprint == fp && existing.Transport.IsReady() {
		existing.Touch()
		r.mu.Unlock()
		return existing, nil
	}
	delete(r.sessions, chatID)
	r.mu.Unlock()

	if existing != nil {
		r.log.Info("replacing stale session",
			zap.String("chat_id", chatID),
			zap.Bool("config_drift", existing.Fingerprint != fp))
		r.closeSession(ctx, existing)
	}

	transport, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct transport: %w", err)
	}
	client := r.newClient(transport)
	if err := client.Connect(ctx); err != nil {
		_ = client.Disconnect()
		_ = transport.Close()
		return nil, fmt.Errorf("connect agent for chat %s: %w", chatID, err)
	}

	sess := &ChatSession{
		ChatID:      chatID,
		SandboxID:   sandboxID,
		Transport:   transport,
		Client:      client,
		Fingerprint: fp,
	}
	sess.Touch()

	r.mu.Lock()
	r.sessions[chatID] = sess
	r.mu.Unlock()

	r.log.Info("session created", zap.String("chat_id", chatID), zap.String("sandbox", sandboxID))
	return sess, nil
}

// Get returns the live session for chatID, or nil.
func (r *Registry) Get(chatID string) *ChatSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[chatID]
}

// CancelGeneration records a pending cancel, sets the session's cancel flag
// and interrupts the agent. Interrupt errors are logged and swallowed.
func (r *Registry) CancelGeneration(ctx context.Context, chatID string) {
	r.mu.Lock()
	r.pendingCancels[chatID] = struct{}{}
	sess := r.sessions[chatID]
	r.mu.Unlock()

	if sess == nil {
		return
	}
	sess.RequestCancel()
	if err := sess.Client.Interrupt(ctx); err != nil {
		r.log.Warn("agent interrupt failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// ConsumePendingCancel returns and clears the one-shot cancel flag for chatID.
// It absorbs a cancel that arrived before the turn (or the session) started.
func (r *Registry) ConsumePendingCancel(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pendingCancels[chatID]
	delete(r.pendingCancels, chatID)
	return ok
}

// Terminate removes and closes the session for chatID. A no-op when absent.
func (r *Registry) Terminate(ctx context.Context, chatID string) {
	r.mu.Lock()
	sess := r.sessions[chatID]
	delete(r.sessions, chatID)
	r.mu.Unlock()

	if sess != nil {
		r.closeSession(ctx, sess)
	}
}

// TerminateAll removes and closes every session; called at shutdown.
func (r *Registry) TerminateAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*ChatSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*ChatSession)
	r.mu.Unlock()

	for _, sess := range sessions {
		r.closeSession(ctx, sess)
	}
}

// ReapIdle evicts sessions idle for at least ttl whose task is absent or
// done. Sessions are removed under the lock and closed outside it.
func (r *Registry) ReapIdle(ctx context.Context, ttl time.Duration) {
	r.mu.Lock()
	var idle []*ChatSession
	for chatID, sess := range r.sessions {
		if sess.TaskRunning() {
			continue
		}
		if sess.IdleFor(ttl) {
			idle = append(idle, sess)
			delete(r.sessions, chatID)
		}
	}
	r.mu.Unlock()

	for _, sess := range idle {
		r.log.Info("reaping idle session", zap.String("chat_id", sess.ChatID))
		r.closeSession(ctx, sess)
	}
}

// StartReaper runs ReapIdle every interval until ctx is cancelled.
func (r *Registry) StartReaper(ctx context.Context, interval, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ReapIdle(ctx, ttl)
			}
		}
	}()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// closeSession tears a session down: cancel the active task and wait briefly,
// disconnect the client, close the transport. Every step's errors are logged
// and swallowed so shutdown always completes.
func (r *Registry) closeSession(ctx context.Context, sess *ChatSession) {
	log := r.log.WithFields(zap.String("chat_id", sess.ChatID))

	if task := sess.ActiveTask(); task != nil && !task.IsDone() {
		task.Cancel()
		if !task.Wait(r.closeWait) {
			log.Warn("generation task did not stop in time")
		}
	}
	if err := sess.Client.Disconnect(); err != nil {
		log.Warn("client disconnect failed", zap.Error(err))
	}
	if err := sess.Transport.Close(); err != nil {
		log.Warn("transport close failed", zap.Error(err))
	}
	log.Info("session closed")
}
