// Package sandbox provides stdio channels to agent processes running inside
// pre-existing sandboxes. Two backends are supported: container exec against
// a local container runtime, and pod exec over the cluster API. Sandboxes
// are never created here, only exec'd into.
package sandbox

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/imryao/cli-sidecar/internal/common/config"
	"github.com/imryao/cli-sidecar/internal/common/logger"
	"github.com/imryao/cli-sidecar/pkg/agentsdk"
	"go.uber.org/zap"
)

// LaunchSpec describes the agent process to start inside a sandbox.
// Command is a complete shell command line; backends run it under
// `bash -c 'exec <command>'` so the agent replaces the shell.
type LaunchSpec struct {
	Command    string
	Env        map[string]string
	WorkingDir string
	User       string

	// Stderr, when set, receives raw stderr chunks. Stderr is never mixed
	// into the stdout stream.
	Stderr func(chunk string)
}

// NewTransport constructs the transport selected by cfg.Backend.
func NewTransport(cfg config.SandboxConfig, sandboxID string, spec LaunchSpec, log *logger.Logger) (agentsdk.Transport, error) {
	switch cfg.Backend {
	case "docker":
		return NewDockerTransport(sandboxID, spec, cfg.DockerHost, log), nil
	case "k8s":
		return NewK8sTransport(sandboxID, spec, cfg.Namespace, cfg.Container, log), nil
	}
	return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
}

// base carries the state shared by all transports: the stdout channel, the
// ready flag, the stdin half-close flag and the terminal exit error set by
// the monitor. The stdout channel is written and closed only by the backend's
// reader goroutine; closing it is the end-of-stream sentinel.
type base struct {
	sandboxID string
	spec      LaunchSpec
	log       *logger.Logger

	stdout      chan string
	stop        chan struct{}
	endOnce     sync.Once
	stopOnce    sync.Once
	ready       atomic.Bool
	stdinClosed atomic.Bool

	mu      sync.Mutex
	exitErr error
}

func newBase(sandboxID string, spec LaunchSpec, log *logger.Logger, component string) base {
	if log == nil {
		log = logger.Default()
	}
	return base{
		sandboxID: sandboxID,
		spec:      spec,
		log: log.WithFields(
			zap.String("component", component),
			zap.String("sandbox", sandboxID),
		),
		stdout: make(chan string, 256),
		stop:   make(chan struct{}),
	}
}

// Recv returns the stdout chunk stream. The channel closes when the stream ends.
func (b *base) Recv() <-chan string {
	return b.stdout
}

// IsReady reports whether the channel is connected and writable.
func (b *base) IsReady() bool {
	return b.ready.Load()
}

// ExitError returns the terminal process error, or nil while alive.
func (b *base) ExitError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitErr
}

func (b *base) setExitError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exitErr == nil {
		b.exitErr = err
	}
}

// endStdout closes the stdout channel exactly once.
func (b *base) endStdout() {
	b.endOnce.Do(func() {
		close(b.stdout)
	})
}

// deliverStdout hands a chunk to the consumer. It reports false once the
// transport is closing, so a reader facing an abandoned full buffer exits
// instead of blocking forever.
func (b *base) deliverStdout(chunk string) bool {
	select {
	case b.stdout <- chunk:
		return true
	case <-b.stop:
		return false
	}
}

// markClosed releases any reader blocked in deliverStdout.
func (b *base) markClosed() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
}

func (b *base) observeStderr(chunk string) {
	if b.spec.Stderr != nil {
		b.spec.Stderr(chunk)
	}
}

// checkWritable guards Send implementations.
func (b *base) checkWritable() error {
	if err := b.ExitError(); err != nil {
		return err
	}
	if b.stdinClosed.Load() {
		return fmt.Errorf("stdin is closed")
	}
	if !b.ready.Load() {
		return fmt.Errorf("transport is not connected")
	}
	return nil
}
