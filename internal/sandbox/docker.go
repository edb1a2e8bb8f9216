package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	apperrors "github.com/imryao/cli-sidecar/internal/common/errors"
	"github.com/imryao/cli-sidecar/internal/common/logger"
)

const execInspectInterval = 500 * time.Millisecond

// DockerTransport runs the agent via container exec with an attached,
// hijacked stdio stream. The docker multiplexed stream is demuxed into
// stdout chunks and stderr observer calls; a monitor polls exec-inspect
// every 500ms to detect process exit.
type DockerTransport struct {
	base

	host   string
	docker *client.Client
	execID string
	hijack types.HijackedResponse

	pid         atomic.Int64
	stopMonitor chan struct{}
	closeOnce   sync.Once
}

// NewDockerTransport targets an existing container named sandboxID.
// host overrides the runtime endpoint; empty means the environment default.
func NewDockerTransport(sandboxID string, spec LaunchSpec, host string, log *logger.Logger) *DockerTransport {
	return &DockerTransport{
		base:        newBase(sandboxID, spec, log, "docker-transport"),
		host:        host,
		stopMonitor: make(chan struct{}),
	}
}

// Connect creates and attaches the exec instance and starts the reader and
// monitor goroutines.
func (t *DockerTransport) Connect(ctx context.Context) error {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if t.host != "" {
		opts = append(opts, client.WithHost(t.host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return apperrors.ConnectionError("container runtime is not reachable", err)
	}
	t.docker = cli

	info, err := cli.ContainerInspect(ctx, t.sandboxID)
	if err != nil {
		cli.Close()
		return apperrors.ConnectionError(fmt.Sprintf("sandbox container %q not found", t.sandboxID), err)
	}
	if info.State == nil || !info.State.Running {
		if err := cli.ContainerStart(ctx, t.sandboxID, container.StartOptions{}); err != nil {
			cli.Close()
			return apperrors.ConnectionError(fmt.Sprintf("sandbox container %q could not be started", t.sandboxID), err)
		}
	}

	execResp, err := cli.ContainerExecCreate(ctx, t.sandboxID, container.ExecOptions{
		User:         t.spec.User,
		WorkingDir:   t.spec.WorkingDir,
		Env:          envSlice(t.spec.Env),
		Cmd:          []string{"bash", "-c", "exec " + t.spec.Command},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		cli.Close()
		return apperrors.ConnectionError("agent process launch failed", err)
	}
	t.execID = execResp.ID

	hijack, err := cli.ContainerExecAttach(ctx, t.execID, container.ExecAttachOptions{})
	if err != nil {
		cli.Close()
		return apperrors.ConnectionError("agent stdio attach failed", err)
	}
	t.hijack = hijack
	t.ready.Store(true)

	go t.readLoop()
	go t.monitor()

	t.log.Info("agent process started", zap.String("exec_id", t.execID))
	return nil
}

// readLoop demuxes the attached stream until it ends, then closes stdout.
func (t *DockerTransport) readLoop() {
	defer t.endStdout()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(outW, errW, t.hijack.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := errR.Read(buf)
			if n > 0 {
				t.observeStderr(string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := outR.Read(buf)
		if n > 0 {
			if !t.deliverStdout(string(buf[:n])) {
				outR.CloseWithError(io.ErrClosedPipe)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// monitor polls exec-inspect until the process exits or the transport closes.
func (t *DockerTransport) monitor() {
	defer t.ready.Store(false)

	ticker := time.NewTicker(execInspectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopMonitor:
			return
		case <-ticker.C:
			info, err := t.docker.ContainerExecInspect(context.Background(), t.execID)
			if err != nil {
				t.setExitError(apperrors.ConnectionError("agent process disappeared", err))
				return
			}
			if info.Pid > 0 {
				t.pid.Store(int64(info.Pid))
			}
			if !info.Running {
				if info.ExitCode != 0 {
					t.setExitError(apperrors.ProcessError("agent process exited", info.ExitCode))
					t.log.Warn("agent process exited abnormally", zap.Int("exit_code", info.ExitCode))
				}
				return
			}
		}
	}
}

// Send writes to the agent's stdin over the hijacked connection.
func (t *DockerTransport) Send(ctx context.Context, data []byte) error {
	if err := t.checkWritable(); err != nil {
		return apperrors.ConnectionError("send on closed channel", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.hijack.Conn.SetWriteDeadline(deadline)
		defer t.hijack.Conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.hijack.Conn.Write(data); err != nil {
		return apperrors.ConnectionError("stdin write failed", err)
	}
	return nil
}

// CloseStdin half-closes the hijacked connection so the agent sees EOF.
func (t *DockerTransport) CloseStdin() error {
	if !t.stdinClosed.CompareAndSwap(false, true) {
		return nil
	}
	return t.hijack.CloseWrite()
}

// Close tears down the exec: stops the monitor, kills the agent's process
// group, closes the stream and releases the client. Idempotent; errors are
// logged and swallowed so teardown always completes.
func (t *DockerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.ready.Store(false)
		t.markClosed()
		close(t.stopMonitor)

		if pid := t.pid.Load(); pid > 0 && t.docker != nil {
			t.killProcessGroup(int(pid))
		}
		if t.hijack.Conn != nil {
			t.hijack.Close()
		} else {
			// never attached, so no reader will close the stream
			t.endStdout()
		}
		if t.docker != nil {
			if err := t.docker.Close(); err != nil {
				t.log.Debug("docker client close", zap.Error(err))
			}
		}
		t.log.Info("transport closed")
	})
	return nil
}

// killProcessGroup signals the whole group so shell children die with the
// agent. Runs as root because the group leader may not match the exec user.
func (t *DockerTransport) killProcessGroup(pid int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := t.docker.ContainerExecCreate(ctx, t.sandboxID, container.ExecOptions{
		User: "root",
		Cmd:  []string{"/bin/kill", "-KILL", fmt.Sprintf("-%d", pid)},
	})
	if err != nil {
		t.log.Debug("kill exec create", zap.Error(err))
		return
	}
	if err := t.docker.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		t.log.Debug("kill exec start", zap.Error(err))
	}
}
