package agentsdk

import "context"

// Transport is a bidirectional line-delimited channel to an agent process
// running inside a sandbox. Implementations live in internal/sandbox.
//
// Recv returns a receive-only channel of stdout text chunks; the channel is
// closed once the underlying stream ends or the process exits. The sequence
// is finite and non-restartable.
type Transport interface {
	// Connect launches the agent process and starts the reader and monitor.
	Connect(ctx context.Context) error

	// IsReady reports whether the channel is connected and writable.
	IsReady() bool

	// Send appends data to the agent's stdin. It fails with a connection
	// error once the channel has been closed or the process has exited.
	Send(ctx context.Context, data []byte) error

	// Recv returns the stdout chunk stream.
	Recv() <-chan string

	// CloseStdin half-closes the channel so the agent sees EOF on stdin.
	CloseStdin() error

	// Close tears the channel down. Idempotent.
	Close() error

	// ExitError returns the terminal process error observed by the monitor,
	// or nil while the process is alive.
	ExitError() error
}
