package sandbox

import (
	"strings"
	"testing"
	"time"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"a'b'c", `'a'\''b'\''c'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildShellCommand(t *testing.T) {
	spec := LaunchSpec{
		Command:    "claude --verbose",
		Env:        map[string]string{"B": "2", "A": "it's"},
		WorkingDir: "/home/agent",
	}
	got := buildShellCommand(spec)
	want := `export A='it'\''s' && export B='2' && cd '/home/agent' && exec claude --verbose`
	if got != want {
		t.Errorf("buildShellCommand:\n got %q\nwant %q", got, want)
	}
}

func TestBuildShellCommandNoEnvNoCwd(t *testing.T) {
	got := buildShellCommand(LaunchSpec{Command: "claude"})
	if got != "exec claude" {
		t.Errorf("buildShellCommand = %q", got)
	}
}

func TestEnvSlice(t *testing.T) {
	got := envSlice(map[string]string{"Z": "26", "A": "1"})
	if len(got) != 2 || got[0] != "A=1" || got[1] != "Z=26" {
		t.Errorf("envSlice = %v", got)
	}
}

func TestK8sMonitorParsesExitStatus(t *testing.T) {
	tr := NewK8sTransport("pod1", LaunchSpec{Command: "claude"}, "ns", "agent", nil)
	tr.errorData = []byte(`{"status":"Failure","message":"command terminated with exit code 2",` +
		`"reason":"NonZeroExitCode","details":{"causes":[{"reason":"ExitCode","message":"2"}]}}`)
	close(tr.readerDone)

	tr.monitor()

	err := tr.ExitError()
	if err == nil {
		t.Fatal("expected exit error")
	}
	if !strings.Contains(err.Error(), "exit code 2") {
		t.Errorf("exit error = %v", err)
	}
	if tr.IsReady() {
		t.Error("transport should not be ready after exit")
	}
}

func TestK8sMonitorSuccessStatusIsClean(t *testing.T) {
	tr := NewK8sTransport("pod1", LaunchSpec{Command: "claude"}, "ns", "agent", nil)
	tr.errorData = []byte(`{"metadata":{},"status":"Success"}`)
	close(tr.readerDone)

	tr.monitor()

	if err := tr.ExitError(); err != nil {
		t.Errorf("unexpected exit error: %v", err)
	}
}

func TestDeliverStdoutUnblocksOnClose(t *testing.T) {
	b := newBase("c1", LaunchSpec{}, nil, "test")

	// saturate the buffer so the next delivery would block
	for i := 0; i < cap(b.stdout); i++ {
		if !b.deliverStdout("x") {
			t.Fatal("delivery into a free buffer slot must succeed")
		}
	}

	done := make(chan bool, 1)
	go func() {
		done <- b.deliverStdout("overflow")
	}()

	select {
	case <-done:
		t.Fatal("delivery into a full abandoned buffer should block until close")
	case <-time.After(50 * time.Millisecond):
	}

	b.markClosed()
	select {
	case ok := <-done:
		if ok {
			t.Error("delivery after close must report false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader stayed blocked after close")
	}

	// idempotent
	b.markClosed()
}

func TestBaseCheckWritable(t *testing.T) {
	b := newBase("c1", LaunchSpec{}, nil, "test")
	if err := b.checkWritable(); err == nil {
		t.Error("expected error before connect")
	}
	b.ready.Store(true)
	if err := b.checkWritable(); err != nil {
		t.Errorf("unexpected error when ready: %v", err)
	}
	b.stdinClosed.Store(true)
	if err := b.checkWritable(); err == nil {
		t.Error("expected error after stdin close")
	}
}
