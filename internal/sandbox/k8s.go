package sandbox

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/imryao/cli-sidecar/internal/common/errors"
	"github.com/imryao/cli-sidecar/internal/common/logger"
)

// Pod exec multiplexes stdio over one websocket; each binary frame carries a
// 1-byte channel prefix. The error channel delivers a final Status document
// consumed only by the monitor.
const (
	channelStdin  = 0
	channelStdout = 1
	channelStderr = 2
	channelError  = 3

	execSubprotocol   = "v4.channel.k8s.io"
	serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"
)

// K8sTransport runs the agent via pod exec against the in-cluster API.
// Exec does not honor a user or working directory, so the command is wrapped
// in a shell that exports the environment and cd's before exec'ing the agent.
type K8sTransport struct {
	base

	namespace string
	container string

	conn       *websocket.Conn
	writeMu    sync.Mutex
	readerDone chan struct{}
	errorData  []byte
	closeOnce  sync.Once
}

// NewK8sTransport targets the pod named sandboxID. An empty namespace is
// resolved from the service account mount at connect time.
func NewK8sTransport(sandboxID string, spec LaunchSpec, namespace, container string, log *logger.Logger) *K8sTransport {
	if container == "" {
		container = "agent"
	}
	return &K8sTransport{
		base:       newBase(sandboxID, spec, log, "k8s-transport"),
		namespace:  namespace,
		container:  container,
		readerDone: make(chan struct{}),
	}
}

// Connect dials the exec endpoint with in-cluster credentials and starts the
// reader and monitor goroutines.
func (t *K8sTransport) Connect(ctx context.Context) error {
	host := os.Getenv("KUBERNETES_SERVICE_HOST")
	port := os.Getenv("KUBERNETES_SERVICE_PORT")
	if host == "" || port == "" {
		return apperrors.ConnectionError("not running in a cluster", nil)
	}

	token, err := os.ReadFile(serviceAccountDir + "/token")
	if err != nil {
		return apperrors.ConnectionError("service account token unavailable", err)
	}
	namespace := t.namespace
	if namespace == "" {
		ns, err := os.ReadFile(serviceAccountDir + "/namespace")
		if err != nil {
			return apperrors.ConnectionError("namespace unavailable", err)
		}
		namespace = strings.TrimSpace(string(ns))
	}
	caCert, err := os.ReadFile(serviceAccountDir + "/ca.crt")
	if err != nil {
		return apperrors.ConnectionError("cluster CA unavailable", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return apperrors.ConnectionError("cluster CA is not valid PEM", nil)
	}

	q := url.Values{}
	q.Set("container", t.container)
	q.Set("stdin", "true")
	q.Set("stdout", "true")
	q.Set("stderr", "true")
	q.Set("tty", "false")
	for _, arg := range []string{"bash", "-c", buildShellCommand(t.spec)} {
		q.Add("command", arg)
	}

	u := url.URL{
		Scheme:   "wss",
		Host:     net.JoinHostPort(host, port),
		Path:     fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/exec", namespace, t.sandboxID),
		RawQuery: q.Encode(),
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{RootCAs: pool},
		Subprotocols:     []string{execSubprotocol},
		HandshakeTimeout: 15 * time.Second,
	}
	header := http.Header{"Authorization": {"Bearer " + strings.TrimSpace(string(token))}}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		msg := fmt.Sprintf("pod exec into %q failed", t.sandboxID)
		if resp != nil {
			msg = fmt.Sprintf("%s (status %s)", msg, resp.Status)
		}
		return apperrors.ConnectionError(msg, err)
	}
	t.conn = conn
	t.ready.Store(true)

	go t.readLoop()
	go t.monitor()

	t.log.Info("agent process started", zap.String("namespace", namespace))
	return nil
}

// readLoop demuxes frames by channel prefix until the socket closes.
func (t *K8sTransport) readLoop() {
	defer close(t.readerDone)
	defer t.endStdout()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		payload := data[1:]
		switch data[0] {
		case channelStdout:
			if len(payload) > 0 {
				if !t.deliverStdout(string(payload)) {
					return
				}
			}
		case channelStderr:
			if len(payload) > 0 {
				t.observeStderr(string(payload))
			}
		case channelError:
			// status document arrives last; accumulate for the monitor
			t.errorData = append(t.errorData, payload...)
		}
	}
}

// execStatus is the Status document delivered on the error channel.
type execStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Details struct {
		Causes []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"causes"`
	} `json:"details"`
}

// monitor waits for the reader to finish, then derives the exit error from
// the error-channel status.
func (t *K8sTransport) monitor() {
	defer t.ready.Store(false)

	<-t.readerDone

	if len(t.errorData) == 0 {
		return
	}
	var status execStatus
	if err := json.Unmarshal(t.errorData, &status); err != nil {
		t.log.Debug("undecodable exec status", zap.ByteString("data", t.errorData))
		return
	}
	if status.Status == "Success" {
		return
	}

	exitCode := -1
	for _, cause := range status.Details.Causes {
		if cause.Reason == "ExitCode" {
			if code, err := strconv.Atoi(cause.Message); err == nil {
				exitCode = code
			}
		}
	}
	if status.Reason == "NonZeroExitCode" || exitCode >= 0 {
		t.setExitError(apperrors.ProcessError("agent process exited", exitCode))
		t.log.Warn("agent process exited abnormally", zap.Int("exit_code", exitCode))
		return
	}
	t.setExitError(apperrors.ConnectionError(status.Message, nil))
}

// Send writes a stdin frame.
func (t *K8sTransport) Send(ctx context.Context, data []byte) error {
	if err := t.checkWritable(); err != nil {
		return apperrors.ConnectionError("send on closed channel", err)
	}
	return t.writeFrame(ctx, data)
}

// CloseStdin sends an empty stdin frame; pod exec cannot half-close, and the
// empty frame is the conventional EOF signal.
func (t *K8sTransport) CloseStdin() error {
	if !t.stdinClosed.CompareAndSwap(false, true) {
		return nil
	}
	return t.writeFrame(context.Background(), nil)
}

func (t *K8sTransport) writeFrame(ctx context.Context, data []byte) error {
	frame := make([]byte, 1+len(data))
	frame[0] = channelStdin
	copy(frame[1:], data)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return apperrors.ConnectionError("stdin write failed", err)
	}
	return nil
}

// Close tears down the websocket. Idempotent; the reader unblocks on the
// closed socket and terminates the monitor.
func (t *K8sTransport) Close() error {
	t.closeOnce.Do(func() {
		t.ready.Store(false)
		t.markClosed()
		if t.conn != nil {
			t.writeMu.Lock()
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			t.writeMu.Unlock()
			if err := t.conn.Close(); err != nil {
				t.log.Debug("websocket close", zap.Error(err))
			}
		} else {
			t.endStdout()
		}
		t.log.Info("transport closed")
	})
	return nil
}
