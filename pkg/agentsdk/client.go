package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/imryao/cli-sidecar/internal/common/logger"
	"go.uber.org/zap"
)

// Client drives one agent process over a Transport. It owns a reader
// goroutine that splits the stdout chunk stream into lines and decodes them
// into typed messages. A Client serves one conversation; at most one response
// is consumed at a time (the caller serializes turns).
type Client struct {
	transport Transport
	log       *logger.Logger

	msgs chan Message
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	reqID     atomic.Int64
}

// NewClient wraps a transport. Connect must be called before Query.
func NewClient(transport Transport, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		transport: transport,
		log:       log.WithFields(zap.String("component", "agent-client")),
		msgs:      make(chan Message, 64),
		done:      make(chan struct{}),
	}
}

// Connect establishes the transport and starts the reader.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}
	go c.readLoop()
	return nil
}

func (c *Client) readLoop() {
	defer close(c.msgs)

	var buf strings.Builder
	for chunk := range c.transport.Recv() {
		buf.WriteString(chunk)
		for {
			s := buf.String()
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(s[:idx])
			buf.Reset()
			buf.WriteString(s[idx+1:])
			if line == "" {
				continue
			}

			msg, err := ParseMessage([]byte(line))
			if err != nil {
				c.log.Warn("dropping undecodable agent line", zap.Error(err))
				continue
			}
			if msg == nil {
				continue
			}

			select {
			case c.msgs <- msg:
			case <-c.done:
				return
			}
		}
	}
}

// Query sends a user prompt to the agent.
func (c *Client) Query(ctx context.Context, prompt string) error {
	payload := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	}
	return c.send(ctx, payload)
}

// ReceiveResponse returns a channel yielding messages for the current turn,
// up to and including the terminating ResultMessage. The channel closes when
// the result arrives, the agent stream ends, or ctx is cancelled.
func (c *Client) ReceiveResponse(ctx context.Context) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case msg, ok := <-c.msgs:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
				if _, isResult := msg.(*ResultMessage); isResult {
					return
				}
			}
		}
	}()
	return out
}

// Interrupt asks the agent to abort the in-flight turn. The acknowledgement
// is not awaited; the turn ends with a result message on the normal stream.
func (c *Client) Interrupt(ctx context.Context) error {
	payload := map[string]any{
		"type":       "control_request",
		"request_id": fmt.Sprintf("req_%d", c.reqID.Add(1)),
		"request":    map[string]any{"subtype": "interrupt"},
	}
	return c.send(ctx, payload)
}

func (c *Client) send(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode agent message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("client is disconnected")
	default:
	}
	return c.transport.Send(ctx, data)
}

// Disconnect stops the reader and half-closes the agent's stdin. The
// transport itself is closed by whoever owns it.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.CloseStdin(); err != nil {
			c.log.Debug("stdin close on disconnect", zap.Error(err))
		}
	})
	return nil
}
