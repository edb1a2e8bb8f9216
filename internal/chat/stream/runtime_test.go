package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/imryao/cli-sidecar/internal/common/errors"
	"github.com/imryao/cli-sidecar/internal/chat/session"
	"github.com/imryao/cli-sidecar/internal/chat/store"
	"github.com/imryao/cli-sidecar/internal/livebus"
	"github.com/imryao/cli-sidecar/pkg/agentsdk"
)

type rtTransport struct {
	mu      sync.Mutex
	ready   bool
	exitErr error
	out     chan string
}

func newRTTransport() *rtTransport {
	return &rtTransport{ready: true, out: make(chan string)}
}

func (f *rtTransport) Connect(ctx context.Context) error           { return nil }
func (f *rtTransport) Send(ctx context.Context, data []byte) error { return nil }
func (f *rtTransport) Recv() <-chan string                         { return f.out }
func (f *rtTransport) CloseStdin() error                           { return nil }

func (f *rtTransport) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *rtTransport) ExitError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitErr
}

func (f *rtTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = false
	return nil
}

// scriptedClient replays canned message turns; an optional live channel
// gives tests control over delivery timing.
type scriptedClient struct {
	mu    sync.Mutex
	turns [][]agentsdk.Message
	live  chan agentsdk.Message
}

func (c *scriptedClient) addTurn(msgs ...agentsdk.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, msgs)
}

func (c *scriptedClient) Connect(ctx context.Context) error             { return nil }
func (c *scriptedClient) Query(ctx context.Context, prompt string) error { return nil }
func (c *scriptedClient) Interrupt(ctx context.Context) error            { return nil }
func (c *scriptedClient) Disconnect() error                              { return nil }

func (c *scriptedClient) ReceiveResponse(ctx context.Context) <-chan agentsdk.Message {
	c.mu.Lock()
	var msgs []agentsdk.Message
	if len(c.turns) > 0 {
		msgs = c.turns[0]
		c.turns = c.turns[1:]
	}
	live := c.live
	c.mu.Unlock()

	out := make(chan agentsdk.Message)
	go func() {
		defer close(out)
		for _, m := range msgs {
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
			if _, ok := m.(*agentsdk.ResultMessage); ok {
				return
			}
		}
		if live == nil {
			return
		}
		for {
			select {
			case m, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
				if _, isResult := m.(*agentsdk.ResultMessage); isResult {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func textMsg(text string) *agentsdk.AssistantMessage {
	return &agentsdk.AssistantMessage{
		Content: []agentsdk.ContentBlock{&agentsdk.TextBlock{Text: text}},
	}
}

func resultMsg(cost float64) *agentsdk.ResultMessage {
	return &agentsdk.ResultMessage{Subtype: "success", TotalCostUSD: cost}
}

type runtimeFixture struct {
	rt        *Runtime
	store     *store.MemoryStore
	bus       *livebus.MemoryBus
	registry  *session.Registry
	client    *scriptedClient
	transport *rtTransport
}

func newRuntimeFixture() *runtimeFixture {
	f := &runtimeFixture{
		store:     store.NewMemory(),
		bus:       livebus.NewMemoryBus(nil),
		client:    &scriptedClient{},
		transport: newRTTransport(),
	}
	f.registry = session.NewRegistry(nil,
		session.WithClientFactory(func(t agentsdk.Transport) session.Client { return f.client }),
		session.WithCloseWait(100*time.Millisecond),
	)
	buildOptions := func(sessionID, sandboxName string, cont bool) agentsdk.Options {
		return agentsdk.Options{}
	}
	newTransport := func(sandboxName string, opts agentsdk.Options) session.TransportFactory {
		return func() (agentsdk.Transport, error) { return f.transport, nil }
	}
	f.rt = NewRuntime(f.store, f.bus, f.registry, buildOptions, newTransport, nil)
	return f
}

func (f *runtimeFixture) newAssistantMessage(t *testing.T, sessionID string) string {
	t.Helper()
	id, err := f.store.CreateMessage(context.Background(), sessionID,
		store.RoleAssistant, "", store.StatusInProgress)
	require.NoError(t, err)
	return id
}

func (f *runtimeFixture) executeTurn(t *testing.T, req Request) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task := session.NewTask(cancel)
	f.rt.ExecuteChat(ctx, task, req)
	task.Finish()
}

func (f *runtimeFixture) waitTerminal(t *testing.T, messageID string) store.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := f.store.Message(messageID); ok && msg.StreamStatus != store.StatusInProgress {
			return msg
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message never reached a terminal status")
	return store.Message{}
}

func TestFreshTurnSingleTextReply(t *testing.T) {
	f := newRuntimeFixture()
	ctx := context.Background()
	msgID := f.newAssistantMessage(t, "s1")
	f.client.addTurn(textMsg("hello"), resultMsg(0.01))

	f.executeTurn(t, Request{
		SessionID: "s1", SandboxName: "c1", Prompt: "hi", AssistantMessageID: msgID,
	})

	events, err := f.store.EventsAfter(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, 1, events[0].Seq)
	assert.Equal(t, KindAssistantText, events[0].EventType)
	assert.Equal(t, "hello", events[0].RenderPayload["text"])

	assert.Equal(t, 2, events[1].Seq)
	assert.Equal(t, KindComplete, events[1].EventType)
	assert.Equal(t, 0.01, events[1].RenderPayload["total_cost_usd"])

	msg, ok := f.store.Message(msgID)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.ContentText)
	assert.Equal(t, 2, msg.LastSeq)
	assert.Equal(t, store.StatusCompleted, msg.StreamStatus)
	assert.Equal(t, 0.01, msg.TotalCostUSD)
}

func TestSeqContinuesAcrossTurns(t *testing.T) {
	f := newRuntimeFixture()
	ctx := context.Background()

	first := f.newAssistantMessage(t, "s1")
	f.client.addTurn(textMsg("one"), resultMsg(0.01))
	f.executeTurn(t, Request{SessionID: "s1", SandboxName: "c1", Prompt: "a", AssistantMessageID: first})

	second := f.newAssistantMessage(t, "s1")
	f.client.addTurn(textMsg("two"), resultMsg(0.01))
	f.executeTurn(t, Request{SessionID: "s1", SandboxName: "c1", Prompt: "b", AssistantMessageID: second})

	events, err := f.store.EventsAfter(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq, "seq must be dense and strictly increasing")
	}
	assert.Equal(t, "two", events[2].RenderPayload["text"])
}

func TestPendingCancelAbortsTurnBeforeAgent(t *testing.T) {
	f := newRuntimeFixture()
	ctx := context.Background()
	msgID := f.newAssistantMessage(t, "s1")

	factoryCalled := false
	f.rt.newTransport = func(sandboxName string, opts agentsdk.Options) session.TransportFactory {
		return func() (agentsdk.Transport, error) {
			factoryCalled = true
			return f.transport, nil
		}
	}

	f.registry.CancelGeneration(ctx, "s1")
	f.executeTurn(t, Request{SessionID: "s1", SandboxName: "c1", Prompt: "hi", AssistantMessageID: msgID})

	assert.False(t, factoryCalled, "a pre-cancelled turn must not contact the sandbox")

	events, _ := f.store.EventsAfter(ctx, "s1", 0)
	require.Len(t, events, 1)
	assert.Equal(t, KindCancelled, events[0].EventType)

	msg, _ := f.store.Message(msgID)
	assert.Equal(t, store.StatusInterrupted, msg.StreamStatus)

	// the one-shot is consumed
	assert.False(t, f.registry.ConsumePendingCancel("s1"))
}

func TestMidStreamCancellation(t *testing.T) {
	f := newRuntimeFixture()
	ctx := context.Background()
	msgID := f.newAssistantMessage(t, "s2")
	f.client.live = make(chan agentsdk.Message)

	sub, err := f.bus.Subscribe(ctx, Topic("s2"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.rt.StartBackgroundChat(Request{
		SessionID: "s2", SandboxName: "c1", Prompt: "go", AssistantMessageID: msgID,
	}))

	f.client.live <- textMsg("A")
	select {
	case <-sub.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("first envelope never arrived on the bus")
	}

	f.registry.CancelGeneration(ctx, "s2")
	f.client.live <- textMsg("B")
	close(f.client.live)

	msg := f.waitTerminal(t, msgID)
	assert.Equal(t, store.StatusInterrupted, msg.StreamStatus)

	events, _ := f.store.EventsAfter(ctx, "s2", 0)
	require.Len(t, events, 2)
	assert.Equal(t, KindAssistantText, events[0].EventType)
	assert.Equal(t, "A", events[0].RenderPayload["text"])
	assert.Equal(t, KindCancelled, events[1].EventType)
	assert.Equal(t, events[1].Seq, msg.LastSeq)
}

func TestTransportSetupFailure(t *testing.T) {
	f := newRuntimeFixture()
	ctx := context.Background()
	msgID := f.newAssistantMessage(t, "s1")

	f.rt.newTransport = func(sandboxName string, opts agentsdk.Options) session.TransportFactory {
		return func() (agentsdk.Transport, error) {
			return nil, apperrors.ConnectionError("sandbox unreachable", nil)
		}
	}

	f.executeTurn(t, Request{SessionID: "s1", SandboxName: "c1", Prompt: "hi", AssistantMessageID: msgID})

	events, _ := f.store.EventsAfter(ctx, "s1", 0)
	require.Len(t, events, 1)
	assert.Equal(t, KindError, events[0].EventType)
	assert.Equal(t, apperrors.ErrCodeConnection, events[0].RenderPayload["type"])

	msg, _ := f.store.Message(msgID)
	assert.Equal(t, store.StatusFailed, msg.StreamStatus)
}

func TestStreamEndingWithoutResultFails(t *testing.T) {
	f := newRuntimeFixture()
	ctx := context.Background()
	msgID := f.newAssistantMessage(t, "s1")

	f.transport.mu.Lock()
	f.transport.exitErr = apperrors.ProcessError("agent process exited", 137)
	f.transport.mu.Unlock()
	f.client.addTurn(textMsg("partial")) // no result message

	f.executeTurn(t, Request{SessionID: "s1", SandboxName: "c1", Prompt: "hi", AssistantMessageID: msgID})

	events, _ := f.store.EventsAfter(ctx, "s1", 0)
	require.Len(t, events, 2)
	assert.Equal(t, KindError, events[1].EventType)
	assert.Equal(t, apperrors.ErrCodeProcess, events[1].RenderPayload["type"])

	msg, _ := f.store.Message(msgID)
	assert.Equal(t, store.StatusFailed, msg.StreamStatus)
}

func TestStartBackgroundChatRejectsConcurrentTurn(t *testing.T) {
	f := newRuntimeFixture()
	f.rt.mu.Lock()
	f.rt.active["s1"] = struct{}{}
	f.rt.mu.Unlock()

	err := f.rt.StartBackgroundChat(Request{SessionID: "s1"})
	require.Error(t, err)
	assert.Equal(t, 409, apperrors.GetHTTPStatus(err))
}

func TestEnvelopeWireFormat(t *testing.T) {
	f := newRuntimeFixture()
	ctx := context.Background()
	msgID := f.newAssistantMessage(t, "s1")
	f.client.addTurn(textMsg("hello"), resultMsg(0.01))

	sub, err := f.bus.Subscribe(ctx, Topic("s1"))
	require.NoError(t, err)
	defer sub.Close()

	f.executeTurn(t, Request{SessionID: "s1", SandboxName: "c1", Prompt: "hi", AssistantMessageID: msgID})

	raw := <-sub.Messages()
	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	for _, key := range []string{"sessionId", "messageId", "streamId", "seq", "kind", "payload", "ts"} {
		assert.Contains(t, env, key)
	}
	assert.Equal(t, "s1", env["sessionId"])
	assert.Equal(t, msgID, env["messageId"])
	assert.Equal(t, float64(1), env["seq"])
}
