package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/imryao/cli-sidecar/internal/common/errors"
	"github.com/imryao/cli-sidecar/internal/common/logger"
	"github.com/imryao/cli-sidecar/internal/chat/session"
	"github.com/imryao/cli-sidecar/internal/chat/store"
	"github.com/imryao/cli-sidecar/internal/livebus"
	"github.com/imryao/cli-sidecar/pkg/agentsdk"
)

// Flush throttling: persist pending events after this many or this long,
// whichever comes first.
const (
	flushMaxEvents = 24
	flushInterval  = 200 * time.Millisecond
)

// Request describes one chat turn to stream.
type Request struct {
	SessionID          string
	SandboxName        string
	Prompt             string
	AssistantMessageID string
}

// OptionsBuilder produces the agent options for a turn.
type OptionsBuilder func(sessionID, sandboxName string, continueConversation bool) agentsdk.Options

// TransportBuilder produces the transport factory handed to the registry
// when a new session must be constructed.
type TransportBuilder func(sandboxName string, opts agentsdk.Options) session.TransportFactory

// Runtime drives chat turns: it resolves a session, feeds the agent's
// message stream through the processor, assigns sequence numbers, persists
// events in batches, publishes them live and maintains the message snapshot.
type Runtime struct {
	store        store.Store
	bus          livebus.Bus
	registry     *session.Registry
	buildOptions OptionsBuilder
	newTransport TransportBuilder
	log          *logger.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewRuntime wires the runtime's collaborators.
func NewRuntime(st store.Store, bus livebus.Bus, registry *session.Registry,
	buildOptions OptionsBuilder, newTransport TransportBuilder, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	return &Runtime{
		store:        st,
		bus:          bus,
		registry:     registry,
		buildOptions: buildOptions,
		newTransport: newTransport,
		log:          log.WithFields(zap.String("component", "stream-runtime")),
		active:       make(map[string]struct{}),
	}
}

// StartBackgroundChat spawns the detached stream task for a turn. It fails
// when a turn for the session is already streaming.
func (r *Runtime) StartBackgroundChat(req Request) error {
	r.mu.Lock()
	if _, busy := r.active[req.SessionID]; busy {
		r.mu.Unlock()
		return apperrors.Conflict(fmt.Sprintf("chat %s is already streaming", req.SessionID))
	}
	r.active[req.SessionID] = struct{}{}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	task := session.NewTask(cancel)

	go func() {
		defer func() {
			task.Finish()
			cancel()
			r.mu.Lock()
			delete(r.active, req.SessionID)
			r.mu.Unlock()
		}()
		r.ExecuteChat(ctx, task, req)
	}()
	return nil
}

// ExecuteChat runs one turn end to end. ctx cancellation is the cooperative
// task-level cancel used at shutdown.
func (r *Runtime) ExecuteChat(ctx context.Context, task *session.Task, req Request) {
	log := r.log.WithSessionID(req.SessionID)

	// a cancel issued before the turn started aborts it outright
	if r.registry.ConsumePendingCancel(req.SessionID) {
		log.Info("turn aborted by pending cancel")
		r.finishWithout(ctx, req, KindCancelled, map[string]any{}, store.StatusInterrupted)
		return
	}

	hasHistory, err := r.store.HasPriorAssistant(ctx, req.SessionID)
	if err != nil {
		log.Warn("prior assistant lookup failed", zap.Error(err))
	}
	opts := r.buildOptions(req.SessionID, req.SandboxName, hasHistory)

	sess, err := r.registry.GetOrCreate(ctx, req.SessionID, req.SandboxName, opts,
		r.newTransport(req.SandboxName, opts))
	if err != nil {
		log.Error("session resolution failed", zap.Error(err))
		r.finishWithout(ctx, req, KindError, errorPayload(err), store.StatusFailed)
		return
	}

	sess.Lock()
	defer sess.Unlock()
	sess.SetTask(task)
	sess.ClearCancel()
	sess.Touch()

	r.run(ctx, sess, req)
	sess.Touch()
}

// streamContext is the per-turn state owned exclusively by the stream task.
type streamContext struct {
	sessionID string
	messageID string
	streamID  string
	seq       int

	snapshot   snapshot
	processor  *Processor
	pending    []store.EventInsert
	sinceFlush int
	lastFlush  time.Time
	status     string
}

func (r *Runtime) newStreamContext(ctx context.Context, req Request) (*streamContext, error) {
	nextSeq, err := r.store.NextSeq(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("allocate sequence: %w", err)
	}
	sc := &streamContext{
		sessionID: req.SessionID,
		messageID: req.AssistantMessageID,
		streamID:  uuid.NewString(),
		seq:       nextSeq,
		lastFlush: time.Now(),
		status:    store.StatusInProgress,
	}
	log := r.log.WithSessionID(req.SessionID)
	sc.processor = NewProcessor(func(agentSessionID string) {
		log.Debug("agent session initialized", zap.String("agent_session_id", agentSessionID))
	})
	return sc, nil
}

// run sends the prompt and drains the response stream. The final flush is
// guaranteed by the deferred call regardless of how the loop ends.
func (r *Runtime) run(ctx context.Context, sess *session.ChatSession, req Request) {
	log := r.log.WithSessionID(req.SessionID)

	// flushes must outlive task cancellation so the terminal state lands
	flushCtx := context.WithoutCancel(ctx)

	sc, err := r.newStreamContext(ctx, req)
	if err != nil {
		log.Error("stream setup failed", zap.Error(err))
		r.markFailed(flushCtx, req, err)
		return
	}
	defer r.finalFlush(flushCtx, sess, sc)

	if err := sess.Client.Query(ctx, req.Prompt); err != nil {
		log.Error("prompt send failed", zap.Error(err))
		r.emit(flushCtx, sc, KindError, errorPayload(err))
		sc.status = store.StatusFailed
		return
	}

	for msg := range sess.Client.ReceiveResponse(ctx) {
		if sess.CancelRequested() {
			r.cancelStream(flushCtx, sc)
			return
		}
		for _, ev := range sc.processor.Process(msg) {
			r.emit(flushCtx, sc, ev.Kind, ev.Payload)
		}
	}

	switch {
	case ctx.Err() != nil, sess.CancelRequested():
		r.cancelStream(flushCtx, sc)

	case sc.processor.SawResult():
		payload := map[string]any{"total_cost_usd": sc.processor.TotalCostUSD()}
		if usage := sc.processor.Usage(); usage != nil {
			payload["usage"] = usage
		}
		r.emit(flushCtx, sc, KindComplete, payload)
		sc.status = store.StatusCompleted

	default:
		// the stream ended without a result: the agent process died
		err := sess.Transport.ExitError()
		if err == nil {
			err = fmt.Errorf("agent stream ended unexpectedly")
		}
		log.Error("stream failed", zap.Error(err))
		r.emit(flushCtx, sc, KindError, errorPayload(err))
		sc.status = store.StatusFailed
	}
}

func (r *Runtime) cancelStream(ctx context.Context, sc *streamContext) {
	r.emit(ctx, sc, KindCancelled, map[string]any{})
	sc.status = store.StatusInterrupted
	// the cancel was delivered; do not let it abort the next turn
	r.registry.ConsumePendingCancel(sc.sessionID)
}

// emit assigns the next seq, feeds the snapshot, queues persistence,
// publishes live and triggers a throttled flush. Single-threaded per turn.
func (r *Runtime) emit(ctx context.Context, sc *streamContext, kind string, payload map[string]any) {
	seq := sc.seq
	sc.seq++

	payload = store.SanitizePayload(payload)
	sc.snapshot.add(kind, payload)
	sc.pending = append(sc.pending, store.EventInsert{
		SessionID:     sc.sessionID,
		MessageID:     sc.messageID,
		StreamID:      sc.streamID,
		Seq:           seq,
		EventType:     kind,
		RenderPayload: payload,
	})
	sc.sinceFlush++

	env := Envelope{
		SessionID: sc.sessionID,
		MessageID: sc.messageID,
		StreamID:  sc.streamID,
		Seq:       seq,
		Kind:      kind,
		Payload:   payload,
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	if data, err := json.Marshal(env); err == nil {
		if err := r.bus.Publish(ctx, Topic(sc.sessionID), data); err != nil {
			// persistence is the source of truth; live delivery is best effort
			r.log.Warn("live publish failed", zap.String("session_id", sc.sessionID), zap.Error(err))
		}
	}

	if sc.sinceFlush >= flushMaxEvents || time.Since(sc.lastFlush) >= flushInterval {
		r.flush(ctx, sc, store.StatusInProgress)
	}
}

// flush persists pending events and the rolling snapshot. A failed batch
// falls back to per-row inserts; rows that still fail are dropped with a log
// line and leave a permanent seq hole.
func (r *Runtime) flush(ctx context.Context, sc *streamContext, status string) {
	if len(sc.pending) > 0 {
		if err := r.store.AppendEventsBatch(ctx, sc.pending); err != nil {
			r.log.Warn("batch insert failed, retrying per row",
				zap.String("session_id", sc.sessionID), zap.Error(err))
			for _, ev := range sc.pending {
				if rowErr := r.store.AppendEvent(ctx, ev); rowErr != nil {
					r.log.Error("dropping event",
						zap.String("session_id", sc.sessionID),
						zap.Int("seq", ev.Seq), zap.Error(rowErr))
				}
			}
		}
		sc.pending = sc.pending[:0]
	}

	snap := store.Snapshot{
		ContentText:   sc.snapshot.contentText(),
		ContentRender: sc.snapshot.render(),
		LastSeq:       sc.seq - 1,
		StreamStatus:  status,
		TotalCostUSD:  sc.processor.TotalCostUSD(),
	}
	if err := r.store.UpdateMessageSnapshot(ctx, sc.messageID, snap); err != nil {
		r.log.Warn("snapshot update failed",
			zap.String("message_id", sc.messageID), zap.Error(err))
	}

	sc.sinceFlush = 0
	sc.lastFlush = time.Now()
}

// finalFlush writes the terminal state. A turn that reached the end of run
// without an explicit terminal status completes, unless a cancel landed.
func (r *Runtime) finalFlush(ctx context.Context, sess *session.ChatSession, sc *streamContext) {
	status := sc.status
	if status == store.StatusInProgress {
		if sess.CancelRequested() {
			status = store.StatusInterrupted
		} else {
			status = store.StatusCompleted
		}
	}
	r.flush(ctx, sc, status)
}

// finishWithout terminates a turn that never reached the agent: it emits a
// single terminal event and flushes the terminal status.
func (r *Runtime) finishWithout(ctx context.Context, req Request, kind string, payload map[string]any, status string) {
	ctx = context.WithoutCancel(ctx)
	sc, err := r.newStreamContext(ctx, req)
	if err != nil {
		r.markFailed(ctx, req, err)
		return
	}
	r.emit(ctx, sc, kind, payload)
	r.flush(ctx, sc, status)
}

// markFailed is the last resort when not even a sequence number could be
// allocated: the message row is failed without any events.
func (r *Runtime) markFailed(ctx context.Context, req Request, cause error) {
	r.log.Error("failing turn without events",
		zap.String("session_id", req.SessionID), zap.Error(cause))
	err := r.store.UpdateMessageSnapshot(ctx, req.AssistantMessageID, store.Snapshot{
		ContentRender: map[string]any{"events": []any{}},
		StreamStatus:  store.StatusFailed,
	})
	if err != nil {
		r.log.Error("failed-state snapshot update failed", zap.Error(err))
	}
}

func errorPayload(err error) map[string]any {
	return map[string]any{
		"message": err.Error(),
		"type":    errorType(err),
	}
}

// errorType names the error kind for clients, preferring the AppError code.
func errorType(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	t := fmt.Sprintf("%T", err)
	t = strings.TrimPrefix(t, "*")
	if idx := strings.LastIndexByte(t, '.'); idx >= 0 {
		t = t[idx+1:]
	}
	return t
}
