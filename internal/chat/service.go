// Package chat exposes the chat operations behind the HTTP edge: starting a
// turn, replaying and following a session's event stream, and stopping a
// generation.
package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imryao/cli-sidecar/internal/chat/session"
	"github.com/imryao/cli-sidecar/internal/chat/store"
	"github.com/imryao/cli-sidecar/internal/chat/stream"
	apperrors "github.com/imryao/cli-sidecar/internal/common/errors"
	"github.com/imryao/cli-sidecar/internal/common/logger"
	"github.com/imryao/cli-sidecar/internal/livebus"
)

// pingInterval is how often an idle SSE stream emits a keepalive.
const pingInterval = 30 * time.Second

// SendFunc delivers one named SSE event to the client. Returning an error
// aborts the stream.
type SendFunc func(event string, data []byte) error

// Service coordinates persistence, the live bus and the stream runtime.
type Service struct {
	store    store.Store
	bus      livebus.Bus
	runtime  *stream.Runtime
	registry *session.Registry
	log      *logger.Logger

	pingEvery time.Duration
}

// NewService wires the chat service.
func NewService(st store.Store, bus livebus.Bus, runtime *stream.Runtime,
	registry *session.Registry, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:     st,
		bus:       bus,
		runtime:   runtime,
		registry:  registry,
		log:       log.WithFields(zap.String("component", "chat-service")),
		pingEvery: pingInterval,
	}
}

// InitiateChat persists the user message and the assistant placeholder, then
// starts the background stream task. It returns the assistant message id the
// client follows on the stream endpoint.
func (s *Service) InitiateChat(ctx context.Context, sessionID, sandboxName, prompt string) (string, error) {
	if sessionID == "" {
		return "", apperrors.BadRequest("session id is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", apperrors.BadRequest("prompt must not be empty")
	}
	if sandboxName == "" {
		// a live session already knows its sandbox; a new one must name it
		sess := s.registry.Get(sessionID)
		if sess == nil {
			return "", apperrors.BadRequest("sandbox name is required for a new session")
		}
		sandboxName = sess.SandboxID
	}

	if _, err := s.store.CreateMessage(ctx, sessionID, store.RoleUser, prompt, store.StatusCompleted); err != nil {
		return "", apperrors.Wrap(err, "persist user message")
	}
	assistantID, err := s.store.CreateMessage(ctx, sessionID, store.RoleAssistant, "", store.StatusInProgress)
	if err != nil {
		return "", apperrors.Wrap(err, "persist assistant placeholder")
	}

	err = s.runtime.StartBackgroundChat(stream.Request{
		SessionID:          sessionID,
		SandboxName:        sandboxName,
		Prompt:             prompt,
		AssistantMessageID: assistantID,
	})
	if err != nil {
		// the placeholder would otherwise stay in_progress forever
		failErr := s.store.UpdateMessageSnapshot(ctx, assistantID, store.Snapshot{
			ContentRender: map[string]any{"events": []any{}},
			StreamStatus:  store.StatusFailed,
		})
		if failErr != nil {
			s.log.Error("failed to mark rejected placeholder",
				zap.String("message_id", assistantID), zap.Error(failErr))
		}
		return "", err
	}

	s.log.Info("chat turn started",
		zap.String("session_id", sessionID),
		zap.String("message_id", assistantID))
	return assistantID, nil
}

// Stream replays the persisted events with seq > afterSeq, then follows the
// live feed until a terminal event, client disconnect or send failure.
// Subscribing before reading the backlog closes the gap between the two
// sources; live events at or below the replayed high-water mark are dropped.
func (s *Service) Stream(ctx context.Context, sessionID string, afterSeq int, send SendFunc) error {
	log := s.log.WithSessionID(sessionID)

	sub, err := s.bus.Subscribe(ctx, stream.Topic(sessionID))
	if err != nil {
		return apperrors.Wrap(err, "subscribe live feed")
	}
	defer sub.Close()

	backlog, err := s.store.EventsAfter(ctx, sessionID, afterSeq)
	if err != nil {
		return apperrors.Wrap(err, "load event backlog")
	}

	// The whole backlog is replayed even past a terminal event: a prior
	// turn's complete must not cut off the live events of the next turn.
	// Only a terminal kind arriving live closes the stream.
	maxSeq := afterSeq
	for _, ev := range backlog {
		data, err := json.Marshal(envelopeFromEvent(ev))
		if err != nil {
			log.Warn("skipping unmarshalable backlog event", zap.Int("seq", ev.Seq), zap.Error(err))
			continue
		}
		if err := send("stream", data); err != nil {
			return err
		}
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}

	ping := time.NewTicker(s.pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ping.C:
			if err := send("ping", nil); err != nil {
				return err
			}

		case raw, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			var env struct {
				Seq  int    `json:"seq"`
				Kind string `json:"kind"`
			}
			if err := json.Unmarshal(raw, &env); err != nil {
				log.Warn("skipping malformed live message", zap.Error(err))
				continue
			}
			if env.Seq <= maxSeq {
				continue
			}
			maxSeq = env.Seq
			if err := send("stream", raw); err != nil {
				return err
			}
			if stream.IsTerminalKind(env.Kind) {
				return nil
			}
		}
	}
}

// StopStream cancels the in-flight generation for a session. Stopping a
// session with nothing running is a no-op.
func (s *Service) StopStream(ctx context.Context, sessionID string) {
	s.registry.CancelGeneration(ctx, sessionID)
}

func envelopeFromEvent(ev store.Event) stream.Envelope {
	return stream.Envelope{
		SessionID: ev.SessionID,
		MessageID: ev.MessageID,
		StreamID:  ev.StreamID,
		Seq:       ev.Seq,
		Kind:      ev.EventType,
		Payload:   ev.RenderPayload,
		TS:        ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
