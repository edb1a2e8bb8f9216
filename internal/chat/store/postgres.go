package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/imryao/cli-sidecar/internal/common/logger"
)

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgres connects a pool to the database at url and verifies it with a ping.
func NewPostgres(ctx context.Context, url string, maxConns, minConns int32, log *logger.Logger) (*PostgresStore, error) {
	if log == nil {
		log = logger.Default()
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &PostgresStore{
		pool: pool,
		log:  log.WithFields(zap.String("component", "postgres-store")),
	}, nil
}

// EnsureSchema creates the two relations and the (session_id, seq) index if
// they do not exist, so the sidecar runs against a fresh database.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content_text TEXT NOT NULL DEFAULT '',
			content_render JSONB NOT NULL DEFAULT '{}',
			last_seq INTEGER NOT NULL DEFAULT 0,
			stream_status TEXT NOT NULL DEFAULT 'completed',
			total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS message_events (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			stream_id UUID NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			render_payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_events_session_seq
			ON message_events (session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages (session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, sessionID, role, contentText, streamStatus string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content_text, stream_status)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, sessionID, role, StripNullBytes(contentText), streamStatus)
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev EventInsert) error {
	payload, err := marshalPayload(ev.RenderPayload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO message_events (id, session_id, message_id, stream_id, seq, event_type, render_payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`,
		uuid.NewString(), ev.SessionID, ev.MessageID, ev.StreamID, ev.Seq, ev.EventType, payload)
	if err != nil {
		return fmt.Errorf("append event seq %d: %w", ev.Seq, err)
	}
	return nil
}

func (s *PostgresStore) AppendEventsBatch(ctx context.Context, events []EventInsert) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		payload, err := marshalPayload(ev.RenderPayload)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO message_events (id, session_id, message_id, stream_id, seq, event_type, render_payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`,
			uuid.NewString(), ev.SessionID, ev.MessageID, ev.StreamID, ev.Seq, ev.EventType, payload)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append events batch: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateMessageSnapshot(ctx context.Context, messageID string, snap Snapshot) error {
	render, err := marshalPayload(snap.ContentRender)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE messages
		 SET content_text = $2, content_render = $3::jsonb, last_seq = $4,
		     stream_status = $5, total_cost_usd = $6
		 WHERE id = $1`,
		messageID, StripNullBytes(snap.ContentText), render, snap.LastSeq,
		snap.StreamStatus, snap.TotalCostUSD)
	if err != nil {
		return fmt.Errorf("update message snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) NextSeq(ctx context.Context, sessionID string) (int, error) {
	var next int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM message_events WHERE session_id = $1`,
		sessionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) HasPriorAssistant(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE session_id = $1 AND role = 'assistant')`,
		sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("prior assistant lookup: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) EventsAfter(ctx context.Context, sessionID string, afterSeq int) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, message_id, stream_id, seq, event_type, render_payload, created_at
		 FROM message_events
		 WHERE session_id = $1 AND seq > $2
		 ORDER BY seq ASC`,
		sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("events after %d: %w", afterSeq, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.MessageID, &ev.StreamID,
			&ev.Seq, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.RenderPayload); err != nil {
				s.log.Warn("undecodable render payload", zap.String("event_id", ev.ID), zap.Error(err))
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// marshalPayload encodes a sanitized payload for a jsonb parameter.
func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(SanitizePayload(payload))
	if err != nil {
		return "", fmt.Errorf("encode render payload: %w", err)
	}
	return string(data), nil
}
