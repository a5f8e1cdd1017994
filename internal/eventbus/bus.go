package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/toolbridge/internal/schema"
)

// Bus is an append-only event log with in-memory fan-out. Every turn's
// progress, invocation, and answer events land here so observers can follow
// a session without being on the session's websocket.
type Bus struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	streams map[string]struct{}
	ch      chan Event
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, subs: map[string]*subscriber{}}
}

func (b *Bus) Push(ctx context.Context, input EventInput) (Event, error) {
	if strings.TrimSpace(input.Stream) == "" {
		return Event{}, fmt.Errorf("stream is required")
	}
	if strings.TrimSpace(input.Body) == "" {
		return Event{}, fmt.Errorf("body is required")
	}
	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = "*"
	}

	id := ulid.Make().String()
	createdAt := time.Now().UTC()
	metadataJSON, err := encodeJSON(input.Metadata)
	if err != nil {
		return Event{}, fmt.Errorf("encode metadata: %w", err)
	}
	payloadJSON, err := encodeJSON(input.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode payload: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO events (id, stream, session_id, subject, body, metadata, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, input.Stream, sessionID, nullString(input.Subject), input.Body, metadataJSON, payloadJSON, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	event := Event{
		ID:        id,
		Stream:    input.Stream,
		SessionID: sessionID,
		Subject:   input.Subject,
		Body:      input.Body,
		Metadata:  input.Metadata,
		Payload:   input.Payload,
		CreatedAt: createdAt,
	}

	b.broadcast(event)
	return event, nil
}

func (b *Bus) List(ctx context.Context, stream string, opts ListOptions) ([]Event, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, fmt.Errorf("stream is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	order := strings.ToLower(opts.Order)
	if order == "" {
		order = schema.StreamOrdering(stream)
	}
	if order != "fifo" && order != "lifo" {
		order = "lifo"
	}
	orderBy := "created_at DESC"
	if order == "fifo" {
		orderBy = "created_at ASC"
	}

	where := "WHERE stream = ?"
	args := []any{stream}
	if opts.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	query := fmt.Sprintf(`SELECT id, stream, session_id, subject, body, metadata, payload, created_at FROM events %s ORDER BY %s LIMIT ?`, where, orderBy)
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var subject, metadataStr, payloadStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.Stream, &e.SessionID, &subject, &e.Body, &metadataStr, &payloadStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Subject = subject.String
		e.Metadata = decodeJSONMap(metadataStr.String)
		e.Payload = decodeJSONMap(payloadStr.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (b *Bus) Subscribe(ctx context.Context, streams []string) <-chan Event {
	ch := make(chan Event, 64)
	streamSet := map[string]struct{}{}
	for _, s := range streams {
		if s == "" {
			continue
		}
		streamSet[s] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{streams: streamSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.streams) > 0 {
			if _, ok := sub.streams[event.Stream]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
