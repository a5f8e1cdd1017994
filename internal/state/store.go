package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/toolbridge/internal/idgen"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	InvocationPending   = "pending"
	InvocationCompleted = "completed"
	InvocationFailed    = "failed"
)

type InvocationRecord struct {
	CorrelationID string         `json:"correlation_id"`
	SessionID     string         `json:"session_id"`
	Action        string         `json:"action"`
	Site          string         `json:"site"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	Status        string         `json:"status"`
	Result        string         `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   time.Time      `json:"completed_at,omitzero"`
}

func (s *Store) SaveTurn(ctx context.Context, sessionID, role, content string) (Turn, error) {
	if sessionID == "" {
		return Turn{}, fmt.Errorf("session_id is required")
	}
	if role == "" {
		return Turn{}, fmt.Errorf("role is required")
	}
	id := idgen.New()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO turns (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, role, content, now.Format(time.RFC3339Nano))
	if err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	return Turn{ID: id, SessionID: sessionID, Role: role, Content: content, CreatedAt: now}, nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, role, content, created_at FROM turns WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var turn Turn
		var createdAtStr string
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Role, &turn.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

func (s *Store) ClearTurns(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	return nil
}

func (s *Store) RecordInvocation(ctx context.Context, rec InvocationRecord) error {
	if rec.CorrelationID == "" {
		return fmt.Errorf("correlation_id is required")
	}
	argsJSON, err := encodeJSON(rec.Arguments)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invocations (correlation_id, session_id, action, site, arguments, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.CorrelationID, rec.SessionID, rec.Action, rec.Site, argsJSON, InvocationPending, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// SettleInvocation records the final result or error for a previously
// recorded invocation. Settling an already-settled row is a no-op.
func (s *Store) SettleInvocation(ctx context.Context, correlationID, result, errMsg string) error {
	if correlationID == "" {
		return fmt.Errorf("correlation_id is required")
	}
	status := InvocationCompleted
	if errMsg != "" {
		status = InvocationFailed
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE invocations SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE correlation_id = ? AND status = ?
	`, status, nullString(result), nullString(errMsg), now.Format(time.RFC3339Nano), correlationID, InvocationPending)
	if err != nil {
		return fmt.Errorf("settle invocation: %w", err)
	}
	return nil
}

func (s *Store) GetInvocation(ctx context.Context, correlationID string) (InvocationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT correlation_id, session_id, action, site, arguments, status, result, error, created_at, completed_at
		FROM invocations WHERE correlation_id = ?
	`, correlationID)
	rec, err := scanInvocation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return InvocationRecord{}, fmt.Errorf("invocation not found")
	}
	return rec, err
}

func (s *Store) ListInvocations(ctx context.Context, sessionID string, limit int) ([]InvocationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, session_id, action, site, arguments, status, result, error, created_at, completed_at
		FROM invocations WHERE session_id = ? ORDER BY created_at ASC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []InvocationRecord
	for rows.Next() {
		rec, err := scanInvocation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}
	return out, nil
}

func scanInvocation(scan func(...any) error) (InvocationRecord, error) {
	var rec InvocationRecord
	var argsStr, resultStr, errStr, completedAtStr sql.NullString
	var createdAtStr string
	if err := scan(&rec.CorrelationID, &rec.SessionID, &rec.Action, &rec.Site, &argsStr, &rec.Status, &resultStr, &errStr, &createdAtStr, &completedAtStr); err != nil {
		return InvocationRecord{}, err
	}
	rec.Arguments = decodeJSONMap(argsStr.String)
	rec.Result = resultStr.String
	rec.Error = errStr.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	if completedAtStr.Valid {
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAtStr.String)
	}
	return rec, nil
}
