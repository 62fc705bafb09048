package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// tsFormat keeps nanoseconds zero-padded so lexicographic order on the ts
// column matches chronological order.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore persists events in the relational store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore migrates the events table and returns the store.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS telemetry_events (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		agent_id TEXT,
		token_id TEXT,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		payload TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_correlation ON telemetry_events(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_telemetry_agent ON telemetry_events(agent_id);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("telemetry: migrate: %w", err)
	}
	return nil
}

// Append inserts one event. Events are never updated or deleted.
func (s *SQLStore) Append(ctx context.Context, e *Event) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("telemetry: marshal payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry_events (id, ts, correlation_id, agent_id, token_id, kind, severity, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID,
		e.Timestamp.UTC().Format(tsFormat),
		e.CorrelationID,
		e.AgentID,
		e.TokenID,
		e.Kind,
		e.Severity,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("telemetry: insert event: %w", err)
	}
	return nil
}

// Query returns events newest first, filtered by correlation id and/or agent
// id when set.
func (s *SQLStore) Query(ctx context.Context, f Filter) ([]*Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, ts, correlation_id, agent_id, token_id, kind, severity, payload FROM telemetry_events`
	args := []any{}
	n := 0
	appendWhere := func(clause string, v any) {
		n++
		if n == 1 {
			query += " WHERE "
		} else {
			query += " AND "
		}
		query += fmt.Sprintf(clause, n)
		args = append(args, v)
	}
	if f.CorrelationID != "" {
		appendWhere("correlation_id = $%d", f.CorrelationID)
	}
	if f.AgentID != "" {
		appendWhere("agent_id = $%d", f.AgentID)
	}
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", n+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		e       Event
		ts      string
		agentID sql.NullString
		tokenID sql.NullString
		payload sql.NullString
	)
	if err := rows.Scan(&e.ID, &ts, &e.CorrelationID, &agentID, &tokenID, &e.Kind, &e.Severity, &payload); err != nil {
		return nil, fmt.Errorf("telemetry: scan event: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		e.Timestamp = t
	}
	e.AgentID = agentID.String
	e.TokenID = tokenID.String
	if payload.Valid && payload.String != "" {
		_ = json.Unmarshal([]byte(payload.String), &e.Payload)
	}
	return &e, nil
}
