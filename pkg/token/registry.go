package token

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is the registry row for an issued token. The registry is the
// revocation authority: a token whose row is missing or marked revoked fails
// validation no matter how valid its signature is.
type Record struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Scope      Scope     `json:"scope"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	KEKVersion int       `json:"kek_version"`
	Nonce      string    `json:"nonce"`
	IssuedBy   string    `json:"issued_by"`
}

// Registry persists token records.
type Registry struct {
	db *sql.DB
}

// NewRegistry migrates the tokens table and returns the registry.
func NewRegistry(db *sql.DB) (*Registry, error) {
	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		kek_version INTEGER NOT NULL,
		nonce TEXT NOT NULL,
		issued_by TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_agent ON tokens(agent_id);`
	if _, err := r.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("token: migrate: %w", err)
	}
	return nil
}

// Insert stores a freshly minted token record.
func (r *Registry) Insert(ctx context.Context, rec *Record) error {
	scope, err := json.Marshal(rec.Scope)
	if err != nil {
		return fmt.Errorf("token: marshal scope: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tokens (id, agent_id, scope, issued_at, expires_at, revoked, kek_version, nonce, issued_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.AgentID, string(scope),
		rec.IssuedAt.UTC().Format(time.RFC3339Nano),
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
		boolToInt(rec.Revoked), rec.KEKVersion, rec.Nonce, rec.IssuedBy,
	)
	if err != nil {
		return fmt.Errorf("token: insert %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for a token id, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, agent_id, scope, issued_at, expires_at, revoked, kek_version, nonce, issued_by
		 FROM tokens WHERE id = $1`, id)
	rec, err := scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("token: get %s: %w", id, err)
	}
	return rec, nil
}

// Revoke marks one token revoked. Revoking an already revoked token succeeds;
// an unknown id returns ErrNotFound.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tokens SET revoked = 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("token: revoke %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("token: revoke %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAgent revokes every live token of one agent and returns how many
// rows changed.
func (r *Registry) RevokeAgent(ctx context.Context, agentID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE agent_id = $1 AND revoked = 0`, agentID)
	if err != nil {
		return 0, fmt.Errorf("token: revoke agent %s: %w", agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("token: revoke agent %s: %w", agentID, err)
	}
	return n, nil
}

// List returns records newest first, optionally filtered by agent.
func (r *Registry) List(ctx context.Context, agentID string, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, agent_id, scope, issued_at, expires_at, revoked, kek_version, nonce, issued_by FROM tokens`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = $1 ORDER BY issued_at DESC LIMIT $2`
		args = append(args, agentID, limit)
	} else {
		query += ` ORDER BY issued_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("token: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("token: scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("token: iterate: %w", err)
	}
	return recs, nil
}

func scanRecord(scan func(...any) error) (*Record, error) {
	var (
		rec       Record
		scope     string
		issuedAt  string
		expiresAt string
		revoked   int
	)
	if err := scan(&rec.ID, &rec.AgentID, &scope, &issuedAt, &expiresAt,
		&revoked, &rec.KEKVersion, &rec.Nonce, &rec.IssuedBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scope), &rec.Scope); err != nil {
		return nil, fmt.Errorf("unmarshal scope: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, issuedAt); err == nil {
		rec.IssuedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		rec.ExpiresAt = t
	}
	rec.Revoked = revoked != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
