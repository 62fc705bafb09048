// Package agents manages agent identities. An agent is created once with a
// name and a role; the gateway returns its RSA private key exactly once and
// keeps only the public half. Disabling an agent is permanent and cuts off
// every outstanding token at validation time.
package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/crypto"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/telemetry"
)

// Agent statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// ErrNotFound is returned when no agent exists with the requested id.
var ErrNotFound = errors.New("agents: not found")

// Agent is a registered caller identity.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	PublicKey string    `json:"public_key"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists agents in the relational store.
type Store struct {
	db     *sql.DB
	sink   *telemetry.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewStore migrates the agents table and returns the store.
func NewStore(db *sql.DB, sink *telemetry.Sink, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, sink: sink, logger: logger.With("component", "agents"), now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		public_key TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("agents: migrate: %w", err)
	}
	return nil
}

// Create registers a new agent and returns it together with the PEM-encoded
// private key. The private key is never stored; this is the only time the
// caller can obtain it.
func (s *Store) Create(ctx context.Context, name, role string) (*Agent, string, error) {
	name = strings.TrimSpace(name)
	role = strings.TrimSpace(role)
	if name == "" {
		return nil, "", fmt.Errorf("agents: name is required")
	}
	if role == "" {
		return nil, "", fmt.Errorf("agents: role is required")
	}

	pub, priv, err := crypto.GenerateAgentKeypair()
	if err != nil {
		return nil, "", fmt.Errorf("agents: generate keypair: %w", err)
	}

	a := &Agent{
		ID:        uuid.New().String(),
		Name:      name,
		Role:      role,
		PublicKey: pub,
		Status:    StatusActive,
		CreatedAt: s.now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, role, public_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Name, a.Role, a.PublicKey, a.Status, a.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, "", fmt.Errorf("agents: insert: %w", err)
	}

	if s.sink != nil {
		s.sink.Emit(telemetry.Event{
			Kind:    telemetry.KindAgentCreated,
			AgentID: a.ID,
			Payload: map[string]any{"name": a.Name, "role": a.Role},
		})
	}
	s.logger.Info("agent created", "agent_id", a.ID, "role", a.Role)
	return a, priv, nil
}

// Get returns the agent with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, public_key, status, created_at FROM agents WHERE id = $1`, id)

	var (
		a  Agent
		ts string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Role, &a.PublicKey, &a.Status, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get %s: %w", id, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

// Disable marks the agent disabled. Disabling an already disabled agent is a
// no-op; an unknown id returns ErrNotFound.
func (s *Store) Disable(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $1 WHERE id = $2`, StatusDisabled, id)
	if err != nil {
		return fmt.Errorf("agents: disable %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("agents: disable %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if s.sink != nil {
		s.sink.Emit(telemetry.Event{
			Kind:     telemetry.KindAgentDisabled,
			Severity: telemetry.SeverityWarn,
			AgentID:  id,
		})
	}
	s.logger.Info("agent disabled", "agent_id", id)
	return nil
}
