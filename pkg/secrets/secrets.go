// Package secrets stores upstream credentials envelope-encrypted at rest.
// Each version of a tool's credential is wrapped under its own fresh data
// key; exactly one version per tool is active at a time, and activation is
// atomic so concurrent readers see either the old credential or the new one,
// never neither.
package secrets

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/crypto"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/telemetry"
)

var (
	ErrNotFound            = errors.New("secrets: credential not found")
	ErrAlreadyActive       = errors.New("secrets: credential already active")
	ErrNoActiveCredential  = errors.New("secrets: no active credential")
	ErrVersionNotMonotonic = errors.New("secrets: version must exceed the latest stored version")
)

// vaultPrefix marks a stored value as an indirection: the plaintext names an
// environment variable holding the real credential.
const vaultPrefix = "vault:"

// Version describes one stored credential version without its material.
type Version struct {
	ID        string            `json:"id"`
	Tool      string            `json:"tool"`
	Version   int               `json:"version"`
	Active    bool              `json:"active"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Lease is a scoped hold on decrypted credential material. Callers must
// Release on every exit path; Release zeroes the plaintext so it does not
// outlive the request that needed it.
type Lease struct {
	once  sync.Once
	value []byte
}

// Value returns the plaintext. After Release it returns zeroed bytes.
func (l *Lease) Value() []byte { return l.value }

// Release zeroes the plaintext. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { crypto.Zero(l.value) })
}

// Store persists envelope-encrypted credentials. A reader-writer lock keeps
// GetActive concurrent with itself while Put, Activate, and Rewrap serialize
// against everything.
type Store struct {
	mu      sync.RWMutex
	db      *sql.DB
	keyring *crypto.Keyring
	backend string
	sink    *telemetry.Sink
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore migrates the credentials table and returns the store. backend is
// "env" (values stored directly) or "vault" (vault: indirections resolved at
// lease time).
func NewStore(db *sql.DB, keyring *crypto.Keyring, backend string, sink *telemetry.Sink, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:      db,
		keyring: keyring,
		backend: backend,
		sink:    sink,
		logger:  logger.With("component", "secrets"),
		now:     time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		version INTEGER NOT NULL,
		envelope TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		UNIQUE (tool, version)
	);
	CREATE INDEX IF NOT EXISTS idx_credentials_tool ON credentials(tool);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("secrets: migrate: %w", err)
	}
	return nil
}

// Put stores a new credential version, inactive. version 0 auto-assigns the
// next version; an explicit version must exceed every stored version for the
// tool. metadata is operator-facing labeling only and must never carry
// material. The plaintext is encrypted before the lock is released and never
// logged.
func (s *Store) Put(ctx context.Context, tool string, version int, plaintext []byte, metadata map[string]string) (*Version, error) {
	if tool == "" {
		return nil, fmt.Errorf("secrets: tool is required")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("secrets: credential is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM credentials WHERE tool = $1`, tool).Scan(&max)
	if err != nil {
		return nil, fmt.Errorf("secrets: latest version for %s: %w", tool, err)
	}
	switch {
	case version == 0:
		version = int(max.Int64) + 1
	case int64(version) <= max.Int64:
		return nil, ErrVersionNotMonotonic
	}

	env, err := crypto.EncryptEnvelope(s.keyring, plaintext)
	if err != nil {
		return nil, fmt.Errorf("secrets: encrypt %s v%d: %w", tool, version, err)
	}
	blob, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("secrets: marshal envelope: %w", err)
	}

	v := &Version{
		ID:        uuid.New().String(),
		Tool:      tool,
		Version:   version,
		CreatedAt: s.now().UTC(),
		Metadata:  metadata,
	}
	meta, err := json.Marshal(v.Metadata)
	if err != nil {
		return nil, fmt.Errorf("secrets: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, tool, version, envelope, active, created_at, metadata)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		v.ID, v.Tool, v.Version, string(blob), v.CreatedAt.Format(time.RFC3339Nano), string(meta),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: insert %s v%d: %w", tool, version, err)
	}

	if s.sink != nil {
		s.sink.Emit(telemetry.Event{
			Kind:    telemetry.KindCredentialStored,
			Payload: map[string]any{"tool": tool, "version": version},
		})
	}
	s.logger.Info("credential stored", "tool", tool, "version", version)
	return v, nil
}

// Activate atomically makes one version the active credential for its tool,
// deactivating whichever version held that slot.
func (s *Store) Activate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		tool   string
		active int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tool, active FROM credentials WHERE id = $1`, id).Scan(&tool, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("secrets: activate %s: %w", id, err)
	}
	if active != 0 {
		return ErrAlreadyActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("secrets: begin activate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET active = 0 WHERE tool = $1 AND active = 1`, tool); err != nil {
		return fmt.Errorf("secrets: deactivate previous %s: %w", tool, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE credentials SET active = 1 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("secrets: activate %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("secrets: commit activate: %w", err)
	}

	if s.sink != nil {
		s.sink.Emit(telemetry.Event{
			Kind:    telemetry.KindCredentialActivated,
			Payload: map[string]any{"tool": tool, "id": id},
		})
	}
	s.logger.Info("credential activated", "tool", tool, "id", id)
	return nil
}

// GetActive decrypts the active credential for a tool into a Lease. With the
// vault backend, a "vault:NAME" value resolves to the NAME environment
// variable at lease time, so rotating the external store needs no re-encrypt.
func (s *Store) GetActive(ctx context.Context, tool string) (*Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT envelope FROM credentials WHERE tool = $1 AND active = 1`, tool).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveCredential
		}
		return nil, fmt.Errorf("secrets: get active %s: %w", tool, err)
	}

	env, err := crypto.UnmarshalEnvelope([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("secrets: unmarshal envelope %s: %w", tool, err)
	}
	plaintext, err := crypto.DecryptEnvelope(s.keyring, env)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt %s: %w", tool, err)
	}

	if s.backend == "vault" && bytes.HasPrefix(plaintext, []byte(vaultPrefix)) {
		name := string(plaintext[len(vaultPrefix):])
		crypto.Zero(plaintext)
		resolved := os.Getenv(name)
		if resolved == "" {
			return nil, fmt.Errorf("secrets: vault reference %s for %s is not set", name, tool)
		}
		plaintext = []byte(resolved)
	}
	return &Lease{value: plaintext}, nil
}

// ListVersions returns a tool's versions in ascending order, material
// excluded.
func (s *Store) ListVersions(ctx context.Context, tool string) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool, version, active, created_at, metadata FROM credentials
		 WHERE tool = $1 ORDER BY version ASC`, tool)
	if err != nil {
		return nil, fmt.Errorf("secrets: list versions %s: %w", tool, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Version
	for rows.Next() {
		var (
			v      Version
			active int
			ts     string
			meta   string
		)
		if err := rows.Scan(&v.ID, &v.Tool, &v.Version, &active, &ts, &meta); err != nil {
			return nil, fmt.Errorf("secrets: scan version: %w", err)
		}
		v.Active = active != 0
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			v.CreatedAt = t
		}
		if meta != "" && meta != "null" {
			_ = json.Unmarshal([]byte(meta), &v.Metadata)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("secrets: iterate versions: %w", err)
	}
	return out, nil
}

// Rewrap re-encrypts every stored envelope under the keyring's active KEK
// version and returns the count. Run after a KEK rotation so old wrap keys
// can eventually be retired.
func (s *Store) Rewrap(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, envelope FROM credentials`)
	if err != nil {
		return 0, fmt.Errorf("secrets: rewrap scan: %w", err)
	}

	type rewrapRow struct {
		id   string
		blob string
	}
	var pending []rewrapRow
	for rows.Next() {
		var r rewrapRow
		if err := rows.Scan(&r.id, &r.blob); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("secrets: rewrap scan row: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("secrets: rewrap iterate: %w", err)
	}
	_ = rows.Close()

	activeVersion := s.keyring.ActiveVersion()
	count := 0
	for _, r := range pending {
		env, err := crypto.UnmarshalEnvelope([]byte(r.blob))
		if err != nil {
			return count, fmt.Errorf("secrets: rewrap unmarshal %s: %w", r.id, err)
		}
		if env.KEKVersion == activeVersion {
			continue
		}
		plaintext, err := crypto.DecryptEnvelope(s.keyring, env)
		if err != nil {
			return count, fmt.Errorf("secrets: rewrap decrypt %s: %w", r.id, err)
		}
		fresh, err := crypto.EncryptEnvelope(s.keyring, plaintext)
		crypto.Zero(plaintext)
		if err != nil {
			return count, fmt.Errorf("secrets: rewrap encrypt %s: %w", r.id, err)
		}
		blob, err := fresh.Marshal()
		if err != nil {
			return count, fmt.Errorf("secrets: rewrap marshal %s: %w", r.id, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE credentials SET envelope = $1 WHERE id = $2`, string(blob), r.id); err != nil {
			return count, fmt.Errorf("secrets: rewrap update %s: %w", r.id, err)
		}
		count++
	}

	if count > 0 {
		s.logger.Info("credentials rewrapped", "count", count, "kek_version", activeVersion)
	}
	return count, nil
}
