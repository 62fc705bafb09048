package token

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/agents"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/metrics"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/telemetry"
)

// SurfaceOracle bounds minting: a scope may only be granted when it stays
// inside the surface the agent's role allows at issue time. The policy engine
// implements this.
type SurfaceOracle interface {
	GrantableScope(role string, scope Scope) bool
}

// KeyringInfo exposes the active KEK version recorded in token provenance.
type KeyringInfo interface {
	ActiveVersion() int
}

// Minted is the result of issuing a token.
type Minted struct {
	Token     string    `json:"agent_token"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Identity is the proven caller behind a validated token. The proxy threads
// it through policy evaluation and fingerprinting.
type Identity struct {
	AgentID   string
	AgentRole string
	TokenID   string
	Scope     Scope
}

// ServiceConfig wires the token service.
type ServiceConfig struct {
	// Secret signs token payloads. Required, at least 32 bytes.
	Secret []byte
	// Issuer lands in the issued_by provenance field. Defaults to "gateway".
	Issuer  string
	Agents  *agents.Store
	Surface SurfaceOracle
	Keyring KeyringInfo
	Sink    *telemetry.Sink
	Logger  *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service issues and validates agent tokens against the registry.
type Service struct {
	registry *Registry
	agents   *agents.Store
	surface  SurfaceOracle
	keyring  KeyringInfo
	secret   []byte
	issuer   string
	sink     *telemetry.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// NewService migrates the token registry and builds the service.
func NewService(db *sql.DB, cfg ServiceConfig) (*Service, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("token: signing secret must be at least 32 bytes")
	}
	registry, err := NewRegistry(db)
	if err != nil {
		return nil, err
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "gateway"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		registry: registry,
		agents:   cfg.Agents,
		surface:  cfg.Surface,
		keyring:  cfg.Keyring,
		secret:   cfg.Secret,
		issuer:   cfg.Issuer,
		sink:     cfg.Sink,
		logger:   cfg.Logger.With("component", "token"),
		now:      cfg.Now,
	}, nil
}

// Mint issues a token for an active agent. The requested scope is normalized
// and must stay within the surface the agent's role allows; ttl must be
// positive. Expiry lands on a whole second because payload timestamps are
// unix seconds.
func (s *Service) Mint(ctx context.Context, agentID string, scope Scope, ttl time.Duration) (*Minted, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("token: ttl must be positive")
	}

	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, err
	}
	if agent.Status != agents.StatusActive {
		return nil, ErrAgentDisabled
	}

	scope = scope.Normalize()
	if s.surface != nil && !s.surface.GrantableScope(agent.Role, scope) {
		return nil, ErrScopeOutOfBounds
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	kekVersion := 0
	if s.keyring != nil {
		kekVersion = s.keyring.ActiveVersion()
	}

	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl.Truncate(time.Second))
	if !expiresAt.After(issuedAt) {
		expiresAt = issuedAt.Add(time.Second)
	}

	p := &Payload{
		TokenID:    uuid.New().String(),
		AgentID:    agent.ID,
		Scope:      scope,
		IssuedAt:   issuedAt.Unix(),
		ExpiresAt:  expiresAt.Unix(),
		Nonce:      nonce,
		KEKVersion: kekVersion,
		IssuedBy:   s.issuer,
	}
	wire, err := Encode(p, s.secret)
	if err != nil {
		return nil, err
	}

	// The registry row must exist before the token is handed out, otherwise a
	// fast caller could present a token the revocation authority has never
	// heard of.
	rec := &Record{
		ID:         p.TokenID,
		AgentID:    p.AgentID,
		Scope:      scope,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
		KEKVersion: kekVersion,
		Nonce:      nonce,
		IssuedBy:   s.issuer,
	}
	if err := s.registry.Insert(ctx, rec); err != nil {
		return nil, err
	}

	metrics.RecordTokenGeneration(agent.ID)
	if s.sink != nil {
		s.sink.Emit(telemetry.Event{
			Kind:    telemetry.KindTokenMinted,
			AgentID: agent.ID,
			TokenID: p.TokenID,
			Payload: map[string]any{
				"tools":      scope.Tools,
				"actions":    scope.Actions,
				"expires_at": expiresAt.Format(time.RFC3339),
			},
		})
	}
	s.logger.Info("token minted", "agent_id", agent.ID, "token_id", p.TokenID, "expires_at", expiresAt)

	return &Minted{Token: wire, TokenID: p.TokenID, ExpiresAt: expiresAt}, nil
}

// Validate checks a wire token end to end: signature, expiry, revocation,
// and agent status. The registry is consulted on every call; there is no
// validation cache, so a revocation is visible to the very next request.
// Expiry uses a single clock sample with an inclusive boundary: a token is
// valid through its expires_at second.
func (s *Service) Validate(ctx context.Context, wire string) (*Identity, error) {
	now := s.now()

	p, err := Decode(wire, s.secret)
	if err != nil {
		s.recordFailure("", "", failureReason(err))
		return nil, err
	}

	if now.Unix() > p.ExpiresAt {
		metrics.RecordTokenExpiration(p.AgentID)
		s.recordFailure(p.AgentID, p.TokenID, "expired")
		return nil, ErrExpired
	}

	rec, err := s.registry.Get(ctx, p.TokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// A signed token the registry has no row for is treated as
			// revoked: the registry is the revocation authority.
			s.recordFailure(p.AgentID, p.TokenID, "revoked")
			return nil, ErrRevoked
		}
		return nil, err
	}
	if rec.Revoked {
		s.recordFailure(p.AgentID, p.TokenID, "revoked")
		return nil, ErrRevoked
	}

	agent, err := s.agents.Get(ctx, p.AgentID)
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			s.recordFailure(p.AgentID, p.TokenID, "unknown_agent")
			return nil, ErrUnknownAgent
		}
		return nil, err
	}
	if agent.Status != agents.StatusActive {
		s.recordFailure(p.AgentID, p.TokenID, "agent_disabled")
		return nil, ErrAgentDisabled
	}

	metrics.RecordTokenValidation(p.AgentID, true)
	return &Identity{
		AgentID:   agent.ID,
		AgentRole: agent.Role,
		TokenID:   p.TokenID,
		Scope:     p.Scope,
	}, nil
}

// Revoke marks one token revoked. The next validation of that token fails.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	if err := s.registry.Revoke(ctx, tokenID); err != nil {
		return err
	}
	if s.sink != nil {
		s.sink.Emit(telemetry.Event{
			Kind:     telemetry.KindTokenRevoked,
			Severity: telemetry.SeverityWarn,
			TokenID:  tokenID,
		})
	}
	s.logger.Info("token revoked", "token_id", tokenID)
	return nil
}

// RevokeAgentTokens revokes every live token of an agent, returning the
// count. Disabling an agent cascades through here.
func (s *Service) RevokeAgentTokens(ctx context.Context, agentID string) (int64, error) {
	n, err := s.registry.RevokeAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if n > 0 && s.sink != nil {
		s.sink.Emit(telemetry.Event{
			Kind:     telemetry.KindTokenRevoked,
			Severity: telemetry.SeverityWarn,
			AgentID:  agentID,
			Payload:  map[string]any{"revoked": n, "cascade": true},
		})
	}
	return n, nil
}

// List returns registry records newest first, optionally filtered by agent.
func (s *Service) List(ctx context.Context, agentID string, limit int) ([]*Record, error) {
	return s.registry.List(ctx, agentID, limit)
}

func (s *Service) recordFailure(agentID, tokenID, reason string) {
	label := agentID
	if label == "" {
		label = "unknown"
	}
	metrics.RecordTokenValidation(label, false)
	if s.sink != nil {
		s.sink.Emit(telemetry.Event{
			Kind:     telemetry.KindTokenValidationFailed,
			Severity: telemetry.SeverityWarn,
			AgentID:  agentID,
			TokenID:  tokenID,
			Payload:  map[string]any{"reason": reason},
		})
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	default:
		return "malformed"
	}
}

func newNonce() (string, error) {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", fmt.Errorf("token: nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
