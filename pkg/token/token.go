// Package token mints, validates, and revokes the HMAC-signed bearer tokens
// agents present on the data path. A token is two base64url segments joined
// by a dot: the RFC 8785 canonical JSON payload and its HMAC-SHA-256 tag.
// Canonical payload bytes make the signature independent of encoder quirks.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/canonicalize"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/crypto"
)

// Validation and decode failures. The API layer collapses all of these to an
// opaque 401 so the wire never reveals which check failed.
var (
	ErrMalformed        = errors.New("token: malformed")
	ErrBadSignature     = errors.New("token: bad signature")
	ErrExpired          = errors.New("token: expired")
	ErrRevoked          = errors.New("token: revoked")
	ErrUnknownAgent     = errors.New("token: unknown agent")
	ErrAgentDisabled    = errors.New("token: agent disabled")
	ErrScopeOutOfBounds = errors.New("token: scope exceeds agent surface")
	ErrNotFound         = errors.New("token: not found")
)

// Scope is the surface a token authorizes: which tools and actions it may
// reach and which coarse permissions it carries.
type Scope struct {
	Tools       []string `json:"tools"`
	Actions     []string `json:"actions"`
	Permissions []string `json:"permissions"`
}

// Normalize returns the scope with each set sorted and deduplicated. Minting
// normalizes before signing so equal scopes always hash equal.
func (s Scope) Normalize() Scope {
	return Scope{
		Tools:       normalizeSet(s.Tools),
		Actions:     normalizeSet(s.Actions),
		Permissions: normalizeSet(s.Permissions),
	}
}

func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// HasTool reports whether the scope grants the tool.
func (s Scope) HasTool(tool string) bool { return contains(s.Tools, tool) }

// HasAction reports whether the scope grants the action.
func (s Scope) HasAction(action string) bool { return contains(s.Actions, action) }

// HasPermission reports whether the scope carries the permission.
func (s Scope) HasPermission(perm string) bool { return contains(s.Permissions, perm) }

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Hash returns a stable digest of the normalized scope. Fingerprints include
// it so two agents with different grants never share a cache entry.
func (s Scope) Hash() (string, error) {
	return canonicalize.Hash(s.Normalize())
}

// Payload is the signed token body.
type Payload struct {
	TokenID    string `json:"token_id"`
	AgentID    string `json:"agent_id"`
	Scope      Scope  `json:"scope"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Nonce      string `json:"nonce"`
	KEKVersion int    `json:"kek_version"`
	IssuedBy   string `json:"issued_by"`
}

// Encode canonicalizes and signs p, returning the wire form.
func Encode(p *Payload, secret []byte) (string, error) {
	body, err := canonicalize.JSON(p)
	if err != nil {
		return "", fmt.Errorf("token: encode payload: %w", err)
	}
	tag := crypto.Sign(secret, body)
	return base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString(tag), nil
}

// Decode verifies the tag in constant time and unmarshals the payload. The
// signature is checked before the payload is parsed; unsigned bytes never
// reach the JSON decoder.
func Decode(wire string, secret []byte) (*Payload, error) {
	bodyB64, tagB64, ok := strings.Cut(wire, ".")
	if !ok {
		return nil, ErrMalformed
	}
	body, err := base64.RawURLEncoding.DecodeString(bodyB64)
	if err != nil {
		return nil, ErrMalformed
	}
	tag, err := base64.RawURLEncoding.DecodeString(tagB64)
	if err != nil {
		return nil, ErrMalformed
	}
	if !crypto.Verify(secret, body, tag) {
		return nil, ErrBadSignature
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrMalformed
	}
	return &p, nil
}
