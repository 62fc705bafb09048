package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/canonicalize"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/token"
)

// Fingerprint derives the cache and coalescing key for one request: a
// SHA-256 over the tool, the action, the canonicalized params, and the
// token's scope hash. Params are NFC-normalized and JCS-encoded first, so
// requests that differ only in key order or Unicode representation collide,
// while requests from differently scoped tokens never share an entry.
func Fingerprint(tool, action string, params map[string]any, scope token.Scope) (string, error) {
	scopeHash, err := scope.Hash()
	if err != nil {
		return "", fmt.Errorf("proxy: hash scope: %w", err)
	}

	normalized := canonicalize.NormalizeStrings(params)
	canonical, err := canonicalize.JSON(normalized)
	if err != nil {
		return "", fmt.Errorf("proxy: canonicalize params: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(scopeHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}
