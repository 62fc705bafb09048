// Package canonicalize produces RFC 8785 (JCS) canonical JSON. Token payloads
// are signed over canonical bytes and cache fingerprints hash them, so the
// same value must serialize identically on every code path and every platform.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JSON returns the RFC 8785 canonical encoding of v: object keys sorted by
// UTF-8 code point, no insignificant whitespace, shortest-round-trip numbers.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeStrings returns a deep copy of v with every string key and value
// in NFC form. Request params pass through here before fingerprinting so
// visually identical inputs with different Unicode compositions coalesce to
// one cache entry.
func NormalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = NormalizeStrings(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = NormalizeStrings(val)
		}
		return out
	default:
		return v
	}
}
