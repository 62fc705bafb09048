package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/token"
)

func TestFingerprint_Deterministic(t *testing.T) {
	scope := searchScope()
	params := map[string]any{"q": "golang", "page": float64(2)}

	a, err := Fingerprint("serpapi", "search", params, scope)
	require.NoError(t, err)
	b, err := Fingerprint("serpapi", "search", params, scope)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_UnicodeCompositionsCoalesce(t *testing.T) {
	scope := searchScope()

	composed, err := Fingerprint("serpapi", "search", map[string]any{"q": "café"}, scope)
	require.NoError(t, err)
	decomposed, err := Fingerprint("serpapi", "search", map[string]any{"q": "café"}, scope)
	require.NoError(t, err)

	assert.Equal(t, composed, decomposed)
}

func TestFingerprint_ScopeSeparatesEntries(t *testing.T) {
	params := map[string]any{"q": "golang"}
	narrow := token.Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}
	wide := token.Scope{Tools: []string{"serpapi", "gmail_send"}, Actions: []string{"search", "send"}}

	a, err := Fingerprint("serpapi", "search", params, narrow)
	require.NoError(t, err)
	b, err := Fingerprint("serpapi", "search", params, wide)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "agents with different grants must not share cache entries")
}

func TestFingerprint_ScopeOrderIrrelevant(t *testing.T) {
	params := map[string]any{"q": "golang"}
	forward := token.Scope{Tools: []string{"http_fetch", "serpapi"}, Actions: []string{"get", "search"}}
	reversed := token.Scope{Tools: []string{"serpapi", "http_fetch"}, Actions: []string{"search", "get"}}

	a, err := Fingerprint("serpapi", "search", params, forward)
	require.NoError(t, err)
	b, err := Fingerprint("serpapi", "search", params, reversed)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestFingerprint_FieldBoundariesDoNotCollide(t *testing.T) {
	scope := searchScope()
	params := map[string]any{"q": "golang"}

	a, err := Fingerprint("serp", "apisearch", params, scope)
	require.NoError(t, err)
	b, err := Fingerprint("serpapi", "search", params, scope)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestFingerprint_ParamsChangeTheKey(t *testing.T) {
	scope := searchScope()

	a, err := Fingerprint("serpapi", "search", map[string]any{"q": "golang"}, scope)
	require.NoError(t, err)
	b, err := Fingerprint("serpapi", "search", map[string]any{"q": "rust"}, scope)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}
