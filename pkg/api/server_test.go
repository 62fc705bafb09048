package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/adapters"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/agents"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/api"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/breaker"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/cache"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/crypto"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/observability"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/policy"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/proxy"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/retrier"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/secrets"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/telemetry"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/token"
)

type serverFixture struct {
	ts          *httptest.Server
	adminSecret []byte
}

// newServerFixture assembles the whole gateway behind an httptest server,
// mock upstreams and sqlite storage included. adminSecret may be nil for an
// open control plane.
func newServerFixture(t *testing.T, adminSecret []byte) *serverFixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := telemetry.NewSQLStore(db)
	require.NoError(t, err)
	sink := telemetry.NewSink(store, 256, nil)
	sink.Start()
	t.Cleanup(sink.Stop)

	agentStore, err := agents.NewStore(db, sink, nil)
	require.NoError(t, err)

	engine, err := policy.NewEngine(policy.Default(), nil, sink, nil)
	require.NoError(t, err)

	tokens, err := token.NewService(db, token.ServiceConfig{
		Secret:  bytes.Repeat([]byte{0x5a}, 32),
		Agents:  agentStore,
		Surface: engine,
		Sink:    sink,
	})
	require.NoError(t, err)

	keyring, err := crypto.NewKeyring(bytes.Repeat([]byte{0x6b}, 32))
	require.NoError(t, err)
	secretStore, err := secrets.NewStore(db, keyring, "env", sink, nil)
	require.NoError(t, err)

	breakers := breaker.NewPool(breaker.Config{FailureThreshold: 5, WindowSize: 10, OpenFor: 30 * time.Second}, sink, nil)
	registry := adapters.NewMockRegistry(adapters.MockConfig{})
	shaper := proxy.NewShaper(ctx, nil)
	t.Cleanup(func() { _ = shaper.Close(context.Background()) })

	tracer, err := observability.New(ctx, observability.Config{ServiceName: "gateway-api-test"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })

	pipe := proxy.New(proxy.Config{
		HTTPTimeout:     2 * time.Second,
		CacheTTL:        time.Minute,
		ToolConcurrency: 16,
		CacheEnabled:    true,
		RetryEnabled:    true,
		BreakersEnabled: true,
		PolicyEnabled:   true,
	}, proxy.Deps{
		Tokens:   tokens,
		Policy:   engine,
		Cache:    cache.New(cache.Config{MaxEntries: 128, MaxBytes: 1 << 20, MaxWaiters: 64}),
		Breakers: breakers,
		Retrier:  retrier.New(retrier.Config{MaxAttempts: 3, Base: time.Millisecond, Cap: 4 * time.Millisecond}, nil),
		Secrets:  secretStore,
		Adapters: registry,
		Shaper:   shaper,
		Tracer:   tracer,
		Sink:     sink,
	})

	srv := api.NewServer(api.Config{
		AdminSecret: adminSecret,
		Version:     "test",
	}, api.Services{
		Agents:    agentStore,
		Tokens:    tokens,
		Secrets:   secretStore,
		Policy:    engine,
		Breakers:  breakers,
		Proxy:     pipe,
		Telemetry: sink,
		Registry:  registry,
		Ready:     db.PingContext,
	}, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{ts: ts, adminSecret: adminSecret}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if len(f.adminSecret) > 0 {
		claims := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "ops",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		signed, err := claims.SignedString(f.adminSecret)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+signed)
	}

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

// createAgent registers an agent and returns its id.
func (f *serverFixture) createAgent(t *testing.T, name, role string) string {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/api/create-agent", map[string]string{"name": name, "role": role})
	require.Equal(t, http.StatusCreated, status, "create-agent: %s", body)
	var out struct {
		AgentID    string `json:"agent_id"`
		PrivateKey string `json:"private_key"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.AgentID)
	require.Contains(t, out.PrivateKey, "PRIVATE KEY")
	return out.AgentID
}

func (f *serverFixture) mintToken(t *testing.T, agentID string, tools []string) string {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/api/generate-token", map[string]any{
		"agent_id":    agentID,
		"tools":       tools,
		"permissions": []string{"read"},
		"expires_at":  time.Now().Add(time.Hour).UTC(),
	})
	require.Equal(t, http.StatusOK, status, "generate-token: %s", body)
	var out struct {
		Token string `json:"agent_token"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func (f *serverFixture) seedCredential(t *testing.T, tool, material string) {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/api/admin/creds/set", map[string]any{
		"tool":       tool,
		"credential": material,
	})
	require.Equal(t, http.StatusOK, status, "creds/set: %s", body)
	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))

	status, body = f.do(t, http.MethodPost, "/api/admin/creds/activate", map[string]string{"id": out.ID})
	require.Equal(t, http.StatusOK, status, "creds/activate: %s", body)
}

func TestServer_AgentTokenProxyFlow(t *testing.T) {
	f := newServerFixture(t, nil)

	agentID := f.createAgent(t, "scraper-1", "scraper")
	f.seedCredential(t, "serpapi", "serp-live-key")
	tok := f.mintToken(t, agentID, []string{"serpapi"})

	status, body := f.do(t, http.MethodPost, "/api/proxy-request", map[string]any{
		"agent_token": tok,
		"tool":        "serpapi",
		"action":      "search",
		"params":      map[string]any{"q": "grpc deadlines"},
	})
	require.Equal(t, http.StatusOK, status, "proxy: %s", body)
	assert.Contains(t, string(body), "organic_results")
}

func TestServer_ProxyCorrelationIDHeader(t *testing.T) {
	f := newServerFixture(t, nil)
	agentID := f.createAgent(t, "scraper-1", "scraper")
	f.seedCredential(t, "serpapi", "serp-live-key")
	tok := f.mintToken(t, agentID, []string{"serpapi"})

	raw, err := json.Marshal(map[string]any{
		"agent_token": tok,
		"tool":        "serpapi",
		"action":      "search",
		"params":      map[string]any{"q": "correlation"},
	})
	require.NoError(t, err)
	resp, err := f.ts.Client().Post(f.ts.URL+"/api/proxy-request", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_ProxyAuthFailureIsOpaque(t *testing.T) {
	f := newServerFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/api/proxy-request", map[string]any{
		"agent_token": "AAAA.BBBB",
		"tool":        "serpapi",
		"action":      "search",
		"params":      map[string]any{"q": "x"},
	})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.JSONEq(t, `{"error":"unauthorized"}`, string(body))
}

func TestServer_ProxyScopeDenialCarriesReasonCode(t *testing.T) {
	f := newServerFixture(t, nil)
	agentID := f.createAgent(t, "scraper-1", "scraper")
	tok := f.mintToken(t, agentID, []string{"serpapi"})

	status, body := f.do(t, http.MethodPost, "/api/proxy-request", map[string]any{
		"agent_token": tok,
		"tool":        "http_fetch",
		"action":      "get",
		"params":      map[string]any{"url": "https://example.com"},
	})
	require.Equal(t, http.StatusForbidden, status)
	assert.JSONEq(t, `{"error":"forbidden","reason":"scope"}`, string(body))
}

func TestServer_ProxyMalformedBodyIsValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := f.ts.Client().Post(f.ts.URL+"/api/proxy-request", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"validation"}`, string(raw))
}

func TestServer_GenerateTokenErrors(t *testing.T) {
	f := newServerFixture(t, nil)
	agentID := f.createAgent(t, "scraper-1", "scraper")

	// Unknown agent is a named admin-side failure, not an opaque one.
	status, body := f.do(t, http.MethodPost, "/api/generate-token", map[string]any{
		"agent_id":   "e1a7f6de-0000-0000-0000-000000000000",
		"tools":      []string{"serpapi"},
		"expires_at": time.Now().Add(time.Hour),
	})
	assert.Equal(t, http.StatusNotFound, status, "%s", body)

	// Expiry in the past.
	status, body = f.do(t, http.MethodPost, "/api/generate-token", map[string]any{
		"agent_id":   agentID,
		"tools":      []string{"serpapi"},
		"expires_at": time.Now().Add(-time.Minute),
	})
	assert.Equal(t, http.StatusBadRequest, status, "%s", body)

	// Scope the role cannot carry.
	status, body = f.do(t, http.MethodPost, "/api/generate-token", map[string]any{
		"agent_id":   agentID,
		"tools":      []string{"gmail_send"},
		"expires_at": time.Now().Add(time.Hour),
	})
	assert.Equal(t, http.StatusForbidden, status, "%s", body)
}

func TestServer_CredsLifecycle(t *testing.T) {
	f := newServerFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/api/admin/creds/set", map[string]any{
		"tool":       "serpapi",
		"credential": "serp-live-key-1",
		"metadata":   map[string]string{"rotated_by": "ops"},
	})
	require.Equal(t, http.StatusOK, status, "%s", body)
	var first struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &first))

	// Version numbers only move forward.
	status, _ = f.do(t, http.MethodPost, "/api/admin/creds/set", map[string]any{
		"tool":       "serpapi",
		"version":    1,
		"credential": "stale",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, body = f.do(t, http.MethodPost, "/api/admin/creds/activate", map[string]string{"id": first.ID})
	require.Equal(t, http.StatusOK, status, "%s", body)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	status, _ = f.do(t, http.MethodPost, "/api/admin/creds/activate", map[string]string{"id": first.ID})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = f.do(t, http.MethodPost, "/api/admin/creds/activate", map[string]string{"id": "nope"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = f.do(t, http.MethodGet, "/api/admin/creds/serpapi/versions", nil)
	require.Equal(t, http.StatusOK, status)
	var listing struct {
		Tool     string            `json:"tool"`
		Versions []secrets.Version `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Versions, 1)
	assert.True(t, listing.Versions[0].Active)
	assert.Equal(t, "ops", listing.Versions[0].Metadata["rotated_by"])
	// Material never leaves the store.
	assert.NotContains(t, string(body), "serp-live-key-1")
}

func TestServer_TokenListAndRevoke(t *testing.T) {
	f := newServerFixture(t, nil)
	agentID := f.createAgent(t, "scraper-1", "scraper")
	f.seedCredential(t, "serpapi", "serp-live-key")
	tok := f.mintToken(t, agentID, []string{"serpapi"})

	status, body := f.do(t, http.MethodGet, "/api/admin/tokens?agent_id="+agentID, nil)
	require.Equal(t, http.StatusOK, status)
	var listing struct {
		Tokens []*token.Record `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Tokens, 1)
	id := listing.Tokens[0].ID

	status, body = f.do(t, http.MethodPost, "/api/admin/tokens/"+id+"/revoke", nil)
	require.Equal(t, http.StatusOK, status, "%s", body)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	// Revoking again stays ok; revoking garbage does not.
	status, _ = f.do(t, http.MethodPost, "/api/admin/tokens/"+id+"/revoke", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, "/api/admin/tokens/unknown-id/revoke", nil)
	assert.Equal(t, http.StatusNotFound, status)

	// The revoked token collapses to the opaque 401 on the data path.
	status, body = f.do(t, http.MethodPost, "/api/proxy-request", map[string]any{
		"agent_token": tok,
		"tool":        "serpapi",
		"action":      "search",
		"params":      map[string]any{"q": "after revoke"},
	})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.JSONEq(t, `{"error":"unauthorized"}`, string(body))
}

func TestServer_AgentDisableCascadesToTokens(t *testing.T) {
	f := newServerFixture(t, nil)
	agentID := f.createAgent(t, "scraper-1", "scraper")
	f.seedCredential(t, "serpapi", "serp-live-key")
	tok := f.mintToken(t, agentID, []string{"serpapi"})

	status, body := f.do(t, http.MethodPost, "/api/admin/agents/"+agentID+"/disable", nil)
	require.Equal(t, http.StatusOK, status, "%s", body)
	var out struct {
		OK            bool  `json:"ok"`
		RevokedTokens int64 `json:"revoked_tokens"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int64(1), out.RevokedTokens)

	status, body = f.do(t, http.MethodPost, "/api/proxy-request", map[string]any{
		"agent_token": tok,
		"tool":        "serpapi",
		"action":      "search",
		"params":      map[string]any{"q": "after disable"},
	})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.JSONEq(t, `{"error":"unauthorized"}`, string(body))

	status, _ = f.do(t, http.MethodPost, "/api/admin/agents/no-such-agent/disable", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_TelemetryQueryReflectsActivity(t *testing.T) {
	f := newServerFixture(t, nil)
	agentID := f.createAgent(t, "scraper-1", "scraper")

	require.Eventually(t, func() bool {
		status, body := f.do(t, http.MethodGet, "/api/admin/telemetry?agent_id="+agentID, nil)
		if status != http.StatusOK {
			return false
		}
		var listing struct {
			Events []*telemetry.Event `json:"events"`
		}
		if err := json.Unmarshal(body, &listing); err != nil {
			return false
		}
		for _, e := range listing.Events {
			if e.Kind == telemetry.KindAgentCreated {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "agent_created event should be queryable")
}

func TestServer_TelemetryExportWithoutBackend(t *testing.T) {
	f := newServerFixture(t, nil)

	status, _ := f.do(t, http.MethodPost, "/api/admin/telemetry/export", map[string]any{"limit": 10})
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestServer_PoliciesAndBreakersSnapshots(t *testing.T) {
	f := newServerFixture(t, nil)

	status, body := f.do(t, http.MethodGet, "/api/admin/policies", nil)
	require.Equal(t, http.StatusOK, status)
	var bundle policy.Bundle
	require.NoError(t, json.Unmarshal(body, &bundle))
	assert.Equal(t, "default", bundle.Version)
	assert.NotEmpty(t, bundle.Rules)

	status, body = f.do(t, http.MethodGet, "/api/admin/breakers", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "routes")
}

func TestServer_AdminGate(t *testing.T) {
	secret := []byte("operator-secret-32-bytes-long!!!")
	f := newServerFixture(t, secret)

	// Authenticated fixture requests pass.
	status, _ := f.do(t, http.MethodGet, "/api/admin/tokens", nil)
	assert.Equal(t, http.StatusOK, status)

	// Bare requests do not.
	resp, err := f.ts.Client().Get(f.ts.URL + "/api/admin/tokens")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The data path never asks for operator credentials: a bad agent token
	// is still the opaque data-path 401, not a problem document.
	raw, _ := json.Marshal(map[string]any{
		"agent_token": "AAAA.BBBB",
		"tool":        "serpapi",
		"action":      "search",
		"params":      map[string]any{"q": "x"},
	})
	dataResp, err := f.ts.Client().Post(f.ts.URL+"/api/proxy-request", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer func() { _ = dataResp.Body.Close() }()
	body, err := io.ReadAll(dataResp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, dataResp.StatusCode)
	assert.JSONEq(t, `{"error":"unauthorized"}`, string(body))
}

func TestServer_HealthReadyMetrics(t *testing.T) {
	f := newServerFixture(t, nil)

	status, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"ok"`)

	status, body = f.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"ready"`)

	status, body = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "gateway_")
}

func TestServer_MethodGuards(t *testing.T) {
	f := newServerFixture(t, nil)

	status, _ := f.do(t, http.MethodGet, "/api/create-agent", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	status, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/admin/creds/%s/versions", "serpapi"), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}
