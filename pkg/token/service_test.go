package token

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/agents"
)

// fakeClock is a mutable clock shared by a test and the service under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// openOracle grants every scope.
type openOracle struct{}

func (openOracle) GrantableScope(string, Scope) bool { return true }

// narrowOracle grants only serpapi/search.
type narrowOracle struct{}

func (narrowOracle) GrantableScope(_ string, s Scope) bool {
	for _, tool := range s.Tools {
		if tool != "serpapi" {
			return false
		}
	}
	return true
}

type fixture struct {
	svc    *Service
	agents *agents.Store
	clock  *fakeClock
	agent  *agents.Agent
}

func newFixture(t *testing.T, oracle SurfaceOracle) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := agents.NewStore(db, nil, nil)
	require.NoError(t, err)
	agent, _, err := store.Create(context.Background(), "scraper-1", "scraper")
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := NewService(db, ServiceConfig{
		Secret:  testSecret,
		Agents:  store,
		Surface: oracle,
		Now:     clock.Now,
	})
	require.NoError(t, err)

	return &fixture{svc: svc, agents: store, clock: clock, agent: agent}
}

func TestMintValidate_HappyPath(t *testing.T) {
	f := newFixture(t, openOracle{})
	ctx := context.Background()

	scope := Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}, Permissions: []string{"read"}}
	minted, err := f.svc.Mint(ctx, f.agent.ID, scope, 15*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, minted.Token)
	assert.NotEmpty(t, minted.TokenID)

	id, err := f.svc.Validate(ctx, minted.Token)
	require.NoError(t, err)
	assert.Equal(t, f.agent.ID, id.AgentID)
	assert.Equal(t, "scraper", id.AgentRole)
	assert.Equal(t, minted.TokenID, id.TokenID)
	assert.True(t, id.Scope.HasTool("serpapi"))
}

func TestMint_UnknownAgent(t *testing.T) {
	f := newFixture(t, openOracle{})

	_, err := f.svc.Mint(context.Background(), "nope", Scope{Tools: []string{"serpapi"}}, time.Minute)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestMint_ScopeOutOfBounds(t *testing.T) {
	f := newFixture(t, narrowOracle{})

	_, err := f.svc.Mint(context.Background(), f.agent.ID,
		Scope{Tools: []string{"gmail_send"}, Actions: []string{"send"}}, time.Minute)
	assert.ErrorIs(t, err, ErrScopeOutOfBounds)
}

func TestMint_RejectsNonPositiveTTL(t *testing.T) {
	f := newFixture(t, openOracle{})

	_, err := f.svc.Mint(context.Background(), f.agent.ID, Scope{Tools: []string{"serpapi"}}, 0)
	assert.Error(t, err)
}

func TestValidate_ExpiryInclusiveBoundary(t *testing.T) {
	f := newFixture(t, openOracle{})
	ctx := context.Background()

	minted, err := f.svc.Mint(ctx, f.agent.ID, Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, 10*time.Second)
	require.NoError(t, err)

	// Exactly at expires_at the token is still valid.
	f.clock.Advance(10 * time.Second)
	_, err = f.svc.Validate(ctx, minted.Token)
	assert.NoError(t, err, "token should be valid through its expiry second")

	// One second past, it is expired.
	f.clock.Advance(time.Second)
	_, err = f.svc.Validate(ctx, minted.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidate_RevokedImmediately(t *testing.T) {
	f := newFixture(t, openOracle{})
	ctx := context.Background()

	minted, err := f.svc.Mint(ctx, f.agent.ID, Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Hour)
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, minted.Token)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, minted.TokenID))
	_, err = f.svc.Validate(ctx, minted.Token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestRevoke_UnknownToken(t *testing.T) {
	f := newFixture(t, openOracle{})
	assert.ErrorIs(t, f.svc.Revoke(context.Background(), "no-such-token"), ErrNotFound)
}

func TestValidate_DisabledAgent(t *testing.T) {
	f := newFixture(t, openOracle{})
	ctx := context.Background()

	minted, err := f.svc.Mint(ctx, f.agent.ID, Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.agents.Disable(ctx, f.agent.ID))
	_, err = f.svc.Validate(ctx, minted.Token)
	assert.ErrorIs(t, err, ErrAgentDisabled)
}

func TestRevokeAgentTokens_Cascade(t *testing.T) {
	f := newFixture(t, openOracle{})
	ctx := context.Background()

	var wires []string
	for i := 0; i < 3; i++ {
		minted, err := f.svc.Mint(ctx, f.agent.ID, Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Hour)
		require.NoError(t, err)
		wires = append(wires, minted.Token)
	}

	n, err := f.svc.RevokeAgentTokens(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, wire := range wires {
		_, err := f.svc.Validate(ctx, wire)
		assert.ErrorIs(t, err, ErrRevoked)
	}

	// Second cascade finds nothing left to revoke.
	n, err = f.svc.RevokeAgentTokens(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestList_FiltersByAgent(t *testing.T) {
	f := newFixture(t, openOracle{})
	ctx := context.Background()

	other, _, err := f.agents.Create(ctx, "mailer-1", "mailer")
	require.NoError(t, err)

	_, err = f.svc.Mint(ctx, f.agent.ID, Scope{Tools: []string{"serpapi"}, Actions: []string{"search"}}, time.Hour)
	require.NoError(t, err)
	_, err = f.svc.Mint(ctx, other.ID, Scope{Tools: []string{"gmail_send"}, Actions: []string{"send"}}, time.Hour)
	require.NoError(t, err)

	all, err := f.svc.List(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := f.svc.List(ctx, f.agent.ID, 100)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, f.agent.ID, mine[0].AgentID)
	assert.False(t, mine[0].Revoked)
}
