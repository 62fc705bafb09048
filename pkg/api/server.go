package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/adapters"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/agents"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/breaker"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/metrics"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/policy"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/proxy"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/secrets"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/telemetry"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/token"
)

// Config tunes the HTTP surface. Zero values get sensible defaults; an
// empty AdminSecret leaves the control plane open (NewAdminAuth warns).
type Config struct {
	AdminSecret []byte
	RateRPS     int
	RateBurst   int
	Version     string
}

// Services are the gateway subsystems the handlers call into. Exporter is
// optional; everything else must be set.
type Services struct {
	Agents    *agents.Store
	Tokens    *token.Service
	Secrets   *secrets.Store
	Policy    *policy.Engine
	Breakers  *breaker.Pool
	Proxy     *proxy.Pipeline
	Telemetry *telemetry.Sink
	Exporter  *telemetry.Exporter
	Registry  *adapters.Registry

	// Ready reports whether storage is reachable and key material loaded.
	Ready func(ctx context.Context) error
}

// Server owns the route table. Build it once with NewServer and mount
// Handler() on an http.Server.
type Server struct {
	cfg    Config
	svc    Services
	logger *slog.Logger
}

// NewServer wires the handlers to their subsystems.
func NewServer(cfg Config, svc Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	return &Server{cfg: cfg, svc: svc, logger: logger.With("component", "api")}
}

// Handler assembles the full route table. The data plane (create-agent,
// generate-token, proxy-request) is reachable without operator auth; the
// /api/admin subtree sits behind the rate limiter and the JWT gate.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/create-agent", s.handleCreateAgent)
	mux.HandleFunc("POST /api/generate-token", s.handleGenerateToken)
	mux.HandleFunc("POST /api/proxy-request", s.handleProxyRequest)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /api/admin/creds/set", s.handleCredsSet)
	admin.HandleFunc("POST /api/admin/creds/activate", s.handleCredsActivate)
	admin.HandleFunc("GET /api/admin/creds/{tool}/versions", s.handleCredsVersions)
	admin.HandleFunc("GET /api/admin/tokens", s.handleTokensList)
	admin.HandleFunc("POST /api/admin/tokens/{id}/revoke", s.handleTokenRevoke)
	admin.HandleFunc("POST /api/admin/agents/{id}/disable", s.handleAgentDisable)
	admin.HandleFunc("GET /api/admin/telemetry", s.handleTelemetryQuery)
	admin.HandleFunc("POST /api/admin/telemetry/export", s.handleTelemetryExport)
	admin.HandleFunc("GET /api/admin/policies", s.handlePolicies)
	admin.HandleFunc("GET /api/admin/breakers", s.handleBreakers)

	gate := NewAdminAuth(s.cfg.AdminSecret, s.logger)
	limiter := NewGlobalRateLimiter(s.cfg.RateRPS, s.cfg.RateBurst)
	mux.Handle("/api/admin/", limiter.Middleware(gate.Middleware(admin)))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	h = Recover(s.logger)(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ready != nil {
		if err := s.svc.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness probe failed", "error", err)
			WriteError(w, http.StatusServiceUnavailable, "Not Ready", "Storage or key material is unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
