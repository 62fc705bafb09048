package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/agents"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/breaker"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/crypto"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/secrets"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/telemetry"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/token"
)

// CredsSetRequest stores a new credential version for a tool. The
// credential value is encrypted at rest immediately; it never appears in
// logs or telemetry. With the vault backend a value of the form
// "vault:ENV_NAME" defers to the environment at lease time.
type CredsSetRequest struct {
	Tool       string            `json:"tool"`
	Version    int               `json:"version"`
	Credential string            `json:"credential"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) handleCredsSet(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CredsSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Tool == "" || req.Credential == "" {
		WriteBadRequest(w, "tool and credential are required")
		return
	}

	material := []byte(req.Credential)
	v, err := s.svc.Secrets.Put(r.Context(), req.Tool, req.Version, material, req.Metadata)
	crypto.Zero(material)
	switch {
	case err == nil:
	case errors.Is(err, secrets.ErrVersionNotMonotonic):
		WriteConflict(w, "version must exceed the latest stored version")
		return
	default:
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": v.ID})
}

// CredsActivateRequest atomically makes a stored version the active
// credential for its tool.
type CredsActivateRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleCredsActivate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CredsActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ID == "" {
		WriteBadRequest(w, "id is required")
		return
	}

	err := s.svc.Secrets.Activate(r.Context(), req.ID)
	switch {
	case err == nil:
	case errors.Is(err, secrets.ErrNotFound):
		WriteNotFound(w, "Unknown credential id")
		return
	case errors.Is(err, secrets.ErrAlreadyActive):
		WriteConflict(w, "credential is already active")
		return
	default:
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCredsVersions(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	if tool == "" {
		WriteBadRequest(w, "tool is required")
		return
	}

	versions, err := s.svc.Secrets.ListVersions(r.Context(), tool)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if versions == nil {
		versions = []secrets.Version{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"tool": tool, "versions": versions})
}

func (s *Server) handleTokensList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.svc.Tokens.List(r.Context(), r.URL.Query().Get("agent_id"), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if recs == nil {
		recs = []*token.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"tokens": recs})
}

func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteBadRequest(w, "token id is required")
		return
	}

	err := s.svc.Tokens.Revoke(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrNotFound):
		WriteNotFound(w, "Unknown token id")
		return
	default:
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAgentDisable turns the agent off and revokes its outstanding
// tokens in the same request, so the cutoff does not wait for each token
// to be presented again.
func (s *Server) handleAgentDisable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteBadRequest(w, "agent id is required")
		return
	}

	err := s.svc.Agents.Disable(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, agents.ErrNotFound):
		WriteNotFound(w, "Unknown agent id")
		return
	default:
		WriteInternal(w, err)
		return
	}

	revoked, err := s.svc.Tokens.RevokeAgentTokens(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revoked_tokens": revoked})
}

func (s *Server) handleTelemetryQuery(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.svc.Telemetry.Query(r.Context(), telemetry.Filter{
		CorrelationID: r.URL.Query().Get("correlation_id"),
		AgentID:       r.URL.Query().Get("agent_id"),
		Limit:         limit,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if events == nil {
		events = []*telemetry.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// TelemetryExportRequest selects the batch to archive. Empty filters export
// the most recent events up to the query limit.
type TelemetryExportRequest struct {
	CorrelationID string `json:"correlation_id"`
	AgentID       string `json:"agent_id"`
	Limit         int    `json:"limit"`
}

func (s *Server) handleTelemetryExport(w http.ResponseWriter, r *http.Request) {
	if s.svc.Exporter == nil {
		WriteError(w, http.StatusServiceUnavailable, "Archive Unavailable", "No archive backend is configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req TelemetryExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	events, err := s.svc.Telemetry.Query(r.Context(), telemetry.Filter{
		CorrelationID: req.CorrelationID,
		AgentID:       req.AgentID,
		Limit:         req.Limit,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if len(events) == 0 {
		WriteBadRequest(w, "No events match the export filter")
		return
	}

	key, err := s.svc.Exporter.Export(r.Context(), events)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"key": key, "count": len(events)})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Policy.BundleView())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	routes := s.svc.Breakers.Snapshot()
	if routes == nil {
		routes = []breaker.RouteState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}
