package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/proxy"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/token"
)

// CreateAgentRequest registers a caller identity.
type CreateAgentRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// CreateAgentResponse carries the one-time private key. The gateway keeps
// only the public half; losing this response means re-creating the agent.
type CreateAgentResponse struct {
	AgentID    string `json:"agent_id"`
	PrivateKey string `json:"private_key"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Name == "" || req.Role == "" {
		WriteBadRequest(w, "name and role are required")
		return
	}

	agent, privateKey, err := s.svc.Agents.Create(r.Context(), req.Name, req.Role)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateAgentResponse{
		AgentID:    agent.ID,
		PrivateKey: privateKey,
	})
}

// GenerateTokenRequest mints a scoped token for an existing agent. Actions
// are derived from the registered routes of each requested tool; the caller
// asks for tools and permissions, not individual actions.
type GenerateTokenRequest struct {
	AgentID     string    `json:"agent_id"`
	Tools       []string  `json:"tools"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req GenerateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.AgentID == "" {
		WriteBadRequest(w, "agent_id is required")
		return
	}
	if len(req.Tools) == 0 {
		WriteBadRequest(w, "at least one tool is required")
		return
	}
	ttl := time.Until(req.ExpiresAt)
	if req.ExpiresAt.IsZero() || ttl <= 0 {
		WriteBadRequest(w, "expires_at must be in the future")
		return
	}

	scope := token.Scope{Tools: req.Tools, Permissions: req.Permissions}
	for _, tool := range req.Tools {
		scope.Actions = append(scope.Actions, s.svc.Registry.ActionsFor(tool)...)
	}

	minted, err := s.svc.Tokens.Mint(r.Context(), req.AgentID, scope, ttl)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrUnknownAgent):
		WriteNotFound(w, "Unknown agent")
		return
	case errors.Is(err, token.ErrAgentDisabled):
		WriteForbidden(w, "Agent is disabled")
		return
	case errors.Is(err, token.ErrScopeOutOfBounds):
		WriteForbidden(w, "Requested scope exceeds what the agent's role allows")
		return
	default:
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, minted)
}

// handleProxyRequest is the data path. Outcomes map onto the opaque wire
// bodies: auth failures are a single unauthorized message, policy denials
// carry only a reason code, everything else is a bare kind. Control-plane
// problem documents are never written here.
func (s *Server) handleProxyRequest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req proxy.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeWireError(w, http.StatusBadRequest, proxy.KindValidation, "")
		return
	}
	if req.Token == "" || req.Tool == "" || req.Action == "" {
		writeWireError(w, http.StatusBadRequest, proxy.KindValidation, "")
		return
	}

	res := s.svc.Proxy.Proxy(r.Context(), &req)
	if res.CorrelationID != "" {
		w.Header().Set("X-Correlation-ID", res.CorrelationID)
	}

	if res.Status == http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Body)
		return
	}
	writeWireError(w, res.Status, res.Kind, res.Reason)
}

// writeWireError emits the data-path error bodies. 401 is always the same
// opaque message regardless of why authentication failed; 403 is the only
// status that carries a reason code.
func writeWireError(w http.ResponseWriter, status int, kind, reason string) {
	body := map[string]string{"error": kind}
	switch status {
	case http.StatusUnauthorized:
		body = map[string]string{"error": proxy.KindUnauthorized}
	case http.StatusForbidden:
		body = map[string]string{"error": proxy.KindForbidden}
		if reason != "" {
			body["reason"] = reason
		}
	}
	writeJSON(w, status, body)
}
