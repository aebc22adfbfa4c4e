// Package api exposes the server's HTTP surface: operator login, agent
// management, inventory queries, and the two WebSocket endpoints
// (agent transport and operator terminals).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/probehub/probehub/internal/id"
	"github.com/probehub/probehub/internal/protocol"
	"github.com/probehub/probehub/internal/server/auth"
	"github.com/probehub/probehub/internal/server/broker"
	"github.com/probehub/probehub/internal/server/directory"
	"github.com/probehub/probehub/internal/server/hub"
	"github.com/probehub/probehub/internal/server/store"
)

// API bundles the HTTP handlers and their dependencies.
type API struct {
	store  *store.Store
	auth   *auth.Authenticator
	hub    *hub.Hub
	broker *broker.Broker
	dir    directory.Directory
	logger *slog.Logger
}

func New(st *store.Store, a *auth.Authenticator, h *hub.Hub, b *broker.Broker, dir directory.Directory, logger *slog.Logger) *API {
	return &API{store: st, auth: a, hub: h, broker: b, dir: dir, logger: logger}
}

// Routes registers every endpoint on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.Handle("GET /api/v1/agents", a.requireOperator(a.handleListAgents))
	mux.Handle("POST /api/v1/agents", a.requireOperator(a.handleCreateAgent))
	mux.Handle("GET /api/v1/agents/{id}", a.requireOperator(a.handleGetAgent))
	mux.Handle("DELETE /api/v1/agents/{id}", a.requireOperator(a.handleDeleteAgent))
	mux.Handle("POST /api/v1/agents/{id}/secret", a.requireOperator(a.handleRotateSecret))
	mux.Handle("GET /api/v1/agents/{id}/inventory", a.requireOperator(a.handleGetInventory))
	mux.Handle("GET /api/v1/agents/{id}/inventory/history", a.requireOperator(a.handleInventoryHistory))

	mux.HandleFunc("GET /ws/agent", a.handleAgentSocket)
	mux.HandleFunc("GET /terminal/{agent_id}", a.handleTerminalSocket)

	mux.HandleFunc("GET /healthz", a.handleHealthz)
}

type ctxKey int

const operatorIDKey ctxKey = 0

func operatorFrom(ctx context.Context) string {
	v, _ := ctx.Value(operatorIDKey).(string)
	return v
}

// requireOperator validates the bearer token and stashes the operator
// ID in the request context.
func (a *API) requireOperator(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		claims, err := a.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), operatorIDKey, claims.Subject)))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	// WebSocket clients cannot set headers from a browser; accept the
	// token as a query parameter there.
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token      string `json:"token"`
	OperatorID string `json:"operator_id"`
	Username   string `json:"username"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	token, op, err := a.auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		a.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: token, OperatorID: op.ID, Username: op.Username,
	})
}

// --- agents ---

type agentResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Hostname        string `json:"hostname,omitempty"`
	Platform        string `json:"platform,omitempty"`
	Arch            string `json:"arch,omitempty"`
	AgentVersion    string `json:"agent_version,omitempty"`
	Status          string `json:"status"`
	Replica         string `json:"replica,omitempty"`
	RegisteredAt    int64  `json:"registered_at"`
	LastConnectedAt int64  `json:"last_connected_at,omitempty"`
}

func (a *API) agentResponse(ctx context.Context, ag store.Agent) agentResponse {
	resp := agentResponse{
		ID:           ag.ID,
		Name:         ag.Name,
		Hostname:     ag.Hostname,
		Platform:     ag.Platform,
		Arch:         ag.Arch,
		AgentVersion: ag.AgentVersion,
		Status:       string(directory.StatusOffline),
		RegisteredAt: ag.RegisteredAt.Unix(),
	}
	if !ag.LastConnectedAt.IsZero() {
		resp.LastConnectedAt = ag.LastConnectedAt.Unix()
	}
	if entry, err := a.dir.Lookup(ctx, ag.ID); err == nil {
		resp.Status = string(entry.Status)
		resp.Replica = entry.ReplicaID
	}
	return resp
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.store.ListAgentsByOwner(r.Context(), operatorFrom(r.Context()))
	if err != nil {
		a.logger.Error("list agents failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for _, ag := range agents {
		out = append(out, a.agentResponse(r.Context(), ag))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

type createAgentRequest struct {
	Name string `json:"name"`
}

type createAgentResponse struct {
	AgentID string `json:"agent_id"`
	Secret  string `json:"secret"`
}

func (a *API) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	agent := store.Agent{
		ID:           id.Generate(),
		OwnerID:      operatorFrom(r.Context()),
		Name:         req.Name,
		Secret:       id.Generate(),
		RegisteredAt: time.Now(),
	}
	if err := a.store.CreateAgent(r.Context(), agent); err != nil {
		a.logger.Error("create agent failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// The secret is returned exactly once, at registration.
	writeJSON(w, http.StatusCreated, createAgentResponse{
		AgentID: agent.ID, Secret: agent.Secret,
	})
}

// ownedAgent loads the agent and enforces ownership. A nil return
// means the response has already been written.
func (a *API) ownedAgent(w http.ResponseWriter, r *http.Request) *store.Agent {
	agent, err := a.store.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && agent.OwnerID != operatorFrom(r.Context())) {
		// Same response for "not yours" and "does not exist".
		writeError(w, http.StatusNotFound, "agent not found")
		return nil
	}
	if err != nil {
		a.logger.Error("get agent failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	return &agent
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent := a.ownedAgent(w, r)
	if agent == nil {
		return
	}
	writeJSON(w, http.StatusOK, a.agentResponse(r.Context(), *agent))
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent := a.ownedAgent(w, r)
	if agent == nil {
		return
	}
	if err := a.store.DeleteAgent(r.Context(), agent.ID); err != nil {
		a.logger.Error("delete agent failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// A deleted agent must not keep a live transport, wherever in the
	// fleet it is connected.
	a.hub.Evict(r.Context(), agent.ID, "agent deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	agent := a.ownedAgent(w, r)
	if agent == nil {
		return
	}
	secret := id.Generate()
	if err := a.store.UpdateAgentSecret(r.Context(), agent.ID, secret); err != nil {
		a.logger.Error("rotate secret failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// The old secret is dead; drop any transport that authenticated
	// with it so the agent reconnects with the new one.
	a.hub.Evict(r.Context(), agent.ID, "agent secret rotated")
	writeJSON(w, http.StatusOK, createAgentResponse{AgentID: agent.ID, Secret: secret})
}

// --- inventory ---

func (a *API) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	agent := a.ownedAgent(w, r)
	if agent == nil {
		return
	}
	inv, err := a.store.GetLatestInventory(r.Context(), agent.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no inventory yet")
		return
	}
	if err != nil {
		a.logger.Error("get inventory failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) handleInventoryHistory(w http.ResponseWriter, r *http.Request) {
	agent := a.ownedAgent(w, r)
	if agent == nil {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}
	entries, err := a.store.ListInventoryHistory(r.Context(), agent.ID, limit)
	if err != nil {
		a.logger.Error("inventory history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// --- websockets ---

func (a *API) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debug("agent websocket accept failed", "error", err)
		return
	}
	// Accept blocks for the lifetime of the transport. Credentials
	// travel in the hello frame, not the HTTP request.
	a.hub.Accept(r.Context(), hub.NewWebsocketTransport(c))
}

func (a *API) handleTerminalSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := a.auth.VerifyToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debug("terminal websocket accept failed", "error", err)
		return
	}
	c.SetReadLimit(protocol.MaxFrameBytes)
	a.broker.Attach(r.Context(), hub.NewWebsocketTransport(c), claims.Subject, r.PathValue("agent_id"))
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
