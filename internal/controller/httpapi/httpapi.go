// Package httpapi is the controller's own operator-facing HTTP API: token
// issuance, registry and session listing, command dispatch over the control
// channel, alert listing, and the mount point for the pull-through proxy to
// agent local APIs.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lsadehaan/controlcenter/internal/controller/alerts"
	"github.com/lsadehaan/controlcenter/internal/controller/registry"
	"github.com/lsadehaan/controlcenter/internal/logging"
	"github.com/lsadehaan/controlcenter/internal/protocol"
)

// CommandSender dispatches a command to a connected agent session. Satisfied
// by *hub.Hub.
type CommandSender interface {
	SendCommand(ctx context.Context, agentID string, cmd protocol.Command) error
	Sessions() []protocol.SessionSnapshot
	IsConnected(agentID string) bool
}

// AlertLister answers queries over the durable alert store. Satisfied by
// *alerts.Store.
type AlertLister interface {
	List(ctx context.Context, filter alerts.Filter) ([]alerts.Record, error)
}

// Config wires the collaborators this API surfaces.
type Config struct {
	Registry *registry.Registry
	Tokens   *registry.TokenStore
	Hub      CommandSender
	Alerts   AlertLister
	// Proxy, when set, is mounted under /agents-proxy/.
	Proxy  http.Handler
	Logger logging.Logger
}

// API is the controller's admin HTTP surface.
type API struct {
	cfg    Config
	logger logging.Logger
}

// New builds a ready-to-mount API.
func New(cfg Config) *API {
	return &API{cfg: cfg, logger: logging.OrNop(cfg.Logger)}
}

// Router returns the full mux.Router for this API.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)

	r.HandleFunc("/tokens", a.handleCreateToken).Methods(http.MethodPost)
	r.HandleFunc("/tokens", a.handleListTokens).Methods(http.MethodGet)

	r.HandleFunc("/agents", a.handleListAgents).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}", a.handleGetAgent).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}", a.handleDeleteAgent).Methods(http.MethodDelete)
	r.HandleFunc("/agents/{id}/command", a.handleSendCommand).Methods(http.MethodPost)

	r.HandleFunc("/sessions", a.handleListSessions).Methods(http.MethodGet)

	r.HandleFunc("/alerts", a.handleListAlerts).Methods(http.MethodGet)

	if a.cfg.Proxy != nil {
		r.PathPrefix("/agents-proxy/").Handler(http.StripPrefix("/agents-proxy", a.cfg.Proxy))
	}

	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TTLSeconds    int    `json:"ttlSeconds"`
		PinnedAPIAddr string `json:"pinnedApiAddr"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	token, err := a.cfg.Tokens.Create(r.Context(), ttl, body.PinnedAPIAddr)
	if err != nil {
		a.logger.Error("httpapi: create token: %v", err)
		http.Error(w, "failed to create token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (a *API) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := a.cfg.Tokens.List(r.Context())
	if err != nil {
		http.Error(w, "failed to list tokens", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agentList, err := a.cfg.Registry.List(r.Context())
	if err != nil {
		http.Error(w, "failed to list agents", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, agentList)
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agent, err := a.cfg.Registry.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.cfg.Registry.Delete(r.Context(), id); err != nil {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Command protocol.CommandTag `json:"command"`
		Args    map[string]any      `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	cmd := protocol.NewCommand(body.Command, body.Args)
	if err := a.cfg.Hub.SendCommand(r.Context(), id, cmd); err != nil {
		a.logger.Warn("httpapi: send command to %s: %v", id, err)
		http.Error(w, "agent not connected", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cfg.Hub.Sessions())
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := alerts.Filter{
		AgentID: q.Get("agentId"),
		Level:   protocol.AlertLevel(q.Get("level")),
	}
	records, err := a.cfg.Alerts.List(r.Context(), filter)
	if err != nil {
		http.Error(w, "failed to list alerts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
