// Package localapi is the agent's read-only local HTTP surface: health,
// info, log tail/download, workflow execution/state listing, metrics, log
// level control, and a whitelisted file browser. It is reached directly on
// its configured port for on-box diagnostics, and indirectly through the
// controller's pull-through proxy for remote operators.
package localapi

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/lsadehaan/controlcenter/internal/agent/workflow/journal"
	"github.com/lsadehaan/controlcenter/internal/logging"
)

// WorkflowSummary describes one currently-loaded workflow for /workflows/state.
type WorkflowSummary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Trigger string   `json:"trigger"`
	Steps   []string `json:"steps"`
}

// WorkflowLister exposes the agent's currently-loaded workflow set.
type WorkflowLister interface {
	ListWorkflows() []WorkflowSummary
}

// Config wires the collaborators and static identity fields this API
// reports.
type Config struct {
	AgentID   string
	Hostname  string
	Platform  string
	Version   string
	PublicKey string
	SSHPort   int

	LogPath   string
	LogSink   *logging.Sink
	Journal   *journal.Journal
	Workflows WorkflowLister

	// AllowedPaths whitelists the base directories the file browser may
	// serve; every resolved path must lie under one of these. When empty,
	// every file-browser request is rejected (internal/agent/runtime
	// passes the agent's data directory when the config lists none).
	AllowedPaths []string
	// MaxUploadBytes bounds /files/upload; zero defaults to 32MiB.
	MaxUploadBytes int64

	Logger logging.Logger
}

// API is the agent's local HTTP surface.
type API struct {
	cfg    Config
	logger logging.Logger
}

// New builds a ready-to-mount API.
func New(cfg Config) *API {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	return &API{cfg: cfg, logger: logging.OrNop(cfg.Logger)}
}

// Router returns the full mux.Router for this API.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/info", a.handleInfo).Methods(http.MethodGet)

	r.HandleFunc("/logs", a.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/logs/download", a.handleLogsDownload).Methods(http.MethodGet)

	r.HandleFunc("/workflows/executions", a.handleExecutions).Methods(http.MethodGet)
	r.HandleFunc("/workflows/state", a.handleWorkflowState).Methods(http.MethodGet)

	r.HandleFunc("/metrics", a.handleMetrics).Methods(http.MethodGet)

	r.HandleFunc("/loglevel", a.handleGetLogLevel).Methods(http.MethodGet)
	r.HandleFunc("/loglevel", a.handleSetLogLevel).Methods(http.MethodPost)

	r.HandleFunc("/files/browse", a.handleFilesBrowse).Methods(http.MethodGet)
	r.HandleFunc("/files/download", a.handleFilesDownload).Methods(http.MethodGet)
	r.HandleFunc("/files/upload", a.handleFilesUpload).Methods(http.MethodPost)
	r.HandleFunc("/files/mkdir", a.handleFilesMkdir).Methods(http.MethodPost)
	r.HandleFunc("/files/delete", a.handleFilesDelete).Methods(http.MethodDelete)

	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"agentId": a.cfg.AgentID,
		"time":    time.Now().UTC(),
	})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   a.cfg.Version,
		"platform":  a.cfg.Platform,
		"hostname":  a.cfg.Hostname,
		"id":        a.cfg.AgentID,
		"publicKey": a.cfg.PublicKey,
		"sshPort":   a.cfg.SSHPort,
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var workflowCount int
	if a.cfg.Workflows != nil {
		workflowCount = len(a.cfg.Workflows.ListWorkflows())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               a.cfg.AgentID,
		"hostname":         a.cfg.Hostname,
		"platform":         a.cfg.Platform,
		"workflowsLoaded":  workflowCount,
		"logFileBytes":     fileSizeOrZero(a.cfg.LogPath),
		"journalFileBytes": journalDirSize(a.cfg.Journal),
	})
}

func (a *API) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	if a.cfg.LogSink == nil {
		writeJSON(w, http.StatusOK, map[string]string{"level": logging.LevelInfo.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"level": a.cfg.LogSink.Level().String()})
}

func (a *API) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if a.cfg.LogSink != nil {
		a.cfg.LogSink.SetLevel(logging.ParseLevel(body.Level))
	}
	writeJSON(w, http.StatusOK, map[string]string{"level": logging.ParseLevel(body.Level).String()})
}

func (a *API) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Journal == nil {
		writeJSON(w, http.StatusOK, []journal.Record{})
		return
	}
	records, err := a.cfg.Journal.List(r.URL.Query().Get("workflowId"))
	if err != nil {
		http.Error(w, "failed to list executions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleWorkflowState(w http.ResponseWriter, r *http.Request) {
	var summaries []WorkflowSummary
	if a.cfg.Workflows != nil {
		summaries = a.cfg.Workflows.ListWorkflows()
	}
	writeJSON(w, http.StatusOK, summaries)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func fileSizeOrZero(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func journalDirSize(j *journal.Journal) int64 {
	if j == nil {
		return 0
	}
	return j.DirSize()
}

func boundPageSize(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func sanitizedBase(path string) string {
	return strings.TrimSuffix(filepath.Base(path), "/")
}
