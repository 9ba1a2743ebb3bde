// Package runtime wires together every agent-side subsystem — identity,
// the control-channel client, config sync, the file watcher, the workflow
// engine and its trigger scheduler, the local query API, and the embedded
// SSH capability surface — and owns the reload sequence §4.3 describes for
// an agent that just pulled new configuration.
package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/lsadehaan/controlcenter/internal/agent/agentdoc"
	"github.com/lsadehaan/controlcenter/internal/agent/client"
	"github.com/lsadehaan/controlcenter/internal/agent/configsync"
	"github.com/lsadehaan/controlcenter/internal/agent/identity"
	"github.com/lsadehaan/controlcenter/internal/agent/localapi"
	"github.com/lsadehaan/controlcenter/internal/agent/sshsurface"
	"github.com/lsadehaan/controlcenter/internal/agent/trigger"
	"github.com/lsadehaan/controlcenter/internal/agent/watcher"
	"github.com/lsadehaan/controlcenter/internal/agent/workflow"
	"github.com/lsadehaan/controlcenter/internal/agent/workflow/journal"
	"github.com/lsadehaan/controlcenter/internal/config"
	"github.com/lsadehaan/controlcenter/internal/logging"
	"github.com/lsadehaan/controlcenter/internal/protocol"
)

// workflowListerAdapter bridges workflow.Table's ListWorkflows to the shape
// internal/agent/localapi expects, without making either package import
// the other.
type workflowListerAdapter struct{ table *workflow.Table }

func (a workflowListerAdapter) ListWorkflows() []localapi.WorkflowSummary {
	summaries := a.table.ListWorkflows()
	out := make([]localapi.WorkflowSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, localapi.WorkflowSummary{
			ID: s.ID, Name: s.Name, Enabled: s.Enabled, Trigger: s.Trigger, Steps: s.Steps,
		})
	}
	return out
}

// Runtime is one agent process's full set of collaborators.
type Runtime struct {
	cfg    config.AgentConfig
	logger logging.Logger
	sink   *logging.Sink

	identity identity.Identity
	client   *client.Client
	sync     *configsync.Store // nil in standalone mode

	journal  *journal.Journal
	table    *workflow.Table
	registry *workflow.Registry
	engine   *workflow.Engine
	localAPI *localapi.API
	ssh      *sshsurface.Surface // nil if agent.sshServerPort is unset

	mu         sync.Mutex
	watcherEng *watcher.Engine
	scheduler  *trigger.Scheduler

	onAssignedID func(agentID string)
}

// Config bundles everything New needs beyond the resolved AgentConfig.
type Config struct {
	Agent   config.AgentConfig
	Logger  logging.Logger
	Sink    *logging.Sink
	HostKey ssh.Signer // only required if sshsurface is enabled
	// Token is the single-use registration token; ignored once Agent.ID is
	// already assigned.
	Token string
	// OnAssignedID, if set, is called exactly once, the first time the
	// controller assigns this agent an id — the caller's chance to persist
	// it to the local config.json (never written back to Git).
	OnAssignedID func(agentID string)
}

// New constructs a Runtime. It does not start any background component;
// the caller runs Client, SSHSurface and LocalAPI itself.
func New(cfg Config) (*Runtime, error) {
	logger := logging.OrNop(cfg.Logger)

	ident, err := identity.LoadOrCreate(cfg.Agent.DataDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: load identity: %w", err)
	}

	j := journal.New(filepath.Join(cfg.Agent.DataDir, "state"))
	if _, err := j.ReconcileInterrupted(); err != nil {
		logger.Warn("runtime: reconcile interrupted executions: %v", err)
	}

	table := workflow.NewTable(logger)

	r := &Runtime{
		cfg:          cfg.Agent,
		logger:       logger,
		sink:         cfg.Sink,
		identity:     ident,
		journal:      j,
		table:        table,
		onAssignedID: cfg.OnAssignedID,
	}

	r.registry = workflow.NewRegistry(r.sendAlert)
	r.engine = workflow.New(table, r.registry, j, logging.NewComponentLogger(cfg.Sink, "WorkflowEngine"))

	r.client = client.New(client.Config{
		ControllerURL:     cfg.Agent.ControllerURL,
		AgentID:           cfg.Agent.ID,
		Token:             cfg.Token,
		PublicKey:         ident.AuthorizedKey,
		Hostname:          hostnameOrDefault(),
		Platform:          platformTag(),
		HeartbeatInterval: time.Duration(cfg.Agent.HeartbeatSeconds) * time.Second,
		ReconnectMaxWait:  time.Duration(cfg.Agent.ReconnectMaxWait) * time.Second,
		OnAssignedID:      r.handleAssignedID,
		OnReconnect:       r.onReconnect,
		OnCommand:         r.onCommand,
		Logger:            logging.NewComponentLogger(cfg.Sink, "Client"),
	})

	if !cfg.Agent.Standalone {
		store, err := configsync.Open(context.Background(), configsync.Config{
			RemoteURL: remoteGitURL(cfg.Agent.ControllerURL),
			LocalDir:  filepath.Join(cfg.Agent.DataDir, cfg.Agent.ConfigRepoDir),
			Signer:    ident.Signer,
			Logger:    logging.NewComponentLogger(cfg.Sink, "ConfigSync"),
		})
		if err != nil {
			if _, notCloned := err.(*configsync.ErrNotYetCloned); !notCloned {
				return nil, fmt.Errorf("runtime: open config sync: %w", err)
			}
			logger.Warn("runtime: config repo not yet clonable, will retry on reconnect: %v", err)
		}
		r.sync = store
	}

	r.localAPI = localapi.New(localapi.Config{
		AgentID:        cfg.Agent.ID,
		Hostname:       hostnameOrDefault(),
		Platform:       platformTag(),
		Version:        "dev",
		PublicKey:      ident.AuthorizedKey,
		SSHPort:        cfg.Agent.Agent.SSHServerPort,
		LogPath:        filepath.Join(cfg.Agent.DataDir, "agent.log"),
		LogSink:        cfg.Sink,
		Journal:        j,
		Workflows:      workflowListerAdapter{table: table},
		AllowedPaths:   effectiveAllowedPaths(cfg.Agent),
		MaxUploadBytes: cfg.Agent.FileBrowser.MaxUploadSize,
		Logger:         logging.NewComponentLogger(cfg.Sink, "LocalAPI"),
	})

	if cfg.Agent.Agent.SSHServerPort != 0 {
		if cfg.HostKey == nil {
			cfg.HostKey = ident.Signer
		}
		surface, err := sshsurface.New(sshsurface.Config{
			ListenAddr:     fmt.Sprintf(":%d", cfg.Agent.Agent.SSHServerPort),
			HostKey:        cfg.HostKey,
			AuthorizedKeys: cfg.Agent.Agent.AuthorizedSSHKeys,
			Logger:         logging.NewComponentLogger(cfg.Sink, "SSHSurface"),
		})
		if err != nil {
			return nil, fmt.Errorf("runtime: build ssh surface: %w", err)
		}
		r.ssh = surface
	}

	return r, nil
}

func effectiveAllowedPaths(cfg config.AgentConfig) []string {
	if len(cfg.FileBrowser.AllowedPaths) > 0 {
		return cfg.FileBrowser.AllowedPaths
	}
	return []string{cfg.DataDir}
}

func hostnameOrDefault() string {
	return hostnameImpl()
}

// LocalAPI returns the mountable local query API.
func (r *Runtime) LocalAPI() *localapi.API { return r.localAPI }

// SSHSurface returns the embedded SSH capability surface, or nil if unused.
func (r *Runtime) SSHSurface() *sshsurface.Surface { return r.ssh }

// Client returns the control-channel client.
func (r *Runtime) Client() *client.Client { return r.client }

// ConfigSync returns the agent's config-repository clone, or nil in
// standalone mode or while the repository has not yet been cloned.
func (r *Runtime) ConfigSync() *configsync.Store { return r.sync }

// Journal returns the workflow execution journal.
func (r *Runtime) Journal() *journal.Journal { return r.journal }

func (r *Runtime) sendAlert(alert protocol.Alert) error {
	if r.client == nil {
		return nil
	}
	return r.client.SendAlert(alert)
}

// handleAssignedID is invoked once, the first time the controller assigns
// this agent an id.
func (r *Runtime) handleAssignedID(agentID string) {
	r.cfg.ID = agentID
	r.cfg.RegistrationDone = true
	r.logger.Info("runtime: assigned agent id %s", agentID)
	if r.onAssignedID != nil {
		r.onAssignedID(agentID)
	}
}

// onReconnect re-syncs configuration after every successful (re)connection,
// per §4.2's "treat every reconnect as a cue to re-sync".
func (r *Runtime) onReconnect(ctx context.Context) error {
	return r.Reload(ctx)
}

// onCommand dispatches a controller-issued command.
func (r *Runtime) onCommand(ctx context.Context, cmd protocol.Command) {
	switch cmd.Command {
	case protocol.CommandGitPull:
		if _, err := r.pull(ctx); err != nil {
			r.logger.Error("runtime: git-pull command failed: %v", err)
		}
	case protocol.CommandReloadConfig:
		if err := r.Reload(ctx); err != nil {
			r.logger.Error("runtime: reload-config command failed: %v", err)
		}
	case protocol.CommandReloadFileWatcher:
		if err := r.reloadWatcher(ctx); err != nil {
			r.logger.Error("runtime: reload-filewatcher command failed: %v", err)
		}
	case protocol.CommandSetLogLevel:
		if r.sink != nil {
			r.sink.SetLevel(logging.ParseLevel(cmd.ArgString("level")))
		}
	case protocol.CommandRemoveWorkflow:
		id := cmd.ArgString("workflowId")
		if err := r.table.LoadDir(r.workflowsDir()); err != nil {
			r.logger.Error("runtime: reload workflow table after remove %s: %v", id, err)
		}
	default:
		r.logger.Warn("runtime: unrecognized command %q", cmd.Command)
	}
}

func (r *Runtime) workflowsDir() string {
	return filepath.Join(r.cfg.DataDir, r.cfg.ConfigRepoDir, "workflows")
}

func (r *Runtime) agentDocPath() string {
	return filepath.Join(r.cfg.DataDir, r.cfg.ConfigRepoDir, "agents", r.cfg.ID+".json")
}

func (r *Runtime) pull(ctx context.Context) (configsync.PullResult, error) {
	if r.sync == nil {
		if r.cfg.Standalone {
			return configsync.PullResult{Outcome: configsync.OutcomeUpToDate}, nil
		}
		store, err := configsync.Open(ctx, configsync.Config{
			RemoteURL: remoteGitURL(r.cfg.ControllerURL),
			LocalDir:  filepath.Join(r.cfg.DataDir, r.cfg.ConfigRepoDir),
			Signer:    r.identity.Signer,
			Logger:    logging.NewComponentLogger(r.sink, "ConfigSync"),
		})
		if err != nil {
			r.logger.Warn("runtime: config repo still not clonable: %v", err)
			return configsync.PullResult{Outcome: configsync.OutcomeUpToDate}, nil
		}
		r.sync = store
	}
	result, err := r.sync.Pull(ctx)
	if err != nil {
		return result, err
	}
	if result.Outcome == configsync.OutcomeDiverged {
		r.logger.Warn("runtime: config diverged, backup %s created", result.BackupRef)
		_ = r.sendAlert(protocol.NewAlert(protocol.AlertWarning,
			"local config diverged from controller; automatic backup created", map[string]string{
				"backupRef": result.BackupRef,
			}))
	}
	return result, nil
}

// Reload performs a full config re-sync: pull, reload the workflow table,
// and restart the file watcher with whatever rules the agent document now
// carries. It never interrupts an in-flight workflow execution.
func (r *Runtime) Reload(ctx context.Context) error {
	if _, err := r.pull(ctx); err != nil {
		return fmt.Errorf("runtime: pull: %w", err)
	}
	if err := r.table.LoadDir(r.workflowsDir()); err != nil {
		return fmt.Errorf("runtime: load workflows: %w", err)
	}
	if err := r.reloadWatcher(ctx); err != nil {
		return fmt.Errorf("runtime: reload watcher: %w", err)
	}
	if err := r.reloadSchedules(ctx); err != nil {
		return fmt.Errorf("runtime: reload schedules: %w", err)
	}
	return nil
}

// reloadWatcher stops the current file-watcher engine, if any, and starts a
// fresh one from the agent document's current rule set — §4.3's "stop the
// watcher and start it with new rules".
func (r *Runtime) reloadWatcher(ctx context.Context) error {
	doc, err := agentdoc.Load(r.agentDocPath())
	if err != nil {
		return err
	}

	eng := watcher.New(watcher.Config{
		ScanRoot:      r.cfg.FileWatcher.ScanDir,
		MaxConcurrent: r.cfg.FileWatcher.MaxConcurrent,
		Workflows:     r.engine,
		Alerts:        alertFunc(r.sendAlert),
		Logger:        logging.NewComponentLogger(r.sink, "Watcher"),
	})
	for i := range doc.FileWatcherRules {
		rule := doc.FileWatcherRules[i]
		if !rule.Enabled {
			continue
		}
		if err := eng.AddRule(&rule); err != nil {
			r.logger.Warn("runtime: rejecting rule %s: %v", rule.ID, err)
		}
	}

	r.mu.Lock()
	old := r.watcherEng
	r.watcherEng = eng
	r.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return eng.Start(ctx)
}

// reloadSchedules rebuilds the trigger scheduler from every enabled,
// schedule-triggered workflow currently in the table. trigger.Scheduler
// rejects Add calls once started, so a reload always builds a fresh one.
func (r *Runtime) reloadSchedules(ctx context.Context) error {
	sched := trigger.New(r.engine, logging.NewComponentLogger(r.sink, "Trigger"))
	for _, summary := range r.table.ListWorkflows() {
		if !summary.Enabled || summary.Trigger != "schedule" {
			continue
		}
		wf, ok := r.table.Workflow(summary.ID)
		if !ok || wf.Trigger.Expr == "" {
			continue
		}
		if err := sched.Add(trigger.Schedule{WorkflowID: wf.ID, Expr: wf.Trigger.Expr}); err != nil {
			r.logger.Warn("runtime: rejecting schedule for workflow %s: %v", wf.ID, err)
		}
	}

	r.mu.Lock()
	old := r.scheduler
	r.scheduler = sched
	r.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	sched.Start(ctx)
	return nil
}

// alertFunc adapts a plain func to watcher.AlertSink.
type alertFunc func(protocol.Alert) error

func (f alertFunc) SendAlert(alert protocol.Alert) error { return f(alert) }
