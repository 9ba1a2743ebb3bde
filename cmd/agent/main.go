// Command agent runs one fleet agent: identity bootstrap, the control
// channel to the controller, config sync, the file watcher and workflow
// engine, the local query API, and (optionally) the embedded SSH surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lsadehaan/controlcenter/internal/agent/runtime"
	"github.com/lsadehaan/controlcenter/internal/async"
	"github.com/lsadehaan/controlcenter/internal/bootstrap"
	"github.com/lsadehaan/controlcenter/internal/config"
	"github.com/lsadehaan/controlcenter/internal/logging"
)

var green = color.New(color.FgGreen).SprintFunc()
var cyan = color.New(color.FgCyan).SprintFunc()
var bold = color.New(color.Bold).SprintFunc()

// flags are shared by the daemon command and every configsync subcommand:
// each needs the same resolved AgentConfig before doing anything else.
type flags struct {
	configPath    string
	controllerURL string
	token         string
	logLevel      string
	standalone    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("agent:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "agent",
		Short: "Run a fleet agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(f)
		},
	}

	bindFlags(root, f)
	root.AddCommand(
		newPushConfigCommand(f),
		newCheckChangesCommand(f),
		newListBackupsCommand(f),
		newRecoverBackupCommand(f),
		newMergeConfigCommand(f),
	)
	return root
}

func bindFlags(cmd *cobra.Command, f *flags) {
	cmd.PersistentFlags().StringVar(&f.configPath, "config", "config.json", "path to the agent's local configuration file")
	cmd.PersistentFlags().StringVar(&f.controllerURL, "controller-url", "", "override the controller's control-channel URL")
	cmd.PersistentFlags().StringVar(&f.token, "token", "", "single-use registration token (first run only)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().BoolVar(&f.standalone, "standalone", false, "disable Git sync and heartbeat; triggers and executor still run")
}

func (f *flags) load() (config.AgentConfig, error) {
	cfg, _, err := config.LoadAgentConfig(config.AgentLoadOptions{
		ConfigPath: f.configPath,
		Overrides: func(c *config.AgentConfig, meta *config.Metadata) {
			if f.controllerURL != "" {
				c.ControllerURL = f.controllerURL
			}
			if f.logLevel != "" {
				c.LogSettings.Level = f.logLevel
			}
			if f.standalone {
				c.Standalone = true
			}
		},
	})
	return cfg, err
}

func runDaemon(f *flags) error {
	cfg, err := f.load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sink := logging.NewSink(logging.ParseLevel(cfg.LogSettings.Level), logging.RotationConfig{
		Path:       filepath.Join(cfg.DataDir, "agent.log"),
		MaxSizeMB:  cfg.LogSettings.MaxSizeMB,
		MaxAgeDays: cfg.LogSettings.MaxAgeDays,
		MaxBackups: cfg.LogSettings.MaxBackups,
		Compress:   cfg.LogSettings.Compress,
	}, "agent")
	logger := logging.NewComponentLogger(sink, "Main")

	fmt.Printf("%s agent starting (standalone=%v)\n", bold(green("*")), cfg.Standalone)

	rt, err := runtime.New(runtime.Config{
		Agent:  cfg,
		Logger: logger,
		Sink:   sink,
		Token:  f.token,
		OnAssignedID: func(agentID string) {
			cfg.ID = agentID
			cfg.RegistrationDone = true
			if err := config.SaveAgentConfig(f.configPath, cfg); err != nil {
				logger.Error("persist assigned agent id: %v", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	if !cfg.Standalone {
		async.Go(logger, "client.run", func() {
			if err := rt.Client().Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("control channel stopped: %v", err)
			}
		})
	}

	if surface := rt.SSHSurface(); surface != nil {
		async.Go(logger, "sshsurface.listen", func() {
			if err := surface.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
				logger.Error("ssh surface stopped: %v", err)
			}
		})
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.LocalAPIPort),
		Handler: rt.LocalAPI().Router(),
	}

	fmt.Printf("%s local query API on %s\n", bold(green("*")), cyan(server.Addr))

	if err := bootstrap.ServeUntilCancel(ctx, server, logger, shutdownGrace); err != nil {
		return fmt.Errorf("local api: %w", err)
	}
	logger.Info("agent stopped")
	return nil
}

const shutdownGrace = 10 * time.Second

// openConfigSync builds just enough of the runtime to reach the config
// repository clone, for the one-shot configsync subcommands below. It does
// not start the control channel, watcher, or any other background
// component.
func openConfigSync(f *flags) (*runtime.Runtime, config.AgentConfig, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, cfg, fmt.Errorf("load config: %w", err)
	}
	if cfg.Standalone {
		return nil, cfg, fmt.Errorf("agent: config sync is disabled in standalone mode")
	}
	logger := logging.NewComponentLogger(logging.NewSink(logging.ParseLevel(cfg.LogSettings.Level), logging.RotationConfig{}, "agent"), "CLI")
	rt, err := runtime.New(runtime.Config{Agent: cfg, Logger: logger, Token: f.token})
	if err != nil {
		return nil, cfg, fmt.Errorf("build runtime: %w", err)
	}
	if rt.ConfigSync() == nil {
		return nil, cfg, fmt.Errorf("agent: config repository not yet clonable")
	}
	return rt, cfg, nil
}

func newPushConfigCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "push-config",
		Short: "Commit and push local config-repository changes to the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openConfigSync(f)
			if err != nil {
				return err
			}
			return rt.ConfigSync().Push(context.Background(), "agent: push-config")
		},
	}
}

func newCheckChangesCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-changes",
		Short: "Pull from the controller and report the outcome without reloading",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openConfigSync(f)
			if err != nil {
				return err
			}
			result, err := rt.ConfigSync().Pull(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("%s (remote %s)\n", result.Outcome, result.RemoteHash)
			if result.BackupRef != "" {
				fmt.Printf("backup created: %s\n", result.BackupRef)
			}
			return nil
		},
	}
}

func newListBackupsCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-backups",
		Short: "List backup branches created by divergent pulls",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openConfigSync(f)
			if err != nil {
				return err
			}
			backups, err := rt.ConfigSync().Backups()
			if err != nil {
				return err
			}
			for _, b := range backups {
				fmt.Println(b)
			}
			return nil
		},
	}
}

func newRecoverBackupCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover-backup [name|latest]",
		Short: "Restore the working tree to a backup branch without pushing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openConfigSync(f)
			if err != nil {
				return err
			}
			restored, err := rt.ConfigSync().RecoverBackup(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("restored %s\n", restored)
			return nil
		},
	}
}

func newMergeConfigCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "merge-config",
		Short: "Commit pending local config-repository edits without pushing",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openConfigSync(f)
			if err != nil {
				return err
			}
			return rt.ConfigSync().Commit("agent: merge-config")
		},
	}
}
