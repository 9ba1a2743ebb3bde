// Command controller runs the fleet controller: the control-channel hub,
// the Git config-repository server, the agent registry and alert store, and
// the operator-facing HTTP API (including the pull-through proxy to agent
// local APIs).
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/lsadehaan/controlcenter/internal/agent/identity"
	"github.com/lsadehaan/controlcenter/internal/async"
	"github.com/lsadehaan/controlcenter/internal/bootstrap"
	"github.com/lsadehaan/controlcenter/internal/config"
	"github.com/lsadehaan/controlcenter/internal/controller/alerts"
	"github.com/lsadehaan/controlcenter/internal/controller/configstore"
	"github.com/lsadehaan/controlcenter/internal/controller/gitserver"
	"github.com/lsadehaan/controlcenter/internal/controller/hub"
	"github.com/lsadehaan/controlcenter/internal/controller/httpapi"
	"github.com/lsadehaan/controlcenter/internal/controller/proxy"
	"github.com/lsadehaan/controlcenter/internal/controller/registry"
	"github.com/lsadehaan/controlcenter/internal/logging"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("controller:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the fleet controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, listenAddr, logLevel)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "controller-config.json", "path to the controller's own settings file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override the operator HTTP API listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	return cmd
}

func run(configPath, listenAddrFlag, logLevelFlag string) error {
	cfg, _, err := config.LoadControllerConfig(config.ControllerLoadOptions{
		ConfigPath: configPath,
		Overrides: func(c *config.ControllerConfig, meta *config.Metadata) {
			if listenAddrFlag != "" {
				c.ListenAddr = listenAddrFlag
			}
			if logLevelFlag != "" {
				c.LogSettings.Level = logLevelFlag
			}
		},
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sink := logging.NewSink(logging.ParseLevel(cfg.LogSettings.Level), logging.RotationConfig{
		Path:       filepath.Join(filepath.Dir(cfg.RegistryFile), "controller.log"),
		MaxSizeMB:  cfg.LogSettings.MaxSizeMB,
		MaxAgeDays: cfg.LogSettings.MaxAgeDays,
		MaxBackups: cfg.LogSettings.MaxBackups,
		Compress:   cfg.LogSettings.Compress,
	}, "controller")
	logger := logging.NewComponentLogger(sink, "Main")

	fmt.Printf("%s fleet controller starting on %s\n", bold(green("*")), cyan(cfg.ListenAddr))

	reg := registry.New(cfg.RegistryFile)
	tokens := registry.NewTokenStore(cfg.TokenStoreFile)
	alertStore := alerts.New(cfg.AlertsDir)

	hostIdentity, err := identity.LoadOrCreate(cfg.HostKeyDir)
	if err != nil {
		return fmt.Errorf("load host key: %w", err)
	}

	store, err := configstore.Open(cfg.GitRepoDir)
	if err != nil {
		return fmt.Errorf("open config repository: %w", err)
	}

	git := gitserver.New(gitserver.Config{
		ListenAddr: cfg.GitListenAddr,
		RepoName:   cfg.GitRepoName,
		RepoDir:    store.Dir(),
		HostKey:    hostIdentity.Signer,
		Logger:     logging.NewComponentLogger(sink, "GitServer"),
	}, reg)

	h := hub.New(reg, tokens, hub.Config{
		HeartbeatInterval: time.Duration(cfg.HeartbeatSec) * time.Second,
		AlertSink:         alertStore,
		Logger:            logging.NewComponentLogger(sink, "Hub"),
	})

	agentProxy := proxy.New(reg, proxy.Config{
		Logger: logging.NewComponentLogger(sink, "Proxy"),
	})

	api := httpapi.New(httpapi.Config{
		Registry: reg,
		Tokens:   tokens,
		Hub:      h,
		Alerts:   alertStore,
		Proxy:    agentProxy.Handler(),
		Logger:   logging.NewComponentLogger(sink, "HTTPAPI"),
	})

	router := mux.NewRouter()
	router.HandleFunc("/ws", h.ServeWS)
	router.PathPrefix("/").Handler(api.Router())

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	async.Go(logger, "hub.run", func() { h.Run(ctx) })
	async.Go(logger, "gitserver.listen", func() {
		if err := git.ListenAndServe(ctx); err != nil {
			logger.Error("git server stopped: %v", err)
		}
	})

	if err := bootstrap.ServeUntilCancel(ctx, server, logger, shutdownGrace); err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	h.Stop()
	logger.Info("controller stopped")
	return nil
}

const shutdownGrace = 10 * time.Second
