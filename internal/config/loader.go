package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/lsadehaan/controlcenter/internal/filestore"
)

// agentKeys lists the dotted viper keys whose value source recordSources
// classifies for the agent config.
var agentKeys = []string{
	"id", "controllerUrl", "registrationDone", "standalone", "dataDir",
	"configRepoDir", "localApiPort", "heartbeatSeconds", "reconnectMaxWaitSeconds",
	"agent.sshServerPort", "agent.authorizedSshKeys",
	"logSettings.level", "logSettings.maxSizeMB", "logSettings.maxAgeDays",
	"logSettings.maxBackups", "logSettings.compress",
	"fileWatcherSettings.scanDir", "fileWatcherSettings.scanSubDir", "fileWatcherSettings.maxConcurrent",
	"fileBrowserSettings.enabled", "fileBrowserSettings.allowedPaths",
	"fileBrowserSettings.maxUploadSize", "fileBrowserSettings.maxListItems",
}

var controllerKeys = []string{
	"listenAddr", "gitListenAddr", "gitRepoDir", "gitRepoName", "tokenStoreFile", "registryFile",
	"alertsDir", "hostKeyDir",
	"heartbeatTimeoutSeconds",
	"logSettings.level", "logSettings.maxSizeMB", "logSettings.maxAgeDays",
	"logSettings.maxBackups", "logSettings.compress",
}

func newLayeredViper(envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func applyDefaults(v *viper.Viper, defaults map[string]any) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

func readFileIfPresent(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// recordSources walks keys and classifies each as file/env/default based on
// what the underlying viper instance actually resolved it from. Overrides
// applied programmatically afterward must call Metadata.set themselves.
func recordSources(v *viper.Viper, envPrefix string, keys []string, meta *Metadata) {
	for _, key := range keys {
		envVar := envPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		if _, ok := os.LookupEnv(envVar); ok {
			meta.set(key, SourceEnv)
			continue
		}
		if v.InConfig(strings.ToLower(key)) || v.InConfig(key) {
			meta.set(key, SourceFile)
			continue
		}
		meta.set(key, SourceDefault)
	}
}

// AgentLoadOptions customizes LoadAgentConfig.
type AgentLoadOptions struct {
	ConfigPath string
	Overrides  func(*AgentConfig, *Metadata)
}

// LoadAgentConfig resolves the agent's local config.json through the
// standard layering: defaults < file < environment (AGENT_* prefix) <
// explicit overrides supplied by the CLI flag-binding layer in cmd/agent.
func LoadAgentConfig(opts AgentLoadOptions) (AgentConfig, Metadata, error) {
	def := DefaultAgentConfig()
	v := newLayeredViper("AGENT")
	applyDefaults(v, map[string]any{
		"dataDir":                            def.DataDir,
		"configRepoDir":                      def.ConfigRepoDir,
		"localApiPort":                       def.LocalAPIPort,
		"heartbeatSeconds":                   def.HeartbeatSeconds,
		"reconnectMaxWaitSeconds":            def.ReconnectMaxWait,
		"logSettings.level":                  def.LogSettings.Level,
		"logSettings.maxSizeMB":              def.LogSettings.MaxSizeMB,
		"logSettings.maxAgeDays":             def.LogSettings.MaxAgeDays,
		"logSettings.maxBackups":             def.LogSettings.MaxBackups,
		"logSettings.compress":               def.LogSettings.Compress,
		"fileWatcherSettings.maxConcurrent":  def.FileWatcher.MaxConcurrent,
		"fileBrowserSettings.enabled":        def.FileBrowser.Enabled,
		"fileBrowserSettings.maxUploadSize":  def.FileBrowser.MaxUploadSize,
		"fileBrowserSettings.maxListItems":   def.FileBrowser.MaxListItems,
	})

	if err := readFileIfPresent(v, opts.ConfigPath); err != nil {
		return AgentConfig{}, Metadata{}, err
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AgentConfig{}, Metadata{}, fmt.Errorf("config: unmarshal agent config: %w", err)
	}

	meta := newMetadata()
	recordSources(v, "AGENT", agentKeys, &meta)

	if opts.Overrides != nil {
		opts.Overrides(&cfg, &meta)
	}

	if cfg.FileWatcher.MaxConcurrent <= 0 {
		cfg.FileWatcher.MaxConcurrent = def.FileWatcher.MaxConcurrent
	}
	return cfg, meta, nil
}

// ControllerLoadOptions customizes LoadControllerConfig.
type ControllerLoadOptions struct {
	ConfigPath string
	Overrides  func(*ControllerConfig, *Metadata)
}

// LoadControllerConfig resolves the controller's own settings through the
// same layering, using a CONTROLLER_* environment prefix.
func LoadControllerConfig(opts ControllerLoadOptions) (ControllerConfig, Metadata, error) {
	def := DefaultControllerConfig()
	v := newLayeredViper("CONTROLLER")
	applyDefaults(v, map[string]any{
		"listenAddr":              def.ListenAddr,
		"gitListenAddr":           def.GitListenAddr,
		"gitRepoDir":              def.GitRepoDir,
		"gitRepoName":             def.GitRepoName,
		"tokenStoreFile":          def.TokenStoreFile,
		"registryFile":            def.RegistryFile,
		"alertsDir":               def.AlertsDir,
		"hostKeyDir":              def.HostKeyDir,
		"heartbeatTimeoutSeconds": def.HeartbeatSec,
		"logSettings.level":       def.LogSettings.Level,
		"logSettings.maxSizeMB":   def.LogSettings.MaxSizeMB,
		"logSettings.maxAgeDays":  def.LogSettings.MaxAgeDays,
		"logSettings.maxBackups":  def.LogSettings.MaxBackups,
		"logSettings.compress":    def.LogSettings.Compress,
	})

	if err := readFileIfPresent(v, opts.ConfigPath); err != nil {
		return ControllerConfig{}, Metadata{}, err
	}

	var cfg ControllerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ControllerConfig{}, Metadata{}, fmt.Errorf("config: unmarshal controller config: %w", err)
	}

	meta := newMetadata()
	recordSources(v, "CONTROLLER", controllerKeys, &meta)

	if opts.Overrides != nil {
		opts.Overrides(&cfg, &meta)
	}
	return cfg, meta, nil
}

// SaveAgentConfig persists cfg to path via the atomic write-rename helper,
// so a crash mid-write never corrupts the agent's local identity/settings
// file.
func SaveAgentConfig(path string, cfg AgentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal agent config: %w", err)
	}
	if err := filestore.AtomicWrite(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write agent config: %w", err)
	}
	return nil
}
