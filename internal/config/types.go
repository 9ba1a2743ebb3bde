// Package config defines the layered configuration schemas for the
// controller and agent processes and the loader that resolves them from
// defaults, a JSON/YAML file, the environment and explicit overrides.
package config

import "time"

// ValueSource describes where a configuration value ultimately came from,
// so operators and tests can tell a default apart from an explicit choice.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Metadata records, per top-level field name, which layer last set it.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

func newMetadata() Metadata {
	return Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
}

// Sources returns a copy of the provenance map.
func (m Metadata) Sources() map[string]ValueSource {
	out := make(map[string]ValueSource, len(m.sources))
	for k, v := range m.sources {
		out[k] = v
	}
	return out
}

// Source returns the origin recorded for field, or SourceDefault if none was
// recorded.
func (m Metadata) Source(field string) ValueSource {
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

func (m *Metadata) set(field string, source ValueSource) {
	if m.sources == nil {
		m.sources = map[string]ValueSource{}
	}
	m.sources[field] = source
}

// LoadedAt returns when this configuration snapshot was constructed.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

// LogSettings governs the shared logging.Sink every component logs through.
type LogSettings struct {
	Level      string `json:"level" yaml:"level"`
	MaxSizeMB  int    `json:"maxSizeMB" yaml:"maxSizeMB"`
	MaxAgeDays int    `json:"maxAgeDays" yaml:"maxAgeDays"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// FileWatcherSettings governs the pattern-mode watcher roots and the
// cross-rule concurrency cap.
type FileWatcherSettings struct {
	ScanDir       string `json:"scanDir" yaml:"scanDir"`
	ScanSubDir    bool   `json:"scanSubDir" yaml:"scanSubDir"`
	MaxConcurrent int    `json:"maxConcurrent" yaml:"maxConcurrent"`
}

// FileBrowserSettings governs the agent's local API file-browsing surface.
type FileBrowserSettings struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	AllowedPaths  []string `json:"allowedPaths" yaml:"allowedPaths"`
	MaxUploadSize int64    `json:"maxUploadSize" yaml:"maxUploadSize"`
	MaxListItems  int      `json:"maxListItems" yaml:"maxListItems"`
}

// AgentSSHSettings wires the embedded SSH/SFTP capability surface.
type AgentSSHSettings struct {
	SSHServerPort     int      `json:"sshServerPort" yaml:"sshServerPort"`
	AuthorizedSSHKeys []string `json:"authorizedSshKeys" yaml:"authorizedSshKeys"`
}

// AgentConfig is the agent's local-only settings document
// (config.json — never written back to Git).
type AgentConfig struct {
	ID               string              `json:"id" yaml:"id"`
	ControllerURL    string              `json:"controllerUrl" yaml:"controllerUrl"`
	RegistrationDone bool                `json:"registrationDone" yaml:"registrationDone"`
	Standalone       bool                `json:"standalone" yaml:"standalone"`
	DataDir          string              `json:"dataDir" yaml:"dataDir"`
	ConfigRepoDir    string              `json:"configRepoDir" yaml:"configRepoDir"`
	LocalAPIPort     int                 `json:"localApiPort" yaml:"localApiPort"`
	HeartbeatSeconds int                 `json:"heartbeatSeconds" yaml:"heartbeatSeconds"`
	ReconnectMaxWait int                 `json:"reconnectMaxWaitSeconds" yaml:"reconnectMaxWaitSeconds"`
	Agent            AgentSSHSettings    `json:"agent" yaml:"agent"`
	LogSettings      LogSettings         `json:"logSettings" yaml:"logSettings"`
	FileWatcher      FileWatcherSettings `json:"fileWatcherSettings" yaml:"fileWatcherSettings"`
	FileBrowser      FileBrowserSettings `json:"fileBrowserSettings" yaml:"fileBrowserSettings"`
}

// ControllerConfig is the controller process's own settings (entirely
// separate from the agent/workflow documents it stores in Git).
type ControllerConfig struct {
	ListenAddr     string      `json:"listenAddr" yaml:"listenAddr"`
	GitListenAddr  string      `json:"gitListenAddr" yaml:"gitListenAddr"`
	GitRepoDir     string      `json:"gitRepoDir" yaml:"gitRepoDir"`
	GitRepoName    string      `json:"gitRepoName" yaml:"gitRepoName"`
	TokenStoreFile string      `json:"tokenStoreFile" yaml:"tokenStoreFile"`
	RegistryFile   string      `json:"registryFile" yaml:"registryFile"`
	AlertsDir      string      `json:"alertsDir" yaml:"alertsDir"`
	HostKeyDir     string      `json:"hostKeyDir" yaml:"hostKeyDir"`
	HeartbeatSec   int         `json:"heartbeatTimeoutSeconds" yaml:"heartbeatTimeoutSeconds"`
	LogSettings    LogSettings `json:"logSettings" yaml:"logSettings"`
}

// DefaultAgentConfig returns the baseline agent configuration before any
// file, environment or override layer is applied.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		DataDir:          ".",
		ConfigRepoDir:    "config-repo",
		LocalAPIPort:     8088,
		HeartbeatSeconds: 30,
		ReconnectMaxWait: 60,
		LogSettings: LogSettings{
			Level:      "info",
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			MaxBackups: 5,
			Compress:   true,
		},
		FileWatcher: FileWatcherSettings{
			MaxConcurrent: 3,
		},
		FileBrowser: FileBrowserSettings{
			Enabled:       false,
			MaxUploadSize: 50 << 20,
			MaxListItems:  1000,
		},
	}
}

// DefaultControllerConfig returns the baseline controller configuration.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		ListenAddr:     ":9443",
		GitListenAddr:  ":2222",
		GitRepoDir:     "controller-repo",
		GitRepoName:    "fleet-config",
		TokenStoreFile: "tokens.json",
		RegistryFile:   "registry.json",
		AlertsDir:      "alerts",
		HostKeyDir:     "controller-id",
		HeartbeatSec:   30,
		LogSettings: LogSettings{
			Level:      "info",
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			MaxBackups: 5,
			Compress:   true,
		},
	}
}
