// Package agentdoc defines the schema of the controller-synced
// agents/<agentId>.json document: the file-watcher rules and workflow
// assignments pushed down to this agent, alongside the subset of runtime
// settings (§6's configuration schema table) the controller distributes
// through Git rather than the agent's own local config.json.
package agentdoc

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lsadehaan/controlcenter/internal/agent/watcher"
	"github.com/lsadehaan/controlcenter/internal/config"
)

// Document is one agent's record inside the config repository's agents/
// directory.
type Document struct {
	Agent       config.AgentSSHSettings    `json:"agent"`
	LogSettings config.LogSettings         `json:"logSettings"`
	FileWatcher config.FileWatcherSettings `json:"fileWatcherSettings"`
	FileBrowser config.FileBrowserSettings `json:"fileBrowserSettings"`

	// FileWatcherRules is the agent's full rule set; a changed set means
	// the watcher engine is stopped and restarted with the new rules.
	FileWatcherRules []watcher.Rule `json:"fileWatcherRules"`
	// Workflows lists the workflow ids assigned to this agent. The actual
	// definitions live under workflows/<id>.json and are loaded by
	// internal/agent/workflow.Table, independent of this list.
	Workflows []string `json:"workflows"`
}

// Load reads and parses the document at path. A missing file returns a
// zero Document, matching the state of a freshly registered agent before
// the controller has ever written one.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, nil
		}
		return Document{}, fmt.Errorf("agentdoc: read %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("agentdoc: parse %s: %w", path, err)
	}
	return doc, nil
}
