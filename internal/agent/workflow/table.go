package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lsadehaan/controlcenter/internal/logging"
)

// Table is the agent's in-memory index of currently-loaded workflows,
// rebuilt wholesale on every config reload (§4.3's "if workflows changed,
// re-index the workflow table and cancel nothing in flight"). It implements
// WorkflowLookup; internal/agent/runtime adapts its ListWorkflows to
// localapi.WorkflowLister.
type Table struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	logger    logging.Logger
}

// NewTable returns an empty Table.
func NewTable(logger logging.Logger) *Table {
	return &Table{workflows: map[string]*Workflow{}, logger: logging.OrNop(logger)}
}

// Workflow implements WorkflowLookup.
func (t *Table) Workflow(id string) (*Workflow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	wf, ok := t.workflows[id]
	return wf, ok
}

// WorkflowSummary mirrors the fields of localapi.WorkflowSummary without
// importing that package; internal/agent/runtime converts between the two.
type WorkflowSummary struct {
	ID      string
	Name    string
	Enabled bool
	Trigger string
	Steps   []string
}

// ListWorkflows summarizes every loaded workflow.
func (t *Table) ListWorkflows() []WorkflowSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]WorkflowSummary, 0, len(t.workflows))
	for _, wf := range t.workflows {
		steps := make([]string, 0, len(wf.Steps))
		for _, s := range wf.Steps {
			steps = append(steps, s.ID)
		}
		out = append(out, WorkflowSummary{
			ID:      wf.ID,
			Name:    wf.Name,
			Enabled: wf.Enabled,
			Trigger: wf.Trigger.Type,
			Steps:   steps,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir replaces the table's contents with every *.json workflow document
// found directly under dir. A workflow that fails to parse, has a duplicate
// id, or contains a step cycle is rejected with a named reason and logged;
// every other workflow still loads, per spec's "workflow/rule is rejected
// at load ... other workflows/rules remain active".
func (t *Table) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			t.mu.Lock()
			t.workflows = map[string]*Workflow{}
			t.mu.Unlock()
			return nil
		}
		return fmt.Errorf("workflow: read dir %s: %w", dir, err)
	}

	loaded := make(map[string]*Workflow, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		wf, err := loadOne(path)
		if err != nil {
			t.logger.Warn("workflow: rejecting %s: %v", path, err)
			continue
		}
		if _, dup := loaded[wf.ID]; dup {
			t.logger.Warn("workflow: rejecting %s: duplicate id %q", path, wf.ID)
			continue
		}
		if cyc := findCycle(wf); cyc != "" {
			t.logger.Warn("workflow: rejecting %s: cyclic workflow at step %q", path, cyc)
			continue
		}
		loaded[wf.ID] = wf
	}

	t.mu.Lock()
	t.workflows = loaded
	t.mu.Unlock()
	return nil
}

func loadOne(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if wf.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("no steps defined")
	}
	return &wf, nil
}

// findCycle runs a DFS over Next edges from every step, returning the id of
// a step found mid-recursion-stack a second time, or "" if the graph is
// acyclic. OnError edges are excluded: they model exceptional recovery
// paths, not normal successors, and a recovery edge back toward an
// in-progress branch is not a loop in the sense the load-time check guards
// against.
func findCycle(wf *Workflow) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int, len(wf.Steps))

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case gray:
			return id
		case black:
			return ""
		}
		state[id] = gray
		step, ok := wf.stepByID(id)
		if ok {
			for _, next := range step.Next {
				if cyc := visit(next); cyc != "" {
					return cyc
				}
			}
		}
		state[id] = black
		return ""
	}

	for _, step := range wf.Steps {
		if cyc := visit(step.ID); cyc != "" {
			return cyc
		}
	}
	return ""
}
