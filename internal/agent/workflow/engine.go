package workflow

import (
	"context"
	"fmt"

	"github.com/lsadehaan/controlcenter/internal/agent/workflow/journal"
	"github.com/lsadehaan/controlcenter/internal/logging"
)

// WorkflowLookup resolves a workflow definition by id, as synced
// from the controller's config repository.
type WorkflowLookup interface {
	Workflow(id string) (*Workflow, bool)
}

// Engine runs workflows against a step registry, journaling progress as it
// goes. It implements internal/agent/watcher.WorkflowInvoker and
// internal/agent/trigger's invocation contract.
type Engine struct {
	workflows WorkflowLookup
	registry  *Registry
	journal   *journal.Journal
	logger    logging.Logger
}

// New constructs an Engine.
func New(workflows WorkflowLookup, registry *Registry, j *journal.Journal, logger logging.Logger) *Engine {
	return &Engine{
		workflows: workflows,
		registry:  registry,
		journal:   j,
		logger:    logging.OrNop(logger),
	}
}

// Invoke runs the named workflow to completion, seeding its context with
// initialContext. It satisfies the watcher/trigger invocation contract
// (lookup by id; the call is synchronous and returns when the run ends —
// errors are reported via the return value and the journal, not a side
// channel).
func (e *Engine) Invoke(ctx context.Context, workflowID string, initialContext map[string]any) error {
	wf, ok := e.workflows.Workflow(workflowID)
	if !ok {
		return fmt.Errorf("workflow: unknown workflow %q", workflowID)
	}
	return e.Run(ctx, wf, initialContext)
}

// Run executes wf starting from initialContext, following SPEC_FULL.md
// §4.5's algorithm: resolve start steps, BFS the graph guarding against
// re-visiting a step, substitute templates immediately before each step
// invocation, and journal after every mutation.
func (e *Engine) Run(ctx context.Context, wf *Workflow, initialContext map[string]any) error {
	triggerName, _ := initialContext["trigger"].(string)

	execCtx := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		execCtx[k] = v
	}

	rec, err := e.journal.Begin(wf.ID, triggerName, execCtx)
	if err != nil {
		return fmt.Errorf("workflow: begin journal: %w", err)
	}

	visited := make(map[string]bool)
	queue := wf.entrySteps(nil)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		step, ok := wf.stepByID(id)
		if !ok {
			e.logger.Warn("workflow: %s: step %q referenced but not defined", wf.ID, id)
			continue
		}

		config, _ := substitute(step.Config, execCtx).(map[string]any)
		outputs, stepErr := e.registry.Resolve(step.Type)(ctx, execCtx, config)
		for k, v := range outputs {
			execCtx[k] = v
		}
		rec.Context = execCtx

		if stepErr != nil {
			if len(step.OnError) > 0 {
				if err := e.journal.Flush(rec); err != nil {
					e.logger.Warn("workflow: %s: flush after step %s error: %v", wf.ID, step.ID, err)
				}
				queue = append(queue, step.OnError...)
				continue
			}
			rec.Status = journal.StatusFailed
			rec.Error = stepErr.Error()
			if err := e.journal.Flush(rec); err != nil {
				e.logger.Warn("workflow: %s: flush on failure: %v", wf.ID, err)
			}
			return fmt.Errorf("workflow: %s: step %s: %w", wf.ID, step.ID, stepErr)
		}

		rec.CompletedSteps = append(rec.CompletedSteps, step.ID)
		if err := e.journal.Flush(rec); err != nil {
			e.logger.Warn("workflow: %s: flush after step %s: %v", wf.ID, step.ID, err)
		}
		queue = append(queue, step.Next...)
	}

	rec.Status = journal.StatusCompleted
	if err := e.journal.Flush(rec); err != nil {
		e.logger.Warn("workflow: %s: flush on completion: %v", wf.ID, err)
	}
	return nil
}
