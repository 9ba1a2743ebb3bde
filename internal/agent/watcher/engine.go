package watcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lsadehaan/controlcenter/internal/async"
	"github.com/lsadehaan/controlcenter/internal/logging"
	"github.com/lsadehaan/controlcenter/internal/protocol"
)

// WorkflowInvoker runs a named workflow synchronously from a watcher hook.
// Implemented by internal/agent/workflow.Engine; kept as a narrow interface
// here to avoid an import cycle between the two packages.
type WorkflowInvoker interface {
	Invoke(ctx context.Context, workflowName string, initialContext map[string]any) error
}

// AlertSink reports a problem the engine cannot resolve on its own, such as
// a rule exhausting its in-use retries.
type AlertSink interface {
	SendAlert(alert protocol.Alert) error
}

// Config configures an Engine.
type Config struct {
	// ScanRoot is the directory pattern-mode rules enumerate subtrees under.
	ScanRoot string
	// MaxConcurrent bounds total in-flight file processors across all rules.
	// Zero defaults to 3.
	MaxConcurrent int
	Workflows     WorkflowInvoker
	Alerts        AlertSink
	Logger        logging.Logger
}

// Engine watches a set of rules and runs the copy/backup/rename pipeline
// against files that match.
type Engine struct {
	cfg    Config
	logger logging.Logger
	sem    chan struct{}

	mu      sync.Mutex
	rules   map[string]*Rule
	watcher *fsnotify.Watcher
	// watchedDirs maps a watched directory back to the rule IDs interested
	// in it, since several rules may watch the same directory.
	watchedDirs map[string][]string
	// pending debounces a path within a single rule: one timer per
	// (ruleID, path) pair, guarded by mu per the single-lock requirement.
	pending map[string]*time.Timer
	// queues gives each rule its own FIFO so per-rule order is preserved
	// even though MaxConcurrent allows cross-rule parallelism.
	queues map[string]chan func()

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs an Engine. Call AddRule for each active rule, then Start.
func New(cfg Config) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	return &Engine{
		cfg:         cfg,
		logger:      logging.OrNop(cfg.Logger),
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		rules:       make(map[string]*Rule),
		watchedDirs: make(map[string][]string),
		pending:     make(map[string]*time.Timer),
		queues:      make(map[string]chan func()),
		stopCh:      make(chan struct{}),
	}
}

// AddRule compiles and registers a rule. It must be called before Start.
func (e *Engine) AddRule(r *Rule) error {
	if err := r.Compile(); err != nil {
		return err
	}
	e.mu.Lock()
	e.rules[r.ID] = r
	e.mu.Unlock()
	return nil
}

// Start begins watching every enabled rule's directories.
func (e *Engine) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	e.mu.Lock()
	e.watcher = fsWatcher
	e.mu.Unlock()

	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if err := e.watchRule(r); err != nil {
			e.logger.Warn("watcher: rule %s: %v", r.ID, err)
		}
		e.queues[r.ID] = make(chan func(), 256)
		async.Go(e.logger, "watcher.queue."+r.ID, func() { e.drainQueue(ctx, r.ID) })
	}

	async.Go(e.logger, "watcher.loop", func() { e.watchLoop(ctx) })
	if ctx != nil {
		async.Go(e.logger, "watcher.loop.ctx", func() {
			<-ctx.Done()
			e.Stop()
		})
	}
	return nil
}

// Stop terminates the watcher and all pending debounce timers.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.mu.Lock()
		for _, t := range e.pending {
			t.Stop()
		}
		if e.watcher != nil {
			_ = e.watcher.Close()
		}
		e.mu.Unlock()
		for _, q := range e.queues {
			close(q)
		}
	})
}

// watchRule resolves a rule's directories and adds fsnotify watches for
// them. Absolute mode watches Directory directly (recursively if
// Recursive); pattern mode enumerates subtrees of ScanRoot and watches the
// ones whose name matches Directory as a regex.
func (e *Engine) watchRule(r *Rule) error {
	dirs, err := e.resolveDirs(r)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := e.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		e.mu.Lock()
		e.watchedDirs[dir] = append(e.watchedDirs[dir], r.ID)
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) resolveDirs(r *Rule) ([]string, error) {
	if r.Mode == ModeAbsolute {
		if !r.Recursive {
			return []string{r.Directory}, nil
		}
		return subdirs(r.Directory)
	}

	entries, err := os.ReadDir(e.cfg.ScanRoot)
	if err != nil {
		return nil, fmt.Errorf("scan root %s: %w", e.cfg.ScanRoot, err)
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() || !r.compiled.directoryRegex.MatchString(entry.Name()) {
			continue
		}
		full := filepath.Join(e.cfg.ScanRoot, entry.Name())
		if r.Recursive {
			sub, err := subdirs(full)
			if err != nil {
				return nil, err
			}
			dirs = append(dirs, sub...)
		} else {
			dirs = append(dirs, full)
		}
	}
	return dirs, nil
}

func subdirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs, err
}

func (e *Engine) watchLoop(ctx context.Context) {
	for {
		select {
		case <-e.stopCh:
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			e.handleEvent(ctx, event)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("watcher: fsnotify error: %v", err)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	dir := filepath.Dir(event.Name)

	e.mu.Lock()
	ruleIDs := append([]string(nil), e.watchedDirs[dir]...)
	e.mu.Unlock()

	for _, ruleID := range ruleIDs {
		e.mu.Lock()
		r := e.rules[ruleID]
		e.mu.Unlock()
		if r == nil || !e.admitsName(r, event.Name) {
			continue
		}
		e.scheduleDebounced(ctx, r, event.Name)
	}
}

func (e *Engine) admitsName(r *Rule, path string) bool {
	if r.compiled.filenameRegex == nil {
		return true
	}
	return r.compiled.filenameRegex.MatchString(filepath.Base(path))
}

// scheduleDebounced resets the (rule, path) debounce timer. mu guards both
// the read and the write of the pending map so concurrent events for the
// same file never race on the timer.
func (e *Engine) scheduleDebounced(ctx context.Context, r *Rule, path string) {
	key := r.ID + "\x00" + path
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.pending[key]; ok {
		t.Stop()
	}
	e.pending[key] = time.AfterFunc(r.cooldown(), func() {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
		e.enqueue(ctx, r, path)
	})
}

func (e *Engine) enqueue(ctx context.Context, r *Rule, path string) {
	e.mu.Lock()
	q := e.queues[r.ID]
	e.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- func() { e.process(ctx, r, path) }:
	case <-e.stopCh:
	}
}

func (e *Engine) drainQueue(ctx context.Context, ruleID string) {
	e.mu.Lock()
	q := e.queues[ruleID]
	e.mu.Unlock()
	for job := range q {
		select {
		case e.sem <- struct{}{}:
		case <-e.stopCh:
			return
		}
		job()
		<-e.sem
	}
}

// process runs the remaining pipeline stages for one matched path: content
// filter, in-use retry, time window, process-after delay, before-hook,
// operations, after-hook, and inter-file delay.
func (e *Engine) process(ctx context.Context, r *Rule, path string) {
	if _, err := os.Stat(path); err != nil {
		return // file gone before we got to it (e.g. already moved by a prior rule)
	}

	if ok, err := matchesContent(path, r.contentBudget(), r.compiled.contentRegex); err != nil {
		e.logger.Warn("watcher: rule %s: content filter on %s: %v", r.ID, path, err)
		return
	} else if !ok {
		return
	}

	if r.Processing.CheckInUse {
		if err := e.waitUntilFree(path, r.Processing); err != nil {
			e.alert(r, path, fmt.Sprintf("file still in use after %d retries", r.Processing.MaxRetries))
			return
		}
	}

	if !r.Window.Admits(time.Now()) {
		return
	}

	if r.Processing.ProcessAfter > 0 {
		select {
		case <-time.After(r.Processing.ProcessAfter):
		case <-e.stopCh:
			return
		}
	}

	if r.Hooks.Before != "" {
		if err := e.runHook(ctx, r.Hooks.Before, path); err != nil {
			e.runOnError(ctx, r, path, err)
			return
		}
	}

	if err := applyOperations(r.Operations, path); err != nil {
		e.logger.Warn("watcher: rule %s: operations on %s: %v", r.ID, path, err)
		e.runOnError(ctx, r, path, err)
		return
	}

	if r.Hooks.After != "" {
		if err := e.runHook(ctx, r.Hooks.After, path); err != nil {
			e.logger.Warn("watcher: rule %s: after-hook on %s: %v", r.ID, path, err)
		}
	}

	if r.Processing.DelayNextFile > 0 {
		select {
		case <-time.After(r.Processing.DelayNextFile):
		case <-e.stopCh:
		}
	}
}

func (e *Engine) waitUntilFree(path string, p Processing) error {
	retries := p.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := p.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := testExclusiveOpen(path); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-time.After(delay):
		case <-e.stopCh:
			return lastErr
		}
	}
	return lastErr
}

func (e *Engine) runOnError(ctx context.Context, r *Rule, path string, cause error) {
	if r.Hooks.OnError == "" {
		return
	}
	if err := e.runHook(ctx, r.Hooks.OnError, path); err != nil {
		e.logger.Warn("watcher: rule %s: on-error hook for %s failed: %v (original: %v)", r.ID, path, err, cause)
	}
}

// runHook dispatches a hook either to the workflow engine ("WF:<name>") or
// to a shell command, with the matched file path passed both as an
// environment variable and as the command's sole argument.
func (e *Engine) runHook(ctx context.Context, hook, path string) error {
	if name, ok := workflowName(hook); ok {
		if e.cfg.Workflows == nil {
			return fmt.Errorf("watcher: hook %q references a workflow but no workflow engine is configured", hook)
		}
		return e.cfg.Workflows.Invoke(ctx, name, map[string]any{
			"trigger":   "filewatcher",
			"file":      path,
			"fileName":  filepath.Base(path),
			"directory": filepath.Dir(path),
			"event":     "matched",
			"timestamp": time.Now().UTC(),
		})
	}

	cmd := exec.CommandContext(ctx, hook, path)
	cmd.Env = append(os.Environ(), "WATCHED_FILE="+path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hook %q: %w: %s", hook, err, out)
	}
	return nil
}

func workflowName(hook string) (string, bool) {
	const prefix = "WF:"
	if len(hook) > len(prefix) && hook[:len(prefix)] == prefix {
		return hook[len(prefix):], true
	}
	return "", false
}

func (e *Engine) alert(r *Rule, path, message string) {
	e.logger.Warn("watcher: rule %s: %s (%s)", r.ID, message, path)
	if e.cfg.Alerts == nil {
		return
	}
	if err := e.cfg.Alerts.SendAlert(protocol.NewAlert(protocol.AlertWarning, message, map[string]string{
		"rule": r.ID,
		"path": path,
	})); err != nil {
		e.logger.Warn("watcher: failed to send alert: %v", err)
	}
}
