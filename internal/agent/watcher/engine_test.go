package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lsadehaan/controlcenter/internal/protocol"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeInvoker) Invoke(_ context.Context, name string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return nil
}

func (f *fakeInvoker) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAlertSink struct {
	mu     sync.Mutex
	alerts []protocol.Alert
}

func (f *fakeAlertSink) SendAlert(a protocol.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeAlertSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %v", timeout)
}

func TestEngine_CopyToRunsAfterDebounce(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	r := &Rule{
		ID:         "copy-rule",
		Enabled:    true,
		Mode:       ModeAbsolute,
		Directory:  src,
		Operations: Operations{CopyTo: dest},
		Processing: Processing{CooldownWindow: 20 * time.Millisecond},
	}

	e := New(Config{})
	if err := e.AddRule(r); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	srcFile := filepath.Join(src, "order.csv")
	if err := os.WriteFile(srcFile, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(dest, "order.csv"))
		return err == nil
	})
}

func TestEngine_BeforeHookInvokesWorkflow(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	invoker := &fakeInvoker{}

	r := &Rule{
		ID:         "hook-rule",
		Enabled:    true,
		Mode:       ModeAbsolute,
		Directory:  src,
		Operations: Operations{CopyTo: dest},
		Hooks:      Hooks{Before: "WF:notify-intake"},
		Processing: Processing{CooldownWindow: 20 * time.Millisecond},
	}

	e := New(Config{Workflows: invoker})
	if err := e.AddRule(r); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := os.WriteFile(filepath.Join(src, "in.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, c := range invoker.called() {
			if c == "notify-intake" {
				return true
			}
		}
		return false
	})
}

func TestEngine_FilenameRegexFiltersNonMatches(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	r := &Rule{
		ID:            "filtered-rule",
		Enabled:       true,
		Mode:          ModeAbsolute,
		Directory:     src,
		FilenameRegex: `\.csv$`,
		Operations:    Operations{CopyTo: dest},
		Processing:    Processing{CooldownWindow: 20 * time.Millisecond},
	}

	e := New(Config{})
	if err := e.AddRule(r); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := os.WriteFile(filepath.Join(src, "ignored.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if _, err := os.Stat(filepath.Join(dest, "ignored.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected non-matching file to be left alone, stat err = %v", err)
	}
}

func TestTimeWindow_BlocksProcessingOutsideWindow(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	// A window that excludes "now" regardless of when the test runs: one
	// minute wide, starting exactly 12 hours from now.
	future := time.Now().Add(12 * time.Hour)
	r := &Rule{
		ID:         "windowed-rule",
		Enabled:    true,
		Mode:       ModeAbsolute,
		Directory:  src,
		Operations: Operations{CopyTo: dest},
		Window:     TimeWindow{StartHour: future.Hour(), StartMinute: future.Minute(), EndHour: future.Hour(), EndMinute: future.Minute()},
		Processing: Processing{CooldownWindow: 20 * time.Millisecond},
	}

	e := New(Config{})
	if err := e.AddRule(r); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := os.WriteFile(filepath.Join(src, "order.csv"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if _, err := os.Stat(filepath.Join(dest, "order.csv")); !os.IsNotExist(err) {
		t.Fatalf("expected window to block processing, stat err = %v", err)
	}
}
