// Package bootstrap provides the phased-startup scaffolding shared by
// cmd/controller and cmd/agent: named initialization stages that either
// abort the process or degrade gracefully, plus the signal-driven shutdown
// sequencing both processes use around their long-running components.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lsadehaan/controlcenter/internal/logging"
)

// Stage is a single named unit of startup work. Required stages abort the
// process on failure; optional stages are recorded as degraded and startup
// continues.
type Stage struct {
	Name     string
	Required bool
	Init     func() error
}

// Degraded tracks optional stages that failed without aborting startup.
type Degraded struct {
	mu         sync.RWMutex
	components map[string]string
}

// NewDegraded returns an empty tracker.
func NewDegraded() *Degraded {
	return &Degraded{components: make(map[string]string)}
}

// Record marks name as degraded with reason.
func (d *Degraded) Record(name, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components[name] = reason
}

// Map returns a snapshot of every degraded component and its reason.
func (d *Degraded) Map() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.components))
	for k, v := range d.components {
		out[k] = v
	}
	return out
}

// RunStages runs stages in order. A required stage's failure aborts and
// returns its error; an optional stage's failure is logged and recorded in
// degraded, and the remaining stages still run.
func RunStages(stages []Stage, degraded *Degraded, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, stage := range stages {
		logger.Info("bootstrap: running stage %q (required=%v)", stage.Name, stage.Required)
		if err := stage.Init(); err != nil {
			if stage.Required {
				return fmt.Errorf("bootstrap: required stage %q: %w", stage.Name, err)
			}
			logger.Warn("bootstrap: optional stage %q failed, continuing degraded: %v", stage.Name, err)
			if degraded != nil {
				degraded.Record(stage.Name, err.Error())
			}
		}
	}
	return nil
}

// SignalContext returns a context cancelled on SIGINT/SIGTERM, and a stop
// function that releases the signal handler (call it once shutdown is
// complete, typically via defer).
func SignalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(quit)
		cancel()
	}
}

// ServeUntilCancel runs server until ctx is cancelled or it errors on its
// own, shutting it down within grace. Generalizes the bootstrap server's
// listen-or-signal select to an externally owned context, so every
// long-running component in a process can share one shutdown signal.
func ServeUntilCancel(ctx context.Context, server *http.Server, logger logging.Logger, grace time.Duration) error {
	logger = logging.OrNop(logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down server on %s...", server.Addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		shutdownErr := server.Shutdown(shutdownCtx)

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}
		if shutdownErr != nil {
			return fmt.Errorf("shutdown %s: %w", server.Addr, shutdownErr)
		}
		return serveErr
	}
}
