// Package filestore provides crash-safe file persistence helpers shared by
// components that write durable state to disk: the workflow journal, the
// agent's config.json, and the controller's registry, token, alert and
// config stores.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWrite writes data to path without ever leaving a torn or partial
// file visible to a concurrent reader. It writes to a temporary file in the
// same directory as path, fsyncs it, then renames it over path — rename is
// atomic on the same filesystem, so a reader either sees the old contents or
// the new ones, never a mix.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filestore: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("filestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Best-effort cleanup if something below fails before the rename.
	succeeded := false
	defer func() {
		if !succeeded {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("filestore: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("filestore: rename temp file: %w", err)
	}
	succeeded = true
	return nil
}

// ErrNotFound is a sentinel for a missing record; no function in this
// package returns it, and the stores built on it use their own errors.
var ErrNotFound = fmt.Errorf("filestore: not found")
