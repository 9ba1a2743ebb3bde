package watcher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// applyOperations runs CopyTo/BackupTo/Rename/RemoveAfter in the declared
// order against path, the resolved file that just cleared every gate. The
// sequence is not atomic: when a later operation fails, the earlier ones are
// not rolled back.
func applyOperations(ops Operations, path string) error {
	current := path

	if ops.CopyTo != "" {
		dest := resolveDestination(ops.CopyTo, current, ops.InsertTimestamp)
		if err := copyFile(current, dest, ops.Overwrite, ops.CopyTempExt != ""); err != nil {
			return fmt.Errorf("copy-to: %w", err)
		}
	}

	if ops.BackupTo != "" {
		if err := copyFile(current, resolveDestination(ops.BackupTo, current, false), ops.Overwrite, false); err != nil {
			return fmt.Errorf("backup-to: %w", err)
		}
	}

	if ops.Rename != "" {
		dest := resolveDestination(ops.Rename, current, ops.InsertTimestamp)
		dest, err := resolveOverwrite(dest, ops.Overwrite)
		if err != nil {
			return fmt.Errorf("rename: %w", err)
		}
		if err := os.Rename(current, dest); err != nil {
			return fmt.Errorf("rename: %w", err)
		}
		current = dest
	}

	if ops.RemoveAfter {
		if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove-after: %w", err)
		}
	}

	return nil
}

// resolveDestination joins destDir with the source file's base name,
// optionally inserting a timestamp before the extension.
func resolveDestination(destDir, sourcePath string, insertTimestamp bool) string {
	name := filepath.Base(sourcePath)
	if insertTimestamp {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		name = fmt.Sprintf("%s_%s%s", stem, time.Now().UTC().Format("20060102T150405Z"), ext)
	}
	return filepath.Join(destDir, name)
}

// resolveOverwrite applies the overwrite policy to a destination path that
// may already exist.
func resolveOverwrite(dest string, policy OverwritePolicy) (string, error) {
	_, err := os.Stat(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return dest, nil
		}
		return "", err
	}

	switch policy {
	case OverwriteSkip:
		return "", fmt.Errorf("destination %s exists and overwrite policy is skip", dest)
	case OverwriteRename:
		ext := filepath.Ext(dest)
		stem := strings.TrimSuffix(dest, ext)
		return fmt.Sprintf("%s_%s%s", stem, time.Now().UTC().Format("20060102T150405Z"), ext), nil
	default: // OverwriteReplace, or unset defaults to replace
		return dest, nil
	}
}

// copyFile copies src to dest, honoring the overwrite policy. When viaTemp is
// set it writes to dest+".tmp" and then renames into place; the suffix is
// always ".tmp", and the value of Operations.CopyTempExt only decides whether
// this path is taken.
func copyFile(src, dest string, policy OverwritePolicy, viaTemp bool) error {
	dest, err := resolveOverwrite(dest, policy)
	if err != nil {
		return err
	}
	if dest == "" {
		return nil // resolveOverwrite reports the skip policy as an error, not as ""
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	writePath := dest
	if viaTemp {
		writePath = dest + ".tmp"
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(writePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if viaTemp {
		if err := os.Rename(writePath, dest); err != nil {
			return err
		}
	}
	return nil
}

// testExclusiveOpen attempts to open path for exclusive access as a
// best-effort in-use check. On platforms without mandatory locking this can
// only detect permission-level exclusivity, which is the same limitation
// spec'd processing options accept ("if enabled, test-open for exclusive
// read").
func testExclusiveOpen(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

func matchesContent(path string, budget int64, pattern *regexp.Regexp) (bool, error) {
	if pattern == nil {
		return true, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, budget)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, err
	}
	return pattern.Match(buf[:n]), nil
}
