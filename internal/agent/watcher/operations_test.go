package watcher

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyOperations_CopyToWithTimestamp(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	srcFile := filepath.Join(src, "report.csv")
	if err := os.WriteFile(srcFile, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ops := Operations{CopyTo: dest, InsertTimestamp: true}
	if err := applyOperations(ops, srcFile); err != nil {
		t.Fatalf("applyOperations: %v", err)
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one copied file, got %d", len(entries))
	}
	if entries[0].Name() == "report.csv" {
		t.Error("expected timestamp to be inserted into the copied filename")
	}
}

func TestApplyOperations_RenameThenRemoveAfter(t *testing.T) {
	src := t.TempDir()
	renameDir := t.TempDir()
	srcFile := filepath.Join(src, "in.txt")
	if err := os.WriteFile(srcFile, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ops := Operations{Rename: renameDir, RemoveAfter: true}
	if err := applyOperations(ops, srcFile); err != nil {
		t.Fatalf("applyOperations: %v", err)
	}

	if _, err := os.Stat(srcFile); !os.IsNotExist(err) {
		t.Errorf("expected source file gone after rename, stat err = %v", err)
	}
	renamed := filepath.Join(renameDir, "in.txt")
	if _, err := os.Stat(renamed); !os.IsNotExist(err) {
		t.Errorf("expected renamed file to also be removed by remove-after, stat err = %v", err)
	}
}

func TestResolveOverwrite_SkipPolicyErrorsWhenDestExists(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "exists.txt")
	if err := os.WriteFile(dest, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := resolveOverwrite(dest, OverwriteSkip); err == nil {
		t.Fatal("expected skip policy to error when destination exists")
	}
}

func TestResolveOverwrite_RenamePolicyPicksNewName(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "exists.txt")
	if err := os.WriteFile(dest, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := resolveOverwrite(dest, OverwriteRename)
	if err != nil {
		t.Fatalf("resolveOverwrite: %v", err)
	}
	if got == dest {
		t.Error("expected rename policy to produce a different path")
	}
}

func TestCopyFile_ViaTempExtensionLeavesNoTempFile(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	srcFile := filepath.Join(src, "a.bin")
	if err := os.WriteFile(srcFile, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	destFile := filepath.Join(dest, "a.bin")
	if err := copyFile(srcFile, destFile, OverwriteReplace, true); err != nil {
		t.Fatalf("copyFile: %v", err)
	}
	if _, err := os.Stat(destFile + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be renamed away, stat err = %v", err)
	}
	data, err := os.ReadFile(destFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("copied content = %q", data)
	}
}
