package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreate_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.PrivateKey == nil || id.Signer == nil {
		t.Fatal("expected populated key material")
	}
	if !strings.HasPrefix(id.AuthorizedKey, "ssh-rsa ") {
		t.Errorf("AuthorizedKey = %q, want ssh-rsa prefix", id.AuthorizedKey)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("Stat private key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("private key perm = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadOrCreate_ReusesExistingKey(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate (first): %v", err)
	}
	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate (second): %v", err)
	}
	if first.AuthorizedKey != second.AuthorizedKey {
		t.Error("expected the same keypair to be reloaded, got a new one")
	}
}

func TestLoadOrCreate_DifferentDirsGetDifferentKeys(t *testing.T) {
	idA, err := LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	idB, err := LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if idA.AuthorizedKey == idB.AuthorizedKey {
		t.Error("expected distinct keys for distinct identity directories")
	}
}
