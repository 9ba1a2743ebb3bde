package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestTokenStore_CreateAndRedeem(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))

	tok, err := store.Create(ctx, time.Hour, "10.0.0.9:8443")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tok.Value == "" {
		t.Fatal("expected non-empty token value")
	}
	if tok.Used() {
		t.Error("freshly created token must not be used")
	}

	redeemed, err := store.Redeem(ctx, tok.Value, "agent-1")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if redeemed.UsedByAgentID != "agent-1" {
		t.Errorf("UsedByAgentID = %q, want agent-1", redeemed.UsedByAgentID)
	}
	if redeemed.UsedAt == nil {
		t.Error("expected UsedAt to be set")
	}
	if redeemed.PinnedAPIAddr != "10.0.0.9:8443" {
		t.Errorf("PinnedAPIAddr = %q", redeemed.PinnedAPIAddr)
	}
}

func TestTokenStore_Redeem_NotFound(t *testing.T) {
	store := NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	_, err := store.Redeem(context.Background(), "bogus", "agent-1")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenStore_Redeem_AlreadyUsed(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))

	tok, err := store.Create(ctx, time.Hour, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Redeem(ctx, tok.Value, "agent-1"); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	if _, err := store.Redeem(ctx, tok.Value, "agent-2"); !errors.Is(err, ErrTokenUsed) {
		t.Errorf("err = %v, want ErrTokenUsed", err)
	}
}

func TestTokenStore_Redeem_Expired(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))

	tok, err := store.Create(ctx, -time.Minute, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Redeem(ctx, tok.Value, "agent-1"); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestTokenStore_List(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))

	if _, err := store.Create(ctx, time.Hour, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(ctx, time.Hour, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tokens, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tokens) != 2 {
		t.Errorf("len(tokens) = %d, want 2", len(tokens))
	}
}

func TestTokenStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")

	tok, err := NewTokenStore(path).Create(ctx, time.Hour, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reopened := NewTokenStore(path)
	redeemed, err := reopened.Redeem(ctx, tok.Value, "agent-9")
	if err != nil {
		t.Fatalf("Redeem after reopen: %v", err)
	}
	if redeemed.Value != tok.Value {
		t.Errorf("Value = %q, want %q", redeemed.Value, tok.Value)
	}
}
