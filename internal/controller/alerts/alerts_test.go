package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/lsadehaan/controlcenter/internal/protocol"
)

func TestStore_NotifyAndList(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())

	if err := store.Notify(ctx, "agent-1", protocol.NewAlert(protocol.AlertWarning, "disk low", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := store.Notify(ctx, "agent-2", protocol.NewAlert(protocol.AlertCritical, "workflow failed", map[string]string{"workflow": "nightly"})); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	records, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
}

func TestStore_List_FiltersByAgentAndLevel(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())

	store.Notify(ctx, "agent-1", protocol.NewAlert(protocol.AlertInfo, "started", nil))
	store.Notify(ctx, "agent-1", protocol.NewAlert(protocol.AlertError, "crashed", nil))
	store.Notify(ctx, "agent-2", protocol.NewAlert(protocol.AlertError, "crashed", nil))

	byAgent, err := store.List(ctx, Filter{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byAgent) != 2 {
		t.Errorf("len(byAgent) = %d, want 2", len(byAgent))
	}

	byLevel, err := store.List(ctx, Filter{Level: protocol.AlertError})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byLevel) != 2 {
		t.Errorf("len(byLevel) = %d, want 2", len(byLevel))
	}
}

func TestStore_List_RespectsLimitAndOrder(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())

	for i := 0; i < 5; i++ {
		store.Notify(ctx, "agent-1", protocol.NewAlert(protocol.AlertInfo, "tick", nil))
		time.Sleep(time.Millisecond)
	}

	records, err := store.List(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].ReceivedAt.Before(records[1].ReceivedAt) {
		t.Error("expected newest-first ordering")
	}
}

func TestStore_List_EmptyDirReturnsNil(t *testing.T) {
	store := New(t.TempDir())
	records, err := store.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
}
