// Package alerts is the controller's event sink: a durable, queryable store
// for every alert raised by an agent over the control channel, implementing
// internal/controller/hub.AlertSink.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsadehaan/controlcenter/internal/filestore"
	"github.com/lsadehaan/controlcenter/internal/protocol"
)

// Record is one persisted alert, carrying the agent it came from and the
// time the controller received it alongside the original payload.
type Record struct {
	ID        string              `json:"id"`
	AgentID   string              `json:"agentId"`
	Level     protocol.AlertLevel `json:"level"`
	Message   string              `json:"message"`
	Details   any                 `json:"details,omitempty"`
	ReceivedAt time.Time          `json:"receivedAt"`
}

// Store is a file-backed, append-mostly collection of alert records, one
// JSON document per alert, following the same one-file-per-record
// convention as internal/controller/registry.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Notify implements internal/controller/hub.AlertSink.
func (s *Store) Notify(_ context.Context, agentID string, alert protocol.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := Record{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Level:      alert.Level,
		Message:    alert.Message,
		Details:    alert.Details,
		ReceivedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("alerts: marshal: %w", err)
	}
	path := filepath.Join(s.dir, record.ID+".json")
	if err := filestore.AtomicWrite(path, data, 0o644); err != nil {
		return fmt.Errorf("alerts: write: %w", err)
	}
	return nil
}

// Filter narrows List results. Zero values are wildcards.
type Filter struct {
	AgentID string
	Level   protocol.AlertLevel
	Since   time.Time
	Limit   int
}

// List returns matching alerts, newest first.
func (s *Store) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("alerts: readdir: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if filter.AgentID != "" && rec.AgentID != filter.AgentID {
			continue
		}
		if filter.Level != "" && rec.Level != filter.Level {
			continue
		}
		if !filter.Since.IsZero() && rec.ReceivedAt.Before(filter.Since) {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ReceivedAt.After(records[j].ReceivedAt) })
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}
