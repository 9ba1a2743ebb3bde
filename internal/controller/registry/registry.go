// Package registry maintains the controller's agent-fleet aggregate state:
// one record per known agent, file-backed so the controller survives a
// restart without losing fleet membership.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lsadehaan/controlcenter/internal/filestore"
)

// Status is the agent's connection state as observed by the control-channel
// hub.
type Status string

const (
	StatusPending Status = "pending"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ErrAgentNotFound is returned by Get/Delete when no record exists for an
// agent id.
var ErrAgentNotFound = errors.New("registry: agent not found")

// ErrKeyMismatch is returned when a registration attempt presents a public
// key that does not match the one already bound to the agent id.
var ErrKeyMismatch = errors.New("registry: public key does not match stored identity")

// Agent is the controller's aggregate record for one fleet member. Id is
// immutable once issued; PublicKey is bound to Id for the agent's lifetime.
type Agent struct {
	ID            string            `json:"id"`
	PublicKey     string            `json:"publicKey"`
	Hostname      string            `json:"hostname"`
	Platform      string            `json:"platform"`
	Status        Status            `json:"status"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	ObservedAddr  string            `json:"observedAddr"`
	PinnedAPIAddr string            `json:"pinnedApiAddr,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ConfigMirror  json.RawMessage   `json:"configMirror,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Registry is a file-backed, thread-safe store of Agent records. Each
// record maps to {dir}/{id}.json, following the same one-file-per-record
// convention and atomic write discipline as the agent's own workflow
// journal.
type Registry struct {
	dir string
	mu  sync.RWMutex
}

// New returns a Registry rooted at dir. The directory is created lazily on
// first write.
func New(dir string) *Registry {
	return &Registry{dir: dir}
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// Save creates or updates an agent record. CreatedAt is preserved across
// overwrites; UpdatedAt always advances.
func (r *Registry) Save(_ context.Context, agent Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("registry: agent id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, err := r.loadLocked(agent.ID); err == nil {
		if agent.CreatedAt.IsZero() {
			agent.CreatedAt = existing.CreatedAt
		}
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	data, err := json.MarshalIndent(agent, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	if err := filestore.AtomicWrite(r.path(agent.ID), data, 0o644); err != nil {
		return fmt.Errorf("registry: write: %w", err)
	}
	return nil
}

// Get retrieves the agent record for id.
func (r *Registry) Get(_ context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadLocked(id)
}

func (r *Registry) loadLocked(id string) (*Agent, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
		return nil, fmt.Errorf("registry: read: %w", err)
	}
	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("registry: unmarshal: %w", err)
	}
	return &agent, nil
}

// List returns every known agent record, sorted by id for deterministic
// output.
func (r *Registry) List(_ context.Context) ([]Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: readdir: %w", err)
	}

	var agents []Agent
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		agent, err := r.loadLocked(id)
		if err != nil {
			continue
		}
		agents = append(agents, *agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// Delete removes the agent record for id. Per spec this is the only way an
// agent record is ever removed — no automatic expiry.
func (r *Registry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
		return fmt.Errorf("registry: delete: %w", err)
	}
	return nil
}

// AdmitRegistration resolves a registration attempt presenting a token and
// public key against any existing record with the same id-less identity.
// Since a fresh registration has no id yet, the caller assigns a new one;
// AdmitRegistration is used on reconnection-shaped flows where an id is
// already known and the key must match what was stored at first contact.
func (r *Registry) AdmitRegistration(ctx context.Context, id, publicKey string) (*Agent, error) {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.PublicKey != publicKey {
		return nil, ErrKeyMismatch
	}
	return agent, nil
}

// MarkHeartbeat updates LastHeartbeat and flips Status to online. Callers
// hold no long-lived lock across this — each call is an independent
// read-modify-write against the file-backed record.
func (r *Registry) MarkHeartbeat(ctx context.Context, id, observedAddr string) error {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	agent.Status = StatusOnline
	agent.LastHeartbeat = time.Now().UTC()
	if observedAddr != "" {
		agent.ObservedAddr = observedAddr
	}
	return r.Save(ctx, *agent)
}

// MarkOffline flips Status to offline, used by the hub's liveness sweep
// when 2*T_h elapses with no message from an agent.
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if agent.Status == StatusOffline {
		return nil
	}
	agent.Status = StatusOffline
	return r.Save(ctx, *agent)
}
