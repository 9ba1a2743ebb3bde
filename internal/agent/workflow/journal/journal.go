// Package journal persists workflow execution records to local disk so an
// interrupted run can be reclassified on the next agent startup instead of
// silently vanishing.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lsadehaan/controlcenter/internal/filestore"
)

// Status is an execution's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one workflow execution's persisted state, flushed after every
// context mutation and status transition.
type Record struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflowId"`
	Trigger        string         `json:"trigger"`
	Status         Status         `json:"status"`
	Context        map[string]any `json:"context"`
	CompletedSteps []string       `json:"completedSteps"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Journal stores one record per execution under dir/<id>.json.
type Journal struct {
	dir string
}

// New returns a Journal rooted at dir. dir is created lazily on first write.
func New(dir string) *Journal {
	return &Journal{dir: dir}
}

// Begin creates and persists a new running execution record.
func (j *Journal) Begin(workflowID, trigger string, seed map[string]any) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Trigger:    trigger,
		Status:     StatusRunning,
		Context:    seed,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := j.Flush(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Flush atomically writes rec's current state to disk.
func (j *Journal) Flush(rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal record %s: %w", rec.ID, err)
	}
	return filestore.AtomicWrite(j.path(rec.ID), data, 0o644)
}

func (j *Journal) path(id string) string {
	return filepath.Join(j.dir, id+".json")
}

// DirSize returns the total on-disk size of every journal record, for the
// agent's local /metrics endpoint. Missing directories report zero.
func (j *Journal) DirSize() int64 {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

// ReconcileInterrupted scans the journal directory for records left in
// StatusRunning — meaning the process died mid-execution — and
// reclassifies each to StatusFailed with reason "interrupted", per the
// at-least-once restart contract. It returns the ids it reclassified.
func (j *Journal) ReconcileInterrupted() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: read dir %s: %w", j.dir, err)
	}

	var reclassified []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Status != StatusRunning {
			continue
		}
		rec.Status = StatusFailed
		rec.Error = "interrupted"
		if err := j.Flush(&rec); err != nil {
			return reclassified, err
		}
		reclassified = append(reclassified, rec.ID)
	}
	return reclassified, nil
}

// List returns every execution record, newest first, optionally filtered
// to one workflow id. An empty workflowID returns every record.
func (j *Journal) List(workflowID string) ([]Record, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: read dir %s: %w", j.dir, err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if workflowID != "" && rec.WorkflowID != workflowID {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.After(records[j].StartedAt) })
	return records, nil
}
