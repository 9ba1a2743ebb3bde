// Package configstore is the controller's half of the Git-backed
// configuration source of truth: a plain working tree laid out as
// agents/<agentId>.json and workflows/<workflowId>.json, auto-committed on
// every controller-initiated write and re-read on every agent-initiated
// push.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/lsadehaan/controlcenter/internal/filestore"
)

const (
	agentsDir    = "agents"
	workflowsDir = "workflows"
)

// Kind selects which top-level directory a document belongs to.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindWorkflow Kind = "workflow"
)

func (k Kind) dir() (string, error) {
	switch k {
	case KindAgent:
		return agentsDir, nil
	case KindWorkflow:
		return workflowsDir, nil
	default:
		return "", fmt.Errorf("configstore: unknown kind %q", k)
	}
}

// Store wraps a checked-out Git working tree as the controller's config
// repository. Open sets receive.denyCurrentBranch=updateInstead on the
// underlying repository so that pushes from agents update this same working
// tree in place.
type Store struct {
	dir  string
	repo *git.Repository
}

// Open opens (or initializes, if absent) the Git working tree at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("configstore: create repo dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, agentsDir), 0o755); err != nil {
		return nil, fmt.Errorf("configstore: create agents dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, workflowsDir), 0o755); err != nil {
		return nil, fmt.Errorf("configstore: create workflows dir: %w", err)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		if err != git.ErrRepositoryNotExists {
			return nil, fmt.Errorf("configstore: open repo: %w", err)
		}
		repo, err = git.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("configstore: init repo: %w", err)
		}
	}

	if err := applyServerSideSettings(repo); err != nil {
		return nil, err
	}

	return &Store{dir: dir, repo: repo}, nil
}

// applyServerSideSettings sets the config this working tree must carry to
// act as a push target: receive.denyCurrentBranch=updateInstead lets
// agent-initiated pushes update the checked-out tree directly instead of
// being rejected (spec.md §4.3).
func applyServerSideSettings(repo *git.Repository) error {
	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("configstore: read repo config: %w", err)
	}
	cfg.Raw.Section("receive").SetOption("denyCurrentBranch", "updateInstead")
	return repo.SetConfig(cfg)
}

// path returns the on-disk path for a document of the given kind and id.
func (s *Store) path(kind Kind, id string) (string, error) {
	dir, err := kind.dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, dir, id+".json"), nil
}

// Write persists doc under {kind}/{id}.json and auto-commits the change, per
// spec.md §4.3's controller-initiated pull path step 1.
func (s *Store) Write(kind Kind, id string, doc any) error {
	path, err := s.path(kind, id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("configstore: marshal %s/%s: %w", kind, id, err)
	}
	if err := filestore.AtomicWrite(path, data, 0o644); err != nil {
		return fmt.Errorf("configstore: write %s/%s: %w", kind, id, err)
	}

	dirName, _ := kind.dir()
	relPath := filepath.ToSlash(filepath.Join(dirName, id+".json"))
	return s.commit(fmt.Sprintf("update %s/%s", kind, id), relPath)
}

// Remove deletes {kind}/{id}.json and auto-commits the removal.
func (s *Store) Remove(kind Kind, id string) error {
	path, err := s.path(kind, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("configstore: remove %s/%s: %w", kind, id, err)
	}

	dirName, _ := kind.dir()
	relPath := filepath.ToSlash(filepath.Join(dirName, id+".json"))
	return s.commit(fmt.Sprintf("remove %s/%s", kind, id), relPath)
}

func (s *Store) commit(message, relPath string) error {
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("configstore: worktree: %w", err)
	}
	if _, err := wt.Add(relPath); err != nil {
		return fmt.Errorf("configstore: stage %s: %w", relPath, err)
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "controlcenter-controller",
			Email: "controller@controlcenter.local",
			When:  time.Now().UTC(),
		},
	})
	if err != nil {
		if err == git.ErrEmptyCommit {
			return nil
		}
		return fmt.Errorf("configstore: commit %s: %w", relPath, err)
	}
	return nil
}

// Read loads {kind}/{id}.json into out.
func (s *Store) Read(kind Kind, id string, out any) error {
	path, err := s.path(kind, id)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("configstore: read %s/%s: %w", kind, id, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("configstore: unmarshal %s/%s: %w", kind, id, err)
	}
	return nil
}

// List returns every id of the given kind present in the working tree,
// sorted.
func (s *Store) List(kind Kind) ([]string, error) {
	dirName, err := kind.dir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, dirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: list %s: %w", kind, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ids = append(ids, e.Name()[:len(e.Name())-len(".json")])
	}
	sort.Strings(ids)
	return ids, nil
}

// SyncFromPush re-reads {kind}/{id}.json after an agent-initiated push has
// updated the working tree (receive.denyCurrentBranch=updateInstead), so the
// caller (typically the registry, for agent records) can refresh its own
// database mirror from the new Git state. Returns the raw bytes on disk.
func (s *Store) SyncFromPush(kind Kind, id string) (json.RawMessage, error) {
	path, err := s.path(kind, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configstore: sync %s/%s: %w", kind, id, err)
	}
	return json.RawMessage(data), nil
}

// Dir returns the repository's working tree root, for wiring into
// internal/controller/gitserver's transport loader.
func (s *Store) Dir() string {
	return s.dir
}

// HeadCommit returns the current HEAD commit hash, mainly for diagnostics
// and status reporting.
func (s *Store) HeadCommit() (string, error) {
	ref, err := s.repo.Head()
	if err != nil {
		return "", fmt.Errorf("configstore: head: %w", err)
	}
	return ref.Hash().String(), nil
}
