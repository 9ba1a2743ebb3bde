// Package configsync is the agent side of configuration synchronization:
// cloning/fetching the controller's config repository over the
// authenticated Git-over-SSH channel, fast-forwarding on a clean pull,
// backing up and reporting on divergence, and pushing local changes back.
package configsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gogitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/lsadehaan/controlcenter/internal/logging"
)

const remoteName = "origin"

// Outcome classifies the result of a Pull.
type Outcome string

const (
	// OutcomeUpToDate means the local tree already matched the remote.
	OutcomeUpToDate Outcome = "up-to-date"
	// OutcomeFastForwarded means the local tree advanced cleanly.
	OutcomeFastForwarded Outcome = "fast-forwarded"
	// OutcomeDiverged means local and remote both advanced; a backup
	// branch was created and the working tree was reset to remote.
	OutcomeDiverged Outcome = "diverged"
)

// PullResult describes what Pull did.
type PullResult struct {
	Outcome    Outcome
	BackupRef  string // set only when Outcome == OutcomeDiverged
	RemoteHash string
}

// Config configures a Store.
type Config struct {
	// RemoteURL is the ssh:// endpoint exposed by internal/controller/gitserver,
	// e.g. "ssh://git@controller:2222/fleet-config".
	RemoteURL string
	LocalDir  string
	Signer    ssh.Signer
	Logger    logging.Logger
}

// Store is the agent's working clone of the controller's config repository.
type Store struct {
	cfg    Config
	repo   *git.Repository
	auth   transport.AuthMethod
	logger logging.Logger
}

// ErrNotYetCloned is returned by Open when no local clone exists and the
// initial clone attempt failed — expected when an agent's public key has
// not yet been stored on the controller (spec's "first-clone semantics").
// Callers should retry once registration completes.
type ErrNotYetCloned struct{ Cause error }

func (e *ErrNotYetCloned) Error() string {
	return fmt.Sprintf("configsync: not yet clonable: %v", e.Cause)
}
func (e *ErrNotYetCloned) Unwrap() error { return e.Cause }

// Open opens an existing local clone, or attempts an initial clone if
// LocalDir has none yet.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	auth, err := resolveAuth(cfg.Signer)
	if err != nil {
		return nil, fmt.Errorf("configsync: resolve auth: %w", err)
	}

	s := &Store{cfg: cfg, auth: auth, logger: logging.OrNop(cfg.Logger)}

	repo, err := git.PlainOpen(cfg.LocalDir)
	if err == nil {
		s.repo = repo
		return s, nil
	}
	if err != git.ErrRepositoryNotExists {
		return nil, fmt.Errorf("configsync: open %s: %w", cfg.LocalDir, err)
	}

	repo, cloneErr := git.PlainCloneContext(ctx, cfg.LocalDir, false, &git.CloneOptions{
		URL:  cfg.RemoteURL,
		Auth: auth,
	})
	if cloneErr != nil {
		return nil, &ErrNotYetCloned{Cause: cloneErr}
	}
	s.repo = repo
	return s, nil
}

// resolveAuth builds a go-git transport.AuthMethod from the agent's own
// identity keypair, the same go-git ssh auth construction client-side git
// integrations use against a Git-over-SSH remote.
func resolveAuth(signer ssh.Signer) (transport.AuthMethod, error) {
	if signer == nil {
		return nil, fmt.Errorf("no signer configured")
	}
	auth := &gogitssh.PublicKeys{User: "git", Signer: signer}
	auth.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	return auth, nil
}

// Pull fetches from the remote and either fast-forwards the local working
// tree, reports it is already up to date, or — on divergence — stashes the
// local state into a timestamped backup branch before resetting to remote.
// Agents never attempt a textual merge.
func (s *Store) Pull(ctx context.Context) (PullResult, error) {
	err := s.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: remoteName, Auth: s.auth})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return PullResult{}, fmt.Errorf("configsync: fetch: %w", err)
	}

	head, err := s.repo.Head()
	if err != nil {
		return PullResult{}, fmt.Errorf("configsync: read HEAD: %w", err)
	}
	remoteRef, err := s.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, head.Name().Short()), true)
	if err != nil {
		return PullResult{}, fmt.Errorf("configsync: read remote-tracking ref: %w", err)
	}

	if head.Hash() == remoteRef.Hash() {
		return PullResult{Outcome: OutcomeUpToDate, RemoteHash: remoteRef.Hash().String()}, nil
	}

	localCommit, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return PullResult{}, fmt.Errorf("configsync: load local commit: %w", err)
	}
	remoteCommit, err := s.repo.CommitObject(remoteRef.Hash())
	if err != nil {
		return PullResult{}, fmt.Errorf("configsync: load remote commit: %w", err)
	}

	localIsAncestor, err := localCommit.IsAncestor(remoteCommit)
	if err != nil {
		return PullResult{}, fmt.Errorf("configsync: ancestry check: %w", err)
	}
	if localIsAncestor {
		if err := s.fastForward(head.Name(), remoteRef.Hash()); err != nil {
			return PullResult{}, err
		}
		return PullResult{Outcome: OutcomeFastForwarded, RemoteHash: remoteRef.Hash().String()}, nil
	}

	remoteIsAncestor, err := remoteCommit.IsAncestor(localCommit)
	if err != nil {
		return PullResult{}, fmt.Errorf("configsync: ancestry check: %w", err)
	}
	if remoteIsAncestor {
		// Local is strictly ahead; nothing to pull. Caller may choose to push.
		return PullResult{Outcome: OutcomeUpToDate, RemoteHash: remoteRef.Hash().String()}, nil
	}

	backupRef, err := s.backupBranch(head.Hash())
	if err != nil {
		return PullResult{}, fmt.Errorf("configsync: create backup branch: %w", err)
	}
	if err := s.fastForward(head.Name(), remoteRef.Hash()); err != nil {
		return PullResult{}, err
	}
	return PullResult{Outcome: OutcomeDiverged, BackupRef: backupRef, RemoteHash: remoteRef.Hash().String()}, nil
}

func (s *Store) fastForward(branch plumbing.ReferenceName, target plumbing.Hash) error {
	ref := plumbing.NewHashReference(branch, target)
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("configsync: update branch ref: %w", err)
	}

	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("configsync: worktree: %w", err)
	}
	// Checking out by branch name (rather than by hash) keeps HEAD a
	// symbolic reference to the branch instead of leaving it detached.
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branch, Force: true}); err != nil {
		return fmt.Errorf("configsync: checkout: %w", err)
	}
	return nil
}

// backupBranch names and creates a timestamped branch pointing at the local
// commit about to be discarded, so an operator can list and restore it by
// name (spec's "automatic backup").
func (s *Store) backupBranch(at plumbing.Hash) (string, error) {
	name := fmt.Sprintf("backup/%s", time.Now().UTC().Format("20060102T150405Z"))
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), at)
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return "", err
	}
	return name, nil
}

// Commit stages and commits every pending change under LocalDir, without
// pushing. Used by the merge-config CLI path to fold manual edits into
// local history ahead of the next push-config.
func (s *Store) Commit(message string) error {
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("configsync: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("configsync: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	if _, err := wt.Add("."); err != nil {
		return fmt.Errorf("configsync: add: %w", err)
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "agent", Email: "agent@controlcenter.local", When: time.Now()},
	})
	if err != nil && err != git.ErrEmptyCommit {
		return fmt.Errorf("configsync: commit: %w", err)
	}
	return nil
}

// Push commits every pending change under LocalDir (if any) and pushes to
// the remote. Used for the rare agent-initiated push path.
func (s *Store) Push(ctx context.Context, message string) error {
	if err := s.Commit(message); err != nil {
		return err
	}
	err := s.repo.PushContext(ctx, &git.PushOptions{RemoteName: remoteName, Auth: s.auth})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("configsync: push: %w", err)
	}
	return nil
}

// Backups lists every backup branch created by a divergent Pull, newest
// first.
func (s *Store) Backups() ([]string, error) {
	refs, err := s.repo.References()
	if err != nil {
		return nil, fmt.Errorf("configsync: list refs: %w", err)
	}
	var names []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name().IsBranch() {
			short := ref.Name().Short()
			if len(short) > 7 && short[:7] == "backup/" {
				names = append(names, short)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// RecoverBackup restores the working tree to the tip of a backup branch
// created by a divergent Pull, without pushing. name may be "latest" for the
// most recently created backup (backup branches sort lexicographically by
// their timestamp suffix) or an exact branch name as returned by Backups.
func (s *Store) RecoverBackup(name string) (string, error) {
	if name == "latest" {
		backups, err := s.Backups()
		if err != nil {
			return "", fmt.Errorf("configsync: list backups: %w", err)
		}
		if len(backups) == 0 {
			return "", fmt.Errorf("configsync: no backups available")
		}
		name = backups[0]
	}

	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return "", fmt.Errorf("configsync: backup branch %q not found: %w", name, err)
	}

	head, err := s.repo.Head()
	if err != nil {
		return "", fmt.Errorf("configsync: read HEAD: %w", err)
	}
	if err := s.fastForward(head.Name(), ref.Hash()); err != nil {
		return "", fmt.Errorf("configsync: restore %s: %w", name, err)
	}
	return name, nil
}
