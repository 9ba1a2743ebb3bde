package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsadehaan/controlcenter/internal/filestore"
)

// ErrTokenNotFound is returned when a presented token does not exist.
var ErrTokenNotFound = errors.New("registry: token not found")

// ErrTokenUsed is returned when a token has already been consumed.
var ErrTokenUsed = errors.New("registry: token already used")

// ErrTokenExpired is returned when a token's expiry has passed.
var ErrTokenExpired = errors.New("registry: token expired")

// Token is a single-use, expiring registration credential. PinnedAPIAddr, if
// set, is bound onto the resulting agent record at redemption time.
type Token struct {
	Value         string     `json:"value"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	PinnedAPIAddr string     `json:"pinnedApiAddr,omitempty"`
	UsedByAgentID string     `json:"usedByAgentId,omitempty"`
	UsedAt        *time.Time `json:"usedAt,omitempty"`
}

// Expired reports whether t is past its expiry at the given instant.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Used reports whether t has already been redeemed.
func (t Token) Used() bool {
	return t.UsedByAgentID != ""
}

// TokenStore is a single JSON-file-backed collection of registration
// tokens, guarded by a mutex and written with atomic write-rename on every
// mutation — the whole file is small enough that per-token files (as used
// by the Agent registry) would be unnecessary overhead.
type TokenStore struct {
	path string
	mu   sync.Mutex
}

// NewTokenStore returns a store persisting to path. The file is created on
// first Create call if absent.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

func (s *TokenStore) loadAllLocked() (map[string]Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Token{}, nil
		}
		return nil, fmt.Errorf("registry: read token store: %w", err)
	}
	if len(data) == 0 {
		return map[string]Token{}, nil
	}
	var tokens map[string]Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("registry: parse token store: %w", err)
	}
	if tokens == nil {
		tokens = map[string]Token{}
	}
	return tokens, nil
}

func (s *TokenStore) saveAllLocked(tokens map[string]Token) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal token store: %w", err)
	}
	if err := filestore.AtomicWrite(s.path, data, 0o600); err != nil {
		return fmt.Errorf("registry: write token store: %w", err)
	}
	return nil
}

// Create mints a new single-use token with the given validity window and
// optional pinned API address.
func (s *TokenStore) Create(_ context.Context, ttl time.Duration, pinnedAPIAddr string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.loadAllLocked()
	if err != nil {
		return Token{}, err
	}

	now := time.Now().UTC()
	tok := Token{
		Value:         uuid.NewString(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		PinnedAPIAddr: pinnedAPIAddr,
	}
	tokens[tok.Value] = tok
	if err := s.saveAllLocked(tokens); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Redeem validates and consumes a token for the given agent id, atomically
// marking it used so a second redemption attempt fails even under a race.
func (s *TokenStore) Redeem(_ context.Context, value, agentID string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.loadAllLocked()
	if err != nil {
		return Token{}, err
	}

	tok, ok := tokens[value]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	if tok.Used() {
		return Token{}, ErrTokenUsed
	}
	now := time.Now().UTC()
	if tok.Expired(now) {
		return Token{}, ErrTokenExpired
	}

	tok.UsedByAgentID = agentID
	tok.UsedAt = &now
	tokens[value] = tok
	if err := s.saveAllLocked(tokens); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// List returns every token on record (used and unused) for audit purposes.
func (s *TokenStore) List(_ context.Context) ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.loadAllLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t)
	}
	return out, nil
}
