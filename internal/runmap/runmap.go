// Package runmap records which CI workflow run built each commit.
package runmap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Key identifies a commit in a repository. Commit is a full SHA.
type Key struct {
	Repo   string
	Commit string
}

func (k Key) String() string {
	return strings.ToLower(k.Repo) + "@" + strings.ToLower(k.Commit)
}

// Run is the workflow run chosen for a commit.
type Run struct {
	ID         int64
	URL        string
	Conclusion string
	// HeadRepository and UpdatedAt select the bucket holding the run's
	// outputs.
	HeadRepository string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store maps commits to runs. The first Set for a key wins; later writes
// for the same key are ignored.
type Store interface {
	Get(ctx context.Context, key Key) (Run, bool, error)
	Set(ctx context.Context, key Key, run Run) error
	// GetAll returns every mapping of repo, keyed by commit SHA.
	GetAll(ctx context.Context, repo string) (map[string]Run, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	runs map[Key]Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[Key]Run)}
}

func normalize(key Key) Key {
	return Key{Repo: strings.ToLower(key.Repo), Commit: strings.ToLower(key.Commit)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[normalize(key)]
	return run, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key Key, run Run) error {
	if key.Repo == "" || key.Commit == "" {
		return fmt.Errorf("invalid mapping key %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key = normalize(key)
	if _, ok := s.runs[key]; !ok {
		s.runs[key] = run
	}
	return nil
}

func (s *MemoryStore) GetAll(_ context.Context, repo string) (map[string]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repo = strings.ToLower(repo)
	out := make(map[string]Run)
	for k, run := range s.runs {
		if k.Repo == repo {
			out[k.Commit] = run
		}
	}
	return out, nil
}
