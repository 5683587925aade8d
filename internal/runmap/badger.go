package runmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"
)

type record struct {
	Key    string `badgerhold:"key"`
	Repo   string `badgerholdIndex:"Repo"`
	Commit string
	Run    Run
}

// BadgerStore persists mappings so that repeated bisect sessions over the
// same history skip the CI query for commits they already know.
type BadgerStore struct {
	store  *badgerhold.Store
	logger *zap.Logger
}

func OpenBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mapping store directory: %w", err)
	}
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping store %s: %w", dir, err)
	}
	logger = logger.Named("runmap")
	logger.Debug("mapping store opened", zap.String("path", dir))
	return &BadgerStore{store: store, logger: logger}, nil
}

func (s *BadgerStore) Get(_ context.Context, key Key) (Run, bool, error) {
	key = normalize(key)
	var rec record
	err := s.store.Get(key.String(), &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("failed to get mapping %s: %w", key, err)
	}
	return rec.Run, true, nil
}

func (s *BadgerStore) Set(_ context.Context, key Key, run Run) error {
	if key.Repo == "" || key.Commit == "" {
		return fmt.Errorf("invalid mapping key %q", key)
	}
	key = normalize(key)
	rec := record{Key: key.String(), Repo: key.Repo, Commit: key.Commit, Run: run}
	err := s.store.Insert(rec.Key, &rec)
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to set mapping %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) GetAll(_ context.Context, repo string) (map[string]Run, error) {
	var recs []record
	err := s.store.Find(&recs, badgerhold.Where("Repo").Eq(strings.ToLower(repo)).Index("Repo"))
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings for %s: %w", repo, err)
	}
	out := make(map[string]Run, len(recs))
	for _, rec := range recs {
		out[rec.Commit] = rec.Run
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
