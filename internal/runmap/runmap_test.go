package runmap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	key := Key{Repo: "ROCm/TheRock", Commit: "ABCDEF0123"}

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	first := Run{ID: 100, URL: "https://example/100", Conclusion: "success",
		HeadRepository: "ROCm/TheRock", UpdatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, store.Set(ctx, key, first))
	require.NoError(t, store.Set(ctx, key, Run{ID: 200}))

	got, ok, err := store.Get(ctx, Key{Repo: "rocm/therock", Commit: "abcdef0123"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), got.ID)
	assert.Equal(t, first.HeadRepository, got.HeadRepository)
	assert.True(t, first.UpdatedAt.Equal(got.UpdatedAt))

	require.NoError(t, store.Set(ctx, Key{Repo: "ROCm/TheRock", Commit: "1111"}, Run{ID: 300}))
	require.NoError(t, store.Set(ctx, Key{Repo: "other/repo", Commit: "2222"}, Run{ID: 400}))

	all, err := store.GetAll(ctx, "ROCm/TheRock")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(100), all["abcdef0123"].ID)
	assert.Equal(t, int64(300), all["1111"].ID)

	assert.Error(t, store.Set(ctx, Key{Repo: "ROCm/TheRock"}, Run{ID: 1}))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestBadgerStore(t *testing.T) {
	store, err := OpenBadgerStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := Key{Repo: "ROCm/TheRock", Commit: "feed"}

	store, err := OpenBadgerStore(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, key, Run{ID: 42}))
	require.NoError(t, store.Close())

	store, err = OpenBadgerStore(dir, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	got, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), got.ID)
}
