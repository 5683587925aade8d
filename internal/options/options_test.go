package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ROCm/therock-tools/internal/descriptor"
)

func declared(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	require.NoError(t, g.Declare(Option{Name: "THEROCK_ENABLE_CORE", Default: true}))
	require.NoError(t, g.Declare(Option{Name: "THEROCK_ENABLE_BLAS", Default: true, Requires: []string{"THEROCK_ENABLE_CORE"}}))
	require.NoError(t, g.Declare(Option{Name: "THEROCK_ENABLE_MIOPEN", Default: true, Requires: []string{"THEROCK_ENABLE_BLAS"}}))
	require.NoError(t, g.Declare(Option{Name: "THEROCK_ENABLE_RCCL", Default: false, Requires: []string{"THEROCK_ENABLE_CORE"}}))
	return g
}

func TestResolveDefaults(t *testing.T) {
	snap, err := declared(t).Resolve(nil)
	require.NoError(t, err)
	assert.True(t, snap.Enabled("THEROCK_ENABLE_MIOPEN"))
	assert.False(t, snap.Enabled("THEROCK_ENABLE_RCCL"))
	assert.Equal(t, map[string]string{"THEROCK_ENABLE_RCCL": "disabled by default"}, snap.Disabled())
	assert.Len(t, snap.Names(), 4)
}

func TestResolvePropagatesDisabledRequirement(t *testing.T) {
	snap, err := declared(t).Resolve(map[string]bool{"THEROCK_ENABLE_CORE": false})
	require.NoError(t, err)
	assert.False(t, snap.Enabled("THEROCK_ENABLE_BLAS"))
	assert.False(t, snap.Enabled("THEROCK_ENABLE_MIOPEN"))
	assert.Equal(t, "requires THEROCK_ENABLE_BLAS", snap.Disabled()["THEROCK_ENABLE_MIOPEN"])
	assert.Equal(t, "disabled explicitly", snap.Disabled()["THEROCK_ENABLE_CORE"])
}

func TestResolveErrors(t *testing.T) {
	t.Run("forced on without requirement", func(t *testing.T) {
		_, err := declared(t).Resolve(map[string]bool{"THEROCK_ENABLE_CORE": false, "THEROCK_ENABLE_BLAS": true})
		assert.ErrorIs(t, err, descriptor.ErrConfiguration)
	})

	t.Run("unknown override", func(t *testing.T) {
		_, err := declared(t).Resolve(map[string]bool{"NOPE": true})
		assert.ErrorIs(t, err, descriptor.ErrConfiguration)
	})

	t.Run("unknown requirement", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.Declare(Option{Name: "A", Requires: []string{"B"}}))
		_, err := g.Resolve(nil)
		assert.ErrorIs(t, err, descriptor.ErrConfiguration)
	})

	t.Run("cycle", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.Declare(Option{Name: "A", Requires: []string{"B"}}))
		require.NoError(t, g.Declare(Option{Name: "B", Requires: []string{"A"}}))
		_, err := g.Resolve(nil)
		assert.ErrorIs(t, err, descriptor.ErrConfiguration)
		assert.Contains(t, err.Error(), "A -> B -> A")
	})

	t.Run("duplicate", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.Declare(Option{Name: "A"}))
		assert.ErrorIs(t, g.Declare(Option{Name: "A"}), descriptor.ErrConfiguration)
	})
}
