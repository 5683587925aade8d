package amdgpu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFamilies(t *testing.T) {
	assert.Equal(t, "gfx94X", FamilyFromGroup("gfx94X-dcgpu"))
	assert.Equal(t, "gfx1151", FamilyFromGroup("gfx1151"))
	assert.Equal(t, Generic, BundleFamily("any"))
	assert.Equal(t, Generic, BundleFamily(""))
	assert.Equal(t, "gfx110X", BundleFamily("gfx110X"))
	assert.Equal(t, "gfx94X", FamilyForTarget("gfx942"))
	assert.Equal(t, "gfx110X", FamilyForTarget("gfx1100"))
	assert.Equal(t, "gfx94X", FamilyForTarget("gfx94X"))

	assert.True(t, ValidFamily("generic"))
	assert.True(t, ValidFamily("gfx94X"))
	assert.False(t, ValidFamily("gfx94X-dcgpu"))
	assert.False(t, ValidFamily("../etc"))
}

func TestTargetFromVersion(t *testing.T) {
	for v, want := range map[int]string{
		90402:  "gfx942",
		90010:  "gfx90a",
		100300: "gfx1030",
		110001: "gfx1101",
		120001: "gfx1201",
	} {
		got, err := TargetFromVersion(v)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := TargetFromVersion(0)
	assert.Error(t, err)
}

func TestDetector(t *testing.T) {
	root := t.TempDir()
	write := func(node, body string) {
		dir := filepath.Join(root, node)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "properties"), []byte(body), 0o644))
	}
	write("0", "cpu_cores_count 64\ngfx_target_version 0\n")
	write("1", "simd_count 304\ngfx_target_version 90402\n")
	write("2", "simd_count 304\ngfx_target_version 90402\n")

	d := NewDetector(root, zap.NewNop())
	targets, err := d.Targets()
	require.NoError(t, err)
	assert.Equal(t, []string{"gfx942"}, targets)

	family, err := d.Family()
	require.NoError(t, err)
	assert.Equal(t, "gfx94X", family)

	empty, err := NewDetector(filepath.Join(root, "missing"), zap.NewNop()).Family()
	require.NoError(t, err)
	assert.Empty(t, empty)
}
