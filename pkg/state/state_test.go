package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathsFor(t *testing.T) {
	p := PathsFor("/data/roomlog/")
	assert.Equal(t, "/data/roomlog", p.DB)
	assert.Equal(t, "/data/roomlog/store", p.Store)
	assert.Equal(t, "/data/roomlog/state/audit", p.Audit)
	assert.Equal(t, "/data/roomlog/state/telemetry", p.Telemetry)

	assert.Equal(t, ".roomlog", PathsFor("  ").DB)
}

func TestEnsure(t *testing.T) {
	p := PathsFor(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, p.Ensure())
	for _, dir := range p.dirs() {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
	require.NoError(t, p.Ensure())
}

func TestEnsureRejectsFileAndSymlink(t *testing.T) {
	root := t.TempDir()
	p := PathsFor(filepath.Join(root, "db"))
	require.NoError(t, os.MkdirAll(p.DB, 0o700))
	require.NoError(t, os.WriteFile(p.Store, []byte("x"), 0o600))
	assert.ErrorContains(t, p.Ensure(), "not a directory")

	require.NoError(t, os.Remove(p.Store))
	target := filepath.Join(root, "elsewhere")
	require.NoError(t, os.MkdirAll(target, 0o700))
	require.NoError(t, os.Symlink(target, p.Store))
	assert.ErrorContains(t, p.Ensure(), "symlink")
}
