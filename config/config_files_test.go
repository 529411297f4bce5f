package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("a: b"), 0644))
	}
}

// A path given directly is used no matter its extension.
func TestResolve_SimpleFile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "virtq.conf")

	files, err := resolve(filepath.Join(dir, "virtq.conf"), true)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "virtq.conf")}, files)
}

// Only .yaml and .yml files are picked up when walking a directory.
func TestResolve_MultipleFilesInFolder(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "b.yaml", "a.notyaml", "c.yml", "README")

	files, err := resolve(dir, true)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "c.yml"),
	}, files)
}

// Nested directories are walked in lexical order.
func TestResolve_MultipleFoldersSorting(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"20-queues.yaml",
		"10-memory/b.yaml",
		"10-memory/a.yaml",
		"30-stats/nested/x.yml",
	)

	files, err := resolve(dir, true)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "10-memory/a.yaml"),
		filepath.Join(dir, "10-memory/b.yaml"),
		filepath.Join(dir, "20-queues.yaml"),
		filepath.Join(dir, "30-stats/nested/x.yml"),
	}, files)
}

func TestResolve_Missing(t *testing.T) {
	_, err := resolve(filepath.Join(t.TempDir(), "nope"), true)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
