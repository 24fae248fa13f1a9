package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_LoadMissing(t *testing.T) {
	s := NewFileStore(t.TempDir())
	names, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.NotNil(t, names)
}

func TestFileStore_SaveLoad(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root)

	require.NoError(t, s.Save([]string{"rust", "go", "rust"}))
	assert.Equal(t, filepath.Join(root, "config", "plugins.yaml"), s.ConfigPath())

	names, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "rust"}, names)

	// Shrinking the list truncates the previous content.
	require.NoError(t, s.Save([]string{"go"}))
	names, err = NewFileStore(root).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, names)

	require.NoError(t, s.Save(nil))
	names, err = s.Load()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFileStore_Options(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "disabled.yaml")
	s := NewFileStore("/unused", WithPath(path), WithFilePermissions(0o600), WithDirPermissions(0o700))
	require.NoError(t, s.Save([]string{"a"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_LoadCorrupt(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.ConfigPath()), 0o755))
	require.NoError(t, os.WriteFile(s.ConfigPath(), []byte("disabled: {not: [a list"), 0o644))

	_, err := s.Load()
	assert.Error(t, err)
}
