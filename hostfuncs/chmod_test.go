package hostfuncs

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeFileExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no execute bits on windows")
	}
	root, dir := openRoot(t)
	path := filepath.Join(dir, "bin", "server")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o640))

	require.NoError(t, MakeFileExecutable(root, "bin/server"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o751), info.Mode().Perm())
}

func TestMakeFileExecutable_Errors(t *testing.T) {
	root, dir := openRoot(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	assert.Error(t, MakeFileExecutable(root, "missing"))
	assert.Error(t, MakeFileExecutable(root, "sub"))
	assert.Error(t, MakeFileExecutable(root, "../../etc/passwd"))
}
