// Package local_test tests the local download root.
package local_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()}, nil)
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		_, err := local.New(local.Config{BaseDir: "/data/downloads"}, fsys)
		require.NoError(t, err)
		ok, err := afero.DirExists(fsys, "/data/downloads")
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{}, nil)
		assert.Error(t, err)
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fsys, "/file", []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: "/file"}, fsys)
		assert.Error(t, err)
	})
	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		tempDir := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(tempDir, 0o500))
		_, err := local.New(local.Config{BaseDir: tempDir}, nil)
		assert.Error(t, err)
		// #nosec G302 -- reverting permissions to allow cleanup in the test environment.
		require.NoError(t, os.Chmod(tempDir, 0o700))
	})
}

func TestTargetDir(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	store, err := local.New(local.Config{BaseDir: "/downloads"}, fsys)
	require.NoError(t, err)

	dir, err := store.TargetDir("alice")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/downloads", "alice"), dir)
	ok, err := afero.DirExists(fsys, dir)
	require.NoError(t, err)
	assert.True(t, ok)

	dir, err = store.TargetDir("../../etc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/downloads", "etc"), dir)

	dir, err = store.TargetDir("https://example.com/p/abc?x=1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/downloads", "example.com_p_abc_x_1"), dir)

	_, err = store.TargetDir("..")
	assert.Error(t, err)
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	store, err := local.New(local.Config{BaseDir: "/downloads"}, fsys)
	require.NoError(t, err)
	dir, err := store.TargetDir("alice")
	require.NoError(t, err)

	path, err := store.WriteJSON(dir, "metadata.json", map[string]any{"target": "alice", "items": 3})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "metadata.json"), path)

	data, err := afero.ReadFile(fsys, path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "alice", decoded["target"])

	exists, err := afero.Exists(fsys, path+".tmp")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.WriteJSON("/elsewhere", "x.json", 1)
	assert.Error(t, err)
}
