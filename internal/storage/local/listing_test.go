package local_test

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/storage/local"
)

func newMemStore(t *testing.T) (*local.Store, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store, err := local.New(local.Config{BaseDir: "/downloads"}, fsys)
	require.NoError(t, err)
	return store, fsys
}

func writeFiles(t *testing.T, fsys afero.Fs, files map[string]string) {
	t.Helper()
	for path, body := range files {
		require.NoError(t, afero.WriteFile(fsys, path, []byte(body), 0o600))
	}
}

func TestListTargets(t *testing.T) {
	t.Parallel()

	store, fsys := newMemStore(t)
	writeFiles(t, fsys, map[string]string{
		"/downloads/bob/clip.mp4":        "vvvv",
		"/downloads/alice/a.jpg":         "aa",
		"/downloads/alice/b.JPEG":        "bbb",
		"/downloads/alice/nested/c.webm": "c",
		"/downloads/alice/notes.txt":     "n",
		"/downloads/alice/.part-123":     "partial",
		"/downloads/alice/metadata.json": `{"job_id":"j1","downloaded":3}`,
		"/downloads/.hidden/x.jpg":       "x",
		"/downloads/loose.jpg":           "l",
	})

	targets, err := store.ListTargets()
	require.NoError(t, err)
	require.Len(t, targets, 2)

	alice := targets[0]
	assert.Equal(t, "alice", alice.Name)
	assert.Equal(t, "/downloads/alice", alice.Dir)
	assert.Equal(t, local.MediaCounts{Images: 2, Videos: 1, Other: 1, Total: 4}, alice.Media)
	assert.Equal(t, int64(7), alice.Bytes)

	var summary map[string]any
	require.NoError(t, json.Unmarshal(alice.Summary, &summary))
	assert.Equal(t, "j1", summary["job_id"])

	bob := targets[1]
	assert.Equal(t, "bob", bob.Name)
	assert.Equal(t, 1, bob.Media.Videos)
	assert.Nil(t, bob.Summary)
}

func TestListTargetsSkipsInvalidSummary(t *testing.T) {
	t.Parallel()

	store, fsys := newMemStore(t)
	writeFiles(t, fsys, map[string]string{
		"/downloads/carol/metadata.json": "{not json",
	})

	targets, err := store.ListTargets()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Nil(t, targets[0].Summary)
	assert.Zero(t, targets[0].Media.Total)
}

func TestListTargetsMissingRootIsEmpty(t *testing.T) {
	t.Parallel()

	store, fsys := newMemStore(t)
	require.NoError(t, fsys.RemoveAll("/downloads"))

	targets, err := store.ListTargets()
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	store, fsys := newMemStore(t)
	writeFiles(t, fsys, map[string]string{
		"/downloads/alice/a.jpg": "image-bytes",
		"/secret.txt":            "nope",
	})

	f, info, err := store.Open("alice/a.jpg")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.Equal(t, int64(11), info.Size())
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))

	for _, rel := range []string{"", "/secret.txt", "../secret.txt", "alice/../../secret.txt", `alice\a.jpg`} {
		_, _, err := store.Open(rel)
		assert.ErrorIs(t, err, local.ErrInvalidPath, rel)
	}

	_, _, err = store.Open("alice/missing.jpg")
	assert.ErrorIs(t, err, local.ErrFileNotFound)
	_, _, err = store.Open("alice")
	assert.ErrorIs(t, err, local.ErrFileNotFound)
}
