package gitclone

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/internal/store"
)

func initSourceRepo(t *testing.T) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	var shas []string
	for i, content := range []string{"one", "two"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte(content), 0o644))
		_, err = wt.Add("file.txt")
		require.NoError(t, err)
		hash, err := wt.Commit("commit "+content, &git.CommitOptions{
			Author: &object.Signature{Name: "Dev", Email: "dev@example.com"},
		})
		require.NoError(t, err)
		shas = append(shas, hash.String())
		_ = i
	}
	return dir, shas
}

func TestCloneAtSHA(t *testing.T) {
	src, shas := initSourceRepo(t)
	dst := filepath.Join(t.TempDir(), "job-1")

	var progress bytes.Buffer
	resolved, err := Clone(context.Background(), dst, CloneOpts{
		URL: src, SHA: shas[0], Ref: "refs/heads/master", Progress: &progress,
	})
	require.NoError(t, err)
	assert.Equal(t, shas[0], resolved)

	content, err := os.ReadFile(filepath.Join(dst, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(content))
}

func TestCloneSentinelResolvesTip(t *testing.T) {
	src, shas := initSourceRepo(t)
	dst := filepath.Join(t.TempDir(), "job-2")

	resolved, err := Clone(context.Background(), dst, CloneOpts{
		URL: src, SHA: store.SHASentinel, Ref: "refs/heads/master", Progress: &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Equal(t, shas[1], resolved)
}

func TestCloneReplacesExistingWorkspace(t *testing.T) {
	src, shas := initSourceRepo(t)
	dst := filepath.Join(t.TempDir(), "job-3")
	require.NoError(t, os.MkdirAll(dst, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "stale.txt"), []byte("old"), 0o644))

	_, err := Clone(context.Background(), dst, CloneOpts{
		URL: src, SHA: shas[1], Ref: "refs/heads/master", Progress: &bytes.Buffer{},
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dst, "stale.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCloneBadURL(t *testing.T) {
	_, err := Clone(context.Background(), filepath.Join(t.TempDir(), "job-4"), CloneOpts{
		URL: filepath.Join(t.TempDir(), "does-not-exist"), SHA: store.SHASentinel, Ref: "refs/heads/main",
		Progress: &bytes.Buffer{},
	})
	assert.Error(t, err)
}
