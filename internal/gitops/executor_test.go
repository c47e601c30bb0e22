package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-platform/bifrost/internal/cache"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("initial"), 0o644))
	run("add", ".")
	run("commit", "-m", "feat: initial commit")

	return dir
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New("redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return NewExecutor(c, nil)
}

func TestExecute_StatusCleanRepo(t *testing.T) {
	repo := setupTestRepo(t)
	e := newTestExecutor(t)

	result, err := e.Execute(context.Background(), Request{JobID: "job-1", RepoRoot: repo, Operation: OpStatus})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Working tree clean", result.Output)
}

func TestExecute_StatusModifiedFile(t *testing.T) {
	repo := setupTestRepo(t)
	e := newTestExecutor(t)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "initial.txt"), []byte("modified"), 0o644))

	result, err := e.Execute(context.Background(), Request{JobID: "job-1", RepoRoot: repo, Operation: OpStatus})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "Modified")
	assert.Contains(t, result.Output, "initial.txt")
}

func TestExecute_CommitRequiresConventionalFormat(t *testing.T) {
	repo := setupTestRepo(t)
	e := newTestExecutor(t)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "initial.txt"), []byte("modified"), 0o644))

	_, err := e.Execute(context.Background(), Request{
		JobID: "job-1", RepoRoot: repo, Operation: OpCommit,
		Params: map[string]any{"message": "not conventional", "stage_all": true},
	})
	assert.Error(t, err)
}

func TestExecute_CommitSucceeds(t *testing.T) {
	repo := setupTestRepo(t)
	e := newTestExecutor(t)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "initial.txt"), []byte("modified"), 0o644))

	result, err := e.Execute(context.Background(), Request{
		JobID: "job-1", RepoRoot: repo, Operation: OpCommit,
		Params: map[string]any{"message": "fix: update initial file", "stage_all": true},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "Committed")
}

func TestExecute_CommitNothingStagedFails(t *testing.T) {
	repo := setupTestRepo(t)
	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), Request{
		JobID: "job-1", RepoRoot: repo, Operation: OpCommit,
		Params: map[string]any{"message": "fix: nothing changed"},
	})
	assert.Error(t, err)
}

func TestExecute_DiffShowsUnstagedChange(t *testing.T) {
	repo := setupTestRepo(t)
	e := newTestExecutor(t)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "initial.txt"), []byte("modified content"), 0o644))

	result, err := e.Execute(context.Background(), Request{JobID: "job-1", RepoRoot: repo, Operation: OpDiff})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "initial.txt")
}

func TestExecute_RejectsNonAbsoluteRepoRoot(t *testing.T) {
	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), Request{JobID: "job-1", RepoRoot: "relative/path", Operation: OpStatus})
	assert.Error(t, err)
}

func TestExecute_RejectsPathTraversal(t *testing.T) {
	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), Request{JobID: "job-1", RepoRoot: "/tmp/../etc", Operation: OpStatus})
	assert.Error(t, err)
}

func TestExecute_ResolveWithoutConflictsFails(t *testing.T) {
	repo := setupTestRepo(t)
	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), Request{
		JobID: "job-1", RepoRoot: repo, Operation: OpResolve,
		Params: map[string]any{"strategy": "ours"},
	})
	assert.Error(t, err)
}

func TestExecute_SyncPreviewOnCleanRepoWithNoRemote(t *testing.T) {
	repo := setupTestRepo(t)
	e := newTestExecutor(t)

	// With no configured remote there is no upstream to compare against;
	// sync_preview surfaces that failure rather than silently reporting a
	// clean preview.
	_, err := e.Execute(context.Background(), Request{JobID: "job-1", RepoRoot: repo, Operation: OpSyncPreview})
	assert.Error(t, err)
}

func TestValidateConventionalCommit(t *testing.T) {
	assert.True(t, ValidateConventionalCommit("feat: add new thing"))
	assert.True(t, ValidateConventionalCommit("fix(parser): handle empty input"))
	assert.False(t, ValidateConventionalCommit("updated stuff"))
}
