package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/events/bus"
)

// initGitRepo creates a minimal git repository with one commit on "main",
// suitable as the projectRoot for a Manager under test.
func initGitRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("seed"), 0o644))
	run("add", ".")
	run("commit", "-m", "seed")
	return root
}

func TestManager_Create_EmitsWorktreeCreated(t *testing.T) {
	root := initGitRepo(t)
	baseDir := filepath.Join(root, ".substrate-worktrees")
	b := bus.NewMemoryBus(nil)
	m := New(root, baseDir, nil, b, nil)

	var got bool
	var payload events.WorktreeCreatedPayload
	b.Subscribe(events.WorktreeCreated, func(_ string, p interface{}) error {
		got = true
		payload = p.(events.WorktreeCreatedPayload)
		return nil
	})

	info, err := m.Create(context.Background(), "sess-1", "task-1", "main")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(baseDir, "task-1"), info.Path)
	require.Equal(t, "substrate/task-task-1", info.Branch)
	require.DirExists(t, info.Path)
	require.True(t, got, "worktree:created must be published")
	require.Equal(t, info.Path, payload.WorktreePath)
	require.Equal(t, info.Branch, payload.BranchName)
}

func TestManager_Create_ReusesExistingWorktree(t *testing.T) {
	root := initGitRepo(t)
	baseDir := filepath.Join(root, ".substrate-worktrees")
	b := bus.NewMemoryBus(nil)
	m := New(root, baseDir, nil, b, nil)

	first, err := m.Create(context.Background(), "sess-1", "task-1", "main")
	require.NoError(t, err)

	second, err := m.Create(context.Background(), "sess-1", "task-1", "main")
	require.NoError(t, err)
	require.Equal(t, first.Path, second.Path)
}

func TestManager_List_ReturnsEntryPerWorktreeDir(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "task-a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "task-b"), 0o755))

	m := New(t.TempDir(), baseDir, nil, bus.NewMemoryBus(nil), nil)
	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
}

func TestManager_List_MissingBaseDirIsEmptyNotError(t *testing.T) {
	m := New(t.TempDir(), filepath.Join(t.TempDir(), "nonexistent"), nil, bus.NewMemoryBus(nil), nil)
	infos, err := m.List()
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestManager_Orphans_FiltersOutActiveTaskIDs(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "task-active"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "task-orphan"), 0o755))

	m := New(t.TempDir(), baseDir, nil, bus.NewMemoryBus(nil), nil)
	orphans, err := m.Orphans(map[string]bool{"task-active": true})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "task-orphan", orphans[0].TaskID)
}

func TestManager_Reconcile_RemovesOnlyOrphans(t *testing.T) {
	root := initGitRepo(t)
	baseDir := filepath.Join(root, ".substrate-worktrees")
	b := bus.NewMemoryBus(nil)
	m := New(root, baseDir, nil, b, nil)

	_, err := m.Create(context.Background(), "sess-1", "task-keep", "main")
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "sess-1", "task-drop", "main")
	require.NoError(t, err)

	removed, err := m.Reconcile(context.Background(), map[string]bool{"task-keep": true})
	require.NoError(t, err)
	require.Equal(t, []string{"task-drop"}, removed)

	require.DirExists(t, filepath.Join(baseDir, "task-keep"))
	require.NoDirExists(t, filepath.Join(baseDir, "task-drop"))
}
