// Package worktree implements the git worktree manager: for each ready
// task it creates an isolated branch and working copy so concurrent
// tasks never share filesystem state, then emits worktree:created — the
// event the worker-pool manager waits on before ever spawning a subprocess.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/apierrors"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/events/bus"
	"github.com/substratehq/substrate/internal/logger"
	"github.com/substratehq/substrate/internal/store"
)

// Info describes one task's isolated working copy.
type Info struct {
	TaskID     string
	SessionID  string
	Path       string
	Branch     string
	BaseBranch string
	CreatedAt  time.Time
}

// Manager creates, lists, and removes per-task worktrees under
// <project>/.substrate-worktrees/<task-id>, on branches named
// substrate/task-<task-id>.
type Manager struct {
	projectRoot string
	baseDir     string
	bus         bus.Bus
	store       *store.Store
	logger      *logger.Logger
}

// New constructs a Manager rooted at projectRoot, with worktrees created
// under baseDir (typically <projectRoot>/.substrate-worktrees), and
// subscribes it to task:ready. A worktree is materialized for every task
// as soon as it becomes ready, ahead of and independent from whether the
// worker pool has a free slot to run it.
func New(projectRoot, baseDir string, st *store.Store, b bus.Bus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		projectRoot: projectRoot,
		baseDir:     baseDir,
		bus:         b,
		store:       st,
		logger:      log.WithFields(zap.String("component", "worktree-manager")),
	}
	b.Subscribe(events.TaskReady, m.onTaskReady)
	return m
}

func (m *Manager) onTaskReady(_ string, payload interface{}) error {
	p, ok := payload.(events.TaskReadyPayload)
	if !ok {
		return nil
	}
	sess, err := m.store.GetSession(context.Background(), p.SessionID)
	if err != nil {
		m.logger.Error("failed to load session for worktree creation",
			zap.String("session_id", p.SessionID), zap.Error(err))
		return nil
	}
	if _, err := m.Create(context.Background(), p.SessionID, p.TaskID, sess.BaseBranch); err != nil {
		m.logger.Error("failed to create worktree for ready task",
			zap.String("task_id", p.TaskID), zap.Error(err))
	}
	return nil
}

// branchName returns the fixed branch-naming convention for a task.
func branchName(taskID string) string {
	return fmt.Sprintf("substrate/task-%s", taskID)
}

// pathFor returns the fixed worktree path for a task.
func (m *Manager) pathFor(taskID string) string {
	return filepath.Join(m.baseDir, taskID)
}

// Create creates a new branch off baseBranch and a worktree for taskID,
// and emits worktree:created. If a worktree already exists for this task
// (e.g. from an earlier crashed run), it is returned unchanged rather than
// recreated.
func (m *Manager) Create(ctx context.Context, sessionID, taskID, baseBranch string) (*Info, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, apierrors.System(err, "failed to create worktree base directory")
	}

	path := m.pathFor(taskID)
	branch := branchName(taskID)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		m.logger.Debug("worktree already exists, reusing", zap.String("task_id", taskID))
	} else {
		if err := m.gitWorktreeAdd(ctx, branch, path, baseBranch); err != nil {
			return nil, err
		}
	}

	info := &Info{
		TaskID: taskID, SessionID: sessionID,
		Path: path, Branch: branch, BaseBranch: baseBranch,
		CreatedAt: time.Now().UTC(),
	}

	m.bus.Publish(events.WorktreeCreated, events.WorktreeCreatedPayload{
		SessionID: sessionID, TaskID: taskID, WorktreePath: path, BranchName: branch,
	})
	return info, nil
}

func (m *Manager) gitWorktreeAdd(ctx context.Context, branch, path, baseRef string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, baseRef)
	cmd.Dir = m.projectRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		return apierrors.SubprocessFailure(err, "git worktree add failed: %s", string(output))
	}
	return nil
}

// Remove deletes a task's worktree directory and, if removeBranch is true,
// its branch.
func (m *Manager) Remove(ctx context.Context, taskID string, removeBranch bool) error {
	path := m.pathFor(taskID)

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = m.projectRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm -rf",
			zap.String("task_id", taskID), zap.String("output", string(output)))
		if err := os.RemoveAll(path); err != nil {
			return apierrors.System(err, "failed to remove worktree directory")
		}
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = m.projectRoot
		_ = prune.Run()
	}

	if removeBranch {
		branch := branchName(taskID)
		cmd := exec.CommandContext(ctx, "git", "branch", "-D", branch)
		cmd.Dir = m.projectRoot
		_ = cmd.Run()
	}
	return nil
}

// List returns every worktree directory under the base dir, with creation
// times from the filesystem.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.System(err, "failed to list worktrees")
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		stat, err := e.Info()
		if err != nil {
			continue
		}
		taskID := e.Name()
		infos = append(infos, Info{
			TaskID:    taskID,
			Path:      m.pathFor(taskID),
			Branch:    branchName(taskID),
			CreatedAt: stat.ModTime(),
		})
	}
	return infos, nil
}

// Orphans returns worktrees whose task id has no corresponding entry in
// activeTaskIDs — left behind by a crashed orchestrator or a task that was
// later deleted from its session.
func (m *Manager) Orphans(activeTaskIDs map[string]bool) ([]Info, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var orphans []Info
	for _, info := range all {
		if !activeTaskIDs[info.TaskID] {
			orphans = append(orphans, info)
		}
	}
	return orphans, nil
}

// Reconcile removes every orphaned worktree found on startup, per the
// orphan-reconciliation supplement. It is best-effort: a single removal
// failure is logged and does not abort the rest of the sweep.
func (m *Manager) Reconcile(ctx context.Context, activeTaskIDs map[string]bool) (removed []string, err error) {
	orphans, err := m.Orphans(activeTaskIDs)
	if err != nil {
		return nil, err
	}
	for _, o := range orphans {
		if rmErr := m.Remove(ctx, o.TaskID, true); rmErr != nil {
			m.logger.Warn("failed to reconcile orphaned worktree",
				zap.String("task_id", o.TaskID), zap.Error(rmErr))
			continue
		}
		removed = append(removed, o.TaskID)
	}
	return removed, nil
}
