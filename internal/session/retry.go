package session

import (
	"context"
	"sort"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/apierrors"
	"github.com/substratehq/substrate/internal/store"
)

// RetryOutcome describes what happened to one failed task during a Retry
// call.
type RetryOutcome struct {
	TaskID string
	Action string // "retried" | "skipped_over_retry_limit" | "skipped_deps_unmet"
}

// RetryResult is the report produced by Retry, whether or not it was a
// dry run.
type RetryResult struct {
	DryRun   bool
	Outcomes []RetryOutcome
}

// Retry resets failed tasks back to pending. With taskID nil, every
// failed task under its retry limit is retried in one signal-raising
// transaction. With taskID set, only that task is considered, and its
// declared predecessors must all be completed or the call is refused.
// DryRun produces the same report without mutating anything.
func (c *Controller) Retry(ctx context.Context, sessionID string, taskID *string, dryRun bool) (*RetryResult, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, wrapNotFound(sessionID, err)
	}

	candidates, err := c.candidateTasks(ctx, sessionID, taskID)
	if err != nil {
		return nil, err
	}

	result := &RetryResult{DryRun: dryRun}
	var toRetry []string
	for _, t := range candidates {
		if t.RetryCount >= t.MaxRetries {
			result.Outcomes = append(result.Outcomes, RetryOutcome{TaskID: t.ID, Action: "skipped_over_retry_limit"})
			continue
		}
		if taskID != nil {
			met, err := c.predecessorsCompleted(ctx, sessionID, t.ID)
			if err != nil {
				return nil, err
			}
			if !met {
				if dryRun {
					result.Outcomes = append(result.Outcomes, RetryOutcome{TaskID: t.ID, Action: "skipped_deps_unmet"})
					continue
				}
				return nil, apierrors.StateConflict("task %q has incomplete predecessors, cannot retry", t.ID)
			}
		}
		toRetry = append(toRetry, t.ID)
		result.Outcomes = append(result.Outcomes, RetryOutcome{TaskID: t.ID, Action: "retried"})
	}

	if dryRun || len(toRetry) == 0 {
		return result, nil
	}

	err = c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range toRetry {
			if err := c.store.ResetTaskForRetryTx(ctx, tx, sessionID, id); err != nil {
				return err
			}
		}
		// A session whose tasks all reached terminal statuses was marked
		// completed; putting tasks back to pending must revive it, or the
		// engine's dispatch gate would refuse to schedule them. Cancelled
		// and abandoned sessions stay put: cancel is an operator decision
		// retry does not override.
		switch store.SessionStatus(sess.Status) {
		case store.SessionCompleted, store.SessionPaused, store.SessionInterrupted:
			if err := c.store.UpdateSessionStatusTx(ctx, tx, sessionID, string(store.SessionActive)); err != nil {
				return err
			}
		}
		return c.store.InsertSignalTx(ctx, tx, sessionID, store.SignalResume)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("retried failed tasks", zap.String("session_id", sessionID), zap.Int("count", len(toRetry)))
	return result, nil
}

func (c *Controller) candidateTasks(ctx context.Context, sessionID string, taskID *string) ([]store.Task, error) {
	if taskID != nil {
		t, err := c.store.GetTask(ctx, sessionID, *taskID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, apierrors.NotFound("task %q not found in session %q", *taskID, sessionID)
			}
			return nil, err
		}
		if t.Status != string(store.TaskFailed) {
			return nil, apierrors.StateConflict("task %q is %s, not failed", t.ID, t.Status)
		}
		return []store.Task{*t}, nil
	}

	failed, err := c.store.ListTasksByStatus(ctx, sessionID, string(store.TaskFailed))
	if err != nil {
		return nil, err
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	return failed, nil
}

func (c *Controller) predecessorsCompleted(ctx context.Context, sessionID, taskID string) (bool, error) {
	deps, err := c.store.ListTaskDependencies(ctx, sessionID)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if d.TaskID != taskID {
			continue
		}
		pred, err := c.store.GetTask(ctx, sessionID, d.DependsOn)
		if err != nil {
			return false, err
		}
		if pred.Status != string(store.TaskCompleted) {
			return false, nil
		}
	}
	return true, nil
}
