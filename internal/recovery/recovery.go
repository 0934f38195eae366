// Package recovery implements crash recovery: on orchestrator
// startup, every non-terminal session's `running` tasks are reconciled,
// since a `running` row with no live worker means the orchestrator died
// mid-task the last time it ran.
package recovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/graph"
	"github.com/substratehq/substrate/internal/logger"
	"github.com/substratehq/substrate/internal/store"
)

// Action records one task's recovery disposition.
type Action struct {
	SessionID string
	TaskID    string
	Outcome   string // "recovered" | "failed"
}

// Summary is the result of a full recovery pass.
type Summary struct {
	Recovered  int
	Failed     int
	Actions    []Action
	NewlyReady int
}

const crashMessage = "Process crashed and max retries exceeded"

// Run scans every session not in a terminal status for tasks stuck
// `running`, resets retryable ones to `pending` and fails the rest, then
// recomputes each affected session's ready set.
func Run(ctx context.Context, st *store.Store, log *logger.Logger) (*Summary, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "recovery"))

	sessions, err := st.ListNonTerminalSessions(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for _, sess := range sessions {
		running, err := st.ListTasksByStatus(ctx, sess.ID, string(store.TaskRunning))
		if err != nil {
			return nil, err
		}

		for _, t := range running {
			if t.RetryCount < t.MaxRetries {
				if err := st.RecoverToPending(ctx, sess.ID, t.ID); err != nil {
					return nil, err
				}
				summary.Recovered++
				summary.Actions = append(summary.Actions, Action{SessionID: sess.ID, TaskID: t.ID, Outcome: "recovered"})
				log.Info("recovered crashed task to pending", zap.String("session_id", sess.ID), zap.String("task_id", t.ID))
			} else {
				if err := st.RecoverToFailed(ctx, sess.ID, t.ID); err != nil {
					return nil, err
				}
				summary.Failed++
				summary.Actions = append(summary.Actions, Action{SessionID: sess.ID, TaskID: t.ID, Outcome: "failed"})
				log.Warn("crashed task exceeded max retries, marking failed",
					zap.String("session_id", sess.ID), zap.String("task_id", t.ID), zap.String("error", crashMessage))
			}
		}

		if len(running) == 0 {
			continue
		}
		ready, err := graph.ComputeReadySet(ctx, st, sess.ID)
		if err != nil {
			return nil, err
		}
		summary.NewlyReady += len(ready)
	}

	return summary, nil
}

// ArchiveFirstInterrupted finds the first session left in status
// `interrupted` and moves it to `abandoned`, returning its id (empty if
// none was found).
func ArchiveFirstInterrupted(ctx context.Context, st *store.Store) (string, error) {
	sess, err := st.FindFirstInterruptedSession(ctx)
	if err != nil {
		if err == store.ErrNotFound {
			return "", nil
		}
		return "", err
	}
	if err := st.ArchiveSession(ctx, sess.ID); err != nil {
		return "", err
	}
	return sess.ID, nil
}
