// Package session implements the session controller: pause, resume,
// cancel, and retry, each atomic against the store and each
// responsible for inserting the signal row the running orchestrator polls
// to learn about out-of-band operator intent.
package session

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/apierrors"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/events/bus"
	"github.com/substratehq/substrate/internal/logger"
	"github.com/substratehq/substrate/internal/store"
)

// Controller exposes the four session operations.
type Controller struct {
	store  *store.Store
	bus    bus.Bus
	logger *logger.Logger
}

// New constructs a Controller.
func New(st *store.Store, b bus.Bus, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Default()
	}
	return &Controller{store: st, bus: b, logger: log.WithFields(zap.String("component", "session-controller"))}
}

// PauseResult reports the outcome of Pause.
type PauseResult struct {
	CompletedTasks int
	PendingTasks   int
}

// Pause transitions an active session to paused and records a pause
// signal. Calling it against a non-active session is a usage error: it
// returns without mutating anything.
func (c *Controller) Pause(ctx context.Context, sessionID string) (*PauseResult, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, wrapNotFound(sessionID, err)
	}
	if sess.Status != string(store.SessionActive) {
		return nil, apierrors.StateConflict("session %q is %s, not active", sessionID, sess.Status)
	}

	var result PauseResult
	err = c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.store.UpdateSessionStatusTx(ctx, tx, sessionID, string(store.SessionPaused)); err != nil {
			return err
		}
		return c.store.InsertSignalTx(ctx, tx, sessionID, store.SignalPause)
	})
	if err != nil {
		return nil, err
	}

	tasks, err := c.store.ListTasks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		switch t.Status {
		case string(store.TaskCompleted):
			result.CompletedTasks++
		case string(store.TaskPending), string(store.TaskReady):
			result.PendingTasks++
		}
	}

	c.bus.Publish(events.SessionPause, events.SessionSignalPayload{SessionID: sessionID})
	c.audit(ctx, sessionID, events.SessionPause, string(store.SessionActive), string(store.SessionPaused))
	c.logger.Info("session paused", zap.String("session_id", sessionID))
	return &result, nil
}

// ResumeResult reports the outcome of Resume.
type ResumeResult struct {
	PendingTasks int
}

// Resume transitions a paused session back to active and records a
// resume signal.
func (c *Controller) Resume(ctx context.Context, sessionID string) (*ResumeResult, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, wrapNotFound(sessionID, err)
	}
	if sess.Status != string(store.SessionPaused) {
		return nil, apierrors.StateConflict("session %q is %s, not paused", sessionID, sess.Status)
	}

	err = c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.store.UpdateSessionStatusTx(ctx, tx, sessionID, string(store.SessionActive)); err != nil {
			return err
		}
		return c.store.InsertSignalTx(ctx, tx, sessionID, store.SignalResume)
	})
	if err != nil {
		return nil, err
	}

	pending, err := c.store.ListTasksByStatus(ctx, sessionID, string(store.TaskPending))
	if err != nil {
		return nil, err
	}

	c.bus.Publish(events.SessionResume, events.SessionSignalPayload{SessionID: sessionID})
	c.audit(ctx, sessionID, events.SessionResume, string(store.SessionPaused), string(store.SessionActive))
	c.logger.Info("session resumed", zap.String("session_id", sessionID))
	return &ResumeResult{PendingTasks: len(pending)}, nil
}

// CancelResult reports the outcome of Cancel.
type CancelResult struct {
	CancelledTasks int64
}

// Cancel transitions any non-terminal session to cancelled, marks every
// non-terminal task cancelled, and publishes session:cancel, on which the
// worker pool drops the session's queued tasks and terminates its live
// workers. An already-terminal session is a usage error.
func (c *Controller) Cancel(ctx context.Context, sessionID string) (*CancelResult, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, wrapNotFound(sessionID, err)
	}
	if isTerminalSession(sess.Status) {
		return nil, apierrors.StateConflict("session %q is already %s", sessionID, sess.Status)
	}

	var cancelled int64
	err = c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.store.UpdateSessionStatusTx(ctx, tx, sessionID, string(store.SessionCancelled)); err != nil {
			return err
		}
		n, err := c.store.CancelNonTerminalTasksTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		cancelled = n
		return c.store.InsertSignalTx(ctx, tx, sessionID, store.SignalCancel)
	})
	if err != nil {
		return nil, err
	}

	c.bus.Publish(events.SessionCancel, events.SessionSignalPayload{SessionID: sessionID})
	c.audit(ctx, sessionID, events.SessionCancel, sess.Status, string(store.SessionCancelled))
	c.logger.Info("session cancelled", zap.String("session_id", sessionID), zap.Int64("cancelled_tasks", cancelled))
	return &CancelResult{CancelledTasks: cancelled}, nil
}

// audit appends a best-effort session-level row to the append-only log.
func (c *Controller) audit(ctx context.Context, sessionID, event, oldStatus, newStatus string) {
	entry := &store.LogEntry{
		SessionID: sessionID, Event: event,
		OldStatus: &oldStatus, NewStatus: &newStatus,
	}
	if err := c.store.InsertLogEntry(ctx, entry); err != nil {
		c.logger.Warn("failed to append audit log entry",
			zap.String("event", event), zap.String("session_id", sessionID), zap.Error(err))
	}
}

func isTerminalSession(status string) bool {
	switch store.SessionStatus(status) {
	case store.SessionCancelled, store.SessionCompleted, store.SessionAbandoned:
		return true
	default:
		return false
	}
}

// wrapNotFound maps the store's sentinel ErrNotFound onto the typed
// not-found error so callers get a consistent exit code.
func wrapNotFound(sessionID string, err error) error {
	if err == store.ErrNotFound {
		return apierrors.NotFound("session %q not found", sessionID)
	}
	return err
}
