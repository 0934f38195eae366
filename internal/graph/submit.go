package graph

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/substratehq/substrate/internal/apierrors"
	"github.com/substratehq/substrate/internal/store"
)

// Submit atomically inserts a new session, its tasks, and its dependency
// edges. Submitting the same session id twice is refused; a fresh session
// id always starts an independent session.
//
// The graph is assumed to have already passed Validate.
func Submit(ctx context.Context, st *store.Store, sessionID, graphSource, baseBranch string, f *File) error {
	if _, err := st.GetSession(ctx, sessionID); err == nil {
		return apierrors.StateConflict("session %q already exists", sessionID)
	} else if err != store.ErrNotFound {
		return err
	}

	return st.WithTx(ctx, func(tx *sqlx.Tx) error {
		sess := &store.Session{
			ID:          sessionID,
			GraphSource: graphSource,
			Status:      string(store.SessionActive),
			BaseBranch:  baseBranch,
			BudgetUSD:   f.Session.BudgetUSD,
		}
		if err := st.CreateSessionTx(ctx, tx, sess); err != nil {
			return err
		}

		for id, spec := range f.Tasks {
			t := &store.Task{
				ID:        id,
				SessionID: sessionID,
				Name:      spec.Name,
				Prompt:    spec.Prompt,
				TaskType:  spec.Type,
				Status:    string(store.TaskPending),
				AgentID:   spec.Agent,
			}
			if spec.MaxRetries != nil {
				t.MaxRetries = *spec.MaxRetries
			}
			if err := st.InsertTaskTx(ctx, tx, t); err != nil {
				return err
			}
		}

		for id, spec := range f.Tasks {
			for _, dep := range spec.DependsOn {
				edge := &store.TaskDependency{SessionID: sessionID, TaskID: id, DependsOn: dep}
				if err := st.InsertTaskDependencyTx(ctx, tx, edge); err != nil {
					return err
				}
			}
		}

		return nil
	})
}
