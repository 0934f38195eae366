package graph

import (
	"context"
	"sort"

	"github.com/substratehq/substrate/internal/store"
)

// terminalPredecessor reports whether a predecessor's status satisfies the
// ready-set rule: completed or cancelled.
func terminalPredecessor(status string) bool {
	return status == string(store.TaskCompleted) || status == string(store.TaskCancelled)
}

// ComputeReadySet returns every pending task in sessionID whose entire
// predecessor set is completed or cancelled.
// The result is ordered by task id for determinism.
func ComputeReadySet(ctx context.Context, st *store.Store, sessionID string) ([]store.Task, error) {
	tasks, err := st.ListTasks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	deps, err := st.ListTaskDependencies(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	statusByID := make(map[string]string, len(tasks))
	for _, t := range tasks {
		statusByID[t.ID] = t.Status
	}

	predecessorsOf := make(map[string][]string)
	for _, d := range deps {
		predecessorsOf[d.TaskID] = append(predecessorsOf[d.TaskID], d.DependsOn)
	}

	var ready []store.Task
	for _, t := range tasks {
		if t.Status != string(store.TaskPending) {
			continue
		}
		allTerminal := true
		for _, pred := range predecessorsOf[t.ID] {
			if !terminalPredecessor(statusByID[pred]) {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready, nil
}

// TopologicalOrder returns every task id in f in Kahn-style
// topological order. The scheduler itself never needs a total order, only
// "eligible now" membership from ComputeReadySet; the `graph` command uses
// this order for rendering.
func TopologicalOrder(f *File) []string {
	indegree := make(map[string]int, len(f.Tasks))
	dependents := make(map[string][]string)
	for id := range f.Tasks {
		indegree[id] = 0
	}
	for id, spec := range f.Tasks {
		for _, dep := range spec.DependsOn {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
				sort.Strings(queue)
			}
		}
	}
	return order
}
