package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/substratehq/substrate/internal/apierrors"
)

// Warnings are non-fatal validation findings (e.g. an agent id that does
// not match any registered adapter) — graphs can be authored before a full
// adapter set is installed.
type Warnings []string

// KnownAgent is satisfied by the adapter registry; Validate takes it as an
// interface so this package never imports internal/adapter.
type KnownAgent interface {
	HasAdapter(id string) bool
}

// Validate checks version support, dependency referential integrity, and
// acyclicity. Unknown agent ids and unrecognized task types are returned as
// warnings, never errors, so a graph can be authored ahead of adapter
// registration. known may be nil, in which case agent ids are not checked.
func Validate(f *File, known KnownAgent) (Warnings, error) {
	if !supportedVersions[f.Version] {
		return nil, apierrors.Validation("unsupported graph version %q", f.Version)
	}

	var warnings Warnings

	for id, t := range f.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := f.Tasks[dep]; !ok {
				return nil, apierrors.Validation("task %q depends on undeclared task %q", id, dep)
			}
		}
		if t.Agent != nil && known != nil && !known.HasAdapter(*t.Agent) {
			warnings = append(warnings, fmt.Sprintf("task %q references unregistered agent %q", id, *t.Agent))
		}
		if t.Type != "" && !taskTypes[t.Type] {
			warnings = append(warnings, fmt.Sprintf("task %q has unrecognized type %q", id, t.Type))
		}
	}

	if cycle := findCycle(f.Tasks); cycle != nil {
		return nil, apierrors.Validation("Circular dependency detected: %s", renderCycle(cycle))
	}

	sort.Strings(warnings)
	return warnings, nil
}

// findCycle returns the task ids forming a cycle, or nil if the dependency
// graph is acyclic. It runs a classic three-color DFS (white/gray/black)
// over a deterministically ordered task-id set so repeated validation of
// the same graph reports the same cycle path.
func findCycle(tasks map[string]Task) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var path []string

	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		deps := append([]string(nil), tasks[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			case gray:
				start := indexOf(path, dep)
				cycle := append([]string(nil), path[start:]...)
				return append(cycle, dep)
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func renderCycle(cycle []string) string {
	return strings.Join(cycle, " → ")
}
