// Package graph implements the task-graph engine: loading and
// validating a task graph file, atomically persisting it as a session with
// its tasks and dependency edges, computing the ready set, and mediating
// every task-level status transition in response to worker-pool events.
package graph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// supportedVersions is the set of task graph file versions this engine
// accepts. Unlisted versions are rejected at load time.
var supportedVersions = map[string]bool{"1": true, "1.0": true}

// File is the parsed task graph document.
type File struct {
	Version string          `yaml:"version"`
	Session SessionSpec     `yaml:"session"`
	Tasks   map[string]Task `yaml:"tasks"`
}

// SessionSpec is the session metadata block of a graph file.
type SessionSpec struct {
	Name      string   `yaml:"name"`
	BudgetUSD *float64 `yaml:"budget_usd,omitempty"`
}

// Task is one task-id entry in a graph file's tasks mapping.
type Task struct {
	Name        string   `yaml:"name"`
	Prompt      string   `yaml:"prompt"`
	Type        string   `yaml:"type"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
	Agent       *string  `yaml:"agent,omitempty"`
	Description *string  `yaml:"description,omitempty"`
	MaxRetries  *int     `yaml:"max_retries,omitempty"`
}

// taskTypes is the set of recognized task `type` values; an unrecognized
// type surfaces as a validation warning (see Validate), not an error, since
// a graph can still run against an agent that doesn't care about type.
var taskTypes = map[string]bool{
	"coding": true, "testing": true, "review": true, "refactor": true,
	"debug": true, "document": true, "analyze": true,
}

// LoadFile reads and parses a task graph file from disk. It does not
// validate the graph's structure; call Validate for that.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse graph file: %w", err)
	}
	return &f, nil
}
