package store

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionPaused      SessionStatus = "paused"
	SessionCancelled   SessionStatus = "cancelled"
	SessionCompleted   SessionStatus = "completed"
	SessionInterrupted SessionStatus = "interrupted"
	SessionAbandoned   SessionStatus = "abandoned"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// SignalKind is the type of a durable session control signal.
type SignalKind string

const (
	SignalPause  SignalKind = "pause"
	SignalResume SignalKind = "resume"
	SignalCancel SignalKind = "cancel"
)

// DefaultMaxRetries is applied to a task when a graph file omits max_retries.
const DefaultMaxRetries = 2

// Session is one execution of a task graph; it holds the root budget and
// status used for crash recovery.
type Session struct {
	ID              string    `db:"id" json:"id"`
	GraphSource     string    `db:"graph_source" json:"graphSource"`
	Status          string    `db:"status" json:"status"`
	BaseBranch      string    `db:"base_branch" json:"baseBranch"`
	BudgetUSD       *float64  `db:"budget_usd" json:"budgetUsd,omitempty"`
	TotalCostUSD    float64   `db:"total_cost_usd" json:"totalCostUsd"`
	PlanningCostUSD float64   `db:"planning_cost_usd" json:"planningCostUsd"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

// Task is a unit of work scheduled against an external agent, unique within
// its session.
type Task struct {
	ID             string     `db:"id" json:"id"`
	SessionID      string     `db:"session_id" json:"sessionId"`
	Name           string     `db:"name" json:"name"`
	Prompt         string     `db:"prompt" json:"prompt"`
	TaskType       string     `db:"task_type" json:"taskType"`
	Status         string     `db:"status" json:"status"`
	AgentID        *string    `db:"agent_id" json:"agentId,omitempty"`
	WorkerID       *string    `db:"worker_id" json:"workerId,omitempty"`
	StartedAt      *time.Time `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	InputTokens    int        `db:"input_tokens" json:"inputTokens"`
	OutputTokens   int        `db:"output_tokens" json:"outputTokens"`
	CostUSD        float64    `db:"cost_usd" json:"costUsd"`
	RetryCount     int        `db:"retry_count" json:"retryCount"`
	MaxRetries     int        `db:"max_retries" json:"maxRetries"`
	WorktreePath   *string    `db:"worktree_path" json:"worktreePath,omitempty"`
	BranchName     *string    `db:"branch_name" json:"branchName,omitempty"`
	ExitCode       *int       `db:"exit_code" json:"exitCode,omitempty"`
	Error          *string    `db:"error" json:"error,omitempty"`
	BudgetExceeded bool       `db:"budget_exceeded" json:"budgetExceeded"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// TaskDependency is an edge (task_id depends on depends_on) within a session.
type TaskDependency struct {
	SessionID string `db:"session_id" json:"sessionId"`
	TaskID    string `db:"task_id" json:"taskId"`
	DependsOn string `db:"depends_on" json:"dependsOn"`
}

// SessionSignal is a durable, queued control message consumed by the
// orchestrator polling its own session.
type SessionSignal struct {
	ID          int64      `db:"id" json:"id"`
	SessionID   string     `db:"session_id" json:"sessionId"`
	Signal      string     `db:"signal" json:"signal"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	ProcessedAt *time.Time `db:"processed_at" json:"processedAt,omitempty"`
}

// CostEntry is an append-only record of what one task invocation cost.
type CostEntry struct {
	ID           int64     `db:"id" json:"id"`
	SessionID    string    `db:"session_id" json:"sessionId"`
	TaskID       string    `db:"task_id" json:"taskId"`
	Agent        string    `db:"agent" json:"agent"`
	Provider     string    `db:"provider" json:"provider"`
	Model        string    `db:"model" json:"model"`
	InputTokens  int       `db:"input_tokens" json:"inputTokens"`
	OutputTokens int       `db:"output_tokens" json:"outputTokens"`
	CostUSD      float64   `db:"cost_usd" json:"costUsd"`
	SavingsUSD   float64   `db:"savings_usd" json:"savingsUsd"`
	BillingMode  string    `db:"billing_mode" json:"billingMode"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// LogEntry is an append-only audit-trail row recording a status transition
// or other notable event.
type LogEntry struct {
	ID        int64     `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"sessionId"`
	TaskID    *string   `db:"task_id" json:"taskId,omitempty"`
	Event     string    `db:"event" json:"event"`
	OldStatus *string   `db:"old_status" json:"oldStatus,omitempty"`
	NewStatus *string   `db:"new_status" json:"newStatus,omitempty"`
	Agent     *string   `db:"agent" json:"agent,omitempty"`
	CostUSD   *float64  `db:"cost_usd" json:"costUsd,omitempty"`
	Data      *string   `db:"data" json:"data,omitempty"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}
