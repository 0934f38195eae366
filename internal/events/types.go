// Package events defines the fixed set of event names and payload shapes
// published on the orchestration core's event bus. The bus is the
// only cross-module coupling mechanism inside the core: the task-graph
// engine, worker-pool manager, git worktree manager, session controller,
// and cost-accounting subscriber coordinate exclusively through it.
package events

import "time"

// Event names. Subscribers register against these exact strings.
const (
	TaskReady            = "task:ready"
	TaskRouted           = "task:routed"
	TaskStarted          = "task:started"
	WorkerSpawned        = "worker:spawned"
	WorkerTerminated     = "worker:terminated"
	TaskComplete         = "task:complete"
	TaskFailed           = "task:failed"
	WorktreeCreated      = "worktree:created"
	ConfigReloaded       = "config:reloaded"
	SessionPause         = "session:pause"
	SessionResume        = "session:resume"
	SessionCancel        = "session:cancel"
	MonitorMetricsRecord = "monitor:metrics_recorded"
)

// TokensUsed is the normalized token accounting shape shared by adapters
// and the cost writer.
type TokensUsed struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// TaskReadyPayload accompanies TaskReady.
type TaskReadyPayload struct {
	SessionID string
	TaskID    string
}

// TaskRoutedPayload accompanies TaskRouted: captured by the cost writer to
// remember which agent/provider/model/billing-mode a task was routed to.
type TaskRoutedPayload struct {
	SessionID   string
	TaskID      string
	Agent       string
	Provider    string
	Model       string
	BillingMode string // subscription | api | free | unavailable
	// EstimatedTokens is the adapter's own pre-dispatch EstimateTokens
	// prediction for the task's prompt, carried through so the cost writer
	// can log an estimate-vs-actual drift warning on completion.
	EstimatedTokens TokensUsed
}

// TaskStartedPayload accompanies TaskStarted.
type TaskStartedPayload struct {
	SessionID string
	TaskID    string
	WorkerID  string
	Agent     string
}

// WorkerSpawnedPayload accompanies WorkerSpawned.
type WorkerSpawnedPayload struct {
	SessionID string
	TaskID    string
	WorkerID  string
}

// WorkerTerminatedPayload accompanies WorkerTerminated.
type WorkerTerminatedPayload struct {
	WorkerID string
	Reason   string
}

// TaskResult is the normalized adapter output shape.
type TaskResult struct {
	Output        string
	ExitCode      int
	TokensUsed    *TokensUsed
	ExecutionTime time.Duration
	// CostUSD is populated when the adapter's own JSON output reports an
	// actual dollar cost (ClaudeCode's CLI does this natively). When nil,
	// the cost-accounting subscriber estimates it from TokensUsed.
	CostUSD *float64
}

// TaskCompletePayload accompanies TaskComplete.
type TaskCompletePayload struct {
	SessionID string
	TaskID    string
	WorkerID  string
	Result    TaskResult
}

// TaskError carries a classified subprocess failure.
type TaskError struct {
	Message string
	Code    string
}

// TaskFailedPayload accompanies TaskFailed.
type TaskFailedPayload struct {
	SessionID string
	TaskID    string
	WorkerID  string
	Error     TaskError
}

// WorktreeCreatedPayload accompanies WorktreeCreated.
type WorktreeCreatedPayload struct {
	SessionID    string
	TaskID       string
	WorktreePath string
	BranchName   string
}

// ConfigReloadedPayload accompanies ConfigReloaded.
type ConfigReloadedPayload struct {
	MaxConcurrentTasks int
}

// SessionSignalPayload accompanies SessionPause / SessionResume / SessionCancel.
type SessionSignalPayload struct {
	SessionID string
	SignalID  int64
}

// MonitorMetricsPayload accompanies MonitorMetricsRecord.
type MonitorMetricsPayload struct {
	SessionID string
	Data      map[string]interface{}
}
