package pool

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/adapter"
	"github.com/substratehq/substrate/internal/apierrors"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/tracing"
)

// workerEntry tracks one live subprocess.
type workerEntry struct {
	workerID  string
	taskID    string
	sessionID string
	agentID   string
	startedAt time.Time
	cmd       *exec.Cmd
	exited    chan struct{}
}

// spawn runs the full admit-to-completion sequence for one ready task,
// whose worktree has already been materialized by the worktree manager: it
// resolves the routed adapter, builds and starts the subprocess in that
// worktree, waits for it to exit (or times out, or is terminated), and
// publishes exactly one of task:complete/task:failed.
func (m *Manager) spawn(sessionID, taskID, worktreePath string) {
	defer m.releaseSlot()
	ctx := context.Background()

	task, err := m.store.GetTask(ctx, sessionID, taskID)
	if err != nil {
		m.logger.Error("failed to load task for dispatch", zap.Error(err))
		return
	}

	agentID := ""
	if task.AgentID != nil {
		agentID = *task.AgentID
	}
	ctx, span := tracing.TracePoolSpawn(ctx, taskID, agentID)
	var spawnErr error
	defer func() { tracing.EndWithError(span, spawnErr) }()

	if agentID == "" {
		spawnErr = apierrors.AdapterUnavailable("task %q has no assigned agent", taskID)
		m.failTask(sessionID, taskID, "", spawnErr.Error(), "adapter_unavailable")
		return
	}

	a, ok := m.registry.Get(agentID)
	if !ok {
		spawnErr = apierrors.AdapterUnavailable("no healthy adapter registered for %q", agentID)
		m.failTask(sessionID, taskID, "", spawnErr.Error(), "adapter_unavailable")
		return
	}

	caps := a.GetCapabilities()
	billingMode := m.registry.BillingModeFor(agentID)
	estimate := a.EstimateTokens(task.Prompt)
	m.bus.Publish(events.TaskRouted, events.TaskRoutedPayload{
		SessionID: sessionID, TaskID: taskID,
		Agent: agentID, Provider: agentID, Model: caps.Model, BillingMode: billingMode,
		EstimatedTokens: events.TokensUsed{Input: estimate.Input, Output: estimate.Output, Total: estimate.Total},
	})

	m.mu.Lock()
	timeoutSeconds := m.taskTimeoutSeconds
	m.mu.Unlock()

	desc, err := a.BuildCommand(task.Prompt, adapter.CommandOptions{
		Cwd: worktreePath, TimeoutMS: timeoutSeconds * 1000,
	})
	if err != nil {
		spawnErr = err
		m.failTask(sessionID, taskID, "", err.Error(), "build_command_failed")
		return
	}

	workerID := uuid.NewString()

	cmd := exec.Command(desc.Binary, desc.Args...)
	cmd.Dir = desc.Cwd
	cmd.Env = desc.Env
	if desc.Stdin != "" {
		cmd.Stdin = strings.NewReader(desc.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	w := &workerEntry{
		workerID: workerID, taskID: taskID, sessionID: sessionID, agentID: agentID,
		startedAt: time.Now().UTC(), cmd: cmd, exited: make(chan struct{}),
	}

	// Publishing task:started lets the engine, the sole owner of task-row
	// mutation, record markTaskRunning in its own handler; the bus
	// delivers in FIFO order, so that write is guaranteed to happen
	// before any handler of the worker:spawned event published below.
	m.bus.Publish(events.TaskStarted, events.TaskStartedPayload{
		SessionID: sessionID, TaskID: taskID, WorkerID: workerID, Agent: agentID,
	})

	if err := cmd.Start(); err != nil {
		spawnErr = apierrors.SubprocessFailure(err, "failed to start %s", desc.Binary)
		m.failTask(sessionID, taskID, workerID, spawnErr.Error(), "spawn_failed")
		return
	}

	m.registerWorker(w)
	m.bus.Publish(events.WorkerSpawned, events.WorkerSpawnedPayload{
		SessionID: sessionID, TaskID: taskID, WorkerID: workerID,
	})

	waitErr := m.awaitExit(w, timeoutSeconds)
	close(w.exited)
	m.unregisterWorker(workerID)

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	result := a.ParseOutput(stdout.String(), stderr.String(), exitCode)
	elapsed := time.Since(w.startedAt)

	reason := "completed"
	if !result.Success {
		reason = "failed"
	}
	m.bus.Publish(events.WorkerTerminated, events.WorkerTerminatedPayload{WorkerID: workerID, Reason: reason})

	if result.Success {
		var tokens *events.TokensUsed
		if result.Metadata.TokensUsed != nil {
			tokens = &events.TokensUsed{
				Input: result.Metadata.TokensUsed.Input, Output: result.Metadata.TokensUsed.Output,
				Total: result.Metadata.TokensUsed.Total,
			}
		}
		m.bus.Publish(events.TaskComplete, events.TaskCompletePayload{
			SessionID: sessionID, TaskID: taskID, WorkerID: workerID,
			Result: events.TaskResult{
				Output: result.Output, ExitCode: result.ExitCode,
				TokensUsed: tokens, ExecutionTime: elapsed, CostUSD: result.Metadata.CostUSD,
			},
		})
		return
	}

	m.failTask(sessionID, taskID, workerID, result.Error, "execution_failed")
}
// awaitExit waits for the subprocess to exit, enforcing timeoutSeconds if
// positive.
func (m *Manager) awaitExit(w *workerEntry, timeoutSeconds int) error {
	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	if timeoutSeconds <= 0 {
		return <-done
	}

	select {
	case err := <-done:
		return err
	case <-time.After(time.Duration(timeoutSeconds) * time.Second):
		m.logger.Warn("task execution timed out, terminating worker",
			zap.String("worker_id", w.workerID), zap.String("task_id", w.taskID))
		m.mu.Lock()
		grace := m.gracePeriodSeconds
		m.mu.Unlock()
		// Watch done here rather than going through terminate: w.exited is
		// only closed once awaitExit has returned.
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-time.After(time.Duration(grace) * time.Second):
			_ = w.cmd.Process.Signal(syscall.SIGKILL)
			return <-done
		}
	}
}

// terminate sends SIGTERM, waits up to graceSeconds for the process to
// exit, then SIGKILLs it. It's idempotent with respect to an
// already-exited process.
func (m *Manager) terminate(w *workerEntry, graceSeconds int) {
	if w.cmd.Process == nil {
		return
	}
	_ = w.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-w.exited:
		return
	case <-time.After(time.Duration(graceSeconds) * time.Second):
		_ = w.cmd.Process.Signal(syscall.SIGKILL)
	}
}

// TerminateWorker force-stops a single live worker (SIGTERM, then SIGKILL
// after the grace period), returning a not-found error for an unknown id.
func (m *Manager) TerminateWorker(workerID string) error {
	w, ok := m.lookupWorker(workerID)
	if !ok {
		return apierrors.NotFound("worker %q is not active", workerID)
	}
	m.mu.Lock()
	grace := m.gracePeriodSeconds
	m.mu.Unlock()
	m.terminate(w, grace)
	return nil
}

// TerminateAll force-stops every live worker concurrently, used by
// session cancellation. Termination is parallelized
// with errgroup since signaling N independent subprocesses has no
// cross-worker dependency — unlike the adapter registry's sequential
// health checks, there is no reason to serialize it.
func (m *Manager) TerminateAll() error {
	m.mu.Lock()
	workers := make([]*workerEntry, 0, len(m.active))
	for _, w := range m.active {
		workers = append(workers, w)
	}
	grace := m.gracePeriodSeconds
	m.mu.Unlock()

	return terminateAllConcurrently(workers, grace, m.terminate)
}

func (m *Manager) failTask(sessionID, taskID, workerID, message, code string) {
	if workerID != "" {
		m.bus.Publish(events.WorkerTerminated, events.WorkerTerminatedPayload{WorkerID: workerID, Reason: "failed"})
	}
	m.bus.Publish(events.TaskFailed, events.TaskFailedPayload{
		SessionID: sessionID, TaskID: taskID, WorkerID: workerID,
		Error: events.TaskError{Message: message, Code: code},
	})
}

