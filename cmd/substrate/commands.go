package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/apierrors"
	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/graph"
	"github.com/substratehq/substrate/internal/recovery"
	"github.com/substratehq/substrate/internal/store"
)

// wrapNotFound maps the store's sentinel ErrNotFound onto the typed
// not-found error so the CLI's exit-code mapping applies uniformly.
func wrapNotFound(sessionID string, err error) error {
	if err == store.ErrNotFound {
		return apierrors.NotFound("session %q not found", sessionID)
	}
	return err
}

func printResult(outputFormat string, human func(), data interface{}) {
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(data)
		return
	}
	human()
}

func parseOutputFormat(fs *flag.FlagSet, args []string) (string, []string) {
	format := fs.String("output-format", "human", "human|json")
	_ = fs.Parse(args)
	return *format, fs.Args()
}

// runAdapters implements `substrate adapters list|check`.
func runAdapters(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return apierrors.Validation("adapters requires a subcommand: list or check")
	}
	sub := args[0]
	fs := flag.NewFlagSet("adapters", flag.ExitOnError)
	format, _ := parseOutputFormat(fs, args[1:])

	a, cleanup, err := newApp(ctx, projectRootFromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	report := a.registry.Discover(ctx)

	printResult(format, func() {
		for _, r := range report.Results {
			status := "healthy"
			if !r.Healthy {
				status = "unhealthy: " + r.Error
			}
			fmt.Printf("%-14s %s\n", r.ID, status)
		}
		fmt.Printf("\n%d registered, %d failed\n", report.RegisteredCount, report.FailedCount)
	}, report)

	switch sub {
	case "list", "check":
		if report.RegisteredCount == 0 {
			return apierrors.Validation("no adapters installed")
		}
		if report.FailedCount > 0 {
			return apierrors.AdapterUnavailable("%d adapter(s) failed health check", report.FailedCount)
		}
		return nil
	default:
		return apierrors.Validation("unknown adapters subcommand %q", sub)
	}
}

// runGraph implements `substrate graph <file>`: validate and render.
func runGraph(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	format, positional := parseOutputFormat(fs, args)
	if len(positional) == 0 {
		return apierrors.Validation("graph requires a file path")
	}

	a, cleanup, err := newApp(ctx, projectRootFromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := graph.LoadFile(positional[0])
	if err != nil {
		return err
	}
	warnings, err := graph.Validate(f, a.registry)
	if err != nil {
		return err
	}

	order := graph.TopologicalOrder(f)

	printResult(format, func() {
		fmt.Println("graph is valid")
		fmt.Println("order:", order)
		for _, w := range warnings {
			fmt.Println("warning:", w)
		}
	}, map[string]interface{}{"valid": true, "order": order, "warnings": warnings})
	return nil
}

// runStart implements `substrate start <file>`: submit and dispatch.
func runStart(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	format := fs.String("output-format", "human", "human|json")
	sessionID := fs.String("session-id", "", "explicit session id (defaults to a generated uuid)")
	baseBranch := fs.String("base-branch", "main", "git base branch new task worktrees branch from")
	_ = fs.Parse(args)
	positional := fs.Args()
	if len(positional) == 0 {
		return apierrors.Validation("start requires a graph file path")
	}

	a, cleanup, err := newApp(ctx, projectRootFromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	if summary, err := runRecoveryPass(ctx, a); err != nil {
		a.log.Warn("startup recovery pass failed", zap.Error(err))
	} else if summary.Recovered > 0 || summary.Failed > 0 {
		a.log.Info("recovered crashed tasks on startup",
			zap.Int("recovered", summary.Recovered), zap.Int("failed", summary.Failed))
	}

	if ids, err := a.store.ListAllTaskIDs(ctx); err == nil {
		known := make(map[string]bool, len(ids))
		for _, taskID := range ids {
			known[taskID] = true
		}
		if removed, err := a.worktrees.Reconcile(ctx, known); err != nil {
			a.log.Warn("worktree orphan sweep failed", zap.Error(err))
		} else if len(removed) > 0 {
			a.log.Info("removed orphaned worktrees", zap.Strings("task_ids", removed))
		}
	}

	f, err := graph.LoadFile(positional[0])
	if err != nil {
		return err
	}
	if _, err := graph.Validate(f, a.registry); err != nil {
		return err
	}

	id := *sessionID
	if id == "" {
		id = uuid.NewString()
	}

	// Reloading substrate.yaml mid-session feeds a new max_concurrent_tasks
	// to the pool through config:reloaded.
	if err := config.Watch(projectRootFromEnv(), func(cfg *config.Config) {
		a.bus.Publish(events.ConfigReloaded, events.ConfigReloadedPayload{
			MaxConcurrentTasks: cfg.Pool.MaxConcurrentTasks,
		})
	}); err != nil {
		a.log.Warn("config watch unavailable", zap.Error(err))
	}

	if err := a.engine.SubmitAndDispatch(ctx, id, positional[0], *baseBranch, f); err != nil {
		return err
	}

	if *format == "human" {
		fmt.Println("session started:", id)
	}

	// SubmitAndDispatch only runs synchronously through task:ready ->
	// worktree:created; the pool manager spawns each adapter subprocess in
	// its own goroutine (internal/pool's tryDispatch/spawn), so
	// the session is still in flight here. Supervise until every task has
	// reached a terminal status and the engine has marked the session
	// completed, so main() does not return (and the runtime does not tear
	// down those goroutines) before the work actually finishes.
	if err := superviseSession(ctx, a, id); err != nil {
		return err
	}

	return printStatusSnapshot(ctx, a, id, *format, false)
}

// superviseSession is the orchestrator's run loop for one session: it polls
// the session_signals table, consumes unprocessed signals in FIFO order
// (stamping processed_at on each), and reacts — pause stops dispatch via
// the engine's own session-status gate while in-flight workers finish,
// resume restarts dispatch, cancel terminates every live worker. It
// returns once the session reaches a terminal status. The signals table is
// the IPC channel here: pause/resume/cancel issued from another substrate
// process reach this loop through the shared store, never as OS signals.
func superviseSession(ctx context.Context, a *app, sessionID string) error {
	const pollInterval = 500 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		signals, err := a.store.ListUnprocessedSignals(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, sig := range signals {
			if err := a.store.MarkSignalProcessed(ctx, sig.ID); err != nil {
				return err
			}
			switch store.SignalKind(sig.Signal) {
			case store.SignalPause:
				a.log.Info("pause signal consumed, letting in-flight workers finish",
					zap.String("session_id", sessionID))
			case store.SignalResume:
				a.log.Info("resume signal consumed, dispatching",
					zap.String("session_id", sessionID))
				if err := a.engine.Dispatch(ctx, sessionID); err != nil {
					return err
				}
			case store.SignalCancel:
				a.log.Info("cancel signal consumed, terminating workers",
					zap.String("session_id", sessionID))
				if err := a.pool.TerminateAll(); err != nil {
					a.log.Warn("error terminating workers on cancel signal", zap.Error(err))
				}
			}
		}

		sess, err := a.store.GetSession(ctx, sessionID)
		if err != nil {
			return wrapNotFound(sessionID, err)
		}
		if isTerminal(sess.Status) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runStatus implements `substrate status [sessionId]`.
func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	format := fs.String("output-format", "human", "human|json")
	watch := fs.Bool("watch", false, "stream status updates as newline-delimited JSON")
	showGraph := fs.Bool("show-graph", false, "include the dependency graph's topological order")
	_ = fs.Parse(args)
	positional := fs.Args()

	a, cleanup, err := newApp(ctx, projectRootFromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	var sessionID string
	if len(positional) > 0 {
		sessionID = positional[0]
	} else {
		sessions, err := a.store.ListNonTerminalSessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			return apierrors.NotFound("no active session found")
		}
		sessionID = sessions[0].ID
	}

	if *watch {
		return watchStatus(ctx, a, sessionID)
	}

	return printStatusSnapshot(ctx, a, sessionID, *format, *showGraph)
}

func printStatusSnapshot(ctx context.Context, a *app, sessionID, format string, showGraph bool) error {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return wrapNotFound(sessionID, err)
	}
	tasks, err := a.store.ListTasks(ctx, sessionID)
	if err != nil {
		return err
	}

	snapshot := map[string]interface{}{
		"session": sess,
		"tasks":   tasks,
	}
	var logTail []store.LogEntry
	if showGraph {
		if f, err := graph.LoadFile(sess.GraphSource); err == nil {
			snapshot["order"] = graph.TopologicalOrder(f)
		}
		if logTail, err = a.store.ListLogEntries(ctx, sessionID, store.LogFilter{Limit: 20}); err == nil {
			snapshot["log"] = logTail
		}
	}

	printResult(format, func() {
		fmt.Printf("session %s: %s (cost $%.4f)\n", sess.ID, sess.Status, sess.TotalCostUSD)
		for _, t := range tasks {
			fmt.Printf("  %-20s %-10s\n", t.ID, t.Status)
		}
		for _, entry := range logTail {
			taskID := "-"
			if entry.TaskID != nil {
				taskID = *entry.TaskID
			}
			fmt.Printf("  %s %-20s %s\n", entry.Timestamp.Format(time.RFC3339), taskID, entry.Event)
		}
	}, snapshot)
	return nil
}

func watchStatus(ctx context.Context, a *app, sessionID string) error {
	enc := json.NewEncoder(os.Stdout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		sess, err := a.store.GetSession(ctx, sessionID)
		if err != nil {
			return wrapNotFound(sessionID, err)
		}
		_ = enc.Encode(map[string]interface{}{
			"event": "status", "timestamp": sess.UpdatedAt, "data": sess,
		})
		if isTerminal(sess.Status) {
			return nil
		}
		<-ticker.C
	}
}

func isTerminal(status string) bool {
	switch store.SessionStatus(status) {
	case store.SessionCompleted, store.SessionCancelled, store.SessionAbandoned:
		return true
	default:
		return false
	}
}

func runPause(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return apierrors.Validation("pause requires a session id")
	}
	a, cleanup, err := newApp(ctx, projectRootFromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := a.sessions.Pause(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("paused: %d completed, %d pending\n", result.CompletedTasks, result.PendingTasks)
	return nil
}

func runResume(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return apierrors.Validation("resume requires a session id")
	}
	a, cleanup, err := newApp(ctx, projectRootFromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := a.sessions.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("resumed: %d pending tasks\n", result.PendingTasks)
	return nil
}

func runCancel(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return apierrors.Validation("cancel requires a session id")
	}
	a, cleanup, err := newApp(ctx, projectRootFromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := a.sessions.Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.pool.TerminateAll(); err != nil {
		a.log.Warn("error terminating workers during cancel", zap.Error(err))
	}
	fmt.Printf("cancelled: %d tasks cancelled\n", result.CancelledTasks)
	return nil
}

func runRetry(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	task := fs.String("task", "", "retry only this task id")
	dryRun := fs.Bool("dry-run", false, "report without mutating state")
	format := fs.String("output-format", "human", "human|json")
	_ = fs.Parse(args)
	positional := fs.Args()
	if len(positional) == 0 {
		return apierrors.Validation("retry requires a session id")
	}

	a, cleanup, err := newApp(ctx, projectRootFromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	var taskID *string
	if *task != "" {
		taskID = task
	}

	result, err := a.sessions.Retry(ctx, positional[0], taskID, *dryRun)
	if err != nil {
		return err
	}

	printResult(*format, func() {
		for _, o := range result.Outcomes {
			fmt.Printf("%-20s %s\n", o.TaskID, o.Action)
		}
	}, result)

	if *dryRun {
		return nil
	}

	retried := 0
	for _, o := range result.Outcomes {
		if o.Action == "retried" {
			retried++
		}
	}
	if retried == 0 {
		return nil
	}

	// With tasks back in pending and the session revived, this process
	// becomes the orchestrator for the re-run, exactly as `start` is for
	// the first run.
	if err := a.engine.Dispatch(ctx, positional[0]); err != nil {
		return err
	}
	return superviseSession(ctx, a, positional[0])
}

func runWorktrees(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worktrees", flag.ExitOnError)
	format, _ := parseOutputFormat(fs, args)

	a, cleanup, err := newApp(ctx, projectRootFromEnv())
	if err != nil {
		return err
	}
	defer cleanup()

	infos, err := a.worktrees.List()
	if err != nil {
		return err
	}

	printResult(format, func() {
		for _, i := range infos {
			fmt.Printf("%-20s %-30s %s\n", i.TaskID, i.Branch, i.Path)
		}
	}, infos)
	return nil
}

// runRecoveryPass runs the startup reconciliation. Only `start` invokes
// it: that is substrate's one "orchestrator startup" moment, the point
// where a `running` row left by a crashed predecessor must be resolved
// before new dispatch begins.
func runRecoveryPass(ctx context.Context, a *app) (*recovery.Summary, error) {
	return recovery.Run(ctx, a.store, a.log)
}
