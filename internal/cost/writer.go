// Package cost implements the cost-accounting write path: a single
// event-bus subscriber that turns task:routed/task:complete/task:failed
// events into append-only cost_entries rows and keeps each session's
// accumulated cost in sync.
package cost

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/events"
	"github.com/substratehq/substrate/internal/events/bus"
	"github.com/substratehq/substrate/internal/logger"
	"github.com/substratehq/substrate/internal/store"
)

// billingModeUnavailable is the sentinel meaning a task was never actually
// routed to an adapter; no cost row is ever produced for it.
const billingModeUnavailable = "unavailable"

// inputTokenShare / outputTokenShare implement the documented 25/75
// aggregate-token split heuristic used until adapters report
// per-direction figures directly in the payload.
const (
	inputTokenShare  = 0.25
	outputTokenShare = 0.75
)

// driftFactor is the threshold at which an adapter's pre-dispatch
// EstimateTokens prediction and the actual recorded token count are
// considered to have drifted enough to warn about: actual more than
// driftFactor times the estimate, or less than 1/driftFactor of it.
const driftFactor = 2.0

type routing struct {
	agent           string
	provider        string
	model           string
	billingMode     string
	estimatedTokens events.TokensUsed
}

// Writer is the cost-accounting subscriber. It owns an in-memory per-task
// routing cache, mutated only from its own handler frames.
type Writer struct {
	store  *store.Store
	logger *logger.Logger

	mu     sync.Mutex
	routes map[routingKey]routing
}

type routingKey struct {
	sessionID string
	taskID    string
}

// New constructs a Writer and subscribes it to the three events it reacts
// to.
func New(st *store.Store, b bus.Bus, log *logger.Logger) *Writer {
	if log == nil {
		log = logger.Default()
	}
	w := &Writer{
		store:  st,
		logger: log.WithFields(zap.String("component", "cost-writer")),
		routes: make(map[routingKey]routing),
	}
	b.Subscribe(events.TaskRouted, w.onTaskRouted)
	b.Subscribe(events.TaskComplete, w.onTaskComplete)
	b.Subscribe(events.TaskFailed, w.onTaskFailed)
	return w
}

func (w *Writer) onTaskRouted(_ string, payload interface{}) error {
	p, ok := payload.(events.TaskRoutedPayload)
	if !ok {
		return nil
	}
	if p.BillingMode == billingModeUnavailable {
		return nil
	}

	w.mu.Lock()
	w.routes[routingKey{p.SessionID, p.TaskID}] = routing{
		agent: p.Agent, provider: p.Provider, model: p.Model, billingMode: p.BillingMode,
		estimatedTokens: p.EstimatedTokens,
	}
	w.mu.Unlock()
	return nil
}

func (w *Writer) onTaskComplete(_ string, payload interface{}) error {
	p, ok := payload.(events.TaskCompletePayload)
	if !ok {
		return nil
	}

	key := routingKey{p.SessionID, p.TaskID}
	w.mu.Lock()
	r, cached := w.routes[key]
	delete(w.routes, key)
	w.mu.Unlock()
	if !cached {
		w.logger.Warn("no routing cached for completed task, skipping cost record",
			zap.String("session_id", p.SessionID), zap.String("task_id", p.TaskID))
		return nil
	}

	inputTokens, outputTokens := splitTokens(p.Result.TokensUsed)
	w.warnOnCostDrift(p.SessionID, p.TaskID, r, inputTokens+outputTokens)

	var costUSD, savingsUSD float64
	estimated := estimateUSD(r.model, inputTokens, outputTokens)
	if p.Result.CostUSD != nil {
		costUSD = *p.Result.CostUSD
	} else if r.billingMode == "api" {
		costUSD = estimated
	}
	if r.billingMode == "subscription" {
		savingsUSD = estimated
	}

	ctx := context.Background()
	return w.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		entry := &store.CostEntry{
			SessionID: p.SessionID, TaskID: p.TaskID,
			Agent: r.agent, Provider: r.provider, Model: r.model,
			InputTokens: inputTokens, OutputTokens: outputTokens,
			CostUSD: costUSD, SavingsUSD: savingsUSD, BillingMode: r.billingMode,
		}
		if err := w.store.InsertCostEntryTx(ctx, tx, entry); err != nil {
			return err
		}
		if err := w.store.UpdateTaskCostTx(ctx, tx, p.SessionID, p.TaskID, costUSD); err != nil {
			return err
		}
		return w.store.AddSessionCostTx(ctx, tx, p.SessionID, costUSD)
	})
}

func (w *Writer) onTaskFailed(_ string, payload interface{}) error {
	p, ok := payload.(events.TaskFailedPayload)
	if !ok {
		return nil
	}

	key := routingKey{p.SessionID, p.TaskID}
	w.mu.Lock()
	r, cached := w.routes[key]
	delete(w.routes, key)
	w.mu.Unlock()
	if !cached {
		return nil
	}

	ctx := context.Background()
	entry := &store.CostEntry{
		SessionID: p.SessionID, TaskID: p.TaskID,
		Agent: r.agent, Provider: r.provider, Model: r.model,
		BillingMode: r.billingMode,
	}
	return w.store.InsertCostEntry(ctx, entry)
}

// warnOnCostDrift logs when a task's actual total token count drifts from
// the adapter's pre-dispatch EstimateTokens prediction by more than
// driftFactor in either direction. A zero estimate (adapter had
// nothing to go on, or routing predates this field) is not comparable and
// is skipped rather than reported as infinite drift.
func (w *Writer) warnOnCostDrift(sessionID, taskID string, r routing, actualTotal int) {
	estimated := r.estimatedTokens.Total
	if estimated <= 0 || actualTotal <= 0 {
		return
	}
	ratio := float64(actualTotal) / float64(estimated)
	if ratio <= driftFactor && ratio >= 1/driftFactor {
		return
	}
	w.logger.Warn("adapter token estimate drifted from actual usage",
		zap.String("session_id", sessionID), zap.String("task_id", taskID),
		zap.String("agent", r.agent), zap.Int("estimated_tokens", estimated),
		zap.Int("actual_tokens", actualTotal), zap.Float64("ratio", ratio))
}

// splitTokens applies the documented 25/75 heuristic to an aggregate token
// count when no per-direction figures are available.
func splitTokens(tokens *events.TokensUsed) (input, output int) {
	if tokens == nil {
		return 0, 0
	}
	if tokens.Input > 0 || tokens.Output > 0 {
		return tokens.Input, tokens.Output
	}
	input = int(float64(tokens.Total) * inputTokenShare)
	output = tokens.Total - input
	return input, output
}
