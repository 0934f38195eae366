package adapter

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/substratehq/substrate/internal/cost"
	"github.com/substratehq/substrate/internal/logger"
	"github.com/substratehq/substrate/internal/tracing"
)

// DiscoveryResult is one adapter's outcome from a registry discovery pass.
type DiscoveryResult struct {
	ID      string
	Healthy bool
	Error   string
}

// DiscoveryReport summarizes a full discovery pass over every built-in
// adapter.
type DiscoveryReport struct {
	RegisteredCount int
	FailedCount     int
	Results         []DiscoveryResult
}

// Registry holds every healthy adapter, keyed by id. Discovery probes the
// built-in adapters one at a time, in a fixed order.
type Registry struct {
	logger   *logger.Logger
	adapters map[string]Adapter
}

// NewRegistry constructs an empty registry. Call Discover to populate it.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		logger:   log.WithFields(zap.String("component", "adapter-registry")),
		adapters: make(map[string]Adapter),
	}
}

// candidates returns every built-in adapter this registry knows how to
// construct, in a fixed, deterministic order.
func candidates() []Adapter {
	return []Adapter{NewClaudeCode(), NewCodex(), NewGemini()}
}

// Discover runs healthCheck() against every built-in adapter, one at a
// time, and registers only the ones that report healthy.
func (r *Registry) Discover(ctx context.Context) DiscoveryReport {
	report := DiscoveryReport{}

	for _, a := range candidates() {
		spanCtx, span := tracing.TraceAdapterHealthCheck(ctx, a.ID())
		result, err := a.HealthCheck(spanCtx)
		tracing.EndWithError(span, err)
		entry := DiscoveryResult{ID: a.ID()}
		if err != nil {
			entry.Healthy = false
			entry.Error = err.Error()
		} else {
			entry.Healthy = result.Healthy
			entry.Error = result.Error
		}

		if entry.Healthy {
			r.adapters[a.ID()] = a
			report.RegisteredCount++
			r.logger.Info("adapter registered", zap.String("adapter_id", a.ID()))
		} else {
			report.FailedCount++
			r.logger.Warn("adapter health check failed",
				zap.String("adapter_id", a.ID()), zap.String("error", entry.Error))
		}
		report.Results = append(report.Results, entry)
	}
	return report
}

// HasAdapter satisfies graph.KnownAgent.
func (r *Registry) HasAdapter(id string) bool {
	_, ok := r.adapters[id]
	return ok
}

// Get looks up a registered adapter by id.
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// PlanningCapable returns every registered adapter that supports the
// planning contract, sorted by id.
func (r *Registry) PlanningCapable() []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		if a.GetCapabilities().SupportsPlanning {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// List returns every registered adapter, sorted by id.
func (r *Registry) List() []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// EstimateCostUSD satisfies graph.costEstimator: it estimates a task's
// dollar cost before dispatch, using the adapter's own token heuristic and
// the cost package's pricing table. Budget gating is necessarily an
// estimate — the actual cost is only known once the task completes and the
// cost-accounting subscriber records it.
func (r *Registry) EstimateCostUSD(agentID, prompt string) float64 {
	a, ok := r.adapters[agentID]
	if !ok {
		return 0
	}
	tokens := a.EstimateTokens(prompt)
	return cost.EstimateUSD(a.GetCapabilities().Model, tokens.Input, tokens.Output)
}

// BillingModeFor resolves the billing mode the worker-pool manager should
// publish in task:routed for a given agent, honoring an ADT_BILLING_MODE
// override for local testing.
func (r *Registry) BillingModeFor(agentID string) string {
	a, ok := r.adapters[agentID]
	if !ok {
		return "unavailable"
	}
	fallback := "api"
	if a.GetCapabilities().SubscriptionBill {
		fallback = "subscription"
	}
	return detectBillingMode(fallback)
}
