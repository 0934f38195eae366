package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_GetUnregisteredAdapter(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.Get("claude-code")
	assert.False(t, ok, "Discover must run before any adapter is registered")
}

func TestRegistry_HasAdapter(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.HasAdapter("claude-code"))
}

func TestRegistry_EstimateCostUSD_UnknownAgentIsZero(t *testing.T) {
	r := NewRegistry(nil)
	assert.Equal(t, 0.0, r.EstimateCostUSD("not-registered", "a prompt"))
}

func TestRegistry_EstimateCostUSD_UsesPerModelPricing(t *testing.T) {
	r := NewRegistry(nil)
	r.adapters["claude-code"] = NewClaudeCode()
	r.adapters["gemini"] = NewGemini()

	prompt := "implement the thing with plenty of surrounding context"
	claude := r.EstimateCostUSD("claude-code", prompt)
	gemini := r.EstimateCostUSD("gemini", prompt)

	assert.Greater(t, claude, 0.0)
	assert.Greater(t, gemini, 0.0)
	assert.Greater(t, claude, gemini,
		"identical prompts must price differently per model, not through one flat rate")
}

func TestRegistry_BillingModeFor_UnknownAgentIsUnavailable(t *testing.T) {
	r := NewRegistry(nil)
	assert.Equal(t, "unavailable", r.BillingModeFor("not-registered"))
}

func TestRegistry_List_SortedByID(t *testing.T) {
	r := NewRegistry(nil)
	r.adapters["gemini"] = NewGemini()
	r.adapters["claude-code"] = NewClaudeCode()
	r.adapters["codex"] = NewCodex()

	list := r.List()
	ids := make([]string, len(list))
	for i, a := range list {
		ids[i] = a.ID()
	}
	assert.Equal(t, []string{"claude-code", "codex", "gemini"}, ids)
}

func TestRegistry_PlanningCapable_FiltersAndSorts(t *testing.T) {
	r := NewRegistry(nil)
	r.adapters["gemini"] = NewGemini()
	r.adapters["claude-code"] = NewClaudeCode()

	capable := r.PlanningCapable()
	ids := make([]string, len(capable))
	for i, a := range capable {
		ids[i] = a.ID()
	}
	assert.Equal(t, []string{"claude-code", "gemini"}, ids)
}

func TestRegistry_BillingModeFor_RespectsOverride(t *testing.T) {
	r := NewRegistry(nil)
	r.adapters["codex"] = NewCodex()

	t.Setenv(billingModeEnvVar, "free")
	assert.Equal(t, "free", r.BillingModeFor("codex"))
}
