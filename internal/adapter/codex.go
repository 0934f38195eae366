package adapter

import (
	"context"
	"os/exec"
)

// codexBinary is the CLI entry point this adapter supervises.
const codexBinary = "codex"

// Codex wraps the `codex exec` CLI. Unlike ClaudeCode and Gemini, Codex
// takes its prompt over stdin rather than as a command-line argument, and
// has no subscription billing mode: every invocation bills the configured
// OpenAI API key directly.
type Codex struct{}

// NewCodex constructs the Codex adapter.
func NewCodex() *Codex { return &Codex{} }

func (a *Codex) ID() string      { return "codex" }
func (a *Codex) Name() string    { return "Codex" }
func (a *Codex) Version() string { return "1" }

func (a *Codex) HealthCheck(ctx context.Context) (HealthCheckResult, error) {
	path, err := exec.LookPath(codexBinary)
	if err != nil {
		return HealthCheckResult{Healthy: false, Error: err.Error()}, nil
	}

	cmd := exec.CommandContext(ctx, codexBinary, "--version")
	out, err := cmd.Output()
	if err != nil {
		return HealthCheckResult{Healthy: false, CLIPath: path, Error: err.Error()}, nil
	}

	return HealthCheckResult{
		Healthy:              true,
		Version:              trimVersion(string(out)),
		CLIPath:              path,
		DetectedBillingModes: []string{"api"},
		SupportsHeadless:     true,
	}, nil
}

func (a *Codex) BuildCommand(prompt string, opts CommandOptions) (SpawnDescriptor, error) {
	return SpawnDescriptor{
		Binary:    codexBinary,
		Args:      []string{"exec", "--json"},
		Env:       mergedEnv(opts.Env),
		Cwd:       opts.Cwd,
		Stdin:     prompt,
		TimeoutMS: opts.TimeoutMS,
	}, nil
}

func (a *Codex) ParseOutput(stdout, stderr string, exitCode int) ParsedOutput {
	return parseResultJSON(stdout, stderr, exitCode)
}

func (a *Codex) BuildPlanningCommand(req PlanRequest, opts CommandOptions) (SpawnDescriptor, error) {
	return SpawnDescriptor{
		Binary:    codexBinary,
		Args:      []string{"exec", "--json"},
		Env:       mergedEnv(opts.Env),
		Cwd:       opts.Cwd,
		Stdin:     planningPrompt(req),
		TimeoutMS: opts.TimeoutMS,
	}, nil
}

func (a *Codex) ParsePlanOutput(stdout, stderr string, exitCode int) PlanResult {
	return parsePlanJSON(stdout, stderr, exitCode)
}

func (a *Codex) EstimateTokens(prompt string) TokensUsed {
	return EstimateTokensHeuristic(prompt)
}

func (a *Codex) GetCapabilities() Capabilities {
	return Capabilities{
		ID: a.ID(), Name: a.Name(), Model: "gpt-5-codex", Version: a.Version(),
		SupportsPlanning: true,
		SubscriptionBill: false,
		APIEnvVar:        "OPENAI_API_KEY",
	}
}
