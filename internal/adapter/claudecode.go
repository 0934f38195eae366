package adapter

import (
	"context"
	"os/exec"
)

// claudeCodeBinary is the CLI entry point this adapter supervises.
const claudeCodeBinary = "claude"

// ClaudeCode wraps the `claude` CLI in headless, non-interactive mode. The
// CLI's JSON result reports cost and token counts natively, so this adapter
// rarely needs the pricing-table fallback.
type ClaudeCode struct{}

// NewClaudeCode constructs the ClaudeCode adapter.
func NewClaudeCode() *ClaudeCode { return &ClaudeCode{} }

func (a *ClaudeCode) ID() string      { return "claude-code" }
func (a *ClaudeCode) Name() string    { return "Claude Code" }
func (a *ClaudeCode) Version() string { return "1" }

func (a *ClaudeCode) HealthCheck(ctx context.Context) (HealthCheckResult, error) {
	path, err := exec.LookPath(claudeCodeBinary)
	if err != nil {
		return HealthCheckResult{Healthy: false, Error: err.Error()}, nil
	}

	cmd := exec.CommandContext(ctx, claudeCodeBinary, "--version")
	out, err := cmd.Output()
	if err != nil {
		return HealthCheckResult{Healthy: false, CLIPath: path, Error: err.Error()}, nil
	}

	return HealthCheckResult{
		Healthy:              true,
		Version:              trimVersion(string(out)),
		CLIPath:              path,
		DetectedBillingModes: []string{"subscription", "api"},
		SupportsHeadless:     true,
	}, nil
}

func (a *ClaudeCode) BuildCommand(prompt string, opts CommandOptions) (SpawnDescriptor, error) {
	return SpawnDescriptor{
		Binary:    claudeCodeBinary,
		Args:      []string{"-p", prompt, "--output-format", "json"},
		Env:       mergedEnv(opts.Env),
		Cwd:       opts.Cwd,
		TimeoutMS: opts.TimeoutMS,
	}, nil
}

func (a *ClaudeCode) ParseOutput(stdout, stderr string, exitCode int) ParsedOutput {
	return parseResultJSON(stdout, stderr, exitCode)
}

func (a *ClaudeCode) BuildPlanningCommand(req PlanRequest, opts CommandOptions) (SpawnDescriptor, error) {
	prompt := planningPrompt(req)
	return SpawnDescriptor{
		Binary:    claudeCodeBinary,
		Args:      []string{"-p", prompt, "--output-format", "json"},
		Env:       mergedEnv(opts.Env),
		Cwd:       opts.Cwd,
		TimeoutMS: opts.TimeoutMS,
	}, nil
}

func (a *ClaudeCode) ParsePlanOutput(stdout, stderr string, exitCode int) PlanResult {
	return parsePlanJSON(stdout, stderr, exitCode)
}

func (a *ClaudeCode) EstimateTokens(prompt string) TokensUsed {
	return EstimateTokensHeuristic(prompt)
}

func (a *ClaudeCode) GetCapabilities() Capabilities {
	return Capabilities{
		ID: a.ID(), Name: a.Name(), Model: "claude-sonnet", Version: a.Version(),
		SupportsPlanning: true,
		SubscriptionBill: true,
		APIEnvVar:        "ANTHROPIC_API_KEY",
	}
}
