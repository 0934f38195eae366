package adapter

import (
	"context"
	"os/exec"
)

// geminiBinary is the CLI entry point this adapter supervises.
const geminiBinary = "gemini"

// Gemini wraps the `gemini` CLI. Task prompts are passed via -p; planning
// invocations instead pass the prompt as a bare positional argument,
// matching the CLI's own split between headless task mode and interactive
// prompt mode.
type Gemini struct{}

// NewGemini constructs the Gemini adapter.
func NewGemini() *Gemini { return &Gemini{} }

func (a *Gemini) ID() string      { return "gemini" }
func (a *Gemini) Name() string    { return "Gemini" }
func (a *Gemini) Version() string { return "1" }

func (a *Gemini) HealthCheck(ctx context.Context) (HealthCheckResult, error) {
	path, err := exec.LookPath(geminiBinary)
	if err != nil {
		return HealthCheckResult{Healthy: false, Error: err.Error()}, nil
	}

	cmd := exec.CommandContext(ctx, geminiBinary, "--version")
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

func (a *Gemini) BuildCommand(prompt string, opts CommandOptions) (SpawnDescriptor, error) {
	return SpawnDescriptor{
		Binary:    geminiBinary,
		Args:      []string{"-p", prompt, "--output-format", "json"},
		Env:       mergedEnv(opts.Env),
		Cwd:       opts.Cwd,
		TimeoutMS: opts.TimeoutMS,
	}, nil
}

func (a *Gemini) ParseOutput(stdout, stderr string, exitCode int) ParsedOutput {
	return parseResultJSON(stdout, stderr, exitCode)
}

func (a *Gemini) BuildPlanningCommand(req PlanRequest, opts CommandOptions) (SpawnDescriptor, error) {
	return SpawnDescriptor{
		Binary:    geminiBinary,
		Args:      []string{planningPrompt(req), "--output-format", "json"},
		Env:       mergedEnv(opts.Env),
		Cwd:       opts.Cwd,
		TimeoutMS: opts.TimeoutMS,
	}, nil
}

func (a *Gemini) ParsePlanOutput(stdout, stderr string, exitCode int) PlanResult {
	return parsePlanJSON(stdout, stderr, exitCode)
}

func (a *Gemini) EstimateTokens(prompt string) TokensUsed {
	return EstimateTokensHeuristic(prompt)
}

func (a *Gemini) GetCapabilities() Capabilities {
	return Capabilities{
		ID: a.ID(), Name: a.Name(), Model: "gemini-pro", Version: a.Version(),
		SupportsPlanning: true,
		SubscriptionBill: true,
		APIEnvVar:        "GEMINI_API_KEY",
	}
}
