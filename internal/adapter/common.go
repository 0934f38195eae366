package adapter

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"
)

// billingModeEnvVar overrides detected billing mode from the environment.
const billingModeEnvVar = "ADT_BILLING_MODE"

// detectBillingMode returns the ADT_BILLING_MODE override if set, else
// fallback.
func detectBillingMode(fallback string) string {
	if v := os.Getenv(billingModeEnvVar); v == "subscription" || v == "api" || v == "free" {
		return v
	}
	return fallback
}

// normalizedResult is the shared shape adapters parse a successful result
// into before producing ParsedOutput.
type normalizedResult struct {
	Output  string `json:"output"`
	Error   string `json:"error"`
	Success *bool  `json:"success"`

	TokensUsed *struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	} `json:"tokensUsed"`

	// Vendor-native usage block (Gemini-style), mapped to the same
	// normalized shape when TokensUsed is absent.
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`

	CostUSD *float64 `json:"cost_usd"`
}

// parseResultJSON applies the shared output parsing rules: non-zero exit is
// always a failure; empty stdout on success is an empty-output success;
// a JSON parse failure falls back to opaque success text; an explicit
// `error` field in the parsed JSON is a failure regardless of exit code.
func parseResultJSON(stdout, stderr string, exitCode int) ParsedOutput {
	if exitCode != 0 {
		return ParsedOutput{Success: false, Error: stderr, ExitCode: exitCode}
	}
	if strings.TrimSpace(stdout) == "" {
		return ParsedOutput{Success: true, Output: "", ExitCode: exitCode}
	}

	var r normalizedResult
	if err := json.Unmarshal([]byte(stdout), &r); err != nil {
		return ParsedOutput{Success: true, Output: stdout, ExitCode: exitCode}
	}
	if r.Error != "" {
		return ParsedOutput{Success: false, Error: r.Error, ExitCode: exitCode}
	}

	meta := Metadata{CostUSD: r.CostUSD}
	switch {
	case r.TokensUsed != nil:
		meta.TokensUsed = &TokensUsed{
			Input: r.TokensUsed.Input, Output: r.TokensUsed.Output,
			Total: r.TokensUsed.Input + r.TokensUsed.Output,
		}
	case r.UsageMetadata != nil:
		meta.TokensUsed = &TokensUsed{
			Input: r.UsageMetadata.PromptTokenCount, Output: r.UsageMetadata.CandidatesTokenCount,
			Total: r.UsageMetadata.PromptTokenCount + r.UsageMetadata.CandidatesTokenCount,
		}
	}

	output := r.Output
	if output == "" {
		output = stdout
	}
	return ParsedOutput{Success: true, Output: output, ExitCode: exitCode, Metadata: meta}
}

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// stripCodeFences removes markdown code fences from plan output before
// JSON parsing.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// rawPlanTasks is the wire shape a planning invocation's JSON is expected
// to contain.
type rawPlanTasks struct {
	Tasks []struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Prompt      string   `json:"prompt"`
		DependsOn   []string `json:"depends_on"`
		Description string   `json:"description"`
	} `json:"tasks"`
	Error string `json:"error"`
}

func parsePlanJSON(stdout, stderr string, exitCode int) PlanResult {
	if exitCode != 0 {
		return PlanResult{Success: false, Error: stderr, RawOutput: stdout}
	}
	cleaned := stripCodeFences(stdout)

	var raw rawPlanTasks
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return PlanResult{Success: false, Error: "failed to parse plan output: " + err.Error(), RawOutput: stdout}
	}
	if raw.Error != "" {
		return PlanResult{Success: false, Error: raw.Error, RawOutput: stdout}
	}

	tasks := make([]PlanTask, 0, len(raw.Tasks))
	for _, t := range raw.Tasks {
		tasks = append(tasks, PlanTask{
			ID: t.ID, Name: t.Name, Prompt: t.Prompt,
			DependsOn: t.DependsOn, Description: t.Description,
		})
	}
	return PlanResult{Success: true, Tasks: tasks, RawOutput: stdout}
}

// mergedEnv layers per-invocation overrides over the orchestrator's own
// environment.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// trimVersion strips surrounding whitespace/newlines from a `--version`
// subprocess's stdout.
func trimVersion(s string) string {
	return strings.TrimSpace(s)
}

// planningPrompt renders a planning PlanRequest into the single textual
// prompt every adapter's planning invocation takes, instructing the agent
// to emit the normalized {"tasks": [...]} JSON shape parsePlanJSON expects.
func planningPrompt(req PlanRequest) string {
	prompt := "Break the following objective into an ordered set of tasks. " +
		"Respond with JSON only, shaped as {\"tasks\":[{\"id\":string,\"name\":string," +
		"\"prompt\":string,\"depends_on\":[string],\"description\":string}]}.\n\n" +
		"Objective: " + req.Objective
	if req.Context != "" {
		prompt += "\n\nContext:\n" + req.Context
	}
	return prompt
}
