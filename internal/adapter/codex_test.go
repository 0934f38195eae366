package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodex_BuildCommand_DeliversPromptOverStdin(t *testing.T) {
	a := NewCodex()
	desc, err := a.BuildCommand("fix the bug", CommandOptions{Cwd: "/work/task-1"})
	require.NoError(t, err)

	assert.Equal(t, codexBinary, desc.Binary)
	assert.Equal(t, []string{"exec", "--json"}, desc.Args)
	assert.Equal(t, "fix the bug", desc.Stdin, "codex takes its prompt over stdin, not as an arg")
}

func TestCodex_GetCapabilities_NoSubscriptionBilling(t *testing.T) {
	caps := NewCodex().GetCapabilities()
	assert.Equal(t, "codex", caps.ID)
	assert.Equal(t, "gpt-5-codex", caps.Model)
	assert.False(t, caps.SubscriptionBill, "codex is API-only, unlike ClaudeCode/Gemini")
	assert.Equal(t, "OPENAI_API_KEY", caps.APIEnvVar)
}

func TestCodex_BuildPlanningCommand_DeliversPromptOverStdin(t *testing.T) {
	a := NewCodex()
	desc, err := a.BuildPlanningCommand(PlanRequest{Objective: "ship the feature"}, CommandOptions{})
	require.NoError(t, err)
	assert.Contains(t, desc.Stdin, "ship the feature")
}
