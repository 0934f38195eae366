package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGemini_BuildCommand_PromptAsFlag(t *testing.T) {
	a := NewGemini()
	desc, err := a.BuildCommand("fix the bug", CommandOptions{Cwd: "/work/task-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"-p", "fix the bug", "--output-format", "json"}, desc.Args)
}

func TestGemini_BuildPlanningCommand_PromptAsPositional(t *testing.T) {
	a := NewGemini()
	desc, err := a.BuildPlanningCommand(PlanRequest{Objective: "ship the feature"}, CommandOptions{})
	require.NoError(t, err)

	require.NotEmpty(t, desc.Args)
	assert.Contains(t, desc.Args[0], "ship the feature",
		"gemini's planning invocation passes the prompt as a bare positional arg, unlike its task invocation's -p flag")
}

func TestGemini_GetCapabilities(t *testing.T) {
	caps := NewGemini().GetCapabilities()
	assert.Equal(t, "gemini", caps.ID)
	assert.Equal(t, "gemini-pro", caps.Model)
	assert.True(t, caps.SubscriptionBill)
	assert.Equal(t, "GEMINI_API_KEY", caps.APIEnvVar)
}
