package adapter

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResultJSON(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		stderr   string
		exitCode int
		want     ParsedOutput
	}{
		{
			name:     "non-zero exit is always a failure",
			stdout:   `{"output":"partial"}`,
			stderr:   "boom",
			exitCode: 1,
			want:     ParsedOutput{Success: false, Error: "boom", ExitCode: 1},
		},
		{
			name:     "empty stdout on success is an empty-output success",
			stdout:   "   \n",
			exitCode: 0,
			want:     ParsedOutput{Success: true, Output: "", ExitCode: 0},
		},
		{
			name:     "JSON parse failure falls back to opaque success text",
			stdout:   "not json at all",
			exitCode: 0,
			want:     ParsedOutput{Success: true, Output: "not json at all", ExitCode: 0},
		},
		{
			name:     "explicit error field is a failure regardless of exit code",
			stdout:   `{"error":"something went wrong"}`,
			exitCode: 0,
			want:     ParsedOutput{Success: false, Error: "something went wrong", ExitCode: 0},
		},
		{
			name:     "normalized tokensUsed block maps straight through",
			stdout:   `{"output":"done","tokensUsed":{"input":10,"output":20}}`,
			exitCode: 0,
			want: ParsedOutput{
				Success: true, Output: "done", ExitCode: 0,
				Metadata: Metadata{TokensUsed: &TokensUsed{Input: 10, Output: 20, Total: 30}},
			},
		},
		{
			name:     "vendor-native usageMetadata block normalizes to the same shape",
			stdout:   `{"output":"done","usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3}}`,
			exitCode: 0,
			want: ParsedOutput{
				Success: true, Output: "done", ExitCode: 0,
				Metadata: Metadata{TokensUsed: &TokensUsed{Input: 7, Output: 3, Total: 10}},
			},
		},
		{
			name:     "output falls back to raw stdout when the output field is empty",
			stdout:   `{"success":true}`,
			exitCode: 0,
			want:     ParsedOutput{Success: true, Output: `{"success":true}`, ExitCode: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseResultJSON(tt.stdout, tt.stderr, tt.exitCode)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no fence passes through", in: `{"tasks":[]}`, want: `{"tasks":[]}`},
		{
			name: "json-tagged fence stripped",
			in:   "```json\n{\"tasks\":[]}\n```",
			want: `{"tasks":[]}`,
		},
		{
			name: "bare fence stripped",
			in:   "```\n{\"tasks\":[]}\n```",
			want: `{"tasks":[]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCodeFences(tt.in))
		})
	}
}

func TestParsePlanJSON(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		exitCode int
		check    func(t *testing.T, got PlanResult)
	}{
		{
			name:     "non-zero exit is a failure",
			stdout:   "",
			exitCode: 1,
			check: func(t *testing.T, got PlanResult) {
				assert.False(t, got.Success)
			},
		},
		{
			name:     "code-fenced plan JSON is stripped before parsing",
			stdout:   "```json\n{\"tasks\":[{\"id\":\"a\",\"name\":\"A\",\"prompt\":\"do a\",\"depends_on\":[]}]}\n```",
			exitCode: 0,
			check: func(t *testing.T, got PlanResult) {
				if assert.True(t, got.Success) && assert.Len(t, got.Tasks, 1) {
					assert.Equal(t, "a", got.Tasks[0].ID)
					assert.Equal(t, "do a", got.Tasks[0].Prompt)
				}
			},
		},
		{
			name:     "explicit error field in plan JSON is a failure",
			stdout:   `{"error":"could not decompose objective"}`,
			exitCode: 0,
			check: func(t *testing.T, got PlanResult) {
				assert.False(t, got.Success)
				assert.Equal(t, "could not decompose objective", got.Error)
			},
		},
		{
			name:     "unparseable plan JSON is a failure",
			stdout:   "not json",
			exitCode: 0,
			check: func(t *testing.T, got PlanResult) {
				assert.False(t, got.Success)
				assert.Contains(t, got.Error, "failed to parse plan output")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, parsePlanJSON(tt.stdout, "", tt.exitCode))
		})
	}
}

func TestDetectBillingMode(t *testing.T) {
	t.Run("falls back when unset", func(t *testing.T) {
		os.Unsetenv(billingModeEnvVar)
		assert.Equal(t, "api", detectBillingMode("api"))
	})

	t.Run("honors a recognized override", func(t *testing.T) {
		t.Setenv(billingModeEnvVar, "free")
		assert.Equal(t, "free", detectBillingMode("api"))
	})

	t.Run("ignores an unrecognized override", func(t *testing.T) {
		t.Setenv(billingModeEnvVar, "bogus")
		assert.Equal(t, "subscription", detectBillingMode("subscription"))
	})
}

func TestMergedEnv(t *testing.T) {
	env := mergedEnv(map[string]string{"ANTHROPIC_API_KEY": "sk-test"})
	assert.Contains(t, env, "ANTHROPIC_API_KEY=sk-test")
}
