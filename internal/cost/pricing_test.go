package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateUSD_PerModelRates(t *testing.T) {
	const tokens = 1_000_000

	sonnet := EstimateUSD("claude-sonnet", tokens, 0)
	opus := EstimateUSD("claude-opus", tokens, 0)
	codex := EstimateUSD("gpt-5-codex", tokens, 0)
	gemini := EstimateUSD("gemini-pro", tokens, 0)

	assert.Equal(t, 3.0, sonnet)
	assert.Equal(t, 15.0, opus)
	assert.Equal(t, 1.25, codex)
	assert.Equal(t, 1.25, gemini)
}

func TestEstimateUSD_UnknownModelFallsBackToDefault(t *testing.T) {
	got := EstimateUSD("some-unlisted-model", 1_000_000, 1_000_000)
	assert.Equal(t, 3.0+15.0, got)
}
