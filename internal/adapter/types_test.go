package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokensHeuristic(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		input  int
		output int
	}{
		{name: "empty prompt", prompt: "", input: 0, output: 0},
		{name: "three chars per token", prompt: "abcdefghi", input: 3, output: 1},
		{name: "output is half of input, rounded down", prompt: "abcdefghijklmno", input: 5, output: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokensHeuristic(tt.prompt)
			assert.Equal(t, tt.input, got.Input)
			assert.Equal(t, tt.output, got.Output)
			assert.Equal(t, tt.input+tt.output, got.Total)
		})
	}
}
