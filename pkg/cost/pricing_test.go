package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateCostFromTokens(t *testing.T) {
	calc := NewCalculator()

	cost, err := calc.CalculateCostFromTokens("gpt-4o", 1000, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.0125, cost, 1e-9)

	// Unknown model falls back to the default row.
	cost, err = calc.CalculateCostFromTokens("mystery-model", 1000, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.001, cost, 1e-9)

	// The development fallback executor is free.
	cost, err = calc.CalculateCostFromTokens("fallback", 5000, 5000)
	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestNegativeTokensRejected(t *testing.T) {
	calc := NewCalculator()
	_, err := calc.CalculateCostFromTokens("gpt-4o", -1, 0)
	assert.Error(t, err)
}

func TestSetModelPricing(t *testing.T) {
	calc := NewCalculator()
	calc.SetModelPricing("custom", ModelPricing{PromptPer1K: 0.01, CompletionPer1K: 0.02})

	cost, err := calc.CalculateCostFromTokens("custom", 500, 500)
	require.NoError(t, err)
	assert.InDelta(t, 0.015, cost, 1e-9)
}
