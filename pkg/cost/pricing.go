package cost

import (
	"fmt"
	"sync"
)

// ModelPricing holds per-1K-token prices in USD.
type ModelPricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// defaultPricing is the fixed per-unit pricing table used to attribute a
// dollar cost to every finalized action.
var defaultPricing = map[string]ModelPricing{
	"gpt-4o":          {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
	"gpt-4o-mini":     {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	"claude-sonnet":   {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"claude-haiku":    {PromptPer1K: 0.0008, CompletionPer1K: 0.004},
	"fallback":        {PromptPer1K: 0, CompletionPer1K: 0},
	"default":         {PromptPer1K: 0.001, CompletionPer1K: 0.002},
}

// Calculator converts token usage into dollars using a fixed pricing table.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCalculator creates a calculator with the built-in pricing table.
func NewCalculator() *Calculator {
	table := make(map[string]ModelPricing, len(defaultPricing))
	for k, v := range defaultPricing {
		table[k] = v
	}
	return &Calculator{pricing: table}
}

// SetModelPricing overrides or adds pricing for a model.
func (c *Calculator) SetModelPricing(modelID string, pricing ModelPricing) {
	c.mu.Lock()
	c.pricing[modelID] = pricing
	c.mu.Unlock()
}

// CalculateCostFromTokens returns the dollar cost of a call. Unknown models
// fall back to the "default" row rather than erroring: cost attribution is
// advisory and must not fail the pipeline.
func (c *Calculator) CalculateCostFromTokens(modelID string, promptTokens, completionTokens int) (float64, error) {
	if promptTokens < 0 || completionTokens < 0 {
		return 0, fmt.Errorf("negative token counts: prompt=%d completion=%d", promptTokens, completionTokens)
	}

	c.mu.RLock()
	pricing, ok := c.pricing[modelID]
	if !ok {
		pricing = c.pricing["default"]
	}
	c.mu.RUnlock()

	cost := float64(promptTokens)/1000*pricing.PromptPer1K +
		float64(completionTokens)/1000*pricing.CompletionPer1K
	return cost, nil
}
