// Package cost estimates provider spend from token usage.
package cost

import (
	"strings"
	"sync"

	"github.com/sells-group/groundtruth/internal/model"
)

// Rates maps provider → model → token pricing.
type Rates map[string]map[string]ModelRate

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input        float64 `yaml:"input" mapstructure:"input"`
	Output       float64 `yaml:"output" mapstructure:"output"`
	CacheReadMul float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Usage is the token count of one call.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Call computes the cost of one call. Unknown models cost 0.
func (c *Calculator) Call(provider, modelID string, u Usage) float64 {
	rate, ok := c.rates[strings.ToLower(provider)][modelID]
	if !ok {
		return 0
	}
	inCost := (float64(u.InputTokens) / 1e6) * rate.Input
	outCost := (float64(u.OutputTokens) / 1e6) * rate.Output
	crCost := (float64(u.CacheReadTokens) / 1e6) * rate.Input * rate.CacheReadMul
	return inCost + outCost + crCost
}

// Known reports whether rates exist for the model.
func (c *Calculator) Known(provider, modelID string) bool {
	_, ok := c.rates[strings.ToLower(provider)][modelID]
	return ok
}

// Tally accumulates usage across concurrent calls.
type Tally struct {
	calc *Calculator

	mu    sync.Mutex
	total model.TokenUsage
	calls int
}

// NewTally creates an empty tally priced by calc.
func NewTally(calc *Calculator) *Tally {
	return &Tally{calc: calc}
}

// Add records one call and returns its cost.
func (t *Tally) Add(provider, modelID string, u Usage) float64 {
	var c float64
	if t.calc != nil {
		c = t.calc.Call(provider, modelID, u)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.Add(model.TokenUsage{
		InputTokens:  u.InputTokens + u.CacheReadTokens,
		OutputTokens: u.OutputTokens,
		Cost:         c,
	})
	t.calls++
	return c
}

// Total returns the accumulated usage and the number of calls.
func (t *Tally) Total() (model.TokenUsage, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total, t.calls
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"anthropic": {
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00, CacheReadMul: 0.1},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, CacheReadMul: 0.1},
		},
		"openai": {
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
			"gpt-4o":      {Input: 2.50, Output: 10.00},
		},
		"deepseek": {
			"deepseek-chat": {Input: 0.27, Output: 1.10},
		},
		"gemini": {
			"gemini-2.0-flash":      {Input: 0.10, Output: 0.40},
			"gemini-2.0-flash-lite": {Input: 0.075, Output: 0.30},
		},
	}
}
