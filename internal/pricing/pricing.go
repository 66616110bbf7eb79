// Package pricing estimates what a supervisor call costs.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known list prices as of Feb 2026. Gateway models ("openclaw:*") are
// billed by the runtime and count as free here.
var knownModels = map[string]ModelPricing{
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	"gemini-2.5-pro":        {1.25, 10.00},
	"claude-sonnet-4-5":     {3.00, 15.00},
	"claude-haiku-4-5":      {1.00, 5.00},
	"gpt-4o":                {2.50, 10.00},
	"gpt-4o-mini":           {0.15, 0.60},
}

// Lookup finds pricing for model. Provider prefixes ("openai/gpt-4o",
// "googleai/gemini-2.5-flash") are ignored.
func Lookup(model string) (ModelPricing, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if strings.HasPrefix(model, "openclaw:") {
		return ModelPricing{}, true
	}
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	p, ok := knownModels[model]
	return p, ok
}

// EstimateCost returns the estimated USD cost for the given token counts,
// or 0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
