package llmclient

import "strings"

// ModelPricing gives USD cost per million tokens for one model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing is used for models not present in the catalog.
var DefaultPricing = ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0}

// Built-in pricing catalog (February 2026).
var modelPricing = map[string]ModelPricing{
	"claude-opus-4-6":      {InputPerMillion: 15.0, OutputPerMillion: 75.0},
	"claude-sonnet-4-5":    {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	"claude-haiku-4-5":     {InputPerMillion: 1.0, OutputPerMillion: 5.0},
	"gpt-5.2":              {InputPerMillion: 2.50, OutputPerMillion: 10.0},
	"gpt-5.2-mini":         {InputPerMillion: 0.75, OutputPerMillion: 3.0},
	"gpt-5.2-codex":        {InputPerMillion: 2.50, OutputPerMillion: 10.0},
	"gemini-3-pro-preview": {InputPerMillion: 1.25, OutputPerMillion: 5.0},
}

var modelAliases = map[string]string{
	"opus":       "claude-opus-4-6",
	"sonnet":     "claude-sonnet-4-5",
	"haiku":      "claude-haiku-4-5",
	"gpt5":       "gpt-5.2",
	"gpt5-mini":  "gpt-5.2-mini",
	"codex":      "gpt-5.2-codex",
	"gemini-pro": "gemini-3-pro-preview",
}

// PricingFor resolves pricing for a model id or alias, falling back to
// DefaultPricing for unknown models. Dated model ids (e.g. a -20260115
// suffix) resolve by prefix.
func PricingFor(model string) ModelPricing {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	if canonical, ok := modelAliases[model]; ok {
		return modelPricing[canonical]
	}
	for id, p := range modelPricing {
		if strings.HasPrefix(model, id) {
			return p
		}
	}
	return DefaultPricing
}

// KnownModel reports whether the catalog has an exact entry for model.
func KnownModel(model string) bool {
	if _, ok := modelPricing[model]; ok {
		return true
	}
	_, ok := modelAliases[model]
	return ok
}
