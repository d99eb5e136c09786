package sessionrt

import (
	"fmt"
	"sync"

	"github.com/forgeline/agentrt/llmclient"
)

// CostLimits caps a session by token count and/or estimated dollar cost.
// Zero values mean unlimited.
type CostLimits struct {
	MaxTokens int
	MaxCost   float64
}

// CostSnapshot is a point-in-time view of accumulated usage and pricing.
type CostSnapshot struct {
	Model         string  `json:"model"`
	InputTokens   int     `json:"inputTokens"`
	OutputTokens  int     `json:"outputTokens"`
	TotalTokens   int     `json:"totalTokens"`
	EstimatedCost float64 `json:"estimatedCost"`
	MaxTokens     int     `json:"maxTokens,omitempty"`
	MaxCost       float64 `json:"maxCost,omitempty"`
}

// LimitStatus is the result of evaluating usage against configured limits.
// Warning fires at 80% of a limit, Exceeded at 100%. When both limits trip,
// tokens take precedence as the reported LimitType.
type LimitStatus struct {
	Warning    bool
	Exceeded   bool
	Percentage float64
	LimitType  string // "tokens" or "cost"
	Message    string
}

// CostTracker accumulates token usage for one session and prices it against
// the model catalog.
type CostTracker struct {
	mu     sync.Mutex
	model  string
	limits CostLimits
	input  int
	output int
}

// NewCostTracker creates a tracker for model with optional limits.
func NewCostTracker(model string, limits CostLimits) *CostTracker {
	return &CostTracker{model: model, limits: limits}
}

// AddUsage accumulates one turn's token delta.
func (t *CostTracker) AddUsage(input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if input > 0 {
		t.input += input
	}
	if output > 0 {
		t.output += output
	}
}

// EstimatedCost prices accumulated usage per the model's catalog entry,
// falling back to default pricing for unknown models.
func (t *CostTracker) EstimatedCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.estimatedCostLocked()
}

func (t *CostTracker) estimatedCostLocked() float64 {
	p := llmclient.PricingFor(t.model)
	return float64(t.input)/1e6*p.InputPerMillion + float64(t.output)/1e6*p.OutputPerMillion
}

// HasLimits reports whether any limit is configured.
func (t *CostTracker) HasLimits() bool {
	return t.limits.MaxTokens > 0 || t.limits.MaxCost > 0
}

// Snapshot returns the current totals, estimated cost, and limits.
func (t *CostTracker) Snapshot() CostSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return CostSnapshot{
		Model:         t.model,
		InputTokens:   t.input,
		OutputTokens:  t.output,
		TotalTokens:   t.input + t.output,
		EstimatedCost: t.estimatedCostLocked(),
		MaxTokens:     t.limits.MaxTokens,
		MaxCost:       t.limits.MaxCost,
	}
}

// CheckLimits evaluates usage against each configured limit independently
// and reports the limit closest to (or past) its threshold.
func (t *CostTracker) CheckLimits() LimitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.input + t.output
	cost := t.estimatedCostLocked()

	var status LimitStatus
	if t.limits.MaxTokens > 0 {
		pct := float64(total) / float64(t.limits.MaxTokens) * 100
		status = LimitStatus{
			Percentage: pct,
			LimitType:  "tokens",
			Message:    fmt.Sprintf("token usage at %.1f%% of limit (%d/%d tokens)", pct, total, t.limits.MaxTokens),
		}
	}
	if t.limits.MaxCost > 0 {
		pct := cost / t.limits.MaxCost * 100
		// Tokens take precedence unless cost is strictly closer to its limit.
		if status.LimitType == "" || (pct > status.Percentage && !(status.Percentage >= 100)) {
			status = LimitStatus{
				Percentage: pct,
				LimitType:  "cost",
				Message:    fmt.Sprintf("estimated cost at %.1f%% of limit ($%.4f/$%.2f)", pct, cost, t.limits.MaxCost),
			}
		}
	}

	if status.LimitType == "" {
		return LimitStatus{}
	}
	status.Warning = status.Percentage >= 80
	status.Exceeded = status.Percentage >= 100
	return status
}
