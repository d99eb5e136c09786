package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmProvider implements Provider on top of gollm, giving access to any
// vendor gollm supports through one adapter.
type GollmProvider struct {
	vendor string
	llm    gollm.LLM
	model  string
}

// GollmOption configures a GollmProvider.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithGollmAPIKey sets the API key. When empty, gollm reads it from the
// vendor's environment variable.
func WithGollmAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithGollmModel sets the default model.
func WithGollmModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithGollmMaxTokens sets the default max output tokens.
func WithGollmMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithGollmOptions appends extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmProvider creates a provider for the given vendor ("openai",
// "anthropic", "gemini", ...).
func NewGollmProvider(vendor string, opts ...GollmOption) (*GollmProvider, error) {
	cfg := &gollmConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch vendor {
		case "anthropic":
			model = "claude-sonnet-4-5"
		case "gemini":
			model = "gemini-3-pro-preview"
		default:
			model = "gpt-5.2-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(vendor),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // the session runtime owns retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for %s: %w", vendor, err)
	}

	return &GollmProvider{vendor: vendor, llm: llm, model: model}, nil
}

// NewGollmProviderFromLLM wraps an existing gollm.LLM instance.
func NewGollmProviderFromLLM(vendor string, llm gollm.LLM) *GollmProvider {
	return &GollmProvider{vendor: vendor, llm: llm}
}

// Chat sends one blocking request and translates the result.
func (p *GollmProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	prompt := p.translateRequest(req)

	if req.Model != "" {
		p.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		p.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens > 0 {
		p.llm.SetOption("max_tokens", req.MaxTokens)
	}

	text, err := p.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, p.translateError(err)
	}

	return p.buildResponse(req, text), nil
}

// translateRequest flattens the transcript into a gollm Prompt. gollm takes
// a single prompt string, so assistant and tool turns become bracketed
// context lines.
func (p *GollmProvider) translateRequest(req ChatRequest) *gollm.Prompt {
	var parts []string
	system := req.System

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system += "\n" + msg.Content
		case RoleUser:
			parts = append(parts, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, "[Assistant]: "+msg.Content)
			}
		case RoleTool:
			prefix := "[Tool Result]"
			if msg.IsError {
				prefix = "[Tool Error]"
			}
			parts = append(parts, prefix+": "+msg.Content)
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if strings.TrimSpace(system) != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(system), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		promptOpts = append(promptOpts, gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// buildResponse constructs a ChatResponse, extracting any tool calls gollm
// embedded in the response text.
func (p *GollmProvider) buildResponse(req ChatRequest, text string) *ChatResponse {
	model := req.Model
	if model == "" {
		model = p.model
	}

	toolCalls := parseEmbeddedToolCalls(text)
	content := text
	stopReason := StopEndTurn
	if len(toolCalls) > 0 {
		content = stripToolCallJSON(text)
		stopReason = StopToolUse
	}

	return &ChatResponse{
		ID:         "resp_" + uuid.New().String()[:8],
		Model:      model,
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage: Usage{
			// gollm does not expose usage; estimate at ~4 chars per token.
			InputTokens:  estimateRequestTokens(req),
			OutputTokens: len(text) / 4,
		},
	}
}

// parseEmbeddedToolCalls extracts tool calls that gollm returns as JSON in
// the response text.
func parseEmbeddedToolCalls(text string) []ToolCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
		return nil
	}

	calls := make([]ToolCall, 0, len(rawCalls))
	for _, rc := range rawCalls {
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls
}

func stripToolCallJSON(text string) string {
	if idx := strings.Index(text, `[{"name"`); idx != -1 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

// translateError classifies a gollm error into the provider taxonomy so the
// retry policy sees structured status codes rather than raw strings.
func (p *GollmProvider) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	status := 0
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		status = 401
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		status = 403
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		status = 404
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		status = 429
	case strings.Contains(lower, "503") || strings.Contains(lower, "service unavailable") || strings.Contains(lower, "overloaded"):
		status = 503
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		status = 500
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		status = 408
	}

	return NewProviderError(p.vendor, status, msg, err)
}

func estimateRequestTokens(req ChatRequest) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}
