package sessionrt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/forgeline/agentrt/llmclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replays a fixed sequence of responses or errors, one per
// Chat call, and records every request it receives. The final step repeats
// if the loop asks for more turns.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []func() (*llmclient.ChatResponse, error)
	calls int
	reqs  []llmclient.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req llmclient.ChatRequest) (*llmclient.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	p.calls++
	p.reqs = append(p.reqs, req)
	return p.steps[i]()
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) request(i int) llmclient.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[i]
}

func respond(content string, usage llmclient.Usage, toolCalls ...llmclient.ToolCall) func() (*llmclient.ChatResponse, error) {
	stop := llmclient.StopEndTurn
	if len(toolCalls) > 0 {
		stop = llmclient.StopToolUse
	}
	return func() (*llmclient.ChatResponse, error) {
		return &llmclient.ChatResponse{
			Content:    content,
			ToolCalls:  toolCalls,
			StopReason: stop,
			Usage:      usage,
		}, nil
	}
}

func fail(err error) func() (*llmclient.ChatResponse, error) {
	return func() (*llmclient.ChatResponse, error) { return nil, err }
}

func fastRetry() llmclient.RetryConfig {
	return llmclient.RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Enabled:    true,
	}
}

func baseDeps(t *testing.T, provider llmclient.Provider) Dependencies {
	t.Helper()
	return Dependencies{
		Provider: provider,
		Registry: testCatalog(),
		Roles:    testRoles(),
		Handlers: map[string]ToolHandler{
			"read_file": func(_ context.Context, args map[string]any, _ ExecContext) (*ToolResult, error) {
				path, _ := GetStringArg(args, "path")
				return &ToolResult{Success: true, Data: "contents of " + path}, nil
			},
			"write_file": func(context.Context, map[string]any, ExecContext) (*ToolResult, error) {
				return &ToolResult{Success: true}, nil
			},
		},
		Logger: testLogger(),
	}
}

func TestRunSessionValidatesDependencies(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){respond("hi", llmclient.Usage{})}}

	_, err := RunSession(ctx, LoopConfig{Role: RoleImpl}, Dependencies{Registry: testCatalog(), Roles: testRoles()})
	require.ErrorContains(t, err, "provider is required")

	_, err = RunSession(ctx, LoopConfig{Role: RoleImpl}, Dependencies{Provider: provider, Roles: testRoles()})
	require.ErrorContains(t, err, "tool registry is required")

	_, err = RunSession(ctx, LoopConfig{Role: RoleImpl}, Dependencies{Provider: provider, Registry: testCatalog()})
	require.ErrorContains(t, err, "role source is required")

	_, err = RunSession(ctx, LoopConfig{Role: "auditor"}, baseDeps(t, provider))
	require.ErrorContains(t, err, "unknown role: auditor")
}

func TestRunSessionSimpleCompletion(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("done", llmclient.Usage{InputTokens: 10, OutputTokens: 5}),
	}}

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "say done",
	}, baseDeps(t, provider))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StopReasonEndTurn, result.StopReason)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 15, result.TokensUsed)
	assert.NotEmpty(t, result.SessionID)
}

// A caller that pre-creates the session (to share it with the shutdown
// coordinator) must still get the initial prompt into the transcript: the
// first provider request carries it as the user message.
func TestRunSessionPromptWithPrecreatedSession(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("done", llmclient.Usage{InputTokens: 10, OutputTokens: 5}),
	}}
	deps := baseDeps(t, provider)
	deps.Session = NewSession(RoleImpl, "claude-sonnet-4-5")

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "fix the login bug",
	}, deps)
	require.NoError(t, err)
	require.True(t, result.Success)

	first := provider.request(0)
	require.Len(t, first.Messages, 1)
	assert.Equal(t, llmclient.RoleUser, first.Messages[0].Role)
	assert.Equal(t, "fix the login bug", first.Messages[0].Content)
}

// A spawner in the dependencies registers spawn_session and binds it to the
// running session as parent; the child's first provider request carries the
// task as its user prompt.
func TestRunSessionSpawnerRegistersSpawnTool(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("delegating", llmclient.Usage{InputTokens: 10, OutputTokens: 5},
			llmclient.ToolCall{ID: "tc-1", Name: "spawn_session", Arguments: json.RawMessage(`{"task":"write the parser"}`)}),
		respond("child done", llmclient.Usage{InputTokens: 5, OutputTokens: 5}),
		respond("all done", llmclient.Usage{InputTokens: 20, OutputTokens: 5}),
	}}

	registry := NewToolRegistry()
	deps := Dependencies{
		Provider: provider,
		Registry: registry,
		Roles:    DefaultRoles(),
		Logger:   testLogger(),
	}
	parent := NewSession(RoleControl, "claude-sonnet-4-5")
	deps.Session = parent
	deps.Spawner = &LoopSpawner{
		Config:   LoopConfig{Role: RoleImpl, Model: "claude-sonnet-4-5"},
		Deps:     deps,
		MaxDepth: 2,
	}

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleControl, Model: "claude-sonnet-4-5", Prompt: "build a parser",
	}, deps)
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.NotNil(t, registry.Get("spawn_session"), "loop registers the spawn tool")
	assert.Equal(t, 3, provider.callCount())
	require.Len(t, parent.ChildSessionIDs, 1)

	// Call order: parent turn, child session, parent resumption. The child's
	// request starts from the task prompt alone.
	child := provider.request(1)
	require.Len(t, child.Messages, 1)
	assert.Equal(t, llmclient.RoleUser, child.Messages[0].Role)
	assert.Equal(t, "write the parser", child.Messages[0].Content)
}

func TestRunSessionExecutesToolCalls(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("reading", llmclient.Usage{InputTokens: 10, OutputTokens: 5},
			llmclient.ToolCall{ID: "tc-1", Name: "read_file", Arguments: json.RawMessage(`{"path":"main.go"}`)}),
		respond("all done", llmclient.Usage{InputTokens: 20, OutputTokens: 5}),
	}}
	deps := baseDeps(t, provider)
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	deps.Store = store

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "read main.go",
	}, deps)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 1, result.ToolCalls)

	// The persisted session carries the full transcript including the tool
	// result fed back to the model.
	loaded, err := store.Load(result.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.ToolCalls, 1)
	assert.True(t, loaded.ToolCalls[0].Allowed)
	assert.Equal(t, "read_file", loaded.ToolCalls[0].Tool)

	var sawToolResult bool
	for _, msg := range loaded.Messages {
		if msg.Role == llmclient.RoleTool && msg.ToolCallID == "tc-1" {
			sawToolResult = true
			assert.Equal(t, "contents of main.go", msg.Content)
		}
	}
	assert.True(t, sawToolResult)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Equal(t, OutcomeSuccess, loaded.Outcome)
}

// Transient provider errors are retried transparently: two 429s followed by a
// success completes the session, with the provider invoked three times.
func TestRunSessionRetriesTransientErrors(t *testing.T) {
	rateLimited := llmclient.NewProviderError("anthropic", 429, "rate limited", nil)
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		fail(rateLimited),
		fail(rateLimited),
		respond("recovered", llmclient.Usage{InputTokens: 10, OutputTokens: 5}),
	}}

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "hello",
		Retry: fastRetry(),
	}, baseDeps(t, provider))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StopReasonEndTurn, result.StopReason)
	assert.Equal(t, 3, provider.callCount())
}

func TestRunSessionNonRetryableErrorFailsFast(t *testing.T) {
	authErr := llmclient.NewProviderError("anthropic", 401, "bad key", nil)
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){fail(authErr)}}

	deps := baseDeps(t, provider)
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	deps.Store = store

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "hello",
		Retry: fastRetry(),
	}, deps)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StopReasonError, result.StopReason)
	assert.Equal(t, 1, provider.callCount())

	loaded, err := store.Load(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	require.NotNil(t, loaded.Error)
	assert.False(t, loaded.Error.Recoverable)
}

// Crossing the token limit stops the session mid-flight with stop reason
// cost_limit, even though the response itself succeeded.
func TestRunSessionStopsOnCostLimit(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("expensive answer", llmclient.Usage{InputTokens: 400, OutputTokens: 200}),
	}}

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "hello",
		Limits: CostLimits{MaxTokens: 500},
	}, baseDeps(t, provider))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StopReasonCostLimit, result.StopReason)
	assert.Equal(t, 600, result.TokensUsed)
	require.NotNil(t, result.Cost)
	assert.Equal(t, 500, result.Cost.MaxTokens)
	assert.Contains(t, result.Error, "token usage")
}

// A denied tool call is recorded and fed back to the model; the session keeps
// going and can still finish successfully.
func TestRunSessionDenialDoesNotAbortTurn(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		// create_chain is control-only; the impl role may not call it.
		respond("trying", llmclient.Usage{InputTokens: 10, OutputTokens: 5},
			llmclient.ToolCall{ID: "tc-1", Name: "create_chain", Arguments: json.RawMessage(`{}`)}),
		respond("fine, done", llmclient.Usage{InputTokens: 20, OutputTokens: 5}),
	}}
	deps := baseDeps(t, provider)
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	deps.Store = store

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "make a chain",
	}, deps)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StopReasonEndTurn, result.StopReason)
	assert.Equal(t, 2, result.Iterations)

	loaded, err := store.Load(result.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.ToolCalls, 1)
	assert.False(t, loaded.ToolCalls[0].Allowed)
	assert.Equal(t, "Tool create_chain is not available to impl role", loaded.ToolCalls[0].DenialReason)

	// The denial reason reaches the model as an error tool result.
	var sawDenial bool
	for _, msg := range loaded.Messages {
		if msg.Role == llmclient.RoleTool && msg.ToolCallID == "tc-1" {
			sawDenial = true
			assert.True(t, msg.IsError)
			assert.Contains(t, msg.Content, "not available")
		}
	}
	assert.True(t, sawDenial)
}

// An approval timeout pauses the handler and ends the session with stop
// reason paused; the timed-out call lands as a denial record.
func TestRunSessionApprovalTimeoutPauses(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("deploying", llmclient.Usage{InputTokens: 10, OutputTokens: 5},
			llmclient.ToolCall{ID: "tc-1", Name: "deploy", Arguments: json.RawMessage(`{}`)}),
	}}
	deps := baseDeps(t, provider)
	deps.Checkpoint = NewCheckpointHandler(CheckpointConfig{
		RequireApproval: true,
		ApprovalTimeout: 10 * time.Millisecond,
	})
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	deps.Store = store

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "deploy it",
	}, deps)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StopReasonPaused, result.StopReason)

	loaded, err := store.Load(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, loaded.Status)
	require.Len(t, loaded.ToolCalls, 1)
	assert.False(t, loaded.ToolCalls[0].Allowed)
	assert.Equal(t, "timeout", loaded.ToolCalls[0].DenialReason)
}

// An approval rejection denies only the single call; the loop continues.
func TestRunSessionApprovalRejectionContinues(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("deploying", llmclient.Usage{InputTokens: 10, OutputTokens: 5},
			llmclient.ToolCall{ID: "tc-1", Name: "deploy", Arguments: json.RawMessage(`{}`)}),
		respond("skipped deploy, done", llmclient.Usage{InputTokens: 20, OutputTokens: 5}),
	}}
	deps := baseDeps(t, provider)
	checkpoint := NewCheckpointHandler(CheckpointConfig{
		RequireApproval: true,
		ApprovalTimeout: 5 * time.Second,
	})
	checkpoint.cfg.OnRequest = func(req ApprovalRequest) {
		go func() { _ = checkpoint.Respond(req.ID, false, "not in this environment") }()
	}
	deps.Checkpoint = checkpoint

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "deploy it",
	}, deps)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, StopReasonEndTurn, result.StopReason)
}

func TestRunSessionMaxIterations(t *testing.T) {
	// The provider always asks for another tool call, so the iteration cap
	// is the only way out.
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("again", llmclient.Usage{InputTokens: 5, OutputTokens: 5},
			llmclient.ToolCall{ID: "tc-1", Name: "read_file", Arguments: json.RawMessage(`{"path":"x"}`)}),
	}}

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "loop forever",
		MaxIterations: 3,
	}, baseDeps(t, provider))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StopReasonMaxIterations, result.StopReason)
	assert.Equal(t, 3, result.Iterations)
	assert.Contains(t, result.Error, "maximum of 3 iterations")
}

func TestRunSessionDryRunStubsExecution(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("writing", llmclient.Usage{InputTokens: 10, OutputTokens: 5},
			llmclient.ToolCall{ID: "tc-1", Name: "write_file", Arguments: json.RawMessage(`{"path":"out.txt"}`)}),
		respond("done", llmclient.Usage{InputTokens: 10, OutputTokens: 5}),
	}}
	deps := baseDeps(t, provider)
	// A handler that would fail loudly if dry-run ever dispatched it.
	deps.Handlers["write_file"] = func(context.Context, map[string]any, ExecContext) (*ToolResult, error) {
		t.Fatal("handler must not run in dry-run mode")
		return nil, nil
	}
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	deps.Store = store

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "write it", DryRun: true,
	}, deps)
	require.NoError(t, err)

	assert.True(t, result.Success)
	loaded, err := store.Load(result.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.ToolCalls, 1)
	require.NotNil(t, loaded.ToolCalls[0].Result)
	assert.Equal(t, "[dry-run] write_file not executed", loaded.ToolCalls[0].Result.Content())
}

func TestRunSessionMalformedToolArguments(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("calling", llmclient.Usage{InputTokens: 10, OutputTokens: 5},
			llmclient.ToolCall{ID: "tc-1", Name: "read_file", Arguments: json.RawMessage(`{broken`)}),
		respond("done", llmclient.Usage{InputTokens: 10, OutputTokens: 5}),
	}}
	deps := baseDeps(t, provider)
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	deps.Store = store

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "go",
	}, deps)
	require.NoError(t, err)

	// The parse failure is reported to the model as a failed tool result;
	// the session still completes.
	assert.True(t, result.Success)
	loaded, err := store.Load(result.SessionID)
	require.NoError(t, err)
	require.Len(t, loaded.ToolCalls, 1)
	require.NotNil(t, loaded.ToolCalls[0].Result)
	assert.Contains(t, loaded.ToolCalls[0].Result.Error, "invalid tool arguments")
}

func TestRunSessionResumesExistingSession(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("picking up where we left off", llmclient.Usage{InputTokens: 30, OutputTokens: 10}),
	}}
	deps := baseDeps(t, provider)

	resumed := NewSession(RoleImpl, "claude-sonnet-4-5")
	resumed.AddMessage(llmclient.UserMessage("original task"))
	resumed.AddMessage(llmclient.AssistantMessage("partial progress"))
	resumed.UpdateTokenUsage(100, 50)
	resumed.SetStatus(StatusPaused)
	deps.Session = resumed

	result, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5",
		Prompt: "this prompt must be ignored on resume",
	}, deps)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, resumed.ID, result.SessionID)
	// Prior usage is carried into the tracker, not lost on resume.
	assert.Equal(t, 190, result.TokensUsed)

	msgs := resumed.Transcript()
	require.Len(t, msgs, 3)
	assert.Equal(t, "original task", msgs[0].Content, "no duplicate initial prompt on resume")
}

func TestRunSessionObserverCallbacks(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("reading", llmclient.Usage{InputTokens: 10, OutputTokens: 5},
			llmclient.ToolCall{ID: "tc-1", Name: "read_file", Arguments: json.RawMessage(`{"path":"x"}`)}),
		respond("done", llmclient.Usage{InputTokens: 10, OutputTokens: 5}),
	}}
	deps := baseDeps(t, provider)

	var mu sync.Mutex
	var messages, toolCalls, toolResults int
	deps.Observer = &Observer{
		OnMessage:    func(llmclient.Message) { mu.Lock(); messages++; mu.Unlock() },
		OnToolCall:   func(ToolCallRecord) { mu.Lock(); toolCalls++; mu.Unlock() },
		OnToolResult: func(ToolCallRecord) { mu.Lock(); toolResults++; mu.Unlock() },
	}

	_, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "go",
	}, deps)
	require.NoError(t, err)

	// user prompt + 2 assistant turns + 1 tool result message.
	assert.Equal(t, 4, messages)
	assert.Equal(t, 1, toolCalls)
	assert.Equal(t, 1, toolResults)
}

func TestRunSessionEmitsLifecycleEvents(t *testing.T) {
	provider := &scriptedProvider{steps: []func() (*llmclient.ChatResponse, error){
		respond("done", llmclient.Usage{InputTokens: 10, OutputTokens: 5}),
	}}
	deps := baseDeps(t, provider)
	emitter := NewEmitter("", 64)
	deps.Emitter = emitter

	_, err := RunSession(context.Background(), LoopConfig{
		Role: RoleImpl, Model: "claude-sonnet-4-5", Prompt: "go",
	}, deps)
	require.NoError(t, err)
	emitter.Close()

	var kinds []EventKind
	for ev := range emitter.Events() {
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventSessionStart, kinds[0])
	assert.Equal(t, EventSessionEnd, kinds[len(kinds)-1])
	assert.Contains(t, kinds, EventTurnStart)
	assert.Contains(t, kinds, EventMessage)
}
