package sessionrt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forgeline/agentrt/llmclient"
)

// StopReason is the terminal classification of why a session loop ended.
type StopReason string

const (
	StopReasonEndTurn       StopReason = "end_turn"
	StopReasonMaxIterations StopReason = "max_iterations"
	StopReasonCostLimit     StopReason = "cost_limit"
	StopReasonError         StopReason = "error"
	StopReasonPaused        StopReason = "paused"
)

// DefaultMaxIterations bounds a session when the config leaves it unset.
const DefaultMaxIterations = 50

// LoopConfig configures one session run.
type LoopConfig struct {
	Role         string
	Model        string
	ChainID      string
	TaskID       string
	Prompt       string // initial user input; ignored when resuming
	SystemPrompt string
	WorkDir      string

	MaxIterations int // 0 = DefaultMaxIterations
	DryRun        bool

	Retry  llmclient.RetryConfig // zero value = DefaultRetryConfig
	Limits CostLimits
}

// Dependencies are the collaborators a session run needs. Provider, Registry,
// and Roles are required; the rest are optional capabilities.
type Dependencies struct {
	Provider llmclient.Provider
	Registry *ToolRegistry
	Roles    RoleSource
	Handlers map[string]ToolHandler

	Locks      LockOracle
	Store      *Store
	Checkpoint *CheckpointHandler
	Shutdown   *ShutdownCoordinator
	Spawner    ChildSpawner
	Audit      AuditSink
	Observer   *Observer
	Emitter    *Emitter
	Logger     *slog.Logger

	// Session resumes an existing session; nil starts a new one.
	Session *Session
}

// SessionResult is what a finished (or interrupted) run reports.
type SessionResult struct {
	SessionID  string        `json:"sessionId"`
	Success    bool          `json:"success"`
	Iterations int           `json:"iterations"`
	ToolCalls  int           `json:"toolCalls"`
	TokensUsed int           `json:"tokensUsed"`
	StopReason StopReason    `json:"stopReason"`
	Cost       *CostSnapshot `json:"cost,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// runState carries the per-run collaborators through the turn machine.
type runState struct {
	cfg      LoopConfig
	deps     Dependencies
	session  *Session
	roleSpec *RoleSpec
	gate     *Gate
	executor *Executor
	tracker  *CostTracker
	logger   *slog.Logger

	iterations int
	toolCalls  int
}

// RunSession drives one session to a terminal state: repeatedly ask the
// provider for the next turn, authorize and execute requested tool calls,
// feed results back, and stop on end-of-turn, limits, errors, or pause.
// An error return means the run could not start; failures during the run
// come back as a non-successful SessionResult.
func RunSession(ctx context.Context, cfg LoopConfig, deps Dependencies) (*SessionResult, error) {
	if deps.Provider == nil {
		return nil, fmt.Errorf("run session: provider is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("run session: tool registry is required")
	}
	if deps.Roles == nil {
		return nil, fmt.Errorf("run session: role source is required")
	}

	roleSpec, err := deps.Roles.Resolve(cfg.Role)
	if err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	cfg.Retry = normalizeRetry(cfg.Retry)
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	session := deps.Session
	if session == nil {
		session = NewSession(cfg.Role, cfg.Model, WithChain(cfg.ChainID, cfg.TaskID))
	} else {
		session.SetStatus(StatusRunning)
	}

	tracker := NewCostTracker(cfg.Model, cfg.Limits)
	// A resumed session never loses previously accounted usage.
	usage := session.Usage()
	tracker.AddUsage(usage.Input, usage.Output)

	// A configured spawner exposes the spawn_session tool, bound to this
	// session as the parent. The handler map is copied so the caller's map
	// is never mutated.
	if deps.Spawner != nil {
		if deps.Registry.Get("spawn_session") == nil {
			deps.Registry.Register(SpawnToolSpec())
		}
		handlers := make(map[string]ToolHandler, len(deps.Handlers)+1)
		for name, h := range deps.Handlers {
			handlers[name] = h
		}
		handlers["spawn_session"] = SpawnToolHandler(deps.Spawner, session)
		deps.Handlers = handlers
	}

	st := &runState{
		cfg:      cfg,
		deps:     deps,
		session:  session,
		roleSpec: roleSpec,
		gate:     NewGate(deps.Registry, deps.Roles, deps.Locks),
		executor: NewExecutor(deps.Handlers, deps.Audit, logger),
		tracker:  tracker,
		logger:   logger,
	}

	// The initial prompt seeds an empty transcript only: a resumed session
	// already carries its task, and a freshly pre-created session (shared
	// with the shutdown coordinator, or spawned as a child) still needs it.
	if cfg.Prompt != "" && len(session.Transcript()) == 0 {
		userMsg := llmclient.UserMessage(cfg.Prompt)
		session.AddMessage(userMsg)
		deps.Observer.message(userMsg)
	}

	st.emit(EventSessionStart, map[string]any{"role": cfg.Role, "model": cfg.Model})
	st.save()

	for {
		// A shutdown request is observed at the turn boundary, never by
		// interrupting an in-flight provider call.
		if deps.Shutdown != nil && deps.Shutdown.ShuttingDown() {
			session.SetStatus(StatusPaused)
			return st.finish(StopReasonPaused, false, ""), nil
		}

		result := st.runTurn(ctx)
		if result != nil {
			return result, nil
		}

		if st.iterations >= cfg.MaxIterations {
			session.End(OutcomeFailure)
			return st.finish(StopReasonMaxIterations, false,
				fmt.Sprintf("reached maximum of %d iterations", cfg.MaxIterations)), nil
		}
	}
}

// runTurn executes one full turn. A nil return means the loop continues.
func (st *runState) runTurn(ctx context.Context) *SessionResult {
	turnDone := make(chan struct{})
	if st.deps.Shutdown != nil {
		st.deps.Shutdown.SetCurrentTurn(turnDone)
	}
	defer func() {
		close(turnDone)
		if st.deps.Shutdown != nil {
			st.deps.Shutdown.ClearCurrentTurn()
		}
	}()

	req := llmclient.ChatRequest{
		Model:    st.cfg.Model,
		System:   st.cfg.SystemPrompt,
		Messages: st.session.Transcript(),
		Tools:    st.deps.Registry.DefsForRole(st.roleSpec),
	}

	outcome := llmclient.WithRetry(ctx, st.cfg.Retry, func(ctx context.Context) (*llmclient.ChatResponse, error) {
		return st.deps.Provider.Chat(ctx, req)
	})
	if !outcome.Success {
		st.logger.Error("provider call failed", "session", st.session.ID,
			"attempts", outcome.Attempts, "retryable", outcome.WasRetryable, "error", outcome.Err)
		st.session.SetFailed(outcome.Err.Error(), outcome.WasRetryable)
		st.session.End(OutcomeFailure)
		return st.finish(StopReasonError, false, outcome.Err.Error())
	}
	resp := outcome.Value
	st.iterations++
	st.emit(EventTurnStart, map[string]any{"turn": st.iterations})

	assistantMsg := llmclient.AssistantMessage(resp.Content, resp.ToolCalls...)
	st.session.AddMessage(assistantMsg)
	st.deps.Observer.message(assistantMsg)
	st.emit(EventMessage, map[string]any{"role": "assistant", "content": resp.Content})

	// Commit the token delta before evaluating limits so a resumed session
	// never loses accounted usage.
	st.session.UpdateTokenUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	st.tracker.AddUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	st.session.IncrementTurnIndex()
	st.save()

	limits := st.tracker.CheckLimits()
	if limits.Exceeded {
		st.session.End(OutcomeFailure)
		return st.finish(StopReasonCostLimit, false, limits.Message)
	}
	if limits.Warning {
		st.emit(EventCostWarning, map[string]any{"message": limits.Message, "percentage": limits.Percentage})
	}

	if len(resp.ToolCalls) == 0 && resp.StopReason != llmclient.StopToolUse {
		st.session.End(OutcomeSuccess)
		return st.finish(StopReasonEndTurn, true, "")
	}

	// Tool calls run sequentially in response order: later calls may depend
	// on earlier side effects, and audit ordering must be deterministic.
	for _, tc := range resp.ToolCalls {
		if result := st.handleToolCall(ctx, tc); result != nil {
			return result
		}
	}
	return nil
}

// handleToolCall authorizes, optionally checkpoints, and dispatches one
// call. A non-nil return terminates the whole session.
func (st *runState) handleToolCall(ctx context.Context, tc llmclient.ToolCall) *SessionResult {
	args, err := ParseToolArguments(tc.Arguments)
	if err != nil {
		rec := ToolCallRecord{
			Tool:    tc.Name,
			Allowed: true,
			Result:  &ToolResult{Success: false, Error: fmt.Sprintf("Tool execution failed: %v", err)},
		}
		st.recordCall(rec)
		st.session.AddMessage(llmclient.ToolResultMessage(tc.ID, rec.Result.Error, true))
		st.save()
		return nil
	}

	req := ToolRequest{ID: tc.ID, Name: tc.Name, Args: args}
	decision := st.gate.DecideCtx(ctx, req, st.cfg.Role, st.cfg.ChainID)
	if !decision.Allowed {
		st.recordDenial(req, decision.Reason)
		return nil
	}

	spec := st.deps.Registry.Get(tc.Name)
	if st.deps.Checkpoint != nil && st.deps.Checkpoint.RequiresApproval(spec) {
		approval := st.deps.Checkpoint.RequestApproval(ctx, st.session.ID, req)
		st.emit(EventApproval, map[string]any{"tool": req.Name, "approved": approval.Approved, "reason": approval.Reason})
		if !approval.Approved {
			// Denials and timed-out approvals both land in the transcript as
			// denial records; only the paused handler ends the session.
			st.recordDenial(req, approval.Reason)
			if st.deps.Checkpoint.Paused() {
				st.session.SetStatus(StatusPaused)
				return st.finish(StopReasonPaused, false, "")
			}
			return nil
		}
	}

	ec := ExecContext{
		SessionID: st.session.ID,
		Role:      st.cfg.Role,
		ChainID:   st.cfg.ChainID,
		TaskID:    st.cfg.TaskID,
		WorkDir:   st.cfg.WorkDir,
		DryRun:    st.cfg.DryRun,
		Logger:    st.logger,
	}

	var result *ToolResult
	if st.cfg.DryRun {
		result = StubResult(req)
	} else {
		result = st.executor.Execute(ctx, req, ec)
	}

	rec := ToolCallRecord{Tool: req.Name, Args: req.Args, Allowed: true, Result: result}
	st.recordCall(rec)
	st.deps.Observer.toolResult(rec)
	st.emit(EventToolResult, map[string]any{"tool": req.Name, "success": result.Success})

	resultMsg := llmclient.ToolResultMessage(tc.ID, result.Content(), !result.Success)
	st.session.AddMessage(resultMsg)
	st.deps.Observer.message(resultMsg)
	st.save()
	return nil
}

func (st *runState) recordCall(rec ToolCallRecord) {
	st.session.RecordToolCall(rec)
	st.toolCalls++
	st.deps.Observer.toolCall(rec)
	st.emit(EventToolCall, map[string]any{"tool": rec.Tool, "allowed": rec.Allowed})
}

// recordDenial records a denied call and feeds the reason back to the model
// so the turn continues rather than aborting.
func (st *runState) recordDenial(req ToolRequest, reason string) {
	rec := ToolCallRecord{Tool: req.Name, Args: req.Args, Allowed: false, DenialReason: reason}
	st.recordCall(rec)
	st.emit(EventDenial, map[string]any{"tool": req.Name, "reason": reason})
	st.session.AddMessage(llmclient.ToolResultMessage(req.ID, reason, true))
	st.save()
}

func (st *runState) finish(stop StopReason, success bool, errMsg string) *SessionResult {
	st.save()
	snapshot := st.tracker.Snapshot()
	result := &SessionResult{
		SessionID:  st.session.ID,
		Success:    success,
		Iterations: st.iterations,
		ToolCalls:  st.toolCalls,
		TokensUsed: snapshot.TotalTokens,
		StopReason: stop,
		Cost:       &snapshot,
		Error:      errMsg,
	}
	st.emit(EventSessionEnd, map[string]any{"stopReason": string(stop), "success": success})
	return result
}

// normalizeRetry treats a zero config as "use defaults" and fills in missing
// delays on a partial one, so callers can set just MaxRetries.
func normalizeRetry(r llmclient.RetryConfig) llmclient.RetryConfig {
	def := llmclient.DefaultRetryConfig()
	if r.MaxRetries == 0 && r.BaseDelay == 0 && r.MaxDelay == 0 && !r.Enabled && r.OnRetry == nil {
		return def
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = def.BaseDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = def.MaxDelay
	}
	return r
}

func (st *runState) save() {
	if st.deps.Store == nil {
		return
	}
	if err := st.deps.Store.Save(st.session); err != nil {
		st.logger.Warn("session save failed", "session", st.session.ID, "error", err)
	}
}

func (st *runState) emit(kind EventKind, data map[string]any) {
	if st.deps.Emitter != nil {
		st.deps.Emitter.Emit(kind, data)
	}
}
