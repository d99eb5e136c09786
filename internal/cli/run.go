package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forgeline/agentrt/llmclient"
	"github.com/forgeline/agentrt/sessionrt"
)

var (
	runRole            string
	runModel           string
	runProvider        string
	runSystemPrompt    string
	runWorkDir         string
	runChainID         string
	runTaskID          string
	runResume          string
	runMaxIterations   int
	runMaxTokens       int
	runMaxCost         float64
	runDryRun          bool
	runAutoApprove     bool
	runApprovalTimeout string
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run an agent session to completion",
	Long: `Run one agent session: send the prompt to the model, execute the tool
calls it requests under role governance, and persist the session after every
turn. Interrupt with Ctrl-C to pause; resume later with --resume.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		if prompt == "" && runResume == "" {
			return fmt.Errorf("a prompt is required unless resuming with --resume")
		}
		return runSessionRun(cmd.Context(), prompt)
	},
}

func init() {
	runCmd.Flags().StringVar(&runRole, "role", sessionrt.RoleImpl, "Session role (control or impl)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model name (default from config)")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "Provider: anthropic, or a gollm vendor name")
	runCmd.Flags().StringVar(&runSystemPrompt, "system", "", "System prompt")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", ".", "Working directory for file tools")
	runCmd.Flags().StringVar(&runChainID, "chain", "", "Chain correlation id")
	runCmd.Flags().StringVar(&runTaskID, "task", "", "Task correlation id")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume a stored session by id")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Iteration cap (default 50)")
	runCmd.Flags().IntVar(&runMaxTokens, "max-tokens", 0, "Token limit (0 = unlimited)")
	runCmd.Flags().Float64Var(&runMaxCost, "max-cost", 0, "Estimated cost limit in dollars (0 = unlimited)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Authorize and record tool calls without executing them")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Approve sensitive tool calls without prompting")
	runCmd.Flags().StringVar(&runApprovalTimeout, "approval-timeout", "", "Approval timeout (default 5m)")
	rootCmd.AddCommand(runCmd)
}

func runSessionRun(ctx context.Context, prompt string) error {
	model := runModel
	if model == "" {
		model = viper.GetString("model")
	}

	provider, err := buildProvider(model)
	if err != nil {
		return err
	}

	store, err := sessionrt.NewStore(viper.GetString("session_dir"), logger)
	if err != nil {
		return err
	}

	var session *sessionrt.Session
	if runResume != "" {
		session, err = store.Load(runResume)
		if err != nil {
			return fmt.Errorf("resume session: %w", err)
		}
		ui.Info("Resuming session %s (turn %d)", session.ID, session.LastTurnIndex)
	}

	ckCfg := buildCheckpointConfig()
	var checkpoint *sessionrt.CheckpointHandler
	ckCfg.OnRequest = func(req sessionrt.ApprovalRequest) {
		go func() {
			ui.Warning("Approval required: %s %v", req.Tool, req.Args)
			fmt.Fprint(os.Stderr, "Approve? [y/N]: ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			approved := strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
			_ = checkpoint.Respond(req.ID, approved, "")
		}()
	}
	checkpoint = sessionrt.NewCheckpointHandler(ckCfg)

	registry, handlers := builtinTools()

	deps := sessionrt.Dependencies{
		Provider:   provider,
		Registry:   registry,
		Roles:      sessionrt.DefaultRoles(),
		Handlers:   handlers,
		Store:      store,
		Checkpoint: checkpoint,
		Logger:     logger,
		Session:    session,
	}

	cfg := sessionrt.LoopConfig{
		Role:          runRole,
		Model:         model,
		ChainID:       runChainID,
		TaskID:        runTaskID,
		Prompt:        prompt,
		SystemPrompt:  runSystemPrompt,
		WorkDir:       runWorkDir,
		MaxIterations: runMaxIterations,
		DryRun:        runDryRun,
		Limits: sessionrt.CostLimits{
			MaxTokens: runMaxTokens,
			MaxCost:   runMaxCost,
		},
	}

	// Ctrl-C pauses after the in-flight turn; a second Ctrl-C forces exit.
	target := session
	if target == nil {
		target = sessionrt.NewSession(runRole, model, sessionrt.WithChain(runChainID, runTaskID))
		deps.Session = target
	}
	shutdown := sessionrt.NewShutdownCoordinator(target, store, sessionrt.ShutdownConfig{Logger: logger})
	shutdown.Register()
	defer shutdown.Unregister()
	deps.Shutdown = shutdown

	// Control sessions may spawn impl children for scoped tasks; the loop
	// registers the spawn_session tool when a spawner is present.
	childCfg := cfg
	childCfg.Role = sessionrt.RoleImpl
	deps.Spawner = &sessionrt.LoopSpawner{Config: childCfg, Deps: deps, MaxDepth: 3}

	result, err := sessionrt.RunSession(ctx, cfg, deps)
	if err != nil {
		return err
	}
	printResult(result)
	if !result.Success {
		return fmt.Errorf("session %s stopped: %s", result.SessionID, result.StopReason)
	}
	return nil
}

func buildProvider(model string) (llmclient.Provider, error) {
	name := runProvider
	if name == "" {
		name = viper.GetString("provider")
	}
	switch name {
	case "anthropic":
		// Empty key falls back to ANTHROPIC_API_KEY inside the SDK.
		return llmclient.NewAnthropicProvider(viper.GetString("anthropic_api_key"), model), nil
	default:
		return llmclient.NewGollmProvider(name,
			llmclient.WithGollmAPIKey(viper.GetString(name+"_api_key")),
			llmclient.WithGollmModel(model),
		)
	}
}

func buildCheckpointConfig() sessionrt.CheckpointConfig {
	cfg := sessionrt.DefaultCheckpointConfig()
	cfg.RequireApproval = viper.GetBool("approval.require")
	cfg.AutoApprove = runAutoApprove
	timeout := runApprovalTimeout
	if timeout == "" {
		timeout = viper.GetString("approval.timeout")
	}
	if d, err := time.ParseDuration(timeout); err == nil {
		cfg.ApprovalTimeout = d
	}
	return cfg
}

func printResult(result *sessionrt.SessionResult) {
	switch {
	case result.Success:
		ui.Success("Session %s completed in %d turns", result.SessionID, result.Iterations)
	case result.StopReason == sessionrt.StopReasonPaused:
		ui.Warning("Session %s paused; resume with --resume %s", result.SessionID, result.SessionID)
	default:
		ui.Error("Session %s stopped (%s): %s", result.SessionID, result.StopReason, result.Error)
	}
	if result.Cost != nil {
		ui.VerboseLog("Tokens: %d in / %d out, estimated cost $%.4f",
			result.Cost.InputTokens, result.Cost.OutputTokens, result.Cost.EstimatedCost)
	}
}
