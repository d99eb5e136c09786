package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forgeline/agentrt/internal/output"
	"github.com/forgeline/agentrt/sessionrt"
)

var sessionsMaxAge time.Duration

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and maintain the session store",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove session files older than --max-age",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsCleanupRun()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(args[0])
	},
}

func init() {
	sessionsCleanupCmd.Flags().DurationVar(&sessionsMaxAge, "max-age", 30*24*time.Hour, "Delete sessions older than this")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsCleanupCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func getStore() (*sessionrt.Store, error) {
	return sessionrt.NewStore(viper.GetString("session_dir"), logger)
}

func sessionsListRun() error {
	store, err := getStore()
	if err != nil {
		return err
	}
	summaries, err := store.List()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		ui.Info("No sessions stored in %s", viper.GetString("session_dir"))
		return nil
	}

	table := ui.Table([]string{"ID", "Role", "Model", "Status", "Started", "Turns", "Tokens"})
	for _, s := range summaries {
		table.Append([]string{
			s.ID,
			s.Role,
			s.Model,
			output.StatusColor(string(s.Status)),
			s.StartTime.Local().Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", s.LastTurnIndex),
			fmt.Sprintf("%d", s.TotalTokens),
		})
	}
	return table.Render()
}

func sessionsShowRun(id string) error {
	store, err := getStore()
	if err != nil {
		return err
	}
	s, err := store.Load(id)
	if err != nil {
		return err
	}

	ui.Info("Session %s", s.ID)
	ui.Info("  role=%s model=%s status=%s", s.Role, s.Model, output.StatusColor(string(s.Status)))
	if s.ChainID != "" {
		ui.Info("  chain=%s task=%s", s.ChainID, s.TaskID)
	}
	ui.Info("  turns=%d tokens=%d (in=%d out=%d)",
		s.LastTurnIndex, s.TokenUsage.Total, s.TokenUsage.Input, s.TokenUsage.Output)
	if s.Error != nil {
		ui.Error("  error: %s", s.Error.Message)
	}
	for _, rec := range s.ToolCalls {
		if rec.Allowed {
			ui.VerboseLog("tool %s allowed at %s", rec.Tool, rec.Timestamp.Format(time.RFC3339))
		} else {
			ui.Warning("  denied %s: %s", rec.Tool, rec.DenialReason)
		}
	}
	return nil
}

func sessionsCleanupRun() error {
	store, err := getStore()
	if err != nil {
		return err
	}
	removed, err := store.Cleanup(sessionsMaxAge)
	if err != nil {
		return err
	}
	ui.Success("Removed %d expired session(s)", removed)
	return nil
}
