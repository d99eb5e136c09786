// Package cli wires the agentrt commands: running sessions and inspecting
// the session store.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forgeline/agentrt/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui      *output.UI
	logger  *slog.Logger
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentrt",
	Short: "Agent session runtime - run and inspect governed agent sessions",
	Long: `agentrt drives LLM agent sessions: it runs the provider turn loop,
authorizes tool calls against role permissions, tracks cost, and persists
crash-recoverable session state.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/agentrt/config.yaml)")
	rootCmd.PersistentFlags().String("session-dir", "", "Session store directory")
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		configDir := filepath.Join(home, ".config", "agentrt")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AGENTRT")
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	viper.SetDefault("session_dir", filepath.Join(home, ".config", "agentrt", "sessions"))
	viper.SetDefault("model", "claude-sonnet-4-5")
	viper.SetDefault("provider", "anthropic")
	viper.SetDefault("max_iterations", 0)
	viper.SetDefault("approval.require", true)
	viper.SetDefault("approval.timeout", "5m")

	// Read config file if it exists; a missing file is fine.
	_ = viper.ReadInConfig()

	if dir, _ := rootCmd.PersistentFlags().GetString("session-dir"); dir != "" {
		viper.Set("session_dir", dir)
	}
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
