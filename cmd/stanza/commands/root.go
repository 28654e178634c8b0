package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	rootDir    string
	verbose    bool
	jsonOutput bool

	disabledPolicies []string
	enabledPolicies  []string

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stanza",
		Short: "stanza - development orchestrator for browser and runtime bundles",
		Long: `stanza builds the bundles of a JavaScript project and keeps them running
while you edit them.

Features:
  - One compiler per bundle, in watch mode during development
  - In-memory development server with live reload for browser bundles
  - Automatic restart of runtime bundles once their peer browser bundle is built
  - Content-hash gated vendor bundles
  - Full restart when the project configuration changes
  - Configuration policies (OPA/rego) and a build journal`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: discovered in the project root)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "C", "", "project root directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringSliceVar(&disabledPolicies, "disable-policy", nil, "policy to skip during evaluation (repeatable)")
	rootCmd.PersistentFlags().StringSliceVar(&enabledPolicies, "enable-policy", nil, "policy to evaluate even when its file disables it (repeatable)")

	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newCleanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

func logLevel() string {
	if verbose {
		return "debug"
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		return level
	}
	return "info"
}
