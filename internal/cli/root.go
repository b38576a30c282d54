// Package cli wires the porch commands: start, status, abort, reset,
// and init. Each command resolves the project directory from the global
// --path flag and delegates the real work to the internal packages.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "porch",
	Short: "Phase-based orchestrator that turns a PRD into a pull request",
	Long: `porch drives a single feature through a fixed workflow of AI agent
phases: specification, human validation, implementation, QA, a second
validation, and finally a pull request.

State is checkpointed after every step under docs/features/<name>/.porch/,
so an interrupted workflow resumes from where it stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(initCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("path", "p", ".", "Project directory to operate on")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// projectDir resolves the global --path flag to an absolute path and
// verifies the directory exists.
func projectDir(cmd *cobra.Command) (string, error) {
	path, err := cmd.Flags().GetString("path")
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project directory %s not found", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path %s is not a directory", abs)
	}
	return abs, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
