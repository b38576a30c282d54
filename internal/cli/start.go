package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/iambrandonn/porch/internal/feature"
	"github.com/iambrandonn/porch/internal/orchestrator"
	"github.com/iambrandonn/porch/internal/runner"
	"github.com/iambrandonn/porch/internal/validation"
	"github.com/iambrandonn/porch/internal/workspace"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <feature-or-description>",
	Short: "Run the workflow for a feature",
	Long: `Run the workflow for a feature.

The argument is either the name of a feature whose PRD already lives at
docs/features/<name>/PRD.md, or a free-form description. A description
triggers quick start: porch derives a feature name, scaffolds the
feature directory, and writes a starter PRD before running.

A workflow that previously failed or was aborted resumes from its last
completed phase; pass --fresh to discard saved progress instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	startCmd.Flags().Bool("fresh", false, "Discard saved progress and start from the beginning")
	startCmd.Flags().String("model", "", "Override the configured model for every phase")
	startCmd.Flags().String("feature", "", "Feature name to use instead of deriving one from the description")
	startCmd.Flags().Bool("no-progress", false, "Disable console progress output")
	startCmd.Flags().BoolP("yes", "y", false, "Approve validation gates without prompting")
}

// toolProbe is swapped out in tests.
var toolProbe = runner.ToolAvailable

// requiredTools must be on PATH before a workflow starts: the agent
// phases shell out to all three.
var requiredTools = []struct{ bin, hint string }{
	{"claude", "npm install -g @anthropic-ai/claude-code"},
	{"git", "https://git-scm.com"},
	{"gh", "https://cli.github.com"},
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	out := cmd.OutOrStdout()

	project, err := projectDir(cmd)
	if err != nil {
		return err
	}

	fresh, err := cmd.Flags().GetBool("fresh")
	if err != nil {
		return err
	}
	model, err := cmd.Flags().GetString("model")
	if err != nil {
		return err
	}
	noProgress, err := cmd.Flags().GetBool("no-progress")
	if err != nil {
		return err
	}
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return err
	}
	explicit, err := cmd.Flags().GetString("feature")
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := checkTools(ctx); err != nil {
		return err
	}

	name, err := resolveFeature(out, project, args[0], explicit, logger)
	if err != nil {
		return err
	}

	var validator validation.Validator
	if yes {
		validator = validation.AutoApprover{Logger: logger}
	}

	orch, err := orchestrator.New(orchestrator.Options{
		ProjectDir: project,
		Feature:    name,
		Fresh:      fresh,
		Quiet:      noProgress,
		Model:      model,
		Output:     out,
		Input:      cmd.InOrStdin(),
		Validator:  validator,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// Ctrl-C cancels the context; the orchestrator terminates the agent
	// process and records the abort before Run returns.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return orch.Run(ctx)
}

// checkTools verifies the external CLIs the workflow depends on are
// installed before any state is touched.
func checkTools(ctx context.Context) error {
	var missing []string
	for _, tool := range requiredTools {
		if !toolProbe(ctx, tool.bin) {
			missing = append(missing, fmt.Sprintf("%s (%s)", tool.bin, tool.hint))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required tools:\n  %s", strings.Join(missing, "\n  "))
	}
	return nil
}

// resolveFeature decides between normal and quick start. A valid
// feature name whose PRD exists runs as-is. Anything else is treated as
// a description: the name is derived from it (or taken from --feature
// when given), the feature directory is scaffolded, and a starter PRD
// is written. An existing PRD under the chosen name is reused rather
// than overwritten.
func resolveFeature(out io.Writer, project, arg, explicit string, logger *slog.Logger) (string, error) {
	if explicit == "" && feature.ValidName(arg) {
		prd := filepath.Join(workspace.FeatureDir(project, arg), "PRD.md")
		if _, err := os.Stat(prd); err == nil {
			return arg, nil
		}
	}

	name := explicit
	if name == "" {
		var err error
		name, err = feature.Slugify(arg)
		if err != nil {
			return "", err
		}
	} else if err := feature.ValidateName(name); err != nil {
		return "", err
	}

	featureDir := workspace.FeatureDir(project, name)
	prdPath := filepath.Join(featureDir, "PRD.md")
	if _, err := os.Stat(prdPath); err == nil {
		logger.Warn("feature already exists, reusing its PRD", "feature", name)
		return name, nil
	}

	if err := workspace.InitializeFeature(featureDir); err != nil {
		return "", err
	}
	if err := os.WriteFile(prdPath, []byte(feature.QuickPRD(arg)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write starter PRD: %w", err)
	}
	fmt.Fprintf(out, "Quick start: created %s\n", prdPath)
	return name, nil
}
