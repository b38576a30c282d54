package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/iambrandonn/porch/internal/agent"
	"github.com/iambrandonn/porch/internal/config"
	"github.com/iambrandonn/porch/internal/workspace"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Scaffold porch files in a project",
	Long: `Scaffold porch files in a project: the docs/features/ layout, a
commented starter config at .porch/config.yaml, and the agent prompt
templates under .claude/agents/ for per-project customization.

Existing files are left alone unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite existing config and template files")
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	project, err := projectDir(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		project, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve project path: %w", err)
		}
		if info, err := os.Stat(project); err != nil || !info.IsDir() {
			return fmt.Errorf("project directory %s not found", project)
		}
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	if force {
		if err := os.Remove(config.Path(project)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove existing config: %w", err)
		}
		for _, rel := range agent.OverridePaths() {
			path := filepath.Join(project, filepath.FromSlash(rel))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove existing template: %w", err)
			}
		}
	}

	if err := workspace.InitializeProject(project); err != nil {
		return err
	}

	cfgPath, created, err := config.WriteDefault(project)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "Created %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists at %s, skipping\n", cfgPath)
	}

	written, err := agent.WriteDefaults(nil, project)
	if err != nil {
		return err
	}
	for _, rel := range written {
		fmt.Fprintf(out, "Created %s\n", filepath.Join(project, filepath.FromSlash(rel)))
	}
	if len(written) == 0 {
		fmt.Fprintln(out, "Agent templates already exist, skipping")
	}

	fmt.Fprintln(out, "Project initialized. Start a workflow with: porch start \"<description>\"")
	return nil
}
