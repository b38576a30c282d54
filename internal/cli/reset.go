package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/iambrandonn/porch/internal/feature"
	"github.com/iambrandonn/porch/internal/workflow"
	"github.com/iambrandonn/porch/internal/workspace"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <feature>",
	Short: "Reset the workflow state for a feature",
	Long: `Reset the workflow state for a feature back to idle. Artifacts
(PRD.md, SPEC.md, TASKS.md, QA_REPORT.md) are left in place; only the
phase machine state is cleared.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	resetCmd.Flags().Bool("force", false, "Reset without asking for confirmation")
}

func runReset(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	project, err := projectDir(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	if err := feature.ValidateName(name); err != nil {
		return err
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	if !force {
		fmt.Fprintf(out, "Reset the workflow state for %s? [y/N]: ", name)
		answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && answer == "" {
			fmt.Fprintln(out, "Reset cancelled.")
			return nil
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
		default:
			fmt.Fprintln(out, "Reset cancelled.")
			return nil
		}
	}

	store := workflow.NewStore(workspace.StatePath(workspace.FeatureDir(project, name)))
	if err := store.Reset(); err != nil {
		return err
	}
	fmt.Fprintf(out, "State for %s reset.\n", name)
	return nil
}
