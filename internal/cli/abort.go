package cli

import (
	"fmt"

	"github.com/iambrandonn/porch/internal/feature"
	"github.com/iambrandonn/porch/internal/runner"
	"github.com/iambrandonn/porch/internal/workflow"
	"github.com/iambrandonn/porch/internal/workspace"
	"github.com/spf13/cobra"
)

var abortCmd = &cobra.Command{
	Use:   "abort <feature>",
	Short: "Abort the running workflow for a feature",
	Long: `Abort the running workflow for a feature: terminate the agent
process if one is live and record the failure so the workflow can be
resumed later with porch start.`,
	Args: cobra.ExactArgs(1),
	RunE: runAbort,
}

func runAbort(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	out := cmd.OutOrStdout()

	project, err := projectDir(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	if err := feature.ValidateName(name); err != nil {
		return err
	}

	store := workflow.NewStore(workspace.StatePath(workspace.FeatureDir(project, name)))
	st := store.State()

	switch workflow.StatusFor(st.Phase) {
	case workflow.StatusRunning:
		killed, err := runner.AbortRunning(project, logger)
		if err != nil {
			return fmt.Errorf("failed to stop agent process: %w", err)
		}
		if killed {
			logger.Info("agent process terminated")
		}
		if err := store.Fail("aborted by user"); err != nil {
			return err
		}
		fmt.Fprintf(out, "Workflow for %s aborted. Resume with: porch start %s\n", name, name)

	case workflow.StatusAwaitingValidation:
		// No agent process runs while a gate is open; the waiting
		// porch start process owns the prompt.
		fmt.Fprintf(out, "%s is waiting at a validation gate. Answer the prompt or stop the porch start process.\n", name)

	default:
		fmt.Fprintf(out, "No running workflow for %s (phase: %s).\n", name, st.Phase)
	}
	return nil
}
