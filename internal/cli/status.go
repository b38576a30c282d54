package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/iambrandonn/porch/internal/artifact"
	"github.com/iambrandonn/porch/internal/feature"
	"github.com/iambrandonn/porch/internal/journal"
	"github.com/iambrandonn/porch/internal/workflow"
	"github.com/iambrandonn/porch/internal/workspace"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [feature]",
	Short: "Show workflow status",
	Long: `Show the workflow status for one feature, or for every feature
under docs/features/ with --all.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("all", false, "Show the status of every feature")
	statusCmd.Flags().BoolP("verbose", "v", false, "Include receipts and recent journal events")
}

func runStatus(cmd *cobra.Command, args []string) error {
	project, err := projectDir(cmd)
	if err != nil {
		return err
	}
	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return err
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if all {
		return statusAll(out, project)
	}
	if len(args) == 0 {
		return fmt.Errorf("feature name required (or use --all)")
	}
	name := args[0]
	if err := feature.ValidateName(name); err != nil {
		return err
	}
	return statusOne(out, project, name, verbose)
}

func statusAll(w io.Writer, project string) error {
	features, err := workspace.ListFeatures(project)
	if err != nil {
		return err
	}
	if len(features) == 0 {
		fmt.Fprintln(w, "No features found.")
		fmt.Fprintln(w, `Create one with: porch start "<description>"`)
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "FEATURE\tPHASE\tPROGRESS\tLAST COMPLETED")
	for _, name := range features {
		st := workflow.NewStore(workspace.StatePath(workspace.FeatureDir(project, name))).State()
		progress := "-"
		if st.TasksTotal > 0 {
			progress = fmt.Sprintf("%d/%d", st.TasksCompleted, st.TasksTotal)
		}
		last := st.LastCompletedPhase
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, st.Phase, progress, last)
	}
	return tw.Flush()
}

func statusOne(w io.Writer, project, name string, verbose bool) error {
	featureDir := workspace.FeatureDir(project, name)
	st := workflow.NewStore(workspace.StatePath(featureDir)).State()

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "Feature:\t%s\n", name)
	fmt.Fprintf(tw, "Phase:\t%s\n", st.Phase)
	fmt.Fprintf(tw, "Status:\t%s\n", st.Status)
	if st.StartedAt != "" {
		fmt.Fprintf(tw, "Started:\t%s\n", st.StartedAt)
	}
	if st.TasksTotal > 0 {
		fmt.Fprintf(tw, "Tasks:\t%d/%d\n", st.TasksCompleted, st.TasksTotal)
	}
	if st.LastCompletedPhase != "" {
		fmt.Fprintf(tw, "Last completed phase:\t%s\n", st.LastCompletedPhase)
	}
	if st.LastCompletedTaskID != "" {
		fmt.Fprintf(tw, "Last completed task:\t%s\n", st.LastCompletedTaskID)
	}
	if st.ErrorMessage != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", st.ErrorMessage)
	}
	if cb := st.CircuitBreaker; cb.Attempts > 0 || cb.LastTrigger != "" {
		fmt.Fprintf(tw, "Circuit breaker:\t%s (attempts: %d, last trigger: %s)\n",
			cb.State, cb.Attempts, cb.LastTrigger)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if verbose {
		printReceipts(w, featureDir)
		printRecentEvents(w, featureDir)
		printSummary(w, featureDir)
	}

	// Resume hints for workflows that stopped short of completion.
	switch st.Phase {
	case workflow.PhaseFailed, workflow.PhaseRejected, workflow.PhaseAborted:
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Resume with: porch start %s\n", name)
		if st.LastCompletedPhase != "" {
			fmt.Fprintf(w, "Start over with: porch start %s --fresh\n", name)
		}
	}
	return nil
}

func printReceipts(w io.Writer, featureDir string) {
	receipts, err := artifact.ListReceipts(featureDir)
	if err != nil || len(receipts) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Receipts:")
	for _, r := range receipts {
		fmt.Fprintf(w, "  %s  attempt %d, %d file(s), %s\n",
			r.Phase, r.Attempt, len(r.Files), r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func printRecentEvents(w io.Writer, featureDir string) {
	events, err := journal.Tail(journal.Path(featureDir), 10)
	if err != nil || len(events) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Recent events:")
	for _, ev := range events {
		line := fmt.Sprintf("  %s  %s", ev.Timestamp, ev.Type)
		if ev.Phase != "" {
			line += "  [" + ev.Phase + "]"
		}
		fmt.Fprintln(w, line)
	}
}

func printSummary(w io.Writer, featureDir string) {
	summary, err := journal.ReadSummary(journal.SummaryPath(featureDir))
	if err != nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Last run: %s in %.0fs, %d/%d tasks, $%.4f\n",
		summary.Outcome, summary.TotalDurationSeconds,
		summary.TotalTasksCompleted, summary.TotalTasksTotal, summary.TotalCostUSD)
	if summary.PRURL != "" {
		fmt.Fprintf(w, "Pull request: %s\n", summary.PRURL)
	}
}
