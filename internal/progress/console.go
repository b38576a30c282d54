package progress

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/iambrandonn/porch/internal/journal"
	"github.com/iambrandonn/porch/internal/runner"
)

// Formatter renders progress signals as plain console lines. It holds no
// state beyond the locale printer, so one instance serves a whole run.
type Formatter struct {
	printer *message.Printer
}

// NewFormatter creates a formatter with English digit grouping.
func NewFormatter() *Formatter {
	return &Formatter{printer: message.NewPrinter(language.English)}
}

// PhaseBanner formats the line announcing a phase start.
func (f *Formatter) PhaseBanner(phase, feature, model string, timeout time.Duration) string {
	return fmt.Sprintf("[%s] phase started (feature: %s, model: %s, timeout: %s)",
		phase, feature, model, formatTimeout(timeout))
}

// PhaseOutcome formats the line announcing a phase end.
func (f *Formatter) PhaseOutcome(phase, outcome string, elapsed time.Duration) string {
	return fmt.Sprintf("[%s] %s (%s)", phase, outcome, formatElapsed(elapsed))
}

// ActivityLine formats a classified activity.
func (f *Formatter) ActivityLine(phase string, a Activity) string {
	return fmt.Sprintf("[%s] > %s", phase, a.Description)
}

// TaskStarted formats a task pickup.
func (f *Formatter) TaskStarted(phase, taskID, taskName string) string {
	switch {
	case taskID != "" && taskName != "":
		return fmt.Sprintf("[%s] * Task %s: %s", phase, taskID, taskName)
	case taskID != "":
		return fmt.Sprintf("[%s] * Task %s", phase, taskID)
	default:
		return fmt.Sprintf("[%s] * task started", phase)
	}
}

// TaskCompleted formats a task completion with the running counter when
// the total is known.
func (f *Formatter) TaskCompleted(phase, taskID string, completed, total int) string {
	label := "task completed"
	if taskID != "" {
		label = fmt.Sprintf("Task %s completed", taskID)
	}
	if total > 0 {
		return fmt.Sprintf("[%s] %s (%d/%d)", phase, label, completed, total)
	}
	return fmt.Sprintf("[%s] %s", phase, label)
}

// UsageLine formats context-window utilization and accumulated cost.
func (f *Formatter) UsageLine(phase string, usage runner.TokenUsage, cost float64) string {
	line := f.printer.Sprintf("[%s] context: %.1f%% (%d/%d tokens)",
		phase, usage.ContextUtilization(), usage.TotalTokens(), usage.ContextWindow)
	if cost > 0 {
		line += fmt.Sprintf(", cost: $%.4f", cost)
	}
	return line
}

// WarningLine formats an anomaly-monitor warning.
func (f *Formatter) WarningLine(trigger string, attempts, maxAttempts int) string {
	return fmt.Sprintf("[monitor] %s warning (%d/%d)", trigger, attempts, maxAttempts)
}

// TripLine formats the anomaly monitor opening the circuit.
func (f *Formatter) TripLine(trigger string) string {
	return fmt.Sprintf("[monitor] circuit open: %s", trigger)
}

// SummaryTable renders the end-of-workflow summary as an aligned table.
func (f *Formatter) SummaryTable(s *journal.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[summary] %s: %s in %s (cost: $%.4f)\n",
		s.FeatureName, s.Outcome,
		formatElapsed(time.Duration(s.TotalDurationSeconds*float64(time.Second))),
		s.TotalCostUSD)
	// tabwriter pads with spaces so the table survives any terminal.
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PHASE\tOUTCOME\tDURATION\tTASKS\tCOST")
	for _, p := range s.Phases {
		tasks := "-"
		if p.TasksTotal > 0 {
			tasks = fmt.Sprintf("%d/%d", p.TasksCompleted, p.TasksTotal)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t$%.4f\n",
			p.PhaseName, p.Outcome,
			formatElapsed(time.Duration(p.DurationSeconds*float64(time.Second))),
			tasks, p.CostUSD)
	}
	w.Flush()
	if s.PRURL != "" {
		fmt.Fprintf(&b, "  PR: %s\n", s.PRURL)
	}
	return b.String()
}

// formatElapsed renders a duration as 1h02m03s past the hour mark and
// MM:SS below it.
func formatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	minutes, seconds := total/60, total%60
	hours, minutes := minutes/60, minutes%60
	if hours > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatTimeout renders a configured timeout compactly: 4h00m, 30m.
func formatTimeout(d time.Duration) string {
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	if hours > 0 {
		return fmt.Sprintf("%dh%02dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
