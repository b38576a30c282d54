// Package validation implements the human approval gates that suspend
// the workflow after the specification and QA phases. The console
// validator may block indefinitely waiting for an answer; the anomaly
// monitor and phase timeouts are inert while a gate is open.
package validation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/iambrandonn/porch/internal/fsutil"
	"github.com/iambrandonn/porch/internal/workflow"
)

const (
	defaultPreviewLines = 20
	maxPreviewBytes     = 64 * 1024
)

// Decision is the outcome of one gate.
type Decision struct {
	Approved bool
	Feedback string
}

// Gate carries everything a validator needs to present one approval
// request.
type Gate struct {
	Phase   workflow.Phase
	Title   string
	Files   []string
	Summary string
}

// Validator asks a human (or a policy) to approve a gate.
// Implementations may block indefinitely.
type Validator interface {
	RequestApproval(ctx context.Context, gate Gate) (Decision, error)
}

// SpecGate assembles the gate shown after the specification phase: the
// artifact list and the first previewLines lines of SPEC.md. A
// non-positive previewLines falls back to the default of 20.
func SpecGate(featureDir string, tasksCount, previewLines int) Gate {
	if previewLines <= 0 {
		previewLines = defaultPreviewLines
	}
	summary := ""
	if data, err := fsutil.ReadFileLimited(featureDir, "SPEC.md", maxPreviewBytes); err == nil {
		lines := strings.Split(string(data), "\n")
		if len(lines) > previewLines {
			lines = lines[:previewLines]
		}
		summary = strings.Join(lines, "\n")
	}
	return Gate{
		Phase:   workflow.PhaseAwaitingSpecValidation,
		Title:   "Specifications",
		Files:   []string{"SPEC.md", fmt.Sprintf("TASKS.md (%d tasks)", tasksCount)},
		Summary: summary,
	}
}

// QAGate assembles the gate shown after the QA phase.
func QAGate(score string, criticalIssues int) Gate {
	return Gate{
		Phase:   workflow.PhaseAwaitingQAValidation,
		Title:   "QA report",
		Files:   []string{"QA_REPORT.md"},
		Summary: fmt.Sprintf("Score: %s\nCritical issues: %d", score, criticalIssues),
	}
}

// ConsoleValidator renders gates on a terminal and reads the decision
// from stdin. Anything other than an explicit yes rejects.
type ConsoleValidator struct {
	in     *bufio.Reader
	out    io.Writer
	logger *slog.Logger
}

// NewConsoleValidator builds a validator. in defaults to os.Stdin, out
// to os.Stdout.
func NewConsoleValidator(in io.Reader, out io.Writer, logger *slog.Logger) *ConsoleValidator {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleValidator{in: bufio.NewReader(in), out: out, logger: logger}
}

// RequestApproval presents the gate and blocks until the user answers
// or the context is canceled. A rejection may carry a one-line reason.
func (v *ConsoleValidator) RequestApproval(ctx context.Context, gate Gate) (Decision, error) {
	fmt.Fprintf(v.out, "\nVALIDATION REQUIRED: %s\n\n", gate.Title)
	fmt.Fprintln(v.out, "Generated files:")
	for _, f := range gate.Files {
		fmt.Fprintf(v.out, "  - %s\n", f)
	}
	if gate.Summary != "" {
		fmt.Fprintf(v.out, "\n--- Summary %s\n", strings.Repeat("-", 32))
		fmt.Fprintln(v.out, gate.Summary)
		fmt.Fprintln(v.out, strings.Repeat("-", 44))
	}
	fmt.Fprint(v.out, "\nApprove? [y/N]: ")

	answer, err := v.readLine(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read approval: %w", err)
	}

	switch strings.ToLower(answer) {
	case "y", "yes":
		v.logger.Info("validation approved", "gate", gate.Phase)
		return Decision{Approved: true}, nil
	}

	fmt.Fprint(v.out, "Reason (optional): ")
	feedback, err := v.readLine(ctx)
	if err != nil {
		// The rejection already happened; a lost reason does not undo it.
		feedback = ""
	}
	v.logger.Warn("validation rejected", "gate", gate.Phase, "feedback", feedback)
	return Decision{Approved: false, Feedback: feedback}, nil
}

// readLine waits for one line of input or context cancellation. The
// channel is buffered so an answer arriving after cancellation does not
// strand the reader goroutine.
func (v *ConsoleValidator) readLine(ctx context.Context) (string, error) {
	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := v.in.ReadString('\n')
		if err != nil && line == "" {
			ch <- answer{"", err}
			return
		}
		ch <- answer{strings.TrimSpace(line), nil}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		return a.line, a.err
	}
}

// AutoApprover approves every gate without prompting, for unattended
// runs started with --yes.
type AutoApprover struct {
	Logger *slog.Logger
}

// RequestApproval always approves.
func (a AutoApprover) RequestApproval(_ context.Context, gate Gate) (Decision, error) {
	if a.Logger != nil {
		a.Logger.Info("validation auto-approved", "gate", gate.Phase)
	}
	return Decision{Approved: true}, nil
}
