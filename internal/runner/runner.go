// Package runner executes one agent CLI invocation at a time, streaming
// its output through the anomaly monitor and a stream-json parser while
// keeping the process killable from three directions: wall-clock timeout,
// circuit breaker, and user abort.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/iambrandonn/porch/internal/breaker"
)

const (
	// PIDFile is the side-channel file recording the live agent process,
	// relative to the project directory. External abort requests read it.
	PIDFile = ".porch/claude.pid"

	// DefaultCompletionMarker is the line an agent prints to signal it
	// finished its assignment rather than merely running out of turns.
	DefaultCompletionMarker = "EXIT_SIGNAL: true"

	// DefaultBin is the agent CLI binary.
	DefaultBin = "claude"

	// DefaultTimeout bounds a single run when the caller does not set one.
	DefaultTimeout = 300 * time.Second

	// pollInterval is how often time-based breaker triggers are evaluated.
	pollInterval = 100 * time.Millisecond

	// killGracePeriod is how long a soft terminate may go unanswered
	// before the process is killed outright.
	killGracePeriod = 2 * time.Second

	// drainGracePeriod bounds how long buffered output is drained after
	// the process exits. Orphaned grandchildren can hold the pipe open
	// indefinitely; their output after this point is dropped.
	drainGracePeriod = time.Second
)

// Reason records why a run ended.
type Reason string

const (
	ReasonNatural        Reason = "natural"
	ReasonTimeout        Reason = "timeout"
	ReasonAborted        Reason = "aborted"
	ReasonCircuitBreaker Reason = "circuit_breaker"
)

// Result is the outcome of one agent run.
type Result struct {
	Output            string
	ExitCode          int
	ExitSignal        bool
	TerminationReason Reason
	CircuitTrigger    breaker.Trigger
	TokenUsage        TokenUsage
	TotalCostUSD      float64
}

// SpawnError reports that the agent process could not be started at all.
// Spawn failures surface immediately; retrying is the caller's decision.
type SpawnError struct {
	Bin string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Bin, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Options configures a Runner. Zero values get sensible defaults.
type Options struct {
	// WorkingDir is the directory the agent runs in; PIDFile is resolved
	// against it.
	WorkingDir string

	// Bin overrides the agent CLI binary, mainly for tests.
	Bin string

	// Model selects the model, passed through to the CLI when non-empty.
	Model string

	// Timeout is the wall-clock budget for one run.
	Timeout time.Duration

	// CompletionMarker overrides the marker scanned for in the output.
	CompletionMarker string

	// OnOutput receives each extracted text chunk for live display.
	OnOutput func(string)

	// OnTokenUpdate receives usage updates as the stream reports them.
	OnTokenUpdate func(TokenUsage, float64)

	// Monitor, when set, watches the run for anomalies and can end it.
	Monitor *breaker.Monitor

	Logger *slog.Logger
}

// Runner executes agent CLI invocations. One run at a time; Abort ends the
// current run from any goroutine.
type Runner struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	abortCh chan struct{}
	aborted bool
}

// New builds a runner, applying defaults for unset options.
func New(opts Options) *Runner {
	if opts.Bin == "" {
		opts.Bin = DefaultBin
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CompletionMarker == "" {
		opts.CompletionMarker = DefaultCompletionMarker
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{opts: opts, logger: logger}
}

// Abort ends the in-flight run, if any. The run observes the request
// promptly and returns with TerminationReason aborted.
func (r *Runner) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortCh != nil && !r.aborted {
		r.aborted = true
		close(r.abortCh)
	}
}

// Run spawns the agent with the given prompt and supervises it to
// completion. The returned error is non-nil only for spawn failures;
// every other ending is reported through Result.TerminationReason.
func (r *Runner) Run(ctx context.Context, prompt string) (*Result, error) {
	cmd := exec.Command(r.opts.Bin, buildArgs(r.opts.Model, prompt)...)
	cmd.Dir = r.opts.WorkingDir

	// Combined stdout+stderr through one unbuffered pipe, read from a
	// dedicated goroutine so the supervision loop never blocks on IO.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Bin: r.opts.Bin, Err: err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &SpawnError{Bin: r.opts.Bin, Err: err}
	}
	pw.Close()

	pid := cmd.Process.Pid
	r.logger.Info("agent started", "bin", r.opts.Bin, "pid", pid, "timeout", r.opts.Timeout)

	if err := savePID(r.opts.WorkingDir, pid); err != nil {
		r.logger.Warn("failed to record agent pid, external abort unavailable", "error", err)
	}
	defer clearPID(r.opts.WorkingDir)

	abortCh := make(chan struct{})
	r.mu.Lock()
	r.abortCh = abortCh
	r.aborted = false
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.abortCh = nil
		r.mu.Unlock()
	}()

	lines := make(chan string, 256)
	go readLines(pr, lines)

	procDone := make(chan struct{})
	waitCh := make(chan error, 1) // buffered so the waiter never leaks
	go func() {
		waitCh <- cmd.Wait()
		close(procDone)
	}()

	parser := NewStreamParser(r.opts.OnTokenUpdate)
	var out strings.Builder
	var reason Reason
	var trigger breaker.Trigger

	var killOnce sync.Once
	kill := func() {
		killOnce.Do(func() { r.terminate(cmd, procDone) })
	}

	consume := func(raw string) {
		text, ok := parser.ParseLine(raw)
		if !ok {
			return
		}
		out.WriteString(text)
		out.WriteByte('\n')
		if r.opts.OnOutput != nil {
			r.opts.OnOutput(text)
		}
		if r.opts.Monitor != nil && reason == "" {
			if t := r.opts.Monitor.RecordOutput(text); t != "" {
				reason = ReasonCircuitBreaker
				trigger = t
				r.logger.Info("run interrupted by circuit breaker", "trigger", t)
				kill()
			}
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(r.opts.Timeout)
	defer timer.Stop()
	ctxDone := ctx.Done()
	var drain <-chan time.Time

	running := true
	streaming := true
	for running || streaming {
		select {
		case line, ok := <-lines:
			if !ok {
				streaming = false
				lines = nil
				continue
			}
			consume(line)

		case <-waitCh:
			running = false
			waitCh = nil
			if streaming {
				dt := time.NewTimer(drainGracePeriod)
				defer dt.Stop()
				drain = dt.C
			}

		case <-drain:
			drain = nil
			pr.Close()

		case <-ticker.C:
			if !running || r.opts.Monitor == nil || reason != "" {
				continue
			}
			if t := r.opts.Monitor.CheckInactivity(); t != "" {
				reason = ReasonCircuitBreaker
				trigger = t
				r.logger.Info("run interrupted by circuit breaker", "trigger", t)
				kill()
			} else if t := r.opts.Monitor.CheckTaskStagnation(); t != "" {
				reason = ReasonCircuitBreaker
				trigger = t
				r.logger.Info("run interrupted by circuit breaker", "trigger", t)
				kill()
			}

		case <-timer.C:
			if running && reason == "" {
				reason = ReasonTimeout
				r.logger.Error("agent timed out", "after", r.opts.Timeout)
				kill()
			}

		case <-abortCh:
			abortCh = nil
			if running && reason == "" {
				reason = ReasonAborted
				r.logger.Info("run interrupted by abort request")
				kill()
			}

		case <-ctxDone:
			ctxDone = nil
			if running && reason == "" {
				reason = ReasonAborted
				r.logger.Info("run interrupted by context cancellation")
				kill()
			}
		}
	}

	if reason == "" {
		reason = ReasonNatural
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	output := out.String()
	return &Result{
		Output:            output,
		ExitCode:          exitCode,
		ExitSignal:        strings.Contains(output, r.opts.CompletionMarker),
		TerminationReason: reason,
		CircuitTrigger:    trigger,
		TokenUsage:        parser.Usage(),
		TotalCostUSD:      parser.TotalCost(),
	}, nil
}

// terminate asks the process to exit, then kills it after a grace period
// if it has not. Never blocks the supervision loop.
func (r *Runner) terminate(cmd *exec.Cmd, procDone <-chan struct{}) {
	proc := cmd.Process
	if proc == nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		proc.Kill()
		return
	}
	go func() {
		select {
		case <-procDone:
		case <-time.After(killGracePeriod):
			r.logger.Warn("process ignored soft terminate, killing", "pid", proc.Pid)
			proc.Kill()
		}
	}()
}

func buildArgs(model, prompt string) []string {
	args := []string{
		"--print",
		"--dangerously-skip-permissions",
		"--output-format=stream-json",
		"--verbose",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return append(args, "-p", prompt)
}

// readLines pumps the process output into the channel line by line,
// closing it at EOF. A trailing unterminated chunk is delivered too.
func readLines(r io.ReadCloser, lines chan<- string) {
	defer close(lines)
	defer r.Close()

	br := bufio.NewReader(r)
	for {
		chunk, err := br.ReadString('\n')
		if len(chunk) > 0 {
			lines <- strings.TrimRight(chunk, "\r\n")
		}
		if err != nil {
			return
		}
	}
}

func savePID(dir string, pid int) error {
	path := filepath.Join(dir, PIDFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", pid)), 0o600); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

func clearPID(dir string) {
	os.Remove(filepath.Join(dir, PIDFile))
}
