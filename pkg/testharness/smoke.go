package testharness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/iambrandonn/porch/internal/journal"
	"github.com/iambrandonn/porch/internal/workflow"
	"github.com/iambrandonn/porch/internal/workspace"
)

// defaultSmokeConfig keeps scenario runs fast and unattended: a single
// attempt per phase, no retry pause, auto-approved gates.
const defaultSmokeConfig = `retry:
  max_attempts: 1
  delay_s: 0
validation:
  auto_approve: true
`

const defaultSmokePRD = `# Smoke Feature

Exercise the full workflow against scripted agent behavior.
`

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	// PorchBinary is the compiled porch CLI.
	PorchBinary string
	// ShimDir holds the claude shim and is prepended to PATH. git and
	// gh links are created there on demand so the tool preflight passes
	// in minimal environments.
	ShimDir string
	// WorkspaceDir is used as the project root when set; a temp
	// directory is created otherwise.
	WorkspaceDir string
	// Feature names the feature to run.
	Feature string
	// PRD overrides the default product requirements document.
	PRD string
	// ConfigYAML overrides the default fast-run config.
	ConfigYAML string
	// Script drives the mockclaude binary.
	Script Script
	// ExtraArgs are appended to the porch start invocation.
	ExtraArgs []string
	// Env overrides process environment variables.
	Env map[string]string
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Workspace string
	Stdout    string
	Stderr    string
	RunErr    error
	State     workflow.State
	Summary   *journal.Summary
}

// RunSmoke scaffolds a project in the workspace, plays the script
// through porch start, and reports the final persisted state.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.PorchBinary == "" {
		return nil, fmt.Errorf("porch binary path is required")
	}
	if opts.ShimDir == "" {
		return nil, fmt.Errorf("shim directory is required")
	}
	if opts.Feature == "" {
		return nil, fmt.Errorf("feature name is required")
	}

	wsDir := opts.WorkspaceDir
	var err error
	if wsDir == "" {
		wsDir, err = os.MkdirTemp("", "porch-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else if err := os.MkdirAll(wsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	if err := EnsureToolShims(opts.ShimDir); err != nil {
		return nil, err
	}

	featureDir := workspace.FeatureDir(wsDir, opts.Feature)
	if err := workspace.InitializeFeature(featureDir); err != nil {
		return nil, err
	}

	prd := opts.PRD
	if prd == "" {
		prd = defaultSmokePRD
	}
	if err := os.WriteFile(filepath.Join(featureDir, "PRD.md"), []byte(prd), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write PRD: %w", err)
	}

	cfg := opts.ConfigYAML
	if cfg == "" {
		cfg = defaultSmokeConfig
	}
	cfgDir := filepath.Join(wsDir, ".porch")
	if err := os.MkdirAll(cfgDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(cfg), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}

	scriptPath := filepath.Join(wsDir, "mockclaude-script.json")
	if err := opts.Script.Write(scriptPath); err != nil {
		return nil, err
	}

	stdOut := &bytes.Buffer{}
	stdErr := &bytes.Buffer{}

	args := append([]string{"start", opts.Feature, "--path", wsDir, "--no-progress"}, opts.ExtraArgs...)
	cmd := exec.CommandContext(ctx, opts.PorchBinary, args...)
	cmd.Dir = wsDir
	cmd.Stdout = stdOut
	cmd.Stderr = stdErr

	env := os.Environ()
	env = setEnv(env, "PATH", opts.ShimDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	env = setEnv(env, "MOCKCLAUDE_SCRIPT", scriptPath)
	for k, v := range opts.Env {
		env = setEnv(env, k, v)
	}
	cmd.Env = env

	runErr := cmd.Run()

	result := &SmokeResult{
		Workspace: wsDir,
		Stdout:    stdOut.String(),
		Stderr:    stdErr.String(),
		RunErr:    runErr,
		State:     workflow.NewStore(workspace.StatePath(featureDir)).State(),
	}
	if summary, err := journal.ReadSummary(journal.SummaryPath(featureDir)); err == nil {
		result.Summary = summary
	}
	return result, nil
}

// EnsureToolShims links git and gh to the claude shim so the workflow
// preflight passes without the real tools installed; mockclaude answers
// the --version probe under any name.
func EnsureToolShims(binDir string) error {
	target := filepath.Join(binDir, "claude")
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("claude shim not found in %s: %w", binDir, err)
	}
	for _, name := range []string{"git", "gh"} {
		link := filepath.Join(binDir, name)
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("failed to link %s shim: %w", name, err)
		}
	}
	return nil
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}
