package runner

import (
	"context"
	"os/exec"
	"time"
)

const versionProbeTimeout = 10 * time.Second

// ToolAvailable reports whether the named binary is on PATH and answers a
// version probe. Used before starting a workflow to fail fast on missing
// prerequisites (the agent CLI, git, gh).
func ToolAvailable(ctx context.Context, bin string) bool {
	if _, err := exec.LookPath(bin); err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()
	return exec.CommandContext(probeCtx, bin, "--version").Run() == nil
}
