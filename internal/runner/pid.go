package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// AbortRunning interrupts an agent process recorded in the project's PID
// file, typically from a different porch invocation than the one that
// spawned it. The process identity is verified first so a recycled PID
// never gets an innocent process killed. Returns true when a process was
// actually signalled. The PID file is removed in every case.
func AbortRunning(projectDir string, logger *slog.Logger) (bool, error) {
	pidPath := filepath.Join(projectDir, PIDFile)

	data, err := os.ReadFile(pidPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(pidPath)
		return false, fmt.Errorf("invalid pid file: %w", err)
	}

	name, err := processCommand(pid)
	if err != nil {
		logger.Warn("recorded agent process no longer exists", "pid", pid)
		os.Remove(pidPath)
		return false, nil
	}
	// The agent CLI runs under node; accept either name.
	if !strings.Contains(name, "claude") && !strings.Contains(name, "node") {
		logger.Warn("pid does not belong to an agent process, skipping kill", "pid", pid, "name", name)
		os.Remove(pidPath)
		return false, nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return false, fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	logger.Info("agent process interrupted", "pid", pid)
	os.Remove(pidPath)
	return true, nil
}

// Running reports whether the project's PID file points at a live agent
// process. A missing, malformed, or stale PID file counts as not running;
// stale files are left in place for AbortRunning to clean up.
func Running(projectDir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(projectDir, PIDFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	if _, err := processCommand(pid); err != nil {
		return 0, false
	}
	return pid, true
}

// processCommand returns the lowercased command name for a live pid. When
// procfs is unavailable it falls back to a liveness probe and returns an
// empty name, which callers treat as unverifiable.
func processCommand(pid int) (string, error) {
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		return strings.ToLower(strings.TrimSpace(string(data))), nil
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return "", err
	}
	return "", nil
}
