package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BuildBinaries compiles the porch and mockclaude binaries into
// outputDir. The mockclaude binary is named "claude" so that putting
// outputDir on PATH makes it stand in for the real agent CLI. Returns
// the absolute paths to the compiled binaries.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (string, string, error) {
	if projectRoot == "" {
		return "", "", fmt.Errorf("projectRoot must not be empty")
	}
	if outputDir == "" {
		return "", "", fmt.Errorf("outputDir must not be empty")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output directory: %w", err)
	}

	porchPath := filepath.Join(outputDir, "porch")
	claudePath := filepath.Join(outputDir, "claude")

	if err := runGoBuild(ctx, projectRoot, porchPath, "./cmd/porch"); err != nil {
		return "", "", err
	}
	if err := runGoBuild(ctx, projectRoot, claudePath, "./cmd/mockclaude"); err != nil {
		return "", "", err
	}

	return porchPath, claudePath, nil
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", outputPath, pkg)
	cmd.Dir = projectRoot
	cmd.Env = setEnv(os.Environ(), "CGO_ENABLED", "0")

	if combined, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

// setEnv replaces key in env, or appends it. Appending a duplicate
// would not reliably win: readers take the first occurrence.
func setEnv(env []string, key, value string) []string {
	for i, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			env[i] = key + "=" + value
			return env
		}
	}
	return append(env, key+"="+value)
}
