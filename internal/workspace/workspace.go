package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	// FeaturesRoot is where feature directories live, relative to the
	// project directory.
	FeaturesRoot = "docs/features"

	// RuntimeDirName is the per-feature runtime directory holding state,
	// PID file, journal, and receipts.
	RuntimeDirName = ".porch"
)

// FeatureDir returns the directory for a feature.
func FeatureDir(projectDir, feature string) string {
	return filepath.Join(projectDir, FeaturesRoot, feature)
}

// RuntimeDir returns the feature's runtime directory.
func RuntimeDir(featureDir string) string {
	return filepath.Join(featureDir, RuntimeDirName)
}

// StatePath returns the feature's workflow state file.
func StatePath(featureDir string) string {
	return filepath.Join(featureDir, RuntimeDirName, "state.json")
}

// GetRequiredDirectories returns the runtime directories every feature needs,
// relative to the feature directory.
func GetRequiredDirectories() []string {
	return []string{
		RuntimeDirName,                            // .porch/state.json, claude.pid, progress.jsonl
		filepath.Join(RuntimeDirName, "receipts"), // .porch/receipts/<phase>.json
	}
}

// InitializeProject creates the features root for a project.
// Idempotent - safe to call multiple times.
func InitializeProject(projectDir string) error {
	path := filepath.Join(projectDir, FeaturesRoot)
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// InitializeFeature creates a feature directory and its runtime
// directories. The feature directory itself is world-readable since it
// holds the documents; the runtime directories are 0700.
// Idempotent - safe to call multiple times.
func InitializeFeature(featureDir string) error {
	if err := os.MkdirAll(featureDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", featureDir, err)
	}

	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(featureDir, dir)

		// MkdirAll is idempotent - won't error if directory exists
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}

	return nil
}

// IsInitialized checks if a feature directory has all runtime directories.
func IsInitialized(featureDir string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(featureDir, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}

		if !info.IsDir() {
			return false, nil
		}
	}

	return true, nil
}

// ListFeatures returns the feature names under the project's features
// root, sorted. A missing root is an empty list, not an error.
func ListFeatures(projectDir string) ([]string, error) {
	root := filepath.Join(projectDir, FeaturesRoot)

	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read features directory %s: %w", root, err)
	}

	var features []string
	for _, entry := range entries {
		if entry.IsDir() {
			features = append(features, entry.Name())
		}
	}
	sort.Strings(features)

	return features, nil
}
