package fsutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// AtomicWrite replaces the file at path with data so that readers only
// ever observe the old content or the new content, never a mix: the
// data lands in a uniquely named temp file in the same directory, is
// fsynced, and is renamed over the target; the directory is fsynced
// last so the rename survives a crash. Concurrent writers never
// collide; the last rename wins.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	// A no-op once the rename lands; cleans up every failure path.
	defer os.Remove(tmp.Name())

	if err := writeAndSync(tmp, data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return syncDir(dir)
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// syncDir fsyncs a directory so a completed rename is durable.
func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return d.Close()
}

// AtomicWriteJSON atomically writes v as indented JSON with a trailing
// newline.
func AtomicWriteJSON(path string, v any) error {
	if v == nil {
		return errors.New("cannot write nil value")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return AtomicWrite(path, append(data, '\n'))
}

// ResolveUnderRoot resolves a relative path against root and rejects
// anything that would land outside it, whether through .. segments or
// through a symlink inside the tree pointing out of it. State and
// artifact files live inside user-controlled project trees, so every
// read of a user-influenced path goes through here.
func ResolveUnderRoot(root, relative string) (string, error) {
	if filepath.IsAbs(relative) {
		return "", fmt.Errorf("absolute paths not allowed: %s", relative)
	}
	rootAbs, err := filepath.EvalSymlinks(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}

	candidate := filepath.Clean(filepath.Join(rootAbs, relative))
	if !containedIn(rootAbs, candidate) {
		return "", fmt.Errorf("path escapes root: %s", relative)
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if errors.Is(err, fs.ErrNotExist) {
		// Nothing on disk yet; the lexical check above is all there is.
		return candidate, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}
	if !containedIn(rootAbs, resolved) {
		return "", fmt.Errorf("symlink escapes root: %s", relative)
	}
	return resolved, nil
}

// containedIn reports whether path is root itself or below it. A
// sibling entry whose name merely begins with dots is not an escape.
func containedIn(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ReadFileLimited reads at most maxBytes of a file addressed relative
// to root, with the path vetted by ResolveUnderRoot.
func ReadFileLimited(root, relativePath string, maxBytes int64) ([]byte, error) {
	path, err := ResolveUnderRoot(root, relativePath)
	if err != nil {
		return nil, fmt.Errorf("invalid file path: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return content, nil
}
