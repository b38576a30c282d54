package fsutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "state.json")
	if err := AtomicWrite(path, []byte("first")); err != nil {
		t.Fatalf("initial write failed: %v", err)
	}
	if err := AtomicWrite(path, []byte("second")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("expected overwritten content, got %q", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}
}

func TestAtomicWriteCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c.json")

	if err := AtomicWrite(path, []byte("{}")); err != nil {
		t.Fatalf("nested write failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file at nested path: %v", err)
	}
}

func TestAtomicWriteEmptyPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := AtomicWrite(path, nil); err != nil {
		t.Fatalf("empty write failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty file, got %d bytes", len(got))
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		if err := AtomicWrite(filepath.Join(dir, "doc"), []byte("x")); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

// Concurrent writers must never corrupt the file: whatever survives is
// one writer's payload in full.
func TestAtomicWriteConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contested")

	const writers = 16
	payloads := make([][]byte, writers)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte(fmt.Sprintf("writer-%02d|", i)), 200)
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := AtomicWrite(path, payloads[i]); err != nil {
				t.Errorf("writer %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	for _, p := range payloads {
		if bytes.Equal(got, p) {
			return
		}
	}
	t.Fatalf("final content matches no writer's payload (len %d)", len(got))
}

func TestAtomicWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	in := map[string]any{"phase": "qa", "attempts": 2}

	if err := AtomicWriteJSON(path, in); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if !strings.HasSuffix(string(raw), "\n") {
		t.Error("expected trailing newline")
	}
	if !strings.Contains(string(raw), "  \"phase\"") {
		t.Error("expected two-space indentation")
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if out["phase"] != "qa" {
		t.Errorf("round trip lost data: %v", out)
	}
}

func TestAtomicWriteJSONRejectsNil(t *testing.T) {
	if err := AtomicWriteJSON(filepath.Join(t.TempDir(), "x"), nil); err == nil {
		t.Fatal("expected error for nil value")
	}
}

func TestResolveUnderRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "docs", "features"), 0755); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatalf("resolving root: %v", err)
	}

	tests := []struct {
		name     string
		relative string
		wantErr  bool
	}{
		{"plain file", "docs/features/SPEC.md", false},
		{"dot segments inside root", "docs/./features/../features/SPEC.md", false},
		{"escape via dotdot", "../outside.txt", true},
		{"deep escape", "docs/../../outside.txt", true},
		{"absolute path", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveUnderRoot(root, tt.relative)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected rejection, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.HasPrefix(got, rootResolved) {
				t.Errorf("resolved path %q not under root", got)
			}
		})
	}
}

func TestResolveUnderRootDotPrefixedSibling(t *testing.T) {
	root := t.TempDir()
	// An entry whose name merely starts with dots is inside the root.
	if err := os.Mkdir(filepath.Join(root, "..data"), 0755); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := ResolveUnderRoot(root, "..data"); err != nil {
		t.Errorf("dot-prefixed name wrongly rejected: %v", err)
	}
}

func TestResolveUnderRootSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("hidden"), 0600); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := os.Symlink(secret, filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := ResolveUnderRoot(root, "link.txt"); err == nil {
		t.Fatal("expected symlink escape to be rejected")
	}
}

func TestReadFileLimited(t *testing.T) {
	root := t.TempDir()
	content := strings.Repeat("line of artifact text\n", 100)
	if err := os.WriteFile(filepath.Join(root, "SPEC.md"), []byte(content), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	got, err := ReadFileLimited(root, "SPEC.md", 64)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 64 {
		t.Errorf("expected capped read of 64 bytes, got %d", len(got))
	}
	if string(got) != content[:64] {
		t.Error("capped read returned wrong prefix")
	}

	if _, err := ReadFileLimited(root, "../SPEC.md", 64); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := ReadFileLimited(root, "missing.md", 64); err == nil {
		t.Fatal("expected missing file to error")
	}
}
