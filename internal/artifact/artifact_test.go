package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iambrandonn/porch/internal/workflow"
)

func writeFile(t *testing.T, dir, name string, size int) {
	t.Helper()
	content := strings.Repeat("x", size)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestVerifySpecification(t *testing.T) {
	dir := t.TempDir()

	err := Verify(dir, workflow.PhaseSpecification)
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("Verify() on empty dir = %v, want ErrMissing", err)
	}
	if !strings.Contains(err.Error(), "SPEC.md") {
		t.Errorf("error should name the missing file, got %q", err)
	}

	writeFile(t, dir, "SPEC.md", 1001)
	err = Verify(dir, workflow.PhaseSpecification)
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("Verify() without TASKS.md = %v, want ErrMissing", err)
	}
	if !strings.Contains(err.Error(), "TASKS.md") {
		t.Errorf("error should name TASKS.md, got %q", err)
	}

	writeFile(t, dir, "TASKS.md", 201)
	if err := Verify(dir, workflow.PhaseSpecification); err != nil {
		t.Fatalf("Verify() with valid artifacts = %v, want nil", err)
	}
}

func TestVerifyMinimumIsStrict(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "SPEC.md", 1000) // exactly the minimum is not enough
	writeFile(t, dir, "TASKS.md", 201)

	err := Verify(dir, workflow.PhaseSpecification)
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("Verify() at exact minimum = %v, want ErrMissing", err)
	}
}

func TestVerifyQA(t *testing.T) {
	dir := t.TempDir()

	if err := Verify(dir, workflow.PhaseQA); !errors.Is(err, ErrMissing) {
		t.Fatalf("Verify() = %v, want ErrMissing", err)
	}

	writeFile(t, dir, "QA_REPORT.md", 501)
	if err := Verify(dir, workflow.PhaseQA); err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}
}

func TestVerifyPhasesWithoutArtifacts(t *testing.T) {
	dir := t.TempDir()

	for _, phase := range []workflow.Phase{
		workflow.PhaseIdle,
		workflow.PhaseImplementation,
		workflow.PhasePR,
		workflow.PhaseCompleted,
	} {
		if err := Verify(dir, phase); err != nil {
			t.Errorf("Verify(%s) = %v, want nil", phase, err)
		}
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")
	if err := os.WriteFile(path, []byte("artifact content"), 0644); err != nil {
		t.Fatal(err)
	}

	hash, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if !strings.HasPrefix(hash, "blake3:") {
		t.Errorf("hash = %q, want blake3: prefix", hash)
	}
	if len(hash) != len("blake3:")+64 {
		t.Errorf("hash length = %d, want %d", len(hash), len("blake3:")+64)
	}

	again, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if again != hash {
		t.Errorf("hash not deterministic: %q vs %q", hash, again)
	}

	other := filepath.Join(dir, "b.md")
	if err := os.WriteFile(other, []byte("different content"), 0644); err != nil {
		t.Fatal(err)
	}
	otherHash, err := HashFile(other)
	if err != nil {
		t.Fatal(err)
	}
	if otherHash == hash {
		t.Error("different content produced identical hashes")
	}

	if _, err := HashFile(filepath.Join(dir, "absent.md")); err == nil {
		t.Error("HashFile() on missing file should fail")
	}
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "PRD.md", 100)
	writeFile(t, dir, "SPEC.md", 1200)
	writeFile(t, dir, "notes.txt", 50) // not a known artifact

	m, err := Collect(dir)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(m.Files) != 2 {
		t.Fatalf("Collect() found %d files, want 2", len(m.Files))
	}
	if m.Files[0].Path != "PRD.md" || m.Files[1].Path != "SPEC.md" {
		t.Errorf("files out of order: %v", m.Files)
	}
	if m.Files[1].Size != 1200 {
		t.Errorf("SPEC.md size = %d, want 1200", m.Files[1].Size)
	}
	if m.Files[0].Mtime.IsZero() {
		t.Error("Mtime should be recorded")
	}
	if !strings.HasPrefix(m.Files[0].BLAKE3, "blake3:") {
		t.Errorf("hash = %q, want blake3: prefix", m.Files[0].BLAKE3)
	}
}

func TestWriteAndReadReceipt(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "SPEC.md", 1100)
	writeFile(t, dir, "TASKS.md", 300)

	receipt, err := WriteReceipt(dir, "login", workflow.PhaseSpecification, 2)
	if err != nil {
		t.Fatalf("WriteReceipt() error = %v", err)
	}
	if receipt.Phase != "specification" || receipt.Feature != "login" || receipt.Attempt != 2 {
		t.Errorf("receipt header = %+v", receipt)
	}
	if len(receipt.Files) != 2 {
		t.Fatalf("receipt has %d files, want 2", len(receipt.Files))
	}

	path := ReceiptPath(dir, workflow.PhaseSpecification)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("receipt file not created at %s: %v", path, err)
	}

	loaded, err := ReadReceipt(path)
	if err != nil {
		t.Fatalf("ReadReceipt() error = %v", err)
	}
	if loaded.Phase != receipt.Phase || len(loaded.Files) != 2 {
		t.Errorf("loaded receipt = %+v", loaded)
	}
	if loaded.Files[0].BLAKE3 != receipt.Files[0].BLAKE3 {
		t.Error("hashes did not round-trip")
	}
}

func TestListReceipts(t *testing.T) {
	dir := t.TempDir()

	receipts, err := ListReceipts(dir)
	if err != nil {
		t.Fatalf("ListReceipts() on missing dir error = %v", err)
	}
	if receipts != nil {
		t.Errorf("ListReceipts() = %v, want nil", receipts)
	}

	writeFile(t, dir, "SPEC.md", 1100)
	if _, err := WriteReceipt(dir, "login", workflow.PhaseSpecification, 1); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "QA_REPORT.md", 600)
	if _, err := WriteReceipt(dir, "login", workflow.PhaseQA, 1); err != nil {
		t.Fatal(err)
	}

	// Stray files in the receipts directory are ignored.
	junk := filepath.Join(dir, ".porch", "receipts", "README")
	if err := os.WriteFile(junk, []byte("not a receipt"), 0644); err != nil {
		t.Fatal(err)
	}

	receipts, err = ListReceipts(dir)
	if err != nil {
		t.Fatalf("ListReceipts() error = %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("ListReceipts() = %d receipts, want 2", len(receipts))
	}
	// Directory order: qa.json before specification.json.
	if receipts[0].Phase != "qa" || receipts[1].Phase != "specification" {
		t.Errorf("receipt order: %s, %s", receipts[0].Phase, receipts[1].Phase)
	}
}
