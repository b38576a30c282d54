// Package artifact validates and fingerprints the files each workflow
// phase leaves in the feature directory. Verification backs resume
// decisions; manifests and receipts give completed phases an auditable
// record.
package artifact

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/iambrandonn/porch/internal/fsutil"
	"github.com/iambrandonn/porch/internal/workflow"
)

// ErrMissing marks a required artifact that is absent or too small to
// hold real content. Resume treats it as "restart this phase", never as
// a fatal workflow error.
var ErrMissing = errors.New("artifact missing or undersized")

// Minimum sizes that indicate substantive content rather than an empty
// shell the agent touched and abandoned.
const (
	minSpecBytes     = 1000
	minTasksBytes    = 200
	minQAReportBytes = 500
)

// Requirement names one file a phase must leave behind.
type Requirement struct {
	Name    string
	MinSize int64
}

// Requirements returns the artifacts a completed phase must have
// produced. Phases that produce no files return nil.
func Requirements(phase workflow.Phase) []Requirement {
	switch phase {
	case workflow.PhaseSpecification:
		return []Requirement{
			{Name: "SPEC.md", MinSize: minSpecBytes},
			{Name: "TASKS.md", MinSize: minTasksBytes},
		}
	case workflow.PhaseQA:
		return []Requirement{
			{Name: "QA_REPORT.md", MinSize: minQAReportBytes},
		}
	default:
		return nil
	}
}

// Verify checks that every artifact the phase requires exists in
// featureDir with more than its minimum size. The returned error wraps
// ErrMissing.
func Verify(featureDir string, phase workflow.Phase) error {
	for _, req := range Requirements(phase) {
		info, err := os.Stat(filepath.Join(featureDir, req.Name))
		if err != nil {
			return fmt.Errorf("%s: %w", req.Name, ErrMissing)
		}
		if info.Size() <= req.MinSize {
			return fmt.Errorf("%s is %d bytes, need more than %d: %w",
				req.Name, info.Size(), req.MinSize, ErrMissing)
		}
	}
	return nil
}

// FileInfo fingerprints one artifact.
type FileInfo struct {
	Path   string    `json:"path"`
	BLAKE3 string    `json:"blake3"`
	Size   int64     `json:"size"`
	Mtime  time.Time `json:"mtime"`
}

// Manifest fingerprints every artifact currently present for a feature.
type Manifest struct {
	FeatureDir string     `json:"feature_dir"`
	CreatedAt  time.Time  `json:"created_at"`
	Files      []FileInfo `json:"files"`
}

// knownArtifacts are the files the workflow reads or produces, in the
// order phases touch them.
var knownArtifacts = []string{"PRD.md", "SPEC.md", "TASKS.md", "QA_REPORT.md"}

// Collect builds a manifest of the feature's existing artifacts.
func Collect(featureDir string) (*Manifest, error) {
	m := &Manifest{
		FeatureDir: filepath.ToSlash(featureDir),
		CreatedAt:  time.Now().UTC(),
	}
	for _, name := range knownArtifacts {
		path := filepath.Join(featureDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		hash, err := HashFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		m.Files = append(m.Files, FileInfo{
			Path:   name,
			BLAKE3: hash,
			Size:   info.Size(),
			Mtime:  info.ModTime().UTC(),
		})
	}
	return m, nil
}

// HashFile computes the BLAKE3 hash of a file as "blake3:hexstring",
// streaming so large files do not load into memory.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return "blake3:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// Receipt records what a phase left behind when it completed.
type Receipt struct {
	Phase     string     `json:"phase"`
	Feature   string     `json:"feature"`
	Attempt   int        `json:"attempt"`
	Files     []FileInfo `json:"files"`
	CreatedAt time.Time  `json:"created_at"`
}

// ReceiptPath returns the standard location for a phase receipt:
// <featureDir>/.porch/receipts/<phase>.json.
func ReceiptPath(featureDir string, phase workflow.Phase) string {
	return filepath.Join(featureDir, ".porch", "receipts", string(phase)+".json")
}

// WriteReceipt fingerprints the feature's current artifacts and persists
// them as the receipt for the completed phase.
func WriteReceipt(featureDir, feature string, phase workflow.Phase, attempt int) (*Receipt, error) {
	manifest, err := Collect(featureDir)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{
		Phase:     string(phase),
		Feature:   feature,
		Attempt:   attempt,
		Files:     manifest.Files,
		CreatedAt: time.Now().UTC(),
	}
	path := ReceiptPath(featureDir, phase)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create receipts directory: %w", err)
	}
	if err := fsutil.AtomicWriteJSON(path, receipt); err != nil {
		return nil, fmt.Errorf("failed to write receipt: %w", err)
	}
	return receipt, nil
}

// ReadReceipt loads one receipt from disk.
func ReadReceipt(path string) (*Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt: %w", err)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return &receipt, nil
}

// ListReceipts returns every receipt recorded for the feature, in
// directory order.
func ListReceipts(featureDir string) ([]*Receipt, error) {
	dir := filepath.Join(featureDir, ".porch", "receipts")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read receipts directory: %w", err)
	}

	var receipts []*Receipt
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		receipt, err := ReadReceipt(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read receipt %s: %w", entry.Name(), err)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}
