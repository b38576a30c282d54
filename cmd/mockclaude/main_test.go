package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iambrandonn/porch/internal/runner"
	"github.com/iambrandonn/porch/pkg/testharness"
)

func TestPlayStreamJSON(t *testing.T) {
	var out bytes.Buffer
	sc := testharness.PlayScenario{
		Lines:   []string{"working on it"},
		Usage:   &testharness.UsageSpec{InputTokens: 100, OutputTokens: 40},
		CostUSD: 0.02,
	}

	code, err := play(&out, sc, true)
	if err != nil {
		t.Fatalf("play failed: %v", err)
	}
	if code != 0 {
		t.Fatalf("unexpected exit code %d", code)
	}

	parser := runner.NewStreamParser(nil)
	var text []string
	for _, line := range strings.Split(out.String(), "\n") {
		if parsed, ok := parser.ParseLine(line); ok {
			text = append(text, parsed)
		}
	}

	joined := strings.Join(text, "\n")
	if !strings.Contains(joined, "working on it") {
		t.Fatalf("expected assistant text in output, got %q", joined)
	}
	if !strings.Contains(joined, "EXIT_SIGNAL: true") {
		t.Fatalf("expected completion marker, got %q", joined)
	}
	if got := parser.Usage().InputTokens; got != 100 {
		t.Fatalf("expected input tokens 100, got %d", got)
	}
	if got := parser.TotalCost(); got != 0.02 {
		t.Fatalf("expected cost 0.02, got %v", got)
	}
}

func TestPlayTextMode(t *testing.T) {
	var out bytes.Buffer
	sc := testharness.PlayScenario{Lines: []string{"plain line"}}

	if _, err := play(&out, sc, false); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "plain line") {
		t.Fatalf("expected raw text output, got %q", got)
	}
	if strings.Contains(got, "{") {
		t.Fatalf("text mode should not emit JSON, got %q", got)
	}
}

func TestPlayOmitsExitSignal(t *testing.T) {
	var out bytes.Buffer
	sc := testharness.PlayScenario{Lines: []string{"stuck"}, OmitExitSignal: true}

	if _, err := play(&out, sc, true); err != nil {
		t.Fatalf("play failed: %v", err)
	}
	if strings.Contains(out.String(), "EXIT_SIGNAL") {
		t.Fatalf("expected no completion marker, got %q", out.String())
	}
}

func TestPlayWritesPaddedFiles(t *testing.T) {
	t.Chdir(t.TempDir())

	sc := testharness.PlayScenario{
		Files: []testharness.FileSpec{{
			Path:    "docs/features/login/SPEC.md",
			Content: "# Spec\n",
			PadTo:   1200,
		}},
	}
	var out bytes.Buffer
	if _, err := play(&out, sc, true); err != nil {
		t.Fatalf("play failed: %v", err)
	}

	path := filepath.Join("docs", "features", "login", "SPEC.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected file written: %v", err)
	}
	if len(data) < 1200 {
		t.Fatalf("expected padded size >= 1200, got %d", len(data))
	}
	if !strings.HasPrefix(string(data), "# Spec\n") {
		t.Fatalf("padding must follow the content, got %q", string(data[:20]))
	}
}

func TestPlayPropagatesExitCode(t *testing.T) {
	var out bytes.Buffer
	code, err := play(&out, testharness.PlayScenario{ExitCode: 3}, true)
	if err != nil {
		t.Fatalf("play failed: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
}

func TestLoadScriptMissingEnvIsEmpty(t *testing.T) {
	script, err := loadScript("")
	if err != nil {
		t.Fatalf("empty path should not fail: %v", err)
	}
	if len(script.Scenarios) != 0 {
		t.Fatalf("expected empty script, got %d scenarios", len(script.Scenarios))
	}
}
