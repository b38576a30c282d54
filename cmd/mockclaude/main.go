// Command mockclaude is a scriptable stand-in for the claude CLI used by
// the test harness. It accepts the flags porch passes to the real
// binary, picks a scenario from the script file named by the
// MOCKCLAUDE_SCRIPT environment variable, and plays it back: write
// files, emit output, report usage, exit.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iambrandonn/porch/pkg/testharness"
)

func main() {
	flag.Bool("print", false, "Exit after the response instead of starting a session")
	flag.Bool("dangerously-skip-permissions", false, "Skip permission prompts")
	flag.Bool("verbose", false, "Verbose output")
	outputFormat := flag.String("output-format", "text", "Output format (text or stream-json)")
	flag.String("model", "", "Model override")
	prompt := flag.String("p", "", "Prompt")
	version := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println("mockclaude 1.0.0")
		return
	}

	script, err := loadScript(os.Getenv("MOCKCLAUDE_SCRIPT"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "mockclaude:", err)
		os.Exit(2)
	}

	scenario := script.Pick(*prompt)
	code, err := play(os.Stdout, scenario, *outputFormat == "stream-json")
	if err != nil {
		fmt.Fprintln(os.Stderr, "mockclaude:", err)
		os.Exit(2)
	}
	os.Exit(code)
}

func loadScript(path string) (testharness.Script, error) {
	if path == "" {
		return testharness.Script{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return testharness.Script{}, fmt.Errorf("failed to read script: %w", err)
	}
	var script testharness.Script
	if err := json.Unmarshal(data, &script); err != nil {
		return testharness.Script{}, fmt.Errorf("failed to parse script: %w", err)
	}
	return script, nil
}

// play writes the scenario's files and emits its output in the requested
// format, returning the process exit code.
func play(w io.Writer, sc testharness.PlayScenario, streamJSON bool) (int, error) {
	if sc.DelayMs > 0 {
		time.Sleep(time.Duration(sc.DelayMs) * time.Millisecond)
	}

	for _, f := range sc.Files {
		if err := writeFile(f); err != nil {
			return 0, err
		}
	}

	lines := append([]string{}, sc.Lines...)
	if !sc.OmitExitSignal {
		lines = append(lines, "EXIT_SIGNAL: true")
	}

	if !streamJSON {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
		return sc.ExitCode, nil
	}

	emit(w, map[string]any{"type": "system", "subtype": "init", "session_id": "mock"})
	for _, line := range lines {
		emit(w, assistantMessage(line))
	}
	emit(w, resultMessage(sc))
	return sc.ExitCode, nil
}

// writeFile materializes one scenario file relative to the working
// directory, padding the content up to PadTo bytes with filler lines.
func writeFile(f testharness.FileSpec) error {
	content := f.Content
	if f.PadTo > len(content) {
		content += "\n" + padding(f.PadTo-len(content))
	}
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(f.Path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.Path, err)
	}
	return nil
}

func padding(n int) string {
	var b strings.Builder
	line := strings.Repeat("x", 79) + "\n"
	for b.Len() < n {
		b.WriteString(line)
	}
	return b.String()[:n]
}

func assistantMessage(text string) map[string]any {
	return map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": text}},
		},
	}
}

func resultMessage(sc testharness.PlayScenario) map[string]any {
	msg := map[string]any{"type": "result", "subtype": "success"}
	if sc.Usage != nil {
		msg["usage"] = map[string]any{
			"input_tokens":  sc.Usage.InputTokens,
			"output_tokens": sc.Usage.OutputTokens,
		}
	}
	if sc.CostUSD > 0 {
		msg["total_cost_usd"] = sc.CostUSD
	}
	return msg
}

func emit(w io.Writer, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = w.Write(data)
}
