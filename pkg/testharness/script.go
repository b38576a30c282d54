// Package testharness drives end-to-end workflow runs against the
// mockclaude binary: it builds the binaries, scaffolds a throwaway
// project, and plays back scripted agent behavior.
package testharness

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Script is the playbook the mockclaude binary reads from the file named
// by the MOCKCLAUDE_SCRIPT environment variable. Each invocation picks
// the first scenario whose Match string occurs in the prompt, so a
// catch-all scenario (empty Match) belongs last.
type Script struct {
	Scenarios []PlayScenario `json:"scenarios"`
}

// PlayScenario describes one scripted agent invocation.
type PlayScenario struct {
	// Match selects this scenario when it is a substring of the prompt.
	// Empty matches every prompt.
	Match string `json:"match,omitempty"`
	// DelayMs pauses before any output, for timeout and abort tests.
	DelayMs int `json:"delay_ms,omitempty"`
	// Files are written relative to the working directory before any
	// output is emitted.
	Files []FileSpec `json:"files,omitempty"`
	// Lines are emitted as assistant text, one message per line.
	Lines []string `json:"lines,omitempty"`
	// OmitExitSignal suppresses the completion marker that is otherwise
	// appended after Lines.
	OmitExitSignal bool `json:"omit_exit_signal,omitempty"`
	// ExitCode is the process exit status.
	ExitCode int `json:"exit_code,omitempty"`
	// Usage and CostUSD are reported in the final result message.
	Usage   *UsageSpec `json:"usage,omitempty"`
	CostUSD float64    `json:"cost_usd,omitempty"`
}

// FileSpec is a file written by a scenario. PadTo grows the content with
// filler lines to at least that many bytes, for artifacts with minimum
// size checks.
type FileSpec struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	PadTo   int    `json:"pad_to,omitempty"`
}

// UsageSpec mirrors the token fields of a stream-json result message.
type UsageSpec struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Pick returns the first scenario matching the prompt, or a minimal
// default when nothing matches.
func (s Script) Pick(prompt string) PlayScenario {
	for _, sc := range s.Scenarios {
		if strings.Contains(prompt, sc.Match) {
			return sc
		}
	}
	return PlayScenario{Lines: []string{"no scenario matched, acknowledging prompt"}}
}

// Write serializes the script to path.
func (s Script) Write(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal script: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}
	return nil
}

// Prompt openings of the four phase agents, stable enough to key
// scenarios on.
const (
	MatchSpecification  = "You are the specification agent"
	MatchImplementation = "You are the implementation agent"
	MatchQA             = "You are the QA agent"
	MatchPR             = "You are the release agent"
)

// HappyPath scripts a full successful workflow for a feature: the
// specification scenario writes SPEC.md and TASKS.md, implementation
// flips every task to completed, QA writes a clean report, and the
// release scenario prints a pull request URL.
func HappyPath(feature string) Script {
	dir := "docs/features/" + feature
	return Script{Scenarios: []PlayScenario{
		{
			Match: MatchSpecification,
			Files: []FileSpec{
				{Path: dir + "/SPEC.md", Content: specContent, PadTo: 1400},
				{Path: dir + "/TASKS.md", Content: tasksPending, PadTo: 700},
			},
			Lines:   []string{"Specification and task list written."},
			Usage:   &UsageSpec{InputTokens: 1200, OutputTokens: 900},
			CostUSD: 0.02,
		},
		{
			Match: MatchImplementation,
			Files: []FileSpec{
				{Path: dir + "/TASKS.md", Content: tasksCompleted, PadTo: 700},
			},
			Lines:   []string{"All tasks implemented."},
			Usage:   &UsageSpec{InputTokens: 2400, OutputTokens: 1800},
			CostUSD: 0.05,
		},
		{
			Match: MatchQA,
			Files: []FileSpec{
				{Path: dir + "/QA_REPORT.md", Content: qaReport, PadTo: 700},
			},
			Lines:   []string{"QA audit complete."},
			Usage:   &UsageSpec{InputTokens: 1500, OutputTokens: 600},
			CostUSD: 0.03,
		},
		{
			Match:   MatchPR,
			Lines:   []string{"Opened https://github.com/example/demo/pull/1"},
			Usage:   &UsageSpec{InputTokens: 800, OutputTokens: 200},
			CostUSD: 0.01,
		},
	}}
}

const specContent = `# Specification

## Overview

The feature adds a documented, test-covered flow end to end.

## Design

Requests are validated, persisted, and acknowledged. Failures return
typed errors with stable messages.
`

const tasksPending = `# Tasks

### Task 1.1 Wire the new endpoint
- **Status**: pending
- Add the handler and route registration.

### Task 1.2 Persist submitted data
- **Status**: pending
- Store records behind the repository interface.

### Task 1.3 Cover the flow with tests
- **Status**: pending
- Unit tests for validation and persistence.
`

const tasksCompleted = `# Tasks

### Task 1.1 Wire the new endpoint
- **Status**: completed
- Add the handler and route registration.

### Task 1.2 Persist submitted data
- **Status**: completed
- Store records behind the repository interface.

### Task 1.3 Cover the flow with tests
- **Status**: completed
- Unit tests for validation and persistence.
`

const qaReport = `# QA Report

Score: 9/10

## Findings

No blocking issues. Minor naming inconsistencies noted in the handler
layer; tests cover the main flow and edge cases.
`
