package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := NewClassifier("")

	tests := []struct {
		name        string
		text        string
		kind        Kind
		description string
		detail      string
	}{
		{
			name:        "status flip to in_progress",
			text:        "Updating TASKS.md\n**Status**: in_progress",
			kind:        KindTaskStart,
			description: "Starting task",
		},
		{
			name:        "task header with bracketed name",
			text:        "### Task 1.2 [Create login form]",
			kind:        KindTaskStart,
			description: "Task 1.2: Create login form",
			detail:      "1.2:Create login form",
		},
		{
			name:        "working on task",
			text:        "Working on Task 3.1 now",
			kind:        KindTaskStart,
			description: "Starting task 3.1",
			detail:      "3.1",
		},
		{
			name:        "edit tool status transition",
			text:        "- **Status**: pending → - **Status**: in_progress",
			kind:        KindTaskStart,
			description: "Starting task",
		},
		{
			name:        "completion with id",
			text:        "Task 2.3 is now completed",
			kind:        KindTaskComplete,
			description: "Completed task 2.3",
			detail:      "2.3",
		},
		{
			name:        "checkmark completion",
			text:        "✓ Task finished",
			kind:        KindTaskComplete,
			description: "Task completed",
		},
		{
			name:        "delegation with to",
			text:        "I'll delegate this to the TDD red agent",
			kind:        KindAgentDelegation,
			description: "Delegating to tdd-red-agent",
			detail:      "tdd-red-agent",
		},
		{
			name:        "delegation via use",
			text:        "Let me use the qa-agent for this",
			kind:        KindAgentDelegation,
			description: "Delegating to qa-agent",
			detail:      "qa-agent",
		},
		{
			name:        "delegation via subagent_type",
			text:        `{"subagent_type": "backend-architect"}`,
			kind:        KindAgentDelegation,
			description: "Delegating to backend-architect-agent",
			detail:      "backend-architect-agent",
		},
		{
			name:        "tool mention is not a delegation",
			text:        "I'll use grep to find the matches",
			kind:        KindThinking,
			description: "Analyzing...",
		},
		{
			name:        "writing a file",
			text:        "Writing src/login.ts",
			kind:        KindWritingFile,
			description: "Writing src/login.ts",
			detail:      "src/login.ts",
		},
		{
			name:        "editing a file",
			text:        "Editing `tests/login.test.ts` to add a case",
			kind:        KindWritingFile,
			description: "Writing tests/login.test.ts",
			detail:      "tests/login.test.ts",
		},
		{
			name:        "running tests by runner name",
			text:        "pytest -x tests/",
			kind:        KindRunningTest,
			description: "Running tests",
		},
		{
			name:        "test runner wins over shell prompt",
			text:        "$ npm test",
			kind:        KindRunningTest,
			description: "Running tests",
		},
		{
			name:        "test summary line",
			text:        "12 examples, 2 failures",
			kind:        KindRunningTest,
			description: "Running tests",
		},
		{
			name:        "pass count summary",
			text:        "15 passed, 1 failed",
			kind:        KindRunningTest,
			description: "Running tests",
		},
		{
			name:        "shell command",
			text:        "$ npm install express",
			kind:        KindRunningCommand,
			description: "Running: npm install express",
			detail:      "npm install express",
		},
		{
			name:        "running prefix",
			text:        "Running: go vet ./...",
			kind:        KindRunningCommand,
			description: "Running: go vet ./...",
			detail:      "go vet ./...",
		},
		{
			name:        "reading a file",
			text:        "Reading src/config.ts",
			kind:        KindReadingFile,
			description: "Reading src/config.ts",
			detail:      "src/config.ts",
		},
		{
			name:        "thinking",
			text:        "Checking the database schema first",
			kind:        KindThinking,
			description: "Analyzing...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			activity, ok := c.Classify(tt.text)
			require.True(t, ok)
			require.Equal(t, tt.kind, activity.Kind)
			require.Equal(t, tt.description, activity.Description)
			require.Equal(t, tt.detail, activity.Detail)
		})
	}
}

func TestClassifyNothingRecognizable(t *testing.T) {
	c := NewClassifier("")
	for _, text := range []string{"", "=====", "42", "done."} {
		_, ok := c.Classify(text)
		require.False(t, ok, "text %q should not classify", text)
	}
}

func TestClassifyTaskStartBeatsFileEdit(t *testing.T) {
	c := NewClassifier("")
	activity, ok := c.Classify("Writing src/login.ts\n**Status**: in_progress")
	require.True(t, ok)
	require.Equal(t, KindTaskStart, activity.Kind)
}

func TestClassifyConfiguredTestCommand(t *testing.T) {
	c := NewClassifier("make check")

	activity, ok := c.Classify("about to run make check for the suite")
	require.True(t, ok)
	require.Equal(t, KindRunningTest, activity.Kind)

	// Without the configured command the same text means nothing.
	_, ok = NewClassifier("").Classify("about to run make check for the suite")
	require.False(t, ok)
}

func TestAllCompletions(t *testing.T) {
	text := `### Task 1.1 Setup
- **Status**: completed

### Task 1.2 Login form
- **Status**: completed

### Task 2.1 Sessions
- **Status**: in_progress

Also, Task 1.1 completed earlier.`

	require.Equal(t, []string{"1.1", "1.2"}, AllCompletions(text))
}

func TestAllCompletionsExplicitWording(t *testing.T) {
	require.Equal(t, []string{"3.2"}, AllCompletions("Completed Task 3.2 with all tests green"))
	require.Empty(t, AllCompletions("**Status**: completed"))
	require.Empty(t, AllCompletions("nothing here"))
}

func TestNormalizeAgentName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"TDD red agent", "tdd-red-agent"},
		{"backend_agent", "backend-agent"},
		{"model", "model-agent"},
		{"TDD-red", "tdd-red-agent"},
		{"  spaced   out  ", "spaced-out-agent"},
		{"tddagent", "tdd-agent"},
		{"agent", "agent-agent"},
		{"---", ""},
		{"", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, NormalizeAgentName(tt.raw), "raw %q", tt.raw)
	}
}
