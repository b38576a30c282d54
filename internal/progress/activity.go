// Package progress turns the agent's raw output stream into structured
// signals: classified activities for the journal and console reporter,
// and task start/completion events that drive state checkpoints. The
// package only observes; it never blocks or fails the workflow.
package progress

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies what the agent appears to be doing.
type Kind string

const (
	KindIdle            Kind = "idle"
	KindWritingFile     Kind = "writing_file"
	KindRunningTest     Kind = "running_test"
	KindRunningCommand  Kind = "running_command"
	KindTaskStart       Kind = "task_start"
	KindTaskComplete    Kind = "task_complete"
	KindReadingFile     Kind = "reading_file"
	KindThinking        Kind = "thinking"
	KindAgentDelegation Kind = "agent_delegation"
)

// Activity is one classified observation from the output stream. Detail
// carries the captured subject (a path, command, task id, or agent
// name); for task starts it is "id:name" when the task name is known.
type Activity struct {
	Kind        Kind
	Description string
	Detail      string
}

type rule struct {
	kind     Kind
	patterns []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		compiled[i] = regexp.MustCompile(expr)
	}
	return compiled
}

// Rules are checked in order: task transitions first so a status flip is
// never shadowed by the file-edit notice on the same line, delegation
// handoffs next, then the generic kinds.
var rules = []rule{
	{KindTaskStart, compile(
		`(?im)\*\*Status\*\*:\s*in_progress`,
		`(?im)###\s*Task\s*([\d.]+).*\[([^\]]+)\]`,
		`(?im)Working on Task\s*([\d.]+)`,
		`(?im)Starting Task\s*([\d.]+)`,
		`(?im)Implementing Task\s*([\d.]+)`,
		`(?im)Now (?:implementing|working on)\s*Task\s*([\d.]+)`,
		`(?im)pending.*→.*in_progress`,
	)},
	{KindTaskComplete, compile(
		`(?im)\*\*Status\*\*:\s*completed`,
		`(?im)[✓✔]\s*Task`,
		`(?im)Task\s*([\d.]+).*completed`,
		`(?im)Completed\s*Task\s*([\d.]+)`,
		`(?im)status.*completed`,
		`(?im)in_progress.*→.*completed`,
	)},
	{KindAgentDelegation, compile(
		`(?im)(?:delegate|delegating)\s+(?:\w+\s+)*?to\s+(?:the\s+)?([a-zA-Z0-9][a-zA-Z0-9_ -]*(?:agent)?)`,
		`(?im)(?:let\s+me\s+)?(?:use|using|invoke|invoking)\s+(?:the\s+)?([a-zA-Z0-9][a-zA-Z0-9_ -]*agent)`,
		`(?im)"subagent_type":\s*"([a-zA-Z0-9_-]+)"`,
	)},
	{KindWritingFile, compile(
		"(?im)(?:Writing|Creating|Wrote)\\s+[`'\"]?([^\\s`'\"]+\\.[a-z]+)",
		"(?im)Write\\s+[`'\"]?([^\\s`'\"]+\\.[a-z]+)",
		"(?im)Editing\\s+[`'\"]?([^\\s`'\"]+\\.[a-z]+)",
	)},
	{KindRunningTest, compile(
		`(?im)(?:bundle exec )?rspec`,
		`(?im)Running tests`,
		`(?im)pytest`,
		`(?im)npm test`,
		`(?im)yarn test`,
		`(?im)\d+ examples?,\s*\d+ failures?`,
		`(?im)\d+ passed|\d+ failed`,
	)},
	{KindRunningCommand, compile(
		`(?im)Running:\s*(.+)$`,
		`(?im)Executing:\s*(.+)$`,
		`(?im)\$\s+(.+)$`,
	)},
	{KindReadingFile, compile(
		"(?im)Reading\\s+[`'\"]?([^\\s`'\"]+)",
		"(?im)Read\\s+[`'\"]?([^\\s`'\"]+\\.[a-z]+)",
	)},
	{KindThinking, compile(
		`(?im)Let me`,
		`(?im)I'll`,
		`(?im)I will`,
		`(?im)Analyzing`,
		`(?im)Checking`,
	)},
}

// Classifier detects activities in output text. A configured test
// command is recognized as a test run in addition to the built-in
// patterns, so "make check" style suites are classified correctly.
type Classifier struct {
	testCommand *regexp.Regexp
}

// NewClassifier builds a classifier. testCommand may be empty.
func NewClassifier(testCommand string) *Classifier {
	c := &Classifier{}
	if testCommand != "" {
		c.testCommand = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(testCommand))
	}
	return c
}

// Classify returns the highest-priority activity detected in the text,
// or false when nothing recognizable appears.
func (c *Classifier) Classify(text string) (Activity, bool) {
	for _, r := range rules {
		for _, p := range r.patterns {
			m := p.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			detail, name := "", ""
			if len(m) > 1 {
				detail = m[1]
			}
			if len(m) > 2 {
				name = m[2]
			}
			if r.kind == KindAgentDelegation {
				detail = NormalizeAgentName(detail)
			}
			return newActivity(r.kind, detail, name), true
		}
		if r.kind == KindRunningTest && c.testCommand != nil && c.testCommand.MatchString(text) {
			return newActivity(KindRunningTest, "", ""), true
		}
	}
	return Activity{}, false
}

func newActivity(kind Kind, detail, name string) Activity {
	a := Activity{Kind: kind, Detail: detail}
	if name != "" {
		a.Detail = detail + ":" + name
	}
	a.Description = describe(kind, detail, name)
	return a
}

func describe(kind Kind, detail, name string) string {
	switch kind {
	case KindTaskStart:
		if name != "" {
			return fmt.Sprintf("Task %s: %s", detail, name)
		}
		if detail != "" {
			return "Starting task " + detail
		}
		return "Starting task"
	case KindTaskComplete:
		if detail != "" {
			return "Completed task " + detail
		}
		return "Task completed"
	case KindAgentDelegation:
		if detail != "" {
			return "Delegating to " + detail
		}
		return "Delegating to agent"
	case KindWritingFile:
		if detail != "" {
			return "Writing " + detail
		}
		return "Writing file"
	case KindRunningTest:
		return "Running tests"
	case KindRunningCommand:
		if detail != "" {
			return "Running: " + detail
		}
		return "Running command"
	case KindReadingFile:
		if detail != "" {
			return "Reading " + detail
		}
		return "Reading file"
	case KindThinking:
		return "Analyzing..."
	}
	return "Working..."
}

var (
	completedBlockPattern    = regexp.MustCompile(`(?is)#{2,3}\s*Task\s*([\d.]+).*?\*\*Status\*\*:\s*completed`)
	completedExplicitPattern = regexp.MustCompile(`(?i)(?:Task\s*([\d.]+).*?completed|Completed\s*Task\s*([\d.]+))`)
)

// AllCompletions returns every task id the text marks completed, in
// order of first appearance. Unlike Classify it does not stop at the
// first match, so one chunk flipping several statuses counts fully.
func AllCompletions(text string) []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, m := range completedBlockPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range completedExplicitPattern.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}
	return ids
}

var (
	agentSeparators = regexp.MustCompile(`[_\s]+`)
	repeatedHyphens = regexp.MustCompile(`-+`)
)

// NormalizeAgentName canonicalizes a captured agent name to lowercase
// hyphenated form with an -agent suffix: "TDD red agent" and
// "tdd_red" both become "tdd-red-agent".
func NormalizeAgentName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = agentSeparators.ReplaceAllString(name, "-")
	name = repeatedHyphens.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		return ""
	}
	if !strings.HasSuffix(name, "-agent") {
		if strings.HasSuffix(name, "agent") && len(name) > len("agent") {
			name = strings.TrimRight(strings.TrimSuffix(name, "agent"), "-") + "-agent"
		} else {
			name += "-agent"
		}
	}
	return name
}
