package agent

import (
	"regexp"
	"strings"
)

// TASKS.md is the contract between the spec and dev agents: each task is
// a "## Task N" or "### Task N.M" heading followed by a
// "- **Status**: pending|in_progress|completed" line. These helpers are
// the single place that format is parsed.
var (
	taskHeaderPattern     = regexp.MustCompile(`#{2,3}\s*Task\s*[\d.]+`)
	taskCompletedPattern  = regexp.MustCompile(`(?i)\*\*Status\*\*:\s*completed`)
	taskInProgressPattern = regexp.MustCompile(`(?i)#{2,3}\s*Task\s*([\d.]+)[^\n]*\n[^#]*\*\*Status\*\*:\s*in_progress`)
	taskWithStatusPattern = regexp.MustCompile(`(?i)#{2,3}\s*Task\s*([\d.]+)[^\n]*\n[^#]*\*\*Status\*\*:\s*(\w+)`)
)

// TaskProgress counts completed and total tasks in TASKS.md content.
func TaskProgress(content string) (completed, total int) {
	total = len(taskHeaderPattern.FindAllString(content, -1))
	completed = len(taskCompletedPattern.FindAllString(content, -1))
	return completed, total
}

// InProgressTask returns the ID of the task currently marked
// in_progress, or "" when no task is.
func InProgressTask(content string) string {
	m := taskInProgressPattern.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}

// NextPendingAfter returns the first task at or after taskID that is not
// completed. Used on resume: the checkpointed task may itself have
// finished, in which case its successor is the place to pick up.
func NextPendingAfter(content, taskID string) string {
	matches := taskWithStatusPattern.FindAllStringSubmatch(content, -1)
	found := false
	for _, m := range matches {
		id, status := m[1], strings.ToLower(m[2])
		switch {
		case id == taskID:
			found = true
			if status != "completed" {
				return id
			}
		case found && status != "completed":
			return id
		}
	}
	return ""
}
