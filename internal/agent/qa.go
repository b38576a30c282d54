package agent

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/iambrandonn/porch/internal/runner"
	"github.com/iambrandonn/porch/internal/workflow"
)

// QAAgent audits the implementation and writes QA_REPORT.md.
type QAAgent struct {
	base
}

// NewQAAgent returns the QA-phase agent.
func NewQAAgent(deps Deps) *QAAgent {
	return &QAAgent{base: newBase(deps)}
}

func (a *QAAgent) Name() string          { return "qa-agent" }
func (a *QAAgent) Phase() workflow.Phase { return workflow.PhaseQA }
func (a *QAAgent) TracksTasks() bool     { return false }

// BuildPrompt fills the audit template; the QA agent reads the feature
// artifacts itself, so nothing is embedded.
func (a *QAAgent) BuildPrompt() (string, error) {
	tpl, err := a.templates.Load("qa_agent.md")
	if err != nil {
		return "", err
	}
	return a.applyPlaceholders(tpl, nil), nil
}

// ParseOutput checks that the report was written and the run announced
// completion.
func (a *QAAgent) ParseOutput(res *runner.Result) Outcome {
	if _, err := a.fs.Stat(filepath.Join(a.featureDir, "QA_REPORT.md")); err != nil {
		return Outcome{Error: "QA_REPORT.md not generated"}
	}
	if !res.ExitSignal {
		return Outcome{Files: []string{"QA_REPORT.md"}, Error: "EXIT_SIGNAL not received"}
	}
	return Outcome{Success: true, Files: []string{"QA_REPORT.md"}}
}

// ReportSummary is a quick digest of QA_REPORT.md for gate display.
type ReportSummary struct {
	Score          string
	CriticalIssues int
}

var scorePattern = regexp.MustCompile(`(?i)score[:\s]+(\d+)/10`)

// Summary extracts the overall score and critical-issue count from the
// QA report. Score is "N/A" when the report is missing or unscored.
func (a *QAAgent) Summary() ReportSummary {
	content := a.readFeatureFile("QA_REPORT.md")
	if content == "" {
		return ReportSummary{Score: "N/A"}
	}
	s := ReportSummary{
		Score:          "N/A",
		CriticalIssues: strings.Count(strings.ToLower(content), "critical"),
	}
	if m := scorePattern.FindStringSubmatch(content); m != nil {
		s.Score = m[1] + "/10"
	}
	return s
}
