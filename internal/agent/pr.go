package agent

import (
	"regexp"
	"strings"

	"github.com/iambrandonn/porch/internal/runner"
	"github.com/iambrandonn/porch/internal/workflow"
)

// PRAgent commits the feature branch and opens the pull request.
type PRAgent struct {
	base
	featureName string
	branchName  string
}

// NewPRAgent returns the PR-phase agent. An empty branchName derives
// feature/<slug> from the feature name.
func NewPRAgent(deps Deps, featureName, branchName string) *PRAgent {
	a := &PRAgent{base: newBase(deps), featureName: featureName, branchName: branchName}
	if a.branchName == "" {
		a.branchName = a.defaultBranchName()
	}
	return a
}

func (a *PRAgent) Name() string          { return "pr-agent" }
func (a *PRAgent) Phase() workflow.Phase { return workflow.PhasePR }
func (a *PRAgent) TracksTasks() bool     { return false }

// BranchName is the branch this agent will publish to.
func (a *PRAgent) BranchName() string { return a.branchName }

var nonBranchChars = regexp.MustCompile(`[^a-z0-9]+`)

func (a *PRAgent) defaultBranchName() string {
	if a.featureName != "" {
		slug := nonBranchChars.ReplaceAllString(strings.ToLower(a.featureName), "-")
		return "feature/" + strings.Trim(slug, "-")
	}
	slug := nonBranchChars.ReplaceAllString(strings.ToLower(a.params.ProjectName), "-")
	return strings.Trim(slug, "-")
}

// BuildPrompt embeds the branch name and the QA summary for the PR body.
func (a *PRAgent) BuildPrompt() (string, error) {
	tpl, err := a.templates.Load("pr_agent.md")
	if err != nil {
		return "", err
	}
	qaReport := a.readFeatureFile("QA_REPORT.md")
	if qaReport == "" {
		qaReport = "QA report not available"
	}
	return a.applyPlaceholders(tpl, map[string]string{
		"branch_name": a.branchName,
		"qa_report":   qaReport,
	}), nil
}

// ParseOutput requires a pull-request URL in the output plus the
// completion signal.
func (a *PRAgent) ParseOutput(res *runner.Result) Outcome {
	url := ExtractPRURL(res.Output)
	if url == "" {
		return Outcome{Error: "PR URL not found in output"}
	}
	if !res.ExitSignal {
		return Outcome{Files: []string{"PR: " + url}, Error: "EXIT_SIGNAL not received"}
	}
	return Outcome{Success: true, Files: []string{"PR: " + url}}
}

var prURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https://github\.com/[^\s]+/pull/\d+`),
	regexp.MustCompile(`https://github\.com/[^\s]+/compare/[^\s]+`),
}

// ExtractPRURL finds the pull-request URL in run output, falling back to
// a compare URL when the PR could not be opened.
func ExtractPRURL(output string) string {
	for _, p := range prURLPatterns {
		if m := p.FindString(output); m != "" {
			return m
		}
	}
	return ""
}
