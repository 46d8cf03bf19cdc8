// Package integration implements ARCH's one external collaborator: an
// out-of-band issue tracker reached by shelling out to the gh CLI, the
// same way the Workspace Provider shells out to git. A circuit breaker
// guards every call so a flaky tracker degrades the tracker tools rather
// than stalling Archie's tool calls.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/AppSecHQ/arch/internal/exec"
	"github.com/AppSecHQ/arch/internal/logx"
)

// Issue mirrors spec.md §4.6's gh_list_issues result shape.
type Issue struct {
	Number   int      `json:"number"`
	Title    string   `json:"title"`
	Labels   []string `json:"labels"`
	State    string   `json:"state"`
	Assignee string   `json:"assignee,omitempty"`
	URL      string   `json:"url"`
}

// Milestone mirrors gh_list_milestones.
type Milestone struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// GitHub is the tracker client wired into the Tool Server's issue_*/
// milestone_* pass-throughs, grounded on original_source/arch/mcp_server.py's
// _handle_gh_* handlers.
type GitHub struct {
	repo    string
	runner  *exec.Runner
	breaker *gobreaker.CircuitBreaker
	logger  *logx.Logger
}

// NewGitHub returns a GitHub client for repo ("owner/repo"), or nil if repo
// is empty — callers treat a nil client as "tracker not configured",
// matching spec.md's optional framing.
func NewGitHub(repo string) *GitHub {
	if repo == "" {
		return nil
	}
	settings := gobreaker.Settings{
		Name:        "github-tracker",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &GitHub{
		repo:    repo,
		runner:  exec.NewRunner(),
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logx.NewLogger("integration"),
	}
}

// CheckAccess verifies gh can reach repo, used by the Orchestrator's
// Integration Gate (spec.md §4.7 step 6). Failure here is non-fatal at the
// caller's discretion — it disables tracker tools and warns.
func (g *GitHub) CheckAccess(ctx context.Context) error {
	if g == nil {
		return fmt.Errorf("tracker not configured")
	}
	_, err := g.run(ctx, "repo", "view", g.repo)
	return err
}

func (g *GitHub) run(ctx context.Context, args ...string) (string, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		res, runErr := g.runner.Run(ctx, "gh", args, exec.Opts{Timeout: 30 * time.Second})
		if runErr != nil {
			return "", runErr
		}
		return res.Stdout, nil
	})
	if err != nil {
		g.logger.Warn("gh %s failed: %v", strings.Join(args, " "), err)
		return "", err
	}
	return result.(string), nil
}

// CreateIssue runs `gh issue create`.
func (g *GitHub) CreateIssue(ctx context.Context, title, body string, labels []string, milestone, assignee string) (int, string, error) {
	args := []string{"issue", "create", "--repo", g.repo, "--title", title, "--body", body}
	if len(labels) > 0 {
		args = append(args, "--label", strings.Join(labels, ","))
	}
	if milestone != "" {
		args = append(args, "--milestone", milestone)
	}
	if assignee != "" {
		args = append(args, "--assignee", assignee)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return 0, "", err
	}
	url := strings.TrimSpace(out)
	number := 0
	if idx := strings.LastIndex(url, "/"); idx != -1 {
		number, _ = strconv.Atoi(url[idx+1:])
	}
	return number, url, nil
}

// ListIssues runs `gh issue list --json ...`.
func (g *GitHub) ListIssues(ctx context.Context, labels []string, milestone, state string, limit int) ([]Issue, error) {
	if state == "" {
		state = "open"
	}
	if limit <= 0 {
		limit = 30
	}
	args := []string{
		"issue", "list", "--repo", g.repo,
		"--json", "number,title,labels,state,assignees,url",
		"--state", state,
		"--limit", strconv.Itoa(limit),
	}
	for _, label := range labels {
		args = append(args, "--label", label)
	}
	if milestone != "" {
		args = append(args, "--milestone", milestone)
	}

	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
		URL    string `json:"url"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		Assignees []struct {
			Login string `json:"login"`
		} `json:"assignees"`
	}
	if out == "" {
		return []Issue{}, nil
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse gh issue list output: %w", err)
	}

	issues := make([]Issue, 0, len(raw))
	for _, r := range raw {
		labelNames := make([]string, 0, len(r.Labels))
		for _, l := range r.Labels {
			labelNames = append(labelNames, l.Name)
		}
		assignee := ""
		if len(r.Assignees) > 0 {
			assignee = r.Assignees[0].Login
		}
		issues = append(issues, Issue{
			Number:   r.Number,
			Title:    r.Title,
			Labels:   labelNames,
			State:    r.State,
			Assignee: assignee,
			URL:      r.URL,
		})
	}
	return issues, nil
}

// CloseIssue runs `gh issue close`.
func (g *GitHub) CloseIssue(ctx context.Context, number int, comment string) error {
	args := []string{"issue", "close", strconv.Itoa(number), "--repo", g.repo}
	if comment != "" {
		args = append(args, "--comment", comment)
	}
	_, err := g.run(ctx, args...)
	return err
}

// UpdateIssue runs `gh issue edit`.
func (g *GitHub) UpdateIssue(ctx context.Context, number int, addLabels, removeLabels []string, milestone, assignee string) error {
	args := []string{"issue", "edit", strconv.Itoa(number), "--repo", g.repo}
	if len(addLabels) > 0 {
		args = append(args, "--add-label", strings.Join(addLabels, ","))
	}
	if len(removeLabels) > 0 {
		args = append(args, "--remove-label", strings.Join(removeLabels, ","))
	}
	if milestone != "" {
		args = append(args, "--milestone", milestone)
	}
	if assignee != "" {
		args = append(args, "--add-assignee", assignee)
	}
	_, err := g.run(ctx, args...)
	return err
}

// AddComment runs `gh issue comment`.
func (g *GitHub) AddComment(ctx context.Context, number int, body string) error {
	_, err := g.run(ctx, "issue", "comment", strconv.Itoa(number), "--repo", g.repo, "--body", body)
	return err
}

// CreateMilestone runs `gh api repos/<repo>/milestones -X POST`, since the
// gh CLI has no dedicated milestone-create subcommand.
func (g *GitHub) CreateMilestone(ctx context.Context, title, description, dueDate string) (int, string, error) {
	args := []string{"api", fmt.Sprintf("repos/%s/milestones", g.repo), "-X", "POST", "-f", "title=" + title}
	if description != "" {
		args = append(args, "-f", "description="+description)
	}
	if dueDate != "" {
		args = append(args, "-f", "due_on="+dueDate+"T00:00:00Z")
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return 0, "", err
	}
	var data struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if out != "" {
		_ = json.Unmarshal([]byte(out), &data)
	}
	return data.Number, data.HTMLURL, nil
}

// ListMilestones runs `gh api repos/<repo>/milestones`.
func (g *GitHub) ListMilestones(ctx context.Context) ([]Milestone, error) {
	out, err := g.run(ctx, "api", fmt.Sprintf("repos/%s/milestones", g.repo))
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
	}
	if out == "" {
		return []Milestone{}, nil
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse gh milestone list output: %w", err)
	}
	milestones := make([]Milestone, 0, len(raw))
	for _, r := range raw {
		milestones = append(milestones, Milestone{Number: r.Number, Title: r.Title, URL: r.HTMLURL})
	}
	return milestones, nil
}
