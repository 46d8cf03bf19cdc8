package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AppSecHQ/arch/internal/exec"
	"github.com/AppSecHQ/arch/internal/logx"
)

const (
	worktreeDir  = ".worktrees"
	branchPrefix = "agent"
)

// GitProvider implements Provider by shelling out to git and gh, mirroring
// the original prototype's WorktreeManager one-to-one: one branch and one
// worktree directory per agent, --no-ff merges, gh-backed PR creation.
type GitProvider struct {
	repoPath string
	runner   *exec.Runner
	logger   *logx.Logger
}

// NewGitProvider returns a GitProvider rooted at repoPath, which must be a
// git checkout (not validated here — the first git command will fail loudly
// if it isn't, matching the prototype's own Repo(repo_path) failure mode).
func NewGitProvider(repoPath string) *GitProvider {
	return &GitProvider{
		repoPath: repoPath,
		runner:   exec.NewRunner(),
		logger:   logx.NewLogger("workspace"),
	}
}

func (g *GitProvider) worktreePath(agentID string) string {
	return filepath.Join(g.repoPath, worktreeDir, agentID)
}

func (g *GitProvider) branchName(agentID string) string {
	return fmt.Sprintf("%s/%s", branchPrefix, agentID)
}

func (g *GitProvider) git(ctx context.Context, args ...string) (exec.Result, error) {
	return g.runner.Run(ctx, "git", args, exec.Opts{Dir: g.repoPath, Timeout: exec.DefaultOpts().Timeout})
}

func (g *GitProvider) Create(ctx context.Context, agentID, baseBranch string) (string, error) {
	path := g.worktreePath(agentID)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("worktree already exists: %s", path)
	}

	args := []string{"worktree", "add", path, "-b", g.branchName(agentID)}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if _, err := g.git(ctx, args...); err != nil {
		return "", fmt.Errorf("create worktree for %s: %w", agentID, err)
	}
	return path, nil
}

// WriteAgentBrief writes CLAUDE.md into the agent's worktree with an
// injected context header, matching the original's write_claude_md markers
// and session-state section formatting.
func (g *GitProvider) WriteAgentBrief(_ context.Context, agentID string, brief BriefContext) error {
	path := g.worktreePath(agentID)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("worktree does not exist: %s", path)
	}

	agentsStr := "(none yet)"
	if len(brief.ActiveAgents) > 0 {
		parts := make([]string, len(brief.ActiveAgents))
		for i, a := range brief.ActiveAgents {
			parts[i] = fmt.Sprintf("%s: %s", a.AgentID, a.Role)
		}
		agentsStr = strings.Join(parts, ", ")
	}

	toolsStr := "send_message, get_messages, update_status, report_completion"
	if len(brief.AvailableTools) > 0 {
		toolsStr = strings.Join(brief.AvailableTools, ", ")
	}

	var stateSection strings.Builder
	if p := brief.PriorProgress; p != nil {
		stateSection.WriteString("\n## Session State (from previous session)\n")
		if p.Progress != "" {
			fmt.Fprintf(&stateSection, "- **Progress:** %s\n", p.Progress)
		}
		if len(p.FilesModified) > 0 {
			fmt.Fprintf(&stateSection, "- **Files modified:** %s\n", strings.Join(p.FilesModified, ", "))
		}
		if p.NextSteps != "" {
			fmt.Fprintf(&stateSection, "- **Next steps:** %s\n", p.NextSteps)
		}
		if p.Blockers != "" {
			fmt.Fprintf(&stateSection, "- **Blockers:** %s\n", p.Blockers)
		}
		if len(p.Decisions) > 0 {
			fmt.Fprintf(&stateSection, "- **Decisions:** %s\n", strings.Join(p.Decisions, "; "))
		}
	}

	content := fmt.Sprintf(`<!-- INJECTED BY ARCH — DO NOT EDIT BELOW THIS LINE -->
## ARCH Harness Context
- **Your agent ID:** %s
- **Project:** %s — %s
- **Your worktree path:** %s
- **Available MCP tools (via "arch" server):** %s
- **Active team members:** %s
- **Your assignment:** %s
<!-- END ARCH CONTEXT -->
%s
---

%s`, brief.AgentID, brief.ProjectName, brief.ProjectDescription, path, toolsStr, agentsStr, brief.Assignment, stateSection.String(), brief.PersonaContent)

	return os.WriteFile(filepath.Join(path, "CLAUDE.md"), []byte(content), 0o644)
}

func (g *GitProvider) Remove(ctx context.Context, agentID string) error {
	path := g.worktreePath(agentID)
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	if _, err := g.git(ctx, "worktree", "remove", path, "--force"); err != nil {
		return fmt.Errorf("remove worktree for %s: %w", agentID, err)
	}

	// Branch deletion is best-effort: it may not exist, or may not be
	// fully merged, neither of which should fail teardown.
	if _, err := g.git(ctx, "branch", "-D", g.branchName(agentID)); err != nil {
		g.logger.Debug("branch delete for %s failed (ignored): %v", agentID, err)
	}
	return nil
}

func (g *GitProvider) Merge(ctx context.Context, agentID, targetBranch, summary string) (MergeResult, error) {
	if targetBranch == "" {
		targetBranch = "main"
	}
	if _, err := os.Stat(g.worktreePath(agentID)); err != nil {
		return MergeResult{}, fmt.Errorf("worktree does not exist for agent: %s", agentID)
	}

	if _, err := g.git(ctx, "checkout", targetBranch); err != nil {
		return MergeResult{}, fmt.Errorf("checkout %s: %w", targetBranch, err)
	}

	msg := fmt.Sprintf("Merge %s", agentID)
	if summary != "" {
		msg += ": " + summary
	}

	res, err := g.git(ctx, "merge", "--no-ff", g.branchName(agentID), "-m", msg)
	if err != nil {
		return MergeResult{Status: "conflict", ConflictInfo: res.Stderr}, fmt.Errorf("merge %s: %w", agentID, err)
	}

	head, err := g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return MergeResult{Status: "merged"}, nil
	}
	return MergeResult{Status: "merged", MergeCommit: strings.TrimSpace(head.Stdout)}, nil
}

func (g *GitProvider) RequestUpstreamReview(ctx context.Context, agentID, title, body, targetBranch string) (ReviewResult, error) {
	if targetBranch == "" {
		targetBranch = "main"
	}
	branch := g.branchName(agentID)

	if _, err := g.git(ctx, "push", "-u", "origin", branch); err != nil {
		return ReviewResult{}, fmt.Errorf("push branch for %s: %w", agentID, err)
	}

	res, err := g.runner.Run(ctx, "gh", []string{
		"pr", "create", "--title", title, "--body", body, "--head", branch, "--base", targetBranch,
	}, exec.Opts{Dir: g.repoPath, Timeout: exec.DefaultOpts().Timeout})
	if err != nil {
		return ReviewResult{}, fmt.Errorf("create pr for %s: %w", agentID, err)
	}

	url := strings.TrimSpace(res.Stdout)
	number := ""
	if idx := strings.LastIndex(url, "/"); idx != -1 {
		number = url[idx+1:]
	}
	return ReviewResult{Configured: true, URL: url, Number: number}, nil
}
