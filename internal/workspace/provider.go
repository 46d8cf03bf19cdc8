// Package workspace implements the Workspace Provider contract: per-agent
// isolated working copies, brief injection, and merge-back into the
// project's main branch.
package workspace

import "context"

// MergeResult reports the outcome of merging an agent's branch upstream.
type MergeResult struct {
	Status       string // "merged", "conflict"
	ConflictInfo string
	MergeCommit  string
}

// ReviewResult reports the outcome of requesting upstream review (e.g. a PR).
type ReviewResult struct {
	Configured bool
	URL        string
	Number     string
}

// BriefContext is the data injected into an agent's workspace brief
// document, mirroring what the original prototype's write_claude_md
// templates into CLAUDE.md.
type BriefContext struct {
	AgentID            string
	ProjectName        string
	ProjectDescription string
	Assignment         string
	ActiveAgents       []ActiveAgent
	AvailableTools     []string
	PriorProgress      *PriorProgress
	PersonaContent     string
}

// ActiveAgent names one other agent currently in the pool, for the brief's
// team-roster section.
type ActiveAgent struct {
	AgentID string
	Role    string
}

// PriorProgress carries a resumed agent's saved context into its new brief.
type PriorProgress struct {
	Progress      string
	FilesModified []string
	NextSteps     string
	Blockers      string
	Decisions     []string
}

// Provider is the Workspace Provider's external contract (spec.md §4.3).
type Provider interface {
	// Create provisions an isolated workspace for agentID, branched from
	// baseBranch (or the current HEAD if empty), and returns its path.
	Create(ctx context.Context, agentID, baseBranch string) (string, error)

	// WriteAgentBrief (re)writes the agent's brief document inside its
	// workspace with the given context.
	WriteAgentBrief(ctx context.Context, agentID string, brief BriefContext) error

	// Remove tears down agentID's workspace.
	Remove(ctx context.Context, agentID string) error

	// Merge merges agentID's branch into targetBranch.
	Merge(ctx context.Context, agentID, targetBranch, summary string) (MergeResult, error)

	// RequestUpstreamReview pushes agentID's branch and opens a PR via gh,
	// called whenever request_merge supplies a pr_title, independent of
	// whether the tracker integration is configured.
	RequestUpstreamReview(ctx context.Context, agentID, title, body, targetBranch string) (ReviewResult, error)
}
