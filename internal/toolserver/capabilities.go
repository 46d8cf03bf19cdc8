package toolserver

// Archie is the literal agent_id of the distinguished lead agent.
const Archie = "archie"

// workerTools are available to every agent, Archie included.
var workerTools = map[string]bool{
	"send_message":      true,
	"get_messages":      true,
	"update_status":     true,
	"report_completion": true,
	"save_progress":     true,
}

// archieOnlyTools are available only to Archie.
var archieOnlyTools = map[string]bool{
	"spawn_agent":         true,
	"teardown_agent":      true,
	"list_agents":         true,
	"escalate_to_user":    true,
	"request_merge":       true,
	"get_project_context": true,
	"close_project":       true,
	"update_brief":        true,
}

// githubTools are Archie-only and additionally gated on a tracker being
// configured.
var githubTools = map[string]bool{
	"gh_create_issue":     true,
	"gh_list_issues":      true,
	"gh_close_issue":      true,
	"gh_update_issue":     true,
	"gh_add_comment":      true,
	"gh_create_milestone": true,
	"gh_list_milestones":  true,
}

// isArchie reports whether agentID is the distinguished lead agent.
func isArchie(agentID string) bool {
	return agentID == Archie
}

// canAccess implements spec.md §4.6's access check: a function of whether
// agentID is archie and, for the gh_* tools, whether githubConfigured is
// set, with unknown names and disallowed names both
// folding into the same false result so the caller can return one
// undifferentiated access-denied payload.
func canAccess(agentID, tool string, githubConfigured bool) bool {
	if workerTools[tool] {
		return true
	}
	if !isArchie(agentID) {
		return false
	}
	if archieOnlyTools[tool] {
		return true
	}
	if githubTools[tool] {
		return githubConfigured
	}
	return false
}
