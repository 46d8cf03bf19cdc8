package toolserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/AppSecHQ/arch/internal/state"
)

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func optionalStringArg(args map[string]interface{}, key string) *string {
	if v, ok := args[key].(string); ok {
		return &v
	}
	return nil
}

func boolArg(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func errResult(err error) map[string]interface{} {
	return map[string]interface{}{"error": err.Error()}
}

// callTool dispatches one tool invocation and always returns a result map —
// errors are folded into {"error": "..."} rather than propagated, matching
// spec.md §7's "local I/O and validation errors become structured results
// on the exact call that caused them".
func (s *Server) callTool(ctx context.Context, agentID, tool string, args map[string]interface{}) map[string]interface{} {
	switch tool {
	case "send_message":
		return s.handleSendMessage(agentID, args)
	case "get_messages":
		return s.handleGetMessages(agentID, args)
	case "update_status":
		return s.handleUpdateStatus(agentID, args)
	case "report_completion":
		return s.handleReportCompletion(agentID, args)
	case "save_progress":
		return s.handleSaveProgress(agentID, args)
	case "spawn_agent":
		return s.handleSpawnAgent(ctx, args)
	case "teardown_agent":
		return s.handleTeardownAgent(ctx, args)
	case "list_agents":
		return s.handleListAgents()
	case "escalate_to_user":
		return s.handleEscalateToUser(ctx, args)
	case "request_merge":
		return s.handleRequestMerge(ctx, args)
	case "get_project_context":
		return s.handleGetProjectContext()
	case "close_project":
		return s.handleCloseProject(ctx, args)
	case "update_brief":
		return s.handleUpdateBrief(args)
	case "gh_create_issue":
		return s.handleGHCreateIssue(ctx, args)
	case "gh_list_issues":
		return s.handleGHListIssues(ctx, args)
	case "gh_close_issue":
		return s.handleGHCloseIssue(ctx, args)
	case "gh_update_issue":
		return s.handleGHUpdateIssue(ctx, args)
	case "gh_add_comment":
		return s.handleGHAddComment(ctx, args)
	case "gh_create_milestone":
		return s.handleGHCreateMilestone(ctx, args)
	case "gh_list_milestones":
		return s.handleGHListMilestones(ctx)
	default:
		return map[string]interface{}{"error": "access denied"}
	}
}

func (s *Server) handleSendMessage(agentID string, args map[string]interface{}) map[string]interface{} {
	msg := s.store.AddMessage(agentID, stringArg(args, "to"), stringArg(args, "content"))
	return map[string]interface{}{"message_id": msg.ID, "timestamp": msg.Timestamp}
}

func (s *Server) handleGetMessages(agentID string, args map[string]interface{}) map[string]interface{} {
	sinceID := stringArg(args, "since_id")
	messages, cursor := s.store.GetMessages(agentID, sinceID, true)
	if messages == nil {
		messages = []state.Message{}
	}
	return map[string]interface{}{"messages": messages, "cursor": cursor}
}

func (s *Server) handleUpdateStatus(agentID string, args map[string]interface{}) map[string]interface{} {
	task := stringArg(args, "task")
	status := state.AgentStatus(stringArg(args, "status"))
	err := s.store.UpdateAgent(agentID, state.AgentUpdate{Task: &task, Status: &status})
	return map[string]interface{}{"ok": err == nil}
}

func (s *Server) handleReportCompletion(agentID string, args map[string]interface{}) map[string]interface{} {
	summary := stringArg(args, "summary")
	artifacts := stringSliceArg(args, "artifacts")
	done := state.AgentDone
	_ = s.store.UpdateAgent(agentID, state.AgentUpdate{Status: &done, Task: &summary})
	s.store.AddMessage(agentID, Archie, fmt.Sprintf("Work complete: %s\nArtifacts: %s", summary, strings.Join(artifacts, ", ")))
	return map[string]interface{}{"ok": true}
}

func (s *Server) handleSaveProgress(agentID string, args map[string]interface{}) map[string]interface{} {
	ctxBlob := state.AgentContext{
		FilesModified: stringSliceArg(args, "files_modified"),
		Progress:      stringArg(args, "progress"),
		NextSteps:     stringArg(args, "next_steps"),
		Blockers:      optionalStringArg(args, "blockers"),
		Decisions:     stringSliceArg(args, "decisions"),
	}
	err := s.store.UpdateAgent(agentID, state.AgentUpdate{Context: &ctxBlob})
	return map[string]interface{}{"ok": err == nil}
}

func (s *Server) handleSpawnAgent(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if s.spawnFn == nil {
		return map[string]interface{}{"error": "spawn_agent callback not configured"}
	}
	var savedCtx *state.AgentContext
	if raw, ok := args["context"].(string); ok && raw != "" {
		savedCtx = &state.AgentContext{Progress: raw}
	}
	res, err := s.spawnFn(ctx, SpawnRequest{
		Role:            stringArg(args, "role"),
		Assignment:      stringArg(args, "assignment"),
		Context:         savedCtx,
		SkipPermissions: boolArg(args, "skip_permissions"),
	})
	if err != nil {
		return errResult(err)
	}
	return map[string]interface{}{
		"agent_id":       res.AgentID,
		"workspace_path": res.WorkspacePath,
		"sandboxed":      res.Sandboxed,
		"status":         res.Status,
	}
}

func (s *Server) handleTeardownAgent(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if s.teardownFn == nil {
		return map[string]interface{}{"error": "teardown_agent callback not configured"}
	}
	agentID := stringArg(args, "agent_id")
	if reason := stringArg(args, "reason"); reason != "" {
		s.store.AddMessage(Archie, agentID, "Shutting down: "+reason)
	}
	err := s.teardownFn(ctx, agentID, stringArg(args, "reason"))
	return map[string]interface{}{"ok": err == nil}
}

func (s *Server) handleListAgents() map[string]interface{} {
	agents := s.store.ListAgents()
	projected := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		projected = append(projected, map[string]interface{}{
			"id":          a.AgentID,
			"role":        a.Role,
			"status":      a.Status,
			"task":        a.Task,
			"tokens_used": a.Usage.InputTokens + a.Usage.OutputTokens,
			"cost_usd":    a.Usage.CostUSD,
		})
	}
	return map[string]interface{}{"agents": projected}
}

// handleEscalateToUser blocks the calling goroutine until answer_escalation
// resolves decisionID or the server shuts down. It must never be called on
// a request goroutine whose context dies with the HTTP response; callers
// dispatch it on the server's own shutdown-scoped context.
func (s *Server) handleEscalateToUser(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	question := stringArg(args, "question")
	options := stringSliceArg(args, "options")
	decision := s.store.AddPendingDecision(question, options)

	ch := s.escalations.register(decision.ID)
	s.logger.Info("escalation %s: waiting for user answer", decision.ID)

	select {
	case answer := <-ch:
		if answer == "" {
			return map[string]interface{}{"answer": "", "error": "cancelled"}
		}
		s.store.AnswerDecision(decision.ID, answer)
		return map[string]interface{}{"answer": answer}
	case <-ctx.Done():
		s.escalations.resolve(decision.ID)
		return map[string]interface{}{"answer": "", "error": "cancelled"}
	}
}

func (s *Server) handleRequestMerge(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if s.mergeFn == nil {
		return map[string]interface{}{"error": "request_merge callback not configured"}
	}
	res, err := s.mergeFn(ctx, stringArg(args, "agent_id"), stringArg(args, "target_branch"), stringArg(args, "pr_title"), stringArg(args, "pr_body"))
	if err != nil {
		return errResult(err)
	}
	return res
}

func (s *Server) handleGetProjectContext() map[string]interface{} {
	project, _ := s.store.GetProject()
	agents := s.store.ListAgents()
	briefContent := s.readBrief()
	return map[string]interface{}{
		"project":       project,
		"agents":        agents,
		"brief_content": briefContent,
	}
}

func (s *Server) handleCloseProject(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if s.closeProjectFn == nil {
		return map[string]interface{}{"error": "close_project callback not configured"}
	}
	err := s.closeProjectFn(ctx, stringArg(args, "summary"))
	return map[string]interface{}{"ok": err == nil}
}

func (s *Server) handleUpdateBrief(args map[string]interface{}) map[string]interface{} {
	ok, err := s.updateBriefSection(stringArg(args, "section"), stringArg(args, "content"))
	if err != nil {
		return map[string]interface{}{"ok": ok, "error": err.Error()}
	}
	return map[string]interface{}{"ok": ok}
}

func (s *Server) handleGHCreateIssue(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if s.github == nil {
		return map[string]interface{}{"error": "GitHub not configured"}
	}
	number, url, err := s.github.CreateIssue(ctx, stringArg(args, "title"), stringArg(args, "body"),
		stringSliceArg(args, "labels"), stringArg(args, "milestone"), stringArg(args, "assignee"))
	if err != nil {
		return errResult(err)
	}
	return map[string]interface{}{"issue_number": number, "url": url}
}

func (s *Server) handleGHListIssues(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if s.github == nil {
		return map[string]interface{}{"error": "GitHub not configured"}
	}
	issues, err := s.github.ListIssues(ctx, stringSliceArg(args, "labels"), stringArg(args, "milestone"), stringArg(args, "state"), intArg(args, "limit"))
	if err != nil {
		return errResult(err)
	}
	return map[string]interface{}{"issues": issues}
}

func (s *Server) handleGHCloseIssue(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if s.github == nil {
		return map[string]interface{}{"error": "GitHub not configured"}
	}
	err := s.github.CloseIssue(ctx, intArg(args, "issue_number"), stringArg(args, "comment"))
	return ghOK(err)
}

func (s *Server) handleGHUpdateIssue(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if s.github == nil {
		return map[string]interface{}{"error": "GitHub not configured"}
	}
	err := s.github.UpdateIssue(ctx, intArg(args, "issue_number"), stringSliceArg(args, "add_labels"),
		stringSliceArg(args, "remove_labels"), stringArg(args, "milestone"), stringArg(args, "assignee"))
	return ghOK(err)
}

func (s *Server) handleGHAddComment(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if s.github == nil {
		return map[string]interface{}{"error": "GitHub not configured"}
	}
	err := s.github.AddComment(ctx, intArg(args, "issue_number"), stringArg(args, "body"))
	return ghOK(err)
}

func (s *Server) handleGHCreateMilestone(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if s.github == nil {
		return map[string]interface{}{"error": "GitHub not configured"}
	}
	number, url, err := s.github.CreateMilestone(ctx, stringArg(args, "title"), stringArg(args, "description"), stringArg(args, "due_date"))
	if err != nil {
		return errResult(err)
	}
	return map[string]interface{}{"milestone_number": number, "url": url}
}

func (s *Server) handleGHListMilestones(ctx context.Context) map[string]interface{} {
	if s.github == nil {
		return map[string]interface{}{"error": "GitHub not configured"}
	}
	milestones, err := s.github.ListMilestones(ctx)
	if err != nil {
		return errResult(err)
	}
	return map[string]interface{}{"milestones": milestones}
}

func ghOK(err error) map[string]interface{} {
	if err != nil {
		return map[string]interface{}{"ok": false, "error": err.Error()}
	}
	return map[string]interface{}{"ok": true}
}
