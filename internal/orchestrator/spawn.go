package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/AppSecHQ/arch/internal/container"
	"github.com/AppSecHQ/arch/internal/session"
	"github.com/AppSecHQ/arch/internal/toolserver"
	"github.com/AppSecHQ/arch/internal/workspace"
)

// spawnArchie provisions Archie's workspace, writes its brief, and spawns it
// (never sandboxed, per spec.md §4.7 step 9). resumeSessionID is empty on a
// cold start and set when respawning after a crash.
func (o *Orchestrator) spawnArchie(ctx context.Context, resumeSessionID string) error {
	worktree, err := o.ws.Create(ctx, ArchieAgentID, "")
	if err != nil {
		// Archie's workspace may already exist across a respawn; tolerate that.
		if resumeSessionID == "" {
			return fmt.Errorf("create archie workspace: %w", err)
		}
	}
	if worktree == "" {
		worktree = o.cfg.RepoPath
	}

	persona, _ := readPersona(o.cfg.ArchiePersona)
	if err := o.ws.WriteAgentBrief(ctx, ArchieAgentID, workspace.BriefContext{
		AgentID:            ArchieAgentID,
		ProjectName:        o.cfg.ProjectName,
		ProjectDescription: o.cfg.ProjectDescription,
		Assignment:         "Lead the project to completion.",
		AvailableTools:     archieToolNames(),
		PersonaContent:     persona,
	}); err != nil {
		o.logger.Warn("write archie brief: %v", err)
	}

	mcpPath, err := session.WriteMCPConfig(o.cfg.StateDir, ArchieAgentID, o.cfg.ToolServer.Port, "")
	if err != nil {
		return fmt.Errorf("write archie mcp config: %w", err)
	}

	if _, exists := o.store.GetAgent(ArchieAgentID); !exists {
		o.store.RegisterAgent(ArchieAgentID, "archie", worktree, false, false, 0, "")
	}
	o.sink.Register(ArchieAgentID, o.cfg.ArchieModel)

	cfg := session.Config{AgentID: ArchieAgentID, Role: "archie", Model: o.cfg.ArchieModel, Worktree: worktree}
	prompt := "You are Archie, the lead agent. Begin the project."
	if resumeSessionID != "" {
		prompt = ""
	}
	_, err = o.sessions.Spawn(ctx, cfg, mcpPath, prompt, resumeSessionID)
	return err
}

func archieToolNames() []string {
	return []string{
		"send_message", "get_messages", "spawn_agent", "teardown_agent", "list_agents",
		"escalate_to_user", "request_merge", "get_project_context", "close_project", "update_brief",
	}
}

func readPersona(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// spawnAgent implements the spawn_agent tool (spec.md §4.7 "Spawn flow").
func (o *Orchestrator) spawnAgent(ctx context.Context, req toolserver.SpawnRequest) (toolserver.SpawnResult, error) {
	entry, ok := o.cfg.RoleConfig(req.Role)
	if !ok {
		return toolserver.SpawnResult{}, fmt.Errorf("unknown role: %s", req.Role)
	}
	if req.SkipPermissions && !entry.SkipPermissions {
		return toolserver.SpawnResult{}, fmt.Errorf("role %s does not permit skip_permissions", req.Role)
	}
	if !o.roleCounts.tryIncrement(req.Role, entry.MaxInstances) {
		return toolserver.SpawnResult{}, fmt.Errorf("role %s has reached its max_instances limit", req.Role)
	}

	agentID := fmt.Sprintf("%s-%d", req.Role, o.roleCounts.next(req.Role))

	worktree, err := o.ws.Create(ctx, agentID, "")
	if err != nil {
		o.roleCounts.decrement(req.Role)
		return toolserver.SpawnResult{}, fmt.Errorf("create workspace for %s: %w", agentID, err)
	}

	var prior *workspace.PriorProgress
	if req.Context != nil {
		prior = &workspace.PriorProgress{
			Progress:      req.Context.Progress,
			FilesModified: req.Context.FilesModified,
			NextSteps:     req.Context.NextSteps,
			Decisions:     req.Context.Decisions,
		}
		if req.Context.Blockers != nil {
			prior.Blockers = *req.Context.Blockers
		}
	}

	persona, _ := readPersona(entry.Persona)
	if err := o.ws.WriteAgentBrief(ctx, agentID, workspace.BriefContext{
		AgentID:            agentID,
		ProjectName:        o.cfg.ProjectName,
		ProjectDescription: o.cfg.ProjectDescription,
		Assignment:         req.Assignment,
		AvailableTools:     []string{"send_message", "get_messages", "update_status", "report_completion", "save_progress"},
		PriorProgress:      prior,
		PersonaContent:     persona,
	}); err != nil {
		o.logger.Warn("write brief for %s: %v", agentID, err)
	}

	host := ""
	if entry.Sandboxed {
		host = "host.docker.internal"
	}
	mcpPath, err := session.WriteMCPConfig(o.cfg.StateDir, agentID, o.cfg.ToolServer.Port, host)
	if err != nil {
		o.roleCounts.decrement(req.Role)
		return toolserver.SpawnResult{}, fmt.Errorf("write mcp config for %s: %w", agentID, err)
	}

	containerName := ""
	if entry.Sandboxed {
		containerName = container.ContainerName(agentID)
	}
	o.store.RegisterAgent(agentID, req.Role, worktree, entry.Sandboxed, req.SkipPermissions, 0, containerName)
	o.sink.Register(agentID, entry.Model)

	prompt := fmt.Sprintf("Your assignment: %s", req.Assignment)
	sessionCfg := session.Config{AgentID: agentID, Role: req.Role, Model: entry.Model, Worktree: worktree, SkipPermissions: req.SkipPermissions}

	if req.SkipPermissions {
		_ = session.LogPermissionsAudit(o.cfg.StateDir, agentID, req.Role, "spawn_agent")
	}

	if entry.Sandboxed {
		containerCfg := container.Config{
			Config:      sessionCfg,
			Image:       entry.ContainerImage,
			MemoryLimit: entry.ContainerMemory,
			CPUs:        entry.ContainerCPUs,
			Network:     entry.ContainerNetwork,
		}
		if _, err := o.sandbox.Spawn(ctx, containerCfg, worktree, mcpPath, prompt, ""); err != nil {
			o.roleCounts.decrement(req.Role)
			return toolserver.SpawnResult{}, fmt.Errorf("spawn container for %s: %w", agentID, err)
		}
	} else {
		if _, err := o.sessions.Spawn(ctx, sessionCfg, mcpPath, prompt, ""); err != nil {
			o.roleCounts.decrement(req.Role)
			return toolserver.SpawnResult{}, fmt.Errorf("spawn session for %s: %w", agentID, err)
		}
	}

	return toolserver.SpawnResult{AgentID: agentID, WorkspacePath: worktree, Sandboxed: entry.Sandboxed, Status: "spawning"}, nil
}

// teardownAgent implements the teardown_agent tool (spec.md §4.7 "Teardown flow").
func (o *Orchestrator) teardownAgent(ctx context.Context, agentID, _ string) error {
	if agentID == ArchieAgentID {
		return fmt.Errorf("cannot teardown archie")
	}
	agent, ok := o.store.GetAgent(agentID)
	if !ok {
		return fmt.Errorf("unknown agent: %s", agentID)
	}

	grace := o.cfg.ShutdownTimeout
	if agent.Sandboxed {
		_ = o.sandbox.Stop(agentID, grace)
	} else {
		_ = o.sessions.Stop(agentID, grace)
	}

	if !o.cfg.KeepWorkspaces {
		if err := o.ws.Remove(ctx, agentID); err != nil {
			o.logger.Warn("remove workspace for %s: %v", agentID, err)
		}
	}

	o.roleCounts.decrement(agent.Role)
	o.sink.Remove(agentID)
	o.store.RemoveAgent(agentID)
	return nil
}

// requestMerge implements the request_merge tool: direct merge when
// pr_title is absent, upstream review request otherwise (spec.md §4.6's
// capability matrix).
func (o *Orchestrator) requestMerge(ctx context.Context, agentID, targetBranch, prTitle, prBody string) (map[string]interface{}, error) {
	if prTitle != "" {
		result, err := o.ws.RequestUpstreamReview(ctx, agentID, prTitle, prBody, targetBranch)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"mode":       "pull_request",
			"configured": result.Configured,
			"url":        result.URL,
			"number":     result.Number,
		}, nil
	}

	result, err := o.ws.Merge(ctx, agentID, targetBranch, prBody)
	if err != nil {
		return map[string]interface{}{"mode": "merge", "status": result.Status, "conflict_info": result.ConflictInfo}, err
	}
	return map[string]interface{}{"mode": "merge", "status": result.Status, "merge_commit": result.MergeCommit}, nil
}

// closeProject implements the close_project tool: graceful shutdown
// initiated by Archie itself, reusing the same Stop path as a signal-driven
// shutdown (spec.md §4.7 "Shutdown flow").
func (o *Orchestrator) closeProject(ctx context.Context, summary string) error {
	o.logger.Info("close_project requested: %s", summary)
	go o.Stop(ctx)
	return nil
}
