package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/AppSecHQ/arch/internal/session"
	"github.com/AppSecHQ/arch/internal/state"
	"github.com/AppSecHQ/arch/internal/usage"
)

// OnEvent implements session.Listener: it folds usage events into the Usage
// Sink and writes the session id carried by a "result" event to the agent's
// record. Every other event type (assistant, and anything unrecognized) is a
// pass-through the harness doesn't act on.
func (o *Orchestrator) OnEvent(agentID string, ev session.Event) {
	if ev.Type == "result" && ev.Result != nil && ev.Result.SessionID != "" {
		sid := ev.Result.SessionID
		_ = o.store.UpdateAgent(agentID, state.AgentUpdate{SessionID: &sid})
		return
	}
	if ev.Type != "usage" || ev.Usage == nil {
		return
	}
	model := ""
	if agentID == ArchieAgentID {
		model = o.cfg.ArchieModel
	} else if agent, ok := o.store.GetAgent(agentID); ok {
		if entry, ok := o.cfg.RoleConfig(agent.Role); ok {
			model = entry.Model
		}
	}
	if _, err := o.sink.Apply(usage.Update{
		AgentID:             agentID,
		Model:               model,
		InputTokens:         ev.Usage.InputTokens,
		OutputTokens:        ev.Usage.OutputTokens,
		CacheReadTokens:     ev.Usage.CacheReadInputTokens,
		CacheCreationTokens: ev.Usage.CacheCreationInputTokens,
	}); err != nil {
		o.logger.Warn("apply usage update for %s: %v", agentID, err)
	}
}

// OnExit implements session.Listener: a non-zero exit produces an error
// status and an inbound message to Archie (spec.md §7 "Child crash"); for
// Archie itself, the exit triggers the restart policy (spec.md §4.7
// "Archie supervision").
func (o *Orchestrator) OnExit(agentID string, exitCode int, err error) {
	if agentID == ArchieAgentID {
		o.handleArchieExit(exitCode, err)
		return
	}

	status := state.AgentDone
	if exitCode != 0 || err != nil {
		status = state.AgentError
	}
	_ = o.store.UpdateAgent(agentID, state.AgentUpdate{Status: &status})

	if status == state.AgentError {
		o.store.AddMessage(agentID, ArchieAgentID, fmt.Sprintf("Agent %s crashed (exit %d): %v", agentID, exitCode, err))
	}
}

// handleArchieExit implements spec.md §4.7's two restart triggers. A crash
// (not a shutdown-requested exit) attempts exactly one respawn using
// Archie's captured resumable session id; a second crash initiates
// shutdown. The respawning flag makes the auto-resume poll a strict
// fallback that never races a crash-restart attempt in flight.
func (o *Orchestrator) handleArchieExit(exitCode int, err error) {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return
	}
	o.archieExitAt = time.Now()
	wasRetry := o.archieRetries > 0
	o.mu.Unlock()

	if exitCode == 0 && err == nil {
		// Archie exited cleanly (e.g. via close_project); nothing to restart.
		return
	}

	if wasRetry {
		o.logger.Error("archie crashed a second time, initiating shutdown")
		go o.Stop(context.Background())
		return
	}

	o.mu.Lock()
	o.respawning = true
	o.archieRetries++
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			o.respawning = false
			o.mu.Unlock()
		}()

		resumeID := ""
		if s, ok := o.sessions.Get(ArchieAgentID); ok {
			resumeID = s.SessionID()
		}
		o.logger.Warn("archie crashed (exit %d: %v), attempting one restart", exitCode, err)
		if spawnErr := o.spawnArchie(context.Background(), resumeID); spawnErr != nil {
			o.logger.Error("archie crash-restart failed: %v", spawnErr)
			go o.Stop(context.Background())
		}
	}()
}

// checkAutoResume implements spec.md §4.7's second restart trigger: once
// the cooldown has elapsed since Archie's last exit, and no crash-restart
// is in flight, respawn Archie if an undelivered message addresses it.
func (o *Orchestrator) checkAutoResume(ctx context.Context) {
	o.mu.Lock()
	if o.shuttingDown || o.respawning || o.archieExitAt.IsZero() {
		o.mu.Unlock()
		return
	}
	if time.Since(o.archieExitAt) < o.cfg.AutoResumeCooldown {
		o.mu.Unlock()
		return
	}
	if o.archieRetries > 1 {
		// Restart counter exhausted; no further auto-resumes without operator action.
		o.mu.Unlock()
		return
	}
	if s, ok := o.sessions.Get(ArchieAgentID); ok && s.IsRunning() {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if !o.hasUndeliveredMessageForArchie() {
		return
	}

	resumeID := ""
	if s, ok := o.sessions.Get(ArchieAgentID); ok {
		resumeID = s.SessionID()
	}

	o.mu.Lock()
	o.archieExitAt = time.Time{}
	o.archieRetries++
	o.mu.Unlock()

	o.logger.Info("auto-resuming archie on new message after cooldown")
	if err := o.spawnArchie(ctx, resumeID); err != nil {
		o.logger.Error("archie auto-resume failed: %v", err)
	}
}

func (o *Orchestrator) hasUndeliveredMessageForArchie() bool {
	return o.store.HasPendingMessages(ArchieAgentID)
}
