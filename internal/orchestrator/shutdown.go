package orchestrator

import (
	"context"
	"fmt"
)

// Stop implements spec.md §4.7's "Shutdown flow": it is idempotent and safe
// to call after any startup gate failure or from a signal handler. Every
// supervisor is stopped in parallel bounded by cfg.ShutdownTimeout, the Tool
// Server is shut down, workspaces are removed unless keep_workspaces is set,
// and a cost summary is logged before the Usage Sink is closed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return nil
	}
	o.shuttingDown = true
	o.mu.Unlock()

	if o.stopLoop != nil {
		o.stopLoop()
		<-o.loopDone
	}

	grace := o.cfg.ShutdownTimeout
	done := make(chan struct{}, 2)
	go func() { o.sessions.StopAll(grace); done <- struct{}{} }()
	go func() {
		for _, agent := range o.store.ListAgents() {
			if agent.Sandboxed {
				_ = o.sandbox.Stop(agent.AgentID, grace)
			}
		}
		done <- struct{}{}
	}()
	<-done
	<-done

	if o.tools != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		if err := o.tools.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("tool server shutdown: %v", err)
		}
		cancel()
	}

	if !o.cfg.KeepWorkspaces {
		for _, agent := range o.store.ListAgents() {
			if err := o.ws.Remove(ctx, agent.AgentID); err != nil {
				o.logger.Warn("remove workspace for %s: %v", agent.AgentID, err)
			}
		}
	}

	o.logger.Info("shutdown complete, total cost %s", fmt.Sprintf("$%.4f", o.sink.TotalCost()))
	if err := o.sink.Close(); err != nil {
		o.logger.Warn("close usage sink: %v", err)
	}
	return nil
}
