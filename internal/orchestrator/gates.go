package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/AppSecHQ/arch/internal/session"
)

// runPermissionGate implements spec.md §4.7 step 4: if any pool entry
// declares skip-permissions, require interactive operator confirmation and
// append an audit line either way. Grounded on the teacher's
// internal/orch.StartupOrchestrator.offerInteractiveRebuild prompt pattern.
func (o *Orchestrator) runPermissionGate() error {
	anySkip := false
	for _, entry := range o.cfg.Pool {
		if entry.SkipPermissions {
			anySkip = true
			break
		}
	}
	if !anySkip {
		return nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("skip_permissions requested for one or more roles but no interactive terminal is attached")
	}

	fmt.Printf("One or more pool roles request --dangerously-skip-permissions. Allow? (y/N): ")
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read operator confirmation: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))

	approvedBy := "operator"
	if response != "y" && response != "yes" {
		_ = session.LogPermissionsAudit(o.cfg.StateDir, "startup", "pool", "declined")
		return fmt.Errorf("operator declined skip-permissions confirmation")
	}
	return session.LogPermissionsAudit(o.cfg.StateDir, "startup", "pool", approvedBy)
}

// runContainerGate implements spec.md §4.7 step 5: if any pool entry
// requires sandboxing, verify the runtime is reachable and pull missing
// images; a gate failure here is fatal at startup.
func (o *Orchestrator) runContainerGate(ctx context.Context) error {
	for _, entry := range o.cfg.Pool {
		if !entry.Sandboxed {
			continue
		}
		if entry.ContainerImage == "" {
			return fmt.Errorf("pool role %s is sandboxed but has no container_image configured", entry.Role)
		}
		if err := o.sandbox.CheckPrerequisites(ctx, entry.ContainerImage); err != nil {
			return fmt.Errorf("pool role %s: %w", entry.Role, err)
		}
	}
	return nil
}

// runIntegrationGate implements spec.md §4.7 step 6: if outbound tracker
// integration is configured, verify credentials and repository access;
// failure here is non-fatal: it logs a warning and sets o.tracker to nil,
// which disables the tracker tools (spec.md §7's "tracker failure disables
// tracker tools and warns").
func (o *Orchestrator) runIntegrationGate(ctx context.Context) {
	if o.tracker == nil {
		return
	}
	if err := o.tracker.CheckAccess(ctx); err != nil {
		o.logger.Warn("tracker integration gate failed, disabling tracker tools: %v", err)
		o.tracker = nil
	} else {
		o.logger.Info("tracker integration verified for %s", o.cfg.Tracker.Repo)
	}
}
