// Package orchestrator is the composition root: it wires the State Store,
// Usage Sink, Workspace Provider, Session Supervisor, Container Adapter,
// GitHub integration, and Tool Server together, runs the ten-step startup
// gate pipeline, drives the main loop, and owns Archie's crash-restart and
// auto-resume arbitration. Grounded on the teacher's internal/kernel.Kernel
// (service wiring, Start/Stop ordering), internal/supervisor.Supervisor
// (restart policy, shutdown handler abstraction), and internal/orch's gated
// startup steps.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AppSecHQ/arch/internal/config"
	"github.com/AppSecHQ/arch/internal/container"
	"github.com/AppSecHQ/arch/internal/integration"
	"github.com/AppSecHQ/arch/internal/logx"
	"github.com/AppSecHQ/arch/internal/session"
	"github.com/AppSecHQ/arch/internal/state"
	"github.com/AppSecHQ/arch/internal/toolserver"
	"github.com/AppSecHQ/arch/internal/usage"
	"github.com/AppSecHQ/arch/internal/workspace"
)

// ArchieAgentID is the lead agent's fixed id, matching spec.md §2's "Archie".
const ArchieAgentID = "archie"

// GateError is returned by a failed startup gate; cmd/archd turns it into a
// non-zero process exit, matching spec.md §7's "fatal at startup" disposition.
type GateError struct {
	Gate string
	Err  error
}

func (e *GateError) Error() string { return fmt.Sprintf("%s gate failed: %v", e.Gate, e.Err) }
func (e *GateError) Unwrap() error { return e.Err }

// roleCounter tracks how many instances of a role are currently live, plus a
// per-role sequence number that never decreases, so minted ids stay unique.
type roleCounter struct {
	mu     sync.Mutex
	counts map[string]int
	seq    map[string]int
}

func newRoleCounter() *roleCounter {
	return &roleCounter{counts: make(map[string]int), seq: make(map[string]int)}
}

func (r *roleCounter) tryIncrement(role string, max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[role] >= max {
		return false
	}
	r.counts[role]++
	r.seq[role]++
	return true
}

func (r *roleCounter) decrement(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[role] > 0 {
		r.counts[role]--
	}
}

func (r *roleCounter) next(role string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq[role]
}

// Orchestrator drives the whole system (spec.md §4.7).
type Orchestrator struct {
	cfg    *config.Config
	logger *logx.Logger

	store    *state.Store
	sink     *usage.Sink
	ws       workspace.Provider
	sessions *session.Supervisor
	sandbox  *container.Supervisor
	tracker  *integration.GitHub
	tools    *toolserver.Server
	registry prometheus.Registerer

	roleCounts *roleCounter

	mu            sync.Mutex
	shuttingDown  bool
	respawning    bool
	archieExitAt  time.Time
	archieRetries int

	wakeUp   chan struct{}
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// New constructs an Orchestrator without running any startup gate; call
// Start to run the gate pipeline and bring the system up.
func New(cfg *config.Config, registry prometheus.Registerer) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:        cfg,
		logger:     logx.NewLogger("orchestrator"),
		roleCounts: newRoleCounter(),
		wakeUp:     make(chan struct{}, 1),
	}

	store, err := state.New(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("init state store: %w", err)
	}
	o.store = store

	sink, err := usage.NewSink(cfg.StateDir, cfg.PricingPath, registry, o.onUsageUpdate)
	if err != nil {
		return nil, fmt.Errorf("init usage sink: %w", err)
	}
	o.sink = sink

	o.ws = workspace.NewGitProvider(cfg.RepoPath)
	o.sessions = session.NewSupervisor(o)
	o.sandbox = container.NewSupervisor(o)

	if cfg.Tracker != nil && cfg.Tracker.Repo != "" {
		o.tracker = integration.NewGitHub(cfg.Tracker.Repo)
	}

	o.registry = registry
	return o, nil
}

// newToolServer builds the Tool Server. Called from Start after the
// Integration Gate has had a chance to disable o.tracker, so a failed gate
// is reflected in the capability matrix from the first SSE connection on.
func (o *Orchestrator) newToolServer() *toolserver.Server {
	return toolserver.NewServer(toolserver.Config{
		Store:          o.store,
		GitHub:         o.tracker,
		RepoPath:       o.cfg.RepoPath,
		SpawnFn:        o.spawnAgent,
		TeardownFn:     o.teardownAgent,
		MergeFn:        o.requestMerge,
		CloseProjectFn: o.closeProject,
		Registry:       o.registry,
	})
}

func (o *Orchestrator) onUsageUpdate(agentID string, u state.Usage) {
	_ = o.store.UpdateAgent(agentID, state.AgentUpdate{Usage: &u})
}

// Start runs the ten-step startup gate pipeline (spec.md §4.7) and, on
// success, launches the main loop. It is not idempotent; call Stop before
// retrying after a non-gate failure.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("running startup gate pipeline for project %s", o.cfg.ProjectName)

	// Step 1 (config parse) already happened in config.Load before New was
	// called; config.Load itself enforces "project name absent" and
	// "pool entry lacks an id or persona" as fatal configuration errors.

	// Step 2: State Store init + reload already happened in New via state.New,
	// which loads any prior snapshot from stateDir.
	o.store.InitProject(o.cfg.ProjectName, o.cfg.ProjectDescription, o.cfg.RepoPath)

	// Step 3: verify the repository is a version-controlled working tree.
	if err := verifyGitWorktree(ctx, o.cfg.RepoPath); err != nil {
		return &GateError{Gate: "version-control", Err: err}
	}

	// Step 4: Permission Gate.
	if err := o.runPermissionGate(); err != nil {
		return &GateError{Gate: "permission", Err: err}
	}

	// Step 5: Container Gate.
	if err := o.runContainerGate(ctx); err != nil {
		return &GateError{Gate: "container", Err: err}
	}

	// Step 6: Integration Gate — non-fatal.
	o.runIntegrationGate(ctx)

	// Step 7: start the Tool Server.
	o.tools = o.newToolServer()
	addr := fmt.Sprintf("%s:%d", o.cfg.ToolServer.Host, o.cfg.ToolServer.Port)
	go func() {
		if err := o.tools.Start(addr); err != nil {
			o.logger.Error("tool server stopped: %v", err)
		}
	}()

	// Step 8+9: create Archie's workspace, write its brief, and spawn it.
	if err := o.spawnArchie(ctx, ""); err != nil {
		return &GateError{Gate: "archie-spawn", Err: err}
	}

	o.startMainLoop()

	o.logger.Info("startup complete, handing off to operator interface")
	return nil
}

// startMainLoop begins the one-second-granularity wake-up loop that checks
// Archie's status and the auto-resume trigger (spec.md §5).
func (o *Orchestrator) startMainLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	o.stopLoop = cancel
	o.loopDone = make(chan struct{})

	go func() {
		defer close(o.loopDone)
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.checkAutoResume(ctx)
			}
		}
	}()
}

// verifyGitWorktree confirms repoPath is a directory containing a .git
// entry (spec.md §4.7 step 3); it does not invoke git itself.
func verifyGitWorktree(ctx context.Context, repoPath string) error {
	info, err := os.Stat(repoPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("repo_path %s is not a directory", repoPath)
	}
	if _, err := os.Stat(repoPath + "/.git"); err != nil {
		return fmt.Errorf("repo_path %s is not a git working tree", repoPath)
	}
	return nil
}
