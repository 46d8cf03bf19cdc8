package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/AppSecHQ/arch/internal/config"
	"github.com/AppSecHQ/arch/internal/logx"
	"github.com/AppSecHQ/arch/internal/session"
	"github.com/AppSecHQ/arch/internal/state"
	"github.com/AppSecHQ/arch/internal/usage"
)

// newTestOrchestrator builds an Orchestrator with real state/usage
// components but no sessions/sandbox/tool server, enough to exercise
// OnEvent/OnExit without spawning any subprocess.
func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	dir := t.TempDir()

	store, err := state.New(dir)
	require.NoError(t, err)
	store.RegisterAgent("coder-1", "coder", dir, false, false, 0, "")
	store.RegisterAgent(ArchieAgentID, "archie", dir, false, false, 0, "")

	cfg := &config.Config{
		ArchieModel:        "claude-opus-4-5",
		Pool:                []config.AgentPoolEntry{{Role: "coder", Model: "claude-sonnet-4-6", MaxInstances: 2, Persona: "x"}},
		AutoResumeCooldown: time.Minute,
	}

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logx.NewLogger("orchestrator-test"),
		store:      store,
		roleCounts: newRoleCounter(),
	}

	sink, err := usage.NewSink(dir, "", prometheus.NewRegistry(), o.onUsageUpdate)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	sink.Register("coder-1", "claude-sonnet-4-6")
	sink.Register(ArchieAgentID, "claude-opus-4-5")
	o.sink = sink

	return o
}

func TestOnEventAppliesUsage(t *testing.T) {
	o := newTestOrchestrator(t)

	o.OnEvent("coder-1", session.Event{Type: "usage", Usage: &session.UsageEvent{
		InputTokens:  100,
		OutputTokens: 50,
	}})

	u, ok := o.sink.Get("coder-1")
	require.True(t, ok)
	require.Equal(t, 100, u.InputTokens)
	require.Equal(t, 50, u.OutputTokens)

	agent, ok := o.store.GetAgent("coder-1")
	require.True(t, ok)
	require.Equal(t, 100, agent.Usage.InputTokens)
}

func TestOnEventIgnoresNonUsageEvents(t *testing.T) {
	o := newTestOrchestrator(t)
	o.OnEvent("coder-1", session.Event{Type: "assistant"})

	u, _ := o.sink.Get("coder-1")
	require.Zero(t, u.InputTokens)
}

func TestOnExitWorkerCrashMarksErrorAndNotifiesArchie(t *testing.T) {
	o := newTestOrchestrator(t)

	o.OnExit("coder-1", 1, errors.New("boom"))

	agent, ok := o.store.GetAgent("coder-1")
	require.True(t, ok)
	require.Equal(t, state.AgentError, agent.Status)

	messages := o.store.GetAllMessages()
	require.Len(t, messages, 1)
	require.Equal(t, ArchieAgentID, messages[0].To)
	require.Contains(t, messages[0].Content, "coder-1")
}

func TestOnExitWorkerCleanExitMarksDone(t *testing.T) {
	o := newTestOrchestrator(t)

	o.OnExit("coder-1", 0, nil)

	agent, ok := o.store.GetAgent("coder-1")
	require.True(t, ok)
	require.Equal(t, state.AgentDone, agent.Status)
	require.Empty(t, o.store.GetAllMessages())
}

func TestHandleArchieExitCleanExitDoesNotRetry(t *testing.T) {
	o := newTestOrchestrator(t)
	o.handleArchieExit(0, nil)

	o.mu.Lock()
	retries := o.archieRetries
	o.mu.Unlock()
	require.Zero(t, retries)
}

func TestHandleArchieExitSkipsWhenShuttingDown(t *testing.T) {
	o := newTestOrchestrator(t)
	o.mu.Lock()
	o.shuttingDown = true
	o.mu.Unlock()

	o.handleArchieExit(1, errors.New("boom"))

	o.mu.Lock()
	defer o.mu.Unlock()
	require.Zero(t, o.archieRetries)
	require.False(t, o.respawning)
}

func TestCheckAutoResumeNoopWithoutPriorExit(t *testing.T) {
	o := newTestOrchestrator(t)
	// archieExitAt is zero, so this must be a no-op and must not panic
	// despite o.sessions being nil (no session supervisor in this fixture).
	o.checkAutoResume(context.Background())
}
