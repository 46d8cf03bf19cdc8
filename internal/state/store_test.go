package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestRegisterAndGetAgent(t *testing.T) {
	s := newTestStore(t)

	a := s.RegisterAgent("coder-1", "coder", "/tmp/wt", false, false, 0, "")
	require.Equal(t, AgentIdle, a.Status)

	got, ok := s.GetAgent("coder-1")
	require.True(t, ok)
	require.Equal(t, a, got)

	// Re-registering an existing agent id is a no-op returning the original.
	again := s.RegisterAgent("coder-1", "coder", "/other", true, true, 99, "box")
	require.Equal(t, a, again)
}

func TestUpdateAgentMergesUsageAndContext(t *testing.T) {
	s := newTestStore(t)
	s.RegisterAgent("coder-1", "coder", "", false, false, 0, "")

	status := AgentWorking
	require.NoError(t, s.UpdateAgent("coder-1", AgentUpdate{
		Status: &status,
		Usage:  &Usage{InputTokens: 10, OutputTokens: 5, Turns: 1},
	}))

	blockers := "waiting on review"
	require.NoError(t, s.UpdateAgent("coder-1", AgentUpdate{
		Context: &AgentContext{Progress: "halfway", Blockers: &blockers},
	}))

	got, _ := s.GetAgent("coder-1")
	require.Equal(t, AgentWorking, got.Status)
	require.Equal(t, 10, got.Usage.InputTokens)
	require.Equal(t, "halfway", got.Context.Progress)
	require.Equal(t, "waiting on review", *got.Context.Blockers)
}

func TestUpdateAgentRejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	s.RegisterAgent("coder-1", "coder", "", false, false, 0, "")

	bad := AgentStatus("nonexistent")
	err := s.UpdateAgent("coder-1", AgentUpdate{Status: &bad})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGetMessagesCursorAdvancesAndFiltersBroadcast(t *testing.T) {
	s := newTestStore(t)

	m1 := s.AddMessage("archie", "coder-1", "start task A")
	s.AddMessage("archie", "coder-2", "start task B")
	m3 := s.AddMessage("archie", BroadcastRecipient, "status check")

	msgs, cursor := s.GetMessages("coder-1", "", true)
	require.Len(t, msgs, 2)
	require.Equal(t, m1.ID, msgs[0].ID)
	require.Equal(t, m3.ID, msgs[1].ID)
	require.Equal(t, m3.ID, cursor)

	// Calling again with no explicit sinceID uses the stored cursor: nothing new.
	msgs2, cursor2 := s.GetMessages("coder-1", "", true)
	require.Empty(t, msgs2)
	require.Equal(t, cursor, cursor2)
}

func TestGetMessagesUnknownSinceIDDegradesToEmpty(t *testing.T) {
	s := newTestStore(t)
	s.AddMessage("archie", "coder-1", "hello")

	msgs, cursor := s.GetMessages("coder-1", "does-not-exist", true)
	require.Nil(t, msgs)
	require.Equal(t, "does-not-exist", cursor)
}

func TestTaskLifecycleStampsCompletedAtOnce(t *testing.T) {
	s := newTestStore(t)
	task := s.AddTask("coder-1", "implement widget")

	require.NoError(t, s.UpdateTask(task.ID, TaskInProgress))
	tasks := s.GetTasks("coder-1", TaskInProgress)
	require.Len(t, tasks, 1)
	require.Nil(t, tasks[0].CompletedAt)

	require.NoError(t, s.UpdateTask(task.ID, TaskDone))
	done := s.GetTasks("coder-1", TaskDone)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].CompletedAt)
	firstCompletedAt := *done[0].CompletedAt

	// Re-marking done does not restamp CompletedAt.
	require.NoError(t, s.UpdateTask(task.ID, TaskDone))
	done2 := s.GetTasks("coder-1", TaskDone)
	require.Equal(t, firstCompletedAt, *done2[0].CompletedAt)
}

func TestPendingDecisionAnswerFlow(t *testing.T) {
	s := newTestStore(t)
	d := s.AddPendingDecision("use postgres or sqlite?", []string{"postgres", "sqlite"})

	pending := s.GetPendingDecisions()
	require.Len(t, pending, 1)

	require.True(t, s.AnswerDecision(d.ID, "sqlite"))
	require.Empty(t, s.GetPendingDecisions())
	require.False(t, s.AnswerDecision("missing-id", "x"))
}

func TestStoreSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	s.InitProject("demo", "a demo project", "/repo")
	s.RegisterAgent("coder-1", "coder", "", false, false, 0, "")
	s.AddMessage("archie", "coder-1", "go")

	reloaded, err := New(dir)
	require.NoError(t, err)

	proj, ok := reloaded.GetProject()
	require.True(t, ok)
	require.Equal(t, "demo", proj.Name)

	agents := reloaded.ListAgents()
	require.Len(t, agents, 1)

	msgs := reloaded.GetAllMessages()
	require.Len(t, msgs, 1)
}
