package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AppSecHQ/arch/internal/state"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store, err := state.New(t.TempDir())
	require.NoError(t, err)
	store.RegisterAgent("archie", "lead", "", false, false, 0, "")
	store.RegisterAgent("fe-1", "fe", "", false, false, 0, "")

	s := NewServer(Config{Store: store})
	httpServer := httptest.NewServer(s.router)
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		httpServer.Close()
	})
	return s, httpServer
}

// readOneFrame connects to /sse/{agentID} and returns the first tool_result
// frame's data, or fails the test after a timeout.
func readOneFrame(t *testing.T, baseURL, agentID string) []byte {
	t.Helper()
	resp, err := http.Get(baseURL + "/sse/" + agentID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	scanner := bufio.NewScanner(resp.Body)
	var data []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				data = []byte(strings.TrimPrefix(line, "data: "))
				return
			}
		}
	}()

	select {
	case <-done:
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for SSE frame")
		return nil
	}
}

func postTool(t *testing.T, baseURL, agentID, tool string, args map[string]interface{}) {
	t.Helper()
	env := toolEnvelope{ID: "req-1", Tool: tool, Arguments: args}
	body, err := json.Marshal(env)
	require.NoError(t, err)

	resp, err := http.Post(baseURL+"/messages/"+agentID, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestSendMessageRoundTrip(t *testing.T) {
	_, httpServer := newTestServer(t)

	postTool(t, httpServer.URL, "archie", "send_message", map[string]interface{}{
		"to": "fe-1", "content": "start the task",
	})

	data := readOneFrame(t, httpServer.URL, "archie")
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	require.Contains(t, result, "message_id")
}

func TestAccessDeniedForWorkerCallingArchieOnlyTool(t *testing.T) {
	_, httpServer := newTestServer(t)

	postTool(t, httpServer.URL, "fe-1", "spawn_agent", map[string]interface{}{"role": "fe"})

	data := readOneFrame(t, httpServer.URL, "fe-1")
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	require.Equal(t, "access denied", result["error"])
}

func TestEscalateToUserBlocksUntilAnswered(t *testing.T) {
	s, httpServer := newTestServer(t)

	postTool(t, httpServer.URL, "archie", "escalate_to_user", map[string]interface{}{
		"question": "merge now?", "options": []interface{}{"y", "n"},
	})

	// Give the dispatch goroutine a moment to register the pending decision.
	var decisionID string
	require.Eventually(t, func() bool {
		decisions := s.store.GetPendingDecisions()
		if len(decisions) == 0 {
			return false
		}
		decisionID = decisions[0].ID
		return true
	}, time.Second, 10*time.Millisecond)

	require.True(t, s.AnswerEscalation(decisionID, "y"))

	data := readOneFrame(t, httpServer.URL, "archie")
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	require.Equal(t, "y", result["answer"])

	require.Eventually(t, func() bool {
		return len(s.store.GetPendingDecisions()) == 0
	}, time.Second, 10*time.Millisecond, "decision should stop being pending once answered")
}

func TestAnswerEscalationHTTPRoute(t *testing.T) {
	s, httpServer := newTestServer(t)

	postTool(t, httpServer.URL, "archie", "escalate_to_user", map[string]interface{}{"question": "ship it?"})

	var decisionID string
	require.Eventually(t, func() bool {
		decisions := s.store.GetPendingDecisions()
		if len(decisions) == 0 {
			return false
		}
		decisionID = decisions[0].ID
		return true
	}, time.Second, 10*time.Millisecond)

	resp, err := http.Post(httpServer.URL+"/decisions/"+decisionID+"/answer", "application/json", strings.NewReader(`{"answer":"y"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := readOneFrame(t, httpServer.URL, "archie")
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	require.Equal(t, "y", result["answer"])
}

func TestAnswerEscalationHTTPRouteUnknownID(t *testing.T) {
	_, httpServer := newTestServer(t)

	resp, err := http.Post(httpServer.URL+"/decisions/missing-id/answer", "application/json", strings.NewReader(`{"answer":"y"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMessagesReturnsBroadcast(t *testing.T) {
	s, httpServer := newTestServer(t)
	s.store.AddMessage("archie", state.BroadcastRecipient, "standup")

	postTool(t, httpServer.URL, "fe-1", "get_messages", nil)

	data := readOneFrame(t, httpServer.URL, "fe-1")
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	messages, ok := result["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 1)
}
