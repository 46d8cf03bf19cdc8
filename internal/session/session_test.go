package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildArgsPromptVsResumeAreMutuallyExclusive(t *testing.T) {
	cfg := Config{Model: "claude-sonnet-4-6"}

	promptArgs := BuildArgs(cfg, "/tmp/mcp.json", "start task", "")
	require.Contains(t, promptArgs, "start task")
	require.NotContains(t, promptArgs, "--resume")

	resumeArgs := BuildArgs(cfg, "/tmp/mcp.json", "start task", "sess-123")
	require.Contains(t, resumeArgs, "--resume")
	require.Contains(t, resumeArgs, "sess-123")
	require.NotContains(t, resumeArgs, "start task")
}

func TestBuildArgsSkipPermissionsFlag(t *testing.T) {
	cfg := Config{Model: "claude-sonnet-4-6", SkipPermissions: true}
	args := BuildArgs(cfg, "/tmp/mcp.json", "go", "")
	require.Contains(t, args, "--dangerously-skip-permissions")
}

func TestWriteMCPConfigShape(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteMCPConfig(dir, "coder-1", 3999, "")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg mcpConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	require.Equal(t, "sse", cfg.MCPServers["arch"].Type)
	require.Equal(t, "http://localhost:3999/sse/coder-1", cfg.MCPServers["arch"].URL)
}

func TestWriteMCPConfigContainerHost(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteMCPConfig(dir, "coder-1", 3999, "host.docker.internal")
	require.NoError(t, err)
	data, _ := os.ReadFile(path)
	require.Contains(t, string(data), "host.docker.internal")
}

func TestLogPermissionsAuditAppends(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LogPermissionsAudit(dir, "coder-1", "coder", "user"))
	require.NoError(t, LogPermissionsAudit(dir, "coder-2", "coder", "user"))

	data, err := os.ReadFile(filepath.Join(dir, "permissions_audit.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "agent_id=coder-1")
	require.Contains(t, string(data), "agent_id=coder-2")
}

func TestParseLineTypedEvents(t *testing.T) {
	usage := ParseLine([]byte(`{"type":"usage","input_tokens":10,"output_tokens":5}`))
	require.NotNil(t, usage.Usage)
	require.Equal(t, 10, usage.Usage.InputTokens)

	result := ParseLine([]byte(`{"type":"result","session_id":"abc123"}`))
	require.NotNil(t, result.Result)
	require.Equal(t, "abc123", result.Result.SessionID)

	unknown := ParseLine([]byte(`{"type":"something_else","foo":"bar"}`))
	require.Equal(t, "something_else", unknown.Type)
	require.Nil(t, unknown.Usage)
	require.Nil(t, unknown.Result)
}

func TestParseLineMalformedDoesNotPanic(t *testing.T) {
	ev := ParseLine([]byte(`not json at all`))
	require.Equal(t, "", ev.Type)
	require.NotEmpty(t, ev.Raw)
}

func TestScanLinesDiscardsMalformedLines(t *testing.T) {
	input := strings.NewReader("not json at all\n" +
		`{"type":"usage","input_tokens":1,"output_tokens":2}` + "\n" +
		"{also not json}\n")

	var seen []Event
	err := ScanLines(input, func(ev Event) bool {
		seen = append(seen, ev)
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 1, "malformed lines must never reach the listener")
	require.Equal(t, "usage", seen[0].Type)
}
