package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestRoleCounterTryIncrement(t *testing.T) {
	rc := newRoleCounter()

	if !rc.tryIncrement("coder", 2) {
		t.Fatal("first increment should succeed")
	}
	if !rc.tryIncrement("coder", 2) {
		t.Fatal("second increment should succeed")
	}
	if rc.tryIncrement("coder", 2) {
		t.Fatal("third increment should fail, max_instances=2")
	}

	rc.decrement("coder")
	if !rc.tryIncrement("coder", 2) {
		t.Fatal("increment after decrement should succeed")
	}
}

func TestRoleCounterIndependentRoles(t *testing.T) {
	rc := newRoleCounter()
	if !rc.tryIncrement("coder", 1) {
		t.Fatal("coder increment should succeed")
	}
	if !rc.tryIncrement("reviewer", 1) {
		t.Fatal("reviewer increment should succeed independently of coder")
	}
}

func TestRoleCounterNext(t *testing.T) {
	rc := newRoleCounter()
	rc.tryIncrement("coder", 5)
	rc.tryIncrement("coder", 5)
	if n := rc.next("coder"); n != 2 {
		t.Errorf("next(coder) = %d, want 2", n)
	}
	if n := rc.next("unknown"); n != 0 {
		t.Errorf("next(unknown) = %d, want 0", n)
	}
}

func TestRoleCounterDecrementFloor(t *testing.T) {
	rc := newRoleCounter()
	rc.decrement("coder") // decrementing below zero must not panic or go negative
	if n := rc.next("coder"); n != 0 {
		t.Errorf("next(coder) = %d, want 0 after decrementing an empty counter", n)
	}
}

func TestGateErrorUnwrap(t *testing.T) {
	inner := errors.New("docker not found")
	ge := &GateError{Gate: "container", Err: inner}

	if !errors.Is(ge, inner) {
		t.Error("errors.Is should see through GateError to the wrapped error")
	}
	if got := ge.Error(); got != "container gate failed: docker not found" {
		t.Errorf("Error() = %q", got)
	}
}

func TestVerifyGitWorktree(t *testing.T) {
	ctx := context.Background()

	notADir := filepath.Join(t.TempDir(), "missing")
	if err := verifyGitWorktree(ctx, notADir); err == nil {
		t.Error("expected error for a nonexistent path")
	}

	plainDir := t.TempDir()
	if err := verifyGitWorktree(ctx, plainDir); err == nil {
		t.Error("expected error for a directory with no .git")
	}

	repoDir := t.TempDir()
	cmd := exec.Command("git", "init", "-b", "main")
	cmd.Dir = repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init: %v\n%s", err, out)
	}
	if err := verifyGitWorktree(ctx, repoDir); err != nil {
		t.Errorf("verifyGitWorktree on a real repo: %v", err)
	}
}

func TestReadPersona(t *testing.T) {
	content, err := readPersona("")
	if err != nil || content != "" {
		t.Errorf("readPersona(\"\") = %q, %v, want empty string, nil", content, err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "persona.md")
	if err := os.WriteFile(path, []byte("You are diligent.\n"), 0o644); err != nil {
		t.Fatalf("write persona fixture: %v", err)
	}
	content, err = readPersona(path)
	if err != nil {
		t.Fatalf("readPersona: %v", err)
	}
	if content != "You are diligent.\n" {
		t.Errorf("readPersona content = %q", content)
	}

	if _, err := readPersona(filepath.Join(dir, "missing.md")); err == nil {
		t.Error("expected error reading a nonexistent persona file")
	}
}

func TestArchieToolNamesIncludesCoreTools(t *testing.T) {
	names := archieToolNames()
	want := map[string]bool{
		"spawn_agent": false, "teardown_agent": false, "request_merge": false,
		"close_project": false, "escalate_to_user": false,
	}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("archieToolNames() missing %q", name)
		}
	}
}
