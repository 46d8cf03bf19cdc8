package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// initRepo creates a bare-minimum git repository with one commit on main,
// mirroring the fixture the original prototype's own worktree tests set up.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "seed")
	return dir
}

func TestGitProviderCreateAndRemove(t *testing.T) {
	repo := initRepo(t)
	g := NewGitProvider(repo)
	ctx := context.Background()

	path, err := g.Create(ctx, "worker-1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("worktree not created at %s: %v", path, err)
	}

	if _, err := g.Create(ctx, "worker-1", ""); err == nil {
		t.Fatal("expected error creating a worktree that already exists")
	}

	if err := g.Remove(ctx, "worker-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("worktree still present after Remove")
	}
}

func TestGitProviderWriteAgentBrief(t *testing.T) {
	repo := initRepo(t)
	g := NewGitProvider(repo)
	ctx := context.Background()

	path, err := g.Create(ctx, "worker-2", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = g.WriteAgentBrief(ctx, "worker-2", BriefContext{
		AgentID:        "worker-2",
		ProjectName:    "demo",
		Assignment:     "implement the thing",
		AvailableTools: []string{"send_message", "update_status"},
		PriorProgress:  &PriorProgress{Progress: "half done", NextSteps: "finish it"},
		PersonaContent: "You are a careful engineer.",
	})
	if err != nil {
		t.Fatalf("WriteAgentBrief: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(path, "CLAUDE.md"))
	if err != nil {
		t.Fatalf("read brief: %v", err)
	}
	content := string(data)
	for _, want := range []string{"worker-2", "implement the thing", "half done", "finish it", "careful engineer"} {
		if !strings.Contains(content, want) {
			t.Errorf("brief missing expected content %q:\n%s", want, content)
		}
	}
}

func TestGitProviderWriteAgentBriefMissingWorktree(t *testing.T) {
	repo := initRepo(t)
	g := NewGitProvider(repo)
	if err := g.WriteAgentBrief(context.Background(), "never-created", BriefContext{}); err == nil {
		t.Fatal("expected error writing a brief into a nonexistent worktree")
	}
}

func TestGitProviderMerge(t *testing.T) {
	repo := initRepo(t)
	g := NewGitProvider(repo)
	ctx := context.Background()

	path, err := g.Create(ctx, "worker-3", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := os.WriteFile(filepath.Join(path, "feature.txt"), []byte("new feature\n"), 0o644); err != nil {
		t.Fatalf("write feature file: %v", err)
	}
	commit := exec.Command("git", "-C", path, "add", "feature.txt")
	if out, err := commit.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v\n%s", err, out)
	}
	commit = exec.Command("git", "-C", path, "commit", "-m", "add feature")
	commit.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	if out, err := commit.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v\n%s", err, out)
	}

	result, err := g.Merge(ctx, "worker-3", "main", "ship the feature")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if result.Status != "merged" {
		t.Errorf("status = %q, want merged", result.Status)
	}
	if result.MergeCommit == "" {
		t.Error("expected a merge commit hash")
	}

	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Errorf("feature.txt not present in main after merge: %v", err)
	}
}

func TestGitProviderMergeMissingWorktree(t *testing.T) {
	repo := initRepo(t)
	g := NewGitProvider(repo)
	if _, err := g.Merge(context.Background(), "never-created", "main", ""); err == nil {
		t.Fatal("expected error merging a nonexistent agent worktree")
	}
}
