package container

import (
	"strings"
	"testing"

	"github.com/AppSecHQ/arch/internal/session"
)

func TestContainerName(t *testing.T) {
	if got := ContainerName("worker-1"); got != "arch-worker-1" {
		t.Errorf("ContainerName = %q, want arch-worker-1", got)
	}
}

func TestBuildDockerArgsBasics(t *testing.T) {
	cfg := Config{
		Config: session.Config{AgentID: "worker-1", Model: "claude-sonnet-4-5"},
		Image:  "arch/worker:latest",
	}
	args := BuildDockerArgs(cfg, "/tmp/worktree", "/tmp/mcp.json", []string{"--print", "hello"})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--name arch-worker-1",
		"-v /tmp/worktree:/workspace",
		"-v /tmp/mcp.json:/arch/mcp-config.json:ro",
		"-w /workspace",
		"--add-host host.docker.internal:host-gateway",
		"arch/worker:latest",
		"--print hello",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("docker args missing %q:\n%s", want, joined)
		}
	}
}

func TestBuildDockerArgsResourceLimits(t *testing.T) {
	cfg := Config{
		Config:      session.Config{AgentID: "worker-2"},
		Image:       "arch/worker:latest",
		MemoryLimit: "2g",
		CPUs:        "1.5",
		Network:     "none",
	}
	args := BuildDockerArgs(cfg, "/tmp/worktree", "/tmp/mcp.json", nil)
	joined := strings.Join(args, " ")

	for _, want := range []string{"--memory 2g", "--cpus 1.5", "--network none"} {
		if !strings.Contains(joined, want) {
			t.Errorf("docker args missing %q:\n%s", want, joined)
		}
	}
}

func TestBuildDockerArgsDefaultNetworkOmitsFlag(t *testing.T) {
	cfg := Config{Config: session.Config{AgentID: "worker-3"}, Image: "arch/worker:latest"}
	args := BuildDockerArgs(cfg, "/tmp/worktree", "/tmp/mcp.json", nil)
	for _, a := range args {
		if a == "--network" {
			t.Error("default (bridge) network should not add an explicit --network flag")
		}
	}
}

func TestSupervisorGetUnknownAgent(t *testing.T) {
	sup := NewSupervisor(nil)
	if _, ok := sup.sessions["missing"]; ok {
		t.Fatal("fresh supervisor should have no sessions")
	}
}
