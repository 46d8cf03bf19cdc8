// Package container implements the Container Adapter: a containerized
// variant of the Session Supervisor that runs the claude CLI inside a
// docker container instead of as a bare child process, sharing the same
// stream-json parsing and lifecycle-event contract.
package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	procexec "github.com/AppSecHQ/arch/internal/exec"
	"github.com/AppSecHQ/arch/internal/logx"
	"github.com/AppSecHQ/arch/internal/session"
)

// Config describes one containerized agent's resource and mount settings.
type Config struct {
	session.Config
	Image        string
	MemoryLimit  string
	CPUs         string
	Network      string // "bridge" (default), "none", "host"
	ExtraMounts  []string
}

// ContainerName is the docker container name for agentID.
func ContainerName(agentID string) string {
	return "arch-" + agentID
}

// CheckDockerAvailable runs `docker version` to confirm the daemon is reachable.
func CheckDockerAvailable(ctx context.Context, runner *procexec.Runner) (bool, string) {
	res, err := runner.Run(ctx, "docker", []string{"version", "--format", "{{.Server.Version}}"}, procexec.DefaultOpts())
	if err != nil {
		return false, res.Stderr
	}
	return true, ""
}

// CheckImageExists runs `docker image inspect` for image.
func CheckImageExists(ctx context.Context, runner *procexec.Runner, image string) bool {
	_, err := runner.Run(ctx, "docker", []string{"image", "inspect", image}, procexec.DefaultOpts())
	return err == nil
}

// PullImage runs `docker pull` for image.
func PullImage(ctx context.Context, runner *procexec.Runner, image string) error {
	_, err := runner.Run(ctx, "docker", []string{"pull", image}, procexec.Opts{Timeout: 5 * time.Minute})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	return nil
}

// BuildDockerArgs constructs the `docker run` argument list for cfg,
// mirroring the original build_docker_command's flag assembly.
func BuildDockerArgs(cfg Config, worktreePath, mcpConfigPath string, claudeArgs []string) []string {
	name := ContainerName(cfg.AgentID)
	args := []string{
		"run", "--rm",
		"--name", name,
		"-v", fmt.Sprintf("%s:/workspace", worktreePath),
		"-v", fmt.Sprintf("%s:/arch/mcp-config.json:ro", mcpConfigPath),
		"-w", "/workspace",
		"--add-host", "host.docker.internal:host-gateway",
	}

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		args = append(args, "-e", "ANTHROPIC_API_KEY="+apiKey)
	}

	if cfg.MemoryLimit != "" {
		args = append(args, "--memory", cfg.MemoryLimit)
	}
	if cfg.CPUs != "" {
		args = append(args, "--cpus", cfg.CPUs)
	}
	switch cfg.Network {
	case "none":
		args = append(args, "--network", "none")
	case "host":
		args = append(args, "--network", "host")
	}

	for _, mount := range cfg.ExtraMounts {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", mount, mount))
	}

	args = append(args, cfg.Image)
	args = append(args, claudeArgs...)
	return args
}

// Session wraps one running containerized agent.
type Session struct {
	cfg      Config
	listener session.Listener
	logger   *logx.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	running   bool
	sessionID string
}

// Supervisor owns every containerized agent's Session.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*Session
	listener session.Listener
	runner   *procexec.Runner
	logger   *logx.Logger
}

// NewSupervisor returns a container Supervisor dispatching lifecycle events
// to listener, reusing the same contract session.Supervisor exposes so the
// orchestrator can treat bare and containerized agents identically.
func NewSupervisor(listener session.Listener) *Supervisor {
	return &Supervisor{
		sessions: make(map[string]*Session),
		listener: listener,
		runner:   procexec.NewRunner(),
		logger:   logx.NewLogger("container"),
	}
}

// CheckPrerequisites verifies docker is available and image is present
// locally, pulling it if missing.
func (sup *Supervisor) CheckPrerequisites(ctx context.Context, image string) error {
	if ok, detail := CheckDockerAvailable(ctx, sup.runner); !ok {
		return fmt.Errorf("docker is not available: %s", detail)
	}
	if !CheckImageExists(ctx, sup.runner, image) {
		sup.logger.Info("image %s not found locally, pulling", image)
		if err := PullImage(ctx, sup.runner, image); err != nil {
			return err
		}
	}
	return nil
}

// Spawn starts a new containerized session, or returns the existing one if
// it's already running.
func (sup *Supervisor) Spawn(ctx context.Context, cfg Config, worktreePath, mcpConfigPath, prompt, resumeSessionID string) (*Session, error) {
	sup.mu.Lock()
	if existing, ok := sup.sessions[cfg.AgentID]; ok && existing.IsRunning() {
		sup.mu.Unlock()
		return existing, nil
	}
	sup.mu.Unlock()

	claudeArgs := session.BuildArgs(cfg.Config, "/arch/mcp-config.json", prompt, resumeSessionID)
	dockerArgs := BuildDockerArgs(cfg, worktreePath, mcpConfigPath, claudeArgs)

	s := &Session{cfg: cfg, listener: sup.listener, logger: logx.NewLogger("container").WithAgentID(cfg.AgentID)}
	if err := s.spawn(ctx, dockerArgs); err != nil {
		return nil, err
	}

	sup.mu.Lock()
	sup.sessions[cfg.AgentID] = s
	sup.mu.Unlock()
	return s, nil
}

func (sup *Supervisor) Stop(agentID string, grace time.Duration) error {
	sup.mu.Lock()
	s, ok := sup.sessions[agentID]
	sup.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Stop(grace)
}

func (sup *Supervisor) Remove(agentID string) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	delete(sup.sessions, agentID)
}

func (s *Session) spawn(ctx context.Context, dockerArgs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("container session %s already running", s.cfg.AgentID)
	}

	cmd := exec.CommandContext(ctx, "docker", dockerArgs...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start docker run: %w", err)
	}

	s.cmd = cmd
	s.running = true

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.logger.Debug("stderr: %s", scanner.Text())
		}
	}()

	go s.processOutput(stdout)

	return nil
}

func (s *Session) processOutput(stdout io.Reader) {
	err := session.ScanLines(stdout, func(ev session.Event) bool {
		if ev.Type == "result" && ev.Result != nil && ev.Result.SessionID != "" {
			s.mu.Lock()
			s.sessionID = ev.Result.SessionID
			s.mu.Unlock()
		}
		if s.listener != nil {
			s.listener.OnEvent(s.cfg.AgentID, ev)
		}
		return true
	})
	if err != nil {
		s.logger.Warn("stream parse error: %v", err)
	}

	exitErr := s.cmd.Wait()
	exitCode := 0
	if exitErr != nil {
		if ee, ok := exitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.OnExit(s.cfg.AgentID, exitCode, exitErr)
	}
}

// IsRunning reports whether the container process is still alive.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionID returns the resumable session id captured from the terminal
// result event, if any.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Stop issues `docker stop` (which sends SIGTERM inside the container) and
// falls back to `docker kill` if the container doesn't exit within grace.
func (s *Session) Stop(grace time.Duration) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	name := ContainerName(s.cfg.AgentID)
	runner := procexec.NewRunner()
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()

	seconds := int(grace.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	if _, err := runner.Run(ctx, "docker", []string{"stop", "-t", fmt.Sprintf("%d", seconds), name}, procexec.Opts{Timeout: grace + 5*time.Second}); err != nil {
		_, _ = runner.Run(ctx, "docker", []string{"kill", name}, procexec.DefaultOpts())
	}
	return nil
}

