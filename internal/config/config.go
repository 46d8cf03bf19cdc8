// Package config loads and validates the harness's YAML project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentPoolEntry describes one role the orchestrator is allowed to spawn.
type AgentPoolEntry struct {
	Role             string `yaml:"role"`
	Persona          string `yaml:"persona"`
	Model            string `yaml:"model"`
	MaxInstances     int    `yaml:"max_instances"`
	Sandboxed        bool   `yaml:"sandboxed"`
	SkipPermissions  bool   `yaml:"skip_permissions"`
	ContainerImage   string `yaml:"container_image"`
	ContainerMemory  string `yaml:"container_memory_limit"`
	ContainerCPUs    string `yaml:"container_cpus"`
	ContainerNetwork string `yaml:"container_network"`
}

// ToolServerConfig configures the HTTP+SSE tool server's bind address.
type ToolServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TrackerConfig configures the optional issue-tracker integration.
type TrackerConfig struct {
	Repo           string `yaml:"repo"`
	CredentialName string `yaml:"credential_env"`
}

// Config is the root project configuration document.
type Config struct {
	ProjectName        string           `yaml:"project_name"`
	ProjectDescription string           `yaml:"project_description"`
	RepoPath           string           `yaml:"repo_path"`
	StateDir           string           `yaml:"state_dir"`
	ArchiePersona      string           `yaml:"archie_persona"`
	ArchieModel        string           `yaml:"archie_model"`
	MaxConcurrentAgents int             `yaml:"max_concurrent_agents"`
	Pool               []AgentPoolEntry `yaml:"pool"`
	ToolServer         ToolServerConfig `yaml:"tool_server"`
	Tracker            *TrackerConfig   `yaml:"tracker"`
	PricingPath        string           `yaml:"pricing_path"`
	ShutdownTimeout    time.Duration    `yaml:"shutdown_timeout"`
	AutoResumeCooldown time.Duration    `yaml:"auto_resume_cooldown"`
	KeepWorkspaces     bool             `yaml:"keep_workspaces"`
}

// Defaults mirrors arch.orchestrator's module-level constants.
func Defaults() Config {
	return Config{
		StateDir:             "./state",
		ArchiePersona:        "personas/archie.md",
		ArchieModel:          "claude-opus-4-5",
		MaxConcurrentAgents:  5,
		ToolServer:           ToolServerConfig{Host: "127.0.0.1", Port: 3999},
		ShutdownTimeout:      30 * time.Second,
		AutoResumeCooldown:   60 * time.Second,
	}
}

// Load reads and validates the YAML config at path, filling in Defaults()
// for any field left zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.ProjectName == "" {
		return nil, fmt.Errorf("config %s: project_name is required", path)
	}
	if cfg.RepoPath == "" {
		return nil, fmt.Errorf("config %s: repo_path is required", path)
	}
	if !filepath.IsAbs(cfg.RepoPath) {
		abs, err := filepath.Abs(cfg.RepoPath)
		if err != nil {
			return nil, fmt.Errorf("resolve repo_path: %w", err)
		}
		cfg.RepoPath = abs
	}
	for _, entry := range cfg.Pool {
		if entry.Role == "" {
			return nil, fmt.Errorf("config %s: pool entry missing role", path)
		}
		if entry.MaxInstances <= 0 {
			return nil, fmt.Errorf("config %s: pool entry %s: max_instances must be positive", path, entry.Role)
		}
		if entry.Persona == "" {
			return nil, fmt.Errorf("config %s: pool entry %s: persona is required", path, entry.Role)
		}
	}

	return &cfg, nil
}

// RoleConfig returns the pool entry for role, or false if unconfigured.
func (c *Config) RoleConfig(role string) (AgentPoolEntry, bool) {
	for _, entry := range c.Pool {
		if entry.Role == role {
			return entry, true
		}
	}
	return AgentPoolEntry{}, false
}
