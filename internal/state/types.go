package state

import "fmt"

// AgentStatus is the lifecycle status of an agent.
type AgentStatus string

const (
	AgentIdle           AgentStatus = "idle"
	AgentWorking        AgentStatus = "working"
	AgentBlocked        AgentStatus = "blocked"
	AgentWaitingReview  AgentStatus = "waiting_review"
	AgentDone           AgentStatus = "done"
	AgentError          AgentStatus = "error"
)

var validAgentStatuses = map[AgentStatus]bool{
	AgentIdle: true, AgentWorking: true, AgentBlocked: true,
	AgentWaitingReview: true, AgentDone: true, AgentError: true,
}

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

var validTaskStatuses = map[TaskStatus]bool{
	TaskPending: true, TaskInProgress: true, TaskDone: true,
}

// ValidationError reports an invalid status value supplied to a mutation.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

func validateAgentStatus(s AgentStatus) error {
	if !validAgentStatuses[s] {
		return &ValidationError{Field: "agent status", Value: string(s)}
	}
	return nil
}

func validateTaskStatus(s TaskStatus) error {
	if !validTaskStatuses[s] {
		return &ValidationError{Field: "task status", Value: string(s)}
	}
	return nil
}

// Usage is the per-agent running token/cost tally. UpdateAgent replaces it
// as a whole rather than merging it field by field.
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	Turns               int     `json:"turns"`
	CostUSD             float64 `json:"cost_usd"`
}

// AgentContext is the resumable progress snapshot an agent saves via
// save_progress, merged in place on update.
type AgentContext struct {
	FilesModified []string `json:"files_modified,omitempty"`
	Progress      string   `json:"progress,omitempty"`
	NextSteps     string   `json:"next_steps,omitempty"`
	Blockers      *string  `json:"blockers,omitempty"`
	Decisions     []string `json:"decisions,omitempty"`
}

// Agent is one registered harness participant (Archie or a worker).
type Agent struct {
	AgentID         string       `json:"agent_id"`
	Role            string       `json:"role"`
	Status          AgentStatus  `json:"status"`
	Task            string       `json:"task,omitempty"`
	Worktree        string       `json:"worktree"`
	Sandboxed       bool         `json:"sandboxed"`
	SkipPermissions bool         `json:"skip_permissions"`
	PID             int          `json:"pid,omitempty"`
	ContainerName   string       `json:"container_name,omitempty"`
	SessionID       string       `json:"session_id,omitempty"`
	RegisteredAt    string       `json:"registered_at"`
	Usage           Usage        `json:"usage"`
	Context         AgentContext `json:"context"`
}

// Message is one entry in the append-only message log.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
}

// BroadcastRecipient is the reserved "to" value meaning "every agent".
const BroadcastRecipient = "broadcast"

// PendingDecision is an outstanding escalate_to_user question.
type PendingDecision struct {
	ID         string   `json:"id"`
	Question   string   `json:"question"`
	Options    []string `json:"options,omitempty"`
	AskedAt    string   `json:"asked_at"`
	AnsweredAt *string  `json:"answered_at"`
	Answer     *string  `json:"answer"`
}

// Task is one unit of work assigned to an agent.
type Task struct {
	ID          string     `json:"id"`
	AssignedTo  string     `json:"assigned_to"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	CreatedAt   string     `json:"created_at"`
	CompletedAt *string    `json:"completed_at"`
}

// Project is the one top-level record describing the harness session.
type Project struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	RepoPath    string `json:"repo_path"`
	CreatedAt   string `json:"created_at"`
}
