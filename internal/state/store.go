// Package state implements the single-writer state store and message bus:
// the project record, the agent registry, the append-only message log with
// per-recipient read cursors, pending operator decisions, and tasks. Every
// mutation is flushed to its own JSON snapshot file via a temp-file-then-
// rename, matching the atomicity the harness's on-disk layout promises.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AppSecHQ/arch/internal/logx"
)

const (
	projectFile  = "project.json"
	agentsFile   = "agents.json"
	messagesFile = "messages.json"
	decisionsFile = "pending_decisions.json"
	tasksFile    = "tasks.json"
	cursorsFile  = "cursors.json"
)

// Store is the harness's in-memory state, durably snapshotted to stateDir.
// All access is serialized behind mu; callers never see a partially
// mutated view.
type Store struct {
	mu       sync.Mutex
	stateDir string
	logger   *logx.Logger

	project    *Project
	agents     map[string]*Agent
	messages   []Message
	decisions  []PendingDecision
	tasks      []Task
	cursors    map[string]string
}

// New creates stateDir if needed and loads any existing snapshot files.
func New(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		stateDir: stateDir,
		logger:   logx.NewLogger("state"),
		agents:   make(map[string]*Agent),
		cursors:  make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func genID() string {
	return uuid.New().String()[:8]
}

// InitProject records the harness's project record, overwriting any prior one.
func (s *Store) InitProject(name, description, repoPath string) Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Project{Name: name, Description: description, RepoPath: repoPath, CreatedAt: utcNow()}
	s.project = &p
	s.flush()
	return p
}

// GetProject returns the current project record, or false if none is set.
func (s *Store) GetProject() (Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return Project{}, false
	}
	return *s.project, true
}

// RegisterAgent adds a new agent entry with zeroed usage, or returns the
// existing entry unchanged if agentID is already registered.
func (s *Store) RegisterAgent(agentID, role, worktree string, sandboxed, skipPermissions bool, pid int, containerName string) Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.agents[agentID]; ok {
		return *existing
	}

	a := &Agent{
		AgentID:         agentID,
		Role:            role,
		Status:          AgentIdle,
		Worktree:        worktree,
		Sandboxed:       sandboxed,
		SkipPermissions: skipPermissions,
		PID:             pid,
		ContainerName:   containerName,
		RegisteredAt:    utcNow(),
	}
	s.agents[agentID] = a
	s.flush()
	return *a
}

// cloneAgent returns a copy of a whose AgentContext slice fields do not
// alias the stored record, so a caller mutating the returned Agent can
// never reach back into the store's own data.
func cloneAgent(a *Agent) Agent {
	out := *a
	out.Context = cloneAgentContext(a.Context)
	return out
}

func cloneAgentContext(c AgentContext) AgentContext {
	out := c
	if c.FilesModified != nil {
		out.FilesModified = append([]string(nil), c.FilesModified...)
	}
	if c.Decisions != nil {
		out.Decisions = append([]string(nil), c.Decisions...)
	}
	if c.Blockers != nil {
		b := *c.Blockers
		out.Blockers = &b
	}
	return out
}

// GetAgent returns agentID's record, or false if it isn't registered.
func (s *Store) GetAgent(agentID string) (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return cloneAgent(a), true
}

// ListAgents returns every registered agent, in no particular order.
func (s *Store) ListAgents() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, cloneAgent(a))
	}
	return out
}

// AgentUpdate carries the subset of Agent fields a caller wants to merge.
// Context, when non-nil, is merged field-by-field: each non-empty field
// replaces the stored one and empty fields leave it as is. Usage, when
// non-nil, replaces the stored Usage as a whole; its fields are not merged.
type AgentUpdate struct {
	Status    *AgentStatus
	Task      *string
	SessionID *string
	PID       *int
	Usage     *Usage
	Context   *AgentContext
}

// UpdateAgent merges update into agentID's record. Returns ValidationError
// if Status is set to an unrecognized value.
func (s *Store) UpdateAgent(agentID string, update AgentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}

	if update.Status != nil {
		if err := validateAgentStatus(*update.Status); err != nil {
			return err
		}
		a.Status = *update.Status
	}
	if update.Task != nil {
		a.Task = *update.Task
	}
	if update.SessionID != nil {
		a.SessionID = *update.SessionID
	}
	if update.PID != nil {
		a.PID = *update.PID
	}
	if update.Usage != nil {
		a.Usage = *update.Usage
	}
	if update.Context != nil {
		mergeContext(&a.Context, *update.Context)
	}

	s.flush()
	return nil
}

func mergeContext(dst *AgentContext, src AgentContext) {
	if src.FilesModified != nil {
		dst.FilesModified = src.FilesModified
	}
	if src.Progress != "" {
		dst.Progress = src.Progress
	}
	if src.NextSteps != "" {
		dst.NextSteps = src.NextSteps
	}
	if src.Blockers != nil {
		dst.Blockers = src.Blockers
	}
	if src.Decisions != nil {
		dst.Decisions = src.Decisions
	}
}

// RemoveAgent deletes agentID's record. Returns false if it wasn't present.
func (s *Store) RemoveAgent(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return false
	}
	delete(s.agents, agentID)
	delete(s.cursors, agentID)
	s.flush()
	return true
}

// AddMessage appends a message to the log and returns it.
func (s *Store) AddMessage(from, to, content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Message{
		ID:        genID(),
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: utcNow(),
		Read:      false,
	}
	s.messages = append(s.messages, m)
	s.flush()
	return m
}

// GetMessages returns every message addressed to forAgent (directly or via
// broadcast) that arrived after sinceID, and the cursor to pass as sinceID
// on the next call. sinceID="" means "use the recipient's stored cursor".
// If sinceID names a message no longer in the log, nothing is returned and
// the cursor is left unchanged — the same degrade-to-empty behavior as the
// reference store.
func (s *Store) GetMessages(forAgent, sinceID string, markRead bool) ([]Message, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sinceID == "" {
		sinceID = s.cursors[forAgent]
	}

	var collected []Message
	foundSince := sinceID == ""
	lastID := sinceID

	for i := range s.messages {
		msg := &s.messages[i]
		if !foundSince {
			if msg.ID == sinceID {
				foundSince = true
			}
			continue
		}
		if msg.To != forAgent && msg.To != BroadcastRecipient {
			continue
		}
		if markRead {
			msg.Read = true
		}
		collected = append(collected, *msg)
		lastID = msg.ID
	}

	if !foundSince {
		return nil, sinceID
	}

	s.cursors[forAgent] = lastID
	s.flushCursors()
	return collected, lastID
}

// HasPendingMessages reports whether forAgent has any message addressed to
// it (directly or via broadcast) after its stored read cursor, without
// advancing that cursor. Unlike GetMessages, this is a pure peek — safe to
// call speculatively before deciding whether a respawn is worth draining.
func (s *Store) HasPendingMessages(forAgent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sinceID := s.cursors[forAgent]
	foundSince := sinceID == ""

	for i := range s.messages {
		msg := &s.messages[i]
		if !foundSince {
			if msg.ID == sinceID {
				foundSince = true
			}
			continue
		}
		if msg.To != forAgent && msg.To != BroadcastRecipient {
			continue
		}
		return true
	}
	return false
}

// GetAllMessages returns the full message log, unfiltered.
func (s *Store) GetAllMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// AddPendingDecision records an unanswered escalate_to_user question.
func (s *Store) AddPendingDecision(question string, options []string) PendingDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := PendingDecision{
		ID:       genID(),
		Question: question,
		Options:  options,
		AskedAt:  utcNow(),
	}
	s.decisions = append(s.decisions, d)
	s.flush()
	return d
}

// GetPendingDecisions returns every decision not yet answered.
func (s *Store) GetPendingDecisions() []PendingDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingDecision
	for _, d := range s.decisions {
		if d.Answer == nil {
			out = append(out, d)
		}
	}
	return out
}

// AnswerDecision records answer for decisionID. Returns false if the
// decision id is unknown.
func (s *Store) AnswerDecision(decisionID, answer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.decisions {
		if s.decisions[i].ID == decisionID {
			now := utcNow()
			s.decisions[i].Answer = &answer
			s.decisions[i].AnsweredAt = &now
			s.flush()
			return true
		}
	}
	return false
}

// AddTask assigns a new pending task and returns it.
func (s *Store) AddTask(assignedTo, description string) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Task{
		ID:          genID(),
		AssignedTo:  assignedTo,
		Description: description,
		Status:      TaskPending,
		CreatedAt:   utcNow(),
	}
	s.tasks = append(s.tasks, t)
	s.flush()
	return t
}

// GetTasks returns tasks matching the given filters; an empty string means
// "no filter" for that field.
func (s *Store) GetTasks(assignedTo string, status TaskStatus) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if assignedTo != "" && t.AssignedTo != assignedTo {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out
}

// UpdateTask changes taskID's status, auto-stamping CompletedAt the first
// time it transitions to done.
func (s *Store) UpdateTask(taskID string, status TaskStatus) error {
	if err := validateTaskStatus(status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].ID != taskID {
			continue
		}
		s.tasks[i].Status = status
		if status == TaskDone && s.tasks[i].CompletedAt == nil {
			now := utcNow()
			s.tasks[i].CompletedAt = &now
		}
		s.flush()
		return nil
	}
	return fmt.Errorf("unknown task %s", taskID)
}

// --- persistence ---

type snapshot struct {
	Project   *Project          `json:"project"`
	Agents    map[string]*Agent `json:"agents"`
	Messages  []Message         `json:"messages"`
	Decisions []PendingDecision `json:"pending_user_decisions"`
	Tasks     []Task            `json:"tasks"`
}

func (s *Store) writeJSON(name string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Error("marshal %s: %v", name, err)
		return
	}
	path := filepath.Join(s.stateDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("write %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Error("rename %s: %v", tmp, err)
	}
}

// flush persists every collection except cursors, which is flushed
// separately since it changes far more often than the rest.
func (s *Store) flush() {
	if s.project != nil {
		s.writeJSON(projectFile, s.project)
	}
	s.writeJSON(agentsFile, s.agents)
	s.writeJSON(messagesFile, s.messages)
	s.writeJSON(decisionsFile, s.decisions)
	s.writeJSON(tasksFile, s.tasks)
}

func (s *Store) flushCursors() {
	s.writeJSON(cursorsFile, s.cursors)
}

func (s *Store) readJSON(name string, v any) bool {
	path := filepath.Join(s.stateDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("ignoring corrupt %s: %v", name, err)
		return false
	}
	return true
}

func (s *Store) load() error {
	var p Project
	if s.readJSON(projectFile, &p) {
		s.project = &p
	}
	agents := make(map[string]*Agent)
	if s.readJSON(agentsFile, &agents) {
		s.agents = agents
	}
	s.readJSON(messagesFile, &s.messages)
	s.readJSON(decisionsFile, &s.decisions)
	s.readJSON(tasksFile, &s.tasks)
	cursors := make(map[string]string)
	if s.readJSON(cursorsFile, &cursors) {
		s.cursors = cursors
	}
	return nil
}
