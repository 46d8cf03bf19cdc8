// Package toolserver implements the Tool Server: a loopback-bound HTTP
// server exposing coordination primitives to child agent processes over
// Server-Sent Events, grounded on the teacher's MCP TCP server
// (pkg/coder/claude/mcpserver) and on original_source/arch/mcp_server.py's
// SSE transport and capability matrix.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AppSecHQ/arch/internal/integration"
	"github.com/AppSecHQ/arch/internal/logx"
	"github.com/AppSecHQ/arch/internal/state"
)

// SpawnRequest carries spawn_agent's arguments through to the Orchestrator.
type SpawnRequest struct {
	Role            string
	Assignment      string
	Context         *state.AgentContext
	SkipPermissions bool
}

// SpawnResult is spawn_agent's return payload.
type SpawnResult struct {
	AgentID       string
	WorkspacePath string
	Sandboxed     bool
	Status        string
}

// SpawnFunc invokes the Orchestrator's spawn flow (spec.md §4.7).
type SpawnFunc func(ctx context.Context, req SpawnRequest) (SpawnResult, error)

// TeardownFunc invokes the Orchestrator's teardown flow.
type TeardownFunc func(ctx context.Context, agentID, reason string) error

// MergeFunc invokes the Orchestrator's request_merge flow, returning the
// tool result payload directly since its shape depends on whether a direct
// merge or an upstream review request was performed.
type MergeFunc func(ctx context.Context, agentID, targetBranch, prTitle, prBody string) (map[string]interface{}, error)

// CloseProjectFunc invokes the Orchestrator's graceful shutdown.
type CloseProjectFunc func(ctx context.Context, summary string) error

// Config wires a Server's collaborators.
type Config struct {
	Store          *state.Store
	GitHub         *integration.GitHub
	RepoPath       string
	SpawnFn        SpawnFunc
	TeardownFn     TeardownFunc
	MergeFn        MergeFunc
	CloseProjectFn CloseProjectFunc
	Registry       prometheus.Registerer
}

// session is the per-agent_id cached tool session (spec.md §4.6): its
// outbound channel survives SSE reconnects so a blocked escalate_to_user
// answer is never lost to a dropped connection.
type session struct {
	agentID  string
	outbound chan frame
}

type frame struct {
	event string
	id    string
	data  []byte
}

// Server is the Tool Server.
type Server struct {
	store          *state.Store
	github         *integration.GitHub
	repoPath       string
	spawnFn        SpawnFunc
	teardownFn     TeardownFunc
	mergeFn        MergeFunc
	closeProjectFn CloseProjectFunc

	logger      *logx.Logger
	escalations *escalationRegistry

	mu       sync.Mutex
	sessions map[string]*session

	shutdownCtx context.Context
	shutdown    context.CancelFunc

	router chi.Router
	http   *http.Server

	requestsTotal *prometheus.CounterVec
}

// NewServer builds a Server ready to Start. The returned Server owns a
// background context cancelled by Shutdown, which every escalate_to_user
// call and SSE loop observes.
func NewServer(cfg Config) *Server {
	shutdownCtx, cancel := context.WithCancel(context.Background())

	factory := promauto.With(cfg.Registry)
	s := &Server{
		store:          cfg.Store,
		github:         cfg.GitHub,
		repoPath:       cfg.RepoPath,
		spawnFn:        cfg.SpawnFn,
		teardownFn:     cfg.TeardownFn,
		mergeFn:        cfg.MergeFn,
		closeProjectFn: cfg.CloseProjectFn,
		logger:         logx.NewLogger("toolserver"),
		escalations:    newEscalationRegistry(),
		sessions:       make(map[string]*session),
		shutdownCtx:    shutdownCtx,
		shutdown:       cancel,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arch_toolserver_requests_total",
			Help: "Tool Server invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST"},
	}))
	r.Get("/healthz", s.handleHealthz)
	r.Get("/sse/{agent_id}", s.handleSSE)
	r.Post("/messages/{agent_id}", s.handleMessages)
	r.Post("/decisions/{decision_id}/answer", s.handleAnswerEscalation)
	s.router = r

	return s
}

func (s *Server) getOrCreateSession(agentID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[agentID]; ok {
		return sess
	}
	sess := &session{agentID: agentID, outbound: make(chan frame, 64)}
	s.sessions[agentID] = sess
	return sess
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleSSE implements GET /sse/{agent_id}: spec.md §4.6's SSE loop. It
// runs until the client disconnects or the server shuts down; it never
// removes the session on disconnect, so a reconnect resumes the same
// outbound queue.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	sess := s.getOrCreateSession(agentID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.shutdownCtx.Done():
			return
		case f := <-sess.outbound:
			fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", f.event, f.id, f.data)
			flusher.Flush()
		}
	}
}

type toolEnvelope struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

// handleMessages implements POST /messages/{agent_id}. The tool result is
// not the HTTP response body — it is written to the matching /sse
// connection as a tool_result frame, so a client that doesn't wait around
// for the POST response (or whose POST connection drops) still receives a
// blocked escalation's eventual answer over SSE. Dispatch runs on the
// server's own shutdown-scoped context, not the request's, precisely so an
// escalate_to_user call survives the POST handler returning.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	var env toolEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess := s.getOrCreateSession(agentID)
	go s.dispatch(agentID, sess, env)

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) dispatch(agentID string, sess *session, env toolEnvelope) {
	var result map[string]interface{}
	outcome := "ok"

	if !canAccess(agentID, env.Tool, s.github != nil) {
		result = map[string]interface{}{"error": "access denied"}
		outcome = "denied"
	} else {
		result = s.callTool(s.shutdownCtx, agentID, env.Tool, env.Arguments)
		if _, isErr := result["error"]; isErr {
			outcome = "error"
		}
	}

	s.requestsTotal.WithLabelValues(env.Tool, outcome).Inc()

	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("marshal tool result for %s: %v", env.Tool, err)
		return
	}

	select {
	case sess.outbound <- frame{event: "tool_result", id: env.ID, data: data}:
	case <-s.shutdownCtx.Done():
	}
}

// AnswerEscalation is the out-of-band answer_escalation(id, answer) entry
// point spec.md §4.6 requires: it delivers answer to decisionID's blocked
// escalate_to_user call. Returns false if decisionID names no outstanding
// escalation (unknown id, already answered, or already cancelled).
func (s *Server) AnswerEscalation(decisionID, answer string) bool {
	return s.escalations.answer(decisionID, answer)
}

type answerEscalationRequest struct {
	Answer string `json:"answer"`
}

// handleAnswerEscalation implements POST /decisions/{decision_id}/answer,
// the operator-facing HTTP surface for AnswerEscalation.
func (s *Server) handleAnswerEscalation(w http.ResponseWriter, r *http.Request) {
	decisionID := chi.URLParam(r, "decision_id")

	var req answerEscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !s.AnswerEscalation(decisionID, req.Answer) {
		http.Error(w, "no outstanding escalation with that id", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// Start binds addr (expected to be a loopback address per spec.md §4.6) and
// serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	s.logger.Info("tool server listening on %s", addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown cancels every outstanding escalate_to_user call with the
// cancelled result spec.md §4.6 mandates, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown()
	s.escalations.cancelAll()
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
