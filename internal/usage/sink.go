// Package usage implements the Usage Sink: per-agent token/cost accounting
// fed by every session's parsed "usage" stream events, exposed as
// Prometheus metrics and persisted both as a JSON snapshot and a durable
// SQLite ledger for historical queries the snapshot can't answer.
package usage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "modernc.org/sqlite"

	"github.com/AppSecHQ/arch/internal/logx"
	"github.com/AppSecHQ/arch/internal/state"
)

// Update is one parsed "usage" stream event for a single agent turn.
type Update struct {
	AgentID             string
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// OnUpdateFunc is notified after every applied usage update.
type OnUpdateFunc func(agentID string, usage state.Usage)

// Sink tracks running per-agent token and cost totals.
type Sink struct {
	mu       sync.Mutex
	stateDir string
	logger   *logx.Logger
	pricing  map[string]Rate
	totals   map[string]*agentTotals
	onUpdate OnUpdateFunc

	db *sql.DB

	requestsTotal *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
	costsTotal    *prometheus.CounterVec

	watcher *fsnotify.Watcher
}

type agentTotals struct {
	model string
	state.Usage
}

// NewSink opens (or creates) the usage ledger under stateDir and loads any
// prior JSON snapshot. pricingPath may be empty to use DefaultPricing.
func NewSink(stateDir, pricingPath string, registry prometheus.Registerer, onUpdate OnUpdateFunc) (*Sink, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000",
		filepath.Join(stateDir, "usage_ledger.db")))
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL,
		cache_creation_tokens INTEGER NOT NULL,
		turn_cost_usd REAL NOT NULL,
		recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage_events table: %w", err)
	}

	factory := promauto.With(registry)
	s := &Sink{
		stateDir: stateDir,
		logger:   logx.NewLogger("usage"),
		pricing:  LoadPricing(pricingPath),
		totals:   make(map[string]*agentTotals),
		onUpdate: onUpdate,
		db:       db,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arch_llm_turns_total",
			Help: "Total number of completed agent turns.",
		}, []string{"agent_id", "model"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arch_llm_tokens_total",
			Help: "Total tokens consumed, by category.",
		}, []string{"agent_id", "model", "category"}),
		costsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arch_llm_cost_usd_total",
			Help: "Total estimated cost in USD.",
		}, []string{"agent_id", "model"}),
	}

	s.loadSnapshot()

	if pricingPath != "" {
		if w, err := fsnotify.NewWatcher(); err == nil {
			if err := w.Add(pricingPath); err == nil {
				s.watcher = w
				go s.watchPricing(pricingPath)
			} else {
				w.Close()
			}
		}
	}

	return s, nil
}

func (s *Sink) watchPricing(path string) {
	for event := range s.watcher.Events {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		s.mu.Lock()
		s.pricing = LoadPricing(path)
		s.mu.Unlock()
		s.logger.Info("reloaded pricing table from %s", path)
	}
}

// Close releases the SQLite handle and pricing watcher.
func (s *Sink) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	return s.db.Close()
}

// Register creates a zeroed total for agentID under model if one doesn't
// already exist; re-registering is a no-op.
func (s *Sink) Register(agentID, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.totals[agentID]; ok {
		return
	}
	s.totals[agentID] = &agentTotals{model: model}
}

// Apply folds one usage update into agentID's running totals, persists the
// ledger row and snapshot, updates metrics, and invokes onUpdate.
func (s *Sink) Apply(u Update) (turnCost float64, err error) {
	s.mu.Lock()
	t, ok := s.totals[u.AgentID]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("usage update for unregistered agent %s", u.AgentID)
	}

	turnCost = CalculateCost(u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens, t.model, s.pricing)
	t.InputTokens += u.InputTokens
	t.OutputTokens += u.OutputTokens
	t.CacheReadTokens += u.CacheReadTokens
	t.CacheCreationTokens += u.CacheCreationTokens
	t.Turns++
	t.CostUSD = roundCost(t.CostUSD + turnCost)
	snapshot := t.Usage
	model := t.model
	s.mu.Unlock()

	s.requestsTotal.WithLabelValues(u.AgentID, model).Inc()
	s.tokensTotal.WithLabelValues(u.AgentID, model, "input").Add(float64(u.InputTokens))
	s.tokensTotal.WithLabelValues(u.AgentID, model, "output").Add(float64(u.OutputTokens))
	s.tokensTotal.WithLabelValues(u.AgentID, model, "cache_read").Add(float64(u.CacheReadTokens))
	s.tokensTotal.WithLabelValues(u.AgentID, model, "cache_creation").Add(float64(u.CacheCreationTokens))
	s.costsTotal.WithLabelValues(u.AgentID, model).Add(turnCost)

	if _, dberr := s.db.Exec(
		`INSERT INTO usage_events (agent_id, model, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, turn_cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.AgentID, model, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens, turnCost,
	); dberr != nil {
		s.logger.Error("record usage ledger row: %v", dberr)
	}

	s.writeSnapshot()

	if s.onUpdate != nil {
		s.onUpdate(u.AgentID, snapshot)
	}
	return turnCost, nil
}

// Get returns agentID's running totals, or false if unregistered.
func (s *Sink) Get(agentID string) (state.Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.totals[agentID]
	if !ok {
		return state.Usage{}, false
	}
	return t.Usage, true
}

// TotalCost sums cost across every tracked agent.
func (s *Sink) TotalCost() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, t := range s.totals {
		total += t.CostUSD
	}
	return roundCost(total)
}

// Remove drops agentID's in-memory totals (the ledger rows are kept for history).
func (s *Sink) Remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.totals, agentID)
}

func (s *Sink) writeSnapshot() {
	s.mu.Lock()
	out := make(map[string]state.Usage, len(s.totals))
	for id, t := range s.totals {
		out[id] = t.Usage
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		s.logger.Error("marshal usage snapshot: %v", err)
		return
	}
	path := filepath.Join(s.stateDir, "usage.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("write usage snapshot: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Error("rename usage snapshot: %v", err)
	}
}

func (s *Sink) loadSnapshot() {
	path := filepath.Join(s.stateDir, "usage.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var saved map[string]state.Usage
	if err := json.Unmarshal(data, &saved); err != nil {
		s.logger.Warn("ignoring corrupt usage snapshot: %v", err)
		return
	}
	for id, u := range saved {
		s.totals[id] = &agentTotals{Usage: u}
	}
}
