// Package tasklog provides per-run structured logging for falsification searches.
//
// Each search run gets one JSONL file in a configurable directory. Events
// capture every key stage: agent calls (prompt, raw response, resolved action,
// fallback reason), finished traces, candidate evaluations, and generation
// summaries. The log is the raw substrate for post-hoc analysis of why a region
// of the parameter space was flagged.
//
// Design constraints:
//   - All RunLog methods are nil-safe (no-op on nil receiver) so callers don't
//     need nil checks before every log call.
//   - Registry is the sole owner of JSONL persistence; callers never open files.
//   - The search driver opens a log via Registry.Open and closes it via Registry.Close.
package tasklog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the run log.
type EventKind string

const (
	KindRunBegin      EventKind = "run_begin"
	KindRunEnd        EventKind = "run_end"
	KindAgentCall     EventKind = "agent_call"
	KindTraceEnd      EventKind = "trace_end"
	KindCandidateEval EventKind = "candidate_eval"
	KindGenerationEnd EventKind = "generation_end"
)

// Event is one JSONL line in the run log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// run_begin / run_end
	RunID       string `json:"run_id,omitempty"`
	Scenario    string `json:"scenario,omitempty"`
	Config      any    `json:"config,omitempty"` // run_begin only
	Status      string `json:"status,omitempty"` // "completed" | "cancelled" | "failed"
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	TotalTokens int    `json:"total_tokens,omitempty"`
	AgentCalls  int    `json:"agent_calls,omitempty"`
	Fallbacks   int    `json:"fallbacks,omitempty"`
	Traces      int    `json:"traces,omitempty"`

	// agent_call
	Prompt           string `json:"prompt,omitempty"`
	Response         string `json:"response,omitempty"`
	Action           string `json:"action,omitempty"`
	Fallback         string `json:"fallback,omitempty"` // why the conservative token was substituted
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`

	// trace_end / candidate_eval
	CandidateID string    `json:"candidate_id,omitempty"`
	X           []float64 `json:"x,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Steps       int       `json:"steps,omitempty"`
	Counts      any       `json:"counts,omitempty"`
	CILower     *float64  `json:"ci_lower,omitempty"` // pointer: 0 must be serialised
	CIUpper     *float64  `json:"ci_upper,omitempty"`
	Objective   *float64  `json:"objective,omitempty"`

	// generation_end
	Generation int      `json:"generation,omitempty"`
	BestF      *float64 `json:"best_f,omitempty"`
	Violations int      `json:"violations,omitempty"`
}

// RunStats aggregates the cost metrics of a run.
//
// Expectations:
//   - AgentCalls equals the number of AgentCall invocations
//   - Fallbacks counts only AgentCall invocations with a non-empty fallback reason
//   - Traces equals the number of TraceEnd invocations
type RunStats struct {
	AgentCalls       int   `json:"agent_calls"`
	Fallbacks        int   `json:"fallbacks"`
	Traces           int   `json:"traces"`
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	AgentElapsedMs   int64 `json:"agent_elapsed_ms"`
}

// RunLog is a handle for writing structured events for one run.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *RunLog)
//   - Concurrent writes are safe (mutex-protected); traces log from many goroutines
//   - TotalTokens returns the running sum of prompt+completion tokens across all AgentCall events
type RunLog struct {
	runID   string
	started time.Time
	mu      sync.Mutex
	f       *os.File
	stats   RunStats
}

// Registry maps run IDs to open RunLogs.
// It is the sole authority for creating and closing run log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a run_begin event as the first JSONL line
//   - Open returns the existing log without re-opening when called twice for the same runID
//   - Get returns nil for unknown run IDs
//   - Close writes run_end with status, elapsed_ms, and stats before flushing
//   - Close removes the runID from the registry so subsequent Get returns nil
//   - Close no-ops gracefully when runID is not registered
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*RunLog
}

// NewRegistry creates a Registry that writes one JSONL file per run under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, logs: make(map[string]*RunLog)}
}

// Open creates a new RunLog for runID, writes a run_begin event, and registers it.
// Returns nil (a valid no-op log) when the file cannot be created.
func (r *Registry) Open(runID, scenario string, config any) *RunLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rl, ok := r.logs[runID]; ok {
		return rl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[TASKLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[TASKLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	rl := &RunLog{runID: runID, started: time.Now(), f: f}
	r.logs[runID] = rl
	rl.write(Event{
		Kind:     KindRunBegin,
		RunID:    runID,
		Scenario: scenario,
		Config:   config,
	})
	return rl
}

// Close writes a run_end event, flushes and closes the file, and removes the
// entry from the registry. Safe to call on a nil *Registry or unknown runID.
func (r *Registry) Close(runID, status string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	rl, ok := r.logs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.logs, runID)
	r.mu.Unlock()

	stats := rl.Stats()
	rl.write(Event{
		Kind:        KindRunEnd,
		RunID:       runID,
		Status:      status,
		ElapsedMs:   time.Since(rl.started).Milliseconds(),
		TotalTokens: stats.PromptTokens + stats.CompletionTokens,
		AgentCalls:  stats.AgentCalls,
		Fallbacks:   stats.Fallbacks,
		Traces:      stats.Traces,
	})

	rl.mu.Lock()
	if rl.f != nil {
		_ = rl.f.Close()
		rl.f = nil
	}
	rl.mu.Unlock()
}

// AgentCall writes an agent_call event. fallback is empty when the response
// was parsed into a token; otherwise it names the failure that was absorbed.
func (rl *RunLog) AgentCall(prompt, response, action, fallback string, promptToks, completionToks int, elapsedMs int64) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	rl.stats.AgentCalls++
	if fallback != "" {
		rl.stats.Fallbacks++
	}
	rl.stats.PromptTokens += promptToks
	rl.stats.CompletionTokens += completionToks
	rl.stats.AgentElapsedMs += elapsedMs
	rl.mu.Unlock()
	rl.write(Event{
		Kind:             KindAgentCall,
		Prompt:           prompt,
		Response:         response,
		Action:           action,
		Fallback:         fallback,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
		ElapsedMs:        elapsedMs,
	})
}

// TraceEnd writes a trace_end event for one finished trace.
func (rl *RunLog) TraceEnd(candidateID, outcome string, steps int) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	rl.stats.Traces++
	rl.mu.Unlock()
	rl.write(Event{
		Kind:        KindTraceEnd,
		CandidateID: candidateID,
		Outcome:     outcome,
		Steps:       steps,
	})
}

// CandidateEval writes a candidate_eval event with the aggregated estimate.
func (rl *RunLog) CandidateEval(candidateID string, x []float64, counts any, ciLower, ciUpper, objective float64, elapsedMs int64) {
	if rl == nil {
		return
	}
	lo, hi, f := ciLower, ciUpper, objective
	rl.write(Event{
		Kind:        KindCandidateEval,
		CandidateID: candidateID,
		X:           x,
		Counts:      counts,
		CILower:     &lo,
		CIUpper:     &hi,
		Objective:   &f,
		ElapsedMs:   elapsedMs,
	})
}

// GenerationEnd writes a generation_end event.
func (rl *RunLog) GenerationEnd(generation int, bestF float64, violations int) {
	if rl == nil {
		return
	}
	b := bestF
	rl.write(Event{
		Kind:       KindGenerationEnd,
		Generation: generation,
		BestF:      &b,
		Violations: violations,
	})
}

// Stats returns a snapshot of the run's accumulated metrics.
//
// Expectations:
//   - Returns the zero value on nil receiver
func (rl *RunLog) Stats() RunStats {
	if rl == nil {
		return RunStats{}
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.stats
}

// TotalTokens returns the total token count accumulated so far.
//
// Expectations:
//   - Returns 0 on nil receiver
//   - Returns sum of prompt and completion tokens from all AgentCall events
func (rl *RunLog) TotalTokens() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.stats.PromptTokens + rl.stats.CompletionTokens
}

// write appends one JSON line to the run log file. Adds timestamp, mutex-protected.
func (rl *RunLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[TASKLOG] marshal event", "error", err)
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(rl.f, "%s\n", data); err != nil {
		slog.Error("[TASKLOG] write event", "error", err)
	}
}
