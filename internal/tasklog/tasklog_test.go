package tasklog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// readEvents parses all JSONL lines from a file into a slice of Events.
func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	var events []Event
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("readEvents: unmarshal %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

// --- Registry.Open ---

func TestRegistry_Open_WritesRunBegin(t *testing.T) {
	// Open creates the log directory
	// Open writes a run_begin event as the first JSONL line
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	rl := r.Open("run1", "pedestrian", map[string]int{"pop_size": 6})
	if rl == nil {
		t.Fatal("expected non-nil RunLog")
	}
	r.Close("run1", "completed")

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	if events[0].Kind != KindRunBegin {
		t.Errorf("first event kind = %q, want %q", events[0].Kind, KindRunBegin)
	}
	if events[0].RunID != "run1" || events[0].Scenario != "pedestrian" {
		t.Errorf("run_begin = %+v", events[0])
	}
	if events[0].Config == nil {
		t.Error("expected config snapshot in run_begin")
	}
}

func TestRegistry_Open_ReturnsExistingOnDuplicate(t *testing.T) {
	// Open returns the existing log without re-opening when called twice for the same runID
	dir := t.TempDir()
	r := NewRegistry(dir)
	rl1 := r.Open("run1", "pedestrian", nil)
	rl2 := r.Open("run1", "static_obstacle", nil)
	if rl1 != rl2 {
		t.Error("expected same *RunLog pointer on second Open")
	}
	r.Close("run1", "completed")

	begins := 0
	for _, e := range readEvents(t, filepath.Join(dir, "run1.jsonl")) {
		if e.Kind == KindRunBegin {
			begins++
		}
	}
	if begins != 1 {
		t.Errorf("run_begin count = %d, want 1", begins)
	}
}

func TestRegistry_CloseForgetsRun(t *testing.T) {
	// Open returns the registered log while runID is open
	// Close removes the runID so a later Open starts a fresh log
	r := NewRegistry(t.TempDir())
	rl := r.Open("run1", "lead_vehicle", nil)
	if r.Open("run1", "lead_vehicle", nil) != rl {
		t.Error("second Open should return the pointer returned by the first")
	}
	r.Close("run1", "completed")
	if again := r.Open("run1", "lead_vehicle", nil); again == nil || again == rl {
		t.Error("expected a fresh log after Close")
	}
	r.Close("run1", "completed")
}

func TestRegistry_Close_UnknownAndNil(t *testing.T) {
	// Close no-ops gracefully when runID is not registered
	r := NewRegistry(t.TempDir())
	r.Close("never-opened", "completed")
	var nilReg *Registry
	nilReg.Close("x", "completed")
	if nilReg.Open("x", "", nil) != nil {
		t.Error("nil registry should hand out nil logs")
	}
}

func TestRegistry_Close_WritesRunEndWithStats(t *testing.T) {
	// Close writes run_end with status, elapsed_ms, and stats before flushing
	dir := t.TempDir()
	r := NewRegistry(dir)
	rl := r.Open("run1", "pedestrian", nil)
	rl.AgentCall("p", "BRAKE_LIGHT", "BRAKE_LIGHT", "", 10, 2, 5)
	rl.AgentCall("p", "", "EMERGENCY_BRAKE", "http request: connection refused", 0, 0, 1)
	rl.TraceEnd("c1", "SAFE_STOP", 14)
	r.Close("run1", "completed")

	events := readEvents(t, filepath.Join(dir, "run1.jsonl"))
	last := events[len(events)-1]
	if last.Kind != KindRunEnd {
		t.Fatalf("last event kind = %q, want run_end", last.Kind)
	}
	if last.Status != "completed" {
		t.Errorf("status = %q", last.Status)
	}
	if last.AgentCalls != 2 || last.Fallbacks != 1 || last.Traces != 1 || last.TotalTokens != 12 {
		t.Errorf("run_end stats = calls %d fallbacks %d traces %d tokens %d",
			last.AgentCalls, last.Fallbacks, last.Traces, last.TotalTokens)
	}
}

func TestRunLog_Stats(t *testing.T) {
	// AgentCalls equals the number of AgentCall invocations
	// Fallbacks counts only AgentCall invocations with a non-empty fallback reason
	// Traces equals the number of TraceEnd invocations
	r := NewRegistry(t.TempDir())
	rl := r.Open("run1", "pedestrian", nil)
	defer r.Close("run1", "completed")

	for i := 0; i < 3; i++ {
		rl.AgentCall("p", "ACCELERATE", "ACCELERATE", "", 4, 1, 2)
	}
	rl.AgentCall("p", "¯\\_(ツ)_/¯", "EMERGENCY_BRAKE", "unparsable response", 4, 5, 2)
	rl.TraceEnd("c1", "CRASH", 3)
	rl.TraceEnd("c1", "CRASH", 2)

	s := rl.Stats()
	if s.AgentCalls != 4 || s.Fallbacks != 1 || s.Traces != 2 {
		t.Errorf("stats = %+v", s)
	}
	if s.AgentElapsedMs != 8 {
		t.Errorf("agent elapsed = %d, want 8", s.AgentElapsedMs)
	}
	if got := rl.TotalTokens(); got != 4*4+3+5 {
		t.Errorf("TotalTokens = %d, want %d", got, 4*4+3+5)
	}
}

func TestRunLog_NilSafe(t *testing.T) {
	// All methods are nil-safe (no-op when called on nil *RunLog)
	var rl *RunLog
	rl.AgentCall("p", "r", "a", "", 1, 1, 1)
	rl.TraceEnd("c", "CRASH", 1)
	rl.CandidateEval("c", []float64{1, 2}, nil, 0, 1, 0.001, 1)
	rl.GenerationEnd(1, 0, 0)
	if rl.TotalTokens() != 0 || rl.Stats() != (RunStats{}) {
		t.Error("nil RunLog should report zero stats")
	}
}

func TestRunLog_CandidateEvalSerialisesZeroBound(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	rl := r.Open("run1", "pedestrian", nil)
	rl.CandidateEval("c1", []float64{20, 50}, map[string]int{"crash": 0}, 0, 0.3, 0.001, 12)
	rl.GenerationEnd(1, 0.001, 0)
	r.Close("run1", "completed")

	var eval, gen *Event
	events := readEvents(t, filepath.Join(dir, "run1.jsonl"))
	for i := range events {
		switch events[i].Kind {
		case KindCandidateEval:
			eval = &events[i]
		case KindGenerationEnd:
			gen = &events[i]
		}
	}
	if eval == nil || gen == nil {
		t.Fatal("missing candidate_eval or generation_end")
	}
	if eval.CILower == nil || *eval.CILower != 0 {
		t.Errorf("ci_lower = %v, want explicit 0", eval.CILower)
	}
	if eval.Objective == nil || *eval.Objective != 0.001 {
		t.Errorf("objective = %v", eval.Objective)
	}
	if len(eval.X) != 2 || eval.X[1] != 50 {
		t.Errorf("x = %v", eval.X)
	}
	if gen.Generation != 1 || gen.BestF == nil {
		t.Errorf("generation_end = %+v", gen)
	}
}

func TestRunLog_ConcurrentWritesAreWholeLines(t *testing.T) {
	// Concurrent writes are safe (mutex-protected); traces log from many goroutines
	dir := t.TempDir()
	r := NewRegistry(dir)
	rl := r.Open("run1", "pedestrian", nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rl.TraceEnd("c", "TIMEOUT", 16)
			}
		}()
	}
	wg.Wait()
	r.Close("run1", "completed")

	events := readEvents(t, filepath.Join(dir, "run1.jsonl"))
	// run_begin + 200 trace_end + run_end
	if len(events) != 202 {
		t.Errorf("event count = %d, want 202", len(events))
	}
	if rl.Stats().Traces != 200 {
		t.Errorf("traces = %d, want 200", rl.Stats().Traces)
	}
}
