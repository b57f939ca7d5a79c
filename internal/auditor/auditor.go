// Package auditor taps the message bus read-only and writes one structured
// audit event per message to a JSONL file. It flags routing violations,
// out-of-order run events, elitism regressions and stalled searches.
package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/adas-falsify/internal/types"
)

// Anomaly labels written to the audit log.
const (
	AnomalyNone       = "none"
	AnomalyBoundary   = "boundary_violation"
	AnomalyOrphan     = "orphan_event"
	AnomalyRegression = "best_regressed"
	AnomalyStagnation = "stagnation"
)

// DefaultStagnationGens is the number of generations without improvement of
// the best objective after which a run is flagged as stalled.
const DefaultStagnationGens = 5

// Event is one JSONL line in the audit log.
type Event struct {
	EventID     string  `json:"event_id"`
	Timestamp   string  `json:"timestamp"`
	FromRole    string  `json:"from_role"`
	ToRole      string  `json:"to_role"`
	MessageType string  `json:"message_type"`
	RunID       string  `json:"run_id,omitempty"`
	Anomaly     string  `json:"anomaly"`
	Detail      *string `json:"detail,omitempty"`
}

// runState tracks one open run.
type runState struct {
	best     float64
	seenGen  bool
	stalled  int
	reported bool
}

// Auditor consumes a bus tap.
type Auditor struct {
	tap            <-chan types.Message
	logPath        string
	stagnationGens int

	mu        sync.Mutex
	out       *os.File
	runs      map[string]*runState
	anomalies []string
}

// New creates an Auditor writing to logPath.
func New(tap <-chan types.Message, logPath string) *Auditor {
	return &Auditor{
		tap:            tap,
		logPath:        logPath,
		stagnationGens: DefaultStagnationGens,
		runs:           make(map[string]*runState),
	}
}

// Run starts the auditor loop. It blocks until ctx is cancelled or the tap closes.
func (a *Auditor) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
		log.Printf("[AUDIT] ERROR: create log dir: %v", err)
		return
	}
	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[AUDIT] ERROR: open log file: %v", err)
		return
	}
	a.mu.Lock()
	a.out = f
	a.mu.Unlock()
	defer f.Close()

	log.Printf("[AUDIT] started; writing to %s", a.logPath)

	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		}
	}
}

// drain records messages already buffered in the tap so the log of a
// finished run is complete.
func (a *Auditor) drain() {
	for {
		select {
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		default:
			return
		}
	}
}

// Anomalies returns the anomalies observed so far, formatted "<label>: <detail>".
func (a *Auditor) Anomalies() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.anomalies...)
}

// every progress event flows from the search driver to the display
var allowedPaths = map[types.MessageType]struct {
	from types.Role
	to   types.Role
}{
	types.MsgRunBegin:           {types.RoleSearch, types.RoleDisplay},
	types.MsgCandidateEvaluated: {types.RoleSearch, types.RoleDisplay},
	types.MsgGenerationDone:     {types.RoleSearch, types.RoleDisplay},
	types.MsgRunEnd:             {types.RoleSearch, types.RoleDisplay},
}

// process classifies msg and appends an audit event.
//
// Expectations:
//   - A message whose From/To differ from its allowed path is a boundary_violation
//   - GenerationDone, CandidateEvaluated or RunEnd for a run never begun is an orphan_event
//   - A GenerationDone whose BestF exceeds the previous best is best_regressed
//   - stagnationGens consecutive generations without improvement is stagnation, reported once per run
//   - RunEnd forgets the run
func (a *Auditor) process(msg types.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	anomaly := AnomalyNone
	var detail string
	flag := func(label, d string) {
		anomaly, detail = label, d
		a.anomalies = append(a.anomalies, label+": "+d)
		log.Printf("[AUDIT] %s: %s", label, d)
	}

	if allowed, ok := allowedPaths[msg.Type]; ok {
		if msg.From != allowed.from || msg.To != allowed.to {
			flag(AnomalyBoundary, fmt.Sprintf("expected %s→%s for %s, got %s→%s",
				allowed.from, allowed.to, msg.Type, msg.From, msg.To))
		}
	}

	runID := ""
	switch msg.Type {
	case types.MsgRunBegin:
		var b types.RunBegin
		if remarshal(msg.Payload, &b) == nil {
			runID = b.RunID
			a.runs[runID] = &runState{}
		}

	case types.MsgCandidateEvaluated:
		// Evaluations carry no run id; nothing to correlate.

	case types.MsgGenerationDone:
		var g types.GenerationDone
		if remarshal(msg.Payload, &g) != nil {
			break
		}
		runID = g.RunID
		st, ok := a.runs[runID]
		if !ok {
			flag(AnomalyOrphan, fmt.Sprintf("generation %d for unknown run %s", g.Generation, runID))
			break
		}
		switch {
		case !st.seenGen || g.BestF < st.best:
			st.best, st.seenGen, st.stalled = g.BestF, true, 0
		case g.BestF > st.best:
			flag(AnomalyRegression, fmt.Sprintf("run %s generation %d best=%.6f after %.6f",
				runID, g.Generation, g.BestF, st.best))
		default:
			st.stalled++
			if st.stalled >= a.stagnationGens && !st.reported {
				st.reported = true
				flag(AnomalyStagnation, fmt.Sprintf("run %s best=%.6f unchanged for %d generations",
					runID, st.best, st.stalled))
			}
		}

	case types.MsgRunEnd:
		var e types.RunEnd
		if remarshal(msg.Payload, &e) != nil {
			break
		}
		runID = e.RunID
		if _, ok := a.runs[runID]; !ok {
			flag(AnomalyOrphan, fmt.Sprintf("end of unknown run %s", runID))
		}
		delete(a.runs, runID)
	}

	ev := Event{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		FromRole:    string(msg.From),
		ToRole:      string(msg.To),
		MessageType: string(msg.Type),
		RunID:       runID,
		Anomaly:     anomaly,
	}
	if detail != "" {
		ev.Detail = &detail
	}
	a.writeEvent(ev)
}

// writeEvent must be called with a.mu held.
func (a *Auditor) writeEvent(e Event) {
	if a.out == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[AUDIT] ERROR: marshal event: %v", err)
		return
	}
	if _, err := fmt.Fprintf(a.out, "%s\n", data); err != nil {
		log.Printf("[AUDIT] ERROR: write event: %v", err)
	}
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
