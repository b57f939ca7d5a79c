package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/adas-falsify/internal/types"
)

// ANSI codes
const (
	ansiReset   = "\033[0m"
	ansiBold    = "\033[1m"
	ansiDim     = "\033[2m"
	ansiCyan    = "\033[36m"
	ansiYellow  = "\033[33m"
	ansiGreen   = "\033[32m"
	ansiRed     = "\033[31m"
	ansiMagenta = "\033[35m"
)

var roleEmoji = map[types.Role]string{
	types.RoleSearch:    "🧬",
	types.RoleObjective: "🎯",
	types.RoleDisplay:   "📊",
	types.RoleUser:      "👤",
}

var msgColor = map[types.MessageType]string{
	types.MsgRunBegin:           ansiCyan,
	types.MsgCandidateEvaluated: ansiDim,
	types.MsgGenerationDone:     ansiMagenta,
	types.MsgRunEnd:             ansiGreen,
}

var msgStatus = map[types.MessageType]string{
	types.MsgRunBegin:           "🧬 sampling initial population...",
	types.MsgCandidateEvaluated: "🎯 evaluating candidates...",
	types.MsgGenerationDone:     "🧬 breeding next generation...",
}

// statusCols bounds the spinner line so \r\033[K can overwrite it on an
// 80-column terminal without wrapping.
const statusCols = 54

// dynamicStatus returns a spinner label for msg, enriched with payload detail
// where the static label alone is not informative enough.
func dynamicStatus(msg types.Message) string {
	switch msg.Type {
	case types.MsgCandidateEvaluated:
		var ev types.Evaluation
		if remarshal(msg.Payload, &ev) == nil && len(ev.X) == 2 {
			return clipCols(fmt.Sprintf("🎯 gen %d  x=[%.1f, %.1f]  f=%.4f", ev.Generation, ev.X[0], ev.X[1], ev.Objective), statusCols)
		}
	case types.MsgGenerationDone:
		var g types.GenerationDone
		if remarshal(msg.Payload, &g) == nil {
			return clipCols(fmt.Sprintf("🧬 generation %d done, breeding...", g.Generation), statusCols)
		}
	}
	return msgStatus[msg.Type]
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders live search progress to stdout.
// It reads from a bus tap channel and animates one box per run.
type Display struct {
	tap        <-chan types.Message
	abortCh    chan struct{}
	resumeCh   chan struct{}
	mu         sync.Mutex
	status     string
	started    time.Time
	inRun      bool
	spinIdx    int
	suppressed bool // true after Abort(); blocks new run boxes until Resume()
	evaluated  int
	violations int
}

// New creates a Display reading from tap.
func New(tap <-chan types.Message) *Display {
	return &Display{tap: tap, abortCh: make(chan struct{}, 1), resumeCh: make(chan struct{}, 1)}
}

// Abort signals the display to immediately close the current run box
// and suppress any subsequent stale messages until Resume() is called.
// Safe to call from any goroutine.
func (d *Display) Abort() {
	select {
	case d.abortCh <- struct{}{}:
	default:
	}
}

// Resume lifts the post-abort suppression so the next run can open a box.
// Safe to call from any goroutine.
func (d *Display) Resume() {
	select {
	case d.resumeCh <- struct{}{}:
	default:
	}
}

// Run is the main goroutine. It renders flow lines and animates the spinner.
// All terminal writes happen in this goroutine so no extra locking is needed for I/O.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\033[K")
			return

		case <-d.abortCh:
			if d.inRun {
				fmt.Print("\r\033[K")
				d.endRun("cancelled")
			}
			d.mu.Lock()
			d.suppressed = true
			d.mu.Unlock()

		case <-d.resumeCh:
			d.mu.Lock()
			d.suppressed = false
			d.mu.Unlock()

		case msg, ok := <-d.tap:
			if !ok {
				return
			}
			if !d.inRun {
				d.mu.Lock()
				sup := d.suppressed
				d.mu.Unlock()
				if sup {
					// Drain stale post-abort messages silently.
					continue
				}
				d.startRun(msg)
			}
			d.account(msg)
			// Clear spinner line before printing a new flow line.
			fmt.Print("\r\033[K")
			d.printFlow(msg)
			d.setStatus(dynamicStatus(msg))
			if msg.Type == types.MsgRunEnd {
				var e types.RunEnd
				_ = remarshal(msg.Payload, &e)
				d.endRun(e.Status)
			}

		case <-ticker.C:
			if !d.inRun {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			fmt.Printf("\r%s%s%s %s", ansiCyan, string(frame), ansiReset, status)
		}
	}
}

func (d *Display) startRun(msg types.Message) {
	d.started = time.Now()
	d.inRun = true
	d.evaluated, d.violations = 0, 0
	title := "falsify"
	var b types.RunBegin
	if msg.Type == types.MsgRunBegin && remarshal(msg.Payload, &b) == nil && b.Scenario != "" {
		title = "falsify · " + b.Scenario.Label()
	}
	d.setStatus("initializing...")
	fmt.Printf("\n%s┌─── ⚡ %s %s%s\n", ansiDim, title, strings.Repeat("─", 40), ansiReset)
}

// account tallies per-run counters from candidate messages.
func (d *Display) account(msg types.Message) {
	if msg.Type != types.MsgCandidateEvaluated {
		return
	}
	var ev types.Evaluation
	if remarshal(msg.Payload, &ev) == nil {
		d.evaluated++
		if ev.Violates() {
			d.violations++
		}
	}
}

func (d *Display) endRun(status string) {
	d.inRun = false
	elapsed := time.Since(d.started).Round(time.Millisecond)
	icon := "✅"
	if status != "" && status != "completed" {
		icon = "❌"
	}
	fmt.Printf("\r\033[K%s└─── %s  %v  %d evaluated, %d flagged %s%s\n",
		ansiDim, icon, elapsed, d.evaluated, d.violations, strings.Repeat("─", 20), ansiReset)
}

func (d *Display) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Display) printFlow(msg types.Message) {
	// Per-candidate messages only drive the spinner; RunEnd is surfaced via endRun.
	if msg.Type == types.MsgCandidateEvaluated || msg.Type == types.MsgRunEnd {
		return
	}

	from := roleLabel(msg.From)
	to := roleLabel(msg.To)

	label := string(msg.Type)
	if det := msgDetail(msg); det != "" {
		label += ": " + det
	}

	color := msgColor[msg.Type]
	if color == "" {
		color = ansiDim
	}
	fmt.Printf("  %s ──[%s%s%s]──► %s\n", from, color, label, ansiReset, to)
}

func roleLabel(r types.Role) string {
	emoji, ok := roleEmoji[r]
	if !ok {
		emoji = "•"
	}
	return emoji + " " + string(r)
}

// msgDetail returns a one-line summary of msg's payload.
//
// Expectations:
//   - MsgRunBegin: "<scenario> pop=N gens=M"
//   - MsgGenerationDone: "gen N best=F", with "| K flagged" when K > 0
//   - MsgRunEnd: "<status> front=N"
//   - Returns "" for unknown or unparseable message types
func msgDetail(msg types.Message) string {
	switch msg.Type {
	case types.MsgRunBegin:
		var b types.RunBegin
		if remarshal(msg.Payload, &b) == nil && b.Scenario != "" {
			return fmt.Sprintf("%s pop=%d gens=%d", b.Scenario, b.PopSize, b.Generations)
		}
	case types.MsgGenerationDone:
		var g types.GenerationDone
		if remarshal(msg.Payload, &g) == nil && g.Generation > 0 {
			s := fmt.Sprintf("gen %d best=%.5f", g.Generation, g.BestF)
			if g.Violations > 0 {
				s += fmt.Sprintf(" | %d flagged", g.Violations)
			}
			return s
		}
	case types.MsgRunEnd:
		var e types.RunEnd
		if remarshal(msg.Payload, &e) == nil && e.Status != "" {
			return fmt.Sprintf("%s front=%d", e.Status, len(e.Front))
		}
	}
	return ""
}

// clipCols truncates s to at most cols terminal columns, appending "…" if trimmed.
func clipCols(s string, cols int) string {
	if runewidth.StringWidth(s) <= cols {
		return s
	}
	return runewidth.Truncate(s, cols, "…")
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
