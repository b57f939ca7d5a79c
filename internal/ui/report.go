package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/adas-falsify/internal/store"
	"github.com/haricheung/adas-falsify/internal/types"
)

// ScenarioReport is the final result of one scenario's search.
type ScenarioReport struct {
	Kind        types.Kind
	RunID       string
	Status      string
	Bounds      types.Bounds
	Front       []types.Evaluation
	Evaluations int
	Violations  int
	ElapsedMs   int64
}

// RenderReport writes a human-readable table per scenario: the final
// non-dominated candidates, their outcome counts, the crash bound, and the
// objective. color enables ANSI styling.
//
// Expectations:
//   - One section per report, headed by the scenario label
//   - One row per front member with both coordinates and the objective
//   - Rows whose objective is ≤ 0 are marked FALSIFIED
//   - Elapsed time is shown in minutes
//   - An empty front prints a placeholder row instead of an empty table
func RenderReport(w io.Writer, reports []ScenarioReport, color bool) {
	style := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + ansiReset
	}

	for _, r := range reports {
		title := fmt.Sprintf("=== %s ===", r.Kind.Label())
		fmt.Fprintf(w, "\n%s\n", style(ansiBold, title))
		fmt.Fprintf(w, "run %s · %s · %d evaluations, %d flagged · %.2f min\n",
			r.RunID, r.Status, r.Evaluations, r.Violations, float64(r.ElapsedMs)/60000)

		names := r.Bounds.Names
		if len(names) < 2 {
			names = []string{"x0", "x1"}
		}
		header := []string{names[0], names[1], "crash/safe/timeout", "P(crash) 95% CI", "objective", ""}
		rows := [][]string{}
		for _, ev := range r.Front {
			verdict := ""
			if ev.Violates() {
				verdict = "FALSIFIED"
			}
			x0, x1 := "-", "-"
			if len(ev.X) >= 2 {
				x0, x1 = fmt.Sprintf("%.2f", ev.X[0]), fmt.Sprintf("%.2f", ev.X[1])
			}
			rows = append(rows, []string{
				x0, x1,
				fmt.Sprintf("%d/%d/%d", ev.Counts.Crash, ev.Counts.SafeStop, ev.Counts.Timeout),
				fmt.Sprintf("[%.4f, %.4f]", ev.CILower, ev.CIUpper),
				fmt.Sprintf("%+.5f", ev.Objective),
				verdict,
			})
		}
		if len(rows) == 0 {
			rows = append(rows, []string{"(no candidates)", "", "", "", "", ""})
		}

		lines := table(header, rows)
		fmt.Fprintln(w, style(ansiDim, lines[0]))
		for i, row := range rows {
			s := lines[i+1]
			if row[len(row)-1] != "" {
				s = style(ansiRed, s)
			}
			fmt.Fprintln(w, s)
		}
	}
}

// RenderRuns writes one line per stored run, newest first as given.
func RenderRuns(w io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	header := []string{"run", "scenario", "status", "started", "gens", "evals", "flagged", "min"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.RunID,
			r.Scenario.Label(),
			r.Status,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			fmt.Sprint(r.Generations),
			fmt.Sprint(r.Evaluations),
			fmt.Sprint(r.Violations),
			fmt.Sprintf("%.2f", float64(r.ElapsedMs)/60000),
		})
	}
	for _, l := range table(header, rows) {
		fmt.Fprintln(w, l)
	}
}

// table pads each column to its widest cell, measured in terminal columns.
func table(header []string, rows [][]string) []string {
	widths := make([]int, len(header))
	for _, row := range append([][]string{header}, rows...) {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	out := make([]string, 0, len(rows)+1)
	for _, cells := range append([][]string{header}, rows...) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = runewidth.FillRight(c, widths[i])
		}
		out = append(out, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	return out
}
