package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/haricheung/adas-falsify/internal/agent"
	"github.com/haricheung/adas-falsify/internal/bus"
	"github.com/haricheung/adas-falsify/internal/config"
	"github.com/haricheung/adas-falsify/internal/objective"
	"github.com/haricheung/adas-falsify/internal/search"
	"github.com/haricheung/adas-falsify/internal/store"
	"github.com/haricheung/adas-falsify/internal/tasklog"
	"github.com/haricheung/adas-falsify/internal/types"
	"github.com/haricheung/adas-falsify/internal/ui"
)

// campaign runs one search per scenario kind and persists the results.
// st and logs may be nil.
type campaign struct {
	cfg  config.Config
	gen  agent.Generator
	bus  *bus.Bus
	st   *store.Store
	logs *tasklog.Registry
}

// run searches each kind in order and returns one report per attempted kind.
//
// Expectations:
//   - Stops at the first search error, returning the reports gathered so far
//   - A cancelled search still yields its partial report
//   - Store failures are logged and do not abort the campaign
func (c *campaign) run(ctx context.Context, kinds []types.Kind) ([]ui.ScenarioReport, error) {
	var reports []ui.ScenarioReport
	for _, kind := range kinds {
		rep, err := c.runOne(ctx, kind)
		if rep.RunID != "" {
			reports = append(reports, rep)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

func (c *campaign) runOne(ctx context.Context, kind types.Kind) (ui.ScenarioReport, error) {
	runID := uuid.New().String()
	rl := c.logs.Open(runID, string(kind), c.cfg)

	ag, err := agent.New(c.cfg.Agent, c.gen)
	if err != nil {
		c.logs.Close(runID, "failed")
		return ui.ScenarioReport{}, err
	}
	if l, ok := ag.(*agent.LLM); ok {
		ag = l.WithLog(rl)
	}
	prob, err := objective.NewProblem(kind, ag, c.cfg.Objective)
	if err != nil {
		c.logs.Close(runID, "failed")
		return ui.ScenarioReport{}, err
	}
	prob = prob.WithLog(rl)

	// Store writes outlive cancellation so an aborted run is still recorded.
	sctx := context.WithoutCancel(ctx)
	if c.st != nil {
		if err := c.st.BeginRun(sctx, runID, kind, c.cfg); err != nil {
			log.Printf("[MAIN] WARNING: store begin run: %v", err)
		}
	}

	res, runErr := search.Run(ctx, prob, c.cfg.Search,
		search.WithBus(c.bus), search.WithLog(rl), search.WithRunID(runID))

	if c.st != nil {
		if err := c.st.RecordEvaluations(sctx, runID, res.History); err != nil {
			log.Printf("[MAIN] WARNING: store evaluations: %v", err)
		}
		if err := c.st.FinishRun(sctx, runID, res.Status, res.Generations, res.ElapsedMs, res.Front); err != nil {
			log.Printf("[MAIN] WARNING: store finish run: %v", err)
		}
	}
	c.logs.Close(runID, res.Status)

	rep := ui.ScenarioReport{
		Kind:        kind,
		RunID:       runID,
		Status:      res.Status,
		Bounds:      prob.Bounds(),
		Front:       res.Front,
		Evaluations: len(res.History),
		ElapsedMs:   res.ElapsedMs,
	}
	for _, ev := range res.History {
		if ev.Violates() {
			rep.Violations++
		}
	}
	if runErr != nil {
		return rep, fmt.Errorf("%s: %w", kind, runErr)
	}
	return rep, nil
}

// storedReport rebuilds the report of a finished run from the store.
func storedReport(ctx context.Context, st *store.Store, runID string) (ui.ScenarioReport, error) {
	if st == nil {
		return ui.ScenarioReport{}, errors.New("no run store configured")
	}
	r, err := st.GetRun(ctx, runID)
	if err != nil {
		return ui.ScenarioReport{}, err
	}
	front, err := st.Evaluations(ctx, runID, true)
	if err != nil {
		return ui.ScenarioReport{}, err
	}
	b, _ := objective.BoundsFor(r.Scenario)
	return ui.ScenarioReport{
		Kind:        r.Scenario,
		RunID:       r.RunID,
		Status:      r.Status,
		Bounds:      b,
		Front:       front,
		Evaluations: r.Evaluations,
		Violations:  r.Violations,
		ElapsedMs:   r.ElapsedMs,
	}, nil
}
