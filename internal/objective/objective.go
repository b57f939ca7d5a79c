// Package objective turns a scenario variant and a decision agent into the
// scalar fitness a search driver minimises.
//
// For each candidate vector it runs a fixed number of independent traces,
// feeds the outcome labels to the estimator, and reports
//
//	objective = MaxCrashProb − lower credible bound on P(CRASH)
//
// A non-positive objective flags a falsifying candidate.
package objective

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/haricheung/adas-falsify/internal/estimator"
	"github.com/haricheung/adas-falsify/internal/scenario"
	"github.com/haricheung/adas-falsify/internal/tasklog"
	"github.com/haricheung/adas-falsify/internal/types"
)

var (
	// ErrDimension is returned for a candidate whose length does not match the bounds.
	ErrDimension = errors.New("objective: candidate dimension mismatch")
	// ErrOutOfBounds is returned for a candidate outside the variant's box.
	ErrOutOfBounds = errors.New("objective: candidate out of bounds")
)

// Config holds the evaluation parameters.
type Config struct {
	Traces       int     `yaml:"traces" json:"traces"`
	MaxCrashProb float64 `yaml:"max_crash_prob" json:"max_crash_prob"`
	Confidence   float64 `yaml:"confidence" json:"confidence"`
	Concurrency  int     `yaml:"concurrency" json:"concurrency"`
}

// DefaultConfig returns 10 traces, tolerance 0.001 and 95% confidence.
func DefaultConfig() Config {
	return Config{Traces: 10, MaxCrashProb: 0.001, Confidence: 0.95, Concurrency: 4}
}

// Validate rejects settings the estimator or the trace pool cannot honour.
func (c Config) Validate() error {
	var missing []string
	if c.Traces < 1 {
		missing = append(missing, fmt.Sprintf("traces=%d (want >= 1)", c.Traces))
	}
	if !(c.Confidence > 0 && c.Confidence < 1) {
		missing = append(missing, fmt.Sprintf("confidence=%v (want 0 < c < 1)", c.Confidence))
	}
	if c.MaxCrashProb < 0 || c.MaxCrashProb > 1 {
		missing = append(missing, fmt.Sprintf("max_crash_prob=%v (want [0,1])", c.MaxCrashProb))
	}
	if len(missing) > 0 {
		return fmt.Errorf("objective: invalid config: %v", missing)
	}
	return nil
}

// BoundsFor returns the inclusive search box of a scenario variant.
//
// Expectations:
//   - Every variant has two dimensions: initial ego speed then initial separation
//   - Returns scenario.ErrUnknownKind for anything else
func BoundsFor(kind types.Kind) (types.Bounds, error) {
	switch kind {
	case types.KindPedestrian:
		return types.Bounds{
			Lower: []float64{10, 30}, Upper: []float64{35, 80},
			Names: []string{"initial_speed", "initial_distance"},
		}, nil
	case types.KindLeadVehicle:
		return types.Bounds{
			Lower: []float64{10, 10}, Upper: []float64{35, 60},
			Names: []string{"initial_speed", "initial_headway"},
		}, nil
	case types.KindStaticObstacle:
		return types.Bounds{
			Lower: []float64{10, 20}, Upper: []float64{35, 80},
			Names: []string{"initial_speed", "obstacle_distance"},
		}, nil
	}
	return types.Bounds{}, fmt.Errorf("%w: %q", scenario.ErrUnknownKind, kind)
}

// Problem is the evaluation surface of one scenario variant: its bounds and
// its objective function. It holds no per-candidate state and is safe for
// concurrent use when the agent is.
type Problem struct {
	kind   types.Kind
	bounds types.Bounds
	agent  scenario.Agent
	cfg    Config
	est    *estimator.Estimator
	runLog *tasklog.RunLog
}

// NewProblem builds the Problem for kind, consulting agent on every step.
func NewProblem(kind types.Kind, agent scenario.Agent, cfg Config) (*Problem, error) {
	b, err := BoundsFor(kind)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, errors.New("objective: nil agent")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Problem{
		kind:   kind,
		bounds: b,
		agent:  agent,
		cfg:    cfg,
		est:    estimator.New(types.Outcomes),
	}, nil
}

// WithLog returns a copy of p that records traces and evaluations to rl.
func (p *Problem) WithLog(rl *tasklog.RunLog) *Problem {
	cp := *p
	cp.runLog = rl
	return &cp
}

// Kind returns the scenario variant.
func (p *Problem) Kind() types.Kind { return p.kind }

// Bounds returns a copy of the variant's box constraints.
func (p *Problem) Bounds() types.Bounds {
	return types.Bounds{
		Lower: append([]float64(nil), p.bounds.Lower...),
		Upper: append([]float64(nil), p.bounds.Upper...),
		Names: append([]string(nil), p.bounds.Names...),
	}
}

// Config returns the evaluation parameters in effect.
func (p *Problem) Config() Config { return p.cfg }

// EvaluateCandidate runs the traces for one candidate and returns its evaluation.
//
// Expectations:
//   - Returns ErrDimension when len(x) != 2
//   - Returns ErrOutOfBounds when x lies outside the variant's box
//   - Runs exactly cfg.Traces fresh traces
//   - Deterministic for a deterministic agent
func (p *Problem) EvaluateCandidate(ctx context.Context, x []float64) (types.Evaluation, error) {
	evals, err := p.Evaluate(ctx, [][]float64{x})
	if err != nil {
		return types.Evaluation{}, err
	}
	return evals[0], nil
}

// Evaluate scores a batch of candidates. Every candidate is validated before
// any trace runs, so a contract violation never yields a partial batch. All
// (candidate, trace) pairs share one bounded goroutine pool; results are
// returned in input order.
//
// Expectations:
//   - Returns one Evaluation per candidate, in input order
//   - Rejects the whole batch when any candidate is malformed, before calling the agent
//   - Returns ctx.Err() when the context is cancelled before or during the batch
//   - Result does not depend on cfg.Concurrency
func (p *Problem) Evaluate(ctx context.Context, X [][]float64) ([]types.Evaluation, error) {
	for i, x := range X {
		if err := p.check(x); err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	n := p.cfg.Traces
	ids := make([]string, len(X))
	for i := range ids {
		ids[i] = uuid.New().String()
	}
	traces := make([][]scenario.Trace, len(X))
	finished := make([][]time.Time, len(X))
	for i := range X {
		traces[i] = make([]scenario.Trace, n)
		finished[i] = make([]time.Time, n)
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	wp := pool.New().WithMaxGoroutines(p.cfg.Concurrency)
	for c, x := range X {
		for t := 0; t < n; t++ {
			wp.Go(func() {
				sc, err := scenario.New(p.kind, x)
				if err == nil {
					traces[c][t], err = scenario.RunTrace(ctx, sc, p.agent)
				}
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				finished[c][t] = time.Now()
				p.runLog.TraceEnd(ids[c], string(traces[c][t].Outcome), traces[c][t].Final.Steps)
			})
		}
	}
	wp.Wait()

	if firstErr != nil {
		return nil, fmt.Errorf("objective: trace: %w", firstErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]types.Evaluation, len(X))
	for c, x := range X {
		ev, err := p.aggregate(ids[c], x, traces[c])
		if err != nil {
			return nil, err
		}
		var last time.Time
		for _, ts := range finished[c] {
			if ts.After(last) {
				last = ts
			}
		}
		ev.ElapsedMs = last.Sub(start).Milliseconds()
		p.runLog.CandidateEval(ev.ID, ev.X, ev.Counts, ev.CILower, ev.CIUpper, ev.Objective, ev.ElapsedMs)
		log.Printf("[OBJECTIVE] %s x=[%.2f %.2f] crash=%d safe=%d timeout=%d lo=%.5f f=%.5f",
			p.kind, x[0], x[1], ev.Counts.Crash, ev.Counts.SafeStop, ev.Counts.Timeout, ev.CILower, ev.Objective)
		out[c] = ev
	}
	return out, nil
}

// check enforces the candidate contract.
func (p *Problem) check(x []float64) error {
	if len(x) != p.bounds.Dim() {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(x), p.bounds.Dim())
	}
	if !p.bounds.Contains(x) {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrOutOfBounds, x, p.bounds.Lower, p.bounds.Upper)
	}
	return nil
}

// aggregate folds one candidate's traces into an Evaluation.
func (p *Problem) aggregate(id string, x []float64, traces []scenario.Trace) (types.Evaluation, error) {
	outcomes := make([]types.Outcome, len(traces))
	var counts types.OutcomeCounts
	for i, tr := range traces {
		outcomes[i] = tr.Outcome
		counts.Add(tr.Outcome)
	}
	alphas, iv, err := p.est.Estimate(outcomes, types.OutcomeCrash, p.cfg.Confidence)
	if err != nil {
		return types.Evaluation{}, fmt.Errorf("objective: estimate: %w", err)
	}
	return types.Evaluation{
		ID:        id,
		Scenario:  p.kind,
		X:         append([]float64(nil), x...),
		Outcomes:  outcomes,
		Counts:    counts,
		Posterior: alphas,
		CILower:   iv.Lower,
		CIUpper:   iv.Upper,
		Objective: p.cfg.MaxCrashProb - iv.Lower,
	}, nil
}
