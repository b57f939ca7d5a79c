// Package search is the population-based driver that proposes candidate
// vectors to an objective and keeps the best of them.
//
// It is an NSGA-II style loop: binary tournament on (rank, crowding), SBX
// crossover, polynomial mutation, and elitist (μ+λ) survival. The first
// generation is the uniformly sampled initial population, so a run performs
// PopSize × Generations evaluations. All randomness comes from one seeded
// generator; the same seed and the same deterministic objective reproduce
// the same run.
package search

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/adas-falsify/internal/bus"
	"github.com/haricheung/adas-falsify/internal/tasklog"
	"github.com/haricheung/adas-falsify/internal/types"
)

// Problem is what the driver needs from an objective: a box and a batch
// evaluation function. *objective.Problem satisfies it.
type Problem interface {
	Kind() types.Kind
	Bounds() types.Bounds
	Evaluate(ctx context.Context, X [][]float64) ([]types.Evaluation, error)
}

// Config controls the search.
type Config struct {
	PopSize       int     `yaml:"pop_size" json:"pop_size"`
	Generations   int     `yaml:"generations" json:"generations"`
	Seed          uint64  `yaml:"seed" json:"seed"`
	CrossoverProb float64 `yaml:"crossover_prob" json:"crossover_prob"`
	CrossoverEta  float64 `yaml:"crossover_eta" json:"crossover_eta"`
	MutationEta   float64 `yaml:"mutation_eta" json:"mutation_eta"`
}

// DefaultConfig returns population 6, 8 generations, seed 1.
func DefaultConfig() Config {
	return Config{
		PopSize:       6,
		Generations:   8,
		Seed:          1,
		CrossoverProb: 0.9,
		CrossoverEta:  15,
		MutationEta:   20,
	}
}

// Validate rejects configurations the loop cannot run.
func (c Config) Validate() error {
	var bad []string
	if c.PopSize < 2 {
		bad = append(bad, fmt.Sprintf("pop_size=%d (want >= 2)", c.PopSize))
	}
	if c.Generations < 1 {
		bad = append(bad, fmt.Sprintf("generations=%d (want >= 1)", c.Generations))
	}
	if c.CrossoverProb < 0 || c.CrossoverProb > 1 {
		bad = append(bad, fmt.Sprintf("crossover_prob=%v (want [0,1])", c.CrossoverProb))
	}
	if c.CrossoverEta <= 0 || c.MutationEta <= 0 {
		bad = append(bad, "distribution indices must be positive")
	}
	if len(bad) > 0 {
		return fmt.Errorf("search: invalid config: %v", bad)
	}
	return nil
}

// Result is the outcome of one run.
type Result struct {
	RunID       string             `json:"run_id"`
	Scenario    types.Kind         `json:"scenario"`
	Front       []types.Evaluation `json:"front"`
	History     []types.Evaluation `json:"history"`
	Generations int                `json:"generations"`
	ElapsedMs   int64              `json:"elapsed_ms"`
	Status      string             `json:"status"`
}

// Option customises a run.
type Option func(*runner)

// WithBus publishes progress messages on b.
func WithBus(b *bus.Bus) Option { return func(r *runner) { r.bus = b } }

// WithLog records generation summaries to rl.
func WithLog(rl *tasklog.RunLog) Option { return func(r *runner) { r.runLog = rl } }

// WithRunID fixes the run ID instead of generating one.
func WithRunID(id string) Option { return func(r *runner) { r.runID = id } }

type runner struct {
	cfg    Config
	prob   Problem
	bounds types.Bounds
	rng    *rand.Rand
	bus    *bus.Bus
	runLog *tasklog.RunLog
	runID  string
}

// Run searches p's box for candidates that minimise the objective.
//
// Expectations:
//   - Performs exactly PopSize × Generations evaluations on success
//   - Every proposed candidate lies inside p.Bounds()
//   - Same seed and deterministic objective produce identical History
//   - Best objective in the population never increases between generations
//   - Returns the partial Result and the error when an evaluation fails or ctx is cancelled
func Run(ctx context.Context, p Problem, cfg Config, opts ...Option) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	b := p.Bounds()
	if b.Dim() == 0 || len(b.Upper) != b.Dim() {
		return Result{}, errors.New("search: problem has no usable bounds")
	}

	r := &runner{
		cfg:    cfg,
		prob:   p,
		bounds: b,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for _, o := range opts {
		o(r)
	}
	if r.runID == "" {
		r.runID = uuid.New().String()
	}

	start := time.Now()
	res := Result{RunID: r.runID, Scenario: p.Kind()}
	r.publish(types.MsgRunBegin, types.RunBegin{
		RunID: r.runID, Scenario: p.Kind(), PopSize: cfg.PopSize, Generations: cfg.Generations,
	})
	log.Printf("[SEARCH] run=%s scenario=%s pop=%d generations=%d seed=%d",
		r.runID, p.Kind(), cfg.PopSize, cfg.Generations, cfg.Seed)

	finish := func(pop []types.Evaluation, err error) (Result, error) {
		res.Front = NonDominated(pop)
		res.ElapsedMs = time.Since(start).Milliseconds()
		switch {
		case err == nil:
			res.Status = "completed"
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			res.Status = "cancelled"
		default:
			res.Status = "failed"
		}
		r.publish(types.MsgRunEnd, types.RunEnd{
			RunID: r.runID, Scenario: p.Kind(), Front: res.Front, ElapsedMs: res.ElapsedMs, Status: res.Status,
		})
		log.Printf("[SEARCH] run=%s %s after %d generations, %d evaluations, front=%d (%.1fs)",
			r.runID, res.Status, res.Generations, len(res.History), len(res.Front), float64(res.ElapsedMs)/1000)
		return res, err
	}

	pop, err := r.evaluate(ctx, 1, r.sample())
	if err != nil {
		return finish(nil, err)
	}
	res.History = append(res.History, pop...)
	res.Generations = 1
	r.generationDone(1, len(pop), pop)

	for gen := 2; gen <= cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return finish(pop, err)
		}
		off, err := r.evaluate(ctx, gen, r.offspring(pop))
		if err != nil {
			return finish(pop, err)
		}
		res.History = append(res.History, off...)
		pop = survive(append(pop, off...), cfg.PopSize)
		res.Generations = gen
		r.generationDone(gen, len(off), pop)
	}
	return finish(pop, nil)
}

func (r *runner) evaluate(ctx context.Context, gen int, X [][]float64) ([]types.Evaluation, error) {
	evals, err := r.prob.Evaluate(ctx, X)
	if err != nil {
		return nil, fmt.Errorf("search: evaluate: %w", err)
	}
	for i := range evals {
		evals[i].Generation = gen
		r.publish(types.MsgCandidateEvaluated, evals[i])
	}
	return evals, nil
}

func (r *runner) generationDone(gen, evaluated int, pop []types.Evaluation) {
	best, sum, violations := math.Inf(1), 0.0, 0
	for _, ev := range pop {
		best = math.Min(best, ev.Objective)
		sum += ev.Objective
		if ev.Violates() {
			violations++
		}
	}
	mean := sum / float64(len(pop))
	r.runLog.GenerationEnd(gen, best, violations)
	r.publish(types.MsgGenerationDone, types.GenerationDone{
		RunID: r.runID, Scenario: r.prob.Kind(), Generation: gen, Evaluated: evaluated,
		BestF: best, MeanF: mean, Violations: violations,
	})
	log.Printf("[SEARCH] gen=%d evaluated=%d best_f=%.5f mean_f=%.5f violations=%d",
		gen, evaluated, best, mean, violations)
}

func (r *runner) publish(t types.MessageType, payload any) {
	r.bus.Publish(bus.NewMessage(types.RoleSearch, types.RoleDisplay, t, payload))
}

// sample draws the initial population uniformly inside the box.
func (r *runner) sample() [][]float64 {
	X := make([][]float64, r.cfg.PopSize)
	for i := range X {
		x := make([]float64, r.bounds.Dim())
		for j := range x {
			x[j] = r.bounds.Lower[j] + r.rng.Float64()*(r.bounds.Upper[j]-r.bounds.Lower[j])
		}
		X[i] = x
	}
	return X
}

// offspring produces PopSize children from pop by tournament, SBX and mutation.
func (r *runner) offspring(pop []types.Evaluation) [][]float64 {
	rank, crowd := rankAndCrowd(pop)
	better := func(i, j int) int {
		if rank[i] != rank[j] {
			if rank[i] < rank[j] {
				return i
			}
			return j
		}
		if crowd[j] > crowd[i] {
			return j
		}
		return i
	}
	tournament := func() int {
		return better(r.rng.IntN(len(pop)), r.rng.IntN(len(pop)))
	}

	out := make([][]float64, 0, r.cfg.PopSize)
	for len(out) < r.cfg.PopSize {
		p1, p2 := pop[tournament()].X, pop[tournament()].X
		c1, c2 := r.crossover(p1, p2)
		r.mutate(c1)
		r.mutate(c2)
		out = append(out, c1)
		if len(out) < r.cfg.PopSize {
			out = append(out, c2)
		}
	}
	return out
}

// crossover is bounded simulated binary crossover.
func (r *runner) crossover(p1, p2 []float64) ([]float64, []float64) {
	c1 := append([]float64(nil), p1...)
	c2 := append([]float64(nil), p2...)
	if r.rng.Float64() > r.cfg.CrossoverProb {
		return c1, c2
	}
	eta := r.cfg.CrossoverEta
	for i := range c1 {
		if r.rng.Float64() > 0.5 {
			continue
		}
		y1, y2 := math.Min(p1[i], p2[i]), math.Max(p1[i], p2[i])
		if y2-y1 < 1e-14 {
			continue
		}
		lo, hi := r.bounds.Lower[i], r.bounds.Upper[i]
		u := r.rng.Float64()

		beta := 1 + 2*(y1-lo)/(y2-y1)
		bq := betaQ(u, 2-math.Pow(beta, -(eta+1)), eta)
		ch1 := 0.5 * ((y1 + y2) - bq*(y2-y1))

		beta = 1 + 2*(hi-y2)/(y2-y1)
		bq = betaQ(u, 2-math.Pow(beta, -(eta+1)), eta)
		ch2 := 0.5 * ((y1 + y2) + bq*(y2-y1))

		ch1, ch2 = clamp(ch1, lo, hi), clamp(ch2, lo, hi)
		if r.rng.Float64() < 0.5 {
			ch1, ch2 = ch2, ch1
		}
		c1[i], c2[i] = ch1, ch2
	}
	return c1, c2
}

func betaQ(u, alpha, eta float64) float64 {
	if u <= 1/alpha {
		return math.Pow(u*alpha, 1/(eta+1))
	}
	return math.Pow(1/(2-u*alpha), 1/(eta+1))
}

// mutate applies bounded polynomial mutation in place, one variable in expectation.
func (r *runner) mutate(x []float64) {
	pm := 1 / float64(len(x))
	eta := r.cfg.MutationEta
	for i, y := range x {
		if r.rng.Float64() > pm {
			continue
		}
		lo, hi := r.bounds.Lower[i], r.bounds.Upper[i]
		if hi <= lo {
			continue
		}
		d1, d2 := (y-lo)/(hi-lo), (hi-y)/(hi-lo)
		u := r.rng.Float64()
		mp := 1 / (eta + 1)
		var dq float64
		if u < 0.5 {
			val := 2*u + (1-2*u)*math.Pow(1-d1, eta+1)
			dq = math.Pow(val, mp) - 1
		} else {
			val := 2*(1-u) + 2*(u-0.5)*math.Pow(1-d2, eta+1)
			dq = 1 - math.Pow(val, mp)
		}
		x[i] = clamp(y+dq*(hi-lo), lo, hi)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
