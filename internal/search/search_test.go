package search

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"

	"github.com/haricheung/adas-falsify/internal/agent"
	"github.com/haricheung/adas-falsify/internal/bus"
	"github.com/haricheung/adas-falsify/internal/objective"
	"github.com/haricheung/adas-falsify/internal/types"
)

// bowl is a deterministic problem with its minimum at (30, 40).
type bowl struct {
	mu     sync.Mutex
	calls  int
	failAt int // fail on this Evaluate call (1-based); 0 never
	seen   [][]float64
}

func (b *bowl) Kind() types.Kind { return types.KindPedestrian }

func (b *bowl) Bounds() types.Bounds {
	return types.Bounds{Lower: []float64{10, 30}, Upper: []float64{35, 80}}
}

func (b *bowl) Evaluate(ctx context.Context, X [][]float64) ([]types.Evaluation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failAt == b.calls {
		return nil, errors.New("boom")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]types.Evaluation, len(X))
	for i, x := range X {
		b.seen = append(b.seen, slices.Clone(x))
		f := (x[0]-30)*(x[0]-30) + (x[1]-40)*(x[1]-40) - 50
		out[i] = types.Evaluation{Scenario: b.Kind(), X: slices.Clone(x), Objective: f}
	}
	return out, nil
}

// drain returns the buffered messages of type t (all types when t is empty).
func drain(ch <-chan types.Message, t types.MessageType) []types.Message {
	var out []types.Message
	for len(ch) > 0 {
		msg := <-ch
		if t == "" || msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// --- Run ---

func TestRun_EvaluationCount(t *testing.T) {
	// Performs exactly PopSize × Generations evaluations on success
	p := &bowl{}
	res, err := Run(context.Background(), p, DefaultConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.History) != 6*8 || len(p.seen) != 6*8 {
		t.Errorf("history = %d, seen = %d, want 48", len(res.History), len(p.seen))
	}
	if res.Generations != 8 || res.Status != "completed" {
		t.Errorf("generations = %d status = %q", res.Generations, res.Status)
	}
	if len(res.Front) == 0 {
		t.Error("empty front")
	}
}

func TestRun_CandidatesInsideBounds(t *testing.T) {
	// Every proposed candidate lies inside p.Bounds()
	p := &bowl{}
	cfg := DefaultConfig()
	cfg.PopSize, cfg.Generations = 20, 15
	if _, err := Run(context.Background(), p, cfg); err != nil {
		t.Fatal(err)
	}
	b := p.Bounds()
	for _, x := range p.seen {
		if !b.Contains(x) {
			t.Fatalf("candidate %v outside %v..%v", x, b.Lower, b.Upper)
		}
	}
}

func TestRun_SameSeedSameHistory(t *testing.T) {
	// Same seed and deterministic objective produce identical History
	r1, err := Run(context.Background(), &bowl{}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	r2, err := Run(context.Background(), &bowl{}, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	for i := range r1.History {
		if !slices.Equal(r1.History[i].X, r2.History[i].X) {
			t.Fatalf("history[%d]: %v vs %v", i, r1.History[i].X, r2.History[i].X)
		}
	}

	cfg := DefaultConfig()
	cfg.Seed = 2
	r3, err := Run(context.Background(), &bowl{}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if slices.Equal(r1.History[0].X, r3.History[0].X) {
		t.Error("different seeds produced the same first candidate")
	}
}

func TestRun_BestNeverWorsens(t *testing.T) {
	// Best objective in the population never increases between generations
	b := bus.New()
	cfg := DefaultConfig()
	cfg.Generations = 20
	if _, err := Run(context.Background(), &bowl{}, cfg, WithBus(b), WithRunID("run-x")); err != nil {
		t.Fatal(err)
	}
	prev := math.Inf(1)
	n := 0
	for _, msg := range drain(b.Tap(), types.MsgGenerationDone) {
		g := msg.Payload.(types.GenerationDone)
		if g.RunID != "run-x" {
			t.Errorf("run id = %q", g.RunID)
		}
		if g.BestF > prev {
			t.Errorf("gen %d best %v worse than %v", g.Generation, g.BestF, prev)
		}
		prev = g.BestF
		n++
	}
	if n != 20 {
		t.Errorf("generation messages = %d, want 20", n)
	}
}

func TestRun_PublishesRunBeginAndEnd(t *testing.T) {
	b := bus.New()
	res, err := Run(context.Background(), &bowl{}, DefaultConfig(), WithBus(b))
	if err != nil {
		t.Fatal(err)
	}
	msgs := drain(b.Tap(), "")
	begin, end := msgs[0], msgs[len(msgs)-1]
	if begin.Type != types.MsgRunBegin || end.Type != types.MsgRunEnd {
		t.Fatalf("first = %s last = %s", begin.Type, end.Type)
	}
	// RunBegin + 48 candidates + 8 generations + RunEnd
	if len(msgs) != 58 {
		t.Errorf("published %d messages, want 58", len(msgs))
	}
	e := end.Payload.(types.RunEnd)
	if e.RunID != res.RunID || e.Status != "completed" || len(e.Front) != len(res.Front) {
		t.Errorf("run end = %+v", e)
	}
}

func TestRun_EvaluationErrorReturnsPartial(t *testing.T) {
	// Returns the partial Result and the error when an evaluation fails or ctx is cancelled
	p := &bowl{failAt: 3}
	res, err := Run(context.Background(), p, DefaultConfig())
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Status != "failed" || res.Generations != 2 || len(res.History) != 12 {
		t.Errorf("status = %q generations = %d history = %d", res.Status, res.Generations, len(res.History))
	}
	if len(res.Front) == 0 {
		t.Error("partial run should still report the surviving front")
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Run(ctx, &bowl{}, DefaultConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Status != "cancelled" {
		t.Errorf("status = %q", res.Status)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	for _, mut := range []func(*Config){
		func(c *Config) { c.PopSize = 1 },
		func(c *Config) { c.Generations = 0 },
		func(c *Config) { c.CrossoverProb = 1.5 },
		func(c *Config) { c.MutationEta = 0 },
	} {
		cfg := DefaultConfig()
		mut(&cfg)
		if _, err := Run(context.Background(), &bowl{}, cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}

func TestRun_WithObjectiveProblem(t *testing.T) {
	ocfg := objective.DefaultConfig()
	ocfg.Traces = 2
	p, err := objective.NewProblem(types.KindLeadVehicle, agent.Stub{Action: types.ActionBrakeLight}, ocfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.PopSize, cfg.Generations = 4, 2
	res, err := Run(context.Background(), p, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.History) != 8 {
		t.Errorf("history = %d, want 8", len(res.History))
	}
	for _, ev := range res.History {
		if ev.Counts.Total() != 2 {
			t.Errorf("counts = %+v, want 2 traces", ev.Counts)
		}
	}
}

// --- pareto ---

func TestDominates(t *testing.T) {
	cases := []struct {
		a, b []float64
		want bool
	}{
		{[]float64{1, 1}, []float64{2, 2}, true},
		{[]float64{1, 2}, []float64{2, 2}, true},
		{[]float64{2, 2}, []float64{2, 2}, false},
		{[]float64{1, 3}, []float64{2, 2}, false},
		{[]float64{-1}, []float64{0}, true},
	}
	for _, c := range cases {
		if got := dominates(c.a, c.b); got != c.want {
			t.Errorf("dominates(%v, %v) = %v", c.a, c.b, got)
		}
	}
}

func TestNonDominatedSort_Fronts(t *testing.T) {
	F := [][]float64{
		{1, 5}, // 0: front 0
		{2, 2}, // 1: front 0
		{5, 1}, // 2: front 0
		{3, 3}, // 3: dominated by 1
		{4, 4}, // 4: dominated by 1, 3
	}
	fronts := nonDominatedSort(F)
	want := [][]int{{0, 1, 2}, {3}, {4}}
	if len(fronts) != len(want) {
		t.Fatalf("fronts = %v", fronts)
	}
	for i := range want {
		if !slices.Equal(fronts[i], want[i]) {
			t.Errorf("front %d = %v, want %v", i, fronts[i], want[i])
		}
	}
}

func TestCrowdingDistance_BoundariesInfinite(t *testing.T) {
	F := [][]float64{{0, 4}, {1, 2}, {2, 1}, {4, 0}}
	d := crowdingDistance(F, []int{0, 1, 2, 3})
	if !math.IsInf(d[0], 1) || !math.IsInf(d[3], 1) {
		t.Errorf("boundary distances = %v", d)
	}
	// Interior points: 2/4 + 3/4 on each, split across the two objectives.
	if math.Abs(d[1]-1.25) > 1e-12 || math.Abs(d[2]-1.25) > 1e-12 {
		t.Errorf("interior distances = %v", d)
	}
}

func TestNonDominated_SingleObjective(t *testing.T) {
	// With a single objective returns every evaluation sharing the minimum
	// Never returns two evaluations with the same X
	evals := []types.Evaluation{
		{X: []float64{1, 1}, Objective: 0.3},
		{X: []float64{2, 2}, Objective: -0.1},
		{X: []float64{3, 3}, Objective: -0.1},
		{X: []float64{2, 2}, Objective: -0.1},
		{X: []float64{4, 4}, Objective: 0.2},
	}
	got := NonDominated(evals)
	if len(got) != 2 || got[0].X[0] != 2 || got[1].X[0] != 3 {
		t.Errorf("front = %+v", got)
	}
}

func TestNonDominated_Empty(t *testing.T) {
	// Returns nil for empty input
	if NonDominated(nil) != nil {
		t.Error("expected nil")
	}
}

func TestSurvive_KeepsBest(t *testing.T) {
	merged := []types.Evaluation{
		{X: []float64{0}, Objective: 3},
		{X: []float64{1}, Objective: 1},
		{X: []float64{2}, Objective: 2},
		{X: []float64{3}, Objective: 0},
	}
	got := survive(merged, 2)
	if len(got) != 2 || got[0].Objective != 0 || got[1].Objective != 1 {
		t.Errorf("survivors = %+v", got)
	}
}
