package scenario

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/haricheung/adas-falsify/internal/types"
)

// fixedAgent always returns the same token.
type fixedAgent types.Action

func (f fixedAgent) Decide(context.Context, string) types.Action { return types.Action(f) }

// recordingAgent returns a fixed token and keeps every situation it was shown.
type recordingAgent struct {
	action types.Action
	seen   []string
}

func (r *recordingAgent) Decide(_ context.Context, situation string) types.Action {
	r.seen = append(r.seen, situation)
	return r.action
}

func runKind(t *testing.T, kind types.Kind, x []float64, a types.Action) Trace {
	t.Helper()
	sc, err := New(kind, x)
	if err != nil {
		t.Fatalf("New(%s): %v", kind, err)
	}
	tr, err := RunTrace(context.Background(), sc, fixedAgent(a))
	if err != nil {
		t.Fatalf("RunTrace: %v", err)
	}
	return tr
}

func TestNew_UnknownKind(t *testing.T) {
	// Returns ErrUnknownKind for kinds outside the three variants
	_, err := New(types.Kind("highway_merge"), []float64{20, 50})
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestNew_WrongDimension(t *testing.T) {
	// Returns ErrDimension when len(x) != 2
	for _, x := range [][]float64{nil, {20}, {20, 50, 1}} {
		if _, err := New(types.KindPedestrian, x); !errors.Is(err, ErrDimension) {
			t.Errorf("x=%v: expected ErrDimension, got %v", x, err)
		}
	}
}

func TestNew_IndependentInstances(t *testing.T) {
	// Each call returns an independent instance with elapsed time 0
	a, _ := New(types.KindPedestrian, []float64{20, 50})
	b, _ := New(types.KindPedestrian, []float64{20, 50})
	a.Step(context.Background(), fixedAgent(types.ActionBrakeLight))
	if b.Snapshot().Steps != 0 || b.Snapshot().Elapsed != 0 {
		t.Errorf("stepping one instance affected another: %+v", b.Snapshot())
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]types.Kind{
		"pedestrian":      types.KindPedestrian,
		"Lead":            types.KindLeadVehicle,
		" static ":        types.KindStaticObstacle,
		"static_obstacle": types.KindStaticObstacle,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("roundabout"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestRunTrace_AlwaysTerminatesWithValidLabel(t *testing.T) {
	// Always terminates within MaxSteps calls to Step
	// Outcome is always one of CRASH, SAFE_STOP, TIMEOUT
	xs := [][]float64{{10, 30}, {35, 80}, {20, 50}, {0, 10}, {35, 10}, {22.5, 45}}
	for _, kind := range types.Kinds {
		for _, x := range xs {
			for _, a := range append(types.Actions, types.Action("HONK")) {
				tr := runKind(t, kind, x, a)
				if !tr.Outcome.Valid() {
					t.Errorf("%s x=%v a=%s: invalid outcome %q", kind, x, a, tr.Outcome)
				}
				if tr.Final.Steps < 1 || tr.Final.Steps > MaxSteps {
					t.Errorf("%s x=%v a=%s: steps=%d out of range", kind, x, a, tr.Final.Steps)
				}
				if !tr.Final.Finished {
					t.Errorf("%s x=%v a=%s: final state not finished", kind, x, a)
				}
				if tr.Final.EgoSpeed < 0 {
					t.Errorf("%s x=%v a=%s: negative speed %f", kind, x, a, tr.Final.EgoSpeed)
				}
			}
		}
	}
}

func TestRunTrace_NilAgent(t *testing.T) {
	// A nil agent is a programming error and yields an error, not a panic
	sc := NewPedestrian(20, 50)
	if _, err := RunTrace(context.Background(), sc, nil); err == nil {
		t.Error("expected error for nil agent")
	}
}

func TestEmergencyBrakeFromRest_SafeStop(t *testing.T) {
	for _, kind := range types.Kinds {
		tr := runKind(t, kind, []float64{0, 40}, types.ActionEmergencyBrake)
		if tr.Outcome != types.OutcomeSafeStop {
			t.Errorf("%s: expected SAFE_STOP from rest, got %s", kind, tr.Outcome)
		}
	}
}

func TestAccelerate_SmallSeparation_Crash(t *testing.T) {
	tr := runKind(t, types.KindPedestrian, []float64{35, 30}, types.ActionAccelerate)
	if tr.Outcome != types.OutcomeCrash {
		t.Fatalf("expected CRASH, got %s", tr.Outcome)
	}
	// 35 → 35.75 → 36.5 m/s covers 17.6875 + 18.0625 = 35.75 m > 30 m.
	if tr.Final.Steps != 2 {
		t.Errorf("expected crash on step 2, got step %d", tr.Final.Steps)
	}
}

// replay recomputes a single-agent trajectory with constant commanded
// acceleration, independent of the engine.
func replay(v, d, a float64) (types.Outcome, int) {
	for step := 1; step <= MaxSteps; step++ {
		vNew := math.Max(0, v+a*DT)
		d -= (v + vNew) / 2 * DT
		v = vNew
		switch {
		case d <= 0:
			return types.OutcomeCrash, step
		case v == 0:
			return types.OutcomeSafeStop, step
		case step == MaxSteps:
			return types.OutcomeTimeout, step
		}
	}
	return types.OutcomeTimeout, MaxSteps
}

func TestPedestrian_BrakeLightMatchesRecomputation(t *testing.T) {
	cases := []struct {
		v0, d0 float64
		want   types.Outcome
	}{
		// Stopping distance 20²/(2·3) ≈ 66.7 m exceeds 50 m: the pedestrian is reached at t≈3.33 s.
		{20, 50, types.OutcomeCrash},
		// Same speed with 80 m of room comes to rest at t=7.0 s.
		{20, 80, types.OutcomeSafeStop},
		{10, 30, types.OutcomeSafeStop},
	}
	for _, c := range cases {
		tr := runKind(t, types.KindPedestrian, []float64{c.v0, c.d0}, types.ActionBrakeLight)
		wantOutcome, wantSteps := replay(c.v0, c.d0, -3.0)
		if wantOutcome != c.want {
			t.Fatalf("replay(%v,%v) = %s, table says %s", c.v0, c.d0, wantOutcome, c.want)
		}
		if tr.Outcome != wantOutcome || tr.Final.Steps != wantSteps {
			t.Errorf("v0=%v d0=%v: got %s at step %d, want %s at step %d",
				c.v0, c.d0, tr.Outcome, tr.Final.Steps, wantOutcome, wantSteps)
		}
	}
}

func TestPedestrian_SafeStopAtSevenSeconds(t *testing.T) {
	tr := runKind(t, types.KindPedestrian, []float64{20, 80}, types.ActionBrakeLight)
	if tr.Outcome != types.OutcomeSafeStop {
		t.Fatalf("expected SAFE_STOP, got %s", tr.Outcome)
	}
	if tr.Final.Elapsed != 7.0 {
		t.Errorf("expected stop at 7.0s, got %v", tr.Final.Elapsed)
	}
	// 66.625 m while decelerating to 0.5 m/s, then 0.125 m on the final clamped step.
	if want := 80 - 66.75; math.Abs(tr.Final.Separation-want) > 1e-9 {
		t.Errorf("separation = %v, want %v", tr.Final.Separation, want)
	}
}

func TestUnknownToken_MaintainsSpeed(t *testing.T) {
	for _, kind := range []types.Kind{types.KindPedestrian, types.KindStaticObstacle} {
		sc, _ := New(kind, []float64{10, 200})
		sc.Step(context.Background(), fixedAgent("PANIC"))
		s := sc.Snapshot()
		if s.EgoSpeed != 10 {
			t.Errorf("%s: unknown token changed speed to %v", kind, s.EgoSpeed)
		}
		if s.Separation != 195 {
			t.Errorf("%s: separation = %v, want 195", kind, s.Separation)
		}
	}
}

func TestMaintainSpeed_Timeout(t *testing.T) {
	tr := runKind(t, types.KindStaticObstacle, []float64{10, 200}, types.ActionMaintainSpeed)
	if tr.Outcome != types.OutcomeTimeout {
		t.Fatalf("expected TIMEOUT, got %s", tr.Outcome)
	}
	if tr.Final.Steps != MaxSteps || tr.Final.Elapsed != Horizon {
		t.Errorf("expected horizon at step %d (%.1fs), got step %d (%.1fs)",
			MaxSteps, Horizon, tr.Final.Steps, tr.Final.Elapsed)
	}
}

func TestStaticObstacle_EmergencyBrakeIsSteeper(t *testing.T) {
	ped := NewPedestrian(20, 100)
	obs := NewStaticObstacle(20, 100)
	ped.advance(types.ActionEmergencyBrake)
	obs.advance(types.ActionEmergencyBrake)
	if ped.speed != 16.5 {
		t.Errorf("pedestrian emergency brake: speed %v, want 16.5", ped.speed)
	}
	if obs.speed != 16.0 {
		t.Errorf("obstacle emergency brake: speed %v, want 16.0", obs.speed)
	}
}

func TestCrashTakesPriorityOverSafeStop(t *testing.T) {
	// 2 m/s with 0.25 m left: emergency braking stops the car after 0.5 m, past the pedestrian.
	p := NewPedestrian(2, 0.25)
	p.advance(types.ActionEmergencyBrake)
	if p.speed != 0 {
		t.Fatalf("expected full stop, speed=%v", p.speed)
	}
	if p.outcome != types.OutcomeCrash {
		t.Errorf("expected CRASH to win over SAFE_STOP, got %s", p.outcome)
	}
}

func TestStep_AfterFinishedIsIdempotent(t *testing.T) {
	sc := NewPedestrian(0, 10)
	done, first := sc.Step(context.Background(), fixedAgent(types.ActionBrakeLight))
	if !done {
		t.Fatal("expected immediate safe stop from rest")
	}
	agent := &recordingAgent{action: types.ActionAccelerate}
	done, again := sc.Step(context.Background(), agent)
	if !done || again != first {
		t.Errorf("second Step = (%v, %s), want (true, %s)", done, again, first)
	}
	if len(agent.seen) != 0 {
		t.Error("agent consulted after scenario finished")
	}
	if sc.Snapshot().Steps != 1 {
		t.Errorf("state advanced after finish: steps=%d", sc.Snapshot().Steps)
	}
}

func TestLeadVehicle_BrakingWindowClosedForm(t *testing.T) {
	// Ego holds 20 m/s; lead starts at 18 m/s and loses 1 m/s per step for
	// steps starting at t=1.0, 1.5 and 2.0 only.
	const v0, h0 = 20.0, 40.0
	l := NewLeadVehicle(v0, h0)
	lead := v0 * 0.9
	gap := h0
	for step := 0; step < MaxSteps; step++ {
		t0 := float64(step) * DT
		if t0 >= 1.0 && t0 <= 2.0 {
			lead -= 2.0 * DT
		}
		gap += lead*DT - v0*DT

		done, outcome := l.Step(context.Background(), fixedAgent(types.ActionMaintainSpeed))
		s := l.Snapshot()
		if s.LeadSpeed != lead {
			t.Fatalf("step %d (t0=%.1f): lead speed %v, want %v", step+1, t0, s.LeadSpeed, lead)
		}
		if math.Abs(s.Separation-gap) > 1e-9 {
			t.Fatalf("step %d: gap %v, want %v", step+1, s.Separation, gap)
		}
		if done {
			if step+1 != MaxSteps || outcome != types.OutcomeTimeout {
				t.Fatalf("unexpected termination at step %d with %s", step+1, outcome)
			}
		}
	}
	if lead != 15 {
		t.Errorf("lead should settle at 15 m/s after the window, got %v", lead)
	}
	if math.Abs(gap-4.5) > 1e-9 {
		t.Errorf("final gap %v, want 4.5", gap)
	}
}

func TestLeadAccel_ZeroOutsideWindow(t *testing.T) {
	for _, tt := range []float64{0, 0.5, 0.99, 2.01, 2.5, 7.5} {
		if a := leadAccel(tt); a != 0 {
			t.Errorf("leadAccel(%v) = %v, want 0", tt, a)
		}
	}
	for _, tt := range []float64{1.0, 1.5, 2.0} {
		if a := leadAccel(tt); a != -2.0 {
			t.Errorf("leadAccel(%v) = %v, want -2", tt, a)
		}
	}
}

func TestSituation_FormatsTwoDecimalsAndTokens(t *testing.T) {
	agent := &recordingAgent{action: types.ActionBrakeLight}
	for _, sc := range []Scenario{NewPedestrian(12.345, 50), NewLeadVehicle(12.345, 50), NewStaticObstacle(12.345, 50)} {
		agent.seen = nil
		sc.Step(context.Background(), agent)
		if len(agent.seen) != 1 {
			t.Fatalf("%s: expected one agent call, got %d", sc.Kind(), len(agent.seen))
		}
		text := agent.seen[0]
		if !strings.Contains(text, "12.35 m/s") && !strings.Contains(text, "12.34 m/s") {
			t.Errorf("%s: speed not formatted to two decimals:\n%s", sc.Kind(), text)
		}
		if !strings.Contains(text, "50.00 m") {
			t.Errorf("%s: separation not formatted to two decimals:\n%s", sc.Kind(), text)
		}
		for _, a := range types.Actions {
			if !strings.Contains(text, string(a)) {
				t.Errorf("%s: situation missing token %s", sc.Kind(), a)
			}
		}
	}
}
