// Package scenario implements the simplified longitudinal driving scenarios
// that are stepped to a terminal safety outcome.
//
// Every variant shares one stepping protocol at a fixed time increment:
//  1. render a situation text from the current state
//  2. ask the decision agent for an action token
//  3. map the token to a commanded acceleration through the variant's table
//     (unknown tokens command zero acceleration)
//  4. integrate with trapezoidal displacement and a zero velocity floor
//  5. update the separation to the hazard
//  6. classify: collision, then safe stop, then timeout
//
// A Scenario value is owned by exactly one trace. Nothing here is safe for
// concurrent use and nothing needs to be: traces never share instances.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haricheung/adas-falsify/internal/types"
)

const (
	// DT is the fixed integration step in seconds.
	DT = 0.5
	// Horizon is the maximum simulated time in seconds.
	Horizon = 8.0
	// MaxSteps is the step budget implied by Horizon and DT.
	MaxSteps = 16
)

// ErrUnknownKind is returned when a scenario kind is not one of the three variants.
var ErrUnknownKind = errors.New("scenario: unknown kind")

// ErrDimension is returned when a parameter vector does not have exactly two entries.
var ErrDimension = errors.New("scenario: parameter vector must have 2 entries")

// Agent is the decision capability a scenario consults once per step.
// Implementations must always return a token; failures are absorbed inside.
type Agent interface {
	Decide(ctx context.Context, situation string) types.Action
}

// State is a read-only snapshot of a scenario's continuous state.
type State struct {
	Elapsed    float64 `json:"elapsed"`
	Steps      int     `json:"steps"`
	EgoSpeed   float64 `json:"ego_speed"`
	LeadSpeed  float64 `json:"lead_speed,omitempty"`
	Separation float64 `json:"separation"`
	Finished   bool    `json:"finished"`
}

// Scenario is one steppable variant.
type Scenario interface {
	Kind() types.Kind
	// Situation renders the text handed to the decision agent.
	Situation() string
	// Step advances one DT. Once finished, further calls return the recorded outcome.
	Step(ctx context.Context, agent Agent) (bool, types.Outcome)
	Snapshot() State
}

// accelTable maps action tokens to commanded ego acceleration (m/s²).
type accelTable map[types.Action]float64

// lookup returns the commanded acceleration for a. Unrecognised tokens maintain speed.
func (t accelTable) lookup(a types.Action) float64 {
	if v, ok := t[a]; ok {
		return v
	}
	return 0
}

// New builds a fresh scenario of the given kind from a two-entry parameter
// vector (initial ego speed, initial separation).
//
// Expectations:
//   - Returns ErrUnknownKind for kinds outside the three variants
//   - Returns ErrDimension when len(x) != 2
//   - Each call returns an independent instance with elapsed time 0
func New(kind types.Kind, x []float64) (Scenario, error) {
	if len(x) != 2 {
		return nil, fmt.Errorf("%w: got %d", ErrDimension, len(x))
	}
	switch kind {
	case types.KindPedestrian:
		return NewPedestrian(x[0], x[1]), nil
	case types.KindLeadVehicle:
		return NewLeadVehicle(x[0], x[1]), nil
	case types.KindStaticObstacle:
		return NewStaticObstacle(x[0], x[1]), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// ParseKind resolves a user-facing name ("pedestrian", "lead", "static", ...) to a Kind.
func ParseKind(name string) (types.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pedestrian", "ped", "pedestrian_crossing":
		return types.KindPedestrian, nil
	case "lead", "lead_vehicle", "lead_vehicle_braking":
		return types.KindLeadVehicle, nil
	case "static", "obstacle", "static_obstacle":
		return types.KindStaticObstacle, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// integrate applies acceleration a for one step and returns the new speed
// (floored at zero) and the trapezoidal displacement.
func integrate(v, a float64) (vNew, dist float64) {
	vNew = max(0, v+a*DT)
	dist = (v + vNew) / 2 * DT
	return vNew, dist
}

// classify evaluates termination in priority order.
// The empty outcome means the trace continues.
func classify(separation, egoSpeed float64, steps int) types.Outcome {
	if separation <= 0 {
		return types.OutcomeCrash
	}
	if egoSpeed == 0 {
		return types.OutcomeSafeStop
	}
	if steps >= MaxSteps {
		return types.OutcomeTimeout
	}
	return ""
}

// Trace is the result of running one scenario to termination.
type Trace struct {
	Kind    types.Kind    `json:"kind"`
	Outcome types.Outcome `json:"outcome"`
	Final   State         `json:"final"`
}

// RunTrace steps sc until it terminates and returns the outcome.
//
// Expectations:
//   - Always terminates within MaxSteps calls to Step
//   - Outcome is always one of CRASH, SAFE_STOP, TIMEOUT
//   - A nil agent is a programming error and yields an error, not a panic
func RunTrace(ctx context.Context, sc Scenario, agent Agent) (Trace, error) {
	if agent == nil {
		return Trace{}, errors.New("scenario: nil agent")
	}
	for i := 0; i < MaxSteps; i++ {
		if done, outcome := sc.Step(ctx, agent); done {
			return Trace{Kind: sc.Kind(), Outcome: outcome, Final: sc.Snapshot()}, nil
		}
	}
	// Unreachable: classify forces TIMEOUT at MaxSteps.
	return Trace{Kind: sc.Kind(), Outcome: types.OutcomeTimeout, Final: sc.Snapshot()}, nil
}

func actionList() string {
	names := make([]string, len(types.Actions))
	for i, a := range types.Actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
