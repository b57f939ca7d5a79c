package types

import "time"

// Outcome is the terminal safety label of one trace.
type Outcome string

const (
	OutcomeCrash    Outcome = "CRASH"
	OutcomeSafeStop Outcome = "SAFE_STOP"
	OutcomeTimeout  Outcome = "TIMEOUT"
)

// Outcomes is the fixed outcome alphabet in canonical order.
var Outcomes = []Outcome{OutcomeCrash, OutcomeSafeStop, OutcomeTimeout}

// Valid reports whether o is one of the three terminal labels.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCrash, OutcomeSafeStop, OutcomeTimeout:
		return true
	}
	return false
}

// Action is a discrete longitudinal command emitted by the decision agent.
type Action string

const (
	ActionAccelerate     Action = "ACCELERATE"
	ActionMaintainSpeed  Action = "MAINTAIN_SPEED"
	ActionBrakeLight     Action = "BRAKE_LIGHT"
	ActionEmergencyBrake Action = "EMERGENCY_BRAKE"
)

// Actions is the agent vocabulary in the order it is listed to the agent.
var Actions = []Action{ActionAccelerate, ActionMaintainSpeed, ActionBrakeLight, ActionEmergencyBrake}

// Kind identifies a scenario variant.
type Kind string

const (
	KindPedestrian     Kind = "pedestrian"
	KindLeadVehicle    Kind = "lead_vehicle"
	KindStaticObstacle Kind = "static_obstacle"
)

// Kinds lists every scenario variant in run order.
var Kinds = []Kind{KindPedestrian, KindLeadVehicle, KindStaticObstacle}

// Label returns the human-readable scenario name.
func (k Kind) Label() string {
	switch k {
	case KindPedestrian:
		return "Pedestrian Crossing"
	case KindLeadVehicle:
		return "Lead Vehicle Braking"
	case KindStaticObstacle:
		return "Static Obstacle"
	}
	return string(k)
}

// Bounds holds inclusive box constraints, one entry per candidate dimension.
type Bounds struct {
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`
	Names []string  `json:"names,omitempty"`
}

// Dim returns the number of candidate dimensions.
func (b Bounds) Dim() int { return len(b.Lower) }

// Contains reports whether x lies inside the box (inclusive).
// NaN coordinates are never inside.
func (b Bounds) Contains(x []float64) bool {
	if len(x) != len(b.Lower) || len(x) != len(b.Upper) {
		return false
	}
	for i, v := range x {
		if !(v >= b.Lower[i] && v <= b.Upper[i]) {
			return false
		}
	}
	return true
}

// OutcomeCounts is the label multiset of one candidate evaluation.
type OutcomeCounts struct {
	Crash    int `json:"crash"`
	SafeStop int `json:"safe_stop"`
	Timeout  int `json:"timeout"`
}

// Add increments the counter for o. Unknown labels are ignored.
func (c *OutcomeCounts) Add(o Outcome) {
	switch o {
	case OutcomeCrash:
		c.Crash++
	case OutcomeSafeStop:
		c.SafeStop++
	case OutcomeTimeout:
		c.Timeout++
	}
}

// Total returns the number of counted traces.
func (c OutcomeCounts) Total() int { return c.Crash + c.SafeStop + c.Timeout }

// Evaluation is the full record of one candidate vector evaluation.
type Evaluation struct {
	ID         string        `json:"id"`
	Scenario   Kind          `json:"scenario"`
	Generation int           `json:"generation,omitempty"`
	X          []float64     `json:"x"`
	Outcomes   []Outcome     `json:"outcomes"`
	Counts     OutcomeCounts `json:"counts"`
	Posterior  []float64     `json:"posterior"`
	CILower    float64       `json:"ci_lower"`
	CIUpper    float64       `json:"ci_upper"`
	Objective  float64       `json:"objective"`
	ElapsedMs  int64         `json:"elapsed_ms"`
}

// Violates reports whether the conservative crash estimate meets or exceeds the tolerance.
func (e Evaluation) Violates() bool { return e.Objective <= 0 }

// Role identifiers for bus senders and receivers.
type Role string

const (
	RoleUser      Role = "User"
	RoleSearch    Role = "search"
	RoleObjective Role = "objective"
	RoleDisplay   Role = "display"
)

// MessageType identifies the payload type of a bus message
type MessageType string

const (
	MsgRunBegin           MessageType = "RunBegin"
	MsgCandidateEvaluated MessageType = "CandidateEvaluated"
	MsgGenerationDone     MessageType = "GenerationDone"
	MsgRunEnd             MessageType = "RunEnd"
)

// Message is the envelope for all progress events on the bus
type Message struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	From      Role        `json:"from"`
	To        Role        `json:"to"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
}

// RunBegin announces a search run for one scenario.
type RunBegin struct {
	RunID       string `json:"run_id"`
	Scenario    Kind   `json:"scenario"`
	PopSize     int    `json:"pop_size"`
	Generations int    `json:"generations"`
}

// GenerationDone summarises one completed generation.
type GenerationDone struct {
	RunID      string  `json:"run_id"`
	Scenario   Kind    `json:"scenario"`
	Generation int     `json:"generation"`
	Evaluated  int     `json:"evaluated"`
	BestF      float64 `json:"best_f"`
	MeanF      float64 `json:"mean_f"`
	Violations int     `json:"violations"`
}

// RunEnd carries the final non-dominated set of a run.
type RunEnd struct {
	RunID     string       `json:"run_id"`
	Scenario  Kind         `json:"scenario"`
	Front     []Evaluation `json:"front"`
	ElapsedMs int64        `json:"elapsed_ms"`
	Status    string       `json:"status"` // "completed" | "cancelled" | "failed"
}
