// Package agent is the boundary to the decision-making agent under test.
//
// Decide is total: whatever happens on the far side of the boundary
// (transport errors, timeouts, replies that name no known token), the caller
// receives one of the four action tokens. Failures resolve to
// EMERGENCY_BRAKE, the most conservative choice.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/haricheung/adas-falsify/internal/llm"
	"github.com/haricheung/adas-falsify/internal/tasklog"
	"github.com/haricheung/adas-falsify/internal/types"
)

// Fallback is the token substituted for any failure at the agent boundary.
const Fallback = types.ActionEmergencyBrake

// Mode selects the agent implementation.
type Mode string

const (
	// ModeStub returns a fixed token without leaving the process.
	ModeStub Mode = "stub"
	// ModeLLM asks a language model through internal/llm.
	ModeLLM Mode = "llm"
)

// Agent maps a situation text to an action token.
type Agent interface {
	Decide(ctx context.Context, situation string) types.Action
}

// Generator is the text transport an LLM agent talks through.
// *llm.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, llm.Usage, error)
}

// Config is the explicit agent selection passed at construction.
type Config struct {
	Mode       Mode          `yaml:"mode" json:"mode"`
	StubAction types.Action  `yaml:"stub_action" json:"stub_action"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the deterministic stub configuration.
func DefaultConfig() Config {
	return Config{Mode: ModeStub, StubAction: types.ActionBrakeLight, Timeout: 20 * time.Second}
}

// ErrMode is returned for an unknown agent mode.
var ErrMode = errors.New("agent: unknown mode")

// New builds the agent selected by cfg. gen is only consulted in ModeLLM.
//
// Expectations:
//   - ModeStub returns a Stub answering cfg.StubAction (BRAKE_LIGHT when empty)
//   - ModeStub rejects a StubAction outside the four-token vocabulary
//   - ModeLLM requires a non-nil generator
//   - Any other mode returns ErrMode
func New(cfg Config, gen Generator) (Agent, error) {
	switch cfg.Mode {
	case ModeStub, "":
		a := cfg.StubAction
		if a == "" {
			a = types.ActionBrakeLight
		}
		if !slices.Contains(types.Actions, a) {
			return nil, fmt.Errorf("agent: stub action %q is not a known token", a)
		}
		return Stub{Action: a}, nil
	case ModeLLM:
		if gen == nil {
			return nil, errors.New("agent: llm mode needs a generator")
		}
		return NewLLM(gen, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrMode, cfg.Mode)
}

// Stub always answers with the same token.
type Stub struct {
	Action types.Action
}

func (s Stub) Decide(context.Context, string) types.Action { return s.Action }

// LLM asks a language model for each decision.
type LLM struct {
	gen     Generator
	timeout time.Duration
	log     *tasklog.RunLog
}

// NewLLM wraps gen. A non-positive timeout leaves deadlines to the caller's context.
func NewLLM(gen Generator, timeout time.Duration) *LLM {
	return &LLM{gen: gen, timeout: timeout}
}

// WithLog returns a copy of the agent that records every call to rl.
func (a *LLM) WithLog(rl *tasklog.RunLog) *LLM {
	cp := *a
	cp.log = rl
	return &cp
}

// Decide sends situation to the model and parses its reply.
//
// Expectations:
//   - Returns the parsed token when the reply names one
//   - Returns EMERGENCY_BRAKE when the transport fails or times out
//   - Returns EMERGENCY_BRAKE when the reply names no known token
//   - Never panics on an empty reply
func (a *LLM) Decide(ctx context.Context, situation string) types.Action {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	text, usage, err := a.gen.Generate(ctx, situation)
	if err != nil {
		log.Printf("[AGENT] WARNING: call failed, using %s: %v", Fallback, err)
		a.log.AgentCall(situation, "", string(Fallback), err.Error(), 0, 0, usage.ElapsedMs)
		return Fallback
	}

	action, ok := ParseAction(text)
	fallback := ""
	if !ok {
		fallback = "unparsable response"
		log.Printf("[AGENT] WARNING: no action token in reply %q, using %s", clip(text, 60), Fallback)
	}
	a.log.AgentCall(situation, text, string(action), fallback, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs)
	return action
}

// matchOrder is the priority in which tokens are searched for in a reply.
// EMERGENCY_BRAKE is tried first so a hedging reply resolves conservatively.
var matchOrder = []types.Action{
	types.ActionEmergencyBrake,
	types.ActionBrakeLight,
	types.ActionAccelerate,
	types.ActionMaintainSpeed,
}

// ParseAction extracts an action token from free text. Reasoning blocks are
// stripped, matching is case-insensitive, and spaces or hyphens are accepted
// in place of the underscore. The first token in matchOrder found wins.
//
// Expectations:
//   - Returns (token, true) for a bare token in any case
//   - Returns (token, true) when the token is embedded in surrounding text
//   - Prefers EMERGENCY_BRAKE over BRAKE_LIGHT when both appear
//   - Ignores tokens that appear only inside <think> blocks
//   - Returns (EMERGENCY_BRAKE, false) when no token is present
func ParseAction(text string) (types.Action, bool) {
	s := strings.ToUpper(llm.StripThinkBlocks(text))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	for _, a := range matchOrder {
		if strings.Contains(s, string(a)) {
			return a, true
		}
	}
	return Fallback, false
}

// clip truncates s to at most n characters, appending "…" if trimmed.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
