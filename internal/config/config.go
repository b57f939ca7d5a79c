// Package config assembles the campaign configuration: built-in defaults,
// then FALSIFY_* environment variables, then an optional YAML campaign file.
// Agent transport settings (AGENT_* / OPENAI_*) are read by llm.NewTier and
// are not part of this struct.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haricheung/adas-falsify/internal/agent"
	"github.com/haricheung/adas-falsify/internal/llm"
	"github.com/haricheung/adas-falsify/internal/objective"
	"github.com/haricheung/adas-falsify/internal/scenario"
	"github.com/haricheung/adas-falsify/internal/search"
	"github.com/haricheung/adas-falsify/internal/types"
)

// Config is the full campaign configuration.
type Config struct {
	Agent     agent.Config     `yaml:"agent" json:"agent"`
	Objective objective.Config `yaml:"objective" json:"objective"`
	Search    search.Config    `yaml:"search" json:"search"`
	// Scenarios names the variants to run, in order. Empty means all three.
	Scenarios []string `yaml:"scenarios" json:"scenarios,omitempty"`
	DBPath    string   `yaml:"db_path" json:"db_path"`
	LogDir    string   `yaml:"log_dir" json:"log_dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	cache := filepath.Join(home, ".cache", "falsify")
	return Config{
		Agent:     agent.DefaultConfig(),
		Objective: objective.DefaultConfig(),
		Search:    search.DefaultConfig(),
		DBPath:    filepath.Join(cache, "runs.db"),
		LogDir:    filepath.Join(cache, "runs"),
	}
}

// Load builds the configuration. path names a YAML campaign file; when empty,
// FALSIFY_CONFIG is consulted, and when that is empty too no file is read.
//
// Expectations:
//   - Without env or file returns Default()
//   - FALSIFY_* variables override defaults
//   - Fields present in the file override env; absent fields keep their value
//   - Unknown YAML keys are an error
//   - Unparsable env values are an error naming the variable
//   - The result is validated
func Load(path string) (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if path == "" {
		path = os.Getenv("FALSIFY_CONFIG")
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.LogDir = expandHome(cfg.LogDir)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// envReader collects parse failures so every bad variable is reported at once.
type envReader struct {
	bad []string
}

func (r *envReader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (r *envReader) int(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.bad = append(r.bad, key+"="+v)
			return
		}
		*dst = n
	}
}

func (r *envReader) uint64(key string, dst *uint64) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			r.bad = append(r.bad, key+"="+v)
			return
		}
		*dst = n
	}
}

func (r *envReader) float(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.bad = append(r.bad, key+"="+v)
			return
		}
		*dst = f
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.bad = append(r.bad, key+"="+v)
			return
		}
		*dst = d
	}
}

func (c *Config) applyEnv() error {
	var r envReader
	var mode, stub string
	r.str("FALSIFY_AGENT_MODE", &mode)
	r.str("FALSIFY_STUB_ACTION", &stub)
	if mode != "" {
		c.Agent.Mode = agent.Mode(strings.ToLower(mode))
	}
	if stub != "" {
		c.Agent.StubAction = types.Action(strings.ToUpper(stub))
	}
	r.duration("FALSIFY_AGENT_TIMEOUT", &c.Agent.Timeout)

	r.int("FALSIFY_TRACES", &c.Objective.Traces)
	r.float("FALSIFY_CONFIDENCE", &c.Objective.Confidence)
	r.float("FALSIFY_MAX_CRASH_PROB", &c.Objective.MaxCrashProb)
	r.int("FALSIFY_CONCURRENCY", &c.Objective.Concurrency)

	r.int("FALSIFY_POP_SIZE", &c.Search.PopSize)
	r.int("FALSIFY_GENERATIONS", &c.Search.Generations)
	r.uint64("FALSIFY_SEED", &c.Search.Seed)

	var scenarios string
	r.str("FALSIFY_SCENARIOS", &scenarios)
	if scenarios != "" {
		c.Scenarios = strings.FieldsFunc(scenarios, func(ch rune) bool { return ch == ',' || ch == ' ' })
	}
	r.str("FALSIFY_DB", &c.DBPath)
	r.str("FALSIFY_LOG_DIR", &c.LogDir)

	if len(r.bad) > 0 {
		return fmt.Errorf("config: unparsable environment: %s", strings.Join(r.bad, ", "))
	}
	return nil
}

// Validate checks every section and reports all problems together.
//
// Expectations:
//   - Rejects traces < 1, confidence outside (0,1), pop < 2, generations < 1
//   - Rejects an unknown agent mode or stub action
//   - Rejects unknown scenario names
func (c Config) Validate() error {
	var errs []error
	if err := c.Objective.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Search.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := agent.New(c.Agent, noGenerator{}); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Kinds(); err != nil {
		errs = append(errs, err)
	}
	if c.Agent.Timeout < 0 {
		errs = append(errs, fmt.Errorf("config: negative agent timeout %v", c.Agent.Timeout))
	}
	return errors.Join(errs...)
}

// Kinds resolves Scenarios to variant kinds, defaulting to all of them.
func (c Config) Kinds() ([]types.Kind, error) {
	if len(c.Scenarios) == 0 {
		return append([]types.Kind(nil), types.Kinds...), nil
	}
	var kinds []types.Kind
	for _, name := range c.Scenarios {
		if strings.EqualFold(name, "all") {
			return append([]types.Kind(nil), types.Kinds...), nil
		}
		k, err := scenario.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// noGenerator lets Validate exercise agent.New without a transport.
type noGenerator struct{}

func (noGenerator) Generate(context.Context, string) (string, llm.Usage, error) {
	return "", llm.Usage{}, errors.New("config: no generator")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
