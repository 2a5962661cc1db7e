// Package config loads the agent's Options surface from AGENT_CONFIG (a
// YAML file) with AGENT_* environment overrides, validated once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Options is the configuration surface the core reads at startup. Keys
// mirror the CLI/host configuration surface: loop bounds, planner cadence,
// vision/validation toggles, wait/compaction tuning, replay persistence.
type Options struct {
	MaxSteps              int  `mapstructure:"max_steps"`
	MaxActionsPerStep     int  `mapstructure:"max_actions_per_step"`
	MaxFailures           int  `mapstructure:"max_failures"`
	MaxValidatorFailures  int  `mapstructure:"max_validator_failures"`
	PlanningInterval      int  `mapstructure:"planning_interval"`
	UseVision             bool `mapstructure:"use_vision"`
	ValidateOutput        bool `mapstructure:"validate_output"`
	MinWaitPageLoadMs     int  `mapstructure:"min_wait_page_load_ms"`
	MaxInputTokens        int  `mapstructure:"max_input_tokens"`
	ReplayHistoricalTasks bool `mapstructure:"replay_historical_tasks"`
}

// Defaults matches SPEC_FULL.md's Configuration surface defaults.
func Defaults() Options {
	return Options{
		MaxSteps:              50,
		MaxActionsPerStep:     10,
		MaxFailures:           3,
		MaxValidatorFailures:  3,
		PlanningInterval:      5,
		UseVision:             false,
		ValidateOutput:        false,
		MinWaitPageLoadMs:     500,
		MaxInputTokens:        8000,
		ReplayHistoricalTasks: false,
	}
}

const envConfigPath = "AGENT_CONFIG"

// Load reads AGENT_CONFIG (or ./agent.yaml if present), layers AGENT_* env
// overrides on top, and validates the result. A missing ./agent.yaml is not
// an error — defaults plus env overrides still apply, matching the
// "config is optional, env always wins" idiom used across the retrieved
// pack's viper-based loaders. A path named by AGENT_CONFIG that cannot be
// read is an error.
func Load() (Options, error) {
	opts := Defaults()

	cfgPath := strings.TrimSpace(os.Getenv(envConfigPath))
	if cfgPath == "" {
		if _, err := os.Stat("agent.yaml"); err == nil {
			cfgPath = "agent.yaml"
		}
	}

	if cfgPath != "" {
		v := viper.New()
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		if err := v.Unmarshal(&opts); err != nil {
			return Options{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(&opts)

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func applyEnvOverrides(o *Options) {
	if v := envInt("AGENT_MAX_STEPS"); v != nil {
		o.MaxSteps = *v
	}
	if v := envInt("AGENT_MAX_ACTIONS_PER_STEP"); v != nil {
		o.MaxActionsPerStep = *v
	}
	if v := envInt("AGENT_MAX_FAILURES"); v != nil {
		o.MaxFailures = *v
	}
	if v := envInt("AGENT_MAX_VALIDATOR_FAILURES"); v != nil {
		o.MaxValidatorFailures = *v
	}
	if v := envInt("AGENT_PLANNING_INTERVAL"); v != nil {
		o.PlanningInterval = *v
	}
	if v := os.Getenv("AGENT_USE_VISION"); v != "" {
		o.UseVision = parseBool(v)
	}
	if v := os.Getenv("AGENT_VALIDATE_OUTPUT"); v != "" {
		o.ValidateOutput = parseBool(v)
	}
	if v := envInt("AGENT_MIN_WAIT_PAGE_LOAD_MS"); v != nil {
		o.MinWaitPageLoadMs = *v
	}
	if v := envInt("AGENT_MAX_INPUT_TOKENS"); v != nil {
		o.MaxInputTokens = *v
	}
	if v := os.Getenv("AGENT_REPLAY_HISTORICAL_TASKS"); v != "" {
		o.ReplayHistoricalTasks = parseBool(v)
	}
}

func envInt(name string) *int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return false
	}
}

// Validate rejects configurations that are structurally nonsensical rather
// than reinterpreting them silently. planningInterval=0 is the case named in
// SPEC_FULL.md §9: it is ambiguous between "plan every step" and "plan only
// at step 0", so it is rejected here instead of guessed.
func (o Options) Validate() error {
	if o.MaxSteps <= 0 {
		return fmt.Errorf("config: max_steps must be > 0, got %d", o.MaxSteps)
	}
	if o.MaxActionsPerStep <= 0 {
		return fmt.Errorf("config: max_actions_per_step must be > 0, got %d", o.MaxActionsPerStep)
	}
	if o.MaxFailures <= 0 {
		return fmt.Errorf("config: max_failures must be > 0, got %d", o.MaxFailures)
	}
	if o.MaxValidatorFailures <= 0 {
		return fmt.Errorf("config: max_validator_failures must be > 0, got %d", o.MaxValidatorFailures)
	}
	if o.PlanningInterval == 0 {
		return fmt.Errorf("config: planning_interval=0 is rejected (ambiguous between \"plan every step\" and \"plan only at step 0\"); set it to a positive step count")
	}
	if o.PlanningInterval < 0 {
		return fmt.Errorf("config: planning_interval must be >= 1, got %d", o.PlanningInterval)
	}
	if o.MaxInputTokens < 0 {
		return fmt.Errorf("config: max_input_tokens must be >= 0, got %d", o.MaxInputTokens)
	}
	return nil
}
