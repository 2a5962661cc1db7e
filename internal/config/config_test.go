package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearAgentEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AGENT_CONFIG", "AGENT_MAX_STEPS", "AGENT_MAX_ACTIONS_PER_STEP",
		"AGENT_MAX_FAILURES", "AGENT_MAX_VALIDATOR_FAILURES", "AGENT_PLANNING_INTERVAL",
		"AGENT_USE_VISION", "AGENT_VALIDATE_OUTPUT", "AGENT_MIN_WAIT_PAGE_LOAD_MS",
		"AGENT_MAX_INPUT_TOKENS", "AGENT_REPLAY_HISTORICAL_TASKS",
	} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAgentEnv(t)
	opts, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), opts)
}

func TestLoadRejectsZeroPlanningInterval(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv("AGENT_PLANNING_INTERVAL", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planning_interval=0")
}

func TestEnvOverridesWinOverDefaults(t *testing.T) {
	clearAgentEnv(t)
	t.Setenv("AGENT_MAX_STEPS", "77")
	t.Setenv("AGENT_USE_VISION", "true")
	opts, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 77, opts.MaxSteps)
	assert.True(t, opts.UseVision)
}

func TestValidateRejectsNonPositiveMaxSteps(t *testing.T) {
	opts := Defaults()
	opts.MaxSteps = 0
	err := opts.Validate()
	require.Error(t, err)
}
