package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsApplyWithoutEnv(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Monitoring.HeartbeatInterval)
	assert.Equal(t, 0, cfg.Advanced.MaxRetries)
}

func TestLoad_EnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("SM_NODE__CORE__URL", "wss://core.internal/api/v1/ws")
	t.Setenv("SM_NODE__CORE__TOKEN", "secret-token")
	t.Setenv("SM_NODE__MONITORING__HEARTBEAT_INTERVAL", "45")
	t.Setenv("SM_NODE__MONITORING__DETAILED_METRICS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://core.internal/api/v1/ws", cfg.Core.URL)
	assert.Equal(t, "secret-token", cfg.Core.Token)
	assert.Equal(t, 45, cfg.Monitoring.HeartbeatInterval)
	assert.True(t, cfg.Monitoring.DetailedMetrics)
}

func TestLoad_HeartbeatIntervalClampedToRange(t *testing.T) {
	t.Setenv("SM_NODE__MONITORING__HEARTBEAT_INTERVAL", "1")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Monitoring.HeartbeatInterval)

	t.Setenv("SM_NODE__MONITORING__HEARTBEAT_INTERVAL", "999")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Monitoring.HeartbeatInterval)
}

func TestLoad_InvalidIntegerReturnsError(t *testing.T) {
	t.Setenv("SM_NODE__MONITORING__HEARTBEAT_INTERVAL", "not-a-number")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_UnrecognizedKeyIgnored(t *testing.T) {
	t.Setenv("SM_NODE__UNKNOWN__FIELD", "value")
	_, err := Load()
	assert.NoError(t, err)
}

func TestLoad_IgnoresUnrelatedEnvVars(t *testing.T) {
	t.Setenv("UNRELATED_VAR", "value")
	_, err := Load()
	require.NoError(t, err)
	_ = os.Environ()
}
