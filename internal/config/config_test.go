package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_DefaultsApplyWithoutEnv(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 90, cfg.HeartbeatTimeoutSeconds)
	assert.Equal(t, 10, cfg.DispatcherWorkers)
}

func TestLoad_EnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("FLEETCORE_PORT", "9090")
	t.Setenv("FLEETCORE_LOG_PRETTY", "true")
	t.Setenv("FLEETCORE_HEARTBEAT_TIMEOUT_SECONDS", "45")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, 45, cfg.HeartbeatTimeoutSeconds)
}

func TestLoad_InvalidIntegerFallsBackToDefault(t *testing.T) {
	t.Setenv("FLEETCORE_DISPATCHER_WORKERS", "not-a-number")
	cfg := Load()
	assert.Equal(t, 10, cfg.DispatcherWorkers)
}
