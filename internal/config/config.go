// Package config loads the core process's environment-driven
// configuration, the same os.Getenv-with-default idiom the reference
// bootstrap uses inline, factored into a typed struct so cmd/core and its
// tests share one loader.
package config

import (
	"os"
	"strconv"
)

// Config is the full core configuration.
type Config struct {
	// Port is the HTTP listen port serving both the REST facade and the
	// WebSocket endpoints.
	Port string

	// StorePath is the SQLite database file, or ":memory:" for ephemeral
	// runs.
	StorePath string

	// SecretPath is where the shared bearer secret is generated/persisted
	// on first run.
	SecretPath string

	// RedisURL enables the snapshot cache's cross-replica mirror when set.
	RedisURL string

	LogLevel  string
	LogPretty bool

	// HeartbeatTimeoutSeconds is how long a node may go without a
	// heartbeat before the offline sweep marks it offline.
	HeartbeatTimeoutSeconds int

	// DispatcherWorkers/DispatcherQueueSize tune the command worker pool.
	DispatcherWorkers   int
	DispatcherQueueSize int

	// MetricsRetentionDays bounds how long node_metrics rows are kept by
	// the periodic prune sweep; 0 disables pruning.
	MetricsRetentionDays int
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		Port:                    "8080",
		StorePath:               "./fleetcore.db",
		SecretPath:              "./fleetcore.secret",
		RedisURL:                "",
		LogLevel:                "info",
		LogPretty:               false,
		HeartbeatTimeoutSeconds: 90,
		DispatcherWorkers:       10,
		DispatcherQueueSize:     1000,
		MetricsRetentionDays:    30,
	}
}

// Load builds a Config starting from Default() and applying any of the
// recognized environment variables present.
func Load() Config {
	cfg := Default()
	cfg.Port = getEnv("FLEETCORE_PORT", cfg.Port)
	cfg.StorePath = getEnv("FLEETCORE_STORE_PATH", cfg.StorePath)
	cfg.SecretPath = getEnv("FLEETCORE_SECRET_PATH", cfg.SecretPath)
	cfg.RedisURL = getEnv("FLEETCORE_REDIS_URL", cfg.RedisURL)
	cfg.LogLevel = getEnv("FLEETCORE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnv("FLEETCORE_LOG_PRETTY", "false") == "true"
	cfg.HeartbeatTimeoutSeconds = getEnvInt("FLEETCORE_HEARTBEAT_TIMEOUT_SECONDS", cfg.HeartbeatTimeoutSeconds)
	cfg.DispatcherWorkers = getEnvInt("FLEETCORE_DISPATCHER_WORKERS", cfg.DispatcherWorkers)
	cfg.DispatcherQueueSize = getEnvInt("FLEETCORE_DISPATCHER_QUEUE_SIZE", cfg.DispatcherQueueSize)
	cfg.MetricsRetentionDays = getEnvInt("FLEETCORE_METRICS_RETENTION_DAYS", cfg.MetricsRetentionDays)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
