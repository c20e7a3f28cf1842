// Package config loads the agent's section-struct configuration, defaults
// first then overridden by SM_NODE__<SECTION>__<FIELD> environment
// variables, the same explicit-struct-plus-env-override convention the
// reference bootstrap uses for its own flag/env precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Core holds the connection identity.
type Core struct {
	URL    string // e.g. wss://core.example.com/api/v1/ws
	Token  string
	NodeID string // empty until first run, then persisted locally
}

// Monitoring holds sampling cadence.
type Monitoring struct {
	HeartbeatInterval int // seconds, range [5, 300], default 30
	MetricsInterval   int // seconds, default 30
	DetailedMetrics   bool
}

// System holds locally-reported identity fields.
type System struct {
	Hostname         string
	ReportSystemInfo bool
}

// Logging holds the agent's own log verbosity.
type Logging struct {
	Level  string
	Pretty bool
}

// Advanced holds reconnection and command-execution tuning.
type Advanced struct {
	ReconnectIntervalSeconds int // base backoff interval, default 1
	MaxRetries               int // 0 means unlimited
	CommandTimeoutSeconds    int // default applied when a command omits one
	MetricsRetentionDays     int
}

// Config is the full agent configuration.
type Config struct {
	Core       Core
	Monitoring Monitoring
	System     System
	Logging    Logging
	Advanced   Advanced
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		Core: Core{URL: "ws://localhost:8080/api/v1/ws"},
		Monitoring: Monitoring{
			HeartbeatInterval: 30,
			MetricsInterval:   30,
			DetailedMetrics:   false,
		},
		System: System{Hostname: hostname, ReportSystemInfo: true},
		Logging: Logging{Level: "info", Pretty: false},
		Advanced: Advanced{
			ReconnectIntervalSeconds: 1,
			MaxRetries:               0,
			CommandTimeoutSeconds:    30,
			MetricsRetentionDays:     30,
		},
	}
}

// Load builds a Config starting from Default() and applying every
// SM_NODE__<SECTION>__<FIELD> environment variable present.
func Load() (Config, error) {
	cfg := Default()

	apply := map[string]func(string) error{
		"CORE__URL":      assignString(&cfg.Core.URL),
		"CORE__TOKEN":    assignString(&cfg.Core.Token),
		"CORE__NODE_ID":  assignString(&cfg.Core.NodeID),

		"MONITORING__HEARTBEAT_INTERVAL": assignInt(&cfg.Monitoring.HeartbeatInterval),
		"MONITORING__METRICS_INTERVAL":   assignInt(&cfg.Monitoring.MetricsInterval),
		"MONITORING__DETAILED_METRICS":   assignBool(&cfg.Monitoring.DetailedMetrics),

		"SYSTEM__HOSTNAME":           assignString(&cfg.System.Hostname),
		"SYSTEM__REPORT_SYSTEM_INFO": assignBool(&cfg.System.ReportSystemInfo),

		"LOGGING__LEVEL":  assignString(&cfg.Logging.Level),
		"LOGGING__PRETTY": assignBool(&cfg.Logging.Pretty),

		"ADVANCED__RECONNECT_INTERVAL":    assignInt(&cfg.Advanced.ReconnectIntervalSeconds),
		"ADVANCED__MAX_RETRIES":           assignInt(&cfg.Advanced.MaxRetries),
		"ADVANCED__COMMAND_TIMEOUT":       assignInt(&cfg.Advanced.CommandTimeoutSeconds),
		"ADVANCED__METRICS_RETENTION_DAYS": assignInt(&cfg.Advanced.MetricsRetentionDays),
	}

	const prefix = "SM_NODE__"
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		kv := strings.SplitN(env[len(prefix):], "=", 2)
		if len(kv) != 2 {
			continue
		}
		setter, ok := apply[kv[0]]
		if !ok {
			continue
		}
		if err := setter(kv[1]); err != nil {
			return Config{}, fmt.Errorf("config: %s%s: %w", prefix, kv[0], err)
		}
	}

	if cfg.Monitoring.HeartbeatInterval < 5 {
		cfg.Monitoring.HeartbeatInterval = 5
	}
	if cfg.Monitoring.HeartbeatInterval > 300 {
		cfg.Monitoring.HeartbeatInterval = 300
	}

	return cfg, nil
}

func assignString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func assignInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected integer, got %q", v)
		}
		*dst = n
		return nil
	}
}

func assignBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("expected bool, got %q", v)
		}
		*dst = b
		return nil
	}
}
