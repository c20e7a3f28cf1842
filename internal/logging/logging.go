// Package logging configures the process-wide structured logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Most components derive a scoped
// logger from it via the helpers below; the core bootstrap and the auth
// package write to it directly.
var Log zerolog.Logger

// Initialize configures the global logger. pretty selects a human-readable
// console writer (development); otherwise records are emitted as JSON lines.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	Log = log.With().Str("service", "fleetcore").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

func scoped(component string) *zerolog.Logger {
	l := Log.With().Str("component", component).Logger()
	return &l
}

// Registry returns the session registry's scoped logger.
func Registry() *zerolog.Logger { return scoped("registry") }

// Dispatcher returns the command dispatcher's scoped logger.
func Dispatcher() *zerolog.Logger { return scoped("dispatcher") }

// Heartbeat returns the heartbeat monitor's scoped logger.
func Heartbeat() *zerolog.Logger { return scoped("heartbeat") }

// Broadcaster returns the observer broadcaster's scoped logger.
func Broadcaster() *zerolog.Logger { return scoped("broadcaster") }

// Metrics returns the metrics ingester's scoped logger.
func Metrics() *zerolog.Logger { return scoped("metrics") }

// Store returns the store layer's scoped logger.
func Store() *zerolog.Logger { return scoped("store") }

// HTTP returns the REST facade's scoped logger.
func HTTP() *zerolog.Logger { return scoped("http") }

// Agent returns the agent-side driver's scoped logger.
func Agent() *zerolog.Logger { return scoped("agent") }
