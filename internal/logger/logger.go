// Package logger configures the process-wide zerolog logger and hands out
// component-scoped child loggers.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger with the requested level and format.
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
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "wsgateway").Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// Get returns the global logger.
func Get() *zerolog.Logger {
	return &Log
}

// Node returns a logger scoped to the node manager.
func Node() *zerolog.Logger {
	l := Log.With().Str("component", "node").Logger()
	return &l
}

// Router returns a logger scoped to the message router.
func Router() *zerolog.Logger {
	l := Log.With().Str("component", "router").Logger()
	return &l
}

// KVPS returns a logger scoped to the KVPS adapter.
func KVPS() *zerolog.Logger {
	l := Log.With().Str("component", "kvps").Logger()
	return &l
}

// Ingress returns a logger scoped to the ingress dispatcher.
func Ingress() *zerolog.Logger {
	l := Log.With().Str("component", "ingress").Logger()
	return &l
}

// Service returns a logger scoped to a named fan-out service.
func Service(name string) *zerolog.Logger {
	l := Log.With().Str("component", "service").Str("service", name).Logger()
	return &l
}

// Registry returns a logger scoped to the connection registry.
func Registry() *zerolog.Logger {
	l := Log.With().Str("component", "registry").Logger()
	return &l
}
