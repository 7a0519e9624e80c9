// Package log configures the process-wide structured logger.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance.
	Logger zerolog.Logger
)

// Level represents a logging verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRepo tags a child logger with the source repository URL.
func WithRepo(repoURL string) zerolog.Logger {
	return Logger.With().Str("repo", repoURL).Logger()
}

// WithDestination tags a child logger with the destination remote URL.
func WithDestination(destinationURL string) zerolog.Logger {
	return Logger.With().Str("destination", destinationURL).Logger()
}

// WithPushID tags a child logger with a Pulse push identifier.
func WithPushID(pushID int64) zerolog.Logger {
	return Logger.With().Int64("push_id", pushID).Logger()
}

// WithTraceID tags a child logger with a correlation id that follows one
// push event from decode through the final ref push.
func WithTraceID(traceID string) zerolog.Logger {
	return Logger.With().Str("trace_id", traceID).Logger()
}

func init() {
	// Sensible defaults so packages that log before main() calls Init
	// (e.g. in tests) don't panic on a zero-value Logger.
	Init(Config{Level: InfoLevel})
}
