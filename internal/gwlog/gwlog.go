// Package gwlog provides the gateway's logging setup.
package gwlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level represents a configured log level.
type Level string

const (
	DebugLevel    Level = "debug"
	VerboseLevel  Level = "verbose"
	InfoLevel     Level = "info"
	WarningLevel  Level = "warning"
	ErrorLevel    Level = "error"
	CriticalLevel Level = "critical"
	QuietLevel    Level = "quiet"
)

// The three external components named in the CLI surface. Each gets its
// own prefixed child logger off the global one.
const (
	ComponentCore       = "CORE"
	ComponentSimulation = "SIMULATION"
	ComponentBackend    = "BACKEND"
)

// Logger is the process-wide logger, configured by Init.
var Logger zerolog.Logger

// Config controls how Init configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger from cfg.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case VerboseLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarningLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case CriticalLevel:
		level = zerolog.FatalLevel
	case QuietLevel:
		level = zerolog.Disabled
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
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

// Component returns a child logger prefixed with the given component name,
// e.g. CORE, SIMULATION, BACKEND.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
