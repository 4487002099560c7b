package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components derive children
// from it through the With* helpers so every line names its origin.
var Logger zerolog.Logger

// Level names a verbosity threshold in config files.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// zerolog maps the config name onto zerolog's scale. Unknown names
// fall back to info rather than failing startup.
func (l Level) zerolog() zerolog.Level {
	switch Level(strings.ToLower(string(l))) {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // defaults to stdout
}

// Init builds the root logger. Called once at startup and again on
// config reload; the level applies globally, so existing child loggers
// pick it up too.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent tags a child logger with the emitting component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithOrchestration tags a child logger with one run's id.
func WithOrchestration(orchestrationID string) zerolog.Logger {
	return Logger.With().Str("orchestration_id", orchestrationID).Logger()
}

// WithStage tags a child logger with a stage and the run that owns it.
func WithStage(orchestrationID, stageID string) zerolog.Logger {
	return Logger.With().
		Str("orchestration_id", orchestrationID).
		Str("stage_id", stageID).
		Logger()
}
