// Package log builds the zerolog.Logger values the rest of the tree threads
// through explicitly. There is no package-level logger: every component
// takes its Logger as a constructor argument, so two harness runs in the
// same process never contend over global state.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity, as read from the run config.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how New builds a logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// New builds a logger from cfg. Output defaults to os.Stdout.
func New(cfg Config) zerolog.Logger {
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

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagging every event with component.
// Every package that needs a logger calls this on the logger handed to its
// constructor rather than reaching for a global.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithRunID tags a child logger with the run's id.
func WithRunID(base zerolog.Logger, runID string) zerolog.Logger {
	return base.With().Str("run_id", runID).Logger()
}

// WithStage tags a child logger with a stage id.
func WithStage(base zerolog.Logger, stageID uint32) zerolog.Logger {
	return base.With().Uint32("stage_id", stageID).Logger()
}

// WithWorker tags a child logger with a worker id.
func WithWorker(base zerolog.Logger, workerID string) zerolog.Logger {
	return base.With().Str("worker_id", workerID).Logger()
}
