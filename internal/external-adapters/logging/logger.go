// Package logging adapts zerolog to the domain Logger interface.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochairo/wheelaudit/internal/domain/interfaces"
)

// Config contains logger configuration.
type Config struct {
	// Level sets the logging level (debug, info, warn, error).
	Level string
	// Pretty enables human-readable console output with colors.
	Pretty bool
	// Output sets the output writer (defaults to os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Pretty: true,
		Output: os.Stderr,
	}
}

// New creates a new zerolog logger with the given configuration.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	// reports go to stdout, so diagnostics default to stderr
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// Adapter implements interfaces.Logger on top of zerolog
type Adapter struct {
	logger zerolog.Logger
}

var _ interfaces.Logger = (*Adapter)(nil)

// NewAdapter wraps a zerolog logger
func NewAdapter(logger zerolog.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// NewWithComponent creates a domain logger tagged with a component field
func NewWithComponent(cfg Config, component string) *Adapter {
	return NewAdapter(New(cfg).With().Str("component", component).Logger())
}

// Debug logs at debug level
func (a *Adapter) Debug(msg string, fields ...interfaces.Field) {
	emit(a.logger.Debug(), msg, fields)
}

// Info logs at info level
func (a *Adapter) Info(msg string, fields ...interfaces.Field) {
	emit(a.logger.Info(), msg, fields)
}

// Warn logs at warn level
func (a *Adapter) Warn(msg string, fields ...interfaces.Field) {
	emit(a.logger.Warn(), msg, fields)
}

// Error logs at error level
func (a *Adapter) Error(msg string, fields ...interfaces.Field) {
	emit(a.logger.Error(), msg, fields)
}

func emit(event *zerolog.Event, msg string, fields []interfaces.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			if f.Key == "error" {
				event = event.Err(v)
			} else {
				event = event.AnErr(f.Key, v)
			}
		case string:
			event = event.Str(f.Key, v)
		case []string:
			event = event.Strs(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
