// Package logger provides the structured logging surface of the framework,
// backed by zerolog, with optional daily file rotation for long-running
// servers.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger is the logging interface every framework component receives by
// injection. Implementations must be safe for concurrent use from the event
// loop and all workers.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a derived Logger that includes the given fields in all
	// subsequent entries. The receiver is unchanged.
	With(fields ...Field) Logger

	// Close releases resources held by the logger, such as file handles.
	// Safe to call more than once.
	Close() error
}

type zerologLogger struct {
	logger         zerolog.Logger
	fileWriter     *DailyFileWriter
	ownsFileWriter bool
}

// New wraps the given zerolog.Logger, stamping every entry with the service
// name and a timestamp and filtering by level. Nothing is written to disk.
func New(l zerolog.Logger, service string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", service).Timestamp().Logger().Level(level),
	}
}

// NewConsole builds a Logger writing human-readable lines to stderr. This is
// what the example servers use interactively.
func NewConsole(service string, level zerolog.Level) Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr}
	return New(zerolog.New(w), service, level)
}

// NewFile builds a Logger that writes JSON lines to stdout and to
// daily-rotated files named {service}_{date}.log inside logDir. The
// directory is created when missing.
func NewFile(service, logDir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	fw, err := NewDailyFileWriter(service, logDir)
	if err != nil {
		return nil, fmt.Errorf("create file writer: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, fw)
	return &zerologLogger{
		logger:         zerolog.New(multi).With().Str("service", service).Timestamp().Logger().Level(level),
		fileWriter:     fw,
		ownsFileWriter: true,
	}, nil
}

// Nop returns a Logger that discards everything. Used by tests and as the
// fallback when a component is constructed without a logger.
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger:     z.logger.With().Fields(toMap(fields)).Logger(),
		fileWriter: z.fileWriter,
	}
}

func (z *zerologLogger) Close() error {
	if z.fileWriter != nil && z.ownsFileWriter {
		return z.fileWriter.Close()
	}
	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}
