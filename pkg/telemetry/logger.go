package telemetry

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is a zerolog.Logger that knows deployctl's field names.
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

// NewLogger opens cfg.Output and builds a logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	switch cfg.Output {
	case "", "stderr":
		return NewLoggerTo(os.Stderr, cfg)
	case "stdout":
		return NewLoggerTo(os.Stdout, cfg)
	}

	file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	// No colour escapes in files.
	cfg.Format = "json"
	l, err := NewLoggerTo(file, cfg)
	if err != nil {
		file.Close()
		return nil, err
	}
	l.closer = file
	return l, nil
}

// NewLoggerTo builds a logger writing to w.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) (*Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return &Logger{zlog: ctx.Logger()}, nil
}

// Zerolog returns the underlying logger for packages that take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger tags entries with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

func (l *Logger) WithDeploymentID(id string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("deployment_id", id) })
}

func (l *Logger) WithTaskID(id string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("task_id", id) })
}

func (l *Logger) WithTarget(id, hostname string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("target_id", id).Str("hostname", hostname)
	})
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
