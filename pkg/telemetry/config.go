package telemetry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Config is the observability setup of one deployctl invocation.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `validate:"omitempty,oneof=trace debug info warn error"`
	Format string `validate:"omitempty,oneof=console json"`

	// Output is "stderr", "stdout" or a file path. Empty means stderr.
	Output string

	// Caller adds file:line to every entry.
	Caller bool
}

// TracingConfig selects the span exporter. With Exporter "none" spans are
// no-ops and nothing is installed globally.
type TracingConfig struct {
	Exporter string `validate:"oneof=none stdout otlp"`
	Endpoint string `validate:"required_if=Exporter otlp"`
	Insecure bool
	Headers  map[string]string

	// SampleRatio is the fraction of root spans kept.
	SampleRatio float64 `validate:"gte=0,lte=1"`
}

// Enabled reports whether spans are recorded.
func (c TracingConfig) Enabled() bool {
	return c.Exporter != "" && c.Exporter != "none"
}

// MetricsConfig configures the Prometheus endpoint. Metrics are collected
// only when Addr is set.
type MetricsConfig struct {
	Addr      string
	Path      string    `validate:"omitempty,startswith=/"`
	Namespace string    `validate:"omitempty,alphanum"`
	Buckets   []float64 `validate:"dive,gt=0"`
}

// Enabled reports whether measurements are recorded.
func (c MetricsConfig) Enabled() bool {
	return c.Addr != ""
}

// EventsConfig configures progress event fan-out.
type EventsConfig struct {
	// Async delivers events from a goroutine through a queue of QueueSize.
	Async     bool
	QueueSize int `validate:"required_if=Async true,gte=0"`
}

// DefaultConfig is what every command starts from: console logs on stderr
// so stdout stays parseable, no tracing, no metrics endpoint, and events
// delivered synchronously.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "deployctl",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			Insecure:    true,
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "deployctl",
			// Script runs take seconds to minutes.
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		Events: EventsConfig{QueueSize: 256},
	}
}

var configValidator = validator.New()

// Validate checks the configuration and names every offending field.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s=%v fails %s=%s", field, fe.Value(), fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(problems, "; "))
}
