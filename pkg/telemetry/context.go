package telemetry

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and progress events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// OrchestratorOptions wires this telemetry into an orchestrator.
// store, when non-nil, keeps receiving events alongside in-process subscribers.
func (t *Telemetry) OrchestratorOptions(store engine.EventSink) []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(t.Logger.NewComponentLogger("orchestrator").Zerolog()),
		engine.WithTracer(t.Tracer.Trace()),
		engine.WithEventSink(TeeSink(store, t.Events)),
	}
	if t.Metrics.Enabled() {
		opts = append(opts, engine.WithMetrics(t.Metrics))
	}
	return opts
}

// Shutdown stops every component, newest first, and reports all failures.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := t.Events.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.Metrics.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.Logger.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
