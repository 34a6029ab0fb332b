package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// Metrics records deployment and task measurements in Prometheus.
// It implements engine.MetricsRecorder. A disabled instance is a no-op.
type Metrics struct {
	config MetricsConfig

	deploymentsStarted   *prometheus.CounterVec
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec
	activeDeployments    prometheus.Gauge

	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	taskRetries   *prometheus.CounterVec
	activeTasks   prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled() {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deployments started",
			},
			[]string{"method"},
		),
		deploymentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of deployments that reached a terminal status",
			},
			[]string{"method", "status"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Wall-clock duration of deployment execution in seconds",
				Buckets:   buckets,
			},
			[]string{"method", "status"},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Current number of executing deployments",
			},
		),

		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Total number of tasks dispatched to a transport",
			},
			[]string{"method"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks finished, by status",
			},
			[]string{"method", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of a task on its target in seconds",
				Buckets:   buckets,
			},
			[]string{"method"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of task retries after transient errors",
			},
			[]string{"method"},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Current number of tasks running on targets",
			},
		),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.activeDeployments,
		m.tasksStarted,
		m.tasksFinished,
		m.taskDuration,
		m.taskRetries,
		m.activeTasks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Enabled reports whether measurements are recorded.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordDeploymentStarted counts a deployment entering RUNNING.
func (m *Metrics) RecordDeploymentStarted(method string) {
	if m.registry == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(method).Inc()
	m.activeDeployments.Inc()
}

// RecordDeploymentCompleted records a terminal deployment with its duration.
func (m *Metrics) RecordDeploymentCompleted(method, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.deploymentsCompleted.WithLabelValues(method, status).Inc()
	m.deploymentDuration.WithLabelValues(method, status).Observe(duration.Seconds())
	m.activeDeployments.Dec()
}

// RecordTaskStarted counts a task handed to its transport.
func (m *Metrics) RecordTaskStarted(method string) {
	if m.registry == nil {
		return
	}
	m.tasksStarted.WithLabelValues(method).Inc()
	m.activeTasks.Inc()
}

// RecordTaskCompleted records a finished task.
func (m *Metrics) RecordTaskCompleted(method, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.tasksFinished.WithLabelValues(method, status).Inc()
	m.taskDuration.WithLabelValues(method).Observe(duration.Seconds())
	m.activeTasks.Dec()
}

// RecordTaskRetry counts a retry of a task after a transient failure.
func (m *Metrics) RecordTaskRetry(method string) {
	if m.registry == nil {
		return
	}
	m.taskRetries.WithLabelValues(method).Inc()
}

// Registry exposes the underlying registry; nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer binds the listen address and serves metrics in the
// background. The bound address is returned so ":0" can be used.
func (m *Metrics) StartMetricsServer() (string, error) {
	if m.registry == nil {
		return "", nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return "", err
	}

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	return ln.Addr().String(), nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
