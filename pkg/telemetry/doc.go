// Package telemetry provides the observability plumbing for deployctl.
//
// It bundles structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an in-process fan-out of deployment progress events.
//
// # Usage
//
// Build telemetry once at startup and hand it to the orchestrator:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	orch := engine.NewOrchestrator(store, router, tel.OrchestratorOptions(store)...)
//
// # Logging
//
// Loggers carry deployment fields as structured context:
//
//	logger := tel.Logger.NewComponentLogger("cli").WithDeploymentID(id)
//	logger.Info("Deployment started")
//
// Logs go to stderr by default so that command output on stdout can be piped.
//
// # Tracing
//
// The orchestrator opens a "deployment.execute" span per run and a
// "task.execute" span per target. Exporters: otlp (gRPC), stdout, none.
// With tracing disabled spans are no-ops.
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder. Exposed series, under the
// configured namespace:
//
//	deployments_started_total{method}
//	deployments_completed_total{method,status}
//	deployment_duration_seconds{method,status}
//	active_deployments
//	tasks_started_total{method}
//	tasks_completed_total{method,status}
//	task_duration_seconds{method}
//	task_retries_total{method}
//	active_tasks
//
// StartMetricsServer serves them over HTTP for the duration of a run.
//
// # Events
//
// EventPublisher implements engine.EventSink and delivers each progress
// event to subscribers, optionally from a buffered goroutine. TeeSink
// combines it with the persistent store so events are both recorded and
// streamed.
package telemetry
