package engine

import (
	"context"
	"time"
)

// Registry is the store of targets and deployment records the orchestrator reads and writes.
// Lookups return snapshots; the orchestrator does not expect concurrent writers during a run.
type Registry interface {
	// GetTarget returns the target or a not-found error.
	GetTarget(ctx context.Context, id string) (*Target, error)

	// GetDeployment returns the deployment with its tasks or a not-found error.
	GetDeployment(ctx context.Context, id string) (*Deployment, error)

	// SaveDeployment creates or overwrites the deployment keyed by its ID.
	SaveDeployment(ctx context.Context, d *Deployment) error
}

// Transport runs a rendered script against one target.
type Transport interface {
	// Execute runs task.Script on target and waits up to timeout.
	// A non-zero exit is reported through ExecResult.ExitCode, not as an error.
	// Errors are connection, transfer or timeout failures; a timed out run may
	// still return a partial result alongside the error.
	Execute(ctx context.Context, target *Target, task *Task, timeout time.Duration) (*ExecResult, error)
}

// TransportResolver selects the transport for a method.
type TransportResolver interface {
	Resolve(method Method) (Transport, error)
}

// ProgressFunc receives lifecycle events during execution.
// It is invoked synchronously and never concurrently for one deployment.
type ProgressFunc func(event string, data map[string]interface{})

// EventSink persists progress events. Failures are logged and otherwise ignored.
type EventSink interface {
	AppendEvent(ctx context.Context, event *Event) error
}

// DeploymentValidator vets a deployment before it is stored.
type DeploymentValidator interface {
	ValidateDeployment(ctx context.Context, d *Deployment, targets []*Target) error
}

// MetricsRecorder receives execution measurements.
type MetricsRecorder interface {
	RecordDeploymentStarted(method string)
	RecordDeploymentCompleted(method, status string, duration time.Duration)
	RecordTaskStarted(method string)
	RecordTaskCompleted(method, status string, duration time.Duration)
	RecordTaskRetry(method string)
}
