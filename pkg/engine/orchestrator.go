package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxWorkers is the engine-wide ceiling on concurrently running tasks
// across all deployments.
const DefaultMaxWorkers = 20

// Reasons recorded on tasks that never started.
const (
	reasonCancelled        = "deployment cancelled"
	reasonDeadlineExceeded = "deployment deadline exceeded"
)

// Orchestrator creates deployments and executes them through a bounded worker pool.
type Orchestrator struct {
	registry   Registry
	transports TransportResolver
	validator  DeploymentValidator
	events     EventSink
	metrics    MetricsRecorder
	tracer     trace.Tracer
	logger     zerolog.Logger

	// ceiling bounds running tasks across every deployment of this orchestrator
	ceiling    *semaphore.Weighted
	maxWorkers int

	partialSuccess bool
	retry          bool
	runDeadline    bool
	backoff        func(attempt int) time.Duration

	active *activeRuns
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With().Str("component", "orchestrator").Logger()
	}
}

// WithMaxWorkers sets the engine-wide worker ceiling.
func WithMaxWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxWorkers = n
		}
	}
}

// WithValidator runs v before a new deployment is stored.
func WithValidator(v DeploymentValidator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithEventSink persists every progress event.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.events = sink }
}

// WithMetrics records execution metrics.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer used for deployment and task spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithPartialSuccess reports deployments with both successes and failures as
// StatusPartialSuccess instead of StatusSuccess.
func WithPartialSuccess() Option {
	return func(o *Orchestrator) { o.partialSuccess = true }
}

// WithRetry re-dispatches tasks that failed with a transient error, up to the
// task's MaxRetries.
func WithRetry() Option {
	return func(o *Orchestrator) { o.retry = true }
}

// WithRunDeadline bounds the whole run by TimeoutSeconds per dispatch wave.
// Tasks not started when the deadline passes fail and the deployment ends in
// StatusTimeout.
func WithRunDeadline() Option {
	return func(o *Orchestrator) { o.runDeadline = true }
}

// WithBackoff overrides the retry delay function.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(o *Orchestrator) { o.backoff = fn }
}

// NewOrchestrator creates an orchestrator over registry and transports.
func NewOrchestrator(registry Registry, transports TransportResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:   registry,
		transports: transports,
		logger:     log.Logger.With().Str("component", "orchestrator").Logger(),
		tracer:     otel.Tracer("github.com/cursiveterminal/deployctl/pkg/engine"),
		maxWorkers: DefaultMaxWorkers,
		backoff:    calculateBackoff,
		active:     newActiveRuns(),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.ceiling = semaphore.NewWeighted(int64(o.maxWorkers))
	return o
}

// CreateDeployment validates spec, renders one script per target and stores
// the deployment with PENDING tasks in target order.
func (o *Orchestrator) CreateDeployment(ctx context.Context, spec DeploymentSpec) (*Deployment, error) {
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}

	targets := make([]*Target, 0, len(spec.TargetIDs))
	for _, id := range spec.TargetIDs {
		target, err := o.registry.GetTarget(ctx, id)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}

	d := &Deployment{
		ID:             uuid.New().String(),
		Name:           spec.Name,
		Description:    spec.Description,
		TargetIDs:      append([]string(nil), spec.TargetIDs...),
		Method:         spec.Method,
		ScriptTemplate: spec.ScriptTemplate,
		Variables:      spec.Variables,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
		TimeoutSeconds: spec.TimeoutSeconds,
		ParallelLimit:  spec.ParallelLimit,
		Tasks:          make([]*Task, 0, len(spec.TargetIDs)),
	}

	for _, targetID := range spec.TargetIDs {
		d.Tasks = append(d.Tasks, &Task{
			ID:           uuid.New().String(),
			TargetID:     targetID,
			DeploymentID: d.ID,
			Method:       spec.Method,
			Script:       Render(spec.ScriptTemplate, spec.Variables),
			Status:       StatusPending,
			MaxRetries:   *spec.MaxRetries,
		})
	}

	if o.validator != nil {
		if err := o.validator.ValidateDeployment(ctx, d, targets); err != nil {
			return nil, err
		}
	}

	if err := o.registry.SaveDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to save deployment: %w", err)
	}

	o.logger.Info().
		Str("deployment_id", d.ID).
		Str("name", d.Name).
		Str("method", string(d.Method)).
		Int("targets", len(d.Tasks)).
		Msg("Deployment created")

	return d, nil
}

// validateSpec checks a spec and fills in defaults.
func validateSpec(spec *DeploymentSpec) error {
	if spec.Name == "" {
		return NewPermanentError("deployment name is required", nil).WithCode(ErrCodeValidation)
	}
	if len(spec.TargetIDs) == 0 {
		return NewPermanentError("deployment requires at least one target", nil).WithCode(ErrCodeValidation)
	}
	if err := spec.Method.Validate(); err != nil {
		return NewPermanentError("unsupported deployment method", err).WithCode(ErrCodeUnsupportedMethod)
	}
	if spec.TimeoutSeconds < 0 || spec.ParallelLimit < 0 || (spec.MaxRetries != nil && *spec.MaxRetries < 0) {
		return NewPermanentError("timeout, parallel limit and max retries must not be negative", nil).
			WithCode(ErrCodeValidation)
	}

	if spec.TimeoutSeconds == 0 {
		spec.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if spec.ParallelLimit == 0 {
		spec.ParallelLimit = DefaultParallelLimit
	}
	if spec.MaxRetries == nil {
		n := DefaultMaxRetries
		spec.MaxRetries = &n
	}
	return nil
}

// execution is the per-call state of one Execute.
type execution struct {
	deployment  *Deployment
	progress    ProgressFunc
	progressMu  sync.Mutex
	timedOut    atomic.Bool
	interrupted atomic.Bool
}

// Execute runs every task of a PENDING deployment and blocks until all of them
// resolve. Per-task failures become task state; only lookup and state errors
// are returned.
func (o *Orchestrator) Execute(ctx context.Context, deploymentID string, progress ProgressFunc) (*Deployment, error) {
	// Claim the ID before reading the record so a concurrent Cancel either
	// sees this run or finishes with the pending record first.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run, ok := o.active.register(deploymentID, cancel)
	if !ok {
		return nil, NewConflictError("deployment is already running", nil).
			WithResource(deploymentID).
			WithOperation("execute")
	}
	defer o.active.remove(deploymentID)

	d, err := o.registry.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPending {
		return nil, NewConflictError(fmt.Sprintf("deployment is %s, expected pending", d.Status), nil).
			WithResource(d.ID).
			WithOperation("execute")
	}

	if o.runDeadline {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithTimeout(runCtx, runDeadline(d))
		defer cancelDeadline()
	}

	runCtx, span := o.tracer.Start(runCtx, "deployment.execute", trace.WithAttributes(
		attribute.String("deployment.id", d.ID),
		attribute.String("deployment.name", d.Name),
		attribute.String("deployment.method", string(d.Method)),
		attribute.Int("deployment.tasks", len(d.Tasks)),
	))
	defer span.End()

	startedAt := time.Now()
	d.Status = StatusRunning
	d.StartedAt = &startedAt
	run.mu.Lock()
	// A Cancel that got in first has already stored CANCELLED.
	if !run.cancelled {
		o.persist(ctx, d)
	}
	run.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordDeploymentStarted(string(d.Method))
	}

	logger := o.logger.With().Str("deployment_id", d.ID).Logger()
	logger.Info().
		Int("tasks", len(d.Tasks)).
		Int("parallel_limit", d.ParallelLimit).
		Msg("Deployment started")

	exec := &execution{deployment: d, progress: progress}
	o.dispatch(runCtx, exec)

	run.mu.Lock()
	run.finished = true
	cancelled := run.cancelled

	d.SuccessCount, d.FailureCount = countResults(d.Tasks)
	d.Status = o.finalStatus(d, cancelled || exec.interrupted.Load(), exec.timedOut.Load())
	completedAt := time.Now()
	d.CompletedAt = &completedAt
	o.persist(ctx, d)
	run.mu.Unlock()

	duration := completedAt.Sub(startedAt)
	if o.metrics != nil {
		o.metrics.RecordDeploymentCompleted(string(d.Method), string(d.Status), duration)
	}

	span.SetAttributes(
		attribute.String("deployment.status", string(d.Status)),
		attribute.Int("deployment.success_count", d.SuccessCount),
		attribute.Int("deployment.failure_count", d.FailureCount),
	)
	if d.Status == StatusFailed || d.Status == StatusTimeout {
		span.SetStatus(codes.Error, string(d.Status))
	}

	logger.Info().
		Str("status", string(d.Status)).
		Int("success", d.SuccessCount).
		Int("failed", d.FailureCount).
		Dur("duration", duration).
		Msg("Deployment finished")

	return d, nil
}

// dispatch fans the tasks out to min(ParallelLimit, len(tasks)) workers and
// waits for every one of them.
func (o *Orchestrator) dispatch(ctx context.Context, exec *execution) {
	tasks := exec.deployment.Tasks
	if len(tasks) == 0 {
		return
	}

	workerCount := exec.deployment.ParallelLimit
	if workerCount <= 0 {
		workerCount = DefaultParallelLimit
	}
	if len(tasks) < workerCount {
		workerCount = len(tasks)
	}

	workQueue := make(chan *Task, len(tasks))
	for _, task := range tasks {
		workQueue <- task
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range workQueue {
				o.runUnit(ctx, exec, task)
			}
		}()
	}

	wg.Wait()
}

// runUnit executes one task. Nothing escapes it: errors and panics become a
// FAILED task.
func (o *Orchestrator) runUnit(ctx context.Context, exec *execution, task *Task) {
	d := exec.deployment

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("deployment_id", d.ID).
				Str("task_id", task.ID).
				Interface("panic", r).
				Msg("Task panicked")
			o.failTask(exec, task, task.TargetID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		o.skipTask(exec, task, err)
		return
	}
	if err := o.ceiling.Acquire(ctx, 1); err != nil {
		o.skipTask(exec, task, err)
		return
	}
	defer o.ceiling.Release(1)

	target, lookupErr := o.registry.GetTarget(ctx, task.TargetID)
	targetName := task.TargetID
	if lookupErr == nil && target.Hostname != "" {
		targetName = target.Hostname
	}

	startedAt := time.Now()
	task.Status = StatusRunning
	task.StartedAt = &startedAt
	exec.emit(o, EventTaskStarted, task, map[string]interface{}{
		"task_id":   task.ID,
		"target":    targetName,
		"target_id": task.TargetID,
		"status":    string(StatusRunning),
	})

	if o.metrics != nil {
		o.metrics.RecordTaskStarted(string(task.Method))
	}

	if lookupErr != nil {
		o.failTask(exec, task, targetName, "Target not found")
		return
	}

	transport, err := o.transports.Resolve(task.Method)
	if err != nil {
		o.failTask(exec, task, targetName, err.Error())
		return
	}

	spanCtx, span := o.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.target", targetName),
		attribute.String("task.method", string(task.Method)),
	))
	result, execErr := o.executeWithRetry(spanCtx, transport, target, task, d.TaskTimeout())
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
	}
	span.End()

	if result != nil {
		task.Output = result.Output
		task.ExitCode = result.ExitCode
		task.Error = result.ErrorOutput
	}
	if execErr != nil {
		task.Error = execErr.Error()
	}

	if execErr == nil && task.Succeeded() {
		o.completeTask(exec, task, targetName)
		return
	}

	if task.Error == "" && task.ExitCode != nil {
		task.Error = NewScriptFailureError(*task.ExitCode).Error()
	}
	o.failTask(exec, task, targetName, task.Error)
}

// executeWithRetry calls the transport, re-dispatching transient failures when
// retries are enabled.
func (o *Orchestrator) executeWithRetry(
	ctx context.Context,
	transport Transport,
	target *Target,
	task *Task,
	timeout time.Duration,
) (*ExecResult, error) {
	// In-flight work is not interrupted by Cancel; only its own timeout applies.
	execCtx := context.WithoutCancel(ctx)

	for {
		result, err := transport.Execute(execCtx, target, task, timeout)
		if err == nil || !o.retry || !IsRetryable(err) || task.RetryCount >= task.MaxRetries {
			return result, err
		}

		delay := o.backoff(task.RetryCount)
		o.logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Int("attempt", task.RetryCount+1).
			Int("max_retries", task.MaxRetries).
			Dur("backoff", delay).
			Msg("Retrying task after transient failure")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, err
		}

		task.RetryCount++
		if o.metrics != nil {
			o.metrics.RecordTaskRetry(string(task.Method))
		}
	}
}

// skipTask resolves a task that was never dispatched.
func (o *Orchestrator) skipTask(exec *execution, task *Task, cause error) {
	reason := reasonCancelled
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = reasonDeadlineExceeded
		exec.timedOut.Store(true)
	} else {
		exec.interrupted.Store(true)
	}
	o.failTask(exec, task, task.TargetID, reason)
}

func (o *Orchestrator) completeTask(exec *execution, task *Task, targetName string) {
	completedAt := time.Now()
	task.Status = StatusSuccess
	task.CompletedAt = &completedAt

	o.recordTaskMetrics(task)
	exec.emit(o, EventTaskCompleted, task, map[string]interface{}{
		"task_id":   task.ID,
		"target":    targetName,
		"target_id": task.TargetID,
		"status":    string(StatusSuccess),
		"success":   true,
		"exit_code": *task.ExitCode,
	})
}

func (o *Orchestrator) failTask(exec *execution, task *Task, targetName, reason string) {
	completedAt := time.Now()
	task.Status = StatusFailed
	task.CompletedAt = &completedAt
	if task.Error == "" {
		task.Error = reason
	}

	data := map[string]interface{}{
		"task_id":   task.ID,
		"target":    targetName,
		"target_id": task.TargetID,
		"status":    string(StatusFailed),
		"success":   false,
		"error":     reason,
	}
	if task.ExitCode != nil {
		data["exit_code"] = *task.ExitCode
	}

	o.recordTaskMetrics(task)
	exec.emit(o, EventTaskFailed, task, data)
}

func (o *Orchestrator) recordTaskMetrics(task *Task) {
	if o.metrics == nil || task.StartedAt == nil || task.CompletedAt == nil {
		return
	}
	o.metrics.RecordTaskCompleted(string(task.Method), string(task.Status), task.CompletedAt.Sub(*task.StartedAt))
}

// emit delivers one progress event to the caller and the event sink, one at a time.
func (e *execution) emit(o *Orchestrator, event string, task *Task, data map[string]interface{}) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()

	if e.progress != nil {
		e.progress(event, data)
	}

	if o.events != nil {
		ev := &Event{
			ID:           uuid.New().String(),
			DeploymentID: e.deployment.ID,
			TaskID:       task.ID,
			Type:         event,
			Data:         data,
			Timestamp:    time.Now(),
		}
		if err := o.events.AppendEvent(context.Background(), ev); err != nil {
			o.logger.Warn().Err(err).
				Str("deployment_id", e.deployment.ID).
				Str("event", event).
				Msg("Failed to persist progress event")
		}
	}
}

// finalStatus applies the aggregation policy.
func (o *Orchestrator) finalStatus(d *Deployment, cancelled, timedOut bool) Status {
	switch {
	case cancelled:
		return StatusCancelled
	case timedOut:
		return StatusTimeout
	case d.SuccessCount == 0:
		return StatusFailed
	case o.partialSuccess && d.FailureCount > 0:
		return StatusPartialSuccess
	default:
		return StatusSuccess
	}
}

// persist saves d. A failure is logged and does not change the outcome of the run.
func (o *Orchestrator) persist(ctx context.Context, d *Deployment) {
	if err := o.registry.SaveDeployment(context.WithoutCancel(ctx), d); err != nil {
		o.logger.Error().Err(err).
			Str("deployment_id", d.ID).
			Str("status", string(d.Status)).
			Msg("Failed to persist deployment")
	}
}

// Cancel marks a deployment CANCELLED.
//
// For an executing deployment, tasks already running finish normally and tasks
// not yet started resolve FAILED without being dispatched. A PENDING deployment
// is cancelled before it ever runs: every task is FAILED and Execute will
// refuse it. Any other deployment is a conflict.
func (o *Orchestrator) Cancel(ctx context.Context, deploymentID string) error {
	run, ok := o.active.lookup(deploymentID)
	if !ok {
		return o.cancelPending(ctx, deploymentID)
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.finished {
		return NewConflictError("deployment is not active", nil).
			WithResource(deploymentID).
			WithOperation("cancel")
	}
	run.cancelled = true
	run.cancel()

	snapshot, err := o.registry.GetDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to load deployment: %w", err)
	}
	cancelRecord(snapshot)
	if err := o.registry.SaveDeployment(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save cancelled deployment: %w", err)
	}

	o.logger.Info().Str("deployment_id", deploymentID).Msg("Deployment cancelled")
	return nil
}

// cancelPending cancels a deployment that is not executing. It holds the ID in
// the active set meanwhile, so Execute cannot start it halfway through.
func (o *Orchestrator) cancelPending(ctx context.Context, deploymentID string) error {
	if _, ok := o.active.register(deploymentID, func() {}); !ok {
		// Execute claimed it since the lookup.
		return o.Cancel(ctx, deploymentID)
	}
	defer o.active.remove(deploymentID)

	d, err := o.registry.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Status != StatusPending {
		return NewConflictError(fmt.Sprintf("deployment is %s and not active", d.Status), nil).
			WithResource(deploymentID).
			WithOperation("cancel")
	}

	cancelRecord(d)
	if err := o.registry.SaveDeployment(ctx, d); err != nil {
		return fmt.Errorf("failed to save cancelled deployment: %w", err)
	}

	o.logger.Info().Str("deployment_id", deploymentID).Msg("Pending deployment cancelled")
	return nil
}

// cancelRecord marks d CANCELLED. A record that never started also has its
// tasks resolved FAILED, since no run will do it.
func cancelRecord(d *Deployment) {
	if d.Status == StatusPending {
		for _, task := range d.Tasks {
			task.Status = StatusFailed
			task.Error = reasonCancelled
		}
		d.SuccessCount, d.FailureCount = countResults(d.Tasks)
		completedAt := time.Now()
		d.CompletedAt = &completedAt
	}
	d.Status = StatusCancelled
}

// ActiveDeployments returns the IDs of deployments currently executing.
func (o *Orchestrator) ActiveDeployments() []string {
	return o.active.ids()
}

// GetDeploymentStatus returns the deployment summary and a per-task status map.
func (o *Orchestrator) GetDeploymentStatus(ctx context.Context, deploymentID string) (*DeploymentStatus, error) {
	d, err := o.registry.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return StatusOf(d), nil
}

// StatusOf builds the status view of a deployment record.
func StatusOf(d *Deployment) *DeploymentStatus {
	status := &DeploymentStatus{
		Deployment: DeploymentSummary{
			ID:           d.ID,
			Name:         d.Name,
			Status:       d.Status,
			SuccessCount: d.SuccessCount,
			FailureCount: d.FailureCount,
			TotalTasks:   len(d.Tasks),
			CreatedAt:    d.CreatedAt,
			StartedAt:    d.StartedAt,
			CompletedAt:  d.CompletedAt,
		},
		Tasks: make(map[string]*TaskSummary, len(d.Tasks)),
	}

	for _, task := range d.Tasks {
		status.Tasks[task.ID] = &TaskSummary{
			Target:      task.TargetID,
			Status:      task.Status,
			StartedAt:   task.StartedAt,
			CompletedAt: task.CompletedAt,
			ExitCode:    task.ExitCode,
			HasOutput:   task.Output != "",
			HasError:    task.Error != "",
		}
	}
	return status
}

func countResults(tasks []*Task) (success, failure int) {
	for _, task := range tasks {
		switch task.Status {
		case StatusSuccess:
			success++
		case StatusFailed:
			failure++
		}
	}
	return success, failure
}

// runDeadline is the overall budget for a run: one task timeout per wave of
// ParallelLimit tasks.
func runDeadline(d *Deployment) time.Duration {
	limit := d.ParallelLimit
	if limit <= 0 {
		limit = DefaultParallelLimit
	}
	waves := int(math.Ceil(float64(len(d.Tasks)) / float64(limit)))
	if waves < 1 {
		waves = 1
	}
	return time.Duration(waves) * d.TaskTimeout()
}

// calculateBackoff calculates exponential backoff with jitter.
func calculateBackoff(attempt int) time.Duration {
	baseDelay := 1 * time.Second

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	// Cap at 1 minute
	if delay > time.Minute {
		delay = time.Minute
	}

	// Add up to 25% jitter
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
