package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Mock transport for testing
type mockTransport struct {
	mu        sync.Mutex
	delay     time.Duration
	exitCodes map[string]int
	errs      map[string][]error
	panics    map[string]bool
	release   chan struct{}
	calls     map[string]int

	running    int32
	maxRunning int32
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		exitCodes: make(map[string]int),
		errs:      make(map[string][]error),
		panics:    make(map[string]bool),
		calls:     make(map[string]int),
	}
}

func (m *mockTransport) Execute(ctx context.Context, target *Target, task *Task, timeout time.Duration) (*ExecResult, error) {
	n := atomic.AddInt32(&m.running, 1)
	defer atomic.AddInt32(&m.running, -1)
	for {
		cur := atomic.LoadInt32(&m.maxRunning)
		if n <= cur || atomic.CompareAndSwapInt32(&m.maxRunning, cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls[target.ID]++
	var err error
	if queued := m.errs[target.ID]; len(queued) > 0 {
		err = queued[0]
		m.errs[target.ID] = queued[1:]
	}
	code := m.exitCodes[target.ID]
	shouldPanic := m.panics[target.ID]
	release := m.release
	m.mu.Unlock()

	if shouldPanic {
		panic("transport exploded")
	}
	if release != nil {
		<-release
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		Output:   "ran on " + target.Hostname,
		ExitCode: &code,
	}, nil
}

func (m *mockTransport) callCount(targetID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[targetID]
}

type mockResolver struct {
	transport Transport
}

func (r *mockResolver) Resolve(method Method) (Transport, error) {
	if method == MethodPowerShell {
		return nil, NewPermanentError("unsupported deployment method", nil).WithCode(ErrCodeUnsupportedMethod)
	}
	return r.transport, nil
}

// recordingProgress records events and fails the test on concurrent delivery.
type recordingProgress struct {
	mu       sync.Mutex
	inFlight int32
	events   []string
	data     []map[string]interface{}
	overlap  bool
	onEvent  func(event string, data map[string]interface{})
}

func (r *recordingProgress) callback(event string, data map[string]interface{}) {
	if atomic.AddInt32(&r.inFlight, 1) > 1 {
		r.overlap = true
	}
	defer atomic.AddInt32(&r.inFlight, -1)

	r.mu.Lock()
	r.events = append(r.events, event)
	r.data = append(r.data, data)
	hook := r.onEvent
	r.mu.Unlock()

	if hook != nil {
		hook(event, data)
	}
}

func (r *recordingProgress) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func setupRegistry(t *testing.T, n int) (*MemoryRegistry, []string) {
	t.Helper()
	registry := NewMemoryRegistry()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t%d", i+1)
		err := registry.AddTarget(context.Background(), &Target{
			ID:       id,
			Hostname: fmt.Sprintf("host-%d", i+1),
			Address:  "127.0.0.1",
		})
		if err != nil {
			t.Fatalf("AddTarget failed: %v", err)
		}
		ids = append(ids, id)
	}
	return registry, ids
}

func createDeployment(t *testing.T, o *Orchestrator, ids []string, parallel int) *Deployment {
	t.Helper()
	d, err := o.CreateDeployment(context.Background(), DeploymentSpec{
		Name:           "test",
		TargetIDs:      ids,
		Method:         MethodSSH,
		ScriptTemplate: "echo ${msg}",
		Variables:      map[string]interface{}{"msg": "hi"},
		ParallelLimit:  parallel,
		TimeoutSeconds: 5,
	})
	if err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}
	return d
}

func TestCreateDeployment_TasksFollowTargetOrder(t *testing.T) {
	registry, _ := setupRegistry(t, 4)
	o := NewOrchestrator(registry, &mockResolver{transport: newMockTransport()})

	ids := []string{"t3", "t1", "t4", "t2"}
	d := createDeployment(t, o, ids, 0)

	if len(d.Tasks) != len(ids) {
		t.Fatalf("Expected %d tasks, got %d", len(ids), len(d.Tasks))
	}
	for i, task := range d.Tasks {
		if task.TargetID != ids[i] {
			t.Errorf("Task %d: expected target %s, got %s", i, ids[i], task.TargetID)
		}
		if task.DeploymentID != d.ID {
			t.Errorf("Task %d: deployment ID mismatch", i)
		}
		if task.Status != StatusPending {
			t.Errorf("Task %d: expected pending, got %s", i, task.Status)
		}
		if task.Script != "echo hi" {
			t.Errorf("Task %d: expected rendered script, got %q", i, task.Script)
		}
		if task.MaxRetries != DefaultMaxRetries {
			t.Errorf("Task %d: expected max retries %d, got %d", i, DefaultMaxRetries, task.MaxRetries)
		}
	}

	if d.Status != StatusPending {
		t.Errorf("Expected pending deployment, got %s", d.Status)
	}
	if d.ParallelLimit != DefaultParallelLimit {
		t.Errorf("Expected default parallel limit, got %d", d.ParallelLimit)
	}

	stored, err := registry.GetDeployment(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("Deployment not saved: %v", err)
	}
	if len(stored.Tasks) != len(ids) {
		t.Errorf("Stored deployment has %d tasks", len(stored.Tasks))
	}
}

func TestCreateDeployment_Validation(t *testing.T) {
	registry, ids := setupRegistry(t, 1)
	o := NewOrchestrator(registry, &mockResolver{transport: newMockTransport()})

	tests := []struct {
		name string
		spec DeploymentSpec
		code string
	}{
		{"missing name", DeploymentSpec{TargetIDs: ids, Method: MethodSSH}, ErrCodeValidation},
		{"no targets", DeploymentSpec{Name: "x", Method: MethodSSH}, ErrCodeValidation},
		{"bad method", DeploymentSpec{Name: "x", TargetIDs: ids, Method: "telnet"}, ErrCodeUnsupportedMethod},
		{"negative limit", DeploymentSpec{Name: "x", TargetIDs: ids, Method: MethodSSH, ParallelLimit: -1}, ErrCodeValidation},
		{"unknown target", DeploymentSpec{Name: "x", TargetIDs: []string{"nope"}, Method: MethodSSH}, ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.CreateDeployment(context.Background(), tt.spec)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			var engineErr *EngineError
			if !errors.As(err, &engineErr) {
				t.Fatalf("Expected EngineError, got %T", err)
			}
			if engineErr.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, engineErr.Code)
			}
		})
	}
}

type rejectAll struct{}

func (rejectAll) ValidateDeployment(ctx context.Context, d *Deployment, targets []*Target) error {
	return NewPermanentError("denied by policy", nil).WithCode(ErrCodePolicyDenied)
}

func TestCreateDeployment_ValidatorRejects(t *testing.T) {
	registry, ids := setupRegistry(t, 1)
	o := NewOrchestrator(registry, &mockResolver{transport: newMockTransport()}, WithValidator(rejectAll{}))

	_, err := o.CreateDeployment(context.Background(), DeploymentSpec{
		Name: "x", TargetIDs: ids, Method: MethodSSH, ScriptTemplate: "true",
	})
	if err == nil || !strings.Contains(err.Error(), "denied by policy") {
		t.Fatalf("Expected policy error, got %v", err)
	}
}

func TestExecute_Aggregation(t *testing.T) {
	tests := []struct {
		name        string
		exitCodes   map[string]int
		partial     bool
		wantStatus  Status
		wantSuccess int
		wantFailure int
	}{
		{"all success", nil, false, StatusSuccess, 3, 0},
		{"all failure", map[string]int{"t1": 1, "t2": 1, "t3": 1}, false, StatusFailed, 0, 3},
		{"mixed is success", map[string]int{"t3": 1}, false, StatusSuccess, 2, 1},
		{"mixed with partial success", map[string]int{"t3": 1}, true, StatusPartialSuccess, 2, 1},
		{"all failure with partial success", map[string]int{"t1": 2, "t2": 2, "t3": 2}, true, StatusFailed, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, ids := setupRegistry(t, 3)
			transport := newMockTransport()
			for id, code := range tt.exitCodes {
				transport.exitCodes[id] = code
			}

			var opts []Option
			if tt.partial {
				opts = append(opts, WithPartialSuccess())
			}
			o := NewOrchestrator(registry, &mockResolver{transport: transport}, opts...)
			d := createDeployment(t, o, ids, 0)

			result, err := o.Execute(context.Background(), d.ID, nil)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}

			if result.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, result.Status)
			}
			if result.SuccessCount != tt.wantSuccess || result.FailureCount != tt.wantFailure {
				t.Errorf("Expected %d/%d, got %d/%d", tt.wantSuccess, tt.wantFailure,
					result.SuccessCount, result.FailureCount)
			}
			if result.SuccessCount+result.FailureCount != len(result.Tasks) {
				t.Errorf("Counts do not sum to task count")
			}
			if result.StartedAt == nil || result.CompletedAt == nil {
				t.Errorf("Expected start and completion times")
			}

			stored, err := registry.GetDeployment(context.Background(), d.ID)
			if err != nil {
				t.Fatalf("GetDeployment failed: %v", err)
			}
			if stored.Status != tt.wantStatus {
				t.Errorf("Persisted status %s, want %s", stored.Status, tt.wantStatus)
			}
			for _, task := range stored.Tasks {
				if !task.Status.IsTerminal() {
					t.Errorf("Task %s left in %s", task.ID, task.Status)
				}
				if task.ExitCode == nil {
					t.Errorf("Task %s has no exit code", task.ID)
				}
				if task.Status == StatusFailed && task.Error == "" {
					t.Errorf("Failed task %s has no error", task.ID)
				}
			}
		})
	}
}

func TestExecute_NotFound(t *testing.T) {
	registry, _ := setupRegistry(t, 1)
	o := NewOrchestrator(registry, &mockResolver{transport: newMockTransport()})

	_, err := o.Execute(context.Background(), "missing", nil)
	if !IsNotFound(err) {
		t.Fatalf("Expected not found error, got %v", err)
	}
}

func TestExecute_OnlyPendingDeployments(t *testing.T) {
	registry, ids := setupRegistry(t, 1)
	o := NewOrchestrator(registry, &mockResolver{transport: newMockTransport()})
	d := createDeployment(t, o, ids, 0)

	if _, err := o.Execute(context.Background(), d.ID, nil); err != nil {
		t.Fatalf("First Execute failed: %v", err)
	}
	_, err := o.Execute(context.Background(), d.ID, nil)
	if !IsConflict(err) {
		t.Fatalf("Expected conflict on second Execute, got %v", err)
	}
}

func TestExecute_ConcurrencyBound(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("limit_%d", limit), func(t *testing.T) {
			registry, ids := setupRegistry(t, 12)
			transport := newMockTransport()
			transport.delay = 20 * time.Millisecond
			o := NewOrchestrator(registry, &mockResolver{transport: transport})
			d := createDeployment(t, o, ids, limit)

			var running, maxRunning int32
			progress := &recordingProgress{onEvent: func(event string, data map[string]interface{}) {
				switch event {
				case EventTaskStarted:
					n := atomic.AddInt32(&running, 1)
					if n > atomic.LoadInt32(&maxRunning) {
						atomic.StoreInt32(&maxRunning, n)
					}
				case EventTaskCompleted, EventTaskFailed:
					atomic.AddInt32(&running, -1)
				}
			}}

			result, err := o.Execute(context.Background(), d.ID, progress.callback)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if result.SuccessCount != 12 {
				t.Errorf("Expected 12 successes, got %d", result.SuccessCount)
			}
			if got := atomic.LoadInt32(&transport.maxRunning); got > int32(limit) {
				t.Errorf("Transport saw %d concurrent tasks, limit %d", got, limit)
			}
			if got := atomic.LoadInt32(&maxRunning); got > int32(limit) {
				t.Errorf("Progress saw %d running tasks, limit %d", got, limit)
			}
		})
	}
}

func TestExecute_EngineCeiling(t *testing.T) {
	registry, ids := setupRegistry(t, 6)
	transport := newMockTransport()
	transport.delay = 10 * time.Millisecond
	o := NewOrchestrator(registry, &mockResolver{transport: transport}, WithMaxWorkers(2))

	d1 := createDeployment(t, o, ids[:3], 3)
	d2 := createDeployment(t, o, ids[3:], 3)

	var wg sync.WaitGroup
	for _, id := range []string{d1.ID, d2.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := o.Execute(context.Background(), id, nil); err != nil {
				t.Errorf("Execute failed: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&transport.maxRunning); got > 2 {
		t.Errorf("Expected at most 2 concurrent tasks engine-wide, got %d", got)
	}
}

func TestExecute_ProgressEvents(t *testing.T) {
	registry, ids := setupRegistry(t, 5)
	transport := newMockTransport()
	transport.exitCodes["t2"] = 3
	o := NewOrchestrator(registry, &mockResolver{transport: transport})
	d := createDeployment(t, o, ids, 5)

	progress := &recordingProgress{}
	if _, err := o.Execute(context.Background(), d.ID, progress.callback); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if progress.overlap {
		t.Error("Progress callback was invoked concurrently")
	}
	if got := progress.count(EventTaskStarted); got != 5 {
		t.Errorf("Expected 5 task_started events, got %d", got)
	}
	if got := progress.count(EventTaskCompleted); got != 4 {
		t.Errorf("Expected 4 task_completed events, got %d", got)
	}
	if got := progress.count(EventTaskFailed); got != 1 {
		t.Errorf("Expected 1 task_failed event, got %d", got)
	}

	for i, data := range progress.data {
		for _, key := range []string{"task_id", "target", "status"} {
			if _, ok := data[key]; !ok {
				t.Errorf("Event %d (%s) missing %s", i, progress.events[i], key)
			}
		}
		if progress.events[i] == EventTaskFailed {
			if data["target"] != "host-2" {
				t.Errorf("Expected failed target host-2, got %v", data["target"])
			}
			if data["exit_code"] != 3 {
				t.Errorf("Expected exit code 3, got %v", data["exit_code"])
			}
		}
	}
}

func TestExecute_TaskPanicIsIsolated(t *testing.T) {
	registry, ids := setupRegistry(t, 3)
	transport := newMockTransport()
	transport.panics["t2"] = true
	o := NewOrchestrator(registry, &mockResolver{transport: transport})
	d := createDeployment(t, o, ids, 3)

	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.SuccessCount != 2 || result.FailureCount != 1 {
		t.Errorf("Expected 2/1, got %d/%d", result.SuccessCount, result.FailureCount)
	}
	if !strings.Contains(result.Tasks[1].Error, "transport exploded") {
		t.Errorf("Expected panic captured in task error, got %q", result.Tasks[1].Error)
	}
}

func TestExecute_ConnectionErrorLeavesExitCodeUnset(t *testing.T) {
	registry, ids := setupRegistry(t, 2)
	transport := newMockTransport()
	transport.errs["t1"] = []error{NewConnectionError("dial tcp: connection refused", nil)}
	o := NewOrchestrator(registry, &mockResolver{transport: transport})
	d := createDeployment(t, o, ids, 2)

	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	task := result.Tasks[0]
	if task.Status != StatusFailed {
		t.Errorf("Expected failed task, got %s", task.Status)
	}
	if task.ExitCode != nil {
		t.Errorf("Expected unset exit code, got %d", *task.ExitCode)
	}
	if !strings.Contains(task.Error, "connection refused") {
		t.Errorf("Expected connection error text, got %q", task.Error)
	}
	if task.RetryCount != 0 {
		t.Errorf("Retries must be off by default, got %d", task.RetryCount)
	}
	if transport.callCount("t1") != 1 {
		t.Errorf("Expected a single dispatch, got %d", transport.callCount("t1"))
	}
}

func TestExecute_RetryTransientFailures(t *testing.T) {
	registry, ids := setupRegistry(t, 1)
	transport := newMockTransport()
	transport.errs["t1"] = []error{
		NewConnectionError("connection reset", nil),
		NewConnectionError("connection reset", nil),
	}
	o := NewOrchestrator(registry, &mockResolver{transport: transport},
		WithRetry(),
		WithBackoff(func(int) time.Duration { return time.Millisecond }),
	)
	d := createDeployment(t, o, ids, 1)

	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Errorf("Expected success after retries, got %s (%s)", result.Status, result.Tasks[0].Error)
	}
	if result.Tasks[0].RetryCount != 2 {
		t.Errorf("Expected 2 retries, got %d", result.Tasks[0].RetryCount)
	}
}

func TestExecute_RetryStopsAtMaxRetries(t *testing.T) {
	registry, ids := setupRegistry(t, 1)
	transport := newMockTransport()
	for i := 0; i < 10; i++ {
		transport.errs["t1"] = append(transport.errs["t1"], NewConnectionError("unreachable", nil))
	}
	o := NewOrchestrator(registry, &mockResolver{transport: transport},
		WithRetry(),
		WithBackoff(func(int) time.Duration { return 0 }),
	)
	d, err := o.CreateDeployment(context.Background(), DeploymentSpec{
		Name: "x", TargetIDs: ids, Method: MethodSSH, ScriptTemplate: "true", MaxRetries: intPtr(2),
	})
	if err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}

	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", result.Status)
	}
	if got := transport.callCount("t1"); got != 3 {
		t.Errorf("Expected 3 dispatches (1 + 2 retries), got %d", got)
	}
}

func TestExecute_ZeroMaxRetriesDisablesRetry(t *testing.T) {
	registry, ids := setupRegistry(t, 1)
	transport := newMockTransport()
	transport.errs["t1"] = []error{NewConnectionError("unreachable", nil)}
	o := NewOrchestrator(registry, &mockResolver{transport: transport},
		WithRetry(),
		WithBackoff(func(int) time.Duration { return 0 }),
	)

	d, err := o.CreateDeployment(context.Background(), DeploymentSpec{
		Name: "x", TargetIDs: ids, Method: MethodSSH, ScriptTemplate: "true", MaxRetries: intPtr(0),
	})
	if err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}
	if d.Tasks[0].MaxRetries != 0 {
		t.Fatalf("Expected MaxRetries 0 to be kept, got %d", d.Tasks[0].MaxRetries)
	}

	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", result.Status)
	}
	if got := transport.callCount("t1"); got != 1 {
		t.Errorf("Expected a single dispatch, got %d", got)
	}

	unset, err := o.CreateDeployment(context.Background(), DeploymentSpec{
		Name: "y", TargetIDs: ids, Method: MethodSSH, ScriptTemplate: "true",
	})
	if err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}
	if unset.Tasks[0].MaxRetries != DefaultMaxRetries {
		t.Errorf("Expected default MaxRetries %d, got %d", DefaultMaxRetries, unset.Tasks[0].MaxRetries)
	}
}

func intPtr(n int) *int { return &n }

func TestExecute_UnsupportedMethod(t *testing.T) {
	registry, ids := setupRegistry(t, 1)
	o := NewOrchestrator(registry, &mockResolver{transport: newMockTransport()})
	d, err := o.CreateDeployment(context.Background(), DeploymentSpec{
		Name: "x", TargetIDs: ids, Method: MethodPowerShell, ScriptTemplate: "true",
	})
	if err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}

	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", result.Status)
	}
	if !strings.Contains(result.Tasks[0].Error, "unsupported deployment method") {
		t.Errorf("Unexpected error %q", result.Tasks[0].Error)
	}
}

func TestExecute_TargetRemovedBeforeRun(t *testing.T) {
	registry, ids := setupRegistry(t, 2)
	o := NewOrchestrator(registry, &mockResolver{transport: newMockTransport()})
	d := createDeployment(t, o, ids, 2)

	if err := registry.RemoveTarget(context.Background(), "t2"); err != nil {
		t.Fatalf("RemoveTarget failed: %v", err)
	}

	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Tasks[1].Status != StatusFailed || result.Tasks[1].Error != "Target not found" {
		t.Errorf("Expected Target not found failure, got %s %q", result.Tasks[1].Status, result.Tasks[1].Error)
	}
	if result.Status != StatusSuccess {
		t.Errorf("Expected success with one surviving target, got %s", result.Status)
	}
}

func TestCancel_AfterDispatch(t *testing.T) {
	registry, ids := setupRegistry(t, 3)
	transport := newMockTransport()
	transport.release = make(chan struct{})
	transport.exitCodes["t3"] = 1
	o := NewOrchestrator(registry, &mockResolver{transport: transport})
	d := createDeployment(t, o, ids, 3)

	started := make(chan struct{}, 3)
	progress := &recordingProgress{onEvent: func(event string, data map[string]interface{}) {
		if event == EventTaskStarted {
			started <- struct{}{}
		}
	}}

	done := make(chan *Deployment, 1)
	go func() {
		result, err := o.Execute(context.Background(), d.ID, progress.callback)
		if err != nil {
			t.Errorf("Execute failed: %v", err)
		}
		done <- result
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for tasks to start")
		}
	}

	if err := o.Cancel(context.Background(), d.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	stored, err := registry.GetDeployment(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDeployment failed: %v", err)
	}
	if stored.Status != StatusCancelled {
		t.Errorf("Expected cancelled record while tasks run, got %s", stored.Status)
	}

	close(transport.release)
	result := <-done

	if result.Status != StatusCancelled {
		t.Errorf("Expected cancelled deployment, got %s", result.Status)
	}
	if result.SuccessCount != 2 || result.FailureCount != 1 {
		t.Errorf("In-flight outcomes changed: %d/%d", result.SuccessCount, result.FailureCount)
	}
	if result.Tasks[0].Status != StatusSuccess || result.Tasks[2].Status != StatusFailed {
		t.Errorf("Unexpected task states %s %s", result.Tasks[0].Status, result.Tasks[2].Status)
	}
	if len(o.ActiveDeployments()) != 0 {
		t.Errorf("Deployment still tracked as active")
	}
}

func TestCancel_UndispatchedTasksFail(t *testing.T) {
	registry, ids := setupRegistry(t, 4)
	transport := newMockTransport()
	transport.release = make(chan struct{})
	o := NewOrchestrator(registry, &mockResolver{transport: transport})
	d := createDeployment(t, o, ids, 1)

	started := make(chan struct{}, 4)
	progress := &recordingProgress{onEvent: func(event string, data map[string]interface{}) {
		if event == EventTaskStarted {
			started <- struct{}{}
		}
	}}

	done := make(chan *Deployment, 1)
	go func() {
		result, _ := o.Execute(context.Background(), d.ID, progress.callback)
		done <- result
	}()

	<-started
	if err := o.Cancel(context.Background(), d.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(transport.release)
	result := <-done

	if result.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", result.Status)
	}
	if result.Tasks[0].Status != StatusSuccess {
		t.Errorf("In-flight task should complete, got %s", result.Tasks[0].Status)
	}
	for _, task := range result.Tasks[1:] {
		if task.Status != StatusFailed || task.Error != reasonCancelled {
			t.Errorf("Expected undispatched task failed with %q, got %s %q", reasonCancelled, task.Status, task.Error)
		}
	}
	if result.SuccessCount+result.FailureCount != 4 {
		t.Errorf("Counts do not sum to task count: %d+%d", result.SuccessCount, result.FailureCount)
	}
	if transport.callCount("t4") != 0 {
		t.Errorf("Cancelled task was dispatched")
	}
}

func TestCancel_PendingDeployment(t *testing.T) {
	registry, ids := setupRegistry(t, 2)
	transport := newMockTransport()
	o := NewOrchestrator(registry, &mockResolver{transport: transport})
	d := createDeployment(t, o, ids, 1)

	if err := o.Cancel(context.Background(), d.ID); err != nil {
		t.Fatalf("Cancel of pending deployment failed: %v", err)
	}

	stored, err := registry.GetDeployment(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDeployment failed: %v", err)
	}
	if stored.Status != StatusCancelled || stored.CompletedAt == nil {
		t.Errorf("Expected cancelled with completion time, got %s", stored.Status)
	}
	if stored.SuccessCount != 0 || stored.FailureCount != 2 {
		t.Errorf("Expected 0/2, got %d/%d", stored.SuccessCount, stored.FailureCount)
	}
	for _, task := range stored.Tasks {
		if task.Status != StatusFailed || task.Error != "deployment cancelled" {
			t.Errorf("Task %s: expected failed by cancel, got %s (%q)", task.ID, task.Status, task.Error)
		}
	}

	if _, err := o.Execute(context.Background(), d.ID, nil); !IsConflict(err) {
		t.Errorf("Expected conflict executing a cancelled deployment, got %v", err)
	}
	if transport.callCount("t1")+transport.callCount("t2") != 0 {
		t.Error("Cancelled deployment must not dispatch tasks")
	}
	if len(o.ActiveDeployments()) != 0 {
		t.Errorf("Expected no active deployments, got %v", o.ActiveDeployments())
	}
}

func TestCancel_NotActive(t *testing.T) {
	registry, ids := setupRegistry(t, 1)
	o := NewOrchestrator(registry, &mockResolver{transport: newMockTransport()})
	d := createDeployment(t, o, ids, 1)

	if _, err := o.Execute(context.Background(), d.ID, nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := o.Cancel(context.Background(), d.ID); !IsConflict(err) {
		t.Errorf("Expected conflict for finished deployment, got %v", err)
	}
	if err := o.Cancel(context.Background(), "missing"); !IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

// cancellingRegistry cancels the deployment right after Execute has read it,
// before the run is marked RUNNING, and records every saved status.
type cancellingRegistry struct {
	*MemoryRegistry
	o     *Orchestrator
	fired atomic.Bool

	mu    sync.Mutex
	saved []Status
}

func (r *cancellingRegistry) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	d, err := r.MemoryRegistry.GetDeployment(ctx, id)
	if err == nil && r.fired.CompareAndSwap(false, true) {
		// Cancel reads the record again; only the first read triggers it.
		if cancelErr := r.o.Cancel(ctx, id); cancelErr != nil {
			return nil, cancelErr
		}
	}
	return d, err
}

func (r *cancellingRegistry) SaveDeployment(ctx context.Context, d *Deployment) error {
	r.mu.Lock()
	r.saved = append(r.saved, d.Status)
	r.mu.Unlock()
	return r.MemoryRegistry.SaveDeployment(ctx, d)
}

func TestCancel_BeforeRunningIsNotOverwritten(t *testing.T) {
	mem, ids := setupRegistry(t, 2)
	transport := newMockTransport()
	o := NewOrchestrator(mem, &mockResolver{transport: transport})
	d := createDeployment(t, o, ids, 1)

	registry := &cancellingRegistry{MemoryRegistry: mem}
	o = NewOrchestrator(registry, &mockResolver{transport: transport})
	registry.o = o

	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", result.Status)
	}
	if transport.callCount("t1")+transport.callCount("t2") != 0 {
		t.Error("Tasks should not be dispatched after cancel")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	for i, status := range registry.saved {
		if status != StatusCancelled {
			t.Errorf("Save %d stored %s, want only cancelled records: %v", i, status, registry.saved)
		}
	}
	if len(registry.saved) == 0 {
		t.Error("Expected the cancelled deployment to be saved")
	}
}

func TestExecute_RunDeadline(t *testing.T) {
	registry, ids := setupRegistry(t, 3)
	transport := newMockTransport()
	transport.delay = 1200 * time.Millisecond
	o := NewOrchestrator(registry, &mockResolver{transport: transport}, WithRunDeadline())

	d, err := o.CreateDeployment(context.Background(), DeploymentSpec{
		Name: "x", TargetIDs: ids, Method: MethodSSH, ScriptTemplate: "true",
		TimeoutSeconds: 1, ParallelLimit: 2,
	})
	if err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}

	// Two waves of one second each: the third task starts after ~1.2s and
	// finishes after the 2s deadline, so dispatch is not affected.
	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Errorf("Expected success, got %s", result.Status)
	}
}

func TestExecute_RunDeadlineSkipsLateTasks(t *testing.T) {
	registry, ids := setupRegistry(t, 3)
	transport := newMockTransport()
	transport.delay = 2200 * time.Millisecond
	o := NewOrchestrator(registry, &mockResolver{transport: transport}, WithRunDeadline())

	d, err := o.CreateDeployment(context.Background(), DeploymentSpec{
		Name: "x", TargetIDs: ids, Method: MethodSSH, ScriptTemplate: "true",
		TimeoutSeconds: 1, ParallelLimit: 2,
	})
	if err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}

	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusTimeout {
		t.Errorf("Expected timeout, got %s", result.Status)
	}
	if result.Tasks[2].Error != reasonDeadlineExceeded {
		t.Errorf("Expected deadline error on late task, got %q", result.Tasks[2].Error)
	}
	if result.SuccessCount != 2 || result.FailureCount != 1 {
		t.Errorf("Expected 2/1, got %d/%d", result.SuccessCount, result.FailureCount)
	}
}

// flakyRegistry fails every save after the first.
type flakyRegistry struct {
	*MemoryRegistry
	saves int32
}

func (r *flakyRegistry) SaveDeployment(ctx context.Context, d *Deployment) error {
	if atomic.AddInt32(&r.saves, 1) > 1 {
		return errors.New("disk full")
	}
	return r.MemoryRegistry.SaveDeployment(ctx, d)
}

func TestExecute_PersistFailureIsSoft(t *testing.T) {
	mem, ids := setupRegistry(t, 2)
	registry := &flakyRegistry{MemoryRegistry: mem}
	o := NewOrchestrator(registry, &mockResolver{transport: newMockTransport()})
	d := createDeployment(t, o, ids, 2)

	result, err := o.Execute(context.Background(), d.ID, nil)
	if err != nil {
		t.Fatalf("Execute should not fail on persist errors: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Errorf("Expected success, got %s", result.Status)
	}
}

type memorySink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *memorySink) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func TestExecute_EventSink(t *testing.T) {
	registry, ids := setupRegistry(t, 2)
	sink := &memorySink{}
	o := NewOrchestrator(registry, &mockResolver{transport: newMockTransport()}, WithEventSink(sink))
	d := createDeployment(t, o, ids, 2)

	if _, err := o.Execute(context.Background(), d.ID, nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(sink.events) != 4 {
		t.Fatalf("Expected 4 persisted events, got %d", len(sink.events))
	}
	for _, ev := range sink.events {
		if ev.DeploymentID != d.ID || ev.TaskID == "" {
			t.Errorf("Event missing identifiers: %+v", ev)
		}
	}
}

func TestGetDeploymentStatus(t *testing.T) {
	registry, ids := setupRegistry(t, 2)
	transport := newMockTransport()
	transport.exitCodes["t2"] = 1
	o := NewOrchestrator(registry, &mockResolver{transport: transport})
	d := createDeployment(t, o, ids, 2)

	if _, err := o.Execute(context.Background(), d.ID, nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	status, err := o.GetDeploymentStatus(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDeploymentStatus failed: %v", err)
	}

	if status.Deployment.TotalTasks != 2 || status.Deployment.SuccessCount != 1 || status.Deployment.FailureCount != 1 {
		t.Errorf("Unexpected summary: %+v", status.Deployment)
	}
	if len(status.Tasks) != 2 {
		t.Fatalf("Expected 2 task entries, got %d", len(status.Tasks))
	}
	for _, task := range d.Tasks {
		entry, ok := status.Tasks[task.ID]
		if !ok {
			t.Fatalf("Missing task %s", task.ID)
		}
		if entry.Target != task.TargetID {
			t.Errorf("Expected target %s, got %s", task.TargetID, entry.Target)
		}
		if !entry.HasOutput {
			t.Errorf("Expected output recorded for %s", task.ID)
		}
	}

	if _, err := o.GetDeploymentStatus(context.Background(), "missing"); !IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	for attempt, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		got := calculateBackoff(attempt)
		if got < base || got > base+base/4 {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, got, base, base+base/4)
		}
	}
	if got := calculateBackoff(10); got > time.Minute+time.Minute/4 {
		t.Errorf("Backoff not capped: %v", got)
	}
}
