package engine

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Defaults applied to deployments and tasks when the caller leaves a field zero.
const (
	DefaultTimeoutSeconds = 300
	DefaultParallelLimit  = 10
	DefaultMaxRetries     = 3
	DefaultSSHPort        = 22
)

// AuthRef tells a remote transport how to authenticate to a target.
type AuthRef struct {
	// Principal is the remote user name.
	Principal string `json:"principal" yaml:"principal"`

	// CredentialRef locates the secret: a key file path, "env:VAR",
	// "keyring:service" or "password:literal" (tests only).
	CredentialRef string `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"`

	// Port is the remote shell port.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`
}

// PortOrDefault returns the configured port, or 22.
func (a *AuthRef) PortOrDefault() int {
	if a == nil || a.Port <= 0 {
		return DefaultSSHPort
	}
	return a.Port
}

// Target is a deployable endpoint: a remote host or the local machine.
type Target struct {
	// ID is the unique, immutable identifier of the target.
	ID string `json:"id" yaml:"id"`

	// Hostname is the human-facing name, reported in progress events.
	Hostname string `json:"hostname" yaml:"hostname"`

	// Address is the network address used to reach the target.
	Address string `json:"address" yaml:"address"`

	// OSType is the operating system family (linux, darwin, windows).
	OSType string `json:"os_type" yaml:"os_type"`

	// Architecture is the CPU architecture (amd64, arm64).
	Architecture string `json:"architecture" yaml:"architecture"`

	// Auth is the optional credential reference for remote methods.
	Auth *AuthRef `json:"auth,omitempty" yaml:"auth,omitempty"`

	// Tags is a set of free-form labels used for selection.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Metadata is free-form data attached to the target.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// HasTag reports whether the target carries the tag.
func (t *Target) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// NormalizeTags trims, deduplicates and sorts a tag list.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Task is the execution of one deployment's script against one target.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`

	// TargetID never changes after creation.
	TargetID string `json:"target_id"`

	// DeploymentID never changes after creation.
	DeploymentID string `json:"deployment_id"`

	// Method selects the transport.
	Method Method `json:"method"`

	// Script is the rendered script text.
	Script string `json:"script"`

	// Status is the current task status.
	Status Status `json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Output is the captured standard output.
	Output string `json:"output,omitempty"`

	// Error is the captured standard error, or the transport error text.
	Error string `json:"error,omitempty"`

	// ExitCode is nil until the script actually ran.
	ExitCode *int `json:"exit_code,omitempty"`

	// RetryCount is the number of re-dispatches performed.
	RetryCount int `json:"retry_count"`

	// MaxRetries bounds RetryCount when retries are enabled.
	MaxRetries int `json:"max_retries"`
}

// Succeeded reports whether the task met the success predicate: exit code zero.
func (t *Task) Succeeded() bool {
	return t.ExitCode != nil && *t.ExitCode == 0
}

// Deployment is one orchestration run spanning one or more targets.
type Deployment struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	TargetIDs      []string               `json:"target_ids"`
	Method         Method                 `json:"method"`
	ScriptTemplate string                 `json:"script_template"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	Status         Status                 `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	SuccessCount   int                    `json:"success_count"`
	FailureCount   int                    `json:"failure_count"`

	// TimeoutSeconds bounds each task's execution.
	TimeoutSeconds int `json:"timeout_seconds"`

	// ParallelLimit bounds the number of concurrently running tasks.
	ParallelLimit int `json:"parallel_limit"`

	Tasks []*Task `json:"tasks"`
}

// TaskTimeout returns the per-task timeout as a duration.
func (d *Deployment) TaskTimeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy of the deployment and its tasks.
func (d *Deployment) Clone() *Deployment {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var out Deployment
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// DeploymentSpec is the caller's request to create a deployment.
type DeploymentSpec struct {
	Name           string                 `json:"name" validate:"required"`
	Description    string                 `json:"description,omitempty"`
	TargetIDs      []string               `json:"target_ids" validate:"required,min=1,dive,required"`
	Method         Method                 `json:"method" validate:"required"`
	ScriptTemplate string                 `json:"script_template" validate:"required"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty" validate:"gte=0"`
	ParallelLimit  int                    `json:"parallel_limit,omitempty" validate:"gte=0"`
	// MaxRetries nil means DefaultMaxRetries; zero disables retries.
	MaxRetries *int `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
}

// ExecResult is what a transport reports after running one script.
type ExecResult struct {
	Output      string        `json:"output"`
	ErrorOutput string        `json:"error_output"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// DeploymentSummary is the deployment half of a status query.
type DeploymentSummary struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	TotalTasks   int        `json:"total_tasks"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TaskSummary is one entry of the per-task status map.
type TaskSummary struct {
	Target      string     `json:"target"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	HasOutput   bool       `json:"has_output"`
	HasError    bool       `json:"has_error"`
}

// DeploymentStatus is the result of GetDeploymentStatus.
type DeploymentStatus struct {
	Deployment DeploymentSummary       `json:"deployment"`
	Tasks      map[string]*TaskSummary `json:"tasks"`
}

// Event is a persisted progress event.
type Event struct {
	ID           string                 `json:"id"`
	DeploymentID string                 `json:"deployment_id"`
	TaskID       string                 `json:"task_id,omitempty"`
	Type         string                 `json:"type"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}
