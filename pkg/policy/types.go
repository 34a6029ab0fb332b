package policy

import (
	"time"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but never block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the deployment.
	SeverityError Severity = "error"

	// SeverityCritical blocks the deployment and flags a dangerous script.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a deployment.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a Rego policy. Its package must define a deny set whose
// members are strings or objects with message, severity, target and
// remediation keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source in Rego v1 syntax.
	Rego string `json:"rego"`

	// Severity is used for deny members that do not set their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies compiled into deployctl.
	Builtin bool `json:"builtin"`

	// Source is the file a custom policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy      string   `json:"policy"`
	Target      string   `json:"target,omitempty"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Remediation string   `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against one
// deployment.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations holds the blocking results.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds the non-blocking results.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate. They do not block.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Limits are operator-controlled ceilings exposed to policies as input.limits.
type Limits struct {
	// MaxParallelLimit is the largest parallel limit a deployment may request.
	MaxParallelLimit int `json:"max_parallel_limit"`

	// MaxTimeoutSeconds is the largest per-task timeout a deployment may request.
	MaxTimeoutSeconds int `json:"max_timeout_seconds"`
}

// DefaultLimits are used when the engine is created without WithLimits.
var DefaultLimits = Limits{
	MaxParallelLimit:  100,
	MaxTimeoutSeconds: 3600,
}

// Input is the document policies see as input.
type Input struct {
	Deployment DeploymentInput `json:"deployment"`
	Tasks      []TaskInput     `json:"tasks"`
	Targets    []TargetInput   `json:"targets"`
	Limits     Limits          `json:"limits"`
}

// DeploymentInput is the deployment as seen by policies.
type DeploymentInput struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	Method         string                 `json:"method"`
	Remote         bool                   `json:"remote"`
	ScriptTemplate string                 `json:"script_template"`
	Variables      map[string]interface{} `json:"variables"`
	TargetIDs      []string               `json:"target_ids"`
	ParallelLimit  int                    `json:"parallel_limit"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
}

// TaskInput carries a task's rendered script.
type TaskInput struct {
	ID       string `json:"id"`
	TargetID string `json:"target_id"`
	Script   string `json:"script"`
}

// TargetInput is a target as seen by policies. Credential references are
// reduced to whether a principal is set.
type TargetInput struct {
	ID        string   `json:"id"`
	Hostname  string   `json:"hostname"`
	Address   string   `json:"address"`
	OSType    string   `json:"os_type"`
	Tags      []string `json:"tags"`
	HasAuth   bool     `json:"has_auth"`
	Principal string   `json:"principal,omitempty"`
}

// NewInput builds the policy input for a deployment and its targets.
func NewInput(d *engine.Deployment, targets []*engine.Target, limits Limits) *Input {
	in := &Input{
		Deployment: DeploymentInput{
			ID:             d.ID,
			Name:           d.Name,
			Description:    d.Description,
			Method:         string(d.Method),
			Remote:         d.Method.IsRemote(),
			ScriptTemplate: d.ScriptTemplate,
			Variables:      d.Variables,
			TargetIDs:      d.TargetIDs,
			ParallelLimit:  d.ParallelLimit,
			TimeoutSeconds: d.TimeoutSeconds,
		},
		Tasks:   make([]TaskInput, 0, len(d.Tasks)),
		Targets: make([]TargetInput, 0, len(targets)),
		Limits:  limits,
	}
	if in.Deployment.Variables == nil {
		in.Deployment.Variables = map[string]interface{}{}
	}
	if in.Deployment.TargetIDs == nil {
		in.Deployment.TargetIDs = []string{}
	}

	for _, task := range d.Tasks {
		in.Tasks = append(in.Tasks, TaskInput{ID: task.ID, TargetID: task.TargetID, Script: task.Script})
	}
	for _, t := range targets {
		ti := TargetInput{
			ID:       t.ID,
			Hostname: t.Hostname,
			Address:  t.Address,
			OSType:   t.OSType,
			Tags:     t.Tags,
		}
		if ti.Tags == nil {
			ti.Tags = []string{}
		}
		if t.Auth != nil && t.Auth.Principal != "" {
			ti.HasAuth = true
			ti.Principal = t.Auth.Principal
		}
		in.Targets = append(in.Targets, ti)
	}
	return in
}
