package engine

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle state of a deployment or one of its tasks.
type Status string

const (
	// StatusPending indicates the deployment or task has not started yet.
	StatusPending Status = "pending"

	// StatusRunning indicates the deployment or task is currently executing.
	StatusRunning Status = "running"

	// StatusSuccess indicates the deployment or task completed successfully.
	StatusSuccess Status = "success"

	// StatusFailed indicates the deployment or task failed.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the deployment was cancelled by the user.
	StatusCancelled Status = "cancelled"

	// StatusTimeout indicates the deployment exceeded its overall deadline.
	StatusTimeout Status = "timeout"

	// StatusPartialSuccess indicates some tasks succeeded and some failed.
	// Only produced when the orchestrator is built WithPartialSuccess.
	StatusPartialSuccess Status = "partial_success"
)

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled ||
		s == StatusTimeout || s == StatusPartialSuccess
}

// IsActive returns true if the status is pending or running.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed,
		StatusCancelled, StatusTimeout, StatusPartialSuccess:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// Method is the mechanism used to run a deployment script on a target.
type Method string

const (
	// MethodSSH runs the script over a remote shell session.
	MethodSSH Method = "ssh"

	// MethodAnsible is reserved for an Ansible transport. Falls back to SSH.
	MethodAnsible Method = "ansible"

	// MethodPuppet is reserved for a Puppet transport. Falls back to SSH.
	MethodPuppet Method = "puppet"

	// MethodChef is reserved for a Chef transport. Falls back to SSH.
	MethodChef Method = "chef"

	// MethodPowerShell is reserved for a PowerShell remoting transport. Falls back to SSH.
	MethodPowerShell Method = "powershell"

	// MethodLocalScript runs the script as a child process of the engine.
	MethodLocalScript Method = "local_script"
)

// AllMethods lists every known method in declaration order.
var AllMethods = []Method{
	MethodSSH, MethodAnsible, MethodPuppet, MethodChef, MethodPowerShell, MethodLocalScript,
}

// IsRemote returns true if the method executes on a remote host.
func (m Method) IsRemote() bool {
	return m != MethodLocalScript
}

// Validate checks if the method is valid.
func (m Method) Validate() error {
	switch m {
	case MethodSSH, MethodAnsible, MethodPuppet, MethodChef,
		MethodPowerShell, MethodLocalScript:
		return nil
	default:
		return fmt.Errorf("invalid deployment method: %s", m)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (m Method) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (m *Method) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*m = Method(str)
	return m.Validate()
}

// Progress event names passed to a ProgressFunc.
const (
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
)
