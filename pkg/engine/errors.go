package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides what the orchestrator does with a failure.
type ErrorClass string

const (
	// ErrorClassTransient failures may succeed when retried: unreachable
	// hosts, refused connections, dropped SFTP sessions.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassConflict means the request does not fit the current state,
	// such as executing a finished deployment.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent failures are final.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError.Code.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeConnection        = "CONNECTION_FAILED"
	ErrCodeExecutionTimeout  = "EXECUTION_TIMEOUT"
	ErrCodeScriptFailure     = "SCRIPT_FAILURE"
	ErrCodeUnsupportedMethod = "UNSUPPORTED_METHOD"
	ErrCodePolicyDenied      = "POLICY_DENIED"
)

// EngineError is the error type returned across the engine boundary.
// Resource names the target, task or deployment involved.
//
//nolint:revive // engine.Error would read as a method
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, "", message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, "", message, err)
}

// NewNotFoundError reports an unknown id of the given kind, e.g.
// "target not found (resource=web-1)".
func NewNotFoundError(kind, id string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeNotFound, kind+" not found", nil).WithResource(id)
}

// NewConnectionError reports a target that could not be reached. It is
// transient: the next attempt may get through.
func NewConnectionError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeConnection, message, err)
}

func NewExecutionTimeoutError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeExecutionTimeout, message, err)
}

// NewScriptFailureError reports a script that ran and exited non-zero.
func NewScriptFailureError(exitCode int) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeScriptFailure, fmt.Sprintf("script exited with code %d", exitCode), nil).
		WithDetail("exit_code", exitCode)
}

func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// asEngineError returns the first EngineError in err's chain, or nil.
func asEngineError(err error) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func classIs(err error, class ErrorClass) bool {
	e := asEngineError(err)
	return e != nil && e.Class == class
}

func codeIs(err error, code string) bool {
	e := asEngineError(err)
	return e != nil && e.Code == code
}

func IsTransient(err error) bool { return classIs(err, ErrorClassTransient) }
func IsConflict(err error) bool  { return classIs(err, ErrorClassConflict) }
func IsPermanent(err error) bool { return classIs(err, ErrorClassPermanent) }
func IsNotFound(err error) bool  { return codeIs(err, ErrCodeNotFound) }
func IsTimeout(err error) bool   { return codeIs(err, ErrCodeExecutionTimeout) }

// IsRetryable reports whether a task may be dispatched again after err.
// A script that ran and failed never is.
func IsRetryable(err error) bool {
	return IsTransient(err)
}
