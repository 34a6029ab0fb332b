// Package ssh implements the remote-shell transport of the deployment engine.
//
// A task is run by dialing the target, uploading the rendered script over SFTP
// into a private temporary file, executing it with the task timeout and
// removing the file again. Connection and upload failures leave the exit code
// unset; a script that runs reports its exit status whatever it is.
package ssh

import (
	"fmt"
)

// TransportError represents an error at one step of a remote run.
type TransportError struct {
	// Op is the operation that failed (connect, upload, execute, cleanup)
	Op string

	// Host is the target address
	Host string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and retryable
	IsTemporary bool

	// IsAuthError indicates if the error is authentication-related
	IsAuthError bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary returns whether the error is temporary.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
