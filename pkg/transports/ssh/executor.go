package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// killGrace is how long a signalled command gets between SIGTERM and SIGKILL.
const killGrace = 100 * time.Millisecond

// closeWait bounds how long a killed session may take to report back.
const closeWait = 5 * time.Second

// runResult is the outcome of one remote command.
type runResult struct {
	Stdout   string
	Stderr   string
	ExitCode *int
	Duration time.Duration
}

// Run executes cmd on the remote host and waits until it exits or ctx is done.
// A non-zero exit is reported through ExitCode with a nil error. When ctx
// ends first the command is signalled, ExitCode stays nil and ctx.Err() is
// returned; the remote side never reported a status.
func (c *Client) Run(ctx context.Context, cmd string) (*runResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("address", c.Address()).
		Str("command", cmd).
		Msg("executing command")

	session, err := c.newSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	timedOut := false
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(killGrace)
		_ = session.Signal(ssh.SIGKILL)
		// Closing the channel unblocks Run so the buffers are no longer written to.
		_ = session.Close()
		timedOut = true
		execErr = ctx.Err()
		select {
		case <-doneChan:
		case <-time.After(closeWait):
			return &runResult{Duration: time.Since(startTime)}, execErr
		}
	case execErr = <-doneChan:
	}

	result := &runResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(startTime),
	}

	log.Debug().
		Str("address", c.Address()).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if timedOut {
		return result, execErr
	}

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			code := exitErr.ExitStatus()
			result.ExitCode = &code
			return result, nil
		}
		return result, &TransportError{
			Op:          "execute",
			Host:        c.Address(),
			Err:         fmt.Errorf("command did not report an exit status: %w", execErr),
			IsTemporary: true,
		}
	}

	code := 0
	result.ExitCode = &code
	return result, nil
}
