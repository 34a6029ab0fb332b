// Package local implements the local-process transport: scripts run on the
// machine hosting the engine, one child process per task.
package local

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// DefaultShell runs scripts that carry no interpreter line.
const DefaultShell = "/bin/sh"

// waitDelay bounds how long a killed script's output pipes may stay open.
const waitDelay = 500 * time.Millisecond

// Transport executes rendered scripts as local child processes.
type Transport struct {
	tempDir string
	shell   string
}

// Option configures a Transport.
type Option func(*Transport)

// WithTempDir sets where script files are written. Defaults to os.TempDir().
func WithTempDir(dir string) Option {
	return func(t *Transport) {
		t.tempDir = dir
	}
}

// WithShell sets the interpreter used when a script has no "#!" line.
func WithShell(shell string) Option {
	return func(t *Transport) {
		t.shell = shell
	}
}

// New creates a local transport.
func New(opts ...Option) *Transport {
	t := &Transport{shell: DefaultShell}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Execute writes task.Script to a private temporary file, runs it and removes
// the file. The target is ignored beyond logging: local means this machine.
func (t *Transport) Execute(ctx context.Context, target *engine.Target, task *engine.Task, timeout time.Duration) (*engine.ExecResult, error) {
	startTime := time.Now()

	path, err := t.writeScript(task)
	if err != nil {
		return nil, engine.NewPermanentError("failed to write script file", err).WithResource(task.ID)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove script file")
		}
	}()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	argv := append(t.interpreter(task.Script), path)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	log.Debug().
		Str("task_id", task.ID).
		Str("target", target.ID).
		Strs("argv", argv).
		Msg("running local script")

	if err := cmd.Start(); err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to start %s", argv[0]), err).WithResource(task.ID)
	}
	waitErr := cmd.Wait()

	result := &engine.ExecResult{
		Output:      stdout.String(),
		ErrorOutput: stderr.String(),
		Duration:    time.Since(startTime),
	}

	if ctxErr := runCtx.Err(); ctxErr != nil {
		code := -1
		result.ExitCode = &code
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, engine.NewExecutionTimeoutError(
				fmt.Sprintf("Script execution timed out after %s", timeout), ctxErr).
				WithResource(task.ID)
		}
		return result, engine.NewPermanentError("script execution cancelled", ctxErr).WithResource(task.ID)
	}

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, engine.NewPermanentError("script did not exit cleanly", waitErr).WithResource(task.ID)
		}
		code = exitErr.ExitCode()
	}
	result.ExitCode = &code

	return result, nil
}

func (t *Transport) writeScript(task *engine.Task) (string, error) {
	f, err := os.CreateTemp(t.tempDir, "deployctl-*.sh")
	if err != nil {
		return "", err
	}
	path := f.Name()

	// CreateTemp already uses 0600; the owner also needs execute.
	if err := f.Chmod(0o700); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if _, err := f.WriteString(task.Script); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// interpreter returns the argv prefix that runs script.
func (t *Transport) interpreter(script string) []string {
	line, _, _ := bufio.NewReader(strings.NewReader(script)).ReadLine()
	first := string(line)
	if strings.HasPrefix(first, "#!") {
		if fields := strings.Fields(strings.TrimPrefix(first, "#!")); len(fields) > 0 {
			return fields
		}
	}
	return []string{t.shell}
}
