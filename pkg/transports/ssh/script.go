package ssh

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// ScriptTransport runs deployment scripts on remote targets over SSH.
// Each call opens its own connection; nothing is pooled between tasks.
type ScriptTransport struct {
	resolver *CredentialResolver
}

// NewScriptTransport creates a transport that authenticates through resolver.
func NewScriptTransport(resolver *CredentialResolver) *ScriptTransport {
	if resolver == nil {
		resolver = NewCredentialResolver()
	}
	return &ScriptTransport{resolver: resolver}
}

// Execute uploads task.Script to the target, runs it and removes it again.
func (t *ScriptTransport) Execute(ctx context.Context, target *engine.Target, task *engine.Task, timeout time.Duration) (*engine.ExecResult, error) {
	startTime := time.Now()

	cfg, err := t.resolver.ConfigFor(target)
	if err != nil {
		return nil, err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	client, err := Dial(dialCtx, cfg)
	cancelDial()
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to connect to %s", cfg.Address()), target)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Debug().Err(err).Str("target", target.ID).Msg("failed to close SSH connection")
		}
	}()

	remotePath := path.Join(cfg.RemoteTempDir, "deployctl-"+task.ID+".sh")
	if err := client.UploadScript(ctx, remotePath, task.Script); err != nil {
		// A partial file may exist.
		_ = client.RemoveFile(remotePath)
		return nil, classify(err, "failed to transfer script", target)
	}
	defer func() {
		if err := client.RemoveFile(remotePath); err != nil {
			log.Warn().Err(err).Str("target", target.ID).Str("remote_path", remotePath).Msg("failed to remove remote script")
		}
	}()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	quoted := shellQuote(remotePath)
	res, err := client.Run(runCtx, fmt.Sprintf("chmod 700 %s && %s", quoted, quoted))

	result := &engine.ExecResult{Duration: time.Since(startTime)}
	if res != nil {
		result.Output = res.Stdout
		result.ErrorOutput = res.Stderr
		result.ExitCode = res.ExitCode
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return result, engine.NewExecutionTimeoutError(
				fmt.Sprintf("Script execution timed out after %s", timeout), err).
				WithResource(target.ID)
		}
		if errors.Is(err, context.Canceled) {
			return result, engine.NewPermanentError("script execution cancelled", err).WithResource(target.ID)
		}
		return result, classify(err, "remote execution failed", target)
	}

	log.Debug().
		Str("target", target.ID).
		Str("task_id", task.ID).
		Int("exit_code", *result.ExitCode).
		Dur("duration", result.Duration).
		Msg("remote script finished")

	return result, nil
}

// classify maps transport failures onto engine error classes.
// Authentication failures cannot be fixed by retrying; everything else can.
func classify(err error, message string, target *engine.Target) error {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		return err
	}

	var tErr *TransportError
	if errors.As(err, &tErr) && tErr.IsAuthError {
		return engine.NewPermanentError(message, err).
			WithCode(engine.ErrCodeConnection).
			WithResource(target.ID)
	}
	return engine.NewConnectionError(message, err).WithResource(target.ID)
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
