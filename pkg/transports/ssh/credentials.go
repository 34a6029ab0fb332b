package ssh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// Credential reference prefixes understood by CredentialResolver.
const (
	refKeyring  = "keyring:"
	refEnv      = "env:"
	refPassword = "password:"
	refFile     = "file:"
	refAgent    = "agent"
)

// CredentialResolver turns a target's AuthRef into a connection Config.
//
// Supported CredentialRef forms:
//
//	keyring:<service>   secret stored in the OS keyring under (service, principal)
//	env:<VAR>           secret held in an environment variable
//	password:<literal>  inline password, for tests
//	file:<path>, <path> private key file; "~/" is expanded
//	agent               keys offered by the SSH agent
//	(empty)             the SSH agent when SSH_AUTH_SOCK is set, else a default key
//
// Secrets from the keyring or environment are treated as private keys when
// they are PEM encoded and as passwords otherwise.
type CredentialResolver struct {
	KnownHostsPath        string
	StrictHostKeyChecking bool
	ConnectionTimeout     time.Duration
	RemoteTempDir         string

	keyringGet func(service, user string) (string, error)
	getenv     func(string) string
}

// NewCredentialResolver returns a resolver with the package defaults.
func NewCredentialResolver() *CredentialResolver {
	defaults := DefaultConfig("", "")
	return &CredentialResolver{
		KnownHostsPath:        defaults.KnownHostsPath,
		StrictHostKeyChecking: defaults.StrictHostKeyChecking,
		ConnectionTimeout:     defaults.ConnectionTimeout,
		RemoteTempDir:         defaults.RemoteTempDir,
		keyringGet:            keyring.Get,
		getenv:                os.Getenv,
	}
}

// ConfigFor builds the connection Config for target.
// Missing or unreadable credentials are permanent errors: retrying cannot fix them.
func (r *CredentialResolver) ConfigFor(target *engine.Target) (*Config, error) {
	if target.Auth == nil || target.Auth.Principal == "" {
		return nil, authError(target, "target has no remote principal configured", nil)
	}

	host := target.Address
	if host == "" {
		host = target.Hostname
	}

	cfg := DefaultConfig(host, target.Auth.Principal)
	cfg.Port = target.Auth.PortOrDefault()
	cfg.KnownHostsPath = r.KnownHostsPath
	cfg.StrictHostKeyChecking = r.StrictHostKeyChecking
	if r.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = r.ConnectionTimeout
	}
	if r.RemoteTempDir != "" {
		cfg.RemoteTempDir = r.RemoteTempDir
	}

	cfg.AgentSocket = r.getenv("SSH_AUTH_SOCK")

	ref := strings.TrimSpace(target.Auth.CredentialRef)
	switch {
	case ref == "":
		if cfg.AgentSocket != "" {
			cfg.AuthMethod = AuthMethodAgent
		} else {
			cfg.AuthMethod = AuthMethodKey
			cfg.PrivateKeyPath = defaultKeyPath(r.getenv("HOME"))
		}

	case ref == refAgent:
		cfg.AuthMethod = AuthMethodAgent

	case strings.HasPrefix(ref, refKeyring):
		service := strings.TrimPrefix(ref, refKeyring)
		secret, err := r.keyringGet(service, target.Auth.Principal)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return nil, authError(target, fmt.Sprintf("no keyring secret for %s/%s", service, target.Auth.Principal), err)
			}
			return nil, authError(target, "failed to read keyring", err)
		}
		applySecret(cfg, secret)

	case strings.HasPrefix(ref, refEnv):
		name := strings.TrimPrefix(ref, refEnv)
		secret := r.getenv(name)
		if secret == "" {
			return nil, authError(target, fmt.Sprintf("environment variable %s is empty", name), nil)
		}
		applySecret(cfg, secret)

	case strings.HasPrefix(ref, refPassword):
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = strings.TrimPrefix(ref, refPassword)

	default:
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKeyPath = expandHome(strings.TrimPrefix(ref, refFile), r.getenv("HOME"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, authError(target, "invalid credentials", err)
	}

	return cfg, nil
}

func applySecret(cfg *Config, secret string) {
	if strings.HasPrefix(strings.TrimSpace(secret), "-----BEGIN") {
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKey = []byte(secret)
		return
	}
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = secret
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func authError(target *engine.Target, message string, err error) *engine.EngineError {
	return engine.NewPermanentError(message, err).
		WithCode(engine.ErrCodeConnection).
		WithResource(target.ID).
		WithOperation("authenticate")
}
