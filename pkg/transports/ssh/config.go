package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how a Config authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent uses the agent listening on Config.AgentSocket.
	AuthMethodAgent AuthMethod = "agent"
)

// Config describes how to reach and authenticate to one target.
type Config struct {
	Host       string     `validate:"required"`
	Port       int        `validate:"min=1,max=65535"`
	User       string     `validate:"required"`
	AuthMethod AuthMethod `validate:"oneof=password key agent"`

	Password string

	// PrivateKey is PEM key material from a keyring or the environment.
	// It wins over PrivateKeyPath.
	PrivateKey           []byte
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// AgentSocket is the agent's unix socket, SSH_AUTH_SOCK by default.
	AgentSocket string

	// With StrictHostKeyChecking off any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration `validate:"gt=0"`
	// RemoteTempDir receives uploaded scripts.
	RemoteTempDir string `validate:"required"`
}

// DefaultConfig returns key-authenticated settings for user@host:22.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		AgentSocket:           os.Getenv("SSH_AUTH_SOCK"),
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		RemoteTempDir:         "/tmp",
	}
}

var configValidator = validator.New()

// Validate checks c. Key authentication without a key falls back to the first
// of ~/.ssh/id_ed25519, id_rsa and id_ecdsa that exists.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fe := verrs[0]
			return fmt.Errorf("invalid ssh config: %s fails %s %s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Errorf("invalid ssh config: %w", err)
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if len(c.PrivateKey) > 0 {
			return nil
		}
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath(os.Getenv("HOME"))
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("no private key configured and none found in ~/.ssh")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if c.AgentSocket == "" {
			return fmt.Errorf("no SSH agent socket: SSH_AUTH_SOCK is not set")
		}
	}
	return nil
}

func defaultKeyPath(home string) string {
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildSSHClientConfig creates the x/crypto client config. The returned
// closer releases the agent connection, if one was opened.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, func() error, error) {
	auth, closer, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}

	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		_ = closer()
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, closer, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, func() error, error) {
	noop := func() error { return nil }

	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only offer keyboard-interactive for the password prompt.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, noop, nil

	case AuthMethodKey:
		signer, err := c.signer()
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", c.AgentSocket)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, conn.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
}

func (c *Config) signer() (ssh.Signer, error) {
	pemBytes := c.PrivateKey
	if len(pemBytes) == 0 {
		var err error
		if pemBytes, err = os.ReadFile(c.PrivateKeyPath); err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
	}

	var (
		signer ssh.Signer
		err    error
	)
	if c.PrivateKeyPassphrase == "" {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(c.PrivateKeyPassphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// hostKeyCallback verifies hosts against KnownHostsPath, reporting unknown
// hosts and changed keys distinctly.
func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	check, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) == 0 {
			return fmt.Errorf("host %s is not in %s (%s %s)", hostname, c.KnownHostsPath, key.Type(), ssh.FingerprintSHA256(key))
		}
		return fmt.Errorf("host key for %s changed: got %s, %s:%d expects %s",
			hostname, ssh.FingerprintSHA256(key), keyErr.Want[0].Filename, keyErr.Want[0].Line,
			ssh.FingerprintSHA256(keyErr.Want[0].Key))
	}, nil
}

// Address returns host:port, bracketing IPv6 hosts.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
