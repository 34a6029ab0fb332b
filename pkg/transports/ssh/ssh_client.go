package ssh

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is one authenticated SSH connection to a target.
type Client struct {
	config *Config
	client *ssh.Client
	closer func() error
}

// Dial validates cfg and connects to the remote host.
// The dial is abandoned when ctx is done; a connection that completes late is closed.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Host: cfg.Host, Err: err, IsAuthError: true}
	}

	clientConfig, closer, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: cfg.Host, Err: err, IsAuthError: true}
	}

	address := cfg.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	abandoned := make(chan struct{})

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- client:
		case <-abandoned:
			_ = client.Close()
		}
	}()

	select {
	case <-ctx.Done():
		close(abandoned)
		_ = closer()
		return nil, &TransportError{Op: "connect", Host: address, Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		_ = closer()
		return nil, &TransportError{
			Op:          "connect",
			Host:        address,
			Err:         err,
			IsTemporary: !isAuthFailure(err),
			IsAuthError: isAuthFailure(err),
		}
	case client := <-connChan:
		log.Debug().Str("address", address).Msg("SSH connection established")
		return &Client{config: cfg, client: client, closer: closer}, nil
	}
}

// Close closes the connection and any agent socket it holds.
func (c *Client) Close() error {
	err := c.client.Close()
	if cerr := c.closer(); err == nil {
		err = cerr
	}
	return err
}

// Address returns the host:port this client is connected to.
func (c *Client) Address() string {
	return c.config.Address()
}

func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

func (c *Client) newSession() (*ssh.Session, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "session",
			Host:        c.Address(),
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	return session, nil
}
