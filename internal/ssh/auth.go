package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentKeys is the --ssh-key value that selects the keys held by ssh-agent.
const AgentKeys = "agent"

// AgentAvailable reports whether SSH_AUTH_SOCK points at an agent.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// Credentials are what the proxy logs in to an ssh:// upstream with. Keys
// are offered before the password.
type Credentials struct {
	methods []ssh.AuthMethod
	agent   net.Conn
}

// LoadCredentials resolves keySource, which is AgentKeys, the path of an
// OpenSSH private key, or empty, and combines it with password. At least one
// of them must yield something to authenticate with.
func LoadCredentials(keySource, password string) (*Credentials, error) {
	c := &Credentials{}

	switch keySource {
	case "":
	case AgentKeys:
		if err := c.useAgent(); err != nil {
			if password == "" {
				return nil, err
			}
		}
	default:
		signer, err := readKey(keySource)
		if err != nil {
			return nil, err
		}
		c.methods = append(c.methods, ssh.PublicKeys(signer))
	}

	if password != "" {
		c.methods = append(c.methods, ssh.Password(password))
	}
	if len(c.methods) == 0 {
		return nil, errors.New("no password or key to authenticate with")
	}
	return c, nil
}

// Methods returns the auth methods for ssh.ClientConfig.
func (c *Credentials) Methods() []ssh.AuthMethod {
	return c.methods
}

// Close releases the agent connection, if any.
func (c *Credentials) Close() error {
	if c.agent == nil {
		return nil
	}
	return c.agent.Close()
}

// useAgent asks ssh-agent for signatures at handshake time, so keys added to
// the agent later are picked up on reconnect.
func (c *Credentials) useAgent() error {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return errors.New("ssh-agent: SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return fmt.Errorf("ssh-agent: %w", err)
	}
	ac := agent.NewClient(conn)
	keys, err := ac.List()
	if err == nil && len(keys) == 0 {
		err = errors.New("no keys loaded")
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh-agent: %w", err)
	}

	c.agent = conn
	c.methods = append(c.methods, ssh.PublicKeysCallback(ac.Signers))
	return nil
}

func readKey(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	switch {
	case errors.As(err, &missing):
		return nil, fmt.Errorf("ssh key %s is passphrase protected; add it to ssh-agent and use --ssh-key=%s", path, AgentKeys)
	case err != nil:
		return nil, fmt.Errorf("ssh key %s: %w", path, err)
	}
	return signer, nil
}
