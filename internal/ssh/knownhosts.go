package ssh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyCallback verifies upstream host keys against the known_hosts file at
// path. An empty path turns verification off.
func HostKeyCallback(path string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Verification explicitly disabled.
	}
	k, err := OpenKnownHosts(path, logger)
	if err != nil {
		return nil, err
	}
	return k.Verify, nil
}

// KnownHosts is a known_hosts file used with trust on first use: a host seen
// for the first time has its key recorded, and a recorded host presenting a
// different key is refused.
type KnownHosts struct {
	path string
	log  *slog.Logger

	mu    sync.Mutex
	check ssh.HostKeyCallback
}

// OpenKnownHosts loads path, creating it and its directory if needed.
func OpenKnownHosts(path string, logger *slog.Logger) (*KnownHosts, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	_ = f.Close()

	k := &KnownHosts{path: path, log: logger}
	if err := k.reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// Verify is an ssh.HostKeyCallback.
func (k *KnownHosts) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.check(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	switch {
	case err == nil:
		return nil
	case !errors.As(err, &keyErr):
		return err
	case len(keyErr.Want) > 0:
		return fmt.Errorf("host key for %s changed: %w", hostname, err)
	}

	if err := k.record(hostname, key); err != nil {
		return err
	}
	k.log.Info("recorded ssh host key", "host", hostname, "type", key.Type(), "file", k.path)
	return nil
}

func (k *KnownHosts) record(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key) + "\n"
	_, err = f.WriteString(line)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	return k.reload()
}

func (k *KnownHosts) reload() error {
	check, err := knownhosts.New(k.path)
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	k.check = check
	return nil
}
