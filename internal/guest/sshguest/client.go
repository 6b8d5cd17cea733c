// Package sshguest implements the connect provisioner: a guest reached
// over SSH with sftp-based file transfer.
package sshguest

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tmx-org/tmx/internal/cmn/fileutil"
	"github.com/tmx-org/tmx/internal/guest"
)

const defaultSSHTimeout = 30 * time.Second

// clientConfig holds the resolved SSH connection parameters.
type clientConfig struct {
	hostPort string
	cfg      *ssh.ClientConfig
}

func newClientConfig(spec guest.Spec, strictHostKey bool) (*clientConfig, error) {
	authMethod, err := selectAuthMethod(spec)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := getHostKeyCallback(strictHostKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to setup host key verification: %w", err)
	}

	port := spec.Port
	if port == "" || port == "0" {
		port = "22"
	}
	user := spec.User
	if user == "" {
		user = "root"
	}

	return &clientConfig{
		hostPort: net.JoinHostPort(spec.Host, port),
		cfg: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{authMethod},
			HostKeyCallback: hostKeyCallback,
			Timeout:         defaultSSHTimeout,
		},
	}, nil
}

func (c *clientConfig) dial() (*ssh.Client, error) {
	conn, err := ssh.Dial("tcp", c.hostPort, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", guest.ErrUnreachable, err)
	}
	return conn, nil
}

// getHostKeyCallback returns the host key callback based on configuration.
func getHostKeyCallback(strictHostKey bool, knownHostFile string) (ssh.HostKeyCallback, error) {
	if !strictHostKey {
		return ssh.InsecureIgnoreHostKey(), nil // nolint: gosec
	}

	if knownHostFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		knownHostFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	knownHostFile, err := fileutil.ResolvePath(knownHostFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve known_hosts path: %w", err)
	}

	return knownhosts.New(knownHostFile)
}

// selectAuthMethod selects the authentication method for the spec.
// Priority: explicit key > default keys > password.
func selectAuthMethod(spec guest.Spec) (ssh.AuthMethod, error) {
	if spec.Key != "" {
		keyPath, err := fileutil.ResolvePath(spec.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve key path: %w", err)
		}
		signer, err := getPublicKeySigner(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key from %s: %w", keyPath, err)
		}
		return ssh.PublicKeys(signer), nil
	}

	for _, defaultKey := range getDefaultSSHKeys() {
		if _, err := os.Stat(defaultKey); err == nil {
			if signer, err := getPublicKeySigner(defaultKey); err == nil {
				return ssh.PublicKeys(signer), nil
			}
		}
	}

	if spec.Password != "" {
		return ssh.Password(spec.Password), nil
	}

	return nil, fmt.Errorf("no authentication method available: provide either SSH key or password")
}

func getDefaultSSHKeys() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	sshDir := filepath.Join(home, ".ssh")
	return []string{
		filepath.Join(sshDir, "id_rsa"),
		filepath.Join(sshDir, "id_ecdsa"),
		filepath.Join(sshDir, "id_ed25519"),
	}
}

func getPublicKeySigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}
