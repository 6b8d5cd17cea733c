package sshguest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tmx-org/tmx/internal/cmn/backoff"
	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/guest"
)

func init() {
	guest.RegisterProvider("connect", func() guest.Provider { return connectProvider{} })
}

type connectProvider struct{}

func (connectProvider) ParallelSafe() bool { return true }

func (connectProvider) Acquire(ctx context.Context, spec guest.Spec) (guest.Guest, error) {
	if spec.Host == "" {
		return nil, fmt.Errorf("connect provisioner requires a host")
	}
	cfg, err := newClientConfig(spec, false)
	if err != nil {
		return nil, err
	}
	g := &SSHGuest{spec: spec, cfg: cfg}
	if err := g.connect(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// SSHGuest is an execution target reached over SSH. One master
// connection per guest is reused by all step invokers and torn down
// explicitly by Release; leaking it is the "stuck login" class of bugs.
type SSHGuest struct {
	spec guest.Spec
	cfg  *clientConfig

	mu   sync.Mutex
	conn *ssh.Client
}

func (g *SSHGuest) Name() string { return g.spec.Name }
func (g *SSHGuest) Role() string { return g.spec.Role }

func (g *SSHGuest) Capabilities() guest.Capability {
	return guest.Capability{Reboot: true, Push: true, ParallelProvision: true}
}

func (g *SSHGuest) Facts() guest.Facts {
	host, _, _ := strings.Cut(g.cfg.hostPort, ":")
	return guest.Facts{
		Name:      g.spec.Name,
		Role:      g.spec.Role,
		Hostname:  host,
		Addresses: map[string]string{"ipv4": host},
	}
}

func (g *SSHGuest) connect(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		return nil
	}
	conn, err := g.cfg.dial()
	if err != nil {
		return err
	}
	g.conn = conn
	return nil
}

func (g *SSHGuest) client() (*ssh.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil, guest.ErrUnreachable
	}
	return g.conn, nil
}

func (g *SSHGuest) dropConnection() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
}

func (g *SSHGuest) Run(ctx context.Context, cmd string, opts guest.RunOptions) (guest.RunResult, error) {
	// transient session failures are retried within a bounded window
	// before the phase instance gives up on this guest
	var session *ssh.Session
	err := backoff.Retry(ctx, backoff.DefaultPolicy(), func() error {
		conn, err := g.client()
		if err != nil {
			if reconnErr := g.connect(ctx); reconnErr != nil {
				return reconnErr
			}
			if conn, err = g.client(); err != nil {
				return err
			}
		}
		session, err = conn.NewSession()
		if err != nil {
			g.dropConnection()
			return fmt.Errorf("%w: %v", guest.ErrUnreachable, err)
		}
		return nil
	})
	if err != nil {
		return guest.RunResult{}, err
	}
	defer func() { _ = session.Close() }()

	for k, v := range opts.Env {
		// Env vars the sshd refuses are exported inline instead.
		if err := session.Setenv(k, v); err != nil {
			cmd = fmt.Sprintf("export %s=%s; %s", k, shellQuote(v), cmd)
		}
	}
	if opts.Dir != "" {
		cmd = fmt.Sprintf("cd %s && %s", shellQuote(opts.Dir), cmd)
	}
	if opts.TTY {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
			logger.Debug(ctx, "pty request failed", tag.Guest(g.spec.Name), tag.Error(err))
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(cmd); err != nil {
		g.dropConnection()
		return guest.RunResult{}, fmt.Errorf("%w: %v", guest.ErrUnreachable, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		res := guest.RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			return res, fmt.Errorf("%w: %v", guest.ErrUnreachable, err)
		}
		return res, nil
	case <-timeoutCh:
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(time.Second)
		_ = session.Signal(ssh.SIGKILL)
		return guest.RunResult{Stdout: stdout.String(), Stderr: stderr.String()}, guest.ErrTimeout
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return guest.RunResult{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	}
}

func (g *SSHGuest) Push(ctx context.Context, local, remote string) error {
	conn, err := g.client()
	if err != nil {
		return err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return pushFile(client, local, remote, info.Mode().Perm())
	}

	return filepath.Walk(local, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(local, path)
		if err != nil {
			return err
		}
		target := filepath.ToSlash(filepath.Join(remote, rel))
		if info.IsDir() {
			return client.MkdirAll(target)
		}
		return pushFile(client, path, target, info.Mode().Perm())
	})
}

func pushFile(client *sftp.Client, local, remote string, perm os.FileMode) error {
	if err := client.MkdirAll(filepath.ToSlash(filepath.Dir(remote))); err != nil {
		return err
	}
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := client.Create(remote)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return client.Chmod(remote, perm)
}

func (g *SSHGuest) Pull(ctx context.Context, remote, local string) error {
	conn, err := g.client()
	if err != nil {
		return err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	info, err := client.Stat(remote)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return pullFile(client, remote, local)
	}

	walker := client.Walk(remote)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(remote, walker.Path())
		if err != nil {
			return err
		}
		target := filepath.Join(local, rel)
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := pullFile(client, walker.Path(), target); err != nil {
			return err
		}
	}
	return nil
}

func pullFile(client *sftp.Client, remote, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}
	src, err := client.Open(remote)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// Reboot issues the reboot command and waits for the guest to come back.
func (g *SSHGuest) Reboot(ctx context.Context, command string, timeout time.Duration) error {
	if command == "" {
		command = "reboot"
	}
	logger.Info(ctx, "Rebooting guest", tag.Guest(g.spec.Name), tag.Command(command))

	// The connection usually dies mid-command; that is expected.
	_, _ = g.Run(ctx, command, guest.RunOptions{Timeout: 30 * time.Second})
	g.dropConnection()

	// Give the guest a moment to actually go down before polling.
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	return g.Reconnect(ctx, timeout)
}

// Reconnect polls the guest until the connection is re-established or
// the timeout expires.
func (g *SSHGuest) Reconnect(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.dropConnection()
		if lastErr = g.connect(ctx); lastErr == nil {
			logger.Info(ctx, "Guest reconnected", tag.Guest(g.spec.Name))
			return nil
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: gave up after %s: %v", guest.ErrUnreachable, timeout, lastErr)
}

func (g *SSHGuest) Release(ctx context.Context) error {
	logger.Debug(ctx, "Releasing guest", tag.Guest(g.spec.Name))
	g.dropConnection()
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
