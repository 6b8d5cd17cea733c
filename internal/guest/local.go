package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/tmx-org/tmx/internal/cmn/fileutil"
)

func init() {
	RegisterProvider("local", func() Provider { return localProvider{} })
}

type localProvider struct{}

func (localProvider) ParallelSafe() bool { return true }

func (localProvider) Acquire(_ context.Context, spec Spec) (Guest, error) {
	return &LocalGuest{spec: spec}, nil
}

// LocalGuest runs commands as subprocesses on the engine host. It does
// not support reboot; push and pull degrade to filesystem copies so the
// rest of the engine can stay path-agnostic.
type LocalGuest struct {
	spec Spec
}

// NewLocalGuest creates a local guest with the given identity. Used by
// tests and the local provisioner.
func NewLocalGuest(name, role string) *LocalGuest {
	return &LocalGuest{spec: Spec{How: "local", Name: name, Role: role}}
}

func (g *LocalGuest) Name() string { return g.spec.Name }
func (g *LocalGuest) Role() string { return g.spec.Role }

func (g *LocalGuest) Capabilities() Capability {
	return Capability{Reboot: false, Push: true, ParallelProvision: true}
}

func (g *LocalGuest) Facts() Facts {
	hostname, _ := os.Hostname()
	return Facts{
		Name:      g.spec.Name,
		Role:      g.spec.Role,
		Hostname:  hostname,
		Addresses: map[string]string{"ipv4": "127.0.0.1"},
	}
}

func (g *LocalGuest) Run(ctx context.Context, cmd string, opts RunOptions) (RunResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	command := exec.CommandContext(ctx, "sh", "-c", cmd)
	command.Dir = opts.Dir
	command.Env = os.Environ()
	for k, v := range opts.Env {
		command.Env = append(command.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Send SIGTERM first on timeout; SIGKILL follows when the process
	// does not surrender within WaitDelay.
	command.Cancel = func() error {
		return command.Process.Signal(syscall.SIGTERM)
	}
	command.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	var runErr error
	if opts.TTY {
		runErr = g.runWithTTY(command, &stdout)
	} else {
		command.Stdout = &stdout
		command.Stderr = &stderr
		runErr = command.Run()
	}

	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
			if ctx.Err() == context.DeadlineExceeded {
				return res, ErrTimeout
			}
			return res, nil
		case ctx.Err() == context.DeadlineExceeded:
			return res, ErrTimeout
		default:
			return res, fmt.Errorf("failed to run command: %w", runErr)
		}
	}
	return res, nil
}

func (g *LocalGuest) runWithTTY(command *exec.Cmd, out *bytes.Buffer) error {
	ptmx, err := pty.Start(command)
	if err != nil {
		return err
	}
	defer func() { _ = ptmx.Close() }()
	// EIO is the normal pty read error once the child exits.
	_, _ = io.Copy(out, ptmx)
	return command.Wait()
}

func (g *LocalGuest) Push(_ context.Context, local, remote string) error {
	if local == remote {
		return nil
	}
	if fileutil.IsDir(local) {
		return fileutil.CopyDir(local, remote)
	}
	return fileutil.CopyFile(local, remote)
}

func (g *LocalGuest) Pull(_ context.Context, remote, local string) error {
	if remote == local {
		return nil
	}
	if !fileutil.FileExists(remote) {
		return nil
	}
	if fileutil.IsDir(remote) {
		return fileutil.CopyDir(remote, local)
	}
	return fileutil.CopyFile(remote, local)
}

func (g *LocalGuest) Reboot(context.Context, string, time.Duration) error {
	return ErrRebootUnsupported
}

func (g *LocalGuest) Reconnect(context.Context, time.Duration) error { return nil }

func (g *LocalGuest) Release(context.Context) error { return nil }
