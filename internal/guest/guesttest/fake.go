// Package guesttest provides a configurable fake guest for engine and
// plugin tests.
package guesttest

import (
	"context"
	"sync"
	"time"

	"github.com/tmx-org/tmx/internal/guest"
)

// FakeGuest implements guest.Guest for tests. Commands delegate to a
// local subprocess by default, so real scripts run; every call is
// recorded for assertions. Reboot succeeds and counts instead of
// touching the machine.
type FakeGuest struct {
	GuestName string
	GuestRole string

	// RunFunc overrides command execution when set.
	RunFunc func(ctx context.Context, cmd string, opts guest.RunOptions) (guest.RunResult, error)
	// RebootErr is returned by Reboot when set.
	RebootErr error
	// Rebootable controls the reboot capability flag.
	Rebootable bool

	local guest.Guest

	mu       sync.Mutex
	commands []string
	events   []string
	reboots  int
	released bool
}

// NewFakeGuest creates a fake guest delegating to local execution.
func NewFakeGuest(name, role string) *FakeGuest {
	return &FakeGuest{
		GuestName:  name,
		GuestRole:  role,
		Rebootable: true,
		local:      guest.NewLocalGuest(name, role),
	}
}

func (g *FakeGuest) Name() string { return g.GuestName }
func (g *FakeGuest) Role() string { return g.GuestRole }

func (g *FakeGuest) Capabilities() guest.Capability {
	return guest.Capability{Reboot: g.Rebootable, Push: true, ParallelProvision: true}
}

func (g *FakeGuest) Facts() guest.Facts {
	return guest.Facts{
		Name:      g.GuestName,
		Role:      g.GuestRole,
		Hostname:  g.GuestName + ".example.com",
		Addresses: map[string]string{"ipv4": "127.0.0.1"},
	}
}

func (g *FakeGuest) record(event string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, event)
}

// Events returns the recorded event trace.
func (g *FakeGuest) Events() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.events...)
}

// Commands returns every command passed to Run.
func (g *FakeGuest) Commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.commands...)
}

// Reboots returns how many times Reboot was called.
func (g *FakeGuest) Reboots() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reboots
}

// Released reports whether Release was called.
func (g *FakeGuest) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

func (g *FakeGuest) Run(ctx context.Context, cmd string, opts guest.RunOptions) (guest.RunResult, error) {
	g.mu.Lock()
	g.commands = append(g.commands, cmd)
	g.mu.Unlock()
	if g.RunFunc != nil {
		return g.RunFunc(ctx, cmd, opts)
	}
	return g.local.Run(ctx, cmd, opts)
}

func (g *FakeGuest) Push(ctx context.Context, local, remote string) error {
	return g.local.Push(ctx, local, remote)
}

func (g *FakeGuest) Pull(ctx context.Context, remote, local string) error {
	return g.local.Pull(ctx, remote, local)
}

func (g *FakeGuest) Reboot(_ context.Context, _ string, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.Rebootable {
		return guest.ErrRebootUnsupported
	}
	if g.RebootErr != nil {
		return g.RebootErr
	}
	g.reboots++
	g.events = append(g.events, "reboot")
	return nil
}

func (g *FakeGuest) Reconnect(context.Context, time.Duration) error { return nil }

func (g *FakeGuest) Release(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
	return nil
}
