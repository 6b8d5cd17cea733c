// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these functions instead of raw strings to ensure consistent
// and type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Plan creates a tag for plan names.
func Plan(name string) slog.Attr {
	return slog.String("plan", name)
}

// Step creates a tag for step names.
func Step(name string) slog.Attr {
	return slog.String("step", name)
}

// Phase creates a tag for phase names within a step.
func Phase(name string) slog.Attr {
	return slog.String("phase", name)
}

// Guest creates a tag for guest names.
func Guest(name string) slog.Attr {
	return slog.String("guest", name)
}

// Role creates a tag for guest roles.
func Role(role string) slog.Attr {
	return slog.String("role", role)
}

// Test creates a tag for test names.
func Test(name string) slog.Attr {
	return slog.String("test", name)
}

// Serial creates a tag for test invocation serial numbers.
func Serial(n int) slog.Attr {
	return slog.Int("serial", n)
}

// RunID creates a tag for run identifiers.
func RunID(id string) slog.Attr {
	return slog.String("run-id", id)
}

// Result creates a tag for result outcomes.
func Result(r string) slog.Attr {
	return slog.String("result", r)
}

// Status creates a tag for step status values.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// How creates a tag for plugin variant names.
func How(how string) slog.Attr {
	return slog.String("how", how)
}

// File creates a tag for file paths.
func File(path string) slog.Attr {
	return slog.String("file", path)
}

// Dir creates a tag for directory paths.
func Dir(path string) slog.Attr {
	return slog.String("dir", path)
}

// Command creates a tag for commands being executed.
func Command(cmd string) slog.Attr {
	return slog.String("command", cmd)
}

// ExitCode creates a tag for process exit codes.
func ExitCode(code int) slog.Attr {
	return slog.Int("exit-code", code)
}

// Timeout creates a tag for timeout duration values.
func Timeout(d time.Duration) slog.Attr {
	return slog.Duration("timeout", d)
}

// Duration creates a tag for time durations.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Count creates a tag for numeric counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Check creates a tag for check kinds.
func Check(how string) slog.Attr {
	return slog.String("check", how)
}

// Host creates a tag for host addresses.
func Host(host string) slog.Attr {
	return slog.String("host", host)
}

// Reason creates a tag for the reason for an action or state.
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}
