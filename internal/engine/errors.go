package engine

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrProvision marks a failure to acquire a guest. The plan fails
	// but finish still runs for guests that were acquired.
	ErrProvision = errors.New("provision error")

	// ErrAborted marks a run aborted by tmt-abort or --exit-first.
	ErrAborted = errors.New("run aborted")
)

// fatalError wraps an error that must cancel in-flight peers of a
// concurrently dispatched phase.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks an error as fatal for the dispatcher: peers running the
// same phase on other guests receive a cooperative cancellation.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether the error carries the fatal marker.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// AbortFlag is the shared abort state of a run. Once raised, all
// not-yet-started tests are skipped and the run proceeds directly to
// finish and report.
type AbortFlag struct {
	mu     sync.Mutex
	raised bool
	reason string
}

// Raise sets the abort flag. The first reason wins.
func (a *AbortFlag) Raise(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.raised {
		a.raised = true
		a.reason = reason
	}
}

// Raised returns the abort state and its reason.
func (a *AbortFlag) Raised() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raised, a.reason
}

// internalError wraps unexpected engine conditions; the CLI maps it to
// exit code 3.
type internalError struct {
	err error
}

func (e *internalError) Error() string { return fmt.Sprintf("internal engine error: %v", e.err) }
func (e *internalError) Unwrap() error { return e.err }

// Internal marks an error as an internal engine error.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &internalError{err: err}
}

// IsInternal reports whether the error is an internal engine error.
func IsInternal(err error) bool {
	var ie *internalError
	return errors.As(err, &ie)
}
