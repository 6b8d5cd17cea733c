// Package backoff bounds retries of transient guest-communication
// failures.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrRetriesExhausted is returned when the maximum number of retries
// has been reached.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy computes retry intervals with exponential backoff.
type Policy struct {
	// InitialInterval is the wait before the first retry.
	InitialInterval time.Duration
	// Factor multiplies the interval after each retry.
	Factor float64
	// MaxInterval caps the computed interval.
	MaxInterval time.Duration
	// MaxRetries bounds the number of retries. 0 means unlimited.
	MaxRetries int
}

// DefaultPolicy is the bounded window used for guest communication.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: time.Second,
		Factor:          2.0,
		MaxInterval:     10 * time.Second,
		MaxRetries:      3,
	}
}

// NextInterval computes the wait before retry number retryCount.
func (p Policy) NextInterval(retryCount int) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	interval := float64(p.InitialInterval) * math.Pow(p.Factor, float64(retryCount))
	if interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}
	return time.Duration(interval), nil
}

// Retry runs op until it succeeds, the policy is exhausted, or the
// context is done. The last operation error is returned on exhaustion.
func Retry(ctx context.Context, policy Policy, op func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if lastErr = op(); lastErr == nil {
			return nil
		}
		interval, err := policy.NextInterval(attempt)
		if err != nil {
			return lastErr
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
