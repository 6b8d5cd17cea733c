package engine

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tmx-org/tmx/internal/cmn/logger"
	"github.com/tmx-org/tmx/internal/cmn/logger/tag"
	"github.com/tmx-org/tmx/internal/guest"
)

// Dispatch runs fn once per guest and returns after every instance has
// finished, implementing the phase-level barrier: the next phase does
// not start on any guest until the current phase is done on all.
//
// With a single guest, or when sequential is set, instances run
// serially; a non-fatal failure on one guest still lets the remaining
// guests run, while a fatal one stops the loop.
// Concurrent instances share a context that is canceled when any
// instance fails with a fatal error, giving in-flight peers a
// cooperative cancellation signal; the dispatcher still waits for them
// to surrender so guest state is consistent before the step transitions.
func Dispatch(ctx context.Context, guests []guest.Guest, sequential bool, fn func(context.Context, guest.Guest) error) error {
	if len(guests) == 0 {
		return nil
	}

	if sequential || len(guests) == 1 {
		var errs []error
		for _, g := range guests {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			if err := fn(ctx, g); err != nil {
				errs = append(errs, err)
				if IsFatal(err) {
					break
				}
			}
		}
		return errors.Join(errs...)
	}

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var errs []error

	var eg errgroup.Group
	for _, g := range guests {
		g := g
		eg.Go(func() error {
			err := fn(phaseCtx, g)
			if err == nil {
				return nil
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			if IsFatal(err) {
				logger.Warn(ctx, "Fatal phase failure, canceling peers",
					tag.Guest(g.Name()), tag.Error(err))
				cancel()
			}
			return nil
		})
	}
	// the group never returns an error itself; the barrier is the wait
	_ = eg.Wait()

	return errors.Join(errs...)
}
