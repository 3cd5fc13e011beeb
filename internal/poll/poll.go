// Package poll provides a bounded condition wait shared by the boot
// health probe and the connection drain wait.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimedOut is returned when the ceiling elapses before the condition holds.
var ErrTimedOut = errors.New("poll: ceiling elapsed before condition was satisfied")

// Condition reports whether the awaited state has been reached. A non-nil
// error aborts the wait immediately.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates fn every interval until it reports true, the ceiling
// elapses, or ctx is canceled. fn is evaluated once immediately so a
// condition that already holds never sleeps.
func Until(ctx context.Context, interval, ceiling time.Duration, fn Condition) error {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(ceiling)

	ok, err := fn(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if time.Now().After(deadline) {
				return ErrTimedOut
			}
			ok, err := fn(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}
