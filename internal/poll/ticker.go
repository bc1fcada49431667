// Package poll provides a single generalized wait-for-state-transition
// primitive used anywhere the driver needs to watch a hypervisor operation
// converge: graceful shutdown, migration completion, destination readiness.
package poll

import (
	"context"
	"time"
)

// Predicate is evaluated on every tick. It returns done=true once the target
// state has been observed, or an error if the wait should stop early.
type Predicate func() (done bool, err error)

// Ticker polls a Predicate at a fixed interval until it reports done, returns
// an error, or the timeout elapses.
type Ticker struct {
	Interval time.Duration
	Timeout  time.Duration
}

// NewTicker returns a Ticker with the given interval and timeout. The
// destroy/rescue/migrate call sites in this driver all use a 500ms interval.
func NewTicker(interval, timeout time.Duration) *Ticker {
	return &Ticker{Interval: interval, Timeout: timeout}
}

// Wait runs pred on every tick until it reports done, returns an error, or
// the Ticker's timeout elapses (in which case Wait returns context.DeadlineExceeded).
// The first evaluation happens after one interval, not immediately, matching
// the "poll after each hypervisor command" convention: the command just
// issued needs at least one tick to take effect before it's worth checking.
func (t *Ticker) Wait(ctx context.Context, pred Predicate) error {
	waitCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return waitCtx.Err()
		case <-ticker.C:
			done, err := pred()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// Retry runs pred up to attempts times, sleeping interval between attempts,
// returning nil as soon as pred reports done. Used for the live-migration
// destination-readiness wait, which is bounded by a retry count rather than
// a wall-clock timeout.
func Retry(ctx context.Context, attempts int, interval time.Duration, pred Predicate) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		done, err := pred()
		if err == nil && done {
			return nil
		}
		lastErr = err
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return context.DeadlineExceeded
}
