// Package timeout races an operation against a deadline.
//
// Unlike context.WithTimeout alone, the operation is not assumed to honor
// cancellation: when the deadline wins, the operation keeps running in its
// goroutine and whatever it eventually produces is handed to a cleanup
// callback so late resources (rooms, peer connections, sockets) are released.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the deadline fires before the operation completes.
var ErrTimeout = errors.New("operation timed out")

type result[T any] struct {
	val T
	err error
}

// Run executes op with a context that is cancelled after d. If op has not
// returned by then Run returns ErrTimeout (wrapped with d) and, once op does
// return, passes a successful late value to cleanup. cleanup may be nil.
func Run[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error), cleanup func(T)) (T, error) {
	var zero T
	if d <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, d)
	done := make(chan result[T], 1)

	go func() {
		v, err := op(opCtx)
		done <- result[T]{val: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	abandon := func() {
		go func() {
			defer cancel()
			r := <-done
			if r.err == nil && cleanup != nil {
				cleanup(r.val)
			}
		}()
	}

	select {
	case r := <-done:
		cancel()
		return r.val, r.err
	case <-timer.C:
		abandon()
		return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
	case <-ctx.Done():
		abandon()
		return zero, ctx.Err()
	}
}

// Do is Run for operations that only return an error.
func Do(ctx context.Context, d time.Duration, op func(context.Context) error) error {
	_, err := Run(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, nil)
	return err
}
