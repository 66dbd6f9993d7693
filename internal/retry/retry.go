// Package retry holds the backoff policies shared by the session client
// and the room connection manager.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Linear waits base, 2*base, 3*base, ... between tries.
type Linear struct {
	Base time.Duration
	n    int
}

// NewLinear returns a linear policy starting at base.
func NewLinear(base time.Duration) *Linear { return &Linear{Base: base} }

func (l *Linear) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.Base
}

func (l *Linear) Reset() { l.n = 0 }

// Exponential returns a capped exponential policy with no elapsed-time limit;
// the attempt budget is enforced by Attempts.
func Exponential(initial, max time.Duration) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = initial
	ebo.MaxInterval = max
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	return ebo
}

// Attempts bounds b to n total tries (n-1 retries) and ties it to ctx.
func Attempts(ctx context.Context, b backoff.BackOff, n int) backoff.BackOffContext {
	if n < 1 {
		n = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(n-1)), ctx)
}
