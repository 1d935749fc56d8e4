// Package poll is the bounded fixed-interval wait shared by every strategy
// that has to wait for an asynchronous result.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrTimeout means the attempts ran out before the result was ready.
var ErrTimeout = errors.New("poll: timed out")

var errPending = errors.New("poll: result pending")

// Policy is a fixed interval and a fixed number of attempts.
type Policy struct {
	Interval time.Duration
	Attempts int
}

// Default is 20 checks 500ms apart, roughly ten seconds.
func Default() Policy {
	return Policy{Interval: 500 * time.Millisecond, Attempts: 20}
}

// Budget is the longest Until can wait between checks in total.
func (p Policy) Budget() time.Duration {
	if p.Attempts <= 1 {
		return 0
	}
	return time.Duration(p.Attempts-1) * p.Interval
}

func (p Policy) String() string {
	return fmt.Sprintf("%d x %s", p.Attempts, p.Interval)
}

// Check reports whether the result is ready. A non-nil error stops polling
// immediately and is returned as is.
type Check[T any] func(ctx context.Context) (T, bool, error)

// Until runs check until it reports ready, fails, or the policy runs out,
// in which case ErrTimeout is returned.
func Until[T any](ctx context.Context, p Policy, check Check[T]) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	op := func() (T, error) {
		v, ready, err := check(ctx)
		if err != nil {
			return v, backoff.Permanent(err)
		}
		if !ready {
			return v, errPending
		}
		return v, nil
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Interval)),
		backoff.WithMaxTries(uint(attempts)),
	)
	if errors.Is(err, errPending) {
		var zero T
		return zero, ErrTimeout
	}
	return v, err
}
