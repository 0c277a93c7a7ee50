// Package retry provides the bounded retry primitive shared by the session
// registry and the broadcast engine.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retry loop. Attempts counts the first call.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// ErrExhausted is returned (wrapped with the last error) when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run out,
// or ctx is done. Waits between attempts honour ctx.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 && p.Interval > 0 {
			t := time.NewTimer(p.Interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		var perm permanent
		if errors.As(last, &perm) {
			return perm.err
		}
	}
	return errors.Join(ErrExhausted, last)
}

// Poll waits until cond reports true, checking every Interval up to Attempts times.
func Poll(ctx context.Context, p Policy, cond func() bool) bool {
	err := Do(ctx, p, func(context.Context) error {
		if cond() {
			return nil
		}
		return errNotYet
	})
	return err == nil
}

var errNotYet = errors.New("condition not met")
