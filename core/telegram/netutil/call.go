// Package netutil bounds and classifies calls to remote services.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout marks a call abandoned because its deadline passed.
	ErrTimeout = errors.New("call timed out")
	// ErrPanic marks a call whose function panicked.
	ErrPanic = errors.New("call panicked")
)

// Do runs fn with a deadline of timeout (none when timeout <= 0).
//
// fn receives the bounded context. Clients that ignore contexts (the
// Telegram client does) are abandoned when the deadline passes: Do returns
// ErrTimeout at once and fn finishes in the background. A panic in fn is
// returned as ErrPanic instead of crashing the process.
func Do[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && !errors.Is(res.err, ErrTimeout) {
			return zero, fmt.Errorf("%w: %w", ErrTimeout, res.err)
		}
		return res.v, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}

// Call is Do for functions without a result.
func Call(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Do(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
