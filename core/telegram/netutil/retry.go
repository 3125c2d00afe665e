package netutil

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"
)

// ShouldRetry reports whether a network error is transient: dial failures,
// network timeouts and their url.Error wrappers. A Call timeout is not
// retried; the deadline already covered the whole attempt.
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, ErrTimeout) {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Timeout() || opErr.Op == "dial") {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		if urlErr.Err != nil && !errors.Is(urlErr.Err, err) {
			return ShouldRetry(urlErr.Err)
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Retry runs fn up to attempts times while ShouldRetry holds, sleeping
// backoff*attempt between tries.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil || !ShouldRetry(err) || attempt == attempts {
			return err
		}
		timer := time.NewTimer(backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
