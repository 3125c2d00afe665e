package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallTimeoutIsDistinct(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := Call(context.Background(), 30*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, KindTimeout, Classify(err))
}

func TestCallContextAwareDeadline(t *testing.T) {
	err := Call(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("fetch: %w", ctx.Err())
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestCallRecoversPanic(t *testing.T) {
	err := Call(context.Background(), time.Second, func(context.Context) error {
		panic("boom")
	})
	require.ErrorIs(t, err, ErrPanic)
	assert.Equal(t, KindPanic, Classify(err))
}

func TestDoReturnsValue(t *testing.T) {
	v, err := Do(context.Background(), time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCallParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Call(ctx, time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindBadRequest, Classify(errors.New("telegram: chat not found (400)")))
	assert.Equal(t, KindForbidden, Classify(errors.New("telegram: bot was blocked by the user (403)")))
	assert.Equal(t, KindDial, Classify(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, KindUnknown, Classify(errors.New("weird")))
	assert.Equal(t, "", Classify(nil))
}

func TestRedact(t *testing.T) {
	err := errors.New(`Post "https://api.telegram.org/bot123456:AA-bb_cc/sendMessage": EOF`)
	assert.Equal(t, `Post "https://api.telegram.org/bot<redacted>/sendMessage": EOF`, Redact(err))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
