package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/callcenter-bots/core/telegram/netutil"
)

type attempt struct {
	to    int64
	text  string
	start time.Time
	end   time.Time
}

type fakeTransport struct {
	mu       sync.Mutex
	attempts []attempt
	cur      int
	peak     int
	delay    time.Duration
	fail     map[int64]error
	panicFor map[int64]bool
	block    chan struct{}
}

func (f *fakeTransport) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	f.cur++
	f.peak = max(f.peak, f.cur)
	start := time.Now()
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur--
	f.attempts = append(f.attempts, attempt{to: msg.To, text: msg.Text, start: start, end: time.Now()})
	if f.panicFor[msg.To] {
		panic("transport exploded")
	}
	return f.fail[msg.To]
}

func (f *fakeTransport) snapshot() []attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]attempt(nil), f.attempts...)
}

func (f *fakeTransport) byDestination() map[int64][]attempt {
	out := make(map[int64][]attempt)
	for _, a := range f.snapshot() {
		out[a.to] = append(out[a.to], a)
	}
	return out
}

func (d *Dispatcher) lanesLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

func closeWithin(t *testing.T, d *Dispatcher, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcherThrottlePerDestination(t *testing.T) {
	tr := &fakeTransport{fail: map[int64]error{2: errors.New("telegram: chat not found (400)")}}
	interval := 80 * time.Millisecond
	d := New(tr, Options{Name: "test", Parallelism: 4, Interval: interval, SendTimeout: time.Second})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		d.Text(ctx, 1, "x", Plain)
		d.Text(ctx, 2, "y", Plain)
		d.Text(ctx, int64(100+i), "other", Plain)
	}
	closeWithin(t, d, 5*time.Second)

	for to, list := range tr.byDestination() {
		for i := 1; i < len(list); i++ {
			gap := list[i].end.Sub(list[i-1].end)
			assert.GreaterOrEqual(t, gap, interval, "destination %d attempts %d and %d", to, i-1, i)
		}
	}
	// failures count against the throttle budget like successes
	assert.Len(t, tr.byDestination()[2], 4)
	assert.Equal(t, uint64(4), d.Stats().Failed)
	assert.Equal(t, uint64(8), d.Stats().Sent)
}

func TestDispatcherConcurrencyBound(t *testing.T) {
	tr := &fakeTransport{delay: 20 * time.Millisecond}
	d := New(tr, Options{Parallelism: 3, Interval: time.Second})

	for i := 0; i < 30; i++ {
		d.Text(context.Background(), int64(i), "hi", Plain)
	}
	closeWithin(t, d, 5*time.Second)

	assert.Len(t, tr.snapshot(), 30)
	assert.LessOrEqual(t, tr.peak, 3)
	assert.GreaterOrEqual(t, tr.peak, 2)
}

func TestDispatcherFIFOIntake(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, Options{Parallelism: 1, Interval: time.Second})

	var want []int64
	for i := int64(1); i <= 25; i++ {
		want = append(want, i)
		d.Text(context.Background(), i, "hi", Plain)
	}
	closeWithin(t, d, 5*time.Second)

	var got []int64
	for _, a := range tr.snapshot() {
		got = append(got, a.to)
	}
	assert.Equal(t, want, got)
}

func TestDispatcherScenarioInterleavedDestinations(t *testing.T) {
	const x, y = int64(10), int64(20)
	tr := &fakeTransport{}
	d := New(tr, Options{Parallelism: 2, Interval: time.Second})

	start := time.Now()
	for _, to := range []int64{x, y, x, y, x} {
		d.Text(context.Background(), to, "m", Plain)
	}
	closeWithin(t, d, 10*time.Second)
	total := time.Since(start)

	assert.GreaterOrEqual(t, total, 2*time.Second)
	byDest := tr.byDestination()
	require.Len(t, byDest[x], 3)
	require.Len(t, byDest[y], 2)
	for i := 1; i < 3; i++ {
		assert.GreaterOrEqual(t, byDest[x][i].end.Sub(byDest[x][i-1].end), time.Second)
	}
	// Y waits only for its own interval, not behind X's third send.
	yGap := byDest[y][1].start.Sub(byDest[y][0].end)
	assert.GreaterOrEqual(t, yGap, time.Second)
	assert.Less(t, yGap, 1500*time.Millisecond)
	assert.True(t, byDest[y][1].end.Before(byDest[x][2].start))
}

func TestDispatcherEnqueueNeverBlocks(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{})}
	d := New(tr, Options{Parallelism: 1, Interval: 0})

	start := time.Now()
	for i := 0; i < 10000; i++ {
		d.Text(context.Background(), int64(i%7), "hi", Plain)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, d.Stats().Queued, 9990)

	close(tr.block)
	closeWithin(t, d, 10*time.Second)
	assert.Len(t, tr.snapshot(), 10000)
}

func TestDispatcherFailureIsNotRetriedAndIsReported(t *testing.T) {
	const errorChat = int64(-999)
	tr := &fakeTransport{fail: map[int64]error{
		5:         errors.New("telegram: bot was blocked by the user (403)"),
		errorChat: errors.New("telegram: chat not found (400)"),
	}}
	d := New(tr, Options{Name: "calls", Parallelism: 2, Interval: 10 * time.Millisecond, ErrorChat: errorChat})

	d.Text(context.Background(), 5, "report", Plain)
	d.Text(context.Background(), 6, "fine", Plain)
	require.Eventually(t, func() bool {
		return len(tr.byDestination()[errorChat]) == 1
	}, 2*time.Second, 5*time.Millisecond)
	closeWithin(t, d, 2*time.Second)

	byDest := tr.byDestination()
	assert.Len(t, byDest[5], 1)
	assert.Len(t, byDest[6], 1)
	// the failed report to the error chat is not reported again
	require.Len(t, byDest[errorChat], 1)
	assert.Contains(t, byDest[errorChat][0].text, "forbidden")
}

func TestDispatcherRecoversTransportPanic(t *testing.T) {
	tr := &fakeTransport{panicFor: map[int64]bool{1: true}}
	d := New(tr, Options{Parallelism: 1, Interval: 0})

	d.Text(context.Background(), 1, "boom", Plain)
	d.Text(context.Background(), 2, "after", Plain)
	closeWithin(t, d, 2*time.Second)

	assert.Len(t, tr.byDestination()[2], 1)
	assert.Equal(t, uint64(1), d.Stats().Failed)
	assert.Equal(t, uint64(1), d.Stats().Sent)
}

func TestDispatcherSendTimeoutFreesSlot(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	tr := &blockingFirst{fakeTransport: &fakeTransport{}, stuck: 1, release: block}
	d := New(tr, Options{Parallelism: 1, Interval: 0, SendTimeout: 50 * time.Millisecond})

	d.Text(context.Background(), 1, "stuck", Plain)
	d.Text(context.Background(), 2, "next", Plain)
	closeWithin(t, d, 2*time.Second)

	assert.Len(t, tr.byDestination()[2], 1)
	assert.Equal(t, uint64(1), d.Stats().Failed)
}

type blockingFirst struct {
	*fakeTransport
	stuck   int64
	release chan struct{}
}

func (b *blockingFirst) Send(ctx context.Context, msg Message) error {
	if msg.To == b.stuck {
		<-b.release
		return nil
	}
	return b.fakeTransport.Send(ctx, msg)
}

func TestDispatcherClosedDropsNewMessages(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, Options{Parallelism: 1})
	closeWithin(t, d, time.Second)

	d.Text(context.Background(), 1, "late", Plain)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.snapshot())
}

func TestDispatcherCloseDeadlineAbortsThrottled(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, Options{Parallelism: 2, Interval: time.Hour})

	d.Text(context.Background(), 1, "first", Plain)
	d.Text(context.Background(), 1, "throttled", Plain)
	require.Eventually(t, func() bool { return len(tr.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	require.Eventually(t, func() bool { return d.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, tr.snapshot(), 1)
}

func TestDispatcherEvictsIdleLanes(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, Options{Parallelism: 2, Interval: 20 * time.Millisecond})
	for i := 0; i < 5; i++ {
		d.Text(context.Background(), int64(i), "hi", Plain)
	}
	require.Eventually(t, func() bool { return d.lanesLen() == 0 }, 2*time.Second, 10*time.Millisecond)
	closeWithin(t, d, time.Second)
}

func TestClassifyTimeoutKind(t *testing.T) {
	assert.Equal(t, netutil.KindTimeout, netutil.Classify(netutil.ErrTimeout))
}
