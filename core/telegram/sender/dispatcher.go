package sender

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/metrics"
	"github.com/m3rciful/callcenter-bots/core/telegram/netutil"

	tele "gopkg.in/telebot.v4"
)

// ErrClosed is reported in logs for messages enqueued after Close.
var ErrClosed = errors.New("telegram sender: dispatcher closed")

// Format selects how the transport renders Message.Text.
type Format int

const (
	Plain Format = iota
	Markdown
	MarkdownV2
	HTML
)

func (f Format) String() string {
	switch f {
	case Markdown:
		return "markdown"
	case MarkdownV2:
		return "markdown_v2"
	case HTML:
		return "html"
	default:
		return "plain"
	}
}

// Message is one outbound chat message. It must not be modified after Enqueue.
type Message struct {
	To     int64
	Text   string
	Format Format
	Markup *tele.ReplyMarkup
}

// Transport delivers a single message.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Options controls the behaviour of the outbound dispatcher.
type Options struct {
	// Name labels logs and metrics, usually the bot name.
	Name string
	// Parallelism bounds the number of send tasks in flight.
	Parallelism int
	// Interval is the minimum spacing between two attempts to one destination,
	// measured from the completion of the previous attempt.
	Interval time.Duration
	// SendTimeout bounds one transport call.
	SendTimeout time.Duration
	// ErrorChat receives a short report for every failed message when set.
	ErrorChat int64
}

// Stats is a point-in-time snapshot of the dispatcher counters.
type Stats struct {
	Queued   int
	InFlight int
	Sent     uint64
	Failed   uint64
}

type queued struct {
	ctx context.Context
	msg Message
	at  time.Time
}

// lane is the throttle state of one destination. Tasks for the same
// destination are chained through tail so each one observes the completion
// time of its predecessor.
type lane struct {
	last    time.Time
	tail    chan struct{}
	pending int
}

// Dispatcher is a bounded-concurrency, per-destination throttled sender
// with an unbounded FIFO intake.
type Dispatcher struct {
	opts      Options
	transport Transport

	mu     sync.Mutex
	queue  []queued
	lanes  map[int64]*lane
	closed bool

	wake  chan struct{}
	slots chan struct{}
	abort chan struct{}
	done  chan struct{}
	tasks sync.WaitGroup
	once  sync.Once

	running atomic.Int64
	sent    atomic.Uint64
	failed  atomic.Uint64
}

// New starts a dispatcher. Zero options fall back to 1 slot, 1s interval
// and a 10s send timeout.
func New(transport Transport, opts Options) *Dispatcher {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Interval < 0 {
		opts.Interval = 0
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}

	d := &Dispatcher{
		opts:      opts,
		transport: transport,
		lanes:     make(map[int64]*lane),
		wake:      make(chan struct{}, 1),
		slots:     make(chan struct{}, opts.Parallelism),
		abort:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go d.loop()
	return d
}

// Enqueue appends msg to the intake and returns immediately. It never
// blocks and never fails; delivery errors are only logged.
func (d *Dispatcher) Enqueue(ctx context.Context, msg Message) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		logger.Warn(ctx, "tg.sender", "enqueue.drop",
			slog.Int64("to", msg.To),
			logger.Err(ErrClosed),
		)
		return
	}
	d.queue = append(d.queue, queued{ctx: ctx, msg: msg, at: time.Now()})
	depth := len(d.queue)
	d.mu.Unlock()

	metrics.SetQueue(d.opts.Name, depth, int(d.running.Load()))
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Text enqueues a text message.
func (d *Dispatcher) Text(ctx context.Context, to int64, text string, format Format) {
	d.Enqueue(ctx, Message{To: to, Text: text, Format: format})
}

// ReportError sends a short HTML report to the error chat, if configured.
func (d *Dispatcher) ReportError(ctx context.Context, source string, err error) {
	if d.opts.ErrorChat == 0 || err == nil {
		return
	}
	d.Enqueue(ctx, Message{
		To:     d.opts.ErrorChat,
		Text:   fmt.Sprintf("🚨 <b>%s</b>: %s\n<pre>%s</pre>", html.EscapeString(d.opts.Name), html.EscapeString(source), html.EscapeString(netutil.Redact(err))),
		Format: HTML,
	})
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	queued := len(d.queue)
	d.mu.Unlock()
	return Stats{
		Queued:   queued,
		InFlight: int(d.running.Load()),
		Sent:     d.sent.Load(),
		Failed:   d.failed.Load(),
	}
}

// Close stops intake and waits until everything already queued has been
// attempted. When ctx expires first, tasks still waiting on their throttle
// are dropped and ctx.Err() is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}

	finished := make(chan struct{})
	go func() {
		<-d.done
		d.tasks.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		d.once.Do(func() { close(d.abort) })
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.slots <- struct{}{}
		item, ok := d.next()
		if !ok {
			<-d.slots
			return
		}
		l, prev, mine := d.reserve(item.msg.To)
		d.running.Add(1)
		d.tasks.Add(1)
		go d.deliver(item, l, prev, mine)
	}
}

// next pops the oldest message, waiting while the intake is empty. It
// reports false once the dispatcher is closed and drained.
func (d *Dispatcher) next() (queued, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			item := d.queue[0]
			d.queue[0] = queued{}
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return item, true
		}
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return queued{}, false
		}
		<-d.wake
	}
}

func (d *Dispatcher) reserve(to int64) (*lane, chan struct{}, chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.lanes[to]
	if l == nil {
		l = &lane{}
		d.lanes[to] = l
	}
	prev := l.tail
	mine := make(chan struct{})
	l.tail = mine
	l.pending++
	return l, prev, mine
}

func (d *Dispatcher) deliver(item queued, l *lane, prev, mine chan struct{}) {
	ctx := item.ctx
	var err error
	attempted := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", netutil.ErrPanic, r)
			d.fail(ctx, item, err, 0)
		}
		d.complete(item.msg.To, l, mine, attempted || err != nil)
		d.running.Add(-1)
		<-d.slots
		d.tasks.Done()
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-d.abort:
			d.drop(ctx, item)
			return
		}
	}

	d.mu.Lock()
	last := l.last
	d.mu.Unlock()
	var delay time.Duration
	if !last.IsZero() {
		delay = d.opts.Interval - time.Since(last)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-d.abort:
			timer.Stop()
			d.drop(ctx, item)
			return
		}
	}

	if logger.ShouldSampleDebug() {
		logger.Debug(ctx, "tg.sender", "send.start", append(sendLogAttrs(item),
			slog.Duration("delay", max(delay, 0)),
			slog.Duration("wait", time.Since(item.at)),
		)...)
	}

	start := time.Now()
	attempted = true
	err = netutil.Call(context.WithoutCancel(ctx), d.opts.SendTimeout, func(ctx context.Context) error {
		return d.transport.Send(ctx, item.msg)
	})
	elapsed := time.Since(start)
	if err != nil {
		d.fail(ctx, item, err, elapsed)
		return
	}
	d.sent.Add(1)
	metrics.ObserveSend(d.opts.Name, "", elapsed)
	logger.Debug(ctx, "tg.sender", "send.success", append(sendLogAttrs(item),
		slog.Duration("elapsed", elapsed),
	)...)
}

// complete records the attempt time, releases the next task for the same
// destination and schedules eviction of an idle lane.
func (d *Dispatcher) complete(to int64, l *lane, mine chan struct{}, attempted bool) {
	d.mu.Lock()
	if attempted {
		l.last = time.Now()
	}
	l.pending--
	idle := l.pending == 0
	close(mine)
	d.mu.Unlock()

	if idle {
		time.AfterFunc(d.opts.Interval, func() { d.evict(to, l) })
	}
}

func (d *Dispatcher) evict(to int64, l *lane) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lanes[to] == l && l.pending == 0 && time.Since(l.last) >= d.opts.Interval {
		delete(d.lanes, to)
	}
}

func (d *Dispatcher) fail(ctx context.Context, item queued, err error, elapsed time.Duration) {
	d.failed.Add(1)
	kind := netutil.Classify(err)
	metrics.ObserveSend(d.opts.Name, kind, elapsed)
	logger.Error(ctx, "tg.sender", "send.fail", append(sendLogAttrs(item),
		slog.String("status", "fail"),
		slog.String("error_kind", kind),
		slog.String("err", netutil.Redact(err)),
		slog.Duration("elapsed", elapsed),
	)...)
	if item.msg.To != d.opts.ErrorChat {
		d.ReportError(ctx, fmt.Sprintf("send to %d failed (%s)", item.msg.To, kind), err)
	}
}

func (d *Dispatcher) drop(ctx context.Context, item queued) {
	d.failed.Add(1)
	metrics.ObserveSend(d.opts.Name, netutil.KindCancelled, 0)
	logger.Warn(ctx, "tg.sender", "send.drop", append(sendLogAttrs(item),
		slog.String("status", "cancelled"),
	)...)
}

func sendLogAttrs(item queued) []slog.Attr {
	return []slog.Attr{
		slog.Int64("to", item.msg.To),
		slog.String("format", item.msg.Format.String()),
		slog.Int("len", len([]rune(item.msg.Text))),
	}
}
