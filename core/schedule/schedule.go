// Package schedule runs named wall-clock jobs in a fixed time zone.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/metrics"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
)

var (
	// ErrUnknownJob is returned for names that were never registered.
	ErrUnknownJob = errors.New("schedule: unknown job")
	// ErrDuplicateJob is returned when a name is registered twice.
	ErrDuplicateJob = errors.New("schedule: duplicate job")
)

// Func is a job body. A returned error is logged and passed to the error handler.
type Func func(ctx context.Context) error

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithErrorHandler is called after every failed run, e.g. to mirror the
// error to an operator chat.
func WithErrorHandler(fn func(ctx context.Context, job string, err error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

type job struct {
	id uuid.UUID
	fn Func
}

// Scheduler wraps gocron. Every job runs in singleton mode: a run that is
// still busy when the next one is due makes the scheduler skip that tick.
type Scheduler struct {
	cron    gocron.Scheduler
	loc     *time.Location
	base    context.Context
	cancel  context.CancelFunc
	onError func(ctx context.Context, job string, err error)

	mu   sync.Mutex
	jobs map[string]job
}

// New creates a stopped scheduler in loc.
func New(ctx context.Context, loc *time.Location, opts ...Option) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	cron, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Scheduler{
		cron:   cron,
		loc:    loc,
		base:   base,
		cancel: cancel,
		jobs:   make(map[string]job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Location returns the scheduler time zone.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Hourly runs fn at minute past every hour from fromHour to toHour inclusive.
func (s *Scheduler) Hourly(name string, fromHour, toHour, minute int, fn Func) error {
	if fromHour < 0 || toHour > 23 || fromHour > toHour || minute < 0 || minute > 59 {
		return fmt.Errorf("schedule: %s: invalid window %d-%d at :%02d", name, fromHour, toHour, minute)
	}
	spec := fmt.Sprintf("%d %d-%d * * *", minute, fromHour, toHour)
	return s.add(name, gocron.CronJob(spec, false), fn)
}

// Daily runs fn once a day at "HH:MM".
func (s *Scheduler) Daily(name, at string, fn Func) error {
	def, err := daily(at)
	if err != nil {
		return fmt.Errorf("schedule: %s: %w", name, err)
	}
	return s.add(name, def, fn)
}

// Reschedule moves a daily job to a new "HH:MM".
func (s *Scheduler) Reschedule(ctx context.Context, name, at string) error {
	def, err := daily(at)
	if err != nil {
		return fmt.Errorf("schedule: %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	updated, err := s.cron.Update(j.id, def, s.task(name, j.fn), s.jobOptions(name)...)
	if err != nil {
		return fmt.Errorf("schedule: reschedule %s: %w", name, err)
	}
	s.jobs[name] = job{id: updated.ID(), fn: j.fn}
	logger.Info(ctx, "sched", "job.reschedule",
		slog.String("status", "ok"),
		slog.String("job", name),
		slog.String("at", at),
	)
	return nil
}

// Next returns the next run time of the named job.
func (s *Scheduler) Next(name string) (time.Time, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	for _, cj := range s.cron.Jobs() {
		if cj.ID() == j.id {
			return cj.NextRun()
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// RunNow executes the named job immediately in the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, name, j.fn)
}

// Start begins running jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()
	summary, truncated := logger.SummarizeStrings(names, 10)
	logger.Info(ctx, "sched", "start",
		slog.String("status", "ok"),
		slog.String("location", s.loc.String()),
		slog.Int("count", len(names)),
		slog.String("jobs", summary),
		slog.Bool("truncated", truncated),
	)
}

// Shutdown stops the scheduler and cancels the context of running jobs.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.cron.Shutdown()
	logger.Info(ctx, "sched", "stop", slog.String("status", logger.Status(err)), logger.Err(err))
	return err
}

func (s *Scheduler) add(name string, def gocron.JobDefinition, fn Func) error {
	if name == "" || fn == nil {
		return errors.New("schedule: name and func are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	j, err := s.cron.NewJob(def, s.task(name, fn), s.jobOptions(name)...)
	if err != nil {
		return fmt.Errorf("schedule: add %s: %w", name, err)
	}
	s.jobs[name] = job{id: j.ID(), fn: fn}
	return nil
}

func (s *Scheduler) jobOptions(name string) []gocron.JobOption {
	return []gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
}

func (s *Scheduler) task(name string, fn Func) gocron.Task {
	return gocron.NewTask(func() {
		_ = s.run(s.base, name, fn)
	})
}

// run executes fn with a fresh rid, recovering panics.
func (s *Scheduler) run(ctx context.Context, name string, fn Func) (err error) {
	ctx = logger.WithJob(logger.WithRID(ctx, uuid.NewString()), name)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("schedule: %s panicked: %v", name, r)
		}
		metrics.ObserveJob(name, err)
		attrs := []slog.Attr{
			slog.String("status", logger.Status(err)),
			slog.Duration("duration", logger.Took(start)),
		}
		if err != nil {
			logger.Error(ctx, "sched", "job.run", append(attrs, logger.Err(err))...)
			if s.onError != nil {
				s.onError(ctx, name, err)
			}
			return
		}
		logger.Info(ctx, "sched", "job.run", attrs...)
	}()
	return fn(ctx)
}

func daily(at string) (gocron.JobDefinition, error) {
	c, err := tghelpers.ParseClock(at)
	if err != nil {
		return nil, err
	}
	return gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(c.Hour), uint(c.Minute), 0))), nil
}
