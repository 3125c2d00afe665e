package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m3rciful/callcenter-bots/core/bootstrap"
	"github.com/m3rciful/callcenter-bots/core/cdr"
	coreconfig "github.com/m3rciful/callcenter-bots/core/config"
	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/schedule"
	coretelegram "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"
	"github.com/m3rciful/callcenter-bots/core/webhook"
)

const cdrPruneTime = "04:00"

// hosted is one running bot with its outbound queue.
type hosted struct {
	name   string
	bot    *coretelegram.Bot
	disp   *sender.Dispatcher
	wiring bootstrap.Wiring
}

type app struct {
	cfg   *coreconfig.Config
	sched *schedule.Scheduler
	http  *webhook.Server
	bots  []*hosted
}

// newApp builds every enabled bot. Construction is two-phase: the bot
// comes first, then its dispatcher on top of the bot transport, then the
// module routes which reply through that dispatcher.
func newApp(ctx context.Context, cfg *coreconfig.Config, infra *bootstrap.Result, modules []bootstrap.Module) (*app, error) {
	a := &app{cfg: cfg}

	sched, err := schedule.New(ctx, cfg.Location(), schedule.WithErrorHandler(a.reportJobError))
	if err != nil {
		return nil, err
	}
	a.sched = sched
	if infra.CDRCache != nil {
		if err := a.pruneCDR(infra.CDRCache); err != nil {
			return nil, err
		}
	}
	a.http = webhook.New(webhook.Options{
		Listen:          cfg.HTTP.Listen,
		RequestTimeout:  cfg.HTTP.RequestTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Secret:          cfg.Webhook.Secret,
		Metrics:         promhttp.Handler(),
	})

	for _, m := range modules {
		h, err := a.build(ctx, infra, m)
		if err != nil {
			return nil, err
		}
		if h != nil {
			a.bots = append(a.bots, h)
		}
	}
	if len(a.bots) == 0 {
		return nil, fmt.Errorf("no enabled bot has a module")
	}
	return a, nil
}

func (a *app) build(ctx context.Context, infra *bootstrap.Result, m bootstrap.Module) (*hosted, error) {
	name := m.Name()
	botCfg, ok := a.cfg.Bot(name)
	if !ok || !botCfg.Enabled {
		logger.Info(ctx, "app", "bot.skip", slog.String("bot", name), slog.String("status", "skip"))
		return nil, nil
	}
	ctx = logger.WithBot(ctx, name)

	bot, err := coretelegram.New(ctx, coretelegram.Options{
		Name:            name,
		Token:           botCfg.Token,
		RunMode:         a.cfg.RunMode,
		LongPollTimeout: a.cfg.LongPollTimeout,
		CallTimeout:     a.cfg.TransportTimeout,
		Webhook:         a.cfg.Webhook,
	})
	if err != nil {
		return nil, err
	}

	transport := bot.Transport()
	disp := sender.New(transport, sender.Options{
		Name:        name,
		Parallelism: a.cfg.Dispatcher.Parallelism,
		Interval:    a.cfg.Dispatcher.Interval,
		SendTimeout: a.cfg.Dispatcher.SendTimeout,
		ErrorChat:   botCfg.ErrorChat,
	})

	wiring, err := m.Setup(ctx, bootstrap.Env{
		Name:       name,
		Bot:        botCfg,
		Config:     a.cfg,
		Backend:    infra.Backend,
		Redis:      infra.Redis,
		Dispatcher: disp,
		Transport:  transport,
		Scheduler:  a.sched,
		Location:   a.cfg.Location(),
		Calls:      infra.Calls,
		Stats:      infra.Stats,
	})
	if err != nil {
		_ = disp.Close(ctx)
		return nil, fmt.Errorf("%s: setup: %w", name, err)
	}

	bot.Mount(ctx, wiring.Registry, coretelegram.DefaultMiddlewares(wiring.CallbackInterval, nil), wiring.Routes)
	if a.cfg.RunMode == coreconfig.RunModeWebhook {
		a.http.Mount(name, bot)
	}
	return &hosted{name: name, bot: bot, disp: disp, wiring: wiring}, nil
}

func (a *app) start(ctx context.Context) error {
	if err := a.http.Start(ctx); err != nil {
		return err
	}
	for _, h := range a.bots {
		bctx := logger.WithBot(ctx, h.name)
		if a.cfg.RunMode == coreconfig.RunModeWebhook {
			if err := h.bot.RegisterWebhook(bctx); err != nil {
				return err
			}
		} else {
			h.bot.Start(bctx)
		}
	}
	a.sched.Start(ctx)
	for _, h := range a.bots {
		if h.wiring.OnStart == nil {
			continue
		}
		if err := h.wiring.OnStart(logger.WithBot(ctx, h.name)); err != nil {
			logger.Warn(logger.WithBot(ctx, h.name), "app", "bot.start", logger.Err(err))
		}
	}
	return nil
}

// stop tears down in dependency order: inbound first, then jobs, then the
// outbound queues which get the remaining time to drain.
func (a *app) stop(ctx context.Context) {
	for _, h := range a.bots {
		bctx := logger.WithBot(ctx, h.name)
		if a.cfg.RunMode == coreconfig.RunModeWebhook {
			_ = h.bot.DeregisterWebhook(bctx)
		} else {
			h.bot.Stop()
		}
	}
	if err := a.http.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "app", "http.shutdown", logger.Err(err))
	}
	if err := a.sched.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "app", "schedule.shutdown", logger.Err(err))
	}
	for _, h := range a.bots {
		bctx := logger.WithBot(ctx, h.name)
		if h.wiring.OnStop != nil {
			if err := h.wiring.OnStop(bctx); err != nil {
				logger.Warn(bctx, "app", "bot.stop", logger.Err(err))
			}
		}
		err := h.disp.Close(bctx)
		st := h.disp.Stats()
		logger.Info(bctx, "app", "dispatcher.close",
			slog.String("status", logger.Status(err)),
			slog.Int("queued", st.Queued),
			slog.Uint64("sent", st.Sent),
			slog.Uint64("failed", st.Failed),
			logger.Err(err),
		)
	}
}

// pruneCDR drops cached vendor intervals past cdr.cache_keep_days once a day.
func (a *app) pruneCDR(cache *cdr.Cache) error {
	keep := a.cfg.CDR.CacheKeepDays
	return a.sched.Daily("cdr.prune", cdrPruneTime, func(ctx context.Context) error {
		n, err := cache.Prune(ctx, time.Now().AddDate(0, 0, -keep))
		if err != nil {
			return err
		}
		logger.Info(ctx, "cdr", "cache.prune", slog.String("status", "ok"), slog.Int64("rows", n))
		return nil
	})
}

// reportJobError mirrors a failed job to the error chat of the bot that
// owns it. Job names are prefixed with the bot name.
func (a *app) reportJobError(ctx context.Context, job string, err error) {
	owner, _, _ := strings.Cut(job, ".")
	for _, h := range a.bots {
		if h.name == owner {
			h.disp.ReportError(ctx, "job "+job, err)
			return
		}
	}
}
