// Package calls hosts the bot that posts operator call reports: a short
// summary to the managers channel every hour and a detailed daily report
// to the boss channel.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/m3rciful/callcenter-bots/core/bootstrap"
	coreconfig "github.com/m3rciful/callcenter-bots/core/config"
	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/store"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
	"github.com/m3rciful/callcenter-bots/core/telegram/middleware"
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"
	"github.com/m3rciful/callcenter-bots/core/telegram/state"
)

// Module plugs the calls bot into the shared runtime.
type Module struct{}

// Name implements bootstrap.Module.
func (Module) Name() string { return coreconfig.BotCalls }

// Setup opens the settings record, registers the report jobs and builds
// the routes.
func (Module) Setup(ctx context.Context, env bootstrap.Env) (bootstrap.Wiring, error) {
	if env.Calls == nil {
		return bootstrap.Wiring{}, errors.New("calls: cdr.base_url is not configured")
	}
	settings, err := store.Open(ctx, env.Backend, env.Name, DefaultSettings(), store.WithSaveHook(func(name string, err error) {
		if err != nil {
			env.Dispatcher.ReportError(ctx, "save "+name, err)
		}
	}))
	if err != nil {
		return bootstrap.Wiring{}, fmt.Errorf("calls: open settings: %w", err)
	}

	svc := &Service{
		Settings: settings,
		Source:   env.Calls,
		Outbox:   env.Dispatcher,
		Location: env.Location,
	}
	h := &handlers{
		svc:      svc,
		settings: settings,
		sched:    env.Scheduler,
		bossJob:  env.Name + ".boss",
		reply:    tghelpers.Replier{Dispatcher: env.Dispatcher},
		fsm:      state.New(state.Options{Name: env.Name, Policy: state.AbortOnInvalid}),
	}
	h.admin = middleware.AdminOptions{IsAdmin: env.Bot.IsAdmin, OnReject: h.denied}
	h.registerSteps()

	if err := env.Scheduler.Hourly(env.Name+".hourly", firstReportHour, lastReportHour, 0, svc.SendManagers); err != nil {
		return bootstrap.Wiring{}, err
	}
	at := settings.Get().BossReportTime
	if _, err := tghelpers.ParseClock(at); err != nil {
		logger.Warn(ctx, "bot.calls", "settings.time",
			slog.String("status", "skip"),
			slog.String("cause", at),
		)
		at = DefaultBossReportTime
	}
	if err := env.Scheduler.Daily(h.bossJob, at, svc.SendBoss); err != nil {
		return bootstrap.Wiring{}, err
	}

	reg := h.registry()
	return bootstrap.Wiring{
		Registry: reg,
		Routes:   h.routes(reg),
		OnStart: func(ctx context.Context) error {
			if env.Bot.ErrorChat != 0 {
				env.Dispatcher.Text(ctx, env.Bot.ErrorChat, "✅ "+env.Name+" запущен", sender.Plain)
			}
			return nil
		},
	}, nil
}
