// Package flashcall hosts the bot that records discount lines posted in
// project chats and reports them per project and per operator.
package flashcall

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/m3rciful/callcenter-bots/core/bootstrap"
	coreconfig "github.com/m3rciful/callcenter-bots/core/config"
	"github.com/m3rciful/callcenter-bots/core/linelog"
	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/store"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"
	"github.com/m3rciful/callcenter-bots/core/telegram/state"
)

const cleanupTime = "03:00"

// Module plugs the flashcall bot into the shared runtime.
type Module struct{}

// Name implements bootstrap.Module.
func (Module) Name() string { return coreconfig.BotFlashcall }

// Setup opens the settings record and the line log, registers the report
// and cleanup jobs and builds the routes.
func (Module) Setup(ctx context.Context, env bootstrap.Env) (bootstrap.Wiring, error) {
	settings, err := store.Open(ctx, env.Backend, env.Name, DefaultSettings(), store.WithSaveHook(func(name string, err error) {
		if err != nil {
			env.Dispatcher.ReportError(ctx, "save "+name, err)
		}
	}))
	if err != nil {
		return bootstrap.Wiring{}, fmt.Errorf("flashcall: open settings: %w", err)
	}
	lines, err := linelog.New(linelog.Options{
		Dir:      env.Bot.DataDir,
		Filter:   regexp.MustCompile(RecordPattern),
		Location: env.Location,
	})
	if err != nil {
		return bootstrap.Wiring{}, err
	}

	svc := &Service{
		Settings: settings,
		Lines:    lines,
		Outbox:   env.Dispatcher,
		Location: env.Location,
	}
	if env.Transport != nil {
		svc.Resolver = env.Transport
	}
	h := &handlers{
		svc:       svc,
		settings:  settings,
		sched:     env.Scheduler,
		reportJob: env.Name + ".report",
		reply:     tghelpers.Replier{Dispatcher: env.Dispatcher},
		fsm:       state.New(state.Options{Name: env.Name, Policy: state.RepromptOnInvalid}),
	}
	if len(env.Bot.Admins) > 0 {
		h.isAdmin = env.Bot.IsAdmin
	}
	h.registerSteps()

	at := settings.Get().ReportTime
	if _, err := tghelpers.ParseClock(at); err != nil {
		logger.Warn(ctx, "bot.flashcall", "settings.time",
			slog.String("status", "skip"),
			slog.String("cause", at),
		)
		at = DefaultReportTime
	}
	if err := env.Scheduler.Daily(h.reportJob, at, svc.SendAll); err != nil {
		return bootstrap.Wiring{}, err
	}
	if err := env.Scheduler.Daily(env.Name+".cleanup", cleanupTime, svc.Cleanup); err != nil {
		return bootstrap.Wiring{}, err
	}

	reg, err := h.registry()
	if err != nil {
		return bootstrap.Wiring{}, err
	}
	return bootstrap.Wiring{
		Registry: reg,
		Routes:   h.routes(reg),
		OnStart: func(ctx context.Context) error {
			if err := svc.Cleanup(ctx); err != nil {
				logger.Warn(ctx, "bot.flashcall", "lines.cleanup", logger.Err(err))
			}
			if env.Bot.ErrorChat != 0 {
				env.Dispatcher.Text(ctx, env.Bot.ErrorChat, "✅ "+env.Name+" запущен", sender.Plain)
			}
			return nil
		},
	}, nil
}
