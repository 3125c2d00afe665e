// Package stats hosts the bot that sends every operator chat its hourly
// upsell statistics and posts the changes to the report channel.
package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/m3rciful/callcenter-bots/core/bootstrap"
	"github.com/m3rciful/callcenter-bots/core/cdr"
	coreconfig "github.com/m3rciful/callcenter-bots/core/config"
	"github.com/m3rciful/callcenter-bots/core/store"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"
	"github.com/m3rciful/callcenter-bots/core/telegram/state"
)

const (
	firstBroadcastHour = 9
	lastBroadcastHour  = 20
	broadcastMinute    = 2
)

// Module plugs the stats bot into the shared runtime.
type Module struct{}

// Name implements bootstrap.Module.
func (Module) Name() string { return coreconfig.BotStats }

// Setup opens the settings, norms and snapshot records, registers the
// hourly broadcast and builds the routes.
func (Module) Setup(ctx context.Context, env bootstrap.Env) (bootstrap.Wiring, error) {
	if env.Stats == nil {
		return bootstrap.Wiring{}, errors.New("stats: cdr.stats_url is not configured")
	}
	hook := store.WithSaveHook(func(name string, err error) {
		if err != nil {
			env.Dispatcher.ReportError(ctx, "save "+name, err)
		}
	})
	settings, err := store.Open(ctx, env.Backend, env.Name, DefaultSettings(), hook)
	if err != nil {
		return bootstrap.Wiring{}, fmt.Errorf("stats: open settings: %w", err)
	}
	norms, err := store.Open(ctx, env.Backend, env.Name+".norms", DefaultNorms(), hook)
	if err != nil {
		return bootstrap.Wiring{}, fmt.Errorf("stats: open norms: %w", err)
	}
	previous, err := store.Open(ctx, env.Backend, env.Name+".snapshot", cdr.Snapshot{}, hook)
	if err != nil {
		return bootstrap.Wiring{}, fmt.Errorf("stats: open snapshot: %w", err)
	}

	var lock Locker = &MemoryLock{}
	if env.Redis != nil {
		lock = RedisLock{Client: env.Redis, Prefix: env.Config.Redis.Prefix}
	}
	svc := &Service{
		Settings: settings,
		Norms:    norms,
		Previous: previous,
		Source:   env.Stats,
		Calls:    env.Calls,
		Outbox:   env.Dispatcher,
		Lock:     lock,
		Exclude:  env.Bot.ErrorChat,
		Location: env.Location,
	}
	if env.Transport != nil {
		svc.Resolver = env.Transport
	}
	h := &handlers{
		svc:      svc,
		settings: settings,
		norms:    norms,
		reply:    tghelpers.Replier{Dispatcher: env.Dispatcher},
		fsm:      state.New(state.Options{Name: env.Name, Policy: state.AbortOnInvalid}),
	}
	if len(env.Bot.Admins) > 0 {
		h.configured = env.Bot.IsAdmin
	}
	h.registerSteps()

	if err := env.Scheduler.Hourly(env.Name+".broadcast", firstBroadcastHour, lastBroadcastHour, broadcastMinute, svc.Scheduled); err != nil {
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
			if env.Bot.ErrorChat != 0 {
				env.Dispatcher.Text(ctx, env.Bot.ErrorChat, "✅ "+env.Name+" запущено", sender.Plain)
			}
			return nil
		},
	}, nil
}
