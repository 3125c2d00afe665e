package bootstrap

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/m3rciful/callcenter-bots/core/cdr"
	coreconfig "github.com/m3rciful/callcenter-bots/core/config"
	"github.com/m3rciful/callcenter-bots/core/schedule"
	"github.com/m3rciful/callcenter-bots/core/store"
	coretelegram "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"
)

// Env is the shared infrastructure handed to a bot module during setup.
type Env struct {
	Name   string
	Bot    coreconfig.BotConfig
	Config *coreconfig.Config

	Backend store.Backend
	// Redis is nil when no redis address is configured.
	Redis *redis.Client

	Dispatcher *sender.Dispatcher
	Transport  *coretelegram.Transport
	Scheduler  *schedule.Scheduler
	Location   *time.Location

	// Calls and Stats are nil when the vendor endpoints are not configured.
	Calls cdr.Source
	Stats *cdr.StatsSource
}

// Hook runs once the bot is reachable or right before it is torn down.
type Hook func(ctx context.Context) error

// Wiring is what a module contributes to the bot runtime.
type Wiring struct {
	Registry *coretelegram.Registry
	Routes   []coretelegram.Route
	// CallbackInterval debounces repeated inline-button taps; zero disables it.
	CallbackInterval time.Duration

	OnStart Hook
	OnStop  Hook
}

// Module builds one bot on top of the shared infrastructure. Setup may
// register scheduled jobs; the scheduler is started after every module
// has been set up.
type Module interface {
	Name() string
	Setup(ctx context.Context, env Env) (Wiring, error)
}

// ModuleFunc adapts a bare function to the Module interface.
type ModuleFunc struct {
	BotName string
	Fn      func(ctx context.Context, env Env) (Wiring, error)
}

// Name returns the bot name.
func (m ModuleFunc) Name() string { return m.BotName }

// Setup executes the underlying function.
func (m ModuleFunc) Setup(ctx context.Context, env Env) (Wiring, error) {
	return m.Fn(ctx, env)
}
