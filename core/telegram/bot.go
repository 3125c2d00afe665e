package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	coreconfig "github.com/m3rciful/callcenter-bots/core/config"
	"github.com/m3rciful/callcenter-bots/core/logger"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
	"github.com/m3rciful/callcenter-bots/core/telegram/netutil"

	tele "gopkg.in/telebot.v4"
)

const chatStripes = 64

// Middleware describes a global bot middleware to be registered via bot.Use.
type Middleware struct {
	Name string
	Use  func(next tele.HandlerFunc) tele.HandlerFunc
}

// Route declares a single bot handler bound to an arbitrary endpoint.
// Endpoint values are passed directly to tele.Bot.Handle.
type Route struct {
	Endpoint any
	Handler  tele.HandlerFunc
}

// Options configures one bot runtime.
type Options struct {
	Name    string
	Token   string
	RunMode string
	// LongPollTimeout is used only in longpoll mode.
	LongPollTimeout time.Duration
	// CallTimeout bounds every Bot API request.
	CallTimeout time.Duration
	Webhook     coreconfig.WebhookConfig

	// APIURL overrides the Bot API endpoint.
	APIURL string
	// Offline skips the getMe request at construction.
	Offline bool

	Registry    *Registry
	Middlewares []Middleware
	Routes      []Route
}

// call carries the request context of one update through telebot, which
// has no notion of context.Context, and collects the handler error.
type call struct {
	ctx context.Context
	err error
}

// Bot wraps a telebot instance. In webhook mode updates are fed by the HTTP
// server through Process; in longpoll mode Start drives the poller.
type Bot struct {
	opts Options
	api  *tele.Bot

	calls sync.Map // update id -> *call
	chats [chatStripes]sync.Mutex

	pollDone chan struct{}
}

// New builds the bot runtime and wires middlewares, routes and commands.
func New(ctx context.Context, opts Options) (*Bot, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("telegram: bot name is required")
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}

	b := &Bot{opts: opts}
	settings := tele.Settings{
		URL:         opts.APIURL,
		Token:       opts.Token,
		Poller:      b.poller(),
		Client:      BuildHTTPClient(opts.CallTimeout),
		Synchronous: true,
		Offline:     opts.Offline,
		OnError:     b.onError,
	}

	start := time.Now()
	api, err := netutil.Do(ctx, opts.CallTimeout, func(context.Context) (*tele.Bot, error) {
		return tele.NewBot(settings)
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: bot initialization failed: %w", opts.Name, err)
	}
	b.api = api

	api.Use(b.bindContext)
	ctx = logger.WithBot(ctx, opts.Name)
	if len(opts.Middlewares) > 0 || len(opts.Routes) > 0 {
		b.Mount(ctx, opts.Registry, opts.Middlewares, opts.Routes)
	}

	logger.Info(ctx, "tg.wire", "bot.ready",
		slog.String("status", "ok"),
		slog.String("mode", opts.RunMode),
		slog.Duration("duration", logger.Took(start)),
	)
	return b, nil
}

// Mount registers middlewares and routes and publishes the command menu.
// Bots whose handlers need the bot transport are built first and mounted
// afterwards; middlewares only wrap routes registered after them.
func (b *Bot) Mount(ctx context.Context, reg *Registry, mws []Middleware, routes []Route) {
	if reg != nil {
		b.opts.Registry = reg
	}
	for _, mw := range mws {
		if mw.Use == nil {
			continue
		}
		b.api.Use(mw.Use)
	}
	for _, route := range routes {
		if route.Endpoint == nil || route.Handler == nil {
			continue
		}
		b.api.Handle(route.Endpoint, route.Handler)
	}

	ctx = logger.WithBot(ctx, b.opts.Name)
	if !b.opts.Offline {
		if err := netutil.Call(ctx, b.opts.CallTimeout, func(context.Context) error {
			return InitBotCommands(b.api, b.opts.Registry)
		}); err != nil {
			logger.Warn(ctx, "tg.wire", "commands.set",
				slog.String("status", "fail"),
				slog.String("err", netutil.Redact(err)),
			)
		}
	}
	names := make([]string, 0, len(mws))
	for _, mw := range mws {
		names = append(names, mw.Name)
	}
	summary, _ := logger.SummarizeStrings(names, 8)
	logger.Info(ctx, "tg.wire", "bot.mount",
		slog.String("status", "ok"),
		slog.Int("routes", len(routes)),
		slog.String("middlewares", summary),
		slog.Int("commands", len(b.opts.Registry.Commands())),
		slog.Int("callbacks", len(b.opts.Registry.ListCallbacks())),
	)
}

// Name returns the bot name used in webhook paths and logs.
func (b *Bot) Name() string { return b.opts.Name }

// Transport returns a transport bound to this bot.
func (b *Bot) Transport() *Transport {
	return NewTransport(b.api, b.opts.CallTimeout)
}

// WebhookURL is the public URL registered with Telegram.
func (b *Bot) WebhookURL() string {
	return b.opts.Webhook.PublicURL + "/webhook/" + b.opts.Name
}

func (b *Bot) poller() tele.Poller {
	if b.opts.RunMode != coreconfig.RunModeLongpoll {
		return nil
	}
	timeout := b.opts.LongPollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &tele.LongPoller{Timeout: timeout}
}

// Process runs one update through the handler chain and returns the first
// handler error. Updates of the same chat are processed one at a time.
func (b *Bot) Process(ctx context.Context, upd tele.Update) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	mu := &b.chats[stripe(updateChat(upd))]
	mu.Lock()
	defer mu.Unlock()

	c := &call{ctx: ctx}
	b.calls.Store(upd.ID, c)
	defer b.calls.Delete(upd.ID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", netutil.ErrPanic, r)
		}
	}()
	b.api.ProcessUpdate(upd)
	return c.err
}

// RegisterWebhook points Telegram at WebhookURL, retrying transient
// network failures.
func (b *Bot) RegisterWebhook(ctx context.Context) error {
	ctx = logger.WithBot(ctx, b.opts.Name)
	start := time.Now()
	hook := &tele.Webhook{
		Endpoint:    &tele.WebhookEndpoint{PublicURL: b.WebhookURL()},
		DropUpdates: b.opts.Webhook.DropPending,
		SecretToken: b.opts.Webhook.Secret,
	}
	err := netutil.Retry(ctx, 3, 2*time.Second, func(ctx context.Context) error {
		return netutil.Call(ctx, b.opts.CallTimeout, func(context.Context) error {
			return b.api.SetWebhook(hook)
		})
	})
	logger.Info(ctx, "tg.wire", "webhook.register",
		slog.String("status", logger.Status(err)),
		slog.String("public_url", b.WebhookURL()),
		slog.Duration("duration", logger.Took(start)),
		slog.String("err", netutil.Redact(err)),
	)
	if err != nil {
		return fmt.Errorf("telegram: %s: set webhook: %w", b.opts.Name, err)
	}
	return nil
}

// DeregisterWebhook removes the webhook so Telegram stops delivering to
// this process.
func (b *Bot) DeregisterWebhook(ctx context.Context) error {
	ctx = logger.WithBot(ctx, b.opts.Name)
	err := netutil.Call(ctx, b.opts.CallTimeout, func(context.Context) error {
		return b.api.RemoveWebhook(b.opts.Webhook.DropPending)
	})
	logger.Info(ctx, "tg.wire", "webhook.deregister",
		slog.String("status", logger.Status(err)),
		slog.String("err", netutil.Redact(err)),
	)
	if err != nil {
		return fmt.Errorf("telegram: %s: delete webhook: %w", b.opts.Name, err)
	}
	return nil
}

// Start runs the long poller in the background. A webhook left over from a
// previous deployment is removed first, otherwise getUpdates is refused.
func (b *Bot) Start(ctx context.Context) {
	if b.pollDone != nil {
		return
	}
	if err := b.DeregisterWebhook(ctx); err != nil {
		logger.Warn(logger.WithBot(ctx, b.opts.Name), "tg.wire", "poll.prepare", logger.Err(err))
	}
	b.pollDone = make(chan struct{})
	go func() {
		defer close(b.pollDone)
		b.api.Start()
	}()
	logger.Info(logger.WithBot(ctx, b.opts.Name), "tg.wire", "poll.start",
		slog.String("status", "ok"),
		slog.Duration("timeout", b.opts.LongPollTimeout),
	)
}

// Stop ends long polling and waits for the poller to exit.
func (b *Bot) Stop() {
	if b.pollDone == nil {
		return
	}
	b.api.Stop()
	<-b.pollDone
	b.pollDone = nil
}

// bindContext stores the request context of the update for downstream
// handlers, tagged with the bot name.
func (b *Bot) bindContext(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := context.Background()
		if v, ok := b.calls.Load(c.Update().ID); ok {
			ctx = v.(*call).ctx
		}
		tghelpers.StoreContext(c, logger.WithBot(ctx, b.opts.Name))
		return next(c)
	}
}

func (b *Bot) onError(err error, c tele.Context) {
	if c == nil {
		logger.Error(logger.WithBot(context.Background(), b.opts.Name), "tg", "bot.error",
			slog.String("err", netutil.Redact(err)),
		)
		return
	}
	if v, ok := b.calls.Load(c.Update().ID); ok {
		if cl := v.(*call); cl.err == nil {
			cl.err = err
		}
		return
	}
	logger.Error(tghelpers.BuildContext(c), "tg", "handler.error",
		slog.String("error_kind", netutil.Classify(err)),
		slog.String("err", netutil.Redact(err)),
	)
}

func updateChat(upd tele.Update) int64 {
	switch {
	case upd.Message != nil && upd.Message.Chat != nil:
		return upd.Message.Chat.ID
	case upd.Callback != nil && upd.Callback.Sender != nil:
		return upd.Callback.Sender.ID
	case upd.MyChatMember != nil && upd.MyChatMember.Chat != nil:
		return upd.MyChatMember.Chat.ID
	}
	return 0
}

func stripe(chatID int64) int {
	if chatID < 0 {
		chatID = -chatID
	}
	return int(chatID % chatStripes)
}
