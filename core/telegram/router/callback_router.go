package router

import (
	"log/slog"
	"time"

	tg "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/callbacks"
	"github.com/m3rciful/callcenter-bots/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// CallbackOptions customises access and fallback behaviour for callbacks.
type CallbackOptions struct {
	NotFound tele.HandlerFunc
	// Admin, when IsAdmin is set, restricts every callback to admins.
	Admin middleware.AdminOptions
	// OnError answers the user when a callback handler fails.
	OnError ErrorReply
}

// CallbackRoute returns a handler that routes callbacks through the registry.
func CallbackRoute(reg *tg.Registry, opts CallbackOptions) tg.Route {
	var handler tele.HandlerFunc = func(c tele.Context) error {
		start := time.Now()
		if c.Callback() == nil {
			return nil
		}

		key, _ := callbacks.Parse(c.Callback())
		name := "callback." + normalizeHandlerName(key)
		extras := []slog.Attr{slog.String("cb_key", key)}

		cbHandler, ok := reg.GetCallback(key)
		if !ok || cbHandler == nil {
			fallback := opts.NotFound
			if fallback == nil {
				fallback = reg.CallbackNotFound()
			}
			extras = append(extras, slog.String("reason", "not_found"))
			return answerFailure(c, opts.OnError, handleWithSummary(c, name, start, "", func() error {
				if fallback != nil {
					return fallback(c)
				}
				return nil
			}, extras...))
		}

		err := handleWithSummary(c, name, start, "", func() error {
			_ = c.Respond()
			return cbHandler(c)
		}, extras...)
		return answerFailure(c, opts.OnError, err)
	}
	if opts.Admin.IsAdmin != nil {
		handler = middleware.AdminOnlyMiddleware(opts.Admin)(handler)
	}
	return tg.Route{
		Endpoint: tele.OnCallback,
		Handler:  handler,
	}
}
