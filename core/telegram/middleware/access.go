package middleware

import (
	"log/slog"

	"github.com/m3rciful/callcenter-bots/core/logger"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// AdminOptions defines how admin-only checks should behave.
type AdminOptions struct {
	IsAdmin  func(userID int64) bool
	OnReject tele.HandlerFunc
}

// AdminOnlyMiddleware lets only admins reach downstream handlers. Without an
// IsAdmin check nobody passes.
func AdminOnlyMiddleware(opts AdminOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user != nil && opts.IsAdmin != nil && opts.IsAdmin(user.ID) {
				return next(c)
			}
			logger.Debug(tghelpers.BuildContext(c), "tg", "access.denied",
				slog.String("status", "skip"),
			)
			if opts.OnReject != nil {
				return opts.OnReject(c)
			}
			return nil
		}
	}
}

// PrivateOnly drops updates that do not come from a private chat.
func PrivateOnly(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if chat := c.Chat(); chat == nil || chat.Type != tele.ChatPrivate {
			return nil
		}
		return next(c)
	}
}
