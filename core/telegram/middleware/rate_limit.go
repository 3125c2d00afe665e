package middleware

import (
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/callcenter-bots/core/logger"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// RateLimitOptions configures behaviour of the rate limit middleware.
type RateLimitOptions struct {
	Interval time.Duration
	// Only lists the update kinds that are limited; empty means all.
	Only      map[string]struct{}
	OnLimited tele.HandlerFunc
}

// RateLimitMiddleware drops updates that follow the previous one of the
// same user within Interval. Bots limit callbacks only, which absorbs
// double taps on inline buttons.
func RateLimitMiddleware(opts RateLimitOptions) tele.MiddlewareFunc {
	var (
		userLastSeen   = make(map[int64]time.Time)
		userLastSeenMu sync.Mutex
	)
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil || opts.Interval <= 0 {
				return next(c)
			}
			if len(opts.Only) > 0 {
				if _, limited := opts.Only[UpdateKind(c.Update())]; !limited {
					return next(c)
				}
			}

			now := time.Now()
			userLastSeenMu.Lock()
			if last, ok := userLastSeen[user.ID]; ok && now.Sub(last) < opts.Interval {
				userLastSeenMu.Unlock()
				logger.Warn(tghelpers.BuildContext(c), "tg", "rate_limit",
					slog.String("status", "rate_limited"),
				)
				if opts.OnLimited != nil {
					return opts.OnLimited(c)
				}
				return nil
			}
			for id, ts := range userLastSeen {
				if now.Sub(ts) > opts.Interval {
					delete(userLastSeen, id)
				}
			}
			userLastSeen[user.ID] = now
			userLastSeenMu.Unlock()
			return next(c)
		}
	}
}
