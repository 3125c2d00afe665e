package telegram

import (
	"time"

	"github.com/m3rciful/callcenter-bots/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// DefaultMiddlewares builds the shared middleware chain for bots. A
// positive callbackInterval debounces repeated inline-button taps per user.
func DefaultMiddlewares(callbackInterval time.Duration, onLimited func(tele.Context) error) []Middleware {
	mws := []Middleware{
		{Name: "recover", Use: middleware.RecoverMiddleware},
		{Name: "logger", Use: middleware.LoggerMiddleware},
		{Name: "metrics", Use: middleware.UpdateMetricsMiddleware},
	}
	if callbackInterval > 0 {
		mws = append(mws, Middleware{
			Name: "rate_limit",
			Use: middleware.RateLimitMiddleware(middleware.RateLimitOptions{
				Interval:  callbackInterval,
				Only:      map[string]struct{}{"callback": {}},
				OnLimited: onLimited,
			}),
		})
	}
	return mws
}
