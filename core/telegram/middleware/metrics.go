package middleware

import (
	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/metrics"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// UpdateKind names the update type for metrics and rate-limit exclusions.
func UpdateKind(upd tele.Update) string {
	switch {
	case upd.Callback != nil:
		return "callback"
	case upd.Message != nil:
		return "message"
	case upd.MyChatMember != nil:
		return "my_chat_member"
	case upd.Query != nil:
		return "inline_query"
	}
	return "other"
}

// UpdateMetricsMiddleware counts incoming updates by bot and kind.
func UpdateMetricsMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		bot := logger.BotFrom(tghelpers.BuildContext(c))
		metrics.ObserveUpdate(bot, UpdateKind(c.Update()))
		return next(c)
	}
}
