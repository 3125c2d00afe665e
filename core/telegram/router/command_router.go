package router

import (
	"time"

	tg "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// CommandRouteOptions configures how commands are wrapped and exposed.
type CommandRouteOptions struct {
	Admin   middleware.AdminOptions
	OnError ErrorReply
}

// CommandRoutes prepares command handlers with the summary log and the
// admin check of admin-only commands.
func CommandRoutes(reg *tg.Registry, opts CommandRouteOptions) []tg.Route {
	if reg == nil {
		return nil
	}
	cmds := reg.Commands()
	routes := make([]tg.Route, 0, len(cmds))
	for cmd, def := range cmds {
		name := normalizeHandlerName(cmd)
		h := def.Handler
		var wrapped tele.HandlerFunc = func(c tele.Context) error {
			err := handleWithSummary(c, name, time.Now(), "", func() error { return h(c) })
			return answerFailure(c, opts.OnError, err)
		}
		if def.AdminOnly {
			wrapped = middleware.AdminOnlyMiddleware(opts.Admin)(wrapped)
		}
		routes = append(routes, tg.Route{
			Endpoint: cmd,
			Handler:  wrapped,
		})
	}
	return routes
}
