package router

import (
	"context"
	"log/slog"
	"time"

	tg "github.com/m3rciful/callcenter-bots/core/telegram"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
	"github.com/m3rciful/callcenter-bots/core/telegram/middleware"
	"github.com/m3rciful/callcenter-bots/core/telegram/state"

	tele "gopkg.in/telebot.v4"
)

// Conversation is the pending-action register consulted for free text.
type Conversation interface {
	HandleText(ctx context.Context, in state.Incoming) (state.Outcome, error)
	Cancel(chatID int64) bool
}

// TextOptions controls routing of text messages.
type TextOptions struct {
	// Reply sends the outcome of a consumed message back to the chat.
	Reply func(c tele.Context, text string, markup *tele.ReplyMarkup) error
	// Admin guards admin-only buttons.
	Admin       middleware.AdminOptions
	UnknownText tele.HandlerFunc
	// OnError answers the user when a menu button or command alias fails.
	OnError ErrorReply
}

// TextRoutes builds the text handler. Text is matched in order against
// command aliases and menu buttons, then the pending action of the chat,
// and finally falls through to UnknownText.
func TextRoutes(conv Conversation, reg *tg.Registry, opts TextOptions) []tg.Route {
	handler := func(c tele.Context) error {
		start := time.Now()
		text := c.Text()
		chatID, senderID := tghelpers.IDs(c)

		if reg != nil {
			if key, cmd, ok := reg.LookupCommand(text); ok && cmd.Handler != nil {
				return runCommand(c, normalizeHandlerName(key), start, cmd.AdminOnly, cmd.Handler, opts)
			}
			if cmd, ok := reg.LookupButton(text); ok {
				if conv != nil {
					conv.Cancel(chatID)
				}
				return runCommand(c, "button."+normalizeHandlerName(text), start, cmd.AdminOnly, cmd.Handler, opts)
			}
		}

		if conv != nil {
			ctx := tghelpers.BuildContext(c)
			out, err := conv.HandleText(ctx, state.Incoming{ChatID: chatID, SenderID: senderID, Text: text})
			if out.Consumed {
				name := "fsm." + normalizeHandlerName(string(out.Tag))
				replyErr := handleWithSummary(c, name, start, out.Status, func() error {
					if out.Reply == "" || opts.Reply == nil {
						return nil
					}
					return opts.Reply(c, out.Reply, out.Markup)
				}, applyErrAttr(err)...)
				return replyErr
			}
		}

		if opts.UnknownText != nil {
			return handleWithSummary(c, "unknown_text", start, "", func() error {
				return opts.UnknownText(c)
			})
		}

		logHandlerSummary(c, "unknown_text", start, "skip", nil)
		return nil
	}

	return []tg.Route{
		{Endpoint: tele.OnText, Handler: handler},
	}
}

func runCommand(c tele.Context, name string, start time.Time, adminOnly bool, h tele.HandlerFunc, opts TextOptions) error {
	if adminOnly {
		h = middleware.AdminOnlyMiddleware(opts.Admin)(h)
	}
	err := handleWithSummary(c, name, start, "", func() error { return h(c) })
	return answerFailure(c, opts.OnError, err)
}

// applyErrAttr reports an apply failure. The user already got a reply, so
// the failure is logged rather than returned to the update loop.
func applyErrAttr(err error) []slog.Attr {
	if err == nil {
		return nil
	}
	return []slog.Attr{slog.String("cause", err.Error())}
}
