package helpers

import (
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// Replier enqueues replies to the chat of the current update. Replies go
// through the dispatcher so they share the per-chat throttle with reports.
type Replier struct {
	Dispatcher *sender.Dispatcher
}

// Text sends raw text (no parse mode) to the current chat.
func (r Replier) Text(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	return r.send(c, text, sender.Plain, markup)
}

// HTML sends a message with HTML parse mode and optional reply markup.
func (r Replier) HTML(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	return r.send(c, text, sender.HTML, markup)
}

func (r Replier) send(c tele.Context, text string, format sender.Format, markup []*tele.ReplyMarkup) error {
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	var rm *tele.ReplyMarkup
	if len(markup) > 0 {
		rm = markup[0]
	}
	msg := sender.Message{To: chat.ID, Text: text, Format: format, Markup: rm}
	if r.Dispatcher == nil {
		return c.Send(text, &tele.SendOptions{ParseMode: parseMode(format), ReplyMarkup: rm})
	}
	r.Dispatcher.Enqueue(BuildContext(c), msg)
	return nil
}

func parseMode(f sender.Format) tele.ParseMode {
	switch f {
	case sender.Markdown:
		return tele.ModeMarkdown
	case sender.MarkdownV2:
		return tele.ModeMarkdownV2
	case sender.HTML:
		return tele.ModeHTML
	}
	return tele.ModeDefault
}

// EditOrSend edits the message of a callback in place (HTML). When the
// update carries no message or the edit fails, a new message is queued.
func (r Replier) EditOrSend(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	var rm *tele.ReplyMarkup
	if len(markup) > 0 {
		rm = markup[0]
	}
	if c.Callback() != nil && c.Message() != nil {
		if err := c.Edit(text, &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: rm}); err == nil {
			return nil
		}
	}
	return r.send(c, text, sender.HTML, markup)
}

// Failure returns an error reply for the router. A failed callback gets the
// text in place of the menu it came from.
func (r Replier) Failure(text string, markup func() *tele.ReplyMarkup) func(tele.Context, error) error {
	return func(c tele.Context, _ error) error {
		return r.EditOrSend(c, text, markup())
	}
}
