package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/m3rciful/callcenter-bots/core/telegram/netutil"
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// MessageLimit is the Bot API limit for one text message, in characters.
const MessageLimit = 4096

// ChatInfo is the subset of chat metadata the bots rely on.
type ChatInfo struct {
	ID        int64
	Type      string
	Title     string
	Username  string
	FirstName string
	LastName  string
}

// DisplayName is @username when set, else the full name or the chat title.
func (c ChatInfo) DisplayName() string {
	if c.Username != "" {
		return "@" + c.Username
	}
	if name := strings.TrimSpace(c.FirstName + " " + c.LastName); name != "" {
		return name
	}
	return c.Title
}

// IsGroup reports whether the chat is a group or supergroup.
func (c ChatInfo) IsGroup() bool {
	return c.Type == string(tele.ChatGroup) || c.Type == string(tele.ChatSuperGroup)
}

// Transport performs bounded Bot API calls. It satisfies sender.Transport.
type Transport struct {
	api     *tele.Bot
	timeout time.Duration
}

// NewTransport wraps api; every call is abandoned after timeout.
func NewTransport(api *tele.Bot, timeout time.Duration) *Transport {
	return &Transport{api: api, timeout: timeout}
}

// Send delivers msg, splitting texts over MessageLimit on line boundaries.
// The reply markup is attached to the last part only.
func (t *Transport) Send(ctx context.Context, msg sender.Message) error {
	parts := SplitMessage(msg.Text, MessageLimit)
	for i, part := range parts {
		opts := &tele.SendOptions{ParseMode: parseMode(msg.Format)}
		if i == len(parts)-1 {
			opts.ReplyMarkup = msg.Markup
		}
		err := netutil.Call(ctx, t.timeout, func(context.Context) error {
			_, err := t.api.Send(tele.ChatID(msg.To), part, opts)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ChatInfo fetches chat metadata.
func (t *Transport) ChatInfo(ctx context.Context, chatID int64) (ChatInfo, error) {
	chat, err := netutil.Do(ctx, t.timeout, func(context.Context) (*tele.Chat, error) {
		return t.api.ChatByID(chatID)
	})
	if err != nil {
		return ChatInfo{}, err
	}
	return ChatInfo{
		ID:        chat.ID,
		Type:      string(chat.Type),
		Title:     chat.Title,
		Username:  chat.Username,
		FirstName: chat.FirstName,
		LastName:  chat.LastName,
	}, nil
}

// IsGroup reports whether chatID refers to a group or supergroup.
func (t *Transport) IsGroup(ctx context.Context, chatID int64) (bool, error) {
	info, err := t.ChatInfo(ctx, chatID)
	if err != nil {
		return false, err
	}
	return info.IsGroup(), nil
}

func parseMode(f sender.Format) tele.ParseMode {
	switch f {
	case sender.Markdown:
		return tele.ModeMarkdown
	case sender.MarkdownV2:
		return tele.ModeMarkdownV2
	case sender.HTML:
		return tele.ModeHTML
	default:
		return tele.ModeDefault
	}
}

// SplitMessage breaks text into chunks of at most limit runes, preferring
// newline boundaries so formatted lines stay intact. Blank text yields a
// single empty part so that callers still attempt the send.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			if chunk := strings.Trim(string(runes[start:]), "\n"); chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}
		split := end
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		if chunk := strings.Trim(string(runes[start:split]), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}
	if len(parts) == 0 {
		return []string{text}
	}
	return parts
}
