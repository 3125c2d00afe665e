package commands

import (
	tele "gopkg.in/telebot.v4"
)

// Command represents a bot command or menu button with its handler and metadata.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	// AdminOnly restricts the handler to the bot admin list.
	AdminOnly bool
	Hidden    bool
	Aliases   []string
}
