// Package teletest provides an in-memory tele.Context for handler tests.
package teletest

import (
	"fmt"
	"sync"

	tele "gopkg.in/telebot.v4"
)

// Context records what a handler sends. Methods it does not override panic
// through the nil embedded tele.Context.
type Context struct {
	tele.Context

	chat   *tele.Chat
	sender *tele.User
	cb     *tele.Callback
	msg    *tele.Message

	mu     sync.Mutex
	store  map[string]any
	sent   []string
	edited []string
}

// NewCallback is a press of an inline button with data "\f<unique>|<payload>"
// in the private chat of user id.
func NewCallback(id int64, unique, payload string) *Context {
	data := "\f" + unique
	if payload != "" {
		data += "|" + payload
	}
	return &Context{
		chat:   &tele.Chat{ID: id, Type: tele.ChatPrivate},
		sender: &tele.User{ID: id},
		cb:     &tele.Callback{ID: "1", Data: data},
		store:  map[string]any{},
	}
}

// NewText is a text message from user id in its private chat.
func NewText(id int64, text string) *Context {
	chat := &tele.Chat{ID: id, Type: tele.ChatPrivate}
	sender := &tele.User{ID: id}
	return &Context{
		chat:   chat,
		sender: sender,
		msg:    &tele.Message{ID: 1, Chat: chat, Sender: sender, Text: text},
		store:  map[string]any{},
	}
}

func (c *Context) Update() tele.Update {
	return tele.Update{ID: 1, Message: c.msg, Callback: c.cb}
}

func (c *Context) Chat() *tele.Chat         { return c.chat }
func (c *Context) Sender() *tele.User       { return c.sender }
func (c *Context) Callback() *tele.Callback { return c.cb }
func (c *Context) Message() *tele.Message   { return c.msg }

func (c *Context) Text() string {
	if c.msg == nil {
		return ""
	}
	return c.msg.Text
}

func (c *Context) Respond(...*tele.CallbackResponse) error { return nil }

func (c *Context) Get(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store[key]
}

func (c *Context) Set(key string, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = val
}

func (c *Context) Send(what any, _ ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, fmt.Sprint(what))
	return nil
}

func (c *Context) Edit(what any, _ ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edited = append(c.edited, fmt.Sprint(what))
	return nil
}

// Sent returns the texts passed to Send.
func (c *Context) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// Edited returns the texts passed to Edit.
func (c *Context) Edited() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.edited...)
}
