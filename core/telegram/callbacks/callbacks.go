// Package callbacks decodes inline-button callback data.
//
// Telebot encodes a button as "\f<unique>|<payload>"; menus in this
// repository put a chat id, a metric name or "<metric>|<zone>" into the
// payload.
package callbacks

import (
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Parse splits cb into its unique key and payload. A populated cb.Unique
// wins over the key encoded in Data.
func Parse(cb *tele.Callback) (unique, payload string) {
	if cb == nil {
		return "", ""
	}
	raw := strings.TrimPrefix(cb.Data, "\f")
	if cb.Unique != "" {
		if key, rest, ok := strings.Cut(raw, "|"); ok && strings.TrimSpace(key) == cb.Unique {
			return cb.Unique, rest
		}
		return cb.Unique, raw
	}
	key, rest, _ := strings.Cut(raw, "|")
	return strings.TrimSpace(key), rest
}

// Payload returns the payload of the current callback, or "".
func Payload(c tele.Context) string {
	_, p := Parse(c.Callback())
	return p
}

// Int64 parses the payload as a chat or user id.
func Int64(c tele.Context) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(Payload(c)), 10, 64)
}

// Parts splits the payload by sep. An empty payload is a syntax error.
func Parts(c tele.Context, sep string) ([]string, error) {
	p := Payload(c)
	if p == "" {
		return nil, strconv.ErrSyntax
	}
	return strings.Split(p, sep), nil
}
