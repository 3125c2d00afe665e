package router

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/m3rciful/callcenter-bots/core/logger"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
	"github.com/m3rciful/callcenter-bots/core/telegram/netutil"

	tele "gopkg.in/telebot.v4"
)

// ErrorReply tells the user that a handler failed. It runs after the failure
// is logged.
type ErrorReply func(c tele.Context, err error) error

// answerFailure hands a handler error to onError. Once the user has been
// answered the update is settled, so nil is returned and Telegram does not
// redeliver it.
func answerFailure(c tele.Context, onError ErrorReply, err error) error {
	if err == nil || onError == nil {
		return err
	}
	if replyErr := onError(c, err); replyErr != nil {
		return errors.Join(err, replyErr)
	}
	return nil
}

func handleWithSummary(c tele.Context, handlerName string, start time.Time, outcomeOverride string, fn func() error, extras ...slog.Attr) error {
	tghelpers.WithHandler(c, handlerName)
	err := fn()
	logHandlerSummary(c, handlerName, start, outcomeOverride, err, extras...)
	return err
}

func logHandlerSummary(c tele.Context, handlerName string, start time.Time, outcomeOverride string, err error, extras ...slog.Attr) {
	ctx := tghelpers.WithHandler(c, handlerName)

	outcome := outcomeOverride
	if outcome == "" {
		outcome = logger.Status(err)
	}
	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.String("handler", handlerName),
		slog.String("outcome", outcome),
		slog.Duration("duration", logger.Took(start)),
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("err", logger.SanitizeLimit(netutil.Redact(err), 256)),
			slog.String("err_code", deriveErrorCode(err)),
			slog.String("error_kind", netutil.Classify(err)),
			slog.String("cause", handlerName),
		)
	}
	attrs = append(attrs, extras...)
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	logger.LogEvent(ctx, logger.Component("tg"), level, "handler.handled", attrs...)
}

func normalizeHandlerName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	name = strings.TrimPrefix(name, "/")
	name = strings.ReplaceAll(name, " ", "_")
	return strings.ToLower(name)
}

func deriveErrorCode(err error) string {
	if err == nil {
		return ""
	}
	type coder interface{ Code() string }
	var c coder
	if errors.As(err, &c) {
		if code := strings.TrimSpace(c.Code()); code != "" {
			return strings.ToUpper(strings.ReplaceAll(code, " ", "_"))
		}
	}
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t != nil && t.Name() != "" {
		return strings.ToUpper(t.Name())
	}
	return "UNKNOWN_ERROR"
}
