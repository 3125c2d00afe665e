package netutil

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

var tokenRe = regexp.MustCompile(`bot[0-9]+:[A-Za-z0-9_-]+`)

// Error kinds reported in the error_kind log attribute and metrics labels.
const (
	KindTimeout    = "timeout"
	KindCancelled  = "cancelled"
	KindPanic      = "panic"
	KindRateLimit  = "rate_limit"
	KindForbidden  = "forbidden"
	KindBadRequest = "bad_request"
	KindDNS        = "dns"
	KindDial       = "dial"
	KindTLS        = "tls"
	KindHTTP5xx    = "http_5xx"
	KindHTTP4xx    = "http_4xx"
	KindUnknown    = "unknown"
)

// Classify maps err onto a short, stable kind.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrPanic):
		return KindPanic
	}

	switch status := HTTPStatus(err); {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusBadRequest:
		return KindBadRequest
	case status >= 500:
		return KindHTTP5xx
	case status >= 400:
		return KindHTTP4xx
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindDial
	}
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return KindTLS
	}
	return KindUnknown
}

// HTTPStatus extracts the Telegram API status code carried by err, or 0.
func HTTPStatus(err error) int {
	if err == nil {
		return 0
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var floodErr tele.FloodError
	if errors.As(err, &floodErr) {
		return http.StatusTooManyRequests
	}
	var groupErr tele.GroupError
	if errors.As(err, &groupErr) {
		return http.StatusBadRequest
	}

	// telebot renders unknown API errors as "telegram: <description> (<code>)".
	msg := err.Error()
	lastOpen := strings.LastIndex(msg, "(")
	lastClose := strings.LastIndex(msg, ")")
	if lastOpen >= 0 && lastClose > lastOpen+1 {
		if code, convErr := strconv.Atoi(strings.TrimSpace(msg[lastOpen+1 : lastClose])); convErr == nil && code >= 100 && code < 600 {
			return code
		}
	}
	return 0
}

// Redact renders err with bot tokens masked.
func Redact(err error) string {
	if err == nil {
		return ""
	}
	return tokenRe.ReplaceAllString(err.Error(), "bot<redacted>")
}
