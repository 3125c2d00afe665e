package logger

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"
)

func newTestLogger(t *testing.T, format logFormat) (*slog.Logger, func() string) {
	t.Helper()
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	handler := newStructuredHandler(handlerConfig{
		level:    slog.LevelDebug,
		writer:   aw,
		format:   format,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	})
	read := func() string {
		if err := aw.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		return strings.TrimSpace(buf.String())
	}
	return slog.New(handler), read
}

func TestStructuredHandlerKVOrder(t *testing.T) {
	log, read := newTestLogger(t, formatKV)
	ctx := WithRID(context.Background(), "rid-123")
	ctx = WithBot(ctx, "flashcall")
	ctx = WithUpdateMeta(ctx, 42, 7, 9)

	LogEvent(ctx, log.With("component", "fsm"), slog.LevelInfo, "action.begin",
		slog.String("status", "ok"),
		slog.String("tag", "add_user_id"),
	)

	line := read()
	tokens := strings.Split(line, " ")
	expected := []string{"ts=", "level=INFO", "component=fsm", "event=action.begin", "bot=flashcall", "tag=add_user_id", "status=ok", "rid=rid-123", "update_id=42", "user_id=7", "chat_id=9"}
	if len(tokens) < len(expected) {
		t.Fatalf("unexpected token count: %d (%s)", len(tokens), line)
	}
	for i, prefix := range expected {
		if !strings.HasPrefix(tokens[i], prefix) {
			t.Fatalf("token %d = %s, expected prefix %s", i, tokens[i], prefix)
		}
	}
}

func TestStructuredHandlerJobFromContext(t *testing.T) {
	log, read := newTestLogger(t, formatKV)
	ctx := WithJob(WithBot(context.Background(), "calls"), "calls.boss")

	LogEvent(ctx, log.With("component", "bot.calls"), slog.LevelInfo, "report.send",
		slog.String("status", "ok"),
		slog.Int("rows", 12),
	)
	LogEvent(WithJob(ctx, "ignored"), log, slog.LevelInfo, "job.run", slog.String("job", "explicit"))

	lines := strings.Split(read(), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", lines)
	}
	tokens := strings.Split(lines[0], " ")
	expected := []string{"ts=", "level=INFO", "component=bot.calls", "event=report.send", "bot=calls", "job=calls.boss", "status=ok"}
	for i, prefix := range expected {
		if i >= len(tokens) || !strings.HasPrefix(tokens[i], prefix) {
			t.Fatalf("token %d of %q, expected prefix %s", i, lines[0], prefix)
		}
	}
	if !strings.Contains(lines[0], "rows=12") {
		t.Fatalf("expected rows=12 in %s", lines[0])
	}
	if !strings.Contains(lines[1], "job=explicit") || strings.Contains(lines[1], "job=ignored") {
		t.Fatalf("explicit job attr must win over context: %s", lines[1])
	}
}

func TestStructuredHandlerGroupsAndValues(t *testing.T) {
	log, read := newTestLogger(t, formatKV)
	LogEvent(context.Background(), log.WithGroup("store"), slog.LevelWarn, "save.fail",
		slog.Group("record", slog.String("name", "flashcall"), slog.Bool("dirty", true)),
		slog.String("err", "disk full"),
		slog.Float64("ratio", 0.5),
	)
	line := read()
	for _, want := range []string{"level=WARN", "store.record.name=flashcall", "store.record.dirty=true", `store.err="disk full"`, "store.ratio=0.5", "component=app"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in %s", want, line)
		}
	}
}

func TestStructuredHandlerJSONOrder(t *testing.T) {
	log, read := newTestLogger(t, formatJSON)
	ctx := WithRID(context.Background(), "rid-json")

	LogEvent(ctx, log.With("component", "tg.sender"), slog.LevelError, "send.fail",
		slog.String("status", "fail"),
		slog.Int64("to", -100123),
		slog.String("error_kind", "timeout"),
	)

	line := read()
	prefixes := []string{`{"ts":`, `"level":"ERROR"`, `"component":"tg.sender"`, `"event":"send.fail"`, `"status":"fail"`, `"rid":"rid-json"`, `"to":-100123`, `"error_kind":"timeout"`}
	pos := -1
	for _, pref := range prefixes {
		idx := strings.Index(line, pref)
		if idx == -1 || idx < pos {
			t.Fatalf("prefix %s not found in order within %s", pref, line)
		}
		pos = idx
	}
}

func TestStructuredHandlerCompactRID(t *testing.T) {
	rawRID := "123:456:789"

	log, read := newTestLogger(t, formatKV)
	LogEvent(WithRID(context.Background(), rawRID), log, slog.LevelInfo, "rid.test")
	line := read()
	if !strings.Contains(line, "rid="+CompactRID(rawRID)) {
		t.Fatalf("expected compact rid, got %s", line)
	}
	if strings.Contains(line, "rid_full=") {
		t.Fatalf("rid_full should be omitted in KV output, got %s", line)
	}

	log, read = newTestLogger(t, formatJSON)
	LogEvent(WithRID(context.Background(), rawRID), log, slog.LevelInfo, "rid.test")
	line = read()
	if !strings.Contains(line, `"rid":"`+CompactRID(rawRID)+`"`) || !strings.Contains(line, `"rid_full":"`+rawRID+`"`) {
		t.Fatalf("expected compact rid and rid_full in JSON, got %s", line)
	}
}

func TestStructuredHandlerUUIDRIDUntouched(t *testing.T) {
	rid := "6f1c2e0a-8d6b-4f39-9a57-1d2b9f0f4c11"
	if got := CompactRID(rid); got != rid {
		t.Fatalf("CompactRID(%q) = %q", rid, got)
	}
}

func TestStructuredHandlerDurationsAndEnums(t *testing.T) {
	log, read := newTestLogger(t, formatKV)
	LogEvent(context.Background(), log, slog.LevelInfo, "enum.test",
		slog.Duration("duration", 1499*time.Microsecond),
		slog.Duration("delay", 250*time.Millisecond),
		slog.String("outcome", "Consumed"),
		slog.String("cache", "bogus"),
	)
	line := read()
	for _, want := range []string{"duration_ms=1", "delay_ms=250", "outcome=consumed"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in %s", want, line)
		}
	}
	if strings.Contains(line, "cache=") {
		t.Fatalf("unknown cache value should be dropped: %s", line)
	}
}

func TestRatioSampler(t *testing.T) {
	s := newRatioSampler(1, 3)
	got := []bool{s.Allow(), s.Allow(), s.Allow(), s.Allow()}
	want := []bool{true, false, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Allow #%d = %v, want %v", i, got[i], want[i])
		}
	}
	s.Set(0, 0)
	if !s.Allow() {
		t.Fatal("disabled sampler must allow everything")
	}
	if n, d := parseRatioSpec("2/5"); n != 2 || d != 5 {
		t.Fatalf("parseRatioSpec(2/5) = %d/%d", n, d)
	}
	if n, d := parseRatioSpec("10"); n != 1 || d != 10 {
		t.Fatalf("parseRatioSpec(10) = %d/%d", n, d)
	}
}
