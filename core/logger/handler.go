package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

type logFormat string

const (
	formatJSON logFormat = "json"
	formatKV   logFormat = "kv"

	timeFormatMillis = "2006-01-02T15:04:05.000Z07:00"
)

type handlerConfig struct {
	level    slog.Leveler
	writer   *asyncWriter
	format   logFormat
	keyOrder []string
}

// structuredHandler renders records as one flat line per event, either
// key=value or JSON, with keys in cfg.keyOrder first.
type structuredHandler struct {
	cfg    handlerConfig
	attrs  []slog.Attr
	groups []string
}

func newStructuredHandler(cfg handlerConfig) *structuredHandler {
	if cfg.level == nil {
		cfg.level = slog.LevelInfo
	}
	if cfg.keyOrder == nil {
		cfg.keyOrder = slices.Clone(defaultKeyOrder)
	}
	return &structuredHandler{cfg: cfg}
}

func (h *structuredHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.cfg.level.Level()
}

func (h *structuredHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.cfg.writer == nil {
		return fmt.Errorf("logger: writer not initialized")
	}
	jsonOut := h.cfg.format == formatJSON

	f := make(entry, 16)
	ts := r.Time.UTC()
	f["ts"] = ts.Truncate(time.Millisecond).Format(timeFormatMillis)
	f["level"] = normalizeLevel(r.Level.String())
	if jsonOut {
		f["ts_unix_nano"] = ts.UnixNano()
	}
	prefix := strings.Join(h.groups, ".")
	for _, a := range h.attrs {
		f.add(prefix, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		f.add(prefix, a)
		return true
	})
	f.fromContext(ctx)
	f.compactRID(jsonOut)
	f.fallback("event", orDefault(r.Message, "unknown"))
	f.fallback("component", "app")
	f.normalize()

	var out []byte
	if jsonOut {
		var err error
		if out, err = f.json(h.cfg.keyOrder); err != nil {
			return err
		}
	} else {
		out = f.kv(h.cfg.keyOrder)
	}
	return h.cfg.writer.Write(append(out, '\n'))
}

func (h *structuredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(slices.Clone(h.attrs), attrs...)
	return &clone
}

func (h *structuredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(slices.Clone(h.groups), name)
	return &clone
}

// entry holds the flattened fields of one log record.
type entry map[string]any

// add flattens groups into dotted keys.
func (f entry) add(prefix string, a slog.Attr) {
	key := a.Key
	switch {
	case key == "":
		key = prefix
	case prefix != "":
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, child := range a.Value.Group() {
			f.add(key, child)
		}
		return
	}
	if key == "" {
		return
	}
	if k, v, ok := scalar(key, a.Value.Resolve()); ok {
		f[k] = v
	}
}

// scalar converts v to a JSON-friendly value. Durations become whole
// milliseconds under a *_ms key.
func scalar(key string, v slog.Value) (string, any, bool) {
	switch v.Kind() {
	case slog.KindString:
		return key, strings.TrimSpace(v.String()), true
	case slog.KindBool:
		return key, v.Bool(), true
	case slog.KindInt64:
		return key, v.Int64(), true
	case slog.KindUint64:
		if u := v.Uint64(); u > math.MaxInt64 {
			return key, u, true
		}
		return key, int64(v.Uint64()), true
	case slog.KindFloat64:
		return key, v.Float64(), true
	case slog.KindDuration:
		return msKey(key), RoundMS(v.Duration()).Milliseconds(), true
	case slog.KindTime:
		return key, v.Time().UTC().Format(time.RFC3339Nano), true
	}
	switch x := v.Any().(type) {
	case nil:
		return key, nil, false
	case error:
		return key, x.Error(), true
	case string:
		return key, strings.TrimSpace(x), true
	case time.Duration:
		return msKey(key), RoundMS(x).Milliseconds(), true
	case fmt.Stringer:
		return key, x.String(), true
	default:
		return key, fmt.Sprint(x), true
	}
}

func msKey(key string) string {
	switch {
	case key == "duration":
		return "duration_ms"
	case strings.HasSuffix(key, "_ms"):
		return key
	}
	return key + "_ms"
}

// fromContext fills the bot, job and update identifiers that the call
// site did not set explicitly.
func (f entry) fromContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	for _, kv := range []struct {
		key string
		val any
		set bool
	}{
		{"rid", RIDFrom(ctx), RIDFrom(ctx) != ""},
		{"bot", BotFrom(ctx), BotFrom(ctx) != ""},
		{"job", JobFrom(ctx), JobFrom(ctx) != ""},
		{"handler", HandlerFrom(ctx), HandlerFrom(ctx) != ""},
		{"update_id", UpdateIDFrom(ctx), UpdateIDFrom(ctx) != 0},
		{"user_id", UserIDFrom(ctx), UserIDFrom(ctx) != 0},
		{"chat_id", ChatIDFrom(ctx), ChatIDFrom(ctx) != 0},
	} {
		if kv.set {
			f.fallback(kv.key, kv.val)
		}
	}
}

// compactRID shortens "update:chat:user" ids. JSON lines keep the full id
// as rid_full.
func (f entry) compactRID(keepFull bool) {
	rid := f.str("rid")
	compact := CompactRID(rid)
	if rid == "" || compact == "" || compact == rid {
		return
	}
	if keepFull {
		f.fallback("rid_full", rid)
	}
	f["rid"] = compact
}

func (f entry) fallback(key string, v any) {
	if f.str(key) == "" {
		f[key] = v
	}
}

// normalize canonicalises level and the enumerated fields, then drops
// empty values.
func (f entry) normalize() {
	f["level"] = normalizeLevel(f.str("level"))
	for field := range enumFields {
		if _, ok := f[field]; !ok {
			continue
		}
		if v, keep := normalizeEnum(field, f.str(field)); keep {
			f[field] = v
		} else {
			delete(f, field)
		}
	}
	for k, v := range f {
		switch x := v.(type) {
		case nil:
			delete(f, k)
		case string:
			if x == "" {
				delete(f, k)
			}
		case fmt.Stringer:
			if x.String() == "" {
				delete(f, k)
			}
		}
	}
}

func (f entry) str(key string) string {
	switch v := f[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// keys returns the keys of order present in f, then the rest sorted.
func (f entry) keys(order []string) []string {
	keys := make([]string, 0, len(f))
	for _, k := range order {
		if _, ok := f[k]; ok && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	ordered := len(keys)
	for k := range f {
		if !slices.Contains(keys[:ordered], k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys[ordered:])
	return keys
}

func (f entry) json(order []string) ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range f.keys(order) {
		data, err := json.Marshal(f[k])
		if err != nil {
			return nil, err
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.Write(data)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func (f entry) kv(order []string) []byte {
	var b strings.Builder
	for i, k := range f.keys(order) {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(kvValue(f[k]))
	}
	return []byte(b.String())
}

func kvValue(v any) string {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		s = fmt.Sprint(x)
	}
	if strings.IndexFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) >= 0 {
		return strconv.Quote(s)
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
