package logger

import "strings"

const (
	// LevelDebug represents the debug severity level name.
	LevelDebug = "DEBUG"
	// LevelInfo represents the info severity level name.
	LevelInfo = "INFO"
	// LevelWarn represents the warning severity level name.
	LevelWarn = "WARN"
	// LevelError represents the error severity level name.
	LevelError = "ERROR"
)

var allowedLevels = map[string]string{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// enumFields lists attributes restricted to a known vocabulary. Unknown
// values of strict fields are dropped; non-strict ones pass through.
var enumFields = map[string]struct {
	values map[string]bool
	strict bool
}{
	"status":  {values: setOf("ok", "fail", "skip", "timeout", "rate_limited", "cancelled"), strict: false},
	"outcome": {values: setOf("consumed", "passthrough", "invalid", "not_found", "ok", "fail", "skip"), strict: true},
	"cache":   {values: setOf("hit", "miss", "refresh"), strict: true},
}

func setOf(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func normalizeLevel(level string) string {
	if level == "" {
		return LevelInfo
	}
	if mapped, ok := allowedLevels[strings.ToLower(level)]; ok {
		return mapped
	}
	return strings.ToUpper(level)
}

// normalizeEnum lowercases v and reports whether the field should be kept.
func normalizeEnum(field, v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", false
	}
	spec, ok := enumFields[field]
	if !ok || spec.values[v] || !spec.strict {
		return v, true
	}
	return "", false
}

// defaultKeyOrder leads with the bot and the job, handler or step that
// produced the line. Keys not listed follow in lexical order.
var defaultKeyOrder = []string{
	"ts",
	"level",
	"component",
	"event",
	"bot",
	"job",
	"handler",
	"tag",
	"status",
	"rid",
	"rid_full",
	"ts_unix_nano",
	"update_id",
	"user_id",
	"chat_id",
	"chat_type",
	"prev_tag",
	"outcome",
	"to",
	"format",
	"record",
	"backend",
	"duration_ms",
	"delay_ms",
	"elapsed_ms",
	"queued",
	"in_flight",
	"parallelism",
	"interval_ms",
	"rows",
	"count",
	"lines",
	"file",
	"mode",
	"listen",
	"public_url",
	"http_code",
	"path",
	"db",
	"host",
	"err",
	"error_kind",
	"cause",
	"next_run",
}
