// Package cdr reads call-detail records and operator statistics from the
// telephony vendor.
package cdr

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// IntervalLength is the granularity of vendor requests and of the cache.
const IntervalLength = 30 * time.Minute

// Disposition values reported by the vendor.
const (
	DispositionAnswer = "ANSWER"
	DispositionCancel = "CANCEL"
	DispositionBusy   = "BUSY"
)

// Row is one outgoing call.
type Row struct {
	ID          string        `json:"id"`
	Operator    string        `json:"operator"`
	At          time.Time     `json:"at"`
	Disposition string        `json:"disposition"`
	Duration    time.Duration `json:"duration"`
	Wait        time.Duration `json:"wait"`
}

// Cancelled reports whether the operator dropped the call before an answer.
func (r Row) Cancelled() bool {
	return strings.EqualFold(r.Disposition, DispositionCancel)
}

var initialsRe = regexp.MustCompile(`\(([^)]*)\)`)

// Initials returns the text in the first parentheses of the operator name,
// e.g. "дж-Іванова (ОІ)" yields "ОІ".
func (r Row) Initials() string {
	m := initialsRe.FindStringSubmatch(r.Operator)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Source yields calls started in [from, to). An empty result is not an error.
type Source interface {
	Fetch(ctx context.Context, from, to time.Time) ([]Row, error)
}

// Intervals splits [from, to) into IntervalLength slots aligned to the
// half hour. The first slot starts at from truncated to the slot boundary.
func Intervals(from, to time.Time) []time.Time {
	if !to.After(from) {
		return nil
	}
	var out []time.Time
	for at := truncate(from); at.Before(to); at = at.Add(IntervalLength) {
		out = append(out, at)
	}
	return out
}

// truncate aligns t to the slot boundary in t's own location; Truncate on
// time.Time works in absolute time, which is off for half-hour zones.
func truncate(t time.Time) time.Time {
	y, mo, d := t.Date()
	minute := t.Minute() - t.Minute()%int(IntervalLength/time.Minute)
	return time.Date(y, mo, d, t.Hour(), minute, 0, 0, t.Location())
}

func within(rows []Row, from, to time.Time) []Row {
	out := rows[:0:0]
	for _, r := range rows {
		if !r.At.Before(from) && r.At.Before(to) {
			out = append(out, r)
		}
	}
	return out
}
