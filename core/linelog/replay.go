package linelog

import (
	"regexp"
	"time"
)

// Replay feeds stored lines to handle in order and stops at the first error.
func Replay(lines []Line, handle func(Line) error) error {
	for _, l := range lines {
		if err := handle(l); err != nil {
			return err
		}
	}
	return nil
}

// Filter keeps the lines that satisfy every predicate.
func Filter(lines []Line, preds ...func(Line) bool) []Line {
	var out []Line
next:
	for _, l := range lines {
		for _, p := range preds {
			if !p(l) {
				continue next
			}
		}
		out = append(out, l)
	}
	return out
}

// CountBy counts lines per key.
func CountBy[K comparable](lines []Line, key func(Line) K) map[K]int {
	out := make(map[K]int)
	for _, l := range lines {
		out[key(l)]++
	}
	return out
}

// Matching selects lines whose text matches re.
func Matching(re *regexp.Regexp) func(Line) bool {
	return func(l Line) bool { return re.MatchString(l.Text) }
}

// InChat selects lines of one chat.
func InChat(chatID int64) func(Line) bool {
	return func(l Line) bool { return l.ChatID == chatID }
}

// Between selects lines with from <= At < to.
func Between(from, to time.Time) func(Line) bool {
	return func(l Line) bool { return !l.At.Before(from) && l.At.Before(to) }
}

// OnDay selects lines of the calendar day of t in t's location.
func OnDay(t time.Time) func(Line) bool {
	from := startOfDay(t)
	return Between(from, from.AddDate(0, 0, 1))
}
