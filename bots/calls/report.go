package calls

import (
	"fmt"
	"html"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/m3rciful/callcenter-bots/core/cdr"
)

const (
	// operatorMarker selects the follow-up team among all vendor operators.
	operatorMarker = "дж-"
	// boldFrom bolds operators in the boss report from this many calls.
	boldFrom = 5
	// cancelAlert marks a cancel share at or above this percentage.
	cancelAlert = 20

	firstReportHour = 9
	lastReportHour  = 21

	stampLayout = "15:04 02-01-2006"
)

// Summary aggregates the calls of one operator.
type Summary struct {
	Initials string
	Total    int
	Cancel   int
	// Zero counts calls that never reached a conversation.
	Zero        int
	Wait        time.Duration
	Talk        time.Duration
	First       time.Time
	Last        time.Time
	ActiveHours float64
}

// PerHour is the number of calls per active hour, rounded to 0.1.
func (s Summary) PerHour() float64 {
	if s.ActiveHours <= 0 {
		return 0
	}
	return math.Round(float64(s.Total)/s.ActiveHours*10) / 10
}

// CancelPercent is the share of cancelled calls, rounded half to even.
func (s Summary) CancelPercent() int {
	if s.Total == 0 {
		return 0
	}
	return int(math.RoundToEven(float64(s.Cancel) / float64(s.Total) * 100))
}

// Period is the span between the first and the last call.
func (s Summary) Period() time.Duration {
	return s.Last.Sub(s.First)
}

// Summarize groups rows of the follow-up team by operator initials, busiest
// operators first. Rows without initials are ignored.
func Summarize(rows []cdr.Row) []Summary {
	byOp := make(map[string]*Summary)
	times := make(map[string][]time.Time)
	for _, r := range rows {
		if !strings.Contains(strings.ToLower(r.Operator), operatorMarker) {
			continue
		}
		ini := r.Initials()
		if ini == "" {
			continue
		}
		s := byOp[ini]
		if s == nil {
			s = &Summary{Initials: ini, First: r.At, Last: r.At}
			byOp[ini] = s
		}
		s.Total++
		if r.Cancelled() {
			s.Cancel++
		}
		if r.Duration == 0 {
			s.Zero++
		}
		s.Wait += r.Wait
		s.Talk += r.Duration
		if r.At.Before(s.First) {
			s.First = r.At
		}
		if r.At.After(s.Last) {
			s.Last = r.At
		}
		times[ini] = append(times[ini], r.At)
	}

	out := make([]Summary, 0, len(byOp))
	for ini, s := range byOp {
		s.ActiveHours = ActiveHours(times[ini])
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Initials < out[j].Initials
	})
	return out
}

// ActiveHours sums the spans of activity blocks, a gap over one hour
// starting a new block. The result is never below one hour.
func ActiveHours(times []time.Time) float64 {
	if len(times) == 0 {
		return 1
	}
	sorted := append([]time.Time(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var total time.Duration
	start, prev := sorted[0], sorted[0]
	for _, t := range sorted[1:] {
		if t.Sub(prev) > time.Hour {
			total += prev.Sub(start)
			start = t
		}
		prev = t
	}
	total += prev.Sub(start)
	return math.Max(total.Hours(), 1)
}

// ReportTime is the wall-clock stamp a report made at now refers to:
// reports before 09:00 are stamped 09:00 and those after 21:00 are stamped
// 21:00. In between, the first ten minutes of an hour belong to that hour
// and later minutes to the next one.
func ReportTime(now time.Time) time.Time {
	y, m, d := now.Date()
	at := func(h int) time.Time { return time.Date(y, m, d, h, 0, 0, 0, now.Location()) }
	switch h := now.Hour(); {
	case h < firstReportHour:
		return at(firstReportHour)
	case h >= lastReportHour:
		return at(lastReportHour)
	case now.Minute() <= 10:
		return at(h)
	default:
		return at(min(h+1, lastReportHour))
	}
}

// Window is the range of calls a report made at now covers: from 07:30 to
// the end of the current half hour, capped at 22:00. It reports false
// before 07:30.
func Window(now time.Time) (from, to time.Time, ok bool) {
	y, m, d := now.Date()
	from = time.Date(y, m, d, 7, 30, 0, 0, now.Location())
	last := time.Date(y, m, d, 22, 0, 0, 0, now.Location())
	if now.Before(from) {
		return time.Time{}, time.Time{}, false
	}
	slot := time.Date(y, m, d, now.Hour(), now.Minute()-now.Minute()%30, 0, 0, now.Location())
	to = slot.Add(cdr.IntervalLength)
	if to.After(last) {
		to = last
	}
	return from, to, true
}

// ManagersReport is the short hourly summary for the managers channel.
func ManagersReport(sums []Summary, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📞 <b>Звонки Дожим отчёт на %s:</b>\n\n", at.Format(stampLayout))
	for _, s := range sums {
		pct := s.CancelPercent()
		open, closing, alert := "", "", ""
		if pct >= cancelAlert {
			open, closing, alert = "<b>", "</b>", "‼️"
		}
		fmt.Fprintf(&b, "👤 <b>%s</b> — звонков <b>%d</b>, в час <b>%.1f</b>, сбросов %s%d (%d%%)%s%s\n\n",
			html.EscapeString(s.Initials), s.Total, s.PerHour(), open, s.Cancel, pct, closing, alert)
	}
	return b.String()
}

// BossReport is the detailed report for the boss channel.
func BossReport(sums []Summary, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📈 <b>Звонки Дожим — для руководителя</b>\n⏰ <i>Отчёт на %s</i>\n\n", at.Format(stampLayout))
	for _, s := range sums {
		cancel := fmt.Sprintf("%d", s.Cancel)
		if s.CancelPercent() >= cancelAlert {
			cancel = fmt.Sprintf("<b>%d</b>‼️", s.Cancel)
		}
		ini, total := html.EscapeString(s.Initials), fmt.Sprintf("%d", s.Total)
		if s.Total >= boldFrom {
			ini, total = "<b>"+ini+"</b>", "<b>"+total+"</b>"
		}
		fmt.Fprintf(&b, "👤 %s — звонков: %s, сбросов: %s, недозвонов: %d,\n", ini, total, cancel, s.Zero)
		fmt.Fprintf(&b, "первый звонок: %s, последний звонок: %s,\n", s.First.Format(stampLayout), s.Last.Format(stampLayout))
		fmt.Fprintf(&b, "разговоров: %.2f ч, период активности: %.2f ч\n\n", s.Talk.Hours(), s.Period().Hours())
	}
	return b.String()
}
