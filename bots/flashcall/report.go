package flashcall

import (
	"cmp"
	"fmt"
	"html"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m3rciful/callcenter-bots/core/linelog"
)

// RecordPattern selects chat lines worth recording: anything with a long
// number in it.
const RecordPattern = `[0-9]\d{11,13}`

const (
	// reportDays is how many recorded days the reports read.
	reportDays = 3
	// keepDays is how long day files are kept.
	keepDays = 60
	// bonusFrom marks operators with at least this many lines in a month.
	bonusFrom = 100
	dayLayout = "02.01"
)

// discountRe matches a discount waybill number.
var discountRe = regexp.MustCompile(`[12456]\d{9,}`)

// OperatorCount is the number of lines of one operator.
type OperatorCount struct {
	Initials string
	Count    int
}

// ProjectRow is one project of the project report.
type ProjectRow struct {
	ChatID    int64
	Name      string
	Norm      int
	Count     int
	Operators []OperatorCount
	// Empty is set when nobody posted in the project chat that day.
	Empty bool
}

// Unknown is a sender without initials seen in a project chat.
type Unknown struct {
	UserID  int64
	Project string
}

// ProjectSummary is the project report before rendering.
type ProjectSummary struct {
	Day      time.Time
	Projects []ProjectRow
	Total    int
	Unknown  []Unknown
}

// SummarizeProjects counts the discount lines of day per project. Lines of
// senders without initials are not counted but listed as unknown.
func SummarizeProjects(lines []linelog.Line, s Settings, day time.Time) ProjectSummary {
	today := linelog.Filter(lines, linelog.OnDay(day), linelog.Matching(discountRe))
	sum := ProjectSummary{Day: day}
	for _, chatID := range s.ProjectChats() {
		name := s.Projects[chatID]
		row := ProjectRow{ChatID: chatID, Name: name, Norm: s.Norms[name]}
		chat := linelog.Filter(today, linelog.InChat(chatID))
		if len(chat) == 0 {
			row.Empty = true
			sum.Projects = append(sum.Projects, row)
			continue
		}

		counts := linelog.CountBy(chat, func(l linelog.Line) string { return s.Users[l.SenderID] })
		for ini, n := range counts {
			if ini == "" {
				continue
			}
			row.Count += n
			row.Operators = append(row.Operators, OperatorCount{Initials: ini, Count: n})
		}
		slices.SortFunc(row.Operators, func(a, b OperatorCount) int {
			if c := cmp.Compare(b.Count, a.Count); c != 0 {
				return c
			}
			return cmp.Compare(a.Initials, b.Initials)
		})

		unknown := make(map[int64]bool)
		for _, l := range chat {
			if _, ok := s.Users[l.SenderID]; !ok {
				unknown[l.SenderID] = true
			}
		}
		for _, uid := range slices.Sorted(maps.Keys(unknown)) {
			sum.Unknown = append(sum.Unknown, Unknown{UserID: uid, Project: name})
		}

		sum.Total += row.Count
		sum.Projects = append(sum.Projects, row)
	}
	return sum
}

// Render formats the project report. The block of senders without
// initials is added only when names is not nil; missing names show as
// unknown.
func (p ProjectSummary) Render(names map[int64]string) string {
	out := []string{fmt.Sprintf("<b>Знижки на %s</b>\n", p.Day.Format(dayLayout))}
	for _, row := range p.Projects {
		name := html.EscapeString(row.Name)
		if row.Empty {
			out = append(out,
				fmt.Sprintf("👉 <b>%s: 0 ‼️</b>", name),
				fmt.Sprintf("🎯норма -- %d", row.Norm),
				"🚩по операторам: нет данных\n",
			)
			continue
		}
		flag := ""
		if row.Count < row.Norm {
			flag = " ‼️"
		}
		ops := make([]string, 0, len(row.Operators))
		for _, op := range row.Operators {
			ops = append(ops, fmt.Sprintf("%d%s", op.Count, html.EscapeString(op.Initials)))
		}
		opsText := strings.Join(ops, ", ")
		if opsText == "" {
			opsText = "нет данных"
		}
		out = append(out,
			fmt.Sprintf("👉 <b>%s: %d%s</b>", name, row.Count, flag),
			fmt.Sprintf("🎯норма -- %d", row.Norm),
			fmt.Sprintf("🚩по операторам: %s\n", opsText),
		)
	}
	out = append(out, fmt.Sprintf("ИТОГО по всем проектам: %d", p.Total))

	if names != nil && len(p.Unknown) > 0 {
		out = append(out, "\n❓ Без инициалов:")
		for _, u := range p.Unknown {
			name, ok := names[u.UserID]
			if !ok || name == "" {
				name = "неизвестно"
			}
			out = append(out, fmt.Sprintf("🟥 %d %s (%s)", u.UserID, html.EscapeString(name), html.EscapeString(u.Project)))
		}
	}
	return strings.Join(out, "\n")
}

// OperatorReport lists operators with two-letter initials, today and
// month-to-date counts of discount lines, busiest today first. month holds
// the lines from the first day of the month.
func OperatorReport(month []linelog.Line, s Settings, day time.Time) string {
	month = linelog.Filter(month, linelog.Matching(discountRe))
	monthCounts := linelog.CountBy(month, func(l linelog.Line) int64 { return l.SenderID })
	todayCounts := linelog.CountBy(linelog.Filter(month, linelog.OnDay(day)), func(l linelog.Line) int64 { return l.SenderID })

	type stat struct {
		today int
		line  string
	}
	var stats []stat
	for _, uid := range s.UserIDs() {
		ini := s.Users[uid]
		if utf8.RuneCountInString(ini) != 2 {
			continue
		}
		line := fmt.Sprintf("🎯 <b>%s</b> — %d / %d", html.EscapeString(ini), todayCounts[uid], monthCounts[uid])
		if monthCounts[uid] >= bonusFrom {
			line += " 💰💵"
		}
		stats = append(stats, stat{today: todayCounts[uid], line: line})
	}
	if len(stats) == 0 {
		return "Нет данных по операторам."
	}
	slices.SortStableFunc(stats, func(a, b stat) int { return cmp.Compare(b.today, a.today) })

	out := []string{fmt.Sprintf("<b>Знижки на %s</b>\n", day.Format(dayLayout))}
	for _, st := range stats {
		out = append(out, st.line)
	}
	return strings.Join(out, "\n")
}

// LeaderReport is the project report with an optional comment; "-" means
// no comment.
func LeaderReport(p ProjectSummary, comment string) string {
	text := p.Render(nil)
	if c := strings.TrimSpace(comment); c != "" && c != "-" {
		text += "\n\n💬 Комментарий:\n" + html.EscapeString(c)
	}
	return text
}

// MissedSummary is the result of re-checking month-to-date lines.
type MissedSummary struct {
	Lines    int
	Discount int
	// UnknownUsers posted discount lines in project chats without initials.
	UnknownUsers []int64
	// ForeignChats are chats with discount lines that are not projects.
	ForeignChats []int64
}

// CheckMissed replays stored lines against the current settings and
// collects what the reports would leave out.
func CheckMissed(lines []linelog.Line, s Settings) MissedSummary {
	var sum MissedSummary
	users := make(map[int64]bool)
	chats := make(map[int64]bool)
	_ = linelog.Replay(lines, func(l linelog.Line) error {
		sum.Lines++
		if !discountRe.MatchString(l.Text) {
			return nil
		}
		sum.Discount++
		if _, ok := s.Projects[l.ChatID]; !ok {
			chats[l.ChatID] = true
			return nil
		}
		if _, ok := s.Users[l.SenderID]; !ok {
			users[l.SenderID] = true
		}
		return nil
	})
	sum.UnknownUsers = slices.Sorted(maps.Keys(users))
	sum.ForeignChats = slices.Sorted(maps.Keys(chats))
	return sum
}

// Render formats the check result.
func (m MissedSummary) Render() string {
	var b strings.Builder
	b.WriteString("✅ Проверка завершена.\n")
	fmt.Fprintf(&b, "Сообщений с начала месяца: %d, из них со скидкой: %d\n", m.Lines, m.Discount)
	if len(m.UnknownUsers) > 0 {
		fmt.Fprintf(&b, "🟥 Без инициалов: %s\n", joinIDs(m.UnknownUsers))
	}
	if len(m.ForeignChats) > 0 {
		fmt.Fprintf(&b, "⚠️ Чаты вне проектов: %s\n", joinIDs(m.ForeignChats))
	}
	return strings.TrimRight(b.String(), "\n")
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}
