package stats

import (
	"cmp"
	"fmt"
	"html"
	"math"
	"slices"
	"strings"

	"github.com/m3rciful/callcenter-bots/core/cdr"
)

const (
	// lowUpsell marks a project without history as weak.
	lowUpsell = 75.0
	// projectWarn marks a project whose average upsell is below it.
	projectWarn = 80.0
	// saturated upsell values are not reported as growth.
	saturated = 99.0
	// changeEpsilon is the smallest difference treated as a change.
	changeEpsilon  = 0.01
	projectsPerMsg = 5
)

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// Changed reports whether the operator totals moved between snapshots,
// compared at one decimal.
func Changed(prev, cur cdr.OperatorStats) bool {
	return prev.OrdersTotal != cur.OrdersTotal ||
		round1(prev.UpsellPercent) != round1(cur.UpsellPercent) ||
		round1(prev.AvgCheck) != round1(cur.AvgCheck)
}

// Warning is a project of an operator with upsell in a bad zone.
type Warning struct {
	Project  string
	Zone     Zone
	Percent  float64
	Orders   int
	AvgCheck float64
}

// Warnings lists the projects whose upsell is red or yellow, weakest first.
func Warnings(projects []cdr.ProjectStats, norms Norms) []Warning {
	var out []Warning
	for _, p := range projects {
		z := norms.Zone(NormUpsell, p.UpsellPercent)
		if !z.Bad() {
			continue
		}
		out = append(out, Warning{Project: p.Name, Zone: z, Percent: p.UpsellPercent, Orders: p.Orders, AvgCheck: p.AvgCheck})
	}
	slices.SortStableFunc(out, func(a, b Warning) int { return cmp.Compare(a.Percent, b.Percent) })
	return out
}

// OperatorMessage renders the personal message of one operator. prev is
// nil when there is no earlier snapshot to compare with.
func OperatorMessage(u User, prev *cdr.OperatorStats, cur cdr.OperatorStats, norms Norms) string {
	upsell := norms.Zone(NormUpsell, cur.UpsellPercent)
	check := norms.Zone(NormAvgCheck, cur.AvgCheck)
	speed := norms.Zone(NormSpeed, cur.Speed)

	var b strings.Builder
	if u.Tag != "" {
		b.WriteString(html.EscapeString(u.Tag) + "\n\n")
	}
	fmt.Fprintf(&b, "🔠 Ініціали: %s\n", html.EscapeString(u.Initials))
	fmt.Fprintf(&b, "📦 Загалом замовлень: <b>%d</b>\n\n", cur.OrdersTotal)
	fmt.Fprintf(&b, "📈 Допродажі: <b>%.1f%%</b> — %s %s\n", cur.UpsellPercent, upsell.Emoji(), upsell)
	fmt.Fprintf(&b, "💰 Середній чек: <b>%.2f грн</b> — %s %s\n", cur.AvgCheck, check.Emoji(), check)
	fmt.Fprintf(&b, "🕓 Замовлень/год: <b>%.1f</b> — %s %s\n", cur.Speed, speed.Emoji(), speed)

	if prev != nil {
		var down, up []string
		diff := func(name string, old, now float64) {
			switch {
			case math.Abs(now-old) < changeEpsilon:
			case now < old:
				down = append(down, fmt.Sprintf("- %s: <b>%.1f</b> → <b>%.1f</b> (падає)😱", name, old, now))
			default:
				up = append(up, fmt.Sprintf("- %s: <b>%.1f</b> → <b>%.1f</b> (росте)🚀", name, old, now))
			}
		}
		diff("допродажі", prev.UpsellPercent, cur.UpsellPercent)
		diff("середній чек", prev.AvgCheck, cur.AvgCheck)
		diff("швидкість", prev.Speed, cur.Speed)
		if len(down) > 0 {
			b.WriteString("\n<b>🔻 Виявлено погіршення:</b>\n" + strings.Join(down, "\n") + "\n")
		}
		if len(up) > 0 {
			b.WriteString("\n<b>🔺 Показники ростуть:</b>\n" + strings.Join(up, "\n") + "\n")
		}
	}

	if warnings := Warnings(cur.Projects, norms); len(warnings) > 0 {
		b.WriteString("\n<b>⚠️⚠️ УВАГА! Рекомендації: ⚠️⚠️</b>\n")
		b.WriteString("❗️ Потрібно покращити загальні показники‼️\n")
		b.WriteString("\n❗️ Також у проєктах є проблеми:\n")
		for _, w := range warnings {
			fmt.Fprintf(&b, "❗️  <b>%s</b> %s <b>%d зам.</b> —  <b>%.1f%%</b>, серед. чек <b>%.0f грн</b> 😱 — зверни увагу‼️\n",
				html.EscapeString(w.Project), w.Zone.Emoji(), w.Orders, w.Percent, w.AvgCheck)
		}
		b.WriteString("🚨🚨🚨🚨🚨🚨\n")
	}

	zones := []Zone{upsell, check, speed}
	switch {
	case slices.Contains(zones, ZoneRed):
		b.WriteString("\n🔄 Ми віримо в тебе! Виправишся і піднімеш показники! 💪✨")
	case slices.Contains(zones, ZoneYellow):
		b.WriteString("\n⚠️ Не зупиняйся! Трохи зусиль — і буде зелена зона! 🌱🔥")
	default:
		b.WriteString("\n🌟 Молодець! Тримаєш позитивну динаміку, так тримати! 💪🔥")
	}
	return b.String()
}

// Trend is the direction of a project upsell between snapshots.
type Trend int

const (
	TrendNone Trend = iota
	TrendUp
	TrendDown
	// TrendLow is a project without history already below the low mark.
	TrendLow
)

func (t Trend) label() string {
	switch t {
	case TrendUp:
		return "✅ росте 🚀"
	case TrendDown:
		return "‼️ падає🔻"
	case TrendLow:
		return "⚠️ низький показник"
	default:
		return ""
	}
}

// ProjectTrend compares the upsell of one project; prev is nil without
// history.
func ProjectTrend(prev *float64, cur float64) Trend {
	if prev == nil {
		if cur < lowUpsell {
			return TrendLow
		}
		return TrendNone
	}
	switch {
	case math.Abs(cur-*prev) < changeEpsilon:
		return TrendNone
	case cur > *prev && cur < saturated:
		return TrendUp
	case cur < *prev:
		return TrendDown
	default:
		return TrendNone
	}
}

// ProjectChange is one changed project in the channel summary.
type ProjectChange struct {
	Name   string
	Upsell float64
	Trend  Trend
}

// OperatorChanges groups the changed projects of one operator.
type OperatorChanges struct {
	Initials string
	Projects []ProjectChange
}

func previousUpsell(prev *cdr.OperatorStats, project string) *float64 {
	if prev == nil {
		return nil
	}
	for _, p := range prev.Projects {
		if p.Name == project {
			v := p.UpsellPercent
			return &v
		}
	}
	return nil
}

// Changes collects the project trends of one operator.
func Changes(prev *cdr.OperatorStats, cur cdr.OperatorStats) OperatorChanges {
	out := OperatorChanges{Initials: cur.Initials}
	for _, p := range cur.Projects {
		if t := ProjectTrend(previousUpsell(prev, p.Name), p.UpsellPercent); t != TrendNone {
			out.Projects = append(out.Projects, ProjectChange{Name: p.Name, Upsell: p.UpsellPercent, Trend: t})
		}
	}
	return out
}

// ChannelSummary renders the changes posted to the report channel. It
// returns "" when nothing changed.
func ChannelSummary(changes []OperatorChanges) string {
	var blocks []OperatorChanges
	for _, c := range changes {
		if len(c.Projects) > 0 {
			blocks = append(blocks, c)
		}
	}
	if len(blocks) == 0 {
		return ""
	}
	lines := []string{
		fmt.Sprintf("<b>🎯Загалом користувачів із падінням: %d</b>\n", len(blocks)),
		"<b>Зміни у показниках:</b>",
	}
	for _, c := range blocks {
		lines = append(lines, fmt.Sprintf("<b>%s</b> —", html.EscapeString(c.Initials)))
		for _, p := range c.Projects {
			lines = append(lines, strings.TrimRight(fmt.Sprintf("    %s — %.1f%% %s", html.EscapeString(p.Name), p.Upsell, p.Trend.label()), " "))
		}
		lines = append(lines, "")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

type managerRow struct {
	initials string
	upsell   float64
	orders   int
	prev     *float64
}

type projectRow struct {
	name     string
	orders   int
	percent  float64
	managers []managerRow
}

// Breakdown renders the per-project view of active operators whose
// upsell changed since prev, split into messages of a few projects each.
// Project totals are aggregated over every operator of cur.
func Breakdown(prev, cur cdr.Snapshot, active func(initials string) bool) []string {
	totals := make(map[string]*projectRow)
	byName := make(map[string]*projectRow)
	for _, ini := range cur.Initials() {
		op := cur.Operators[ini]
		var prevOp *cdr.OperatorStats
		if p, ok := prev.Operators[ini]; ok {
			prevOp = &p
		}
		for _, p := range op.Projects {
			t := totals[p.Name]
			if t == nil {
				t = &projectRow{name: p.Name}
				totals[p.Name] = t
			}
			t.orders += p.Orders
			t.percent += p.UpsellPercent * float64(p.Orders)

			if !active(ini) {
				continue
			}
			old := previousUpsell(prevOp, p.Name)
			if old != nil && math.Abs(p.UpsellPercent-*old) < changeEpsilon {
				continue
			}
			row := byName[p.Name]
			if row == nil {
				row = &projectRow{name: p.Name}
				byName[p.Name] = row
			}
			row.managers = append(row.managers, managerRow{initials: ini, upsell: p.UpsellPercent, orders: p.Orders, prev: old})
		}
	}
	if len(byName) == 0 {
		return nil
	}

	rows := make([]*projectRow, 0, len(byName))
	for name, row := range byName {
		if t := totals[name]; t.orders > 0 {
			row.orders = t.orders
			row.percent = t.percent / float64(t.orders)
		}
		rows = append(rows, row)
	}
	mean := func(r *projectRow) float64 {
		var sum float64
		for _, m := range r.managers {
			sum += m.upsell
		}
		return sum / float64(len(r.managers))
	}
	slices.SortFunc(rows, func(a, b *projectRow) int {
		if c := cmp.Compare(mean(a), mean(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})

	var out []string
	for chunk := range slices.Chunk(rows, projectsPerMsg) {
		var lines []string
		for _, r := range chunk {
			warn := ""
			if r.percent < projectWarn {
				warn = " ‼️⚠️"
			}
			lines = append(lines, fmt.Sprintf("👉 <b>%s</b> %.1f%% %d зам.%s", html.EscapeString(r.name), r.percent, r.orders, warn))
			slices.SortStableFunc(r.managers, func(a, b managerRow) int { return cmp.Compare(a.upsell, b.upsell) })
			cells := make([]string, 0, len(r.managers))
			for _, m := range r.managers {
				mark := ""
				if m.upsell < lowUpsell {
					mark = "❗️"
				}
				fall := ""
				if m.prev != nil && m.upsell < *m.prev {
					fall = " ‼️портит🔻"
				}
				cells = append(cells, fmt.Sprintf("%s - %.1f%%%s %dз%s", html.EscapeString(m.initials), m.upsell, mark, m.orders, fall))
			}
			for pair := range slices.Chunk(cells, 2) {
				lines = append(lines, strings.Join(pair, "   "))
			}
			lines = append(lines, "")
		}
		out = append(out, strings.TrimSpace(strings.Join(lines, "\n")))
	}
	return out
}
