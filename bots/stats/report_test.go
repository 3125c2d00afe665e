package stats

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/callcenter-bots/core/cdr"
)

func operator(ini string, orders int, upsell, check, speed float64, projects ...cdr.ProjectStats) cdr.OperatorStats {
	return cdr.OperatorStats{
		Initials:      ini,
		OrdersTotal:   orders,
		UpsellPercent: upsell,
		AvgCheck:      check,
		Speed:         speed,
		Projects:      projects,
	}
}

func project(name string, upsell float64, orders int) cdr.ProjectStats {
	return cdr.ProjectStats{Name: name, UpsellPercent: upsell, AvgCheck: 350, Orders: orders}
}

func snapshot(ops ...cdr.OperatorStats) cdr.Snapshot {
	s := cdr.Snapshot{TakenAt: time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC), Operators: map[string]cdr.OperatorStats{}}
	for _, op := range ops {
		s.Operators[op.Initials] = op
	}
	return s
}

func TestNormsZone(t *testing.T) {
	n := DefaultNorms()
	assert.Equal(t, ZoneRed, n.Zone(NormUpsell, 70))
	assert.Equal(t, ZoneYellow, n.Zone(NormUpsell, 75))
	assert.Equal(t, ZoneGreen, n.Zone(NormUpsell, 85))
	assert.Equal(t, ZoneRed, n.Zone(NormSpeed, 2.5))
	assert.Equal(t, ZoneUnknown, n.Zone("конверсія", 50))
	assert.True(t, ZoneYellow.Bad())
	assert.False(t, ZoneGreen.Bad())
	assert.Equal(t, []string{NormUpsell, NormAvgCheck, NormSpeed}, n.Keys())
}

func TestChangedComparesAtOneDecimal(t *testing.T) {
	base := operator("АБ", 10, 80.01, 350.02, 4)
	assert.False(t, Changed(base, operator("АБ", 10, 80.04, 349.98, 6)))
	assert.True(t, Changed(base, operator("АБ", 10, 80.1, 350, 4)))
	assert.True(t, Changed(base, operator("АБ", 11, 80.01, 350.02, 4)))
}

func TestOperatorMessageWithoutHistory(t *testing.T) {
	u := User{Initials: "АБ", Tag: "@ab", UserID: -101}
	msg := OperatorMessage(u, nil, operator("АБ", 10, 88, 520, 8), DefaultNorms())

	assert.Contains(t, msg, "@ab\n\n🔠 Ініціали: АБ\n")
	assert.Contains(t, msg, "📦 Загалом замовлень: <b>10</b>")
	assert.Contains(t, msg, "📈 Допродажі: <b>88.0%</b> — 🟢 зелена")
	assert.NotContains(t, msg, "погіршення")
	assert.NotContains(t, msg, "УВАГА")
	assert.Contains(t, msg, "Молодець!")
}

func TestOperatorMessageDiffAndWarnings(t *testing.T) {
	u := User{Initials: "АБ", UserID: -101}
	prev := operator("АБ", 8, 85, 400, 4)
	cur := operator("АБ", 10, 70, 410, 4, project("Alpha", 60, 4), project("Beta", 95, 6))
	msg := OperatorMessage(u, &prev, cur, DefaultNorms())

	assert.Contains(t, msg, "- допродажі: <b>85.0</b> → <b>70.0</b> (падає)😱")
	assert.Contains(t, msg, "- середній чек: <b>400.0</b> → <b>410.0</b> (росте)🚀")
	assert.NotContains(t, msg, "швидкість:")
	assert.Contains(t, msg, "❗️  <b>Alpha</b> 🔴 <b>4 зам.</b>")
	assert.NotContains(t, msg, "<b>Beta</b>")
	assert.Contains(t, msg, "Ми віримо в тебе!")
}

func TestProjectTrend(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	assert.Equal(t, TrendLow, ProjectTrend(nil, 70))
	assert.Equal(t, TrendNone, ProjectTrend(nil, 80))
	assert.Equal(t, TrendUp, ProjectTrend(f(80), 81))
	assert.Equal(t, TrendDown, ProjectTrend(f(80), 79))
	assert.Equal(t, TrendNone, ProjectTrend(f(98), 99.5))
	assert.Equal(t, TrendNone, ProjectTrend(f(80), 80.005))
}

func TestChannelSummary(t *testing.T) {
	assert.Empty(t, ChannelSummary([]OperatorChanges{{Initials: "АБ"}}))

	prev := operator("АБ", 8, 80, 400, 4, project("Alpha", 80, 3))
	cur := operator("АБ", 10, 70, 400, 4, project("Alpha", 70, 4), project("Beta", 60, 2))
	got := ChannelSummary([]OperatorChanges{Changes(&prev, cur)})

	want := "<b>🎯Загалом користувачів із падінням: 1</b>\n\n" +
		"<b>Зміни у показниках:</b>\n" +
		"<b>АБ</b> —\n" +
		"    Alpha — 70.0% ‼️падає🔻\n" +
		"    Beta — 60.0% ⚠️ низький показник"
	assert.Equal(t, want, got)
}

func TestBreakdownActiveChangedOnly(t *testing.T) {
	prev := snapshot(operator("АБ", 3, 80, 400, 4, project("Alpha", 80, 3)))
	cur := snapshot(
		operator("АБ", 4, 70, 400, 4, project("Alpha", 70, 4)),
		operator("ВГ", 6, 90, 400, 4, project("Alpha", 90, 6), project("Beta", 95, 6)),
	)
	onlyAB := func(ini string) bool { return ini == "АБ" }

	got := Breakdown(prev, cur, onlyAB)
	require.Len(t, got, 1)
	assert.Equal(t, "👉 <b>Alpha</b> 82.0% 10 зам.\nАБ - 70.0%❗️ 4з ‼️портит🔻", got[0])

	assert.Empty(t, Breakdown(cur, cur, onlyAB))
}

func TestBreakdownSplitsMessages(t *testing.T) {
	var projects []cdr.ProjectStats
	for i := range 6 {
		projects = append(projects, project(fmt.Sprintf("P%d", i), 80+float64(i), 2))
	}
	cur := snapshot(operator("АБ", 12, 80, 400, 4, projects...))

	got := Breakdown(cdr.Snapshot{}, cur, func(string) bool { return true })
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "<b>P0</b>")
	assert.Contains(t, got[1], "<b>P5</b>")
	assert.NotContains(t, got[0], "<b>P5</b>")
}

func TestSelectorAndGroupInitials(t *testing.T) {
	all, ini := ParseSelector("аб  вг")
	assert.False(t, all)
	assert.Equal(t, []string{"АБ", "ВГ"}, ini)
	all, _ = ParseSelector("всім")
	assert.True(t, all)

	assert.Equal(t, "ЖК", GroupInitials("Оператор (жк)", -5))
	assert.Equal(t, "-5", GroupInitials("Оператор", -5))
}
