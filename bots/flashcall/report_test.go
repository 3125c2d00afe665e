package flashcall

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/callcenter-bots/core/linelog"
)

const (
	alphaChat = int64(-100)
	betaChat  = int64(-200)
	waybill   = "20450123456789"
)

func day(d, h int) time.Time {
	return time.Date(2026, 10, d, h, 0, 0, 0, time.UTC)
}

func sampleSettings() Settings {
	s := DefaultSettings()
	s.Projects[alphaChat] = "Alpha"
	s.Projects[betaChat] = "Beta"
	s.Norms["Alpha"] = 3
	s.Norms["Beta"] = 1
	s.Users[1] = "АБ"
	s.Users[2] = "ВГ"
	return s
}

func line(at time.Time, chat, user int64, text string) linelog.Line {
	return linelog.Line{At: at, ChatID: chat, SenderID: user, Text: text}
}

func sampleLines() []linelog.Line {
	return []linelog.Line{
		line(day(14, 10), alphaChat, 2, "ТТН "+waybill),
		line(day(15, 9), alphaChat, 1, "ТТН "+waybill),
		line(day(15, 10), alphaChat, 1, waybill+" ok"),
		line(day(15, 11), alphaChat, 2, waybill),
		line(day(15, 11), alphaChat, 99, waybill),
		line(day(15, 12), alphaChat, 1, "333333333333"),
	}
}

func TestSummarizeProjects(t *testing.T) {
	sum := SummarizeProjects(sampleLines(), sampleSettings(), day(15, 18))

	require.Len(t, sum.Projects, 2)
	alpha := sum.Projects[0]
	assert.Equal(t, "Alpha", alpha.Name)
	assert.Equal(t, 3, alpha.Count)
	assert.Equal(t, []OperatorCount{{Initials: "АБ", Count: 2}, {Initials: "ВГ", Count: 1}}, alpha.Operators)
	assert.True(t, sum.Projects[1].Empty)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, []Unknown{{UserID: 99, Project: "Alpha"}}, sum.Unknown)
}

func TestProjectSummaryRender(t *testing.T) {
	sum := SummarizeProjects(sampleLines(), sampleSettings(), day(15, 18))

	text := sum.Render(nil)
	assert.Contains(t, text, "<b>Знижки на 15.10</b>\n")
	assert.Contains(t, text, "👉 <b>Alpha: 3</b>\n🎯норма -- 3\n🚩по операторам: 2АБ, 1ВГ")
	assert.Contains(t, text, "👉 <b>Beta: 0 ‼️</b>\n🎯норма -- 1\n🚩по операторам: нет данных")
	assert.Contains(t, text, "ИТОГО по всем проектам: 3")
	assert.NotContains(t, text, "Без инициалов")

	text = sum.Render(map[int64]string{})
	assert.Contains(t, text, "❓ Без инициалов:\n🟥 99 неизвестно (Alpha)")
}

func TestProjectBelowNormFlagged(t *testing.T) {
	s := sampleSettings()
	s.Norms["Alpha"] = 10
	text := SummarizeProjects(sampleLines(), s, day(15, 18)).Render(nil)
	assert.Contains(t, text, "👉 <b>Alpha: 3 ‼️</b>")
}

func TestOperatorReport(t *testing.T) {
	s := sampleSettings()
	s.Users[3] = "ДЕЖ"

	text := OperatorReport(sampleLines(), s, day(15, 18))
	assert.Contains(t, text, "🎯 <b>АБ</b> — 2 / 2\n🎯 <b>ВГ</b> — 1 / 2")
	assert.NotContains(t, text, "ДЕЖ")
	assert.NotContains(t, text, "💰")

	var month []linelog.Line
	for i := range bonusFrom {
		month = append(month, line(day(1+i%14, 10), alphaChat, 2, waybill))
	}
	text = OperatorReport(month, s, day(15, 18))
	assert.Contains(t, text, "🎯 <b>ВГ</b> — 0 / 100 💰💵")

	assert.Equal(t, "Нет данных по операторам.", OperatorReport(nil, DefaultSettings(), day(15, 18)))
}

func TestLeaderReportComment(t *testing.T) {
	sum := SummarizeProjects(sampleLines(), sampleSettings(), day(15, 18))

	assert.Equal(t, sum.Render(nil), LeaderReport(sum, "-"))
	text := LeaderReport(sum, "план <выполнен>")
	assert.Contains(t, text, "💬 Комментарий:\nплан &lt;выполнен&gt;")
}

func TestCheckMissed(t *testing.T) {
	lines := append(sampleLines(), line(day(15, 13), -300, 5, waybill))

	sum := CheckMissed(lines, sampleSettings())
	assert.Equal(t, 7, sum.Lines)
	assert.Equal(t, 6, sum.Discount)
	assert.Equal(t, []int64{99}, sum.UnknownUsers)
	assert.Equal(t, []int64{-300}, sum.ForeignChats)

	text := sum.Render()
	assert.Contains(t, text, "✅ Проверка завершена.")
	assert.Contains(t, text, fmt.Sprintf("🟥 Без инициалов: %d", 99))
	assert.Contains(t, text, "⚠️ Чаты вне проектов: -300")
}

func TestSettingsOrdering(t *testing.T) {
	s := sampleSettings()
	s.Projects[-50] = "Alpha"

	assert.Equal(t, []int64{-100, -50, -200}, s.ProjectChats())
	assert.Equal(t, []string{"Alpha", "Beta"}, s.ProjectNames())
	assert.Equal(t, []int64{1, 2}, s.UserIDs())

	s.ReportChannel = -900
	assert.True(t, s.Allowed(alphaChat))
	assert.True(t, s.Allowed(-900))
	assert.False(t, s.Allowed(-901))
	assert.True(t, s.menuChannel(-900))
	assert.False(t, s.menuChannel(0))
}
