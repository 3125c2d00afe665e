package calls

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/callcenter-bots/core/cdr"
)

func at(h, m int) time.Time {
	return time.Date(2026, 10, 15, h, m, 0, 0, time.UTC)
}

func row(op string, ts time.Time, disp string, talk time.Duration) cdr.Row {
	return cdr.Row{Operator: op, At: ts, Disposition: disp, Duration: talk, Wait: 5 * time.Second}
}

func TestActiveHours(t *testing.T) {
	assert.Equal(t, 1.0, ActiveHours(nil))
	assert.Equal(t, 1.0, ActiveHours([]time.Time{at(10, 0)}))
	// 09:00-09:30 and 11:00-11:45, the 90 minute gap splits the blocks.
	got := ActiveHours([]time.Time{at(11, 45), at(9, 0), at(11, 0), at(9, 30)})
	assert.InDelta(t, 1.25, got, 1e-9)
	got = ActiveHours([]time.Time{at(9, 0), at(10, 0), at(11, 0), at(12, 30)})
	assert.InDelta(t, 3.5, got, 1e-9)
}

func TestReportTime(t *testing.T) {
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{at(8, 15), at(9, 0)},
		{at(9, 5), at(9, 0)},
		{at(14, 10), at(14, 0)},
		{at(14, 11), at(15, 0)},
		{at(20, 50), at(21, 0)},
		{at(21, 30), at(21, 0)},
		{at(23, 59), at(21, 0)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ReportTime(tc.now), tc.now.Format("15:04"))
	}
}

func TestWindow(t *testing.T) {
	_, _, ok := Window(at(7, 29))
	assert.False(t, ok)

	from, to, ok := Window(at(10, 10))
	require.True(t, ok)
	assert.Equal(t, at(7, 30), from)
	assert.Equal(t, at(10, 30), to)

	_, to, ok = Window(at(10, 45))
	require.True(t, ok)
	assert.Equal(t, at(11, 0), to)

	_, to, ok = Window(at(23, 10))
	require.True(t, ok)
	assert.Equal(t, at(22, 0), to)
}

func sampleRows() []cdr.Row {
	return []cdr.Row{
		row("дж-Іванова (ОІ)", at(9, 0), cdr.DispositionAnswer, 2*time.Minute),
		row("дж-Іванова (ОІ)", at(9, 20), cdr.DispositionCancel, 0),
		row("дж-Іванова (ОІ)", at(10, 0), cdr.DispositionAnswer, 4*time.Minute),
		row("Дж-Петров (ПП)", at(9, 10), cdr.DispositionAnswer, time.Minute),
		row("Продажи (SS)", at(9, 10), cdr.DispositionAnswer, time.Minute),
		row("дж-Без инициалов", at(9, 15), cdr.DispositionAnswer, time.Minute),
	}
}

func TestSummarize(t *testing.T) {
	sums := Summarize(sampleRows())
	require.Len(t, sums, 2)

	oi := sums[0]
	assert.Equal(t, "ОІ", oi.Initials)
	assert.Equal(t, 3, oi.Total)
	assert.Equal(t, 1, oi.Cancel)
	assert.Equal(t, 1, oi.Zero)
	assert.Equal(t, 6*time.Minute, oi.Talk)
	assert.Equal(t, 15*time.Second, oi.Wait)
	assert.Equal(t, at(9, 0), oi.First)
	assert.Equal(t, at(10, 0), oi.Last)
	assert.Equal(t, 1.0, oi.ActiveHours)
	assert.Equal(t, 3.0, oi.PerHour())
	assert.Equal(t, 33, oi.CancelPercent())
	assert.Equal(t, time.Hour, oi.Period())

	assert.Equal(t, "ПП", sums[1].Initials)
	assert.Equal(t, 0, sums[1].CancelPercent())
}

func TestManagersReport(t *testing.T) {
	text := ManagersReport(Summarize(sampleRows()), at(10, 0))
	assert.True(t, strings.HasPrefix(text, "📞 <b>Звонки Дожим отчёт на 10:00 15-10-2026:</b>"))
	assert.Contains(t, text, "👤 <b>ОІ</b> — звонков <b>3</b>, в час <b>3.0</b>, сбросов <b>1 (33%)</b>‼️")
	assert.Contains(t, text, "👤 <b>ПП</b> — звонков <b>1</b>, в час <b>1.0</b>, сбросов 0 (0%)\n")
	assert.Less(t, strings.Index(text, "ОІ"), strings.Index(text, "ПП"))
}

func TestBossReportBoldsBusyOperators(t *testing.T) {
	rows := sampleRows()
	for i := 0; i < 5; i++ {
		rows = append(rows, row("дж-Коваль (КК)", at(11, i*10), cdr.DispositionAnswer, 90*time.Second))
	}
	text := BossReport(Summarize(rows), at(17, 0))

	assert.Contains(t, text, "⏰ <i>Отчёт на 17:00 15-10-2026</i>")
	assert.Contains(t, text, "👤 <b>КК</b> — звонков: <b>5</b>, сбросов: 0, недозвонов: 0,")
	assert.Contains(t, text, "👤 ОІ — звонков: 3, сбросов: <b>1</b>‼️, недозвонов: 1,")
	assert.Contains(t, text, "первый звонок: 09:00 15-10-2026, последний звонок: 10:00 15-10-2026,")
	assert.Contains(t, text, "разговоров: 0.10 ч, период активности: 1.00 ч")
}
