package linelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var kyiv = mustLocation("Europe/Kyiv")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("EET", 2*3600)
	}
	return loc
}

func newRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := New(Options{Dir: dir, Filter: regexp.MustCompile(`[0-9]\d{11,13}`), Location: kyiv})
	require.NoError(t, err)
	return r, dir
}

func TestRecordFiltersAndEscapes(t *testing.T) {
	ctx := context.Background()
	r, dir := newRecorder(t)
	at := time.Date(2025, 3, 14, 10, 30, 0, 0, kyiv)

	ok, err := r.Record(ctx, Line{At: at, ChatID: -100, SenderID: 7, Text: "hello"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Record(ctx, Line{At: at, ChatID: -100, SenderID: 7, Text: `ТТН 204512345678 <b>"x"</b>`})
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := os.ReadFile(filepath.Join(dir, "2025-03-14.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "timestamp,chat_id,user_id,message\n")
	assert.Contains(t, string(raw), "2025-03-14 10:30:00,-100,7,")
	assert.Contains(t, string(raw), "&lt;b&gt;")

	lines, err := r.ReadDay(ctx, at)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, `ТТН 204512345678 <b>"x"</b>`, lines[0].Text)
	assert.Equal(t, int64(-100), lines[0].ChatID)
	assert.Equal(t, int64(7), lines[0].SenderID)
	assert.True(t, at.Equal(lines[0].At))
}

func TestRecordUsesLocalDay(t *testing.T) {
	ctx := context.Background()
	r, dir := newRecorder(t)
	// 23:30 UTC is already the next day in Kyiv.
	at := time.Date(2025, 3, 14, 23, 30, 0, 0, time.UTC)
	_, err := r.Record(ctx, Line{At: at, ChatID: 1, SenderID: 2, Text: "123456789012"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "2025-03-15.csv"))
}

func TestReadDaysAndMissingFiles(t *testing.T) {
	ctx := context.Background()
	r, _ := newRecorder(t)
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, kyiv)
	for i, day := range []int{0, 2, 5} {
		at := now.AddDate(0, 0, -day)
		_, err := r.Record(ctx, Line{At: at, ChatID: int64(i), SenderID: 1, Text: "5123456789012"})
		require.NoError(t, err)
	}

	lines, err := r.ReadDays(ctx, now, 3)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, int64(1), lines[0].ChatID, "oldest first")
	assert.Equal(t, int64(0), lines[1].ChatID)

	empty, err := r.ReadDay(ctx, now.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReadDaySkipsMalformedRows(t *testing.T) {
	ctx := context.Background()
	r, dir := newRecorder(t)
	content := "timestamp,chat_id,user_id,message\n" +
		"2025-03-14 09:00:00,-1,unknown,100000000000\n" +
		"garbage\n" +
		"not-a-date,-1,2,x\n" +
		"2025-03-14 09:05:00,-1,3,200000000000\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2025-03-14.csv"), []byte(content), 0o644))

	lines, err := r.ReadDay(ctx, time.Date(2025, 3, 14, 0, 0, 0, 0, kyiv))
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Zero(t, lines[0].SenderID)
	assert.Equal(t, int64(3), lines[1].SenderID)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	r, dir := newRecorder(t)
	for _, name := range []string{"2025-01-01.csv", "2025-01-12.csv", "2025-01-13.csv", "2025-03-14.csv", "notes.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, kyiv)

	removed, err := r.Cleanup(ctx, now, 60)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, filepath.Join(dir, "2025-01-01.csv"))
	assert.NoFileExists(t, filepath.Join(dir, "2025-01-12.csv"))
	assert.FileExists(t, filepath.Join(dir, "2025-01-13.csv"))
	assert.FileExists(t, filepath.Join(dir, "notes.csv"))

	days, err := r.Days()
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, 13, days[0].Day())
}

func TestReplayStopsOnError(t *testing.T) {
	lines := []Line{{Text: "a"}, {Text: "b"}, {Text: "c"}}
	var seen []string
	stop := errors.New("stop")
	err := Replay(lines, func(l Line) error {
		seen = append(seen, l.Text)
		if l.Text == "b" {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestFilterAndCount(t *testing.T) {
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, kyiv)
	lines := []Line{
		{At: day.Add(time.Hour), ChatID: 1, SenderID: 10, Text: "1234567890"},
		{At: day.Add(2 * time.Hour), ChatID: 1, SenderID: 10, Text: "3234567890"},
		{At: day.Add(3 * time.Hour), ChatID: 1, SenderID: 11, Text: "2234567890"},
		{At: day.Add(-time.Hour), ChatID: 1, SenderID: 11, Text: "2234567890"},
		{At: day.Add(time.Hour), ChatID: 2, SenderID: 11, Text: "2234567890"},
	}
	ttn := regexp.MustCompile(`[12456]\d{9,}`)
	today := Filter(lines, InChat(1), OnDay(day), Matching(ttn))
	require.Len(t, today, 2)

	counts := CountBy(today, func(l Line) int64 { return l.SenderID })
	assert.Equal(t, map[int64]int{10: 1, 11: 1}, counts)
}
