package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/callcenter-bots/core/store"
)

type statsRecord struct {
	ReportChannel int64             `json:"report_channel"`
	Norm          int               `json:"norm"`
	Threshold     float64           `json:"threshold"`
	Admins        map[string]string `json:"admins"`
}

const (
	tagReportChannel Tag = "set_report_channel"
	tagNorm          Tag = "edit_norm"
	tagAdminID       Tag = "add_admin_id"
	tagAdminName     Tag = "add_admin_name"
	tagAdminRename   Tag = "edit_admin_name"
	tagThreshold     Tag = "edit_threshold"
)

func newRecord(t *testing.T) *store.Record[statsRecord] {
	t.Helper()
	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	rec, err := store.Open(context.Background(), backend, "stats", statsRecord{Admins: map[string]string{}})
	require.NoError(t, err)
	return rec
}

func newMachine(t *testing.T, policy Policy, rec *store.Record[statsRecord]) *Machine {
	t.Helper()
	m := New(Options{Name: "test", Policy: policy})
	m.Register(tagReportChannel, Step{
		Prompt:   "Введите ID канала:",
		Validate: ChatID,
		Apply: func(ctx context.Context, in Input) (Result, error) {
			id := in.Value.(int64)
			err := rec.Update(ctx, func(r *statsRecord) error {
				r.ReportChannel = id
				return nil
			})
			return Result{Reply: fmt.Sprintf("✅ Канал отчёта обновлён на %d", id)}, err
		},
	})
	m.Register(tagNorm, Step{
		Prompt:   "Введите норму:",
		Validate: Int,
		Apply: func(ctx context.Context, in Input) (Result, error) {
			n := in.Value.(int)
			return Result{Reply: "ok"}, rec.Update(ctx, func(r *statsRecord) error {
				r.Norm = n
				return nil
			})
		},
	})
	m.Register(tagThreshold, Step{
		Prompt:   "Введите порог:",
		Validate: Float,
		Apply: func(ctx context.Context, in Input) (Result, error) {
			v := in.Value.(float64)
			return Result{Reply: "ok"}, rec.Update(ctx, func(r *statsRecord) error {
				r.Threshold = v
				return nil
			})
		},
	})
	m.Register(tagAdminID, Step{
		Prompt:   "Введите ID администратора:",
		Validate: UserID,
		Apply: func(_ context.Context, in Input) (Result, error) {
			return Result{Next: &Action{Tag: tagAdminName, Aux: map[string]string{"id": in.Text}}}, nil
		},
	})
	m.Register(tagAdminName, Step{
		Prompt:   "Введите имя администратора:",
		Validate: NonEmpty,
		Apply: func(ctx context.Context, in Input) (Result, error) {
			return Result{Reply: "added"}, rec.Update(ctx, func(r *statsRecord) error {
				r.Admins[in.Aux["id"]] = in.Value.(string)
				return nil
			})
		},
	})
	m.Register(tagAdminRename, Step{
		Validate: NonEmpty,
		Apply: func(ctx context.Context, in Input) (Result, error) {
			err := rec.Update(ctx, func(r *statsRecord) error {
				if _, ok := r.Admins[in.Aux["id"]]; !ok {
					return ErrNotFound
				}
				r.Admins[in.Aux["id"]] = in.Value.(string)
				return nil
			})
			return Result{Reply: "renamed"}, err
		},
	})
	return m
}

func TestSetReportChannelThenIdle(t *testing.T) {
	ctx := context.Background()
	rec := newRecord(t)
	m := newMachine(t, AbortOnInvalid, rec)

	prompt, err := m.Begin(ctx, 7, tagReportChannel, nil)
	require.NoError(t, err)
	assert.Equal(t, "Введите ID канала:", prompt)

	out, err := m.HandleText(ctx, Incoming{ChatID: 7, SenderID: 7, Text: "-1001234"})
	require.NoError(t, err)
	assert.True(t, out.Consumed)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, int64(-1001234), rec.Get().ReportChannel)

	out, err = m.HandleText(ctx, Incoming{ChatID: 7, SenderID: 7, Text: "hello"})
	require.NoError(t, err)
	assert.False(t, out.Consumed)
	assert.Equal(t, int64(-1001234), rec.Get().ReportChannel)
}

func TestInvalidIntegerAbortLeavesRecord(t *testing.T) {
	ctx := context.Background()
	rec := newRecord(t)
	m := newMachine(t, AbortOnInvalid, rec)

	_, err := m.Begin(ctx, 7, tagNorm, nil)
	require.NoError(t, err)
	out, err := m.HandleText(ctx, Incoming{ChatID: 7, Text: "abc"})
	require.NoError(t, err)

	assert.True(t, out.Consumed)
	assert.Equal(t, StatusInvalid, out.Status)
	assert.Contains(t, out.Reply, "целое число")
	assert.Equal(t, 0, rec.Get().Norm)
	_, pending := m.Pending(7)
	assert.False(t, pending, "abort policy returns to idle")
}

func TestInvalidIntegerRepromptKeepsAction(t *testing.T) {
	ctx := context.Background()
	rec := newRecord(t)
	m := newMachine(t, RepromptOnInvalid, rec)

	_, err := m.Begin(ctx, 7, tagNorm, nil)
	require.NoError(t, err)
	out, err := m.HandleText(ctx, Incoming{ChatID: 7, Text: "abc"})
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, out.Status)
	assert.Contains(t, out.Reply, "Введите норму:")
	assert.Equal(t, 0, rec.Get().Norm)

	a, pending := m.Pending(7)
	require.True(t, pending)
	assert.Equal(t, tagNorm, a.Tag)

	out, err = m.HandleText(ctx, Incoming{ChatID: 7, Text: "12"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, 12, rec.Get().Norm)
}

func TestEveryValidatorLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	bad := []struct {
		tag  Tag
		text string
	}{
		{tagReportChannel, "channel"},
		{tagNorm, "1.5"},
		{tagAdminID, "-5"},
		{tagAdminName, "   "},
		{tagThreshold, "abc"},
		{tagThreshold, "nan"},
		{tagThreshold, "inf"},
		{tagThreshold, "-Inf"},
	}
	for _, policy := range []Policy{AbortOnInvalid, RepromptOnInvalid} {
		for _, tc := range bad {
			t.Run(policy.String()+"/"+string(tc.tag)+"/"+tc.text, func(t *testing.T) {
				rec := newRecord(t)
				m := newMachine(t, policy, rec)
				before := rec.Get()

				_, err := m.Begin(ctx, 1, tc.tag, map[string]string{"id": "5"})
				require.NoError(t, err)
				out, err := m.HandleText(ctx, Incoming{ChatID: 1, Text: tc.text})
				require.NoError(t, err)

				assert.Equal(t, StatusInvalid, out.Status)
				assert.Equal(t, before, rec.Get())
				_, pending := m.Pending(1)
				assert.Equal(t, policy == RepromptOnInvalid, pending)
			})
		}
	}
}

func TestBeginReplacesPendingAction(t *testing.T) {
	ctx := context.Background()
	rec := newRecord(t)
	m := newMachine(t, AbortOnInvalid, rec)

	_, err := m.Begin(ctx, 7, tagNorm, nil)
	require.NoError(t, err)
	_, err = m.Begin(ctx, 7, tagReportChannel, nil)
	require.NoError(t, err)

	a, ok := m.Pending(7)
	require.True(t, ok)
	assert.Equal(t, tagReportChannel, a.Tag)

	out, err := m.HandleText(ctx, Incoming{ChatID: 7, Text: "-100"})
	require.NoError(t, err)
	assert.Equal(t, tagReportChannel, out.Tag)
	assert.Equal(t, int64(-100), rec.Get().ReportChannel)
	assert.Equal(t, 0, rec.Get().Norm)

	_, ok = m.Pending(7)
	assert.False(t, ok)
}

func TestMultiStepChainPersistsOnlyAtTheEnd(t *testing.T) {
	ctx := context.Background()
	rec := newRecord(t)
	m := newMachine(t, AbortOnInvalid, rec)

	_, err := m.Begin(ctx, 3, tagAdminID, nil)
	require.NoError(t, err)

	out, err := m.HandleText(ctx, Incoming{ChatID: 3, Text: "4242"})
	require.NoError(t, err)
	assert.Equal(t, "Введите имя администратора:", out.Reply)
	assert.Empty(t, rec.Get().Admins)

	a, ok := m.Pending(3)
	require.True(t, ok)
	assert.Equal(t, tagAdminName, a.Tag)
	assert.Equal(t, "4242", a.Get("id"))

	out, err = m.HandleText(ctx, Incoming{ChatID: 3, Text: "Olena"})
	require.NoError(t, err)
	assert.Equal(t, "added", out.Reply)
	assert.Equal(t, "Olena", rec.Get().Admins["4242"])
	_, ok = m.Pending(3)
	assert.False(t, ok)
}

func TestDeletedEntityReportsNotFound(t *testing.T) {
	ctx := context.Background()
	rec := newRecord(t)
	m := newMachine(t, AbortOnInvalid, rec)

	_, err := m.Begin(ctx, 9, tagAdminRename, map[string]string{"id": "100"})
	require.NoError(t, err)
	out, err := m.HandleText(ctx, Incoming{ChatID: 9, Text: "New name"})
	require.NoError(t, err)

	assert.Equal(t, StatusNotFound, out.Status)
	assert.Equal(t, "❌ Запись не найдена.", out.Reply)
	assert.Empty(t, rec.Get().Admins)
	_, ok := m.Pending(9)
	assert.False(t, ok)
}

func TestApplyFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	m := New(Options{Policy: RepromptOnInvalid})
	m.Register("x", Step{Apply: func(context.Context, Input) (Result, error) { return Result{}, boom }})

	_, err := m.Begin(ctx, 1, "x", nil)
	require.NoError(t, err)
	out, err := m.HandleText(ctx, Incoming{ChatID: 1, Text: "v"})
	require.ErrorIs(t, err, boom)
	assert.True(t, out.Consumed)
	assert.Equal(t, StatusFail, out.Status)
	assert.NotEmpty(t, out.Reply)
	_, ok := m.Pending(1)
	assert.False(t, ok)
}

func TestUnknownTag(t *testing.T) {
	m := New(Options{})
	_, err := m.Begin(context.Background(), 1, "nope", nil)
	require.ErrorIs(t, err, ErrUnknownTag)
	_, ok := m.Pending(1)
	assert.False(t, ok)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, AbortOnInvalid, newRecord(t))
	_, err := m.Begin(ctx, 1, tagNorm, nil)
	require.NoError(t, err)
	assert.True(t, m.Cancel(1))
	assert.False(t, m.Cancel(1))
	out, err := m.HandleText(ctx, Incoming{ChatID: 1, Text: "5"})
	require.NoError(t, err)
	assert.False(t, out.Consumed)
}

func TestActionBegunDuringApplyIsKept(t *testing.T) {
	ctx := context.Background()
	m := New(Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	m.Register("slow", Step{Apply: func(context.Context, Input) (Result, error) {
		close(entered)
		<-release
		return Result{Next: &Action{Tag: "after"}}, nil
	}})
	m.Register("after", Step{Apply: func(context.Context, Input) (Result, error) { return Result{}, nil }})
	m.Register("other", Step{Apply: func(context.Context, Input) (Result, error) { return Result{}, nil }})

	_, err := m.Begin(ctx, 1, "slow", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.HandleText(ctx, Incoming{ChatID: 1, Text: "go"})
	}()
	<-entered
	_, err = m.Begin(ctx, 1, "other", nil)
	require.NoError(t, err)
	close(release)
	<-done

	a, ok := m.Pending(1)
	require.True(t, ok)
	assert.Equal(t, Tag("other"), a.Tag)
}

func TestConcurrentChats(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	seen := map[int64]string{}
	m := New(Options{})
	m.Register("note", Step{Validate: NonEmpty, Apply: func(_ context.Context, in Input) (Result, error) {
		mu.Lock()
		seen[in.ChatID] = in.Value.(string)
		mu.Unlock()
		return Result{}, nil
	}})

	var wg sync.WaitGroup
	for chat := int64(1); chat <= 50; chat++ {
		wg.Add(1)
		go func(chat int64) {
			defer wg.Done()
			_, err := m.Begin(ctx, chat, "note", nil)
			assert.NoError(t, err)
			out, err := m.HandleText(ctx, Incoming{ChatID: chat, Text: fmt.Sprint(chat)})
			assert.NoError(t, err)
			assert.True(t, out.Consumed)
		}(chat)
	}
	wg.Wait()

	require.Len(t, seen, 50)
	for chat, v := range seen {
		assert.Equal(t, fmt.Sprint(chat), v)
	}
}

func TestFloatAcceptsComma(t *testing.T) {
	v, err := Float("12,5")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, v.(float64), 1e-9)

	for _, text := range []string{"x", "NaN", "+Inf", "-inf", "1e400"} {
		_, err = Float(text)
		var invalid InvalidInput
		assert.ErrorAs(t, err, &invalid, text)
	}
}
