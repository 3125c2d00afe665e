package flashcall

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/callcenter-bots/core/linelog"
	"github.com/m3rciful/callcenter-bots/core/schedule"
	"github.com/m3rciful/callcenter-bots/core/store"
	coretelegram "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"
	"github.com/m3rciful/callcenter-bots/core/telegram/state"
	"github.com/m3rciful/callcenter-bots/core/telegram/teletest"

	tele "gopkg.in/telebot.v4"
)

type sent struct {
	to   int64
	text string
}

type fakeOutbox struct {
	mu   sync.Mutex
	msgs []sent
}

func (o *fakeOutbox) Text(_ context.Context, to int64, text string, _ sender.Format) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, sent{to: to, text: text})
}

type fakeResolver map[int64]coretelegram.ChatInfo

func (r fakeResolver) ChatInfo(_ context.Context, id int64) (coretelegram.ChatInfo, error) {
	info, ok := r[id]
	if !ok {
		return coretelegram.ChatInfo{}, errors.New("chat not found")
	}
	return info, nil
}

func newService(t *testing.T) (*Service, *fakeOutbox) {
	t.Helper()
	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	settings, err := store.Open(context.Background(), backend, "flashcall", DefaultSettings())
	require.NoError(t, err)
	lines, err := linelog.New(linelog.Options{
		Dir:      t.TempDir(),
		Filter:   regexp.MustCompile(RecordPattern),
		Location: time.UTC,
	})
	require.NoError(t, err)

	out := &fakeOutbox{}
	return &Service{
		Settings: settings,
		Lines:    lines,
		Outbox:   out,
		Resolver: fakeResolver{99: {ID: 99, FirstName: "Олег"}},
		Location: time.UTC,
		Now:      func() time.Time { return day(15, 18) },
	}, out
}

func seed(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.Settings.Set(ctx, sampleSettings()))
	for _, l := range sampleLines() {
		_, err := svc.Record(ctx, l)
		require.NoError(t, err)
	}
}

func TestRecordFiltersShortNumbers(t *testing.T) {
	svc, _ := newService(t)
	ok, err := svc.Record(context.Background(), line(day(15, 9), alphaChat, 1, "привет 12345"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = svc.Record(context.Background(), line(day(15, 9), alphaChat, 1, waybill))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProjectReportResolvesUnknown(t *testing.T) {
	svc, _ := newService(t)
	seed(t, svc)

	text, ok, err := svc.ProjectReport(context.Background(), true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, text, "🟥 99 Олег (Alpha)")

	ids, names, err := svc.UnknownSenders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{99}, ids)
	assert.Equal(t, "Олег", names[99])
}

func TestSendRequiresChannel(t *testing.T) {
	svc, out := newService(t)
	seed(t, svc)

	err := svc.Send(context.Background(), KindOperator, "-")
	require.ErrorIs(t, err, ErrChannelNotSet)
	require.ErrorIs(t, svc.SendAll(context.Background()), ErrChannelNotSet)
	assert.Empty(t, out.msgs)
}

func TestSendAllPostsThreeReports(t *testing.T) {
	svc, out := newService(t)
	seed(t, svc)
	require.NoError(t, svc.Settings.Update(context.Background(), func(s *Settings) error {
		s.ReportChannel = -900
		return nil
	}))

	require.NoError(t, svc.SendAll(context.Background()))
	require.Len(t, out.msgs, 3)
	for _, m := range out.msgs {
		assert.Equal(t, int64(-900), m.to)
	}
	assert.True(t, strings.HasPrefix(out.msgs[0].text, "<b>Основной отчёт:</b>\n"))
	assert.True(t, strings.HasPrefix(out.msgs[1].text, "<b>Отчёт менеджеров:</b>\n"))
	assert.True(t, strings.HasPrefix(out.msgs[2].text, "<b>Отчёт руководителю:</b>\n"))
	assert.NotContains(t, out.msgs[2].text, "Комментарий")
}

func TestSendWithoutLinesPostsNoData(t *testing.T) {
	svc, out := newService(t)
	require.NoError(t, svc.Settings.Update(context.Background(), func(s *Settings) error {
		s.ManagerReportChannel = -800
		return nil
	}))

	require.NoError(t, svc.Send(context.Background(), KindOperator, "-"))
	require.Len(t, out.msgs, 1)
	assert.Equal(t, sent{to: -800, text: noDataText}, out.msgs[0])
	require.Error(t, svc.Send(context.Background(), "weekly", "-"))
}

func TestCleanupKeepsRecentDays(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	old := day(15, 9).AddDate(0, 0, -(keepDays + 5))
	_, err := svc.Record(ctx, line(old, alphaChat, 1, waybill))
	require.NoError(t, err)
	_, err = svc.Record(ctx, line(day(15, 9), alphaChat, 1, waybill))
	require.NoError(t, err)

	require.NoError(t, svc.Cleanup(ctx))
	days, err := svc.Lines.Days()
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, 15, days[0].Day())
}

func newHandlers(t *testing.T) (*handlers, *fakeOutbox) {
	t.Helper()
	sched, err := schedule.New(context.Background(), time.UTC)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })
	require.NoError(t, sched.Daily("flashcall.report", DefaultReportTime, func(context.Context) error { return nil }))
	sched.Start(context.Background())

	svc, out := newService(t)
	h := &handlers{
		svc:       svc,
		settings:  svc.Settings,
		sched:     sched,
		reportJob: "flashcall.report",
		fsm:       state.New(state.Options{Name: "flashcall", Policy: state.RepromptOnInvalid}),
	}
	h.registerSteps()
	return h, out
}

func say(t *testing.T, h *handlers, text string) state.Outcome {
	t.Helper()
	out, err := h.fsm.HandleText(context.Background(), state.Incoming{ChatID: 7, SenderID: 7, Text: text})
	require.NoError(t, err)
	return out
}

func TestReportChannelThenIdleText(t *testing.T) {
	h, _ := newHandlers(t)
	_, err := h.fsm.Begin(context.Background(), 7, TagReportChannel, nil)
	require.NoError(t, err)

	out := say(t, h, "-1001234")
	assert.Equal(t, state.StatusOK, out.Status)
	assert.Equal(t, "✅ Основной канал обновлён: -1001234", out.Reply)
	assert.Equal(t, int64(-1001234), h.settings.Get().ReportChannel)

	assert.False(t, say(t, h, "hello").Consumed)
}

func TestEditNormRepromptsOnInvalid(t *testing.T) {
	h, _ := newHandlers(t)
	require.NoError(t, h.settings.Set(context.Background(), sampleSettings()))
	_, err := h.fsm.Begin(context.Background(), 7, TagEditNorm, map[string]string{auxProject: "Alpha"})
	require.NoError(t, err)

	out := say(t, h, "abc")
	assert.True(t, out.Consumed)
	assert.Equal(t, state.StatusInvalid, out.Status)
	assert.Equal(t, 3, h.settings.Get().Norms["Alpha"])
	_, pending := h.fsm.Pending(7)
	assert.True(t, pending)

	out = say(t, h, "-4")
	assert.Equal(t, state.StatusInvalid, out.Status)

	out = say(t, h, "12")
	assert.Equal(t, state.StatusOK, out.Status)
	assert.Equal(t, 12, h.settings.Get().Norms["Alpha"])
}

func TestEditNormOfDeletedProject(t *testing.T) {
	h, _ := newHandlers(t)
	_, err := h.fsm.Begin(context.Background(), 7, TagEditNorm, map[string]string{auxProject: "Gone"})
	require.NoError(t, err)

	out := say(t, h, "5")
	assert.Equal(t, state.StatusNotFound, out.Status)
	_, ok := h.settings.Get().Norms["Gone"]
	assert.False(t, ok)
}

func TestAddUserChain(t *testing.T) {
	h, _ := newHandlers(t)
	require.NoError(t, h.settings.Set(context.Background(), sampleSettings()))

	_, err := h.fsm.Begin(context.Background(), 7, TagAddUserID, nil)
	require.NoError(t, err)
	out := say(t, h, "1")
	assert.Equal(t, "Пользователь уже существует.", out.Reply)
	_, pending := h.fsm.Pending(7)
	assert.False(t, pending)

	_, err = h.fsm.Begin(context.Background(), 7, TagAddUserID, nil)
	require.NoError(t, err)
	out = say(t, h, "555")
	assert.Equal(t, "Введите инициалы пользователя:", out.Reply)
	action, pending := h.fsm.Pending(7)
	require.True(t, pending)
	assert.Equal(t, TagAddUserInitials, action.Tag)
	assert.Equal(t, "555", action.Get(auxUser))

	out = say(t, h, "жз")
	assert.Equal(t, "✅ Пользователь добавлен: ЖЗ (555)", out.Reply)
	assert.Equal(t, "ЖЗ", h.settings.Get().Users[555])
}

func TestEditUserRemovedMeanwhile(t *testing.T) {
	h, _ := newHandlers(t)
	require.NoError(t, h.settings.Set(context.Background(), sampleSettings()))
	_, err := h.fsm.Begin(context.Background(), 7, TagEditUser, map[string]string{auxUser: "2"})
	require.NoError(t, err)
	require.NoError(t, h.settings.Update(context.Background(), func(s *Settings) error {
		delete(s.Users, 2)
		return nil
	}))

	out := say(t, h, "ИК")
	assert.Equal(t, state.StatusNotFound, out.Status)
	_, ok := h.settings.Get().Users[2]
	assert.False(t, ok)
}

func TestAddProjectChain(t *testing.T) {
	h, _ := newHandlers(t)
	_, err := h.fsm.Begin(context.Background(), 7, TagAddProjectChat, nil)
	require.NoError(t, err)

	say(t, h, "-100777")
	out := say(t, h, "Gamma")
	assert.Equal(t, state.StatusOK, out.Status)
	cfg := h.settings.Get()
	assert.Equal(t, "Gamma", cfg.Projects[-100777])
	assert.Equal(t, 0, cfg.Norms["Gamma"])
}

func TestSetReportTimeReschedules(t *testing.T) {
	h, _ := newHandlers(t)
	_, err := h.fsm.Begin(context.Background(), 7, TagReportTime, nil)
	require.NoError(t, err)

	assert.Equal(t, state.StatusInvalid, say(t, h, "7pm").Status)
	assert.Equal(t, DefaultReportTime, h.settings.Get().ReportTime)

	out := say(t, h, "19:30")
	assert.Equal(t, state.StatusOK, out.Status)
	assert.Equal(t, "19:30", h.settings.Get().ReportTime)
	require.Eventually(t, func() bool {
		n, err := h.sched.Next("flashcall.report")
		return err == nil && n.UTC().Hour() == 19 && n.UTC().Minute() == 30
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaderCommentSendsReport(t *testing.T) {
	h, out := newHandlers(t)
	seed(t, h.svc)

	_, err := h.fsm.Begin(context.Background(), 7, TagLeaderComment, nil)
	require.NoError(t, err)
	assert.Equal(t, "⚠️ Канал руководителя не настроен.", say(t, h, "всё ок").Reply)
	assert.Empty(t, out.msgs)

	require.NoError(t, h.settings.Update(context.Background(), func(s *Settings) error {
		s.LeaderReportChannel = -700
		return nil
	}))
	_, err = h.fsm.Begin(context.Background(), 7, TagLeaderComment, nil)
	require.NoError(t, err)
	assert.Equal(t, "✅ Отчёт руководителю отправлен.", say(t, h, "всё ок").Reply)
	require.Len(t, out.msgs, 1)
	assert.Equal(t, int64(-700), out.msgs[0].to)
	assert.Contains(t, out.msgs[0].text, "💬 Комментарий:\nвсё ок")
}

func TestSetReportTimeKeepsSettingsWhenRescheduleFails(t *testing.T) {
	h, _ := newHandlers(t)
	h.reportJob = "flashcall.missing"
	_, err := h.fsm.Begin(context.Background(), 7, TagReportTime, nil)
	require.NoError(t, err)

	out, err := h.fsm.HandleText(context.Background(), state.Incoming{ChatID: 7, SenderID: 7, Text: "19:30"})
	require.ErrorIs(t, err, schedule.ErrUnknownJob)
	assert.Equal(t, state.StatusFail, out.Status)
	assert.Equal(t, DefaultReportTime, h.settings.Get().ReportTime)
}

// flakyBackend fails every Save once fail is set.
type flakyBackend struct {
	*store.FileBackend
	fail atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (b *flakyBackend) Save(ctx context.Context, name string, data []byte) error {
	if b.fail.Load() {
		return errDiskFull
	}
	return b.FileBackend.Save(ctx, name, data)
}

func callbackHandler(t *testing.T, h *handlers) tele.HandlerFunc {
	t.Helper()
	reg, err := h.registry()
	require.NoError(t, err)
	for _, r := range h.routes(reg) {
		if r.Endpoint == tele.OnCallback {
			return r.Handler
		}
	}
	t.Fatal("no callback route")
	return nil
}

func TestMenuCallbackFailureIsAnswered(t *testing.T) {
	h, _ := newHandlers(t)
	files, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	backend := &flakyBackend{FileBackend: files}
	settings, err := store.Open(context.Background(), backend, "flashcall", sampleSettings())
	require.NoError(t, err)
	h.settings, h.svc.Settings = settings, settings
	handle := callbackHandler(t, h)

	backend.fail.Store(true)
	for _, tc := range []struct{ key, payload string }{
		{cbDelUser, "1"},
		{cbDelProject, strconv.FormatInt(alphaChat, 10)},
	} {
		c := teletest.NewCallback(7, tc.key, tc.payload)
		require.NoError(t, handle(c), tc.key)
		assert.Equal(t, []string{textFailed}, c.Sent(), tc.key)
	}
	assert.Equal(t, sampleSettings().Users, h.settings.Get().Users)
	assert.Equal(t, sampleSettings().Projects, h.settings.Get().Projects)

	backend.fail.Store(false)
	c := teletest.NewCallback(7, cbDelUser, "1")
	require.NoError(t, handle(c))
	require.Len(t, c.Sent(), 1)
	assert.Contains(t, c.Sent()[0], "Пользователь удалён")
}
