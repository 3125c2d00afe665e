package flashcall

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/m3rciful/callcenter-bots/core/linelog"
	"github.com/m3rciful/callcenter-bots/core/schedule"
	"github.com/m3rciful/callcenter-bots/core/store"
	coretelegram "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/callbacks"
	"github.com/m3rciful/callcenter-bots/core/telegram/commands"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
	"github.com/m3rciful/callcenter-bots/core/telegram/router"
	"github.com/m3rciful/callcenter-bots/core/telegram/state"

	tele "gopkg.in/telebot.v4"
)

// Pending action tags.
const (
	TagAddUserID       state.Tag = "add_user_id"
	TagAddUserInitials state.Tag = "add_user_initials"
	TagEditUser        state.Tag = "edit_user"
	TagEditNorm        state.Tag = "edit_norm"
	TagAddProjectChat  state.Tag = "add_project_chat"
	TagAddProjectName  state.Tag = "add_project_name"
	TagReportChannel   state.Tag = "set_report_channel"
	TagManagerChannel  state.Tag = "set_manager_channel"
	TagLeaderChannel   state.Tag = "set_leader_channel"
	TagReportTime      state.Tag = "set_report_time"
	TagLeaderComment   state.Tag = "leader_comment"
)

const (
	auxUser    = "uid"
	auxProject = "project"
	auxChat    = "chat"

	maxInitials = 8
)

const (
	textMenu    = "Главное меню:"
	textDenied  = "⛔ Нет доступа."
	textNoUser  = "❌ Пользователь не найден."
	textNoProj  = "❌ Проект не найден."
	textFailed  = "⚠️ Не удалось выполнить действие. Попробуйте позже."
	textNoStart = "Команда /start доступна только в ЛС и разрешённых каналах."
)

type handlers struct {
	svc       *Service
	settings  *store.Record[Settings]
	sched     *schedule.Scheduler
	reportJob string
	reply     tghelpers.Replier
	fsm       *state.Machine
	// isAdmin is nil when no admins are configured; the menu is then open
	// to every private chat and menu channel.
	isAdmin func(userID int64) bool
}

// allowed reports whether the update may use the admin menu.
func (h *handlers) allowed(c tele.Context) bool {
	chat := c.Chat()
	if chat == nil {
		return false
	}
	if chat.Type != tele.ChatPrivate && !h.settings.Get().menuChannel(chat.ID) {
		return false
	}
	if h.isAdmin == nil {
		return true
	}
	user := c.Sender()
	return user != nil && h.isAdmin(user.ID)
}

func (h *handlers) guard(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if !h.allowed(c) {
			return h.denied(c)
		}
		return next(c)
	}
}

func (h *handlers) denied(c tele.Context) error {
	if chat := c.Chat(); chat == nil || chat.Type != tele.ChatPrivate {
		return nil
	}
	return h.reply.Text(c, textDenied)
}

func initials(text string) (any, error) {
	s := strings.ToUpper(strings.TrimSpace(text))
	if s == "" || utf8.RuneCountInString(s) > maxInitials || strings.ContainsAny(s, " \n\t") {
		return nil, state.InvalidInput("Введите инициалы одним словом, например АБ.")
	}
	return s, nil
}

func norm(text string) (any, error) {
	v, err := state.Int(text)
	if err != nil {
		return nil, err
	}
	if v.(int) < 0 {
		return nil, state.InvalidInput("Норма не может быть отрицательной.")
	}
	return v, nil
}

func auxInt64(in state.Input, key string) (int64, error) {
	id, err := strconv.ParseInt(in.Aux[key], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("flashcall: aux %s: %w", key, err)
	}
	return id, nil
}

func (h *handlers) update(ctx context.Context, fn func(*Settings) error) error {
	return h.settings.Update(ctx, func(s *Settings) error {
		s.ensure()
		return fn(s)
	})
}

func done(text string) (state.Result, error) {
	return state.Result{Reply: text, Markup: mainMenu()}, nil
}

func (h *handlers) registerSteps() {
	h.fsm.Register(TagAddUserID, state.Step{
		Prompt:   "Введите Telegram ID пользователя:",
		Validate: state.UserID,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			uid := in.Value.(int64)
			if _, ok := h.settings.Get().Users[uid]; ok {
				return done("Пользователь уже существует.")
			}
			return state.Result{Next: &state.Action{
				Tag: TagAddUserInitials,
				Aux: map[string]string{auxUser: strconv.FormatInt(uid, 10)},
			}}, nil
		},
	})
	h.fsm.Register(TagAddUserInitials, state.Step{
		Prompt:   "Введите инициалы пользователя:",
		Validate: initials,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			uid, err := auxInt64(in, auxUser)
			if err != nil {
				return state.Result{}, err
			}
			ini := in.Value.(string)
			if err := h.update(ctx, func(s *Settings) error {
				s.Users[uid] = ini
				return nil
			}); err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf("✅ Пользователь добавлен: %s (%d)", html.EscapeString(ini), uid))
		},
	})
	h.fsm.Register(TagEditUser, state.Step{
		Prompt:   "Введите новые инициалы:",
		Validate: initials,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			uid, err := auxInt64(in, auxUser)
			if err != nil {
				return state.Result{}, err
			}
			ini := in.Value.(string)
			if err := h.update(ctx, func(s *Settings) error {
				if _, ok := s.Users[uid]; !ok {
					return state.ErrNotFound
				}
				s.Users[uid] = ini
				return nil
			}); err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf("✅ Инициалы обновлены: %s (%d)", html.EscapeString(ini), uid))
		},
	})
	h.fsm.Register(TagEditNorm, state.Step{
		Prompt:   "Введите новую норму (целое число):",
		Validate: norm,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			project := in.Aux[auxProject]
			n := in.Value.(int)
			if err := h.update(ctx, func(s *Settings) error {
				for _, name := range s.Projects {
					if name == project {
						s.Norms[project] = n
						return nil
					}
				}
				return state.ErrNotFound
			}); err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf("✅ Норма для %s: %d", html.EscapeString(project), n))
		},
	})
	h.fsm.Register(TagAddProjectChat, state.Step{
		Prompt:   "Введите chat ID проекта:",
		Validate: state.ChatID,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			return state.Result{Next: &state.Action{
				Tag: TagAddProjectName,
				Aux: map[string]string{auxChat: strconv.FormatInt(in.Value.(int64), 10)},
			}}, nil
		},
	})
	h.fsm.Register(TagAddProjectName, state.Step{
		Prompt:   "Введите название проекта:",
		Validate: state.NonEmpty,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			chatID, err := auxInt64(in, auxChat)
			if err != nil {
				return state.Result{}, err
			}
			name := in.Value.(string)
			if err := h.update(ctx, func(s *Settings) error {
				s.Projects[chatID] = name
				if _, ok := s.Norms[name]; !ok {
					s.Norms[name] = 0
				}
				return nil
			}); err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf("✅ Проект добавлен: %s (%d)", html.EscapeString(name), chatID))
		},
	})
	h.registerChannel(TagReportChannel, "Введите chat ID основного канала:", "✅ Основной канал обновлён: %d",
		func(s *Settings, id int64) { s.ReportChannel = id })
	h.registerChannel(TagManagerChannel, "Введите chat ID канала менеджеров:", "✅ Канал менеджеров обновлён: %d",
		func(s *Settings, id int64) { s.ManagerReportChannel = id })
	h.registerChannel(TagLeaderChannel, "Введите chat ID канала руководителя:", "✅ Канал руководителя обновлён: %d",
		func(s *Settings, id int64) { s.LeaderReportChannel = id })
	h.fsm.Register(TagReportTime, state.Step{
		Prompt:   "Введите новое время отчёта в формате HH:MM:",
		Validate: state.Clock,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			at := in.Value.(tghelpers.Clock).String()
			prev := h.settings.Get().ReportTime
			if err := h.sched.Reschedule(ctx, h.reportJob, at); err != nil {
				return state.Result{}, err
			}
			if err := h.update(ctx, func(s *Settings) error {
				s.ReportTime = at
				return nil
			}); err != nil {
				return state.Result{}, errors.Join(err, h.sched.Reschedule(ctx, h.reportJob, prev))
			}
			return done("✅ Время отчёта обновлено: " + at)
		},
	})
	h.fsm.Register(TagLeaderComment, state.Step{
		Prompt:   "Введите комментарий для руководителя (или - без комментария):",
		Validate: state.NonEmpty,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			err := h.svc.Send(ctx, KindLeader, in.Value.(string))
			if errors.Is(err, ErrChannelNotSet) {
				return done("⚠️ Канал руководителя не настроен.")
			}
			if err != nil {
				return state.Result{}, err
			}
			return done("✅ Отчёт руководителю отправлен.")
		},
	})
}

func (h *handlers) registerChannel(tag state.Tag, prompt, reply string, set func(*Settings, int64)) {
	h.fsm.Register(tag, state.Step{
		Prompt:   prompt,
		Validate: state.ChatID,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			id := in.Value.(int64)
			if err := h.update(ctx, func(s *Settings) error {
				set(s, id)
				return nil
			}); err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf(reply, id))
		},
	})
}

func (h *handlers) registry() (*coretelegram.Registry, error) {
	reg := coretelegram.NewRegistry()
	reg.RegisterCommand("/start", commands.Command{
		Description: "Меню отчётов",
		Handler:     h.start,
	})
	reg.RegisterCommand("/cancel", commands.Command{
		Description: "Отменить ввод",
		Handler:     h.guard(h.cancel),
	})

	cbs := map[string]tele.HandlerFunc{
		cbMainMenu:       h.mainMenu,
		cbReportMenu:     h.show("📊 Выберите отчёт:", reportMenu),
		cbSendMain:       h.send(KindProject),
		cbSendManager:    h.send(KindOperator),
		cbSendLeader:     h.begin(TagLeaderComment),
		cbSendAll:        h.sendAll,
		cbUsersMenu:      h.usersMenu,
		cbEditUser:       h.editUser,
		cbAddInitials:    h.addInitials,
		cbAddUser:        h.begin(TagAddUserID),
		cbDelUserMenu:    h.show("Выберите пользователя для удаления:", func() *tele.ReplyMarkup { return delUserMenu(h.settings.Get()) }),
		cbDelUser:        h.delUser,
		cbNormsMenu:      h.show("🏷️ Нормы проектов:", func() *tele.ReplyMarkup { return normsMenu(h.settings.Get()) }),
		cbEditNorm:       h.editNorm,
		cbAddProject:     h.begin(TagAddProjectChat),
		cbDelProjectMenu: h.show("Выберите проект для удаления:", func() *tele.ReplyMarkup { return delProjectMenu(h.settings.Get()) }),
		cbDelProject:     h.delProject,
		cbCheckMissed:    h.checkMissed,
		cbChannelsMenu:   h.channelsMenu,
		cbSetReport:      h.begin(TagReportChannel),
		cbSetManager:     h.begin(TagManagerChannel),
		cbSetLeader:      h.begin(TagLeaderChannel),
		cbSetTime:        h.setTime,
		cbExit:           h.exit,
	}
	var errs []error
	for key, fn := range cbs {
		errs = append(errs, reg.RegisterCallback(key, h.guard(fn)))
	}
	return reg, errors.Join(errs...)
}

func (h *handlers) routes(reg *coretelegram.Registry) []coretelegram.Route {
	failed := h.reply.Failure(textFailed, mainMenu)
	routes := router.CommandRoutes(reg, router.CommandRouteOptions{OnError: failed})
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{OnError: failed}))
	return append(routes, router.TextRoutes(h.fsm, reg, router.TextOptions{
		Reply: func(c tele.Context, text string, markup *tele.ReplyMarkup) error {
			return h.reply.HTML(c, text, markup)
		},
		UnknownText: h.record,
		OnError:     failed,
	})...)
}

// record stores idle text of private chats, projects and report channels.
func (h *handlers) record(c tele.Context) error {
	msg := c.Message()
	chat := c.Chat()
	if msg == nil || chat == nil {
		return nil
	}
	if chat.Type != tele.ChatPrivate && !h.settings.Get().Allowed(chat.ID) {
		return nil
	}
	_, senderID := tghelpers.IDs(c)
	_, err := h.svc.Record(tghelpers.BuildContext(c), linelog.Line{
		At:       msg.Time(),
		ChatID:   chat.ID,
		SenderID: senderID,
		Text:     msg.Text,
	})
	return err
}

func (h *handlers) start(c tele.Context) error {
	if !h.allowed(c) {
		if chat := c.Chat(); chat != nil && chat.Type != tele.ChatPrivate {
			return h.reply.Text(c, textNoStart)
		}
		return h.denied(c)
	}
	return h.reply.Text(c, "Добро пожаловать! Используйте меню для работы с отчётами.", mainMenu())
}

func (h *handlers) cancel(c tele.Context) error {
	chatID, _ := tghelpers.IDs(c)
	if h.fsm.Cancel(chatID) {
		return h.reply.Text(c, "Действие отменено.", mainMenu())
	}
	return h.reply.Text(c, "Нет активного действия.", mainMenu())
}

func (h *handlers) mainMenu(c tele.Context) error {
	chatID, _ := tghelpers.IDs(c)
	h.fsm.Cancel(chatID)
	return h.reply.EditOrSend(c, textMenu, mainMenu())
}

func (h *handlers) show(text string, markup func() *tele.ReplyMarkup) tele.HandlerFunc {
	return func(c tele.Context) error {
		return h.reply.EditOrSend(c, text, markup())
	}
}

func (h *handlers) begin(tag state.Tag) tele.HandlerFunc {
	return func(c tele.Context) error {
		return h.prompt(c, tag, nil, "")
	}
}

// prompt starts tag for the chat and shows text, or the step prompt when
// text is empty.
func (h *handlers) prompt(c tele.Context, tag state.Tag, aux map[string]string, text string) error {
	chatID, _ := tghelpers.IDs(c)
	p, err := h.fsm.Begin(tghelpers.BuildContext(c), chatID, tag, aux)
	if err != nil {
		return err
	}
	if text == "" {
		text = p
	}
	return h.reply.Text(c, text)
}

func (h *handlers) send(kind string) tele.HandlerFunc {
	return func(c tele.Context) error {
		return h.sendResult(c, h.svc.Send(tghelpers.BuildContext(c), kind, "-"))
	}
}

func (h *handlers) sendAll(c tele.Context) error {
	return h.sendResult(c, h.svc.SendAll(tghelpers.BuildContext(c)))
}

func (h *handlers) sendResult(c tele.Context, err error) error {
	switch {
	case errors.Is(err, ErrChannelNotSet):
		return h.reply.Text(c, "⚠️ Канал для отчёта не настроен.", reportMenu())
	case err != nil:
		return h.reply.Text(c, "⚠️ Не удалось сформировать отчёт.", reportMenu())
	}
	return h.reply.Text(c, "✅ Отчёт отправлен.", reportMenu())
}

func (h *handlers) usersMenu(c tele.Context) error {
	unknown, names, err := h.svc.UnknownSenders(tghelpers.BuildContext(c))
	if err != nil {
		return err
	}
	return h.reply.EditOrSend(c, "👥 Пользователи:", usersMenu(h.settings.Get(), unknown, names))
}

func (h *handlers) editUser(c tele.Context) error {
	uid, err := callbacks.Int64(c)
	if err != nil {
		return err
	}
	ini, ok := h.settings.Get().Users[uid]
	if !ok {
		return h.reply.Text(c, textNoUser)
	}
	return h.prompt(c, TagEditUser, map[string]string{auxUser: strconv.FormatInt(uid, 10)},
		fmt.Sprintf("Введите новые инициалы для %d (сейчас %s):", uid, ini))
}

func (h *handlers) addInitials(c tele.Context) error {
	uid, err := callbacks.Int64(c)
	if err != nil {
		return err
	}
	return h.prompt(c, TagAddUserInitials, map[string]string{auxUser: strconv.FormatInt(uid, 10)},
		fmt.Sprintf("Введите инициалы для пользователя %d:", uid))
}

func (h *handlers) delUser(c tele.Context) error {
	uid, err := callbacks.Int64(c)
	if err != nil {
		return err
	}
	var ini string
	err = h.update(tghelpers.BuildContext(c), func(s *Settings) error {
		var ok bool
		if ini, ok = s.Users[uid]; !ok {
			return state.ErrNotFound
		}
		delete(s.Users, uid)
		return nil
	})
	if errors.Is(err, state.ErrNotFound) {
		return h.reply.Text(c, textNoUser)
	}
	if err != nil {
		return err
	}
	return h.reply.EditOrSend(c, fmt.Sprintf("🗑 Пользователь удалён: %s (%d)", html.EscapeString(ini), uid), delUserMenu(h.settings.Get()))
}

func (h *handlers) editNorm(c tele.Context) error {
	chatID, err := callbacks.Int64(c)
	if err != nil {
		return err
	}
	cfg := h.settings.Get()
	project, ok := cfg.Projects[chatID]
	if !ok {
		return h.reply.Text(c, textNoProj)
	}
	return h.prompt(c, TagEditNorm, map[string]string{auxProject: project},
		fmt.Sprintf("Введите новую норму для %s (сейчас %d):", html.EscapeString(project), cfg.Norms[project]))
}

func (h *handlers) delProject(c tele.Context) error {
	chatID, err := callbacks.Int64(c)
	if err != nil {
		return err
	}
	var name string
	err = h.update(tghelpers.BuildContext(c), func(s *Settings) error {
		var ok bool
		if name, ok = s.Projects[chatID]; !ok {
			return state.ErrNotFound
		}
		delete(s.Projects, chatID)
		for _, other := range s.Projects {
			if other == name {
				return nil
			}
		}
		delete(s.Norms, name)
		return nil
	})
	if errors.Is(err, state.ErrNotFound) {
		return h.reply.Text(c, textNoProj)
	}
	if err != nil {
		return err
	}
	return h.reply.EditOrSend(c, fmt.Sprintf("🗑 Проект удалён: %s (%d)", html.EscapeString(name), chatID), delProjectMenu(h.settings.Get()))
}

func (h *handlers) checkMissed(c tele.Context) error {
	sum, err := h.svc.CheckMissed(tghelpers.BuildContext(c))
	if err != nil {
		return err
	}
	return h.reply.HTML(c, sum.Render(), mainMenu())
}

func (h *handlers) channelsMenu(c tele.Context) error {
	cfg := h.settings.Get()
	text := fmt.Sprintf("⚙️ Каналы отчётов:\nОсновной: %d\nМенеджеров: %d\nРуководителя: %d",
		cfg.ReportChannel, cfg.ManagerReportChannel, cfg.LeaderReportChannel)
	return h.reply.EditOrSend(c, text, channelsMenu())
}

func (h *handlers) setTime(c tele.Context) error {
	return h.prompt(c, TagReportTime, nil,
		fmt.Sprintf("Введите новое время отчёта в формате HH:MM (текущее %s):", h.settings.Get().ReportTime))
}

func (h *handlers) exit(c tele.Context) error {
	chatID, _ := tghelpers.IDs(c)
	h.fsm.Cancel(chatID)
	return h.reply.EditOrSend(c, "👋 Меню закрыто. /start чтобы открыть снова.")
}
