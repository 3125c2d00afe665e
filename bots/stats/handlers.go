package stats

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/m3rciful/callcenter-bots/core/store"
	coretelegram "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/callbacks"
	"github.com/m3rciful/callcenter-bots/core/telegram/commands"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
	"github.com/m3rciful/callcenter-bots/core/telegram/middleware"
	"github.com/m3rciful/callcenter-bots/core/telegram/router"
	"github.com/m3rciful/callcenter-bots/core/telegram/state"

	tele "gopkg.in/telebot.v4"
)

// Pending action tags.
const (
	TagReportChannel     state.Tag = "set_report_channel"
	TagBroadcastInitials state.Tag = "broadcast_initials"
	TagBroadcastTemplate state.Tag = "broadcast_template"
	TagTemplateInitials  state.Tag = "template_initials"
	TagEditUserTag       state.Tag = "edit_user_tag"
	TagAddAdminID        state.Tag = "add_admin_id"
	TagAddAdminName      state.Tag = "add_admin_name"
	TagAddAdminTag       state.Tag = "add_admin_tag"
	TagEditAdminName     state.Tag = "edit_admin_name"
	TagEditNorm          state.Tag = "edit_norm"
)

const (
	auxChat     = "chat"
	auxUser     = "uid"
	auxName     = "name"
	auxTemplate = "template"
	auxMetric   = "metric"
	auxZone     = "zone"
)

const (
	textMenu     = "Меню:"
	textDenied   = "❌ У вас немає прав адміністратора."
	textUnknown  = "❌ Невідома команда або дія."
	textNotFound = "❌ Запис не знайдено."
	textFailed   = "⚠️ Не вдалося виконати дію. Спробуйте пізніше."
)

type handlers struct {
	svc      *Service
	settings *store.Record[Settings]
	norms    *store.Record[Norms]
	reply    tghelpers.Replier
	fsm      *state.Machine
	// configured reports admins from the bot config.
	configured func(userID int64) bool
}

// isAdmin accepts configured admins and admins added from the menu.
func (h *handlers) isAdmin(uid int64) bool {
	if h.configured != nil && h.configured(uid) {
		return true
	}
	return h.settings.Get().IsAdmin(uid)
}

func (h *handlers) admin() middleware.AdminOptions {
	return middleware.AdminOptions{IsAdmin: h.isAdmin, OnReject: h.denied}
}

func (h *handlers) denied(c tele.Context) error {
	if chat := c.Chat(); chat == nil || chat.Type != tele.ChatPrivate {
		return nil
	}
	return h.reply.Text(c, textDenied)
}

func done(text string) (state.Result, error) {
	return state.Result{Reply: text, Markup: mainMenu()}, nil
}

func auxInt64(in state.Input, key string) (int64, error) {
	v, err := strconv.ParseInt(in.Aux[key], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stats: aux %s: %w", key, err)
	}
	return v, nil
}

func optional(text string) string {
	if text == "-" {
		return ""
	}
	return text
}

// broadcastError maps expected broadcast outcomes to a reply.
func broadcastError(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrNoActive):
		return "🚫 Не знайдено жодного активного співробітника — розсилка відмінена.", true
	case errors.Is(err, ErrNoTargets):
		return "❌ Користувачі з такими ініціалами не знайдені.", true
	case errors.Is(err, ErrNoChanges):
		return "📭 Немає змін у показниках активних операторів.", true
	}
	return "", false
}

func (h *handlers) registerSteps() {
	h.fsm.Register(TagReportChannel, state.Step{
		Prompt:   "Відправте ID каналу (наприклад, -1001234567890), куди надсилати звіти.",
		Validate: state.ChatID,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			chatID := in.Value.(int64)
			if err := h.settings.Update(ctx, func(s *Settings) error {
				s.ReportChannel = chatID
				return nil
			}); err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf("✅ Канал звіту оновлено на %d", chatID))
		},
	})
	h.fsm.Register(TagBroadcastInitials, state.Step{
		Prompt:   "Введіть ініціали через пробіл або 'всім' для всіх:",
		Validate: state.NonEmpty,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			all, initials := ParseSelector(in.Value.(string))
			res, err := h.svc.Broadcast(ctx, all, initials)
			if text, ok := broadcastError(err); ok {
				return done(text)
			}
			if err != nil {
				return state.Result{}, err
			}
			return done(res.Text())
		},
	})
	h.fsm.Register(TagBroadcastTemplate, state.Step{
		Prompt:   "Введіть текст шаблону з {tag} для розсилки:",
		Validate: state.NonEmpty,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			return state.Result{Next: &state.Action{
				Tag: TagTemplateInitials,
				Aux: map[string]string{auxTemplate: in.Value.(string)},
			}}, nil
		},
	})
	h.fsm.Register(TagTemplateInitials, state.Step{
		Prompt:   "Введіть ініціали для розсилки шаблону через пробіл або 'всім' для всіх:",
		Validate: state.NonEmpty,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			all, initials := ParseSelector(in.Value.(string))
			n, err := h.svc.Template(ctx, in.Aux[auxTemplate], all, initials)
			if text, ok := broadcastError(err); ok {
				return done(text)
			}
			if err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf("✅ Розсилку за шаблоном запущено: %d чатів.", n))
		},
	})
	h.fsm.Register(TagEditUserTag, state.Step{
		Prompt:   "Введіть новий тег:",
		Validate: state.NonEmpty,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			chatID, err := auxInt64(in, auxChat)
			if err != nil {
				return state.Result{}, err
			}
			tag := optional(in.Value.(string))
			var initials string
			if err := h.settings.Update(ctx, func(s *Settings) error {
				for i := range s.Users {
					if s.Users[i].UserID == chatID {
						s.Users[i].Tag = tag
						initials = s.Users[i].Initials
						return nil
					}
				}
				return state.ErrNotFound
			}); err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf("✅ Тег користувача %s оновлено на '%s'.", html.EscapeString(initials), html.EscapeString(tag)))
		},
	})
	h.fsm.Register(TagAddAdminID, state.Step{
		Prompt:   "Введіть ID нового адміністратора (число):",
		Validate: state.UserID,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			uid := in.Value.(int64)
			if h.settings.Get().IsAdmin(uid) {
				return done("Адміністратор уже існує.")
			}
			return state.Result{Next: &state.Action{Tag: TagAddAdminName, Aux: map[string]string{auxUser: strconv.FormatInt(uid, 10)}}}, nil
		},
	})
	h.fsm.Register(TagAddAdminName, state.Step{
		Prompt:   "Введіть ім'я адміністратора:",
		Validate: state.NonEmpty,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			return state.Result{Next: &state.Action{Tag: TagAddAdminTag, Aux: map[string]string{
				auxUser: in.Aux[auxUser],
				auxName: in.Value.(string),
			}}}, nil
		},
	})
	h.fsm.Register(TagAddAdminTag, state.Step{
		Prompt:   "Введіть тег адміністратора (наприклад, @username) або - без тегу:",
		Validate: state.NonEmpty,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			uid, err := auxInt64(in, auxUser)
			if err != nil {
				return state.Result{}, err
			}
			a := Admin{UserID: uid, Name: in.Aux[auxName], Tag: optional(in.Value.(string))}
			if err := h.settings.Update(ctx, func(s *Settings) error {
				if s.IsAdmin(uid) {
					return nil
				}
				s.Admins = append(s.Admins, a)
				return nil
			}); err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf("✅ Адміністратора %s (ID: %d) додано.", html.EscapeString(a.Name), uid))
		},
	})
	h.fsm.Register(TagEditAdminName, state.Step{
		Prompt:   "Введіть нове ім'я адміністратора:",
		Validate: state.NonEmpty,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			uid, err := auxInt64(in, auxUser)
			if err != nil {
				return state.Result{}, err
			}
			name := in.Value.(string)
			if err := h.settings.Update(ctx, func(s *Settings) error {
				for i := range s.Admins {
					if s.Admins[i].UserID == uid {
						s.Admins[i].Name = name
						return nil
					}
				}
				return state.ErrNotFound
			}); err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf("✅ Ім'я адміністратора з ID %d оновлено на '%s'.", uid, html.EscapeString(name)))
		},
	})
	h.fsm.Register(TagEditNorm, state.Step{
		Prompt:   "Введіть нове значення норми:",
		Validate: state.Float,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			metric, zone := in.Aux[auxMetric], in.Aux[auxZone]
			v := in.Value.(float64)
			if err := h.norms.Update(ctx, func(n *Norms) error {
				norm, ok := (*n)[metric]
				if !ok || !validZoneKey(zone) {
					return state.ErrNotFound
				}
				if norm == nil {
					norm = Norm{}
					(*n)[metric] = norm
				}
				norm[zone] = v
				return nil
			}); err != nil {
				return state.Result{}, err
			}
			return done(fmt.Sprintf("Норму '%s' для зони '%s' оновлено на %g.", html.EscapeString(metric), zone, v))
		},
	})
}

func (h *handlers) registry() (*coretelegram.Registry, error) {
	reg := coretelegram.NewRegistry()
	reg.RegisterCommand("/start", commands.Command{
		Description: "Меню",
		Handler:     middleware.PrivateOnly(h.start),
		AdminOnly:   true,
	})
	reg.RegisterCommand("/cancel", commands.Command{
		Description: "Скасувати введення",
		Handler:     h.cancel,
		AdminOnly:   true,
	})
	reg.RegisterCommand("/test_auto", commands.Command{
		Description: "Тестовий запуск авторозсилки",
		Handler:     middleware.PrivateOnly(h.testAuto),
		AdminOnly:   true,
		Hidden:      true,
	})
	reg.RegisterCommand("/debug", commands.Command{
		Description: "Статистика по проєктах",
		Handler:     middleware.PrivateOnly(h.statsReport),
		AdminOnly:   true,
	})
	reg.RegisterCommand("/reload_norms", commands.Command{
		Description: "Перечитати норми",
		Handler:     middleware.PrivateOnly(h.reloadNorms),
		AdminOnly:   true,
		Hidden:      true,
	})

	cbs := map[string]tele.HandlerFunc{
		cbMainMenu:        h.mainMenu,
		cbBroadcastMenu:   h.show("Оберіть тип розсилки:", broadcastMenu),
		cbBroadcastByIni:  h.begin(TagBroadcastInitials),
		cbBroadcastByTmpl: h.begin(TagBroadcastTemplate),
		cbSetReport:       h.begin(TagReportChannel),
		cbUsersMenu:       h.usersMenu,
		cbUser:            h.user,
		cbEditUserTag:     h.editUserTag,
		cbDeleteUser:      h.deleteUser,
		cbAdminsMenu:      h.adminsMenu,
		cbAdmin:           h.adminCard,
		cbAddAdmin:        h.begin(TagAddAdminID),
		cbEditAdminName:   h.editAdminName,
		cbDeleteAdmin:     h.deleteAdmin,
		cbNormsMenu:       h.normsMenu,
		cbNorm:            h.norm,
		cbEditNorm:        h.editNorm,
		cbCleanInvalid:    h.cleanInvalid,
		cbStatsReport:     h.statsReport,
		cbExit:            h.exit,
	}
	var errs []error
	for key, fn := range cbs {
		errs = append(errs, reg.RegisterCallback(key, fn))
	}
	return reg, errors.Join(errs...)
}

func (h *handlers) routes(reg *coretelegram.Registry) []coretelegram.Route {
	admin := h.admin()
	failed := h.reply.Failure(textFailed, mainMenu)
	routes := router.CommandRoutes(reg, router.CommandRouteOptions{Admin: admin, OnError: failed})
	routes = append(routes, router.CallbackRoute(reg, router.CallbackOptions{Admin: admin, OnError: failed}))
	routes = append(routes, router.TextRoutes(h.fsm, reg, router.TextOptions{
		Reply: func(c tele.Context, text string, markup *tele.ReplyMarkup) error {
			return h.reply.HTML(c, text, markup)
		},
		Admin:       admin,
		UnknownText: h.idle,
		OnError:     failed,
	})...)
	return append(routes, coretelegram.Route{Endpoint: tele.OnMyChatMember, Handler: h.member})
}

// idle registers group chats on any message and answers private chats.
func (h *handlers) idle(c tele.Context) error {
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	switch chat.Type {
	case tele.ChatGroup, tele.ChatSuperGroup:
		_, err := h.svc.RegisterGroup(tghelpers.BuildContext(c), chat.ID, chat.Title)
		return err
	case tele.ChatPrivate:
		if _, uid := tghelpers.IDs(c); !h.isAdmin(uid) {
			return h.reply.Text(c, textDenied)
		}
		return h.reply.Text(c, textUnknown)
	}
	return nil
}

// member tracks the bot membership: joined groups are registered, groups
// the bot left or was removed from are dropped.
func (h *handlers) member(c tele.Context) error {
	upd := c.ChatMember()
	if upd == nil || upd.Chat == nil || upd.NewChatMember == nil {
		return nil
	}
	ctx := tghelpers.BuildContext(c)
	switch upd.NewChatMember.Role {
	case tele.Kicked, tele.Left:
		_, err := h.svc.RemoveGroup(ctx, upd.Chat.ID)
		return err
	case tele.Member, tele.Administrator:
		if upd.Chat.Type == tele.ChatGroup || upd.Chat.Type == tele.ChatSuperGroup {
			_, err := h.svc.RegisterGroup(ctx, upd.Chat.ID, upd.Chat.Title)
			return err
		}
	}
	return nil
}

func (h *handlers) start(c tele.Context) error {
	return h.reply.Text(c, textMenu, mainMenu())
}

func (h *handlers) cancel(c tele.Context) error {
	chatID, _ := tghelpers.IDs(c)
	if h.fsm.Cancel(chatID) {
		return h.reply.Text(c, "❌ Дію скасовано.", mainMenu())
	}
	return h.reply.Text(c, "Немає активної дії.")
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

func (h *handlers) prompt(c tele.Context, tag state.Tag, aux map[string]string, text string) error {
	chatID, _ := tghelpers.IDs(c)
	p, err := h.fsm.Begin(tghelpers.BuildContext(c), chatID, tag, aux)
	if err != nil {
		return err
	}
	if text == "" {
		text = p
	}
	return h.reply.EditOrSend(c, html.EscapeString(text), backTo(cbMainMenu))
}

func (h *handlers) usersMenu(c tele.Context) error {
	cfg := h.settings.Get()
	if len(cfg.Users) == 0 {
		return h.reply.EditOrSend(c, "Користувачів поки немає.", backTo(cbMainMenu))
	}
	return h.reply.EditOrSend(c, "Список користувачів:", usersMenu(cfg))
}

func (h *handlers) lookupUser(c tele.Context) (User, bool, error) {
	chatID, err := callbacks.Int64(c)
	if err != nil {
		return User{}, false, err
	}
	u, ok := h.settings.Get().User(chatID)
	if !ok {
		return User{}, false, h.reply.EditOrSend(c, textNotFound, backTo(cbUsersMenu))
	}
	return u, true, nil
}

func (h *handlers) user(c tele.Context) error {
	u, ok, err := h.lookupUser(c)
	if !ok {
		return err
	}
	text := fmt.Sprintf("Користувач: <b>%s</b> %s\n🆔 <code>%d</code>", html.EscapeString(u.Initials), html.EscapeString(u.Tag), u.UserID)
	return h.reply.EditOrSend(c, text, userMenu(u))
}

func (h *handlers) editUserTag(c tele.Context) error {
	u, ok, err := h.lookupUser(c)
	if !ok {
		return err
	}
	return h.prompt(c, TagEditUserTag, map[string]string{auxChat: id(u.UserID)},
		fmt.Sprintf("Введіть новий тег для користувача %s (або - без тегу):", u.Initials))
}

func (h *handlers) deleteUser(c tele.Context) error {
	u, ok, err := h.lookupUser(c)
	if !ok {
		return err
	}
	if _, err := h.svc.RemoveGroup(tghelpers.BuildContext(c), u.UserID); err != nil {
		return err
	}
	return h.reply.EditOrSend(c, fmt.Sprintf("Користувача %s видалено.", html.EscapeString(u.Initials)), usersMenu(h.settings.Get()))
}

func (h *handlers) adminsMenu(c tele.Context) error {
	cfg := h.settings.Get()
	text := "📋 Список адміністраторів:"
	if len(cfg.Admins) == 0 {
		text = "Адміністраторів немає.\n\nНатисніть 'Додати адміністратора'."
	}
	return h.reply.EditOrSend(c, text, adminsMenu(cfg))
}

func (h *handlers) lookupAdmin(c tele.Context) (Admin, bool, error) {
	uid, err := callbacks.Int64(c)
	if err != nil {
		return Admin{}, false, err
	}
	a, ok := h.settings.Get().Admin(uid)
	if !ok {
		return Admin{}, false, h.reply.EditOrSend(c, "Адміністратора не знайдено.", backTo(cbAdminsMenu))
	}
	return a, true, nil
}

func (h *handlers) adminCard(c tele.Context) error {
	a, ok, err := h.lookupAdmin(c)
	if !ok {
		return err
	}
	text := fmt.Sprintf("👤 <b>%s</b> %s\n🆔 ID: <code>%d</code>", html.EscapeString(a.Name), html.EscapeString(a.Tag), a.UserID)
	return h.reply.EditOrSend(c, text, adminMenu(a))
}

func (h *handlers) editAdminName(c tele.Context) error {
	a, ok, err := h.lookupAdmin(c)
	if !ok {
		return err
	}
	return h.prompt(c, TagEditAdminName, map[string]string{auxUser: id(a.UserID)},
		fmt.Sprintf("Введіть нове ім'я для адміністратора з ID %d:", a.UserID))
}

func (h *handlers) deleteAdmin(c tele.Context) error {
	a, ok, err := h.lookupAdmin(c)
	if !ok {
		return err
	}
	if err := h.settings.Update(tghelpers.BuildContext(c), func(s *Settings) error {
		for i := range s.Admins {
			if s.Admins[i].UserID == a.UserID {
				s.Admins = append(s.Admins[:i], s.Admins[i+1:]...)
				break
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return h.reply.EditOrSend(c, fmt.Sprintf("Адміністратора з ID %d видалено.", a.UserID), adminsMenu(h.settings.Get()))
}

func (h *handlers) normsMenu(c tele.Context) error {
	n := h.norms.Get()
	if len(n) == 0 {
		return h.reply.EditOrSend(c, "❌ Норми не задані.", backTo(cbMainMenu))
	}
	return h.reply.EditOrSend(c, "👉 Оберіть норму для перегляду або редагування:", normsMenu(n))
}

func (h *handlers) norm(c tele.Context) error {
	metric := callbacks.Payload(c)
	n := h.norms.Get()
	if _, ok := n[metric]; !ok {
		return h.reply.EditOrSend(c, textNotFound, backTo(cbNormsMenu))
	}
	return h.reply.EditOrSend(c, n.Describe(metric), normMenu(metric))
}

func (h *handlers) editNorm(c tele.Context) error {
	parts, err := callbacks.Parts(c, "|")
	if err != nil || len(parts) != 2 || !validZoneKey(parts[1]) {
		return h.reply.EditOrSend(c, textNotFound, backTo(cbNormsMenu))
	}
	metric, zone := parts[0], parts[1]
	return h.prompt(c, TagEditNorm, map[string]string{auxMetric: metric, auxZone: zone},
		fmt.Sprintf("Введіть нове значення для %s (%s):", metric, zone))
}

func (h *handlers) cleanInvalid(c tele.Context) error {
	removed, err := h.svc.CleanInvalid(tghelpers.BuildContext(c))
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return h.reply.EditOrSend(c, "✅ Недоступних груп не знайдено.", mainMenu())
	}
	for i, ini := range removed {
		removed[i] = html.EscapeString(ini)
	}
	return h.reply.EditOrSend(c, "✅ Видалено недоступні групи:\n"+strings.Join(removed, "\n"), mainMenu())
}

func (h *handlers) statsReport(c tele.Context) error {
	if err := h.reply.Text(c, "🔄 Завантаження актуальної статистики..."); err != nil {
		return err
	}
	msgs, err := h.svc.Breakdown(tghelpers.BuildContext(c))
	if text, ok := broadcastError(err); ok {
		return h.reply.Text(c, text)
	}
	if err != nil {
		return h.reply.Text(c, "❌ Не вдалося завантажити статистику.")
	}
	for _, m := range msgs {
		if err := h.reply.HTML(c, m); err != nil {
			return err
		}
	}
	return nil
}

func (h *handlers) testAuto(c tele.Context) error {
	if err := h.reply.Text(c, "🔁 Тестовий запуск авторозсилки..."); err != nil {
		return err
	}
	if err := h.svc.Scheduled(tghelpers.BuildContext(c)); err != nil {
		return h.reply.Text(c, "⚠️ Сталася помилка при перевірці даних. Розсилка відмінена.")
	}
	return h.reply.Text(c, "✅ Готово.")
}

func (h *handlers) reloadNorms(c tele.Context) error {
	if err := h.norms.Reload(tghelpers.BuildContext(c)); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return h.reply.Text(c, "Норми успішно оновлено!")
}

func (h *handlers) exit(c tele.Context) error {
	chatID, _ := tghelpers.IDs(c)
	h.fsm.Cancel(chatID)
	return h.reply.EditOrSend(c, "Вихід з меню.")
}
