package calls

import (
	"context"
	"errors"
	"fmt"

	"github.com/m3rciful/callcenter-bots/core/schedule"
	"github.com/m3rciful/callcenter-bots/core/store"
	coretelegram "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/commands"
	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
	"github.com/m3rciful/callcenter-bots/core/telegram/keyboard"
	"github.com/m3rciful/callcenter-bots/core/telegram/middleware"
	"github.com/m3rciful/callcenter-bots/core/telegram/router"
	"github.com/m3rciful/callcenter-bots/core/telegram/state"

	tele "gopkg.in/telebot.v4"
)

// Pending action tags.
const (
	TagBossChat     state.Tag = "set_boss_chat"
	TagManagersChat state.Tag = "set_managers_chat"
	TagReportTime   state.Tag = "set_report_time"
)

// Reply keyboard labels.
const (
	btnBossChat     = "Сменить канал руководителя"
	btnManagersChat = "Сменить канал менеджеров"
	btnReportTime   = "Сменить время отчёта руководителя"
	btnSendReport   = "Отправить отчёт"
	btnFullReport   = "Полный отчёт"
)

const textFailed = "⚠️ Не удалось выполнить действие. Попробуйте позже."

type handlers struct {
	svc      *Service
	settings *store.Record[Settings]
	sched    *schedule.Scheduler
	bossJob  string
	reply    tghelpers.Replier
	fsm      *state.Machine
	admin    middleware.AdminOptions
}

func mainMenu() *tele.ReplyMarkup {
	return keyboard.ReplyButtons(
		[]string{btnBossChat},
		[]string{btnManagersChat},
		[]string{btnReportTime},
		[]string{btnSendReport},
		[]string{btnFullReport},
	)
}

func (h *handlers) registerSteps() {
	h.fsm.Register(TagBossChat, state.Step{
		Prompt:   "Отправь новый chat ID канала для руководителя (число).",
		Validate: state.ChatID,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			id := in.Value.(int64)
			if err := h.settings.Update(ctx, func(s *Settings) error {
				s.BossChatID = id
				return nil
			}); err != nil {
				return state.Result{}, err
			}
			return state.Result{Reply: fmt.Sprintf("Канал руководителя установлен на %d", id), Markup: mainMenu()}, nil
		},
	})
	h.fsm.Register(TagManagersChat, state.Step{
		Prompt:   "Отправь новый chat ID канала для менеджеров (число).",
		Validate: state.ChatID,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			id := in.Value.(int64)
			if err := h.settings.Update(ctx, func(s *Settings) error {
				s.ManagersChatID = id
				return nil
			}); err != nil {
				return state.Result{}, err
			}
			return state.Result{Reply: fmt.Sprintf("Канал менеджеров установлен на %d", id), Markup: mainMenu()}, nil
		},
	})
	h.fsm.Register(TagReportTime, state.Step{
		Prompt:   "Отправь новое время отчёта руководителя в формате ЧЧ:ММ (например, 17:05).",
		Validate: state.Clock,
		Apply: func(ctx context.Context, in state.Input) (state.Result, error) {
			at := in.Value.(tghelpers.Clock).String()
			prev := h.settings.Get().BossReportTime
			if err := h.sched.Reschedule(ctx, h.bossJob, at); err != nil {
				return state.Result{}, err
			}
			if err := h.settings.Update(ctx, func(s *Settings) error {
				s.BossReportTime = at
				return nil
			}); err != nil {
				return state.Result{}, errors.Join(err, h.sched.Reschedule(ctx, h.bossJob, prev))
			}
			return state.Result{Reply: "Время отчёта руководителя установлено на " + at, Markup: mainMenu()}, nil
		},
	})
}

func (h *handlers) registry() *coretelegram.Registry {
	reg := coretelegram.NewRegistry()
	reg.RegisterCommand("/start", commands.Command{
		Description: "Меню управления отчётами",
		Handler:     middleware.PrivateOnly(h.start),
		AdminOnly:   true,
	})
	reg.RegisterCommand("/report", commands.Command{
		Description: "Полный отчёт руководителю",
		Handler:     middleware.PrivateOnly(h.sendReport(h.svc.SendBoss, "Формирую и отправляю полный отчёт для руководителя...")),
		AdminOnly:   true,
	})
	reg.RegisterCommand("/cancel", commands.Command{
		Description: "Отменить ввод",
		Handler:     middleware.PrivateOnly(h.cancel),
		AdminOnly:   true,
	})

	reg.RegisterButton(btnBossChat, commands.Command{Handler: h.begin(TagBossChat), AdminOnly: true})
	reg.RegisterButton(btnManagersChat, commands.Command{Handler: h.begin(TagManagersChat), AdminOnly: true})
	reg.RegisterButton(btnReportTime, commands.Command{Handler: h.begin(TagReportTime), AdminOnly: true})
	reg.RegisterButton(btnSendReport, commands.Command{
		Handler:   h.sendReport(h.svc.SendManagers, "Формирую и отправляю отчёт менеджерам..."),
		AdminOnly: true,
	})
	reg.RegisterButton(btnFullReport, commands.Command{
		Handler:   h.sendReport(h.svc.SendBoss, "Формирую и отправляю полный отчёт для руководителя..."),
		AdminOnly: true,
	})
	return reg
}

func (h *handlers) routes(reg *coretelegram.Registry) []coretelegram.Route {
	failed := h.reply.Failure(textFailed, mainMenu)
	routes := router.CommandRoutes(reg, router.CommandRouteOptions{Admin: h.admin, OnError: failed})
	return append(routes, router.TextRoutes(h.fsm, reg, router.TextOptions{
		Reply: func(c tele.Context, text string, markup *tele.ReplyMarkup) error {
			return h.reply.HTML(c, text, markup)
		},
		Admin:   h.admin,
		OnError: failed,
	})...)
}

func (h *handlers) start(c tele.Context) error {
	return h.reply.Text(c, "Привет! Это бот для управления отправкой отчётов по звонкам.", mainMenu())
}

func (h *handlers) cancel(c tele.Context) error {
	chatID, _ := tghelpers.IDs(c)
	if h.fsm.Cancel(chatID) {
		return h.reply.Text(c, "Действие отменено.", mainMenu())
	}
	return h.reply.Text(c, "Нет активного действия.", mainMenu())
}

func (h *handlers) begin(tag state.Tag) tele.HandlerFunc {
	return func(c tele.Context) error {
		chatID, _ := tghelpers.IDs(c)
		prompt, err := h.fsm.Begin(tghelpers.BuildContext(c), chatID, tag, nil)
		if err != nil {
			return err
		}
		return h.reply.Text(c, prompt)
	}
}

func (h *handlers) sendReport(send func(context.Context) error, notice string) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := tghelpers.BuildContext(c)
		if err := h.reply.Text(c, notice); err != nil {
			return err
		}
		if err := send(ctx); err != nil {
			return h.reply.Text(c, "⚠️ Не удалось сформировать отчёт: "+reportError(err), mainMenu())
		}
		return h.reply.Text(c, "Отчёт отправлен.", mainMenu())
	}
}

func (h *handlers) denied(c tele.Context) error {
	if chat := c.Chat(); chat == nil || chat.Type != tele.ChatPrivate {
		return nil
	}
	return h.reply.Text(c, "⛔ Нет доступа.")
}

func reportError(err error) string {
	switch {
	case errors.Is(err, ErrNoData):
		return "нет данных о звонках."
	case errors.Is(err, ErrChannelNotSet):
		return "канал не настроен."
	default:
		return "ошибка получения данных."
	}
}
