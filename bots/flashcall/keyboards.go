package flashcall

import (
	"fmt"
	"strconv"

	"github.com/m3rciful/callcenter-bots/core/telegram/keyboard"

	tele "gopkg.in/telebot.v4"
)

// Callback keys of the inline menus.
const (
	cbMainMenu       = "main_menu"
	cbReportMenu     = "report_menu"
	cbSendMain       = "send_report_main"
	cbSendManager    = "send_report_manager"
	cbSendLeader     = "send_report_leader"
	cbSendAll        = "send_report_all"
	cbUsersMenu      = "users_menu"
	cbEditUser       = "edit_user"
	cbAddInitials    = "add_ini"
	cbAddUser        = "add_user"
	cbDelUserMenu    = "del_user_menu"
	cbDelUser        = "del_user"
	cbNormsMenu      = "norms_menu"
	cbEditNorm       = "edit_norm"
	cbAddProject     = "add_project"
	cbDelProjectMenu = "del_project_menu"
	cbDelProject     = "del_project"
	cbCheckMissed    = "check_missed"
	cbChannelsMenu   = "channels_menu"
	cbSetReport      = "set_channel_report"
	cbSetManager     = "set_channel_manager"
	cbSetLeader      = "set_channel_leader"
	cbSetTime        = "set_time"
	cbExit           = "exit"
)

func btn(text, unique string) []keyboard.InlineBtn {
	return []keyboard.InlineBtn{{Text: text, Unique: unique}}
}

func btnData(text, unique string, id int64) []keyboard.InlineBtn {
	return []keyboard.InlineBtn{{Text: text, Unique: unique, Data: strconv.FormatInt(id, 10)}}
}

func mainMenu() *tele.ReplyMarkup {
	return keyboard.InlineButtonsRows(
		btn("📊 Меню отчётов", cbReportMenu),
		btn("👥 Пользователи", cbUsersMenu),
		btn("🏷️ Нормы проектов", cbNormsMenu),
		btn("⏰ Изменить время отчёта", cbSetTime),
		btn("🕵 Проверить пропущенные сообщения", cbCheckMissed),
		btn("⚙️ Настройки каналов", cbChannelsMenu),
		btn("🚪 Выход", cbExit),
	)
}

func reportMenu() *tele.ReplyMarkup {
	return keyboard.InlineButtonsRows(
		btn("📤 Отправить отчёт в основной канал", cbSendMain),
		btn("📤 Отчёт по операторам", cbSendManager),
		btn("📤 Отчёт руководителю (с комментарием)", cbSendLeader),
		btn("📤 Отправить все отчёты", cbSendAll),
		btn("⬅️ Назад", cbMainMenu),
	)
}

// usersMenu lists known users and, marked red, senders seen recently
// without initials.
func usersMenu(s Settings, unknown []int64, names map[int64]string) *tele.ReplyMarkup {
	var rows [][]keyboard.InlineBtn
	for _, uid := range s.UserIDs() {
		rows = append(rows, btnData(fmt.Sprintf("%s (%d)", s.Users[uid], uid), cbEditUser, uid))
	}
	for _, uid := range unknown {
		name := names[uid]
		if name == "" {
			name = "неизвестно"
		}
		rows = append(rows, btnData(fmt.Sprintf("🟥 %d %s", uid, name), cbAddInitials, uid))
	}
	rows = append(rows,
		btn("➕ Добавить пользователя", cbAddUser),
		btn("🗑 Удалить пользователя", cbDelUserMenu),
		btn("⬅️ Назад", cbMainMenu),
	)
	return keyboard.InlineButtonsRows(rows...)
}

func delUserMenu(s Settings) *tele.ReplyMarkup {
	var rows [][]keyboard.InlineBtn
	for _, uid := range s.UserIDs() {
		rows = append(rows, btnData(fmt.Sprintf("%s (%d)", s.Users[uid], uid), cbDelUser, uid))
	}
	rows = append(rows, btn("⬅️ Назад", cbUsersMenu))
	return keyboard.InlineButtonsRows(rows...)
}

func normsMenu(s Settings) *tele.ReplyMarkup {
	var rows [][]keyboard.InlineBtn
	seen := make(map[string]bool)
	for _, cid := range s.ProjectChats() {
		name := s.Projects[cid]
		if seen[name] {
			continue
		}
		seen[name] = true
		rows = append(rows, btnData(fmt.Sprintf("%s: %d", name, s.Norms[name]), cbEditNorm, cid))
	}
	rows = append(rows,
		btn("➕ Добавить проект", cbAddProject),
		btn("🗑 Удалить проект", cbDelProjectMenu),
		btn("⬅️ Назад", cbMainMenu),
	)
	return keyboard.InlineButtonsRows(rows...)
}

func delProjectMenu(s Settings) *tele.ReplyMarkup {
	var rows [][]keyboard.InlineBtn
	for _, cid := range s.ProjectChats() {
		rows = append(rows, btnData(fmt.Sprintf("%s (%d)", s.Projects[cid], cid), cbDelProject, cid))
	}
	rows = append(rows, btn("⬅️ Назад", cbNormsMenu))
	return keyboard.InlineButtonsRows(rows...)
}

func channelsMenu() *tele.ReplyMarkup {
	return keyboard.InlineButtonsRows(
		btn("Канал основного отчёта", cbSetReport),
		btn("Канал менеджеров", cbSetManager),
		btn("Канал руководителя", cbSetLeader),
		btn("⬅️ Назад", cbMainMenu),
	)
}
