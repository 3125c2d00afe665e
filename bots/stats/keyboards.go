package stats

import (
	"fmt"
	"strconv"

	"github.com/m3rciful/callcenter-bots/core/telegram/keyboard"

	tele "gopkg.in/telebot.v4"
)

// Callback keys of the inline menus.
const (
	cbMainMenu        = "back_to_main"
	cbBroadcastMenu   = "broadcast_menu"
	cbBroadcastByIni  = "broadcast_by_initials"
	cbBroadcastByTmpl = "broadcast_by_template"
	cbSetReport       = "set_report_channel"
	cbUsersMenu       = "manage_users"
	cbUser            = "user"
	cbEditUserTag     = "edit_user_tag"
	cbDeleteUser      = "delete_user"
	cbAdminsMenu      = "admin_manage"
	cbAdmin           = "admin"
	cbAddAdmin        = "add_admin"
	cbEditAdminName   = "edit_admin_name"
	cbDeleteAdmin     = "delete_admin"
	cbNormsMenu       = "norms"
	cbNorm            = "norm"
	cbEditNorm        = "edit_norm"
	cbCleanInvalid    = "clean_invalid"
	cbStatsReport     = "stats_report"
	cbExit            = "exit"
)

func btn(text, unique string, data ...string) []keyboard.InlineBtn {
	b := keyboard.InlineBtn{Text: text, Unique: unique}
	if len(data) > 0 {
		b.Data = data[0]
	}
	return []keyboard.InlineBtn{b}
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

func mainMenu() *tele.ReplyMarkup {
	return keyboard.InlineButtonsRows(
		btn("📤 Почати розсилку", cbBroadcastMenu),
		btn("👥 Користувачі", cbUsersMenu),
		btn("📏 Налаштування норм", cbNormsMenu),
		btn("🧹 Очистити недоступні групи", cbCleanInvalid),
		btn("⚙️ Адміністратори", cbAdminsMenu),
		btn("📊 Статистика по проєктах", cbStatsReport),
		btn("🚪 Вихід", cbExit),
	)
}

func broadcastMenu() *tele.ReplyMarkup {
	return keyboard.InlineButtonsRows(
		btn("📊 Розсилка по ініціалах", cbBroadcastByIni),
		btn("📝 Розсилка по шаблону", cbBroadcastByTmpl),
		btn("🛠 Канал звіту", cbSetReport),
		btn("⬅️ Назад", cbMainMenu),
	)
}

func backTo(unique string) *tele.ReplyMarkup {
	return keyboard.InlineButtonsRows(btn("⬅️ Назад", unique))
}

func usersMenu(s Settings) *tele.ReplyMarkup {
	rows := make([][]keyboard.InlineBtn, 0, len(s.Users)+1)
	for _, u := range s.Users {
		rows = append(rows, btn(fmt.Sprintf("%s (%s)", u.Initials, u.Tag), cbUser, id(u.UserID)))
	}
	rows = append(rows, btn("⬅️ Назад", cbMainMenu))
	return keyboard.InlineButtonsRows(rows...)
}

func userMenu(u User) *tele.ReplyMarkup {
	return keyboard.InlineButtonsRows(
		btn("✏️ Змінити тег", cbEditUserTag, id(u.UserID)),
		btn("❌ Видалити", cbDeleteUser, id(u.UserID)),
		btn("⬅️ Назад", cbUsersMenu),
	)
}

func adminsMenu(s Settings) *tele.ReplyMarkup {
	rows := make([][]keyboard.InlineBtn, 0, len(s.Admins)+2)
	for _, a := range s.Admins {
		rows = append(rows, btn(fmt.Sprintf("%s (ID: %d)", a.Name, a.UserID), cbAdmin, id(a.UserID)))
	}
	rows = append(rows,
		btn("➕ Додати адміністратора", cbAddAdmin),
		btn("⬅️ Назад", cbMainMenu),
	)
	return keyboard.InlineButtonsRows(rows...)
}

func adminMenu(a Admin) *tele.ReplyMarkup {
	return keyboard.InlineButtonsRows(
		btn("✏️ Змінити ім'я", cbEditAdminName, id(a.UserID)),
		btn("❌ Видалити адміністратора", cbDeleteAdmin, id(a.UserID)),
		btn("⬅️ Назад", cbAdminsMenu),
	)
}

func normsMenu(n Norms) *tele.ReplyMarkup {
	rows := make([][]keyboard.InlineBtn, 0, len(n)+1)
	for _, key := range n.Keys() {
		rows = append(rows, btn(key, cbNorm, key))
	}
	rows = append(rows, btn("⬅️ Назад", cbMainMenu))
	return keyboard.InlineButtonsRows(rows...)
}

func normMenu(metric string) *tele.ReplyMarkup {
	rows := make([][]keyboard.InlineBtn, 0, len(ZoneKeys)+1)
	for i, zone := range ZoneKeys {
		rows = append(rows, btn(fmt.Sprintf("Змінити %s %s", Zone(i+1).Emoji(), zone), cbEditNorm, metric+"|"+zone))
	}
	rows = append(rows, btn("⬅️ Назад", cbNormsMenu))
	return keyboard.InlineButtonsRows(rows...)
}
