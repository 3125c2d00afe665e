package stats

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Settings is the persisted config record of the bot.
type Settings struct {
	ReportChannel int64   `json:"report_channel"`
	Admins        []Admin `json:"admins"`
	// Users are the operator chats a personal message goes to; usually a
	// group per operator.
	Users []User `json:"users"`
}

// Admin is a menu user added at runtime, on top of the configured admins.
type Admin struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Tag    string `json:"tag"`
}

// User is an operator chat keyed by the initials of its operator.
type User struct {
	Initials string `json:"initials"`
	Tag      string `json:"tag"`
	UserID   int64  `json:"user_id"`
}

// DefaultSettings is the record content before the first save.
func DefaultSettings() Settings {
	return Settings{Admins: []Admin{}, Users: []User{}}
}

// IsAdmin reports whether uid was added as an admin.
func (s Settings) IsAdmin(uid int64) bool {
	return slices.ContainsFunc(s.Admins, func(a Admin) bool { return a.UserID == uid })
}

// Admin returns the admin with uid.
func (s Settings) Admin(uid int64) (Admin, bool) {
	i := slices.IndexFunc(s.Admins, func(a Admin) bool { return a.UserID == uid })
	if i < 0 {
		return Admin{}, false
	}
	return s.Admins[i], true
}

// User returns the operator chat with chatID.
func (s Settings) User(chatID int64) (User, bool) {
	i := slices.IndexFunc(s.Users, func(u User) bool { return u.UserID == chatID })
	if i < 0 {
		return User{}, false
	}
	return s.Users[i], true
}

// Select returns the users matching the initials; all selects everyone.
func (s Settings) Select(all bool, initials []string) []User {
	if all {
		return slices.Clone(s.Users)
	}
	var out []User
	for _, u := range s.Users {
		if slices.Contains(initials, strings.ToUpper(u.Initials)) {
			out = append(out, u)
		}
	}
	return out
}

// ParseSelector splits space separated initials; "всім" or "всем" selects
// every user.
func ParseSelector(text string) (all bool, initials []string) {
	for _, f := range strings.Fields(strings.ToUpper(text)) {
		if f == "ВСІМ" || f == "ВСЕМ" {
			all = true
		}
		initials = append(initials, f)
	}
	return all, initials
}

var titleInitialsRe = regexp.MustCompile(`\(([A-Za-zА-Яа-яІіЇїЄєҐґ]{2})\)`)

// GroupInitials extracts "(XX)" from a group title, falling back to the
// chat id.
func GroupInitials(title string, chatID int64) string {
	if m := titleInitialsRe.FindStringSubmatch(title); m != nil {
		return strings.ToUpper(m[1])
	}
	return strconv.FormatInt(chatID, 10)
}
