package flashcall

import (
	"cmp"
	"maps"
	"slices"
)

// DefaultReportTime is used until an admin picks another time.
const DefaultReportTime = "17:00"

// Settings is the persisted config record of the bot.
type Settings struct {
	// Projects maps a project chat id to the project name.
	Projects map[int64]string `json:"projects"`
	// Norms is the daily target per project name.
	Norms map[string]int `json:"norms"`
	// Users maps a Telegram user id to operator initials.
	Users                map[int64]string `json:"users"`
	ReportChannel        int64            `json:"report_channel"`
	ManagerReportChannel int64            `json:"manager_report_channel"`
	LeaderReportChannel  int64            `json:"leader_report_channel"`
	ReportTime           string           `json:"report_time"`
}

// DefaultSettings is the record content before the first save.
func DefaultSettings() Settings {
	return Settings{
		Projects:   map[int64]string{},
		Norms:      map[string]int{},
		Users:      map[int64]string{},
		ReportTime: DefaultReportTime,
	}
}

// ensure fills nil maps of a record saved by an older version.
func (s *Settings) ensure() {
	if s.Projects == nil {
		s.Projects = map[int64]string{}
	}
	if s.Norms == nil {
		s.Norms = map[string]int{}
	}
	if s.Users == nil {
		s.Users = map[int64]string{}
	}
}

// ProjectChats returns the project chat ids ordered by project name.
func (s Settings) ProjectChats() []int64 {
	ids := slices.Collect(maps.Keys(s.Projects))
	slices.SortFunc(ids, func(a, b int64) int {
		if c := cmp.Compare(s.Projects[a], s.Projects[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}

// ProjectNames returns the distinct project names, sorted.
func (s Settings) ProjectNames() []string {
	names := slices.Collect(maps.Values(s.Projects))
	slices.Sort(names)
	return slices.Compact(names)
}

// UserIDs returns the known user ids ordered by initials.
func (s Settings) UserIDs() []int64 {
	ids := slices.Collect(maps.Keys(s.Users))
	slices.SortFunc(ids, func(a, b int64) int {
		if c := cmp.Compare(s.Users[a], s.Users[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}

// Allowed reports whether messages from chatID are handled at all: project
// chats and report channels. Private chats are checked by the caller.
func (s Settings) Allowed(chatID int64) bool {
	if _, ok := s.Projects[chatID]; ok {
		return true
	}
	return s.menuChannel(chatID) || (chatID != 0 && chatID == s.ManagerReportChannel)
}

// menuChannel reports whether the admin menu may be used in chatID.
func (s Settings) menuChannel(chatID int64) bool {
	return chatID != 0 && (chatID == s.ReportChannel || chatID == s.LeaderReportChannel)
}
