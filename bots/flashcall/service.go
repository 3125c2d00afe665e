package flashcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/m3rciful/callcenter-bots/core/linelog"
	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/store"
	coretelegram "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"
)

// ErrChannelNotSet means the destination channel was never configured.
var ErrChannelNotSet = errors.New("flashcall: report channel is not set")

const noDataText = "Нет данных для отчёта за последние дни."

// Outbox is the part of the dispatcher the reports need.
type Outbox interface {
	Text(ctx context.Context, to int64, text string, format sender.Format)
}

// Resolver looks up chat metadata; user ids resolve to private chats.
type Resolver interface {
	ChatInfo(ctx context.Context, chatID int64) (coretelegram.ChatInfo, error)
}

// Service records lines and builds the reports.
type Service struct {
	Settings *store.Record[Settings]
	Lines    *linelog.Recorder
	Outbox   Outbox
	// Resolver is optional; without it senders show as unknown.
	Resolver Resolver
	Location *time.Location
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if s.Location != nil {
		return now().In(s.Location)
	}
	return now()
}

// Record stores an idle chat line when it passes the recorder filter.
func (s *Service) Record(ctx context.Context, l linelog.Line) (bool, error) {
	return s.Lines.Record(ctx, l)
}

// recent returns the discount lines of the last report days.
func (s *Service) recent(ctx context.Context, now time.Time) ([]linelog.Line, error) {
	lines, err := s.Lines.ReadDays(ctx, now, reportDays)
	if err != nil {
		return nil, err
	}
	return linelog.Filter(lines, linelog.Matching(discountRe)), nil
}

// ProjectReport renders the project report of today, including senders
// without initials when withUnknown is set. It reports false when nothing
// was recorded in the last days.
func (s *Service) ProjectReport(ctx context.Context, withUnknown bool) (string, bool, error) {
	now := s.now()
	lines, err := s.recent(ctx, now)
	if err != nil || len(lines) == 0 {
		return "", false, err
	}
	sum := SummarizeProjects(lines, s.Settings.Get(), now)
	var names map[int64]string
	if withUnknown {
		names = s.resolve(ctx, sum.Unknown)
	}
	return sum.Render(names), true, nil
}

// OperatorReport renders today's and month-to-date counts per operator.
func (s *Service) OperatorReport(ctx context.Context) (string, bool, error) {
	now := s.now()
	recent, err := s.recent(ctx, now)
	if err != nil || len(recent) == 0 {
		return "", false, err
	}
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	month, err := s.Lines.ReadRange(ctx, first, now)
	if err != nil {
		return "", false, err
	}
	return OperatorReport(month, s.Settings.Get(), now), true, nil
}

// LeaderReport renders the project report with the leader comment.
func (s *Service) LeaderReport(ctx context.Context, comment string) (string, bool, error) {
	now := s.now()
	lines, err := s.recent(ctx, now)
	if err != nil || len(lines) == 0 {
		return "", false, err
	}
	return LeaderReport(SummarizeProjects(lines, s.Settings.Get(), now), comment), true, nil
}

// Report kinds.
const (
	KindProject  = "main"
	KindOperator = "manager"
	KindLeader   = "leader"
)

// Send posts one report to its configured channel.
func (s *Service) Send(ctx context.Context, kind, comment string) error {
	cfg := s.Settings.Get()
	var to int64
	switch kind {
	case KindProject:
		to = cfg.ReportChannel
	case KindOperator:
		to = cfg.ManagerReportChannel
	case KindLeader:
		to = cfg.LeaderReportChannel
	default:
		return fmt.Errorf("flashcall: unknown report %q", kind)
	}
	return s.sendTo(ctx, to, kind, comment, "")
}

// SendAll posts the three reports to the main report channel.
func (s *Service) SendAll(ctx context.Context) error {
	to := s.Settings.Get().ReportChannel
	var errs []error
	for _, r := range []struct{ kind, title string }{
		{KindProject, "<b>Основной отчёт:</b>\n"},
		{KindOperator, "<b>Отчёт менеджеров:</b>\n"},
		{KindLeader, "<b>Отчёт руководителю:</b>\n"},
	} {
		if err := s.sendTo(ctx, to, r.kind, "-", r.title); err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrChannelNotSet) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) sendTo(ctx context.Context, to int64, kind, comment, title string) error {
	if to == 0 {
		return fmt.Errorf("%w: %s", ErrChannelNotSet, kind)
	}
	var (
		text string
		ok   bool
		err  error
	)
	switch kind {
	case KindProject:
		text, ok, err = s.ProjectReport(ctx, true)
	case KindOperator:
		text, ok, err = s.OperatorReport(ctx)
	default:
		text, ok, err = s.LeaderReport(ctx, comment)
	}
	if err != nil {
		logger.Error(ctx, "bot.flashcall", "report.build", slog.String("record", kind), logger.Err(err))
		return fmt.Errorf("flashcall: %s report: %w", kind, err)
	}
	if !ok {
		s.Outbox.Text(ctx, to, noDataText, sender.HTML)
		logger.Info(ctx, "bot.flashcall", "report.send", slog.String("status", "skip"), slog.String("record", kind), slog.Int64("to", to))
		return nil
	}
	s.Outbox.Text(ctx, to, title+text, sender.HTML)
	logger.Info(ctx, "bot.flashcall", "report.send", slog.String("status", "ok"), slog.String("record", kind), slog.Int64("to", to))
	return nil
}

// Cleanup removes day files past the retention period.
func (s *Service) Cleanup(ctx context.Context) error {
	_, err := s.Lines.Cleanup(ctx, s.now(), keepDays)
	return err
}

// CheckMissed re-reads the lines recorded since the first of the month.
func (s *Service) CheckMissed(ctx context.Context) (MissedSummary, error) {
	now := s.now()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	lines, err := s.Lines.ReadRange(ctx, first, now)
	if err != nil {
		return MissedSummary{}, err
	}
	sum := CheckMissed(lines, s.Settings.Get())
	logger.Info(ctx, "bot.flashcall", "missed.check",
		slog.String("status", "ok"),
		slog.Int("lines", sum.Lines),
		slog.Int("count", len(sum.UnknownUsers)+len(sum.ForeignChats)),
	)
	return sum, nil
}

// resolve looks up display names; lookups that fail are left out.
func (s *Service) resolve(ctx context.Context, unknown []Unknown) map[int64]string {
	names := make(map[int64]string, len(unknown))
	if s.Resolver == nil {
		return names
	}
	for _, u := range unknown {
		if _, done := names[u.UserID]; done {
			continue
		}
		info, err := s.Resolver.ChatInfo(ctx, u.UserID)
		if err != nil {
			logger.Debug(ctx, "bot.flashcall", "user.resolve", slog.Int64("user_id", u.UserID), logger.Err(err))
			continue
		}
		names[u.UserID] = info.DisplayName()
	}
	return names
}

// UnknownSenders lists senders of recent project-chat lines that have no
// initials yet, with their display names where they resolve.
func (s *Service) UnknownSenders(ctx context.Context) ([]int64, map[int64]string, error) {
	lines, err := s.recent(ctx, s.now())
	if err != nil {
		return nil, nil, err
	}
	cfg := s.Settings.Get()
	seen := make(map[int64]bool)
	var unknown []Unknown
	for _, l := range lines {
		project, ok := cfg.Projects[l.ChatID]
		if !ok || seen[l.SenderID] {
			continue
		}
		if _, known := cfg.Users[l.SenderID]; known {
			continue
		}
		seen[l.SenderID] = true
		unknown = append(unknown, Unknown{UserID: l.SenderID, Project: project})
	}
	ids := make([]int64, 0, len(unknown))
	for _, u := range unknown {
		ids = append(ids, u.UserID)
	}
	slices.Sort(ids)
	return ids, s.resolve(ctx, unknown), nil
}
