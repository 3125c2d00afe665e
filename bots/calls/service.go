package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/callcenter-bots/core/cdr"
	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/store"
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"
)

// DefaultBossReportTime is used until an admin picks another time.
const DefaultBossReportTime = "17:00"

var (
	// ErrNoData means the vendor returned no calls of the team for the window.
	ErrNoData = errors.New("calls: no data for the report")
	// ErrChannelNotSet means the destination channel was never configured.
	ErrChannelNotSet = errors.New("calls: report channel is not set")
)

// Settings is the persisted config record of the bot.
type Settings struct {
	BossChatID     int64  `json:"boss_chat_id"`
	ManagersChatID int64  `json:"managers_chat_id"`
	BossReportTime string `json:"boss_report_time"`
}

// DefaultSettings is the record content before the first save.
func DefaultSettings() Settings {
	return Settings{BossReportTime: DefaultBossReportTime}
}

// Outbox is the part of the dispatcher the reports need.
type Outbox interface {
	Text(ctx context.Context, to int64, text string, format sender.Format)
}

// Service builds the call reports and hands them to the dispatcher.
type Service struct {
	Settings *store.Record[Settings]
	Source   cdr.Source
	Outbox   Outbox
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

// Summaries fetches the calls of today's window and aggregates them.
func (s *Service) Summaries(ctx context.Context) ([]Summary, time.Time, error) {
	now := s.now()
	from, to, ok := Window(now)
	if !ok {
		return nil, now, ErrNoData
	}
	start := time.Now()
	rows, err := s.Source.Fetch(ctx, from, to)
	if err != nil {
		return nil, now, fmt.Errorf("calls: fetch: %w", err)
	}
	for i := range rows {
		rows[i].At = rows[i].At.In(now.Location())
	}
	sums := Summarize(rows)
	logger.Debug(ctx, "bot.calls", "report.data",
		slog.Int("rows", len(rows)),
		slog.Int("count", len(sums)),
		slog.Duration("duration", logger.Took(start)),
	)
	if len(sums) == 0 {
		return nil, now, ErrNoData
	}
	return sums, now, nil
}

// SendManagers posts the short report to the managers channel.
func (s *Service) SendManagers(ctx context.Context) error {
	return s.send(ctx, "managers", s.Settings.Get().ManagersChatID, ManagersReport)
}

// SendBoss posts the detailed report to the boss channel.
func (s *Service) SendBoss(ctx context.Context) error {
	return s.send(ctx, "boss", s.Settings.Get().BossChatID, BossReport)
}

func (s *Service) send(ctx context.Context, kind string, to int64, render func([]Summary, time.Time) string) error {
	if to == 0 {
		return fmt.Errorf("%w: %s", ErrChannelNotSet, kind)
	}
	sums, now, err := s.Summaries(ctx)
	if err != nil {
		logger.Warn(ctx, "bot.calls", "report.build",
			slog.String("status", "fail"),
			slog.String("record", kind),
			logger.Err(err),
		)
		return err
	}
	s.Outbox.Text(ctx, to, render(sums, ReportTime(now)), sender.HTML)
	logger.Info(ctx, "bot.calls", "report.send",
		slog.String("status", "ok"),
		slog.String("record", kind),
		slog.Int64("to", to),
		slog.Int("count", len(sums)),
	)
	return nil
}
