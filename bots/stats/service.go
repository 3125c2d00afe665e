package stats

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/m3rciful/callcenter-bots/core/cdr"
	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/store"
	coretelegram "github.com/m3rciful/callcenter-bots/core/telegram"
	"github.com/m3rciful/callcenter-bots/core/telegram/format"
	"github.com/m3rciful/callcenter-bots/core/telegram/sender"
)

var (
	// ErrNoActive means no operator made calls recently.
	ErrNoActive = errors.New("stats: no active operators")
	// ErrNoTargets means no known chat matches the selection.
	ErrNoTargets = errors.New("stats: no matching users")
	// ErrNoChanges means the snapshot did not move since the last one.
	ErrNoChanges = errors.New("stats: no changes")
)

const (
	activeWindow = 70 * time.Minute
	broadcastGap = 55 * time.Minute
	lockKey      = "stats:broadcast"
)

// Snapshots yields the current operator statistics.
type Snapshots interface {
	Fetch(ctx context.Context) (cdr.Snapshot, error)
}

// Outbox is the part of the dispatcher the bot needs.
type Outbox interface {
	Text(ctx context.Context, to int64, text string, format sender.Format)
}

// Resolver looks up chat metadata.
type Resolver interface {
	ChatInfo(ctx context.Context, chatID int64) (coretelegram.ChatInfo, error)
}

// Service builds and sends the statistics messages.
type Service struct {
	Settings *store.Record[Settings]
	Norms    *store.Record[Norms]
	// Previous is the snapshot of the last broadcast.
	Previous *store.Record[cdr.Snapshot]
	Source   Snapshots
	// Calls narrows broadcasts to operators with recent calls; nil means
	// every operator of the snapshot counts as active.
	Calls    cdr.Source
	Outbox   Outbox
	Resolver Resolver
	Lock     Locker
	// Exclude is a chat never treated as an operator chat, usually the
	// error channel.
	Exclude  int64
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

// BroadcastResult summarises one broadcast.
type BroadcastResult struct {
	Active   []string
	Sent     int
	Skipped  int
	Reported bool
}

// Text renders the result (HTML) for the admin who started the broadcast.
func (r BroadcastResult) Text() string {
	active := html.EscapeString(strings.Join(r.Active, ", "))
	if active == "" {
		active = "немає"
	}
	return fmt.Sprintf("🎧 Активні ініціали: %s\n✅ Розсилка виконана: надіслано %d, пропущено %d.", active, r.Sent, r.Skipped)
}

// active returns the sorted initials of operators with calls in the last
// activeWindow.
func (s *Service) active(ctx context.Context, cur cdr.Snapshot) ([]string, error) {
	if s.Calls == nil {
		return cur.Initials(), nil
	}
	now := s.now()
	rows, err := s.Calls.Fetch(ctx, now.Add(-activeWindow), now)
	if err != nil {
		return nil, fmt.Errorf("stats: active operators: %w", err)
	}
	set := make(map[string]bool)
	for _, r := range rows {
		if ini := strings.ToUpper(r.Initials()); ini != "" {
			set[ini] = true
		}
	}
	out := make([]string, 0, len(set))
	for ini := range set {
		out = append(out, ini)
	}
	slices.Sort(out)
	return out, nil
}

// Broadcast sends the personal messages to the selected operator chats,
// posts the change summary to the report channel and keeps the snapshot
// for the next comparison.
func (s *Service) Broadcast(ctx context.Context, all bool, initials []string) (BroadcastResult, error) {
	start := time.Now()
	prev := s.Previous.Get()
	hasPrev := !prev.TakenAt.IsZero()
	cur, err := s.Source.Fetch(ctx)
	if err != nil {
		return BroadcastResult{}, err
	}
	active, err := s.active(ctx, cur)
	if err != nil {
		return BroadcastResult{}, err
	}
	res := BroadcastResult{Active: active}
	if len(active) == 0 {
		return res, ErrNoActive
	}

	cfg := s.Settings.Get()
	var targets []User
	for _, u := range cfg.Select(all, initials) {
		if !slices.Contains(active, strings.ToUpper(u.Initials)) {
			continue
		}
		if u.UserID == cfg.ReportChannel || (s.Exclude != 0 && u.UserID == s.Exclude) {
			continue
		}
		targets = append(targets, u)
	}
	if len(targets) == 0 {
		return res, ErrNoTargets
	}

	norms := s.Norms.Get()
	var changes []OperatorChanges
	for _, u := range targets {
		op, ok := cur.Operators[strings.ToUpper(u.Initials)]
		if !ok || op.OrdersTotal == 0 {
			res.Skipped++
			continue
		}
		var prevOp *cdr.OperatorStats
		if p, ok := prev.Operators[op.Initials]; ok && hasPrev {
			prevOp = &p
		}
		if prevOp != nil && !Changed(*prevOp, op) {
			res.Skipped++
			continue
		}
		s.Outbox.Text(ctx, u.UserID, OperatorMessage(u, prevOp, op, norms), sender.HTML)
		res.Sent++
		changes = append(changes, Changes(prevOp, op))
	}

	if summary := ChannelSummary(changes); summary != "" && cfg.ReportChannel != 0 {
		s.Outbox.Text(ctx, cfg.ReportChannel, summary, sender.HTML)
		res.Reported = true
	}
	if err := s.Previous.Set(ctx, cur); err != nil {
		return res, fmt.Errorf("stats: keep snapshot: %w", err)
	}
	logger.Info(ctx, "bot.stats", "broadcast",
		slog.String("status", "ok"),
		slog.Int("count", res.Sent),
		slog.Int("skipped", res.Skipped),
		slog.Duration("duration", logger.Took(start)),
	)
	return res, nil
}

// Scheduled is the hourly broadcast to everyone. It is skipped when an
// earlier run finished less than broadcastGap ago.
func (s *Service) Scheduled(ctx context.Context) error {
	ok, err := s.Lock.Acquire(ctx, lockKey, broadcastGap)
	if err != nil {
		return fmt.Errorf("stats: broadcast lock: %w", err)
	}
	if !ok {
		logger.Info(ctx, "bot.stats", "broadcast", slog.String("status", "skip"), slog.String("cause", "recent run"))
		return nil
	}
	_, err = s.Broadcast(ctx, true, nil)
	switch {
	case errors.Is(err, ErrNoActive), errors.Is(err, ErrNoTargets):
		logger.Info(ctx, "bot.stats", "broadcast", slog.String("status", "skip"), logger.Err(err))
		return nil
	case err != nil:
		if rerr := s.Lock.Release(ctx, lockKey); rerr != nil {
			logger.Warn(ctx, "bot.stats", "broadcast.unlock", logger.Err(rerr))
		}
		return err
	}
	return nil
}

// Template sends the Markdown text to the selected chats with {tag}
// replaced by the escaped chat tag and returns the number of messages
// queued.
func (s *Service) Template(ctx context.Context, text string, all bool, initials []string) (int, error) {
	targets := s.Settings.Get().Select(all, initials)
	if len(targets) == 0 {
		return 0, ErrNoTargets
	}
	for _, u := range targets {
		s.Outbox.Text(ctx, u.UserID, strings.ReplaceAll(text, "{tag}", format.Markdown(u.Tag)), sender.Markdown)
	}
	logger.Info(ctx, "bot.stats", "template.send", slog.String("status", "ok"), slog.Int("count", len(targets)))
	return len(targets), nil
}

// Breakdown renders the per-project view against the last broadcast
// snapshot without replacing it.
func (s *Service) Breakdown(ctx context.Context) ([]string, error) {
	cur, err := s.Source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.active(ctx, cur)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, ErrNoActive
	}
	msgs := Breakdown(s.Previous.Get(), cur, func(ini string) bool { return slices.Contains(active, ini) })
	if len(msgs) == 0 {
		return nil, ErrNoChanges
	}
	return msgs, nil
}

// RegisterGroup adds a group chat as an operator chat, taking the initials
// from "(XX)" in its title. It reports whether the chat was new.
func (s *Service) RegisterGroup(ctx context.Context, chatID int64, title string) (bool, error) {
	if chatID == s.Exclude {
		return false, nil
	}
	added := false
	err := s.Settings.Update(ctx, func(cfg *Settings) error {
		if chatID == cfg.ReportChannel {
			return nil
		}
		if _, ok := cfg.User(chatID); ok {
			return nil
		}
		cfg.Users = append(cfg.Users, User{Initials: GroupInitials(title, chatID), UserID: chatID})
		added = true
		return nil
	})
	if added {
		logger.Info(ctx, "bot.stats", "group.add", slog.String("status", "ok"), slog.Int64("chat_id", chatID))
	}
	return added, err
}

// RemoveGroup drops an operator chat and reports whether it was known.
func (s *Service) RemoveGroup(ctx context.Context, chatID int64) (bool, error) {
	removed := false
	err := s.Settings.Update(ctx, func(cfg *Settings) error {
		n := len(cfg.Users)
		cfg.Users = slices.DeleteFunc(cfg.Users, func(u User) bool { return u.UserID == chatID })
		removed = len(cfg.Users) != n
		return nil
	})
	if removed {
		logger.Info(ctx, "bot.stats", "group.remove", slog.String("status", "ok"), slog.Int64("chat_id", chatID))
	}
	return removed, err
}

// CleanInvalid removes operator chats the bot can no longer see and
// returns their initials.
func (s *Service) CleanInvalid(ctx context.Context) ([]string, error) {
	if s.Resolver == nil {
		return nil, nil
	}
	gone := make(map[int64]bool)
	for _, u := range s.Settings.Get().Users {
		if _, err := s.Resolver.ChatInfo(ctx, u.UserID); err != nil {
			gone[u.UserID] = true
		}
	}
	if len(gone) == 0 {
		return nil, nil
	}
	var removed []string
	err := s.Settings.Update(ctx, func(cfg *Settings) error {
		removed = removed[:0]
		cfg.Users = slices.DeleteFunc(cfg.Users, func(u User) bool {
			if gone[u.UserID] {
				removed = append(removed, u.Initials)
				return true
			}
			return false
		})
		return nil
	})
	return removed, err
}
