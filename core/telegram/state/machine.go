package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/m3rciful/callcenter-bots/core/logger"
	"github.com/m3rciful/callcenter-bots/core/metrics"

	tele "gopkg.in/telebot.v4"
)

var (
	// ErrUnknownTag is returned by Begin for tags without a registered step.
	ErrUnknownTag = errors.New("state: unknown action tag")
	// ErrNotFound is returned by Apply when an entity referenced by the
	// action was removed before the input arrived.
	ErrNotFound = errors.New("state: referenced entity not found")
)

// Tag identifies the input a chat is expected to send next.
type Tag string

// Action is the pending action of one chat.
type Action struct {
	Tag Tag
	// Aux holds fields captured by earlier steps, e.g. a project name.
	Aux   map[string]string
	Since time.Time
}

// Get returns an aux field.
func (a Action) Get(key string) string {
	return a.Aux[key]
}

// Input is what Apply receives: the raw text and its validated value.
type Input struct {
	ChatID   int64
	SenderID int64
	Text     string
	Value    any
	Aux      map[string]string
}

// Result is the reply of an applied step. A non-nil Next keeps the
// conversation going with another step.
type Result struct {
	Reply  string
	Markup *tele.ReplyMarkup
	Next   *Action
}

// Step handles one tag. Validate may be nil, then the trimmed text is the value.
// Validation errors are shown to the user as they are.
type Step struct {
	Prompt   string
	Validate func(text string) (any, error)
	Apply    func(ctx context.Context, in Input) (Result, error)
}

// Policy decides what happens to the pending action when validation fails.
type Policy int

const (
	// AbortOnInvalid clears the action; the user has to start over.
	AbortOnInvalid Policy = iota
	// RepromptOnInvalid keeps the action and repeats the prompt.
	RepromptOnInvalid
)

func (p Policy) String() string {
	if p == RepromptOnInvalid {
		return "reprompt"
	}
	return "abort"
}

// Status values reported in Outcome.
const (
	StatusOK       = "ok"
	StatusInvalid  = "invalid"
	StatusNotFound = "not_found"
	StatusFail     = "fail"
)

// Incoming is one text message.
type Incoming struct {
	ChatID   int64
	SenderID int64
	Text     string
}

// Outcome tells the router whether the text was consumed and what to reply.
type Outcome struct {
	Consumed bool
	Tag      Tag
	Status   string
	Reply    string
	Markup   *tele.ReplyMarkup
}

// Options configures a Machine.
type Options struct {
	// Name labels logs and metrics, usually the bot name.
	Name          string
	Policy        Policy
	NotFoundReply string
	FailReply     string
	Now           func() time.Time
}

type entry struct {
	action Action
	gen    uint64
}

// Machine is safe for concurrent use across chats.
type Machine struct {
	opts Options

	mu      sync.Mutex
	steps   map[Tag]Step
	pending map[int64]entry
	gen     uint64
}

// New creates an empty machine.
func New(opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NotFoundReply == "" {
		opts.NotFoundReply = "❌ Запись не найдена."
	}
	if opts.FailReply == "" {
		opts.FailReply = "⚠️ Не удалось сохранить изменения. Попробуйте позже."
	}
	return &Machine{
		opts:    opts,
		steps:   make(map[Tag]Step),
		pending: make(map[int64]entry),
	}
}

// Policy returns the validation failure policy.
func (m *Machine) Policy() Policy { return m.opts.Policy }

// Register binds a step to tag. It panics on a nil Apply or a duplicate
// tag since both are wiring bugs.
func (m *Machine) Register(tag Tag, step Step) {
	if tag == "" || step.Apply == nil {
		panic(fmt.Sprintf("state: invalid step %q", tag))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.steps[tag]; dup {
		panic(fmt.Sprintf("state: duplicate step %q", tag))
	}
	m.steps[tag] = step
}

// Begin makes tag the pending action of chatID, silently replacing any
// previous one, and returns the step prompt.
func (m *Machine) Begin(ctx context.Context, chatID int64, tag Tag, aux map[string]string) (string, error) {
	m.mu.Lock()
	step, ok := m.steps[tag]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	prev := m.pending[chatID].action.Tag
	m.gen++
	m.pending[chatID] = entry{
		action: Action{Tag: tag, Aux: maps.Clone(aux), Since: m.opts.Now()},
		gen:    m.gen,
	}
	m.mu.Unlock()

	logger.Info(ctx, "fsm", "action.begin",
		slog.String("status", "ok"),
		slog.Int64("chat_id", chatID),
		slog.String("tag", string(tag)),
		slog.String("prev_tag", string(prev)),
	)
	return step.Prompt, nil
}

// Pending returns the pending action of chatID.
func (m *Machine) Pending(chatID int64) (Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[chatID]
	if !ok {
		return Action{}, false
	}
	a := e.action
	a.Aux = maps.Clone(a.Aux)
	return a, true
}

// Cancel drops the pending action of chatID and reports whether there was one.
func (m *Machine) Cancel(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[chatID]
	delete(m.pending, chatID)
	return ok
}

// HandleText routes text to the pending action of the chat. Without one the
// text passes through untouched. The returned error is an Apply failure
// other than ErrNotFound; the outcome then still carries a reply for the user.
func (m *Machine) HandleText(ctx context.Context, in Incoming) (Outcome, error) {
	m.mu.Lock()
	e, ok := m.pending[in.ChatID]
	var step Step
	if ok {
		step, ok = m.steps[e.action.Tag]
	}
	if !ok {
		m.mu.Unlock()
		return Outcome{}, nil
	}
	m.mu.Unlock()

	start := time.Now()
	out := Outcome{Consumed: true, Tag: e.action.Tag}
	text := strings.TrimSpace(in.Text)

	value := any(text)
	if step.Validate != nil {
		v, err := step.Validate(text)
		if err != nil {
			out.Status = StatusInvalid
			out.Reply = "❌ " + err.Error()
			if m.opts.Policy == AbortOnInvalid {
				m.clear(in.ChatID, e.gen)
			} else if step.Prompt != "" {
				out.Reply += "\n" + step.Prompt
			}
			m.observe(ctx, in.ChatID, out, start, err)
			return out, nil
		}
		value = v
	}

	res, err := step.Apply(ctx, Input{
		ChatID:   in.ChatID,
		SenderID: in.SenderID,
		Text:     text,
		Value:    value,
		Aux:      maps.Clone(e.action.Aux),
	})
	switch {
	case errors.Is(err, ErrNotFound):
		m.clear(in.ChatID, e.gen)
		out.Status = StatusNotFound
		out.Reply = m.opts.NotFoundReply
		m.observe(ctx, in.ChatID, out, start, err)
		return out, nil
	case err != nil:
		m.clear(in.ChatID, e.gen)
		out.Status = StatusFail
		out.Reply = m.opts.FailReply
		m.observe(ctx, in.ChatID, out, start, err)
		return out, err
	}

	out.Status = StatusOK
	out.Reply = res.Reply
	out.Markup = res.Markup
	if res.Next != nil {
		next := *res.Next
		m.mu.Lock()
		nextStep, known := m.steps[next.Tag]
		m.mu.Unlock()
		if !known {
			m.clear(in.ChatID, e.gen)
			out.Status = StatusFail
			out.Reply = m.opts.FailReply
			err = fmt.Errorf("%w: %s", ErrUnknownTag, next.Tag)
			m.observe(ctx, in.ChatID, out, start, err)
			return out, err
		}
		m.advance(in.ChatID, e.gen, next)
		if out.Reply == "" {
			out.Reply = nextStep.Prompt
		}
	} else {
		m.clear(in.ChatID, e.gen)
	}
	m.observe(ctx, in.ChatID, out, start, nil)
	return out, nil
}

// clear removes the action unless another one was begun meanwhile.
func (m *Machine) clear(chatID int64, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pending[chatID]; ok && e.gen == gen {
		delete(m.pending, chatID)
	}
}

// advance installs the next step of a chain unless another action was
// begun meanwhile.
func (m *Machine) advance(chatID int64, gen uint64, next Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pending[chatID]; !ok || e.gen != gen {
		return
	}
	next.Aux = maps.Clone(next.Aux)
	next.Since = m.opts.Now()
	m.gen++
	m.pending[chatID] = entry{action: next, gen: m.gen}
}

func (m *Machine) observe(ctx context.Context, chatID int64, out Outcome, start time.Time, err error) {
	metrics.ObserveInput(m.opts.Name, out.Status)
	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.Int64("chat_id", chatID),
		slog.String("tag", string(out.Tag)),
		slog.String("outcome", out.Status),
		slog.String("policy", m.opts.Policy.String()),
		slog.Duration("duration", logger.Took(start)),
	}
	switch {
	case err != nil && out.Status == StatusFail:
		logger.Error(ctx, "fsm", "action.input", append(attrs, logger.Err(err))...)
	case err != nil:
		logger.Info(ctx, "fsm", "action.input", append(attrs, slog.String("cause", logger.SanitizeLimit(err.Error(), 256)))...)
	default:
		logger.Info(ctx, "fsm", "action.input", attrs...)
	}
}
