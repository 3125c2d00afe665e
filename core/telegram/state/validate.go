package state

import (
	"math"
	"strconv"
	"strings"

	tghelpers "github.com/m3rciful/callcenter-bots/core/telegram/helpers"
)

// InvalidInput is a validation error whose text is shown to the user.
type InvalidInput string

func (e InvalidInput) Error() string { return string(e) }

// ChatID accepts a numeric chat id; channel and group ids are negative.
func ChatID(text string) (any, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || id == 0 {
		return nil, InvalidInput("Введите корректный chat_id.")
	}
	return id, nil
}

// UserID accepts a positive numeric user id.
func UserID(text string) (any, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || id <= 0 {
		return nil, InvalidInput("ID должен быть числом.")
	}
	return id, nil
}

// Int accepts a whole number.
func Int(text string) (any, error) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return nil, InvalidInput("Введите целое число.")
	}
	return n, nil
}

// Float accepts a finite decimal number with either a dot or a comma.
func Float(text string) (any, error) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(text), ",", "."), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, InvalidInput("Введите числовое значение.")
	}
	return f, nil
}

// Clock accepts HH:MM within 00:00-23:59.
func Clock(text string) (any, error) {
	c, err := tghelpers.ParseClock(text)
	if err != nil {
		return nil, InvalidInput("Введите корректное время в формате HH:MM.")
	}
	return c, nil
}

// NonEmpty accepts any text that is not blank.
func NonEmpty(text string) (any, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, InvalidInput("Значение не может быть пустым.")
	}
	return s, nil
}
