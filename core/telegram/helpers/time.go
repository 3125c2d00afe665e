package helpers

import (
	"fmt"
	"strconv"
	"strings"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClock accepts "H:MM" or "HH:MM" in 24-hour form.
func ParseClock(input string) (Clock, error) {
	s := strings.TrimSpace(input)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(mm) != 2 || len(hh) == 0 || len(hh) > 2 {
		return Clock{}, fmt.Errorf("expected HH:MM, got %q", input)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("hour out of range in %q", input)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("minute out of range in %q", input)
	}
	return Clock{Hour: h, Minute: m}, nil
}
