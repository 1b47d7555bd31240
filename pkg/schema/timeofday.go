package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MinutesPerDay is the length of a day in TimeOfDay units.
const MinutesPerDay = 24 * 60

// TimeOfDay is a local wall-clock time, stored as minutes after midnight and
// written as "HH:MM".
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" (or "H:MM").
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("time of day %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("time of day %q: invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("time of day %q: invalid minute", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// MustTimeOfDay is ParseTimeOfDay for constants; it panics on bad input.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time of day: %w", err)
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Window is an active time-of-day range [Start, End). A window whose start is
// after its end spans midnight; equal bounds mean the whole day.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("window %q: expected HH:MM-HH:MM", s)
	}
	start, err := ParseTimeOfDay(a)
	if err != nil {
		return Window{}, err
	}
	end, err := ParseTimeOfDay(b)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: start, End: end}, nil
}

// Contains reports whether t lies inside the window.
func (w Window) Contains(t TimeOfDay) bool {
	switch {
	case w.Start == w.End:
		return true
	case w.Start < w.End:
		return t >= w.Start && t < w.End
	default:
		return t >= w.Start || t < w.End
	}
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// Window returns the active window of the settings.
func (n NotificationSettings) Window() Window {
	return Window{Start: n.ActiveStart, End: n.ActiveEnd}
}
