package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // named zones must resolve on hosts without a tz database

	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

var zoneCache sync.Map // string -> *time.Location

// Location resolves a user timezone. It accepts IANA names ("Europe/Berlin"),
// "UTC", and fixed offsets such as "+03:00", "-0530", "UTC+3" or "GMT-2".
func Location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	if loc, ok := zoneCache.Load(tz); ok {
		return loc.(*time.Location), nil
	}
	loc, err := resolveLocation(tz)
	if err != nil {
		return nil, err
	}
	zoneCache.Store(tz, loc)
	return loc, nil
}

func resolveLocation(tz string) (*time.Location, error) {
	offset := tz
	for _, prefix := range []string{"UTC", "GMT"} {
		if strings.HasPrefix(strings.ToUpper(offset), prefix) && len(offset) > len(prefix) {
			offset = offset[len(prefix):]
			break
		}
	}
	if strings.HasPrefix(offset, "+") || strings.HasPrefix(offset, "-") {
		secs, err := parseOffset(offset)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		return time.FixedZone(tz, secs), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

func parseOffset(s string) (int, error) {
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	body := strings.ReplaceAll(s[1:], ":", "")
	var h, m int
	var err error
	switch len(body) {
	case 1, 2:
		h, err = strconv.Atoi(body)
	case 3, 4:
		h, err = strconv.Atoi(body[:len(body)-2])
		if err == nil {
			m, err = strconv.Atoi(body[len(body)-2:])
		}
	default:
		return 0, fmt.Errorf("bad offset")
	}
	if err != nil || h > 14 || m > 59 {
		return 0, fmt.Errorf("bad offset")
	}
	return sign * (h*3600 + m*60), nil
}

// locationOrUTC falls back to UTC for zones that stopped resolving; settings
// are validated when written, so this only guards against stale data.
func locationOrUTC(tz string) *time.Location {
	loc, err := Location(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func localTimeOfDay(t time.Time, loc *time.Location) schema.TimeOfDay {
	local := t.In(loc)
	return schema.TimeOfDay(local.Hour()*60 + local.Minute())
}

// InActiveWindow reports whether t falls inside the user's active window in
// the user's local time.
func InActiveWindow(n schema.NotificationSettings, t time.Time) bool {
	return n.Window().Contains(localTimeOfDay(t, locationOrUTC(n.Timezone)))
}

// NextActiveTime returns t when it is inside the active window, otherwise the
// start of the next active window. The result is in UTC.
func NextActiveTime(n schema.NotificationSettings, t time.Time) time.Time {
	loc := locationOrUTC(n.Timezone)
	w := n.Window()
	if w.Contains(localTimeOfDay(t, loc)) {
		return t.UTC()
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), w.Start.Hour(), w.Start.Minute(), 0, 0, loc)
	if !start.After(local) {
		start = time.Date(local.Year(), local.Month(), local.Day()+1, w.Start.Hour(), w.Start.Minute(), 0, 0, loc)
	}
	return start.UTC()
}

// ComputeNextRun returns when a user last prompted at from should be prompted
// next: one interval later, rolled forward into the active window.
func ComputeNextRun(n schema.NotificationSettings, from time.Time) time.Time {
	interval := time.Duration(n.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = time.Hour
	}
	return NextActiveTime(n, from.Add(interval))
}
