package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// TimeOfDay is a local wall-clock time in minutes since midnight.
type TimeOfDay int

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})(?::\d{2})?\s*$`)

// ParseTimeOfDay accepts "HH:MM" (and "HH:MM:SS", seconds ignored).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	m := reHHMM.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > 23 || mm > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return TimeOfDay(hh*60 + mm), nil
}

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

// Of returns the TimeOfDay of a wall-clock time (in its own location).
func Of(ts time.Time) TimeOfDay {
	return TimeOfDay(ts.Hour()*60 + ts.Minute())
}

// On returns the instant at this wall-clock time on the date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, day.Location())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// InWindow reports whether local falls within [start, end), wrapping past
// midnight when end < start. An empty window (start == end) never matches.
func InWindow(local TimeOfDay, start, end TimeOfDay) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return local >= start && local < end
	default:
		return local >= start || local < end
	}
}

// WindowEnd returns the instant the quiet window containing local ends.
// local must be inside [start, end); the result is in local's location.
func WindowEnd(local time.Time, start, end TimeOfDay) time.Time {
	tod := Of(local)
	if start > end && tod >= start {
		// Window wraps and we are before midnight: it ends tomorrow.
		y, m, d := local.Date()
		return end.On(time.Date(y, m, d+1, 0, 0, 0, 0, local.Location()))
	}
	return end.On(local)
}
