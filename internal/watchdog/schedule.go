package watchdog

import (
	"fmt"
	"strings"
	"time"

	"groupwatch/internal/config"
)

type Period string

const (
	PeriodDay   Period = "day"
	PeriodNight Period = "night"
)

// Schedule decides whether an instant falls into the night window.
//
// The window is [NightStart, NightEnd) in Location, measured as an offset
// from local midnight. NightStart > NightEnd wraps past midnight.
// NightStart == NightEnd means there is no night at all.
type Schedule struct {
	NightStart time.Duration
	NightEnd   time.Duration
	Location   *time.Location

	// Err is set when the window could not be parsed; IsNight then always
	// reports day.
	Err error
}

// ParseSchedule builds a Schedule from "HH:MM" bounds and an IANA zone name.
//
// An unknown zone falls back to UTC and a malformed bound falls back to an
// always-day schedule. In both cases the returned error describes the problem
// and the returned Schedule is still usable.
func ParseSchedule(start, end, tz string) (Schedule, error) {
	s := Schedule{Location: time.UTC}

	var tzErr error
	if name := strings.TrimSpace(tz); name != "" {
		loc, err := time.LoadLocation(name)
		if err != nil {
			tzErr = fmt.Errorf("timezone %q: %w (using UTC)", name, err)
		} else {
			s.Location = loc
		}
	}

	ns, err := config.ParseClock(start)
	if err != nil {
		s.Err = fmt.Errorf("night start: %w", err)
		return s, s.Err
	}
	ne, err := config.ParseClock(end)
	if err != nil {
		s.Err = fmt.Errorf("night end: %w", err)
		return s, s.Err
	}
	s.NightStart, s.NightEnd = ns, ne
	return s, tzErr
}

func (s Schedule) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// IsNight reports whether t is inside the night window.
// Start is inclusive and end is exclusive, wrapped or not.
func (s Schedule) IsNight(t time.Time) bool {
	if s.Err != nil || s.NightStart == s.NightEnd {
		return false
	}
	lt := t.In(s.loc())
	tod := time.Duration(lt.Hour())*time.Hour +
		time.Duration(lt.Minute())*time.Minute +
		time.Duration(lt.Second())*time.Second

	if s.NightStart < s.NightEnd {
		return tod >= s.NightStart && tod < s.NightEnd
	}
	return tod >= s.NightStart || tod < s.NightEnd
}

func (s Schedule) Period(t time.Time) Period {
	if s.IsNight(t) {
		return PeriodNight
	}
	return PeriodDay
}

// Threshold is the inactivity limit that applies to u at t.
func (s Schedule) Threshold(u Unit, t time.Time) time.Duration {
	if s.IsNight(t) {
		return u.NightThreshold
	}
	return u.DayThreshold
}

// String renders the window as "22:00-08:00 Europe/Kyiv".
func (s Schedule) String() string {
	if s.Err != nil {
		return "invalid (" + s.Err.Error() + ")"
	}
	return fmt.Sprintf("%s-%s %s", clock(s.NightStart), clock(s.NightEnd), s.loc())
}

func clock(d time.Duration) string {
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}
