package coordinator

import (
	"fmt"
	"time"
)

// hoursGate decides whether trading (including extended hours) is open
// and how long to sleep until the next open. Weekends are skipped by
// computing the next open directly instead of busy-polling.
type hoursGate struct {
	openHour, openMin   int
	closeHour, closeMin int
	loc                 *time.Location
}

func newHoursGate(open, close string, loc *time.Location) (hoursGate, error) {
	g := hoursGate{loc: loc}
	var err error
	if g.openHour, g.openMin, err = parseClock(open); err != nil {
		return g, fmt.Errorf("open time: %w", err)
	}
	if g.closeHour, g.closeMin, err = parseClock(close); err != nil {
		return g, fmt.Errorf("close time: %w", err)
	}
	if g.loc == nil {
		g.loc = time.Local
	}
	return g, nil
}

func parseClock(s string) (hour, min int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

func (g hoursGate) openAt(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), g.openHour, g.openMin, 0, 0, g.loc)
}

func (g hoursGate) closeAt(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), g.closeHour, g.closeMin, 0, 0, g.loc)
}

// inHours reports whether t falls inside the trading window on a weekday.
func (g hoursGate) inHours(t time.Time) bool {
	t = t.In(g.loc)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !t.Before(g.openAt(t)) && !t.After(g.closeAt(t))
}

// untilOpen returns how long to sleep before the next trading window
// opens; zero when trading is open right now.
func (g hoursGate) untilOpen(t time.Time) time.Duration {
	t = t.In(g.loc)
	if g.inHours(t) {
		return 0
	}
	day := t
	if t.Weekday() != time.Saturday && t.Weekday() != time.Sunday && t.Before(g.openAt(t)) {
		// Today's session has not started yet.
		return g.openAt(t).Sub(t)
	}
	for {
		day = day.AddDate(0, 0, 1)
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			return g.openAt(day).Sub(t)
		}
	}
}
