package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format for civil dates.
const DateLayout = "2006-01-02"

// ErrInvalidPeriod indicates a malformed billing period.
var ErrInvalidPeriod = errors.New("calendar: invalid period")

// Period is an inclusive range of civil dates.
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod validates and builds a period.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: start, End: end}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// Validate checks that both bounds are civil dates and start <= end.
func (p Period) Validate() error {
	if !IsCivilDate(p.Start) || !IsCivilDate(p.End) {
		return fmt.Errorf("%w: bounds must be civil dates", ErrInvalidPeriod)
	}
	if p.Start.After(p.End) {
		return fmt.Errorf("%w: start %s after end %s", ErrInvalidPeriod, p.Start.Format(DateLayout), p.End.Format(DateLayout))
	}
	return nil
}

// Contains reports whether date lies within the inclusive range.
func (p Period) Contains(date time.Time) bool {
	return !date.Before(p.Start) && !date.After(p.End)
}

// Days returns the number of civil days covered.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours()/24) + 1
}

// Key returns a stable identifier usable in cache and lock keys.
func (p Period) Key() string {
	return p.Start.Format(DateLayout) + ".." + p.End.Format(DateLayout)
}

func (p Period) String() string { return p.Key() }

// WeeklyPeriod returns the seven days ending yesterday. Triggered on a Monday
// it yields the previous Monday through Sunday.
func WeeklyPeriod(today time.Time) Period {
	end := AddDays(today, -1)
	return Period{Start: AddDays(end, -6), End: end}
}

// ParseDate parses YYYY-MM-DD into a civil date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidPeriod, s)
	}
	return t, nil
}

// ParsePeriod parses two YYYY-MM-DD bounds.
func ParsePeriod(from, to string) (Period, error) {
	start, err := ParseDate(from)
	if err != nil {
		return Period{}, err
	}
	end, err := ParseDate(to)
	if err != nil {
		return Period{}, err
	}
	return NewPeriod(start, end)
}

// LastTick returns the most recent weekly tick instant at or before now,
// for ticks firing on weekday at hour:00 local time.
func LastTick(now time.Time, loc *time.Location, weekday time.Weekday, hour int) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	back := (int(local.Weekday()) - int(weekday) + 7) % 7
	tick := time.Date(local.Year(), local.Month(), local.Day()-back, hour, 0, 0, 0, loc)
	if tick.After(local) {
		tick = tick.AddDate(0, 0, -7)
	}
	return tick
}
