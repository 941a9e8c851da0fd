package calendar

import (
	"sync"
	"time"
	_ "time/tzdata" // zone database for minimal containers
)

// DefaultTimezone is used when no deployment zone is configured.
const DefaultTimezone = "Europe/Amsterdam"

// Clock is the only source of wall-clock time for billing and scheduling.
type Clock interface {
	Now() time.Time
	Today() time.Time
	Location() *time.Location
}

// LoadLocation resolves the configured zone, falling back to DefaultTimezone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	return time.LoadLocation(name)
}

// SystemClock reads OS time and projects it onto the configured zone.
type SystemClock struct {
	loc *time.Location
}

// NewSystemClock constructs a SystemClock. A nil location means UTC.
func NewSystemClock(loc *time.Location) SystemClock {
	if loc == nil {
		loc = time.UTC
	}
	return SystemClock{loc: loc}
}

func (c SystemClock) Now() time.Time { return time.Now().In(c.loc) }

func (c SystemClock) Today() time.Time { return DateOf(c.Now(), c.loc) }

func (c SystemClock) Location() *time.Location { return c.loc }

// FixedClock is a settable clock for deterministic tests and replays.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

// NewFixedClock returns a clock frozen at now.
func NewFixedClock(now time.Time, loc *time.Location) *FixedClock {
	if loc == nil {
		loc = time.UTC
	}
	return &FixedClock{now: now.In(loc), loc: loc}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Today() time.Time { return DateOf(c.Now(), c.loc) }

func (c *FixedClock) Location() *time.Location { return c.loc }

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.In(c.loc)
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Date builds a civil date. Civil dates are represented as midnight UTC so they
// compare and serialise the same way pgx scans a DATE column.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf returns the civil date of t as observed in loc.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	return Date(t.Year(), t.Month(), t.Day())
}

// AddDays shifts a civil date by n calendar days.
func AddDays(d time.Time, n int) time.Time {
	return d.AddDate(0, 0, n)
}

// IsCivilDate reports whether d is a normalised civil date.
func IsCivilDate(d time.Time) bool {
	return !d.IsZero() && d.Location() == time.UTC &&
		d.Hour() == 0 && d.Minute() == 0 && d.Second() == 0 && d.Nanosecond() == 0
}
